package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyLoadingAndMatching(t *testing.T) {
	tmpDir := t.TempDir()
	policyFile := filepath.Join(tmpDir, "policy1.yaml")
	policyContent := `
id: "tenant-a"
namespaces:
  - "tenant_a.*"
  - "shared.accounts"
kms:
  aws_region: "eu-central-1"
`
	err := os.WriteFile(policyFile, []byte(policyContent), 0644)
	require.NoError(t, err)

	pm := NewPolicyManager()
	err = pm.LoadPolicies([]string{filepath.Join(tmpDir, "*.yaml")})
	require.NoError(t, err)

	tests := []struct {
		namespace   string
		shouldMatch bool
		policyID    string
	}{
		{"tenant_a.customers", true, "tenant-a"},
		{"tenant_a.orders", true, "tenant-a"},
		{"shared.accounts", true, "tenant-a"},
		{"other.collection", false, ""},
		{"tenant_b.customers", false, ""},
	}

	for _, tt := range tests {
		policy := pm.PolicyForNamespace(tt.namespace)
		if tt.shouldMatch {
			require.NotNil(t, policy, "expected policy match for namespace %s", tt.namespace)
			assert.Equal(t, tt.policyID, policy.ID)
		} else {
			assert.Nil(t, policy, "expected no policy match for namespace %s", tt.namespace)
		}
	}
}

func TestLoadPolicies_RejectsMissingID(t *testing.T) {
	tmpDir := t.TempDir()
	policyFile := filepath.Join(tmpDir, "bad.yaml")
	err := os.WriteFile(policyFile, []byte(`namespaces: ["a.*"]`), 0644)
	require.NoError(t, err)

	pm := NewPolicyManager()
	err = pm.LoadPolicies([]string{filepath.Join(tmpDir, "*.yaml")})
	assert.Error(t, err)
}

func TestLoadPolicies_RejectsMissingNamespaces(t *testing.T) {
	tmpDir := t.TempDir()
	policyFile := filepath.Join(tmpDir, "bad.yaml")
	err := os.WriteFile(policyFile, []byte(`id: "tenant-a"`), 0644)
	require.NoError(t, err)

	pm := NewPolicyManager()
	err = pm.LoadPolicies([]string{filepath.Join(tmpDir, "*.yaml")})
	assert.Error(t, err)
}

func TestPolicyApplication(t *testing.T) {
	baseConfig := &Config{
		KMS: KMSConfig{
			AWSRegion:          "us-east-1",
			LocalMasterKeyFile: "/etc/pumpserver/master.key",
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			Limit:   100,
		},
	}

	policy := &NamespacePolicy{
		ID: "test-policy",
		KMS: &KMSConfig{
			AWSRegion: "eu-west-1",
		},
		RateLimit: &RateLimitConfig{
			Enabled: true,
			Limit:   10,
		},
	}

	newConfig := policy.ApplyToConfig(baseConfig)

	// base config is untouched
	assert.Equal(t, "us-east-1", baseConfig.KMS.AWSRegion)
	assert.False(t, baseConfig.RateLimit.Enabled)

	// overrides applied
	assert.Equal(t, "eu-west-1", newConfig.KMS.AWSRegion)
	assert.True(t, newConfig.RateLimit.Enabled)
	assert.Equal(t, 10, newConfig.RateLimit.Limit)

	// fields not present in the policy's KMS override retain the base value
	assert.Equal(t, "/etc/pumpserver/master.key", newConfig.KMS.LocalMasterKeyFile)
}

func TestPolicyApplication_NilOverridesLeaveBaseUntouched(t *testing.T) {
	baseConfig := &Config{
		KMS:       KMSConfig{AWSRegion: "us-east-1"},
		RateLimit: RateLimitConfig{Enabled: true, Limit: 50},
	}

	policy := &NamespacePolicy{ID: "noop-policy"}
	newConfig := policy.ApplyToConfig(baseConfig)

	assert.Equal(t, "us-east-1", newConfig.KMS.AWSRegion)
	assert.Equal(t, 50, newConfig.RateLimit.Limit)
}
