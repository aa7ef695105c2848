package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ryanuber/go-glob"
	"gopkg.in/yaml.v3"
)

// NamespacePolicy overrides rate limiting and KMS provider defaults for
// the namespaces it matches, the per-bucket policy concept from the
// teacher's gateway reapplied to db.collection namespaces instead of S3
// buckets.
type NamespacePolicy struct {
	ID         string           `yaml:"id"`
	Namespaces []string         `yaml:"namespaces"` // glob patterns, e.g. "payments.*"
	KMS        *KMSConfig       `yaml:"kms,omitempty"`
	RateLimit  *RateLimitConfig `yaml:"rate_limit,omitempty"`
}

// PolicyManager loads and matches namespace policies.
type PolicyManager struct {
	mu       sync.RWMutex
	policies []*NamespacePolicy
}

// NewPolicyManager creates a new, empty policy manager.
func NewPolicyManager() *PolicyManager {
	return &PolicyManager{}
}

// LoadPolicies loads every policy file matching any of patterns.
func (pm *PolicyManager) LoadPolicies(patterns []string) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.policies = nil
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return fmt.Errorf("failed to glob pattern %s: %w", pattern, err)
		}
		for _, match := range matches {
			data, err := os.ReadFile(match)
			if err != nil {
				return fmt.Errorf("failed to read policy file %s: %w", match, err)
			}
			var policy NamespacePolicy
			if err := yaml.Unmarshal(data, &policy); err != nil {
				return fmt.Errorf("failed to parse policy file %s: %w", match, err)
			}
			if policy.ID == "" {
				return fmt.Errorf("policy in file %s must have an id", match)
			}
			if len(policy.Namespaces) == 0 {
				return fmt.Errorf("policy %s must specify at least one namespace pattern", policy.ID)
			}
			pm.policies = append(pm.policies, &policy)
		}
	}
	return nil
}

// PolicyForNamespace returns the first policy whose glob pattern matches
// namespace, or nil if none do.
func (pm *PolicyManager) PolicyForNamespace(namespace string) *NamespacePolicy {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	for _, policy := range pm.policies {
		for _, pattern := range policy.Namespaces {
			if glob.Glob(pattern, namespace) {
				return policy
			}
		}
	}
	return nil
}

// ApplyToConfig returns a shallow copy of base with p's overrides
// applied. Unset policy fields leave base's value untouched.
func (p *NamespacePolicy) ApplyToConfig(base *Config) *Config {
	out := *base

	if p.KMS != nil {
		kms := base.KMS
		if p.KMS.LocalMasterKeyFile != "" {
			kms.LocalMasterKeyFile = p.KMS.LocalMasterKeyFile
		}
		if p.KMS.AWSRegion != "" {
			kms.AWSRegion = p.KMS.AWSRegion
		}
		if p.KMS.AzureVaultEndpoint != "" {
			kms.AzureVaultEndpoint = p.KMS.AzureVaultEndpoint
		}
		if p.KMS.GCPLocation != "" {
			kms.GCPLocation = p.KMS.GCPLocation
		}
		out.KMS = kms
	}

	if p.RateLimit != nil {
		out.RateLimit = *p.RateLimit
	}

	return &out
}
