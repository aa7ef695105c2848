package mongocrypt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func mustMarshal(t *testing.T, v any) bson.Raw {
	t.Helper()
	raw, err := bson.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestParseKEK_RoundTrip(t *testing.T) {
	cases := []struct {
		name string
		doc  bson.D
	}{
		{
			name: "aws with endpoint",
			doc: bson.D{
				{Key: "provider", Value: "aws"},
				{Key: "region", Value: "us-east-1"},
				{Key: "key", Value: "arn:aws:kms:us-east-1:123:key/abc"},
				{Key: "endpoint", Value: "kms.us-east-1.amazonaws.com"},
			},
		},
		{
			name: "aws without endpoint",
			doc: bson.D{
				{Key: "provider", Value: "aws"},
				{Key: "region", Value: "us-east-1"},
				{Key: "key", Value: "arn:aws:kms:us-east-1:123:key/abc"},
			},
		},
		{
			name: "azure",
			doc: bson.D{
				{Key: "provider", Value: "azure"},
				{Key: "keyVaultEndpoint", Value: "myvault.vault.azure.net"},
				{Key: "keyName", Value: "my-key"},
				{Key: "keyVersion", Value: "v1"},
			},
		},
		{
			name: "gcp",
			doc: bson.D{
				{Key: "provider", Value: "gcp"},
				{Key: "projectId", Value: "my-project"},
				{Key: "location", Value: "global"},
				{Key: "keyRing", Value: "my-ring"},
				{Key: "keyName", Value: "my-key"},
			},
		},
		{
			name: "local",
			doc: bson.D{
				{Key: "provider", Value: "local"},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw := mustMarshal(t, tc.doc)
			kek, st := ParseKEK(raw)
			require.True(t, st.OK(), st.Message)

			serialized, st := kek.Serialize()
			require.True(t, st.OK())

			reparsed, st := ParseKEK(serialized)
			require.True(t, st.OK())

			assert.Equal(t, kek.Provider, reparsed.Provider)
			assert.Equal(t, kek.identity(), reparsed.identity())
		})
	}
}

func TestParseKEK_UnknownProvider(t *testing.T) {
	raw := mustMarshal(t, bson.D{{Key: "provider", Value: "kmip"}})
	_, st := ParseKEK(raw)
	require.False(t, st.OK())
	assert.Equal(t, StatusClientError, st.Kind)
	assert.Contains(t, st.Message, "unrecognized KMS provider: kmip")
}

func TestParseKEK_MissingRequiredField(t *testing.T) {
	raw := mustMarshal(t, bson.D{{Key: "provider", Value: "aws"}, {Key: "region", Value: "us-east-1"}})
	_, st := ParseKEK(raw)
	require.False(t, st.OK())
	assert.Equal(t, StatusClientError, st.Kind)
}

func TestKEK_Clone(t *testing.T) {
	raw := mustMarshal(t, bson.D{
		{Key: "provider", Value: "azure"},
		{Key: "keyVaultEndpoint", Value: "myvault.vault.azure.net"},
		{Key: "keyName", Value: "my-key"},
	})
	kek, st := ParseKEK(raw)
	require.True(t, st.OK())

	cp := kek.Clone()
	cp.azure.keyName = "mutated"
	assert.Equal(t, "my-key", kek.azure.keyName)
}
