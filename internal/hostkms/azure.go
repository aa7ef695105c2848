package hostkms

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azkeys"

	"github.com/kenneth/mongocrypt-go/mongocrypt"
)

// AzureDialer drives an Azure Key Vault KMSContext to completion via
// azkeys's UnwrapKey operation (RSA-OAEP-256, matching the wrap
// algorithm the original DEK was sealed under).
type AzureDialer struct {
	client    *azkeys.Client
	algorithm azkeys.EncryptionAlgorithm
}

// NewAzureDialer wraps an already-configured Key Vault client. algorithm
// defaults to RSA-OAEP-256 when left empty.
func NewAzureDialer(client *azkeys.Client, algorithm azkeys.EncryptionAlgorithm) *AzureDialer {
	if algorithm == "" {
		algorithm = azkeys.EncryptionAlgorithmRSAOAEP256
	}
	return &AzureDialer{client: client, algorithm: algorithm}
}

func (d *AzureDialer) Dial(ctx context.Context, kc *mongocrypt.KMSContext) mongocrypt.Status {
	msg := kc.Message()
	if msg == nil {
		return mongocrypt.Status{}
	}

	var req wireRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return kc.Fail(fmt.Sprintf("azure key vault: malformed request: %v", err))
	}
	blob, err := base64.StdEncoding.DecodeString(req.CiphertextB64)
	if err != nil {
		return kc.Fail(fmt.Sprintf("azure key vault: ciphertext is not valid base64: %v", err))
	}

	out, err := d.client.UnwrapKey(ctx, req.KeyID, req.KeyVersion, azkeys.KeyOperationParameters{
		Algorithm: &d.algorithm,
		Value:     blob,
	}, nil)
	if err != nil {
		return kc.Fail(fmt.Sprintf("azure key vault unwrapkey: %v", err))
	}

	resp, err := json.Marshal(wireResponse{PlaintextB64: base64.StdEncoding.EncodeToString(out.Result)})
	if err != nil {
		return kc.Fail(fmt.Sprintf("azure key vault: failed to frame response: %v", err))
	}
	return kc.Feed(resp)
}
