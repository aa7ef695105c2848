package hostkms

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	kms "cloud.google.com/go/kms/apiv1"
	kmspb "cloud.google.com/go/kms/apiv1/kmspb"

	"github.com/kenneth/mongocrypt-go/mongocrypt"
)

// GCPDialer drives a GCP Cloud KMS KMSContext to completion via the
// symmetric Decrypt RPC. keyID carries the fully-qualified
// projects/.../cryptoKeys/... resource name the core built from the
// KEK's project/location/keyRing/keyName fields.
type GCPDialer struct {
	client *kms.KeyManagementClient
}

// NewGCPDialer wraps an already-configured Cloud KMS client.
func NewGCPDialer(client *kms.KeyManagementClient) *GCPDialer {
	return &GCPDialer{client: client}
}

func (d *GCPDialer) Dial(ctx context.Context, kc *mongocrypt.KMSContext) mongocrypt.Status {
	msg := kc.Message()
	if msg == nil {
		return mongocrypt.Status{}
	}

	var req wireRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return kc.Fail(fmt.Sprintf("gcp kms: malformed request: %v", err))
	}
	blob, err := base64.StdEncoding.DecodeString(req.CiphertextB64)
	if err != nil {
		return kc.Fail(fmt.Sprintf("gcp kms: ciphertext is not valid base64: %v", err))
	}

	out, err := d.client.Decrypt(ctx, &kmspb.DecryptRequest{
		Name:       req.KeyID,
		Ciphertext: blob,
	})
	if err != nil {
		return kc.Fail(fmt.Sprintf("gcp kms decrypt: %v", err))
	}

	resp, err := json.Marshal(wireResponse{PlaintextB64: base64.StdEncoding.EncodeToString(out.Plaintext)})
	if err != nil {
		return kc.Fail(fmt.Sprintf("gcp kms: failed to frame response: %v", err))
	}
	return kc.Feed(resp)
}
