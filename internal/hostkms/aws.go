package hostkms

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"github.com/kenneth/mongocrypt-go/mongocrypt"
)

// wireRequest/wireResponse mirror the JSON shapes mongocrypt.KMSContext
// hand-frames; hostkms never imports the mongocrypt package's unexported
// types, so it re-declares the wire shape it needs to read and write.
type wireRequest struct {
	Action        string `json:"action"`
	Provider      string `json:"provider"`
	KeyID         string `json:"keyId"`
	CiphertextB64 string `json:"ciphertextBlob"`
	KeyVersion    string `json:"keyVersion,omitempty"`
}

type wireResponse struct {
	PlaintextB64 string `json:"plaintext"`
	ErrorMessage string `json:"error,omitempty"`
}

// AWSDialer drives an AWS KMS KMSContext to completion via
// aws-sdk-go-v2/service/kms's Decrypt action.
type AWSDialer struct {
	client *kms.Client
}

// NewAWSDialer wraps an already-configured KMS client.
func NewAWSDialer(client *kms.Client) *AWSDialer {
	return &AWSDialer{client: client}
}

func (d *AWSDialer) Dial(ctx context.Context, kc *mongocrypt.KMSContext) mongocrypt.Status {
	msg := kc.Message()
	if msg == nil {
		return mongocrypt.Status{}
	}

	var req wireRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return kc.Fail(fmt.Sprintf("aws kms: malformed request: %v", err))
	}
	blob, err := base64.StdEncoding.DecodeString(req.CiphertextB64)
	if err != nil {
		return kc.Fail(fmt.Sprintf("aws kms: ciphertext is not valid base64: %v", err))
	}

	out, err := d.client.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob: blob,
		KeyId:          aws.String(req.KeyID),
	})
	if err != nil {
		return kc.Fail(fmt.Sprintf("aws kms decrypt: %v", err))
	}

	resp, err := json.Marshal(wireResponse{PlaintextB64: base64.StdEncoding.EncodeToString(out.Plaintext)})
	if err != nil {
		return kc.Fail(fmt.Sprintf("aws kms: failed to frame response: %v", err))
	}
	return kc.Feed(resp)
}
