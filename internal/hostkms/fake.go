package hostkms

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/kenneth/mongocrypt-go/mongocrypt"
)

// FakeDialer answers every request from an in-memory plaintext-by-key-id
// table instead of a real provider, mirroring the teacher's
// mockS3Client fake-collaborator pattern (internal/api/handlers_test.go)
// so end-to-end tests above the mongocrypt package never touch the
// network.
type FakeDialer struct {
	// Plaintext maps the wire request's keyId to the DEK bytes that
	// provider would have returned from an Decrypt/UnwrapKey call.
	Plaintext map[string][]byte
}

// NewFakeDialer returns a FakeDialer backed by plaintext.
func NewFakeDialer(plaintext map[string][]byte) *FakeDialer {
	return &FakeDialer{Plaintext: plaintext}
}

func (f *FakeDialer) Dial(ctx context.Context, kc *mongocrypt.KMSContext) mongocrypt.Status {
	msg := kc.Message()
	if msg == nil {
		return mongocrypt.Status{}
	}

	var req wireRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return kc.Fail(fmt.Sprintf("fake dialer: malformed request: %v", err))
	}

	plaintext, ok := f.Plaintext[req.KeyID]
	if !ok {
		resp, _ := json.Marshal(wireResponse{ErrorMessage: fmt.Sprintf("fake dialer: no plaintext registered for key %q", req.KeyID)})
		return kc.Feed(resp)
	}

	resp, err := json.Marshal(wireResponse{PlaintextB64: base64.StdEncoding.EncodeToString(plaintext)})
	if err != nil {
		return kc.Fail(fmt.Sprintf("fake dialer: failed to frame response: %v", err))
	}
	return kc.Feed(resp)
}
