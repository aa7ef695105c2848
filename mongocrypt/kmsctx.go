package mongocrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
)

// bytesNeededUnknown is returned by BytesNeeded before the first chunk of
// a response has told the subcontext how much more it wants, per spec
// §4.2: "expected response length (or unknown-until-parsed)".
const bytesNeededUnknown = -1

// kmsWireRequest is the hand-framed JSON request body the core builds for
// a remote KMS provider. It deliberately mirrors each provider's real
// decrypt/unwrap action without depending on that provider's SDK — the
// core never dials a socket, so it only needs to describe the request,
// not transmit it (SPEC_FULL.md §4.2).
type kmsWireRequest struct {
	Action         string `json:"action"`
	Provider       string `json:"provider"`
	KeyID          string `json:"keyId"`
	CiphertextB64  string `json:"ciphertextBlob"`
	KeyVersion     string `json:"keyVersion,omitempty"`
}

// kmsWireResponse is the body a host dialer feeds back via Feed, after
// translating the provider's real response into this shape.
type kmsWireResponse struct {
	PlaintextB64 string `json:"plaintext"`
	ErrorMessage string `json:"error,omitempty"`
}

// KMSContext is the per-DEK half-duplex I/O buffer pair of spec §4.2: the
// host reads a request from it, sends it to Endpoint(), and streams the
// response back through Feed. Owned by the key broker; never shared
// across goroutines, matching the one-subcontext-per-entry design.
type KMSContext struct {
	ep       *endpoint
	provider Provider
	entry    *brokerEntry

	request      []byte
	messageTaken bool

	response []byte
	complete bool
	status   Status

	unwrapped []byte
}

// newKMSContext builds the subcontext implied by e's resolved KEK. Local
// KEKs unwrap synchronously in-process and return an already-complete
// subcontext, per §4.3: "local performs an in-process unwrap and
// completes immediately".
func newKMSContext(crypt *Crypt, e *brokerEntry) (*KMSContext, Status) {
	switch e.kek.Provider {
	case ProviderLocal:
		return newLocalKMSContext(crypt, e)
	case ProviderAWS, ProviderAzure, ProviderGCP:
		return newRemoteKMSContext(e)
	default:
		return nil, clientError("unrecognized KMS provider: %s", e.kek.Provider)
	}
}

func newLocalKMSContext(crypt *Crypt, e *brokerEntry) (*KMSContext, Status) {
	kc := &KMSContext{provider: ProviderLocal, entry: e, messageTaken: true}
	plaintext, st := localUnwrap(crypt, e.wrapped)
	if !st.OK() {
		kc.complete = true
		kc.status = st
		return kc, Status{}
	}
	kc.complete = true
	kc.unwrapped = plaintext
	return kc, Status{}
}

func newRemoteKMSContext(e *brokerEntry) (*KMSContext, Status) {
	kc := &KMSContext{provider: e.kek.Provider, entry: e}

	var ep *endpoint
	var keyID, keyVersion string
	switch e.kek.Provider {
	case ProviderAWS:
		ep = e.kek.aws.endpoint
		if ep == nil {
			var st Status
			ep, st = parseEndpoint(defaultKMSEndpoint(e.kek.Provider, e.kek.aws.region))
			if !st.OK() {
				return nil, st
			}
		}
		keyID = e.kek.aws.cmk
	case ProviderAzure:
		ep = e.kek.azure.keyVaultEndpoint
		keyID = e.kek.azure.keyName
		keyVersion = e.kek.azure.keyVersion
	case ProviderGCP:
		ep = e.kek.gcp.endpoint
		if ep == nil {
			var st Status
			ep, st = parseEndpoint(defaultKMSEndpoint(e.kek.Provider, e.kek.gcp.location))
			if !st.OK() {
				return nil, st
			}
		}
		keyID = "projects/" + e.kek.gcp.projectID + "/locations/" + e.kek.gcp.location +
			"/keyRings/" + e.kek.gcp.keyRing + "/cryptoKeys/" + e.kek.gcp.keyName
		keyVersion = e.kek.gcp.keyVersion
	}
	kc.ep = ep

	req := kmsWireRequest{
		Action:        "Decrypt",
		Provider:      string(e.kek.Provider),
		KeyID:         keyID,
		KeyVersion:    keyVersion,
		CiphertextB64: base64.StdEncoding.EncodeToString(e.wrapped),
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, clientError("kms: failed to build request: %v", err)
	}
	kc.request = body
	return kc, Status{}
}

func defaultKMSEndpoint(p Provider, region string) string {
	switch p {
	case ProviderAWS:
		return "kms." + region + ".amazonaws.com:443"
	case ProviderGCP:
		return "cloudkms.googleapis.com:443"
	default:
		return ""
	}
}

// Provider returns the KMS provider this subcontext addresses, so a host
// dialer router can dispatch without re-parsing the wire request.
func (k *KMSContext) Provider() Provider {
	return k.provider
}

// Endpoint returns the host and port the host application must connect
// to, with TLS. Empty for an already-complete (local) subcontext.
func (k *KMSContext) Endpoint() string {
	if k.ep == nil {
		return ""
	}
	return k.ep.String()
}

// Message returns the request bytes the host must transmit exactly
// once. Subsequent calls return nil, per §4.2.
func (k *KMSContext) Message() []byte {
	if k.messageTaken {
		return nil
	}
	k.messageTaken = true
	return k.request
}

// BytesNeeded hints how many more response bytes the parser wants. 0
// means complete. The core cannot know the exact length of a JSON
// response ahead of time, so it reports bytesNeededUnknown until a feed
// produces a complete parse.
func (k *KMSContext) BytesNeeded() int {
	if k.complete {
		return 0
	}
	return bytesNeededUnknown
}

// Feed appends chunk to the response accumulator and attempts to parse
// it. On a complete, well-formed response it stashes the unwrapped key
// material and marks the subcontext complete; on a malformed or
// provider-reported error it fails with kms-error, per §4.2.
func (k *KMSContext) Feed(chunk []byte) Status {
	if k.complete {
		return clientError("kms subcontext: feed called after completion")
	}
	k.response = append(k.response, chunk...)

	var resp kmsWireResponse
	if err := json.Unmarshal(k.response, &resp); err != nil {
		// Not yet a complete JSON document; wait for more bytes.
		return Status{}
	}
	if resp.ErrorMessage != "" {
		k.complete = true
		k.status = kmsError("kms provider returned an error: %s", resp.ErrorMessage)
		return k.status
	}
	plaintext, err := base64.StdEncoding.DecodeString(resp.PlaintextB64)
	if err != nil {
		k.complete = true
		k.status = kmsError("kms response plaintext is not valid base64: %v", err)
		return k.status
	}
	k.complete = true
	k.unwrapped = plaintext
	return Status{}
}

// Status returns the subcontext's current status.
func (k *KMSContext) Status() Status {
	return k.status
}

// Fail records a transport failure the host observed while talking to
// Endpoint(), per §7: "transport errors relayed by the caller via
// kms_ctx.fail(message)".
func (k *KMSContext) Fail(message string) Status {
	if k.complete {
		return clientError("kms subcontext: fail called after completion")
	}
	k.complete = true
	k.status = Status{Kind: StatusNetworkError, Code: GenericErrorCode, Message: message}
	return k.status
}

// localUnwrap decrypts wrapped DEK bytes with the Crypt handle's local
// master key using AES-256-GCM, grounded in the teacher's AEAD cipher
// factory (internal/crypto/algorithms.go createAEADCipher). The wire
// format is nonce (12 bytes) followed by ciphertext+tag, the standard
// AES-GCM framing the teacher's engine.go already uses for its AEAD
// modes.
func localUnwrap(crypt *Crypt, wrapped []byte) ([]byte, Status) {
	if crypt == nil || len(crypt.localMasterKey) == 0 {
		return nil, kmsError("local KMS provider requires a local master key on the Crypt handle")
	}
	block, err := aes.NewCipher(crypt.localMasterKey)
	if err != nil {
		return nil, kmsError("local unwrap: %v", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, kmsError("local unwrap: %v", err)
	}
	if len(wrapped) < gcm.NonceSize() {
		return nil, kmsError("local unwrap: wrapped key material too short")
	}
	nonce, ciphertext := wrapped[:gcm.NonceSize()], wrapped[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, kmsError("local unwrap: %v", err)
	}
	return plaintext, Status{}
}

// localWrap is the inverse of localUnwrap, used by WrapLocalDataKey
// (datakey.go) and tests to produce wrapped key material for the local
// provider.
func localWrap(crypt *Crypt, plaintext []byte) ([]byte, Status) {
	if crypt == nil || len(crypt.localMasterKey) == 0 {
		return nil, kmsError("local KMS provider requires a local master key on the Crypt handle")
	}
	block, err := aes.NewCipher(crypt.localMasterKey)
	if err != nil {
		return nil, kmsError("local wrap: %v", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, kmsError("local wrap: %v", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, kmsError("local wrap: %v", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), Status{}
}
