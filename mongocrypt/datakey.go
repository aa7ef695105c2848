package mongocrypt

import "crypto/rand"

// WrapLocalDataKey wraps plaintext (freshly generated DEK material) under
// crypt's local master key, producing the keyMaterial bytes a local-
// provider key document stores. The host-side datakey provisioning flow
// (creating a brand new DEK, as opposed to unwrapping one during
// encrypt/decrypt) has no Context of its own in this core, exactly as
// the core only models the four operations of spec §2 and treats key
// creation as the caller's concern.
func WrapLocalDataKey(crypt *Crypt, plaintext []byte) ([]byte, Status) {
	return localWrap(crypt, plaintext)
}

// NewLocalDataKeyMaterial generates random DEK plaintext of the size the
// core's ciphertext sealing expects and wraps it under crypt's local
// master key in one step.
func NewLocalDataKeyMaterial(crypt *Crypt) ([]byte, Status) {
	plaintext := make([]byte, localMasterKeySize)
	if _, err := rand.Read(plaintext); err != nil {
		return nil, clientError("failed to generate data key material: %v", err)
	}
	return WrapLocalDataKey(crypt, plaintext)
}
