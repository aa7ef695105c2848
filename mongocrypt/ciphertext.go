package mongocrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// ciphertextSubtype is the BSON binary subtype used for an encrypted
// field value, mirroring the subtype MongoDB's own field-level encryption
// reserves for ciphertext.
const ciphertextSubtype = 0x06

// encryptField seals plaintext under dek with AES-256-GCM and frames it
// as keyID || nonce || ciphertext-and-tag, returned as a BSON binary
// value ready to replace the field in the output document.
func encryptField(keyID uuid.UUID, dek []byte, plaintext []byte) (bson.Binary, Status) {
	block, err := aes.NewCipher(dek)
	if err != nil {
		return bson.Binary{}, kmsError("encrypt field: %v", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return bson.Binary{}, kmsError("encrypt field: %v", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return bson.Binary{}, kmsError("encrypt field: %v", err)
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)

	buf := make([]byte, 16+len(nonce)+len(sealed))
	copy(buf, keyID[:])
	copy(buf[16:], nonce)
	copy(buf[16+len(nonce):], sealed)
	return bson.Binary{Subtype: ciphertextSubtype, Data: buf}, Status{}
}

// decryptField reverses encryptField given the unwrapped dek matching the
// key id encoded in blob.
func decryptField(dek []byte, blob []byte) ([]byte, Status) {
	if len(blob) < 16 {
		return nil, clientError("ciphertext blob too short")
	}
	rest := blob[16:]
	block, err := aes.NewCipher(dek)
	if err != nil {
		return nil, kmsError("decrypt field: %v", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, kmsError("decrypt field: %v", err)
	}
	if len(rest) < gcm.NonceSize() {
		return nil, clientError("ciphertext blob truncated")
	}
	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, kmsError("decrypt field: %v", err)
	}
	return plaintext, Status{}
}

// ciphertextKeyID extracts the DEK id a ciphertext blob was sealed under.
func ciphertextKeyID(blob []byte) (uuid.UUID, Status) {
	if len(blob) < 16 {
		return uuid.Nil, clientError("ciphertext blob too short")
	}
	id, err := uuid.FromBytes(blob[:16])
	if err != nil {
		return uuid.Nil, clientError("ciphertext blob: %v", err)
	}
	return id, Status{}
}

// asCiphertext reports whether v (a decoded bson.D element value) is an
// encrypted field and, if so, returns its binary payload.
func asCiphertext(v any) (bson.Binary, bool) {
	bin, ok := v.(bson.Binary)
	if !ok || bin.Subtype != ciphertextSubtype {
		return bson.Binary{}, false
	}
	return bin, true
}

// scanCiphertextKeyIDs walks the top-level fields of doc and returns the
// distinct DEK ids referenced by any encrypted field found. Decrypt
// contexts use this at construction time since decrypt begins directly
// at NEED_MONGO_KEYS (§4.4) and must already know which keys to request.
func scanCiphertextKeyIDs(doc bson.D) ([]uuid.UUID, Status) {
	seen := make(map[uuid.UUID]struct{})
	var ids []uuid.UUID
	for _, elem := range doc {
		bin, ok := asCiphertext(elem.Value)
		if !ok {
			continue
		}
		id, st := ciphertextKeyID(bin.Data)
		if !st.OK() {
			return nil, st
		}
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids, Status{}
}
