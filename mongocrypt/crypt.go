package mongocrypt

// Crypt is the embedding library handle of spec §5: "only the embedding
// library handle (configuration, logging) is shared across contexts; it
// is read-only after initialization." Every Context is constructed
// against one Crypt and may be driven on its own goroutine independent
// of any other Context sharing the same handle.
type Crypt struct {
	localMasterKey []byte
}

// CryptOpts configures a Crypt at construction time.
type CryptOpts struct {
	// LocalMasterKey is the 32-byte AES-256 key backing the "local" KMS
	// provider's in-process unwrap (§4.3: "local performs an in-process
	// unwrap and completes immediately"). Required only if a KEK with
	// Provider == ProviderLocal is ever encountered; contexts that only
	// use remote providers may leave it nil.
	LocalMasterKey []byte
}

const localMasterKeySize = 32

// NewCrypt validates opts and returns a read-only handle. The returned
// Crypt owns a copy of LocalMasterKey so the caller's buffer may be
// zeroed afterward.
func NewCrypt(opts CryptOpts) (*Crypt, Status) {
	c := &Crypt{}
	if opts.LocalMasterKey != nil {
		if len(opts.LocalMasterKey) != localMasterKeySize {
			return nil, clientError("local master key must be %d bytes, got %d", localMasterKeySize, len(opts.LocalMasterKey))
		}
		c.localMasterKey = append([]byte(nil), opts.LocalMasterKey...)
	}
	return c, Status{}
}

// Destroy zeroizes the local master key. Safe to call once all Contexts
// built against this handle have themselves been destroyed.
func (c *Crypt) Destroy() {
	if c == nil {
		return
	}
	zeroize(c.localMasterKey)
}
