package mongocrypt

import (
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// brokerState is the broker's monotonic lifecycle, per spec §4.3.
type brokerState int

const (
	brokerCollectingRequests brokerState = iota
	brokerRequestsFrozen
	brokerAddingDocs
	brokerDocsFrozen
	brokerKMSRunning
	brokerKMSComplete
)

func (s brokerState) String() string {
	switch s {
	case brokerCollectingRequests:
		return "collecting-requests"
	case brokerRequestsFrozen:
		return "requests-frozen"
	case brokerAddingDocs:
		return "adding-docs"
	case brokerDocsFrozen:
		return "docs-frozen"
	case brokerKMSRunning:
		return "kms-running"
	case brokerKMSComplete:
		return "kms-complete"
	default:
		return "unknown"
	}
}

// entryID names one slot in the broker's entry arena, per §9's design note
// ("replace pointer-to-entry structures with an arena keyed by integer
// entry ids").
type entryID int

// entryResolution tracks how far a single broker entry has progressed.
type entryResolution int

const (
	entryPending  entryResolution = iota // criterion known, no matching doc yet
	entryMatched                         // doc matched: KEK + wrapped bytes known
	entryResolved                        // KMS subcontext completed, unwrapped bytes available
)

// brokerEntry is the key broker entry record of spec §3.
type brokerEntry struct {
	id         entryID
	keyID      *uuid.UUID // known once an id criterion exists or a doc assigns one
	altNames   map[string]struct{}
	resolution entryResolution
	kek        *KEK
	wrapped    []byte
	unwrapped  []byte
	kmsCtx     *KMSContext
}

// BrokerStats is a read-only snapshot exposed for observability, per
// SPEC_FULL.md §4.3 — it does not change broker semantics.
type BrokerStats struct {
	Requested     int
	Resolved      int
	KMSRoundTrips int
}

// keyBroker is the component described in spec §4.3: it aggregates key
// requests, drives the key-document fetch filter, ingests candidate
// documents, spawns KMS subcontexts, and yields unwrapped DEKs.
type keyBroker struct {
	crypt  *Crypt
	strict bool

	state brokerState

	entries map[entryID]*brokerEntry
	nextID  entryID

	byKeyID   map[uuid.UUID]entryID
	byAltName map[string]entryID

	kmsRoundTrips int
}

// newKeyBroker constructs a broker in collecting-requests state. strict
// selects the default behavior of §4.3's done_adding_docs: true fails on
// any unresolved request, false tolerates misses (SPEC_FULL.md §9
// resolves the open question: all three normal context variants pass
// true; a permissive broker is reserved for an inline single-key
// resolver that does not exist yet in this repository).
func newKeyBroker(crypt *Crypt, strict bool) *keyBroker {
	return &keyBroker{
		crypt:     crypt,
		strict:    strict,
		state:     brokerCollectingRequests,
		entries:   make(map[entryID]*brokerEntry),
		byKeyID:   make(map[uuid.UUID]entryID),
		byAltName: make(map[string]entryID),
	}
}

func (b *keyBroker) newEntry() *brokerEntry {
	id := b.nextID
	b.nextID++
	e := &brokerEntry{id: id, altNames: make(map[string]struct{})}
	b.entries[id] = e
	return e
}

// requestByID records a request for the DEK with the given id, per §4.3
// "Request a key by id". Duplicates collapse onto the existing entry.
func (b *keyBroker) requestByID(id uuid.UUID) Status {
	if b.state != brokerCollectingRequests {
		return clientError("key broker: request not allowed in state %s", b.state)
	}
	if _, ok := b.byKeyID[id]; ok {
		return Status{}
	}
	e := b.newEntry()
	e.keyID = &id
	b.byKeyID[id] = e.id
	return Status{}
}

// requestByAltName records a request for the DEK known under altName.
func (b *keyBroker) requestByAltName(altName string) Status {
	if b.state != brokerCollectingRequests {
		return clientError("key broker: request not allowed in state %s", b.state)
	}
	if _, ok := b.byAltName[altName]; ok {
		return Status{}
	}
	e := b.newEntry()
	e.altNames[altName] = struct{}{}
	b.byAltName[altName] = e.id
	return Status{}
}

// filter moves the broker to requests-frozen and returns the $or
// document describing every outstanding criterion, per §4.3.
func (b *keyBroker) filter() (bson.Raw, Status) {
	if b.state != brokerCollectingRequests {
		return nil, clientError("key broker: filter not allowed in state %s", b.state)
	}
	b.state = brokerRequestsFrozen

	var ids bson.A
	for id := range b.byKeyID {
		ids = append(ids, uuidToBinary(id))
	}
	var names bson.A
	for name := range b.byAltName {
		names = append(names, name)
	}
	if len(ids) == 0 && len(names) == 0 {
		raw, _ := bson.Marshal(bson.D{})
		return raw, Status{}
	}

	var clauses bson.A
	if len(ids) > 0 {
		clauses = append(clauses, bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}})
	}
	if len(names) > 0 {
		clauses = append(clauses, bson.D{{Key: "keyAltNames", Value: bson.D{{Key: "$in", Value: names}}}})
	}
	doc := bson.D{{Key: "$or", Value: clauses}}
	raw, err := bson.Marshal(doc)
	if err != nil {
		return nil, clientError("key broker: failed to build filter: %v", err)
	}
	return raw, Status{}
}

// keyDoc is the inbound key document grammar of spec §6. CreationDate,
// UpdateDate, Status and Version are part of that grammar but are never
// read past addDoc's validation — the core tracks neither key rotation
// nor key state, only that the fields are present and correctly typed.
type keyDoc struct {
	ID           bson.Binary   `bson:"_id"`
	KeyAltNames  []string      `bson:"keyAltNames"`
	MasterKey    bson.Raw      `bson:"masterKey"`
	KeyMaterial  []byte        `bson:"keyMaterial"`
	CreationDate bson.DateTime `bson:"creationDate"`
	UpdateDate   bson.DateTime `bson:"updateDate"`
	Status       int32         `bson:"status"`
	Version      int64         `bson:"version"`
}

// addDoc ingests one candidate key document in adding-docs, per §4.3.
func (b *keyBroker) addDoc(raw bson.Raw) Status {
	if b.state != brokerAddingDocs {
		return clientError("key broker: add_doc not allowed in state %s", b.state)
	}

	var doc keyDoc
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return clientError("key broker: malformed key document: %v", err)
	}
	if len(doc.MasterKey) == 0 {
		return clientError("key broker: key document missing required masterKey")
	}
	if len(doc.KeyMaterial) == 0 {
		return clientError("key broker: key document missing required keyMaterial")
	}
	id, st := binaryToUUID(doc.ID)
	if !st.OK() {
		return clientError("key broker: key document missing required UUID _id")
	}
	if st := validateKeyDocMetadata(raw); !st.OK() {
		return st
	}
	kek, st := ParseKEK(doc.MasterKey)
	if !st.OK() {
		return st
	}

	// Collect every entry this document satisfies: one by id, plus one per
	// matching alt-name. Idempotent re-delivery of the same id is a no-op
	// once matched (Law: add_doc(d) twice ≡ once).
	matched := make(map[entryID]struct{})
	if eid, ok := b.byKeyID[id]; ok {
		matched[eid] = struct{}{}
	}
	for _, name := range doc.KeyAltNames {
		if id, ok := b.byAltName[name]; ok {
			matched[id] = struct{}{}
		}
	}
	if len(matched) == 0 {
		return clientError("key broker: key document %s matches no outstanding request", id)
	}

	// Unify: all matched entries refer to the same underlying key. Pick the
	// lowest id as the canonical entry and repoint every lookup table entry
	// (and any already-pending criterion) at it, per §9's unification note.
	canonical := canonicalEntryID(matched)
	canon := b.entries[canonical]
	for id := range matched {
		if id == canonical {
			continue
		}
		other := b.entries[id]
		for name := range other.altNames {
			canon.altNames[name] = struct{}{}
			b.byAltName[name] = canonical
		}
		if other.keyID != nil {
			canon.keyID = other.keyID
			b.byKeyID[*other.keyID] = canonical
		}
		delete(b.entries, id)
	}

	if canon.resolution == entryMatched || canon.resolution == entryResolved {
		// Already satisfied by a prior delivery of this same document.
		return Status{}
	}

	canon.keyID = &id
	b.byKeyID[id] = canonical
	for _, name := range doc.KeyAltNames {
		canon.altNames[name] = struct{}{}
		b.byAltName[name] = canonical
	}
	canon.kek = kek
	canon.wrapped = doc.KeyMaterial
	canon.resolution = entryMatched
	return Status{}
}

// validateKeyDocMetadata checks that creationDate, updateDate, status and
// version are present and carry the BSON types spec §6 requires. The core
// never consumes these values beyond this check; only an embedder's key
// management tooling (rotation, revocation) would ever read them back.
func validateKeyDocMetadata(raw bson.Raw) Status {
	var doc bson.M
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return clientError("key broker: malformed key document: %v", err)
	}
	if _, st := requiredDateTime(doc, "creationDate"); !st.OK() {
		return st
	}
	if _, st := requiredDateTime(doc, "updateDate"); !st.OK() {
		return st
	}
	if _, st := requiredInt32(doc, "status"); !st.OK() {
		return st
	}
	if _, st := requiredInt64(doc, "version"); !st.OK() {
		return st
	}
	return Status{}
}

func requiredDateTime(doc bson.M, field string) (bson.DateTime, Status) {
	val, ok := doc[field]
	if !ok {
		return 0, clientError("key broker: key document missing required field: %s", field)
	}
	dt, ok := val.(bson.DateTime)
	if !ok {
		return 0, clientError("key broker: field %q must be a BSON date", field)
	}
	return dt, Status{}
}

func requiredInt32(doc bson.M, field string) (int32, Status) {
	val, ok := doc[field]
	if !ok {
		return 0, clientError("key broker: key document missing required field: %s", field)
	}
	i, ok := val.(int32)
	if !ok {
		return 0, clientError("key broker: field %q must be a 32-bit integer", field)
	}
	return i, Status{}
}

func requiredInt64(doc bson.M, field string) (int64, Status) {
	val, ok := doc[field]
	if !ok {
		return 0, clientError("key broker: key document missing required field: %s", field)
	}
	i, ok := val.(int64)
	if !ok {
		return 0, clientError("key broker: field %q must be a 64-bit integer", field)
	}
	return i, Status{}
}

func canonicalEntryID(matched map[entryID]struct{}) entryID {
	first := true
	var min entryID
	for id := range matched {
		if first || id < min {
			min = id
			first = false
		}
	}
	return min
}

// doneAddingDocs transitions to docs-frozen, per §4.3. In strict mode any
// unresolved entry fails the call. Every resolved entry gets a KMS
// subcontext; local-provider entries are unwrapped synchronously and
// never appear in next_kms.
func (b *keyBroker) doneAddingDocs() Status {
	if b.state != brokerAddingDocs {
		return clientError("key broker: done_adding_docs not allowed in state %s", b.state)
	}

	if b.strict {
		var unresolved []string
		for _, e := range b.entries {
			if e.resolution == entryPending {
				unresolved = append(unresolved, e.criterionString())
			}
		}
		if len(unresolved) > 0 {
			return clientError("key broker: unresolved key requests: %v", unresolved)
		}
	}

	for _, e := range b.entries {
		if e.resolution != entryMatched {
			continue
		}
		kmsCtx, st := newKMSContext(b.crypt, e)
		if !st.OK() {
			return st
		}
		e.kmsCtx = kmsCtx
		if kmsCtx.complete {
			e.unwrapped = kmsCtx.unwrapped
			e.resolution = entryResolved
		}
	}

	b.state = brokerDocsFrozen
	b.state = brokerKMSRunning
	return Status{}
}

func (e *brokerEntry) criterionString() string {
	if e.keyID != nil {
		return e.keyID.String()
	}
	for name := range e.altNames {
		return name
	}
	return "<unknown>"
}

// nextKMS returns one incomplete subcontext, or nil if every subcontext
// spawned by done_adding_docs has completed. Iteration order over the Go
// map is intentionally unspecified, per §9's open question.
func (b *keyBroker) nextKMS() *KMSContext {
	if b.state != brokerKMSRunning {
		return nil
	}
	for _, e := range b.entries {
		if e.resolution == entryMatched && e.kmsCtx != nil && !e.kmsCtx.complete {
			return e.kmsCtx
		}
	}
	return nil
}

// kmsDone asserts every subcontext is complete, propagates the first
// failure encountered, and otherwise transitions to kms-complete.
func (b *keyBroker) kmsDone() Status {
	if b.state != brokerKMSRunning {
		return clientError("key broker: kms_done not allowed in state %s", b.state)
	}
	for _, e := range b.entries {
		if e.kmsCtx == nil {
			continue
		}
		if !e.kmsCtx.complete {
			return clientError("key broker: kms_done called with incomplete subcontexts outstanding")
		}
		if !e.kmsCtx.status.OK() {
			return e.kmsCtx.status
		}
		b.kmsRoundTrips++
		if e.resolution != entryResolved {
			e.unwrapped = e.kmsCtx.unwrapped
			e.resolution = entryResolved
		}
	}
	b.state = brokerKMSComplete
	return Status{}
}

// lookup retrieves the unwrapped DEK for id, per §4.3.
func (b *keyBroker) lookup(id uuid.UUID) ([]byte, Status) {
	if b.state != brokerKMSComplete {
		return nil, clientError("key broker: lookup not allowed in state %s", b.state)
	}
	eid, ok := b.byKeyID[id]
	if !ok {
		return nil, clientError("key broker: no such key id: %s", id)
	}
	e := b.entries[eid]
	if e.resolution != entryResolved {
		return nil, clientError("key broker: key id %s not resolved", id)
	}
	return e.unwrapped, Status{}
}

// resolveID returns the key id an alt-name request resolved to, once the
// broker has matched a document against it. Used by the explicit-encrypt
// variant, which needs the numeric id to frame a ciphertext blob even
// when the caller addressed the key by alt-name.
func (b *keyBroker) resolveID(name string) (uuid.UUID, Status) {
	if b.state != brokerKMSComplete {
		return uuid.Nil, clientError("key broker: resolve not allowed in state %s", b.state)
	}
	eid, ok := b.byAltName[name]
	if !ok {
		return uuid.Nil, clientError("key broker: no such key alt-name: %s", name)
	}
	e := b.entries[eid]
	if e.keyID == nil {
		return uuid.Nil, clientError("key broker: key alt-name %s has no resolved id", name)
	}
	return *e.keyID, Status{}
}

// lookupByAltName retrieves the unwrapped DEK known under name.
func (b *keyBroker) lookupByAltName(name string) ([]byte, Status) {
	if b.state != brokerKMSComplete {
		return nil, clientError("key broker: lookup not allowed in state %s", b.state)
	}
	eid, ok := b.byAltName[name]
	if !ok {
		return nil, clientError("key broker: no such key alt-name: %s", name)
	}
	e := b.entries[eid]
	if e.resolution != entryResolved {
		return nil, clientError("key broker: key alt-name %s not resolved", name)
	}
	return e.unwrapped, Status{}
}

// beginAddingDocs transitions requests-frozen -> adding-docs. Called by
// the Context once mongo_done has been invoked for NEED_MONGO_KEYS, but
// exposed separately so a broker can also be driven directly in tests.
func (b *keyBroker) beginAddingDocs() Status {
	if b.state != brokerRequestsFrozen {
		return clientError("key broker: cannot begin adding docs in state %s", b.state)
	}
	b.state = brokerAddingDocs
	return Status{}
}

// stats returns a read-only snapshot for internal/metrics.
func (b *keyBroker) stats() BrokerStats {
	resolved := 0
	for _, e := range b.entries {
		if e.resolution == entryResolved {
			resolved++
		}
	}
	return BrokerStats{
		Requested:     len(b.entries),
		Resolved:      resolved,
		KMSRoundTrips: b.kmsRoundTrips,
	}
}

// destroy zeroizes every unwrapped DEK still held by the broker, per the
// zeroization design note in spec §9.
func (b *keyBroker) destroy() {
	for _, e := range b.entries {
		zeroize(e.unwrapped)
		zeroize(e.wrapped)
	}
	b.entries = nil
}

func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
