package mongocrypt

import (
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// schemaField is one entry of the collection schema fed back in
// NEED_MONGO_COLLINFO: which top-level document path is a candidate for
// encryption, under which DEK.
type schemaField struct {
	Path  string      `bson:"path"`
	KeyID bson.Binary `bson:"keyId"`
}

// markedField is one entry of the markings response fed back in
// NEED_MONGO_MARKINGS: the server (or, here, the host's marking
// collaborator) has decided this path must actually be encrypted.
type markedField struct {
	Path  string      `bson:"path"`
	KeyID bson.Binary `bson:"keyId"`
}

// encryptAutoVariant implements the auto-encrypt operation: it begins at
// NEED_MONGO_COLLINFO, the only variant that does, per §4.4.
type encryptAutoVariant struct {
	namespace string
	rawDoc    bson.Raw
	doc       bson.D

	schema []schemaField
	marked []markedField
}

// NewEncryptAutoContext builds a Context for the auto-encrypt operation
// against namespace, using document's collection schema (fetched in
// NEED_MONGO_COLLINFO) to decide which fields to encrypt.
func NewEncryptAutoContext(crypt *Crypt, namespace string, document bson.Raw) (*Context, Status) {
	if namespace == "" {
		return nil, clientError("namespace must not be empty")
	}
	var doc bson.D
	if err := bson.Unmarshal(document, &doc); err != nil {
		return nil, clientError("document is not a valid BSON document: %v", err)
	}
	v := &encryptAutoVariant{namespace: namespace, rawDoc: document, doc: doc}
	broker := newKeyBroker(crypt, true)
	return newContext(crypt, v, broker), Status{}
}

func (e *encryptAutoVariant) initialState() State { return StateNeedMongoCollInfo }

func (e *encryptAutoVariant) mongoOpCollInfo() (bson.Raw, Status) {
	raw, err := bson.Marshal(bson.D{{Key: "namespace", Value: e.namespace}})
	if err != nil {
		return nil, clientError("encrypt-auto: failed to build collinfo request: %v", err)
	}
	return raw, Status{}
}

func (e *encryptAutoVariant) mongoFeedCollInfo(doc bson.Raw) Status {
	var resp struct {
		Schema []schemaField `bson:"schema"`
	}
	if err := bson.Unmarshal(doc, &resp); err != nil {
		return clientError("encrypt-auto: malformed collinfo response: %v", err)
	}
	e.schema = append(e.schema, resp.Schema...)
	return Status{}
}

func (e *encryptAutoVariant) mongoDoneCollInfo() (State, Status) {
	return StateNeedMongoMarkings, Status{}
}

func (e *encryptAutoVariant) mongoOpMarkings() (bson.Raw, Status) {
	raw, err := bson.Marshal(bson.D{
		{Key: "schema", Value: e.schema},
		{Key: "document", Value: e.rawDoc},
	})
	if err != nil {
		return nil, clientError("encrypt-auto: failed to build markings request: %v", err)
	}
	return raw, Status{}
}

func (e *encryptAutoVariant) mongoFeedMarkings(doc bson.Raw) Status {
	var resp struct {
		MarkedFields []markedField `bson:"markedFields"`
	}
	if err := bson.Unmarshal(doc, &resp); err != nil {
		return clientError("encrypt-auto: malformed markings response: %v", err)
	}
	e.marked = append(e.marked, resp.MarkedFields...)
	return Status{}
}

func (e *encryptAutoVariant) mongoDoneMarkings(broker *keyBroker) (State, Status) {
	if len(e.marked) == 0 {
		return StateNothingToDo, Status{}
	}
	for _, f := range e.marked {
		keyID, st := binaryToUUID(f.KeyID)
		if !st.OK() {
			return StateError, st
		}
		if st := broker.requestByID(keyID); !st.OK() {
			return StateError, st
		}
	}
	return StateNeedMongoKeys, Status{}
}

func (e *encryptAutoVariant) finalize(broker *keyBroker) (bson.Raw, Status) {
	if len(e.marked) == 0 {
		return e.rawDoc, Status{}
	}

	byPath := make(map[string]uuid.UUID, len(e.marked))
	for _, f := range e.marked {
		keyID, st := binaryToUUID(f.KeyID)
		if !st.OK() {
			return nil, st
		}
		byPath[f.Path] = keyID
	}

	out := make(bson.D, len(e.doc))
	copy(out, e.doc)
	for i, elem := range out {
		keyID, ok := byPath[elem.Key]
		if !ok {
			continue
		}
		dek, st := broker.lookup(keyID)
		if !st.OK() {
			return nil, st
		}
		plaintext, err := bson.Marshal(bson.D{{Key: "v", Value: elem.Value}})
		if err != nil {
			return nil, clientError("encrypt-auto: failed to wrap field %q: %v", elem.Key, err)
		}
		blob, st := encryptField(keyID, dek, plaintext)
		if !st.OK() {
			return nil, st
		}
		out[i] = bson.E{Key: elem.Key, Value: blob}
	}

	raw, err := bson.Marshal(out)
	if err != nil {
		return nil, clientError("encrypt-auto: failed to serialize output document: %v", err)
	}
	return raw, Status{}
}

func (e *encryptAutoVariant) cleanup() {}

// encryptExplicitVariant implements the explicit-encrypt operation: the
// caller names exactly one DEK (by id or alt-name) and supplies the
// plaintext value directly, bypassing collinfo/markings entirely — it
// begins directly at NEED_MONGO_KEYS, per §4.4.
type encryptExplicitVariant struct {
	unsupportedCollInfoMarkings

	keyID      *uuid.UUID
	keyAltName *string
	plaintext  []byte
}

// NewEncryptExplicitContext builds a Context that encrypts plaintext
// under exactly one DEK, addressed by keyID or keyAltName (exactly one
// must be non-nil). plaintext is sealed as a BSON string inside the same
// {v: value} wrapper encrypt-auto uses, so a decrypt context turns the
// resulting blob back into a string field.
func NewEncryptExplicitContext(crypt *Crypt, keyID *uuid.UUID, keyAltName *string, plaintext []byte) (*Context, Status) {
	if (keyID == nil) == (keyAltName == nil) {
		return nil, clientError("exactly one of keyID or keyAltName must be provided")
	}
	broker := newKeyBroker(crypt, true)
	if keyID != nil {
		if st := broker.requestByID(*keyID); !st.OK() {
			return nil, st
		}
	} else {
		if st := broker.requestByAltName(*keyAltName); !st.OK() {
			return nil, st
		}
	}
	v := &encryptExplicitVariant{keyID: keyID, keyAltName: keyAltName, plaintext: plaintext}
	return newContext(crypt, v, broker), Status{}
}

func (e *encryptExplicitVariant) initialState() State { return StateNeedMongoKeys }

func (e *encryptExplicitVariant) finalize(broker *keyBroker) (bson.Raw, Status) {
	var keyID uuid.UUID
	var st Status
	if e.keyID != nil {
		keyID = *e.keyID
	} else {
		keyID, st = broker.resolveID(*e.keyAltName)
		if !st.OK() {
			return nil, st
		}
	}
	dek, st := broker.lookup(keyID)
	if !st.OK() {
		return nil, st
	}
	wrapped, err := bson.Marshal(bson.D{{Key: "v", Value: string(e.plaintext)}})
	if err != nil {
		return nil, clientError("encrypt-explicit: failed to wrap value: %v", err)
	}
	blob, st := encryptField(keyID, dek, wrapped)
	if !st.OK() {
		return nil, st
	}
	raw, err := bson.Marshal(bson.D{{Key: "value", Value: blob}})
	if err != nil {
		return nil, clientError("encrypt-explicit: failed to serialize output: %v", err)
	}
	return raw, Status{}
}

func (e *encryptExplicitVariant) cleanup() {}
