package mongocrypt

import (
	"go.mongodb.org/mongo-driver/v2/bson"
)

// decryptVariant implements the decrypt operation. Like encrypt-explicit
// it begins directly at NEED_MONGO_KEYS, per §4.4 — but unlike explicit
// encrypt it must discover which DEKs it needs by scanning the payload
// itself, since the caller only supplies ciphertext.
type decryptVariant struct {
	unsupportedCollInfoMarkings

	rawDoc    bson.Raw
	doc       bson.D
	hasFields bool
}

// NewDecryptContext builds a Context that decrypts every encrypted field
// found in document. A document with no encrypted fields starts directly
// in NOTHING_TO_DO, per §4.4's "no encrypted fields" example.
func NewDecryptContext(crypt *Crypt, document bson.Raw) (*Context, Status) {
	var doc bson.D
	if err := bson.Unmarshal(document, &doc); err != nil {
		return nil, clientError("document is not a valid BSON document: %v", err)
	}
	ids, st := scanCiphertextKeyIDs(doc)
	if !st.OK() {
		return nil, st
	}

	broker := newKeyBroker(crypt, true)
	for _, id := range ids {
		if st := broker.requestByID(id); !st.OK() {
			return nil, st
		}
	}

	v := &decryptVariant{rawDoc: document, doc: doc, hasFields: len(ids) > 0}
	return newContext(crypt, v, broker), Status{}
}

func (d *decryptVariant) initialState() State {
	if !d.hasFields {
		return StateNothingToDo
	}
	return StateNeedMongoKeys
}

func (d *decryptVariant) finalize(broker *keyBroker) (bson.Raw, Status) {
	if !d.hasFields {
		return d.rawDoc, Status{}
	}

	out := make(bson.D, len(d.doc))
	copy(out, d.doc)
	for i, elem := range out {
		bin, ok := asCiphertext(elem.Value)
		if !ok {
			continue
		}
		keyID, st := ciphertextKeyID(bin.Data)
		if !st.OK() {
			return nil, st
		}
		dek, st := broker.lookup(keyID)
		if !st.OK() {
			return nil, st
		}
		wrapped, st := decryptField(dek, bin.Data)
		if !st.OK() {
			return nil, st
		}
		var unwrapped struct {
			V any `bson:"v"`
		}
		if err := bson.Unmarshal(wrapped, &unwrapped); err != nil {
			return nil, clientError("decrypt: failed to unwrap field %q: %v", elem.Key, err)
		}
		out[i] = bson.E{Key: elem.Key, Value: unwrapped.V}
	}

	raw, err := bson.Marshal(out)
	if err != nil {
		return nil, clientError("decrypt: failed to serialize output document: %v", err)
	}
	return raw, Status{}
}

func (d *decryptVariant) cleanup() {}
