package mongocrypt

import (
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// uuidBinarySubtype is the BSON binary subtype reserved for UUIDs.
const uuidBinarySubtype = 0x04

// uuidToBinary frames id the way every UUID crosses a BSON boundary in
// this package: as binary subtype 4, never as the driver's default
// array-of-bytes encoding of a [16]byte-backed type.
func uuidToBinary(id uuid.UUID) bson.Binary {
	return bson.Binary{Subtype: uuidBinarySubtype, Data: id[:]}
}

// binaryToUUID reverses uuidToBinary, rejecting anything not tagged as a
// UUID.
func binaryToUUID(b bson.Binary) (uuid.UUID, Status) {
	if b.Subtype != uuidBinarySubtype {
		return uuid.Nil, clientError("expected a UUID (binary subtype 4), got subtype %d", b.Subtype)
	}
	id, err := uuid.FromBytes(b.Data)
	if err != nil {
		return uuid.Nil, clientError("malformed UUID: %v", err)
	}
	return id, Status{}
}
