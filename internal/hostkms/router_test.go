package hostkms

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/kenneth/mongocrypt-go/mongocrypt"
)

func TestRouter_DrainsAWSSubcontextViaFakeDialer(t *testing.T) {
	crypt, st := mongocrypt.NewCrypt(mongocrypt.CryptOpts{})
	require.True(t, st.OK())

	keyID := uuid.New()
	cctx, st := mongocrypt.NewEncryptExplicitContext(crypt, &keyID, nil, []byte("hello world"))
	require.True(t, st.OK())
	defer cctx.Destroy()

	require.Equal(t, mongocrypt.StateNeedMongoKeys, cctx.State())
	_, st = cctx.MongoOp()
	require.True(t, st.OK())

	keyDoc, err := bson.Marshal(bson.D{
		{Key: "_id", Value: bson.Binary{Subtype: 0x04, Data: keyID[:]}},
		{Key: "masterKey", Value: bson.D{
			{Key: "provider", Value: "aws"},
			{Key: "region", Value: "us-east-1"},
			{Key: "key", Value: "cmk-router-test"},
		}},
		{Key: "keyMaterial", Value: []byte("wrapped-dek")},
		{Key: "creationDate", Value: bson.DateTime(0)},
		{Key: "updateDate", Value: bson.DateTime(0)},
		{Key: "status", Value: int32(1)},
		{Key: "version", Value: int64(0)},
	})
	require.NoError(t, err)
	require.True(t, cctx.MongoFeed(keyDoc).OK())
	require.True(t, cctx.MongoDone().OK())
	require.Equal(t, mongocrypt.StateNeedKMS, cctx.State())

	dek := []byte("01234567890123456789012345678901")
	router := NewRouter()
	router.Register(mongocrypt.ProviderAWS, NewFakeDialer(map[string][]byte{"cmk-router-test": dek}))

	require.True(t, router.DrainKMS(context.Background(), cctx, nil).OK())
	require.Equal(t, mongocrypt.StateReady, cctx.State())
}

type fakeRecorder struct {
	providers []string
}

func (f *fakeRecorder) RecordKMSRoundTrip(provider string, duration time.Duration) {
	f.providers = append(f.providers, provider)
}

func TestRouter_DrainKMS_RecordsRoundTrip(t *testing.T) {
	crypt, st := mongocrypt.NewCrypt(mongocrypt.CryptOpts{})
	require.True(t, st.OK())

	keyID := uuid.New()
	cctx, st := mongocrypt.NewEncryptExplicitContext(crypt, &keyID, nil, []byte("hello world"))
	require.True(t, st.OK())
	defer cctx.Destroy()

	_, st = cctx.MongoOp()
	require.True(t, st.OK())
	keyDoc, err := bson.Marshal(bson.D{
		{Key: "_id", Value: bson.Binary{Subtype: 0x04, Data: keyID[:]}},
		{Key: "masterKey", Value: bson.D{
			{Key: "provider", Value: "aws"},
			{Key: "region", Value: "us-east-1"},
			{Key: "key", Value: "cmk-router-test"},
		}},
		{Key: "keyMaterial", Value: []byte("wrapped-dek")},
		{Key: "creationDate", Value: bson.DateTime(0)},
		{Key: "updateDate", Value: bson.DateTime(0)},
		{Key: "status", Value: int32(1)},
		{Key: "version", Value: int64(0)},
	})
	require.NoError(t, err)
	require.True(t, cctx.MongoFeed(keyDoc).OK())
	require.True(t, cctx.MongoDone().OK())

	dek := []byte("01234567890123456789012345678901")
	router := NewRouter()
	router.Register(mongocrypt.ProviderAWS, NewFakeDialer(map[string][]byte{"cmk-router-test": dek}))

	rec := &fakeRecorder{}
	require.True(t, router.DrainKMS(context.Background(), cctx, rec).OK())
	require.Equal(t, []string{"aws"}, rec.providers)
}

func TestRouter_FailsWithoutRegisteredDialer(t *testing.T) {
	crypt, st := mongocrypt.NewCrypt(mongocrypt.CryptOpts{})
	require.True(t, st.OK())

	keyID := uuid.New()
	cctx, st := mongocrypt.NewEncryptExplicitContext(crypt, &keyID, nil, []byte("hello"))
	require.True(t, st.OK())
	defer cctx.Destroy()

	_, st = cctx.MongoOp()
	require.True(t, st.OK())
	keyDoc, err := bson.Marshal(bson.D{
		{Key: "_id", Value: bson.Binary{Subtype: 0x04, Data: keyID[:]}},
		{Key: "masterKey", Value: bson.D{
			{Key: "provider", Value: "gcp"},
			{Key: "projectId", Value: "p"},
			{Key: "location", Value: "global"},
			{Key: "keyRing", Value: "r"},
			{Key: "keyName", Value: "k"},
		}},
		{Key: "keyMaterial", Value: []byte("wrapped-dek")},
		{Key: "creationDate", Value: bson.DateTime(0)},
		{Key: "updateDate", Value: bson.DateTime(0)},
		{Key: "status", Value: int32(1)},
		{Key: "version", Value: int64(0)},
	})
	require.NoError(t, err)
	require.True(t, cctx.MongoFeed(keyDoc).OK())
	require.True(t, cctx.MongoDone().OK())

	router := NewRouter()
	st = router.DrainKMS(context.Background(), cctx, nil)
	require.False(t, st.OK())
	require.Equal(t, mongocrypt.StatusNetworkError, st.Kind)
}
