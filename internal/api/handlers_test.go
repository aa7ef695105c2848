package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/kenneth/mongocrypt-go/internal/audit"
	"github.com/kenneth/mongocrypt-go/internal/hostkms"
	"github.com/kenneth/mongocrypt-go/internal/metrics"
	"github.com/kenneth/mongocrypt-go/internal/mongostore"
	"github.com/kenneth/mongocrypt-go/internal/schemacache"
	"github.com/kenneth/mongocrypt-go/mongocrypt"
)

var (
	testMetricsOnce sync.Once
	testMetrics     *metrics.Metrics
)

// sharedMetrics returns one process-wide Metrics instance, since
// metrics.NewMetrics registers against the default Prometheus registerer
// and a second registration in the same test binary would panic.
func sharedMetrics() *metrics.Metrics {
	testMetricsOnce.Do(func() {
		testMetrics = metrics.NewMetrics()
	})
	return testMetrics
}

func newTestHandler(t *testing.T, store mongostore.Store) *Handler {
	t.Helper()
	crypt, st := mongocrypt.NewCrypt(mongocrypt.CryptOpts{})
	require.True(t, st.OK())

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	return NewHandler(
		crypt,
		store,
		schemacache.NewMemoryCache(16, time.Minute),
		hostkms.NewRouter(),
		logger,
		sharedMetrics(),
		audit.NewLogger(64, nil),
		time.Minute,
	)
}

func TestHandleEncrypt_InvalidJSON(t *testing.T) {
	h := newTestHandler(t, mongostore.NewFakeStore())

	req := httptest.NewRequest("POST", "/v1/encrypt", strings.NewReader("not json"))
	w := httptest.NewRecorder()
	h.handleEncrypt(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleEncrypt_MissingNamespace(t *testing.T) {
	h := newTestHandler(t, mongostore.NewFakeStore())

	req := httptest.NewRequest("POST", "/v1/encrypt", strings.NewReader(`{"document":{}}`))
	w := httptest.NewRecorder()
	h.handleEncrypt(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleEncrypt_SchemaNotFound(t *testing.T) {
	h := newTestHandler(t, mongostore.NewFakeStore())

	body := `{"namespace":"payments.accounts","document":{"ssn":"123-45-6789"}}`
	req := httptest.NewRequest("POST", "/v1/encrypt", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.handleEncrypt(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleEncrypt_NothingToDoEchoesDocument(t *testing.T) {
	store := mongostore.NewFakeStore()
	schema, err := bson.Marshal(bson.D{{Key: "schema", Value: bson.A{}}})
	require.NoError(t, err)
	require.NoError(t, store.PutSchema(context.Background(), "payments.accounts", schema))

	h := newTestHandler(t, store)

	body := `{"namespace":"payments.accounts","document":{"name":"Ada"}}`
	req := httptest.NewRequest("POST", "/v1/encrypt", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.handleEncrypt(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Ada")
}

func TestHandleDecrypt_NothingToDoEchoesDocument(t *testing.T) {
	h := newTestHandler(t, mongostore.NewFakeStore())

	body := `{"document":{"name":"Ada"}}`
	req := httptest.NewRequest("POST", "/v1/decrypt", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.handleDecrypt(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Ada")
}

func TestHandleDecrypt_InvalidJSON(t *testing.T) {
	h := newTestHandler(t, mongostore.NewFakeStore())

	req := httptest.NewRequest("POST", "/v1/decrypt", strings.NewReader("not json"))
	w := httptest.NewRecorder()
	h.handleDecrypt(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleHealthz(t *testing.T) {
	h := newTestHandler(t, mongostore.NewFakeStore())

	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	h.handleHealthz(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}

func TestFeedMarkings_OnlyMarksPresentFields(t *testing.T) {
	h := newTestHandler(t, mongostore.NewFakeStore())

	keyID := bson.Binary{Subtype: 0x04, Data: make([]byte, 16)}
	document, err := bson.Marshal(bson.D{{Key: "ssn", Value: "123-45-6789"}, {Key: "name", Value: "Ada"}})
	require.NoError(t, err)

	c, st := mongocrypt.NewEncryptAutoContext(h.crypt, "payments.accounts", document)
	require.True(t, st.OK())
	defer c.Destroy()

	schema, err := bson.Marshal(bson.D{{Key: "schema", Value: []markingsSchemaField{
		{Path: "ssn", KeyID: keyID},
		{Path: "unrelated_field", KeyID: keyID},
	}}})
	require.NoError(t, err)
	require.True(t, c.MongoFeed(schema).OK())
	require.True(t, c.MongoDone().OK())
	require.Equal(t, mongocrypt.StateNeedMongoMarkings, c.State())

	st = h.feedMarkings(c)
	require.True(t, st.OK())
	require.Equal(t, mongocrypt.StateNeedMongoKeys, c.State())
}
