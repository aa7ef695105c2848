package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/kenneth/mongocrypt-go/internal/audit"
	"github.com/kenneth/mongocrypt-go/internal/hostkms"
	"github.com/kenneth/mongocrypt-go/internal/metrics"
	"github.com/kenneth/mongocrypt-go/internal/mongostore"
	"github.com/kenneth/mongocrypt-go/internal/schemacache"
	"github.com/kenneth/mongocrypt-go/mongocrypt"
)

// Handler drives the mongocrypt pump loop for every HTTP request, wiring
// the core's Context against mongostore, the schema cache and the host
// KMS router, adapted from the teacher's S3 verb dispatch Handler.
type Handler struct {
	crypt   *mongocrypt.Crypt
	store   mongostore.Store
	cache   schemacache.Cache
	router  *hostkms.Router
	logger  *logrus.Logger
	metrics *metrics.Metrics
	audit   audit.Logger

	schemaTTL time.Duration
}

// NewHandler creates a new pump server API handler.
func NewHandler(
	crypt *mongocrypt.Crypt,
	store mongostore.Store,
	cache schemacache.Cache,
	router *hostkms.Router,
	logger *logrus.Logger,
	m *metrics.Metrics,
	auditLogger audit.Logger,
	schemaTTL time.Duration,
) *Handler {
	return &Handler{
		crypt:     crypt,
		store:     store,
		cache:     cache,
		router:    router,
		logger:    logger,
		metrics:   m,
		audit:     auditLogger,
		schemaTTL: schemaTTL,
	}
}

// RegisterRoutes registers the pump server's fixed route table.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/v1/encrypt", h.handleEncrypt).Methods("POST")
	r.HandleFunc("/v1/decrypt", h.handleDecrypt).Methods("POST")
	r.HandleFunc("/healthz", h.handleHealthz).Methods("GET")
	r.Handle("/metrics", h.metrics.Handler()).Methods("GET")
}

// encryptRequest is the POST /v1/encrypt body. Auto mode supplies only
// namespace+document; explicit mode additionally names a DEK and encrypts
// a bare plaintext value instead of scanning a document.
type encryptRequest struct {
	Namespace     string          `json:"namespace"`
	Document      json.RawMessage `json:"document"`
	ExplicitKeyID string          `json:"explicitKeyID,omitempty"`
	Plaintext     string          `json:"plaintext,omitempty"`
}

type encryptResponse struct {
	Document json.RawMessage `json:"document,omitempty"`
	Value    string          `json:"value,omitempty"`
}

type decryptRequest struct {
	Document json.RawMessage `json:"document"`
}

type decryptResponse struct {
	Document json.RawMessage `json:"document"`
}

func (h *Handler) handleEncrypt(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := getRequestID(r)
	clientIP := getClientIP(r)

	var req encryptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, ErrInvalidRequest, requestID)
		h.audit.LogAccess("", clientIP, requestID, false, err, time.Since(start))
		return
	}
	if req.Namespace == "" {
		h.writeError(w, r, ErrNamespaceRequired, requestID)
		h.audit.LogAccess("", clientIP, requestID, false, ErrNamespaceRequired, time.Since(start))
		return
	}

	var (
		c         *mongocrypt.Context
		st        mongocrypt.Status
		variant   string
		accessErr error
	)
	defer func() {
		h.audit.LogAccess(req.Namespace, clientIP, requestID, accessErr == nil, accessErr, time.Since(start))
	}()

	if req.ExplicitKeyID != "" {
		variant = "encrypt_explicit"
		keyID, err := uuid.Parse(req.ExplicitKeyID)
		if err != nil {
			h.writeError(w, r, ErrInvalidRequest, requestID)
			accessErr = err
			return
		}
		c, st = mongocrypt.NewEncryptExplicitContext(h.crypt, &keyID, nil, []byte(req.Plaintext))
	} else {
		variant = "encrypt_auto"
		doc, err := extJSONToBSON(req.Document)
		if err != nil {
			h.writeError(w, r, ErrInvalidRequest, requestID)
			accessErr = err
			return
		}
		c, st = mongocrypt.NewEncryptAutoContext(h.crypt, req.Namespace, doc)
	}
	if !st.OK() {
		h.finishEncrypt(w, r, c, variant, req.Namespace, start, requestID, st)
		accessErr = st
		return
	}
	defer c.Destroy()

	st = h.pump(r.Context(), c, req.Namespace)
	if !st.OK() {
		h.finishEncrypt(w, r, c, variant, req.Namespace, start, requestID, st)
		accessErr = st
		return
	}

	out, st := c.Finalize()
	h.finishEncrypt(w, r, c, variant, req.Namespace, start, requestID, st)
	if !st.OK() {
		accessErr = st
		return
	}

	if req.ExplicitKeyID != "" {
		var value struct {
			Value bson.Binary `bson:"value"`
		}
		if err := bson.Unmarshal(out, &value); err != nil {
			h.writeError(w, r, TranslateError(err, requestID), requestID)
			accessErr = err
			return
		}
		h.writeJSON(w, http.StatusOK, encryptResponse{Value: fmt.Sprintf("%x", value.Value.Data)})
		return
	}

	extJSON, err := bson.MarshalExtJSON(out, true, false)
	if err != nil {
		h.writeError(w, r, TranslateError(err, requestID), requestID)
		accessErr = err
		return
	}
	h.writeJSON(w, http.StatusOK, encryptResponse{Document: extJSON})
}

func (h *Handler) finishEncrypt(w http.ResponseWriter, r *http.Request, c *mongocrypt.Context, variant, namespace string, start time.Time, requestID string, st mongocrypt.Status) {
	duration := time.Since(start)
	h.metrics.RecordContext(variant, duration, st)
	if c != nil {
		h.metrics.RecordBrokerStats(c.Stats())
	}
	h.audit.LogEncrypt(namespace, st.OK(), errorOrNil(st), duration, nil)
	if !st.OK() {
		apiErr := TranslateStatus(st, requestID)
		h.logger.WithFields(logrus.Fields{
			"namespace":  namespace,
			"variant":    variant,
			"request_id": requestID,
			"error":      st.Message,
		}).Warn("encrypt failed")
		apiErr.WriteJSON(w)
	}
}

func (h *Handler) handleDecrypt(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := getRequestID(r)
	clientIP := getClientIP(r)

	var accessErr error
	defer func() {
		h.audit.LogAccess("", clientIP, requestID, accessErr == nil, accessErr, time.Since(start))
	}()

	var req decryptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, ErrInvalidRequest, requestID)
		accessErr = err
		return
	}

	doc, err := extJSONToBSON(req.Document)
	if err != nil {
		h.writeError(w, r, ErrInvalidRequest, requestID)
		accessErr = err
		return
	}

	c, st := mongocrypt.NewDecryptContext(h.crypt, doc)
	if !st.OK() {
		h.finishDecrypt(w, c, start, requestID, st)
		accessErr = st
		return
	}
	defer c.Destroy()

	st = h.pump(r.Context(), c, "")
	if !st.OK() {
		h.finishDecrypt(w, c, start, requestID, st)
		accessErr = st
		return
	}

	out, st := c.Finalize()
	h.finishDecrypt(w, c, start, requestID, st)
	if !st.OK() {
		accessErr = st
		return
	}

	extJSON, err := bson.MarshalExtJSON(out, true, false)
	if err != nil {
		h.writeError(w, r, TranslateError(err, requestID), requestID)
		accessErr = err
		return
	}
	h.writeJSON(w, http.StatusOK, decryptResponse{Document: extJSON})
}

func (h *Handler) finishDecrypt(w http.ResponseWriter, c *mongocrypt.Context, start time.Time, requestID string, st mongocrypt.Status) {
	duration := time.Since(start)
	h.metrics.RecordContext("decrypt", duration, st)
	if c != nil {
		h.metrics.RecordBrokerStats(c.Stats())
	}
	h.audit.LogDecrypt("", st.OK(), errorOrNil(st), duration, nil)
	if !st.OK() {
		apiErr := TranslateStatus(st, requestID)
		h.logger.WithFields(logrus.Fields{
			"request_id": requestID,
			"error":      st.Message,
		}).Warn("decrypt failed")
		apiErr.WriteJSON(w)
	}
}

// pump drives c from its current state through NEED_MONGO_COLLINFO,
// NEED_MONGO_MARKINGS, NEED_MONGO_KEYS and NEED_KMS to READY or
// NOTHING_TO_DO, the canonical loop of SPEC_FULL.md's Pump loop glossary
// entry. namespace is only used for the schema cache/store lookups in
// NEED_MONGO_COLLINFO; decrypt passes "" since it never reaches that
// state.
func (h *Handler) pump(ctx context.Context, c *mongocrypt.Context, namespace string) mongocrypt.Status {
	for {
		switch c.State() {
		case mongocrypt.StateNeedMongoCollInfo:
			if st := h.feedCollInfo(ctx, c, namespace); !st.OK() {
				return st
			}
		case mongocrypt.StateNeedMongoMarkings:
			if st := h.feedMarkings(c); !st.OK() {
				return st
			}
		case mongocrypt.StateNeedMongoKeys:
			if st := h.feedKeys(ctx, c); !st.OK() {
				return st
			}
		case mongocrypt.StateNeedKMS:
			if st := h.router.DrainKMS(ctx, c, h.metrics); !st.OK() {
				return st
			}
		case mongocrypt.StateReady, mongocrypt.StateNothingToDo:
			return mongocrypt.Status{}
		case mongocrypt.StateError:
			return c.Status()
		default:
			return c.Status()
		}
	}
}

func (h *Handler) feedCollInfo(ctx context.Context, c *mongocrypt.Context, namespace string) mongocrypt.Status {
	if _, st := c.MongoOp(); !st.OK() {
		return st
	}

	schema, ok := h.cache.Get(namespace)
	if !ok {
		start := time.Now()
		var err error
		schema, err = h.store.GetSchema(ctx, namespace)
		h.metrics.RecordStoreOperation("get_schema", time.Since(start), err)
		if err != nil {
			return mongocrypt.Status{Kind: mongocrypt.StatusClientError, Message: err.Error()}
		}
		_ = h.cache.Set(namespace, schema, h.schemaTTL)
	}

	if st := c.MongoFeed(schema); !st.OK() {
		return st
	}
	return c.MongoDone()
}

// markingsDoc is the shape of the NEED_MONGO_MARKINGS request the core
// emits: the namespace's schema plus the raw document being encrypted.
type markingsDoc struct {
	Schema   []markingsSchemaField `bson:"schema"`
	Document bson.Raw              `bson:"document"`
}

type markingsSchemaField struct {
	Path  string      `bson:"path"`
	KeyID bson.Binary `bson:"keyId"`
}

type markedFieldDoc struct {
	Path  string      `bson:"path"`
	KeyID bson.Binary `bson:"keyId"`
}

// feedMarkings decides which of the schema's declared paths are actually
// present in the document, the host's stand-in for the server-side
// markings computation spec §4.4 otherwise delegates to mongocryptd:
// a schema field is "marked" if its path names a top-level field that
// exists in the document.
func (h *Handler) feedMarkings(c *mongocrypt.Context) mongocrypt.Status {
	raw, st := c.MongoOp()
	if !st.OK() {
		return st
	}

	var req markingsDoc
	if err := bson.Unmarshal(raw, &req); err != nil {
		return mongocrypt.Status{Kind: mongocrypt.StatusClientError, Message: fmt.Sprintf("markings: malformed request: %v", err)}
	}

	var doc bson.D
	if err := bson.Unmarshal(req.Document, &doc); err != nil {
		return mongocrypt.Status{Kind: mongocrypt.StatusClientError, Message: fmt.Sprintf("markings: malformed document: %v", err)}
	}
	present := make(map[string]struct{}, len(doc))
	for _, elem := range doc {
		present[elem.Key] = struct{}{}
	}

	var marked []markedFieldDoc
	for _, f := range req.Schema {
		if _, ok := present[f.Path]; ok {
			marked = append(marked, markedFieldDoc{Path: f.Path, KeyID: f.KeyID})
		}
	}

	resp, err := bson.Marshal(struct {
		MarkedFields []markedFieldDoc `bson:"markedFields"`
	}{MarkedFields: marked})
	if err != nil {
		return mongocrypt.Status{Kind: mongocrypt.StatusClientError, Message: fmt.Sprintf("markings: failed to build response: %v", err)}
	}

	if st := c.MongoFeed(resp); !st.OK() {
		return st
	}
	return c.MongoDone()
}

func (h *Handler) feedKeys(ctx context.Context, c *mongocrypt.Context) mongocrypt.Status {
	filter, st := c.MongoOp()
	if !st.OK() {
		return st
	}

	start := time.Now()
	docs, err := h.store.GetKeyDocuments(ctx, filter)
	h.metrics.RecordStoreOperation("get_key_documents", time.Since(start), err)
	if err != nil {
		return mongocrypt.Status{Kind: mongocrypt.StatusClientError, Message: err.Error()}
	}

	for _, doc := range docs {
		if st := c.MongoFeed(doc); !st.OK() {
			return st
		}
	}
	return c.MongoDone()
}

type healthzResponse struct {
	Status string `json:"status"`
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	h.writeJSON(w, http.StatusOK, healthzResponse{Status: "ok"})
	h.metrics.RecordHTTPRequest(r.Method, r.URL.Path, http.StatusOK, time.Since(start))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.WithError(err).Error("failed to encode response body")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, apiErr *APIError, requestID string) {
	h.metrics.RecordHTTPRequest(r.Method, r.URL.Path, apiErr.HTTPStatus, 0)
	e := *apiErr
	if e.RequestID == "" {
		e.RequestID = requestID
	}
	e.WriteJSON(w)
}

func errorOrNil(st mongocrypt.Status) error {
	if st.OK() {
		return nil
	}
	return st
}

// extJSONToBSON decodes MongoDB extended JSON into the BSON bytes the
// core's Context constructors expect.
func extJSONToBSON(data json.RawMessage) (bson.Raw, error) {
	var doc bson.D
	if err := bson.UnmarshalExtJSON(data, true, &doc); err != nil {
		return nil, fmt.Errorf("invalid document: %w", err)
	}
	raw, err := bson.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("invalid document: %w", err)
	}
	return raw, nil
}
