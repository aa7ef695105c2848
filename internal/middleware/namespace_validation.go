package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/ryanuber/go-glob"
	"github.com/sirupsen/logrus"
)

// namespaceHeader carries the request's validated namespace to middleware
// that runs after NamespaceValidationMiddleware in the chain.
const namespaceHeader = "X-Mongocrypt-Namespace"

// NamespaceValidationMiddleware restricts /v1/encrypt and /v1/decrypt
// requests to namespaces matching one of allowedPatterns, the namespace
// counterpart of the teacher's single-bucket BucketValidationMiddleware.
// If allowedPatterns is empty, every namespace is allowed.
func NamespaceValidationMiddleware(allowedPatterns []string, logger *logrus.Logger) func(http.Handler) http.Handler {
	if len(allowedPatterns) == 0 {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/v1/encrypt" && r.URL.Path != "/v1/decrypt" {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, "failed to read request body", http.StatusBadRequest)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			var peek struct {
				Namespace string `json:"namespace"`
			}
			if err := json.Unmarshal(body, &peek); err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}

			if peek.Namespace == "" || !namespaceAllowed(peek.Namespace, allowedPatterns) {
				logger.WithFields(logrus.Fields{
					"namespace": peek.Namespace,
					"path":      r.URL.Path,
				}).Warn("access denied: namespace not in allow-list")

				writeNamespaceDeniedError(w, peek.Namespace)
				return
			}

			// Stamp the namespace onto the request so downstream middleware
			// (SecurityHeadersMiddleware, in particular) can correlate a
			// response with the namespace it served without re-parsing the
			// body a second time.
			r.Header.Set(namespaceHeader, peek.Namespace)
			next.ServeHTTP(w, r)
		})
	}
}

func namespaceAllowed(namespace string, patterns []string) bool {
	for _, pattern := range patterns {
		if glob.Glob(pattern, namespace) {
			return true
		}
	}
	return false
}

func writeNamespaceDeniedError(w http.ResponseWriter, namespace string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	json.NewEncoder(w).Encode(map[string]string{
		"error":     "access denied: namespace not permitted",
		"namespace": namespace,
	})
}
