// Package hostkms is the embedding host's answer to the KMS subcontext
// half of mongocrypt.KMSContext: a set of dialers that actually open a
// connection to AWS KMS, Azure Key Vault or GCP Cloud KMS, feed the
// provider's response back into the subcontext, and a Router that picks
// the right one per entry. None of this lives in mongocrypt itself —
// the core only describes the request, it never transmits it.
package hostkms

import (
	"context"
	"fmt"
	"time"

	"github.com/kenneth/mongocrypt-go/mongocrypt"
)

// RoundTripRecorder observes one completed KMS subcontext dial.
// *metrics.Metrics satisfies this implicitly; hostkms never imports the
// metrics package itself so the dialer layer stays free of Prometheus
// wiring.
type RoundTripRecorder interface {
	RecordKMSRoundTrip(provider string, duration time.Duration)
}

// Dialer performs the real network round trip for one KMSContext: reads
// its pending Message(), sends it to Endpoint(), and feeds the response
// (or a transport failure) back via Feed/Fail.
type Dialer interface {
	Dial(ctx context.Context, kc *mongocrypt.KMSContext) mongocrypt.Status
}

// Router dispatches each pending KMSContext to the Dialer registered for
// its provider. One Router is typically built once at startup and shared
// read-only across every pumped Context, mirroring the teacher's
// single-shared-collaborator pattern in cmd/server/main.go.
type Router struct {
	dialers map[mongocrypt.Provider]Dialer
}

// NewRouter returns an empty Router; register a Dialer per provider
// before draining any context against it.
func NewRouter() *Router {
	return &Router{dialers: make(map[mongocrypt.Provider]Dialer)}
}

// Register associates a Dialer with a provider. A later call for the
// same provider replaces the earlier one.
func (r *Router) Register(provider mongocrypt.Provider, d Dialer) {
	r.dialers[provider] = d
}

// DrainKMS pumps c's NEED_KMS phase to completion: it repeatedly takes
// the next pending subcontext, routes it to the matching dialer, and
// finally calls KMSDone once nothing remains. Every subcontext returned
// by NextKMSContext still needs a round trip — the broker only enqueues
// incomplete entries (mongocrypt/broker.go's nextKMS filters out already-
// resolved ones) — so there is no BytesNeeded()==0 case to skip here.
// rec may be nil, in which case round trips go unrecorded (used by
// callers, such as load-test harnesses, that don't carry a metrics
// collaborator).
func (r *Router) DrainKMS(ctx context.Context, c *mongocrypt.Context, rec RoundTripRecorder) mongocrypt.Status {
	for {
		kc := c.NextKMSContext()
		if kc == nil {
			break
		}
		d, ok := r.dialers[kc.Provider()]
		if !ok {
			return kc.Fail(fmt.Sprintf("hostkms: no dialer registered for provider %q", kc.Provider()))
		}
		start := time.Now()
		st := d.Dial(ctx, kc)
		if rec != nil {
			rec.RecordKMSRoundTrip(string(kc.Provider()), time.Since(start))
		}
		if !st.OK() {
			return st
		}
	}
	return c.KMSDone()
}
