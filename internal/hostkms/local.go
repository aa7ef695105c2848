package hostkms

import (
	"context"

	"github.com/kenneth/mongocrypt-go/mongocrypt"
)

// LocalDialer is a placeholder registration for mongocrypt.ProviderLocal.
// The core unwraps local-provider DEKs synchronously inside
// the key broker's doneAddingDocs, so a local KMSContext is already
// complete (BytesNeeded() == 0) by the time Router.DrainKMS would
// otherwise dispatch it; Dial is never actually called. It exists so a
// Router built with every provider registered, the usual deployment
// shape, doesn't need a special case for local.
type LocalDialer struct{}

func (LocalDialer) Dial(ctx context.Context, kc *mongocrypt.KMSContext) mongocrypt.Status {
	return mongocrypt.Status{}
}
