package mongocrypt

import (
	"go.mongodb.org/mongo-driver/v2/bson"
)

// variant is the sealed sum type SPEC_FULL.md §4.4/§9 substitutes for the
// original hook table: each operation kind implements it, and Context
// dispatches to it without knowing which concrete kind it is driving.
// The key-fetch hooks are deliberately NOT part of this interface — per
// spec §4.4 they are "shared across variants and implemented in terms of
// the broker" directly by Context.
type variant interface {
	// initialState is consulted once at construction.
	initialState() State

	// mongoOpCollInfo/mongoOpMarkings emit the outbound document for their
	// respective NEED_MONGO_* state. Only the auto-encrypt variant ever
	// reaches these states; other variants return a client error if
	// somehow called, which Context's own state guard prevents.
	mongoOpCollInfo() (bson.Raw, Status)
	mongoFeedCollInfo(doc bson.Raw) Status
	mongoDoneCollInfo() (State, Status)

	mongoOpMarkings() (bson.Raw, Status)
	mongoFeedMarkings(doc bson.Raw) Status
	mongoDoneMarkings(broker *keyBroker) (State, Status)

	// finalize produces the operation's output document once the broker
	// has yielded every DEK the variant needs (or immediately, for
	// NOTHING_TO_DO).
	finalize(broker *keyBroker) (bson.Raw, Status)

	// cleanup releases any variant-owned buffers. The broker and status
	// are released by Context.Destroy itself.
	cleanup()
}

// unsupportedCollInfoMarkings is embedded by variants that begin directly
// at NEED_MONGO_KEYS (encrypt-explicit, decrypt) so they satisfy the
// variant interface without reimplementing the collinfo/markings hooks
// spec §4.4 says exist "only on the auto-encrypt variant".
type unsupportedCollInfoMarkings struct{}

func (unsupportedCollInfoMarkings) mongoOpCollInfo() (bson.Raw, Status) {
	return nil, clientError("wrong state")
}
func (unsupportedCollInfoMarkings) mongoFeedCollInfo(bson.Raw) Status {
	return clientError("wrong state")
}
func (unsupportedCollInfoMarkings) mongoDoneCollInfo() (State, Status) {
	return StateError, clientError("wrong state")
}
func (unsupportedCollInfoMarkings) mongoOpMarkings() (bson.Raw, Status) {
	return nil, clientError("wrong state")
}
func (unsupportedCollInfoMarkings) mongoFeedMarkings(bson.Raw) Status {
	return clientError("wrong state")
}
func (unsupportedCollInfoMarkings) mongoDoneMarkings(*keyBroker) (State, Status) {
	return StateError, clientError("wrong state")
}

// Context is the per-operation object of spec §3: an operation variant, a
// current state, a status channel, an embedded key broker, and the
// variant's hook table. Created by one of the New*Context constructors,
// mutated solely by the single goroutine pumping it, torn down by
// Destroy.
type Context struct {
	v      variant
	state  State
	status Status
	broker *keyBroker
	crypt  *Crypt

	// keysFilterDoc caches the broker filter document the first time
	// MongoOp is called in NEED_MONGO_KEYS, so repeated calls before
	// MongoDone return the same bytes rather than re-freezing the broker.
	keysFilterDoc bson.Raw
}

func newContext(crypt *Crypt, v variant, broker *keyBroker) *Context {
	c := &Context{v: v, broker: broker, crypt: crypt}
	c.state = v.initialState()
	return c
}

// checkState fails with "wrong state" if the context is not currently in
// one of allowed. A context already in ERROR always reports its frozen
// status, per §7: "downstream calls do not overwrite."
func (c *Context) checkState(allowed ...State) Status {
	if c.state == StateError {
		return c.status
	}
	for _, s := range allowed {
		if c.state == s {
			return Status{}
		}
	}
	return c.fail(clientError("wrong state"))
}

// fail records st as the context's status exactly once and transitions
// to ERROR. Subsequent calls to fail while already in ERROR leave the
// original status untouched.
func (c *Context) fail(st Status) Status {
	if c.state != StateError {
		c.status = st
		c.state = StateError
	}
	return c.status
}

// MongoOp emits the outbound document for the current NEED_MONGO_* state,
// per §4.4. Any other state fails with "wrong state".
func (c *Context) MongoOp() (bson.Raw, Status) {
	if st := c.checkState(StateNeedMongoCollInfo, StateNeedMongoMarkings, StateNeedMongoKeys); !st.OK() {
		return nil, st
	}
	switch c.state {
	case StateNeedMongoCollInfo:
		doc, st := c.v.mongoOpCollInfo()
		if !st.OK() {
			return nil, c.fail(st)
		}
		return doc, Status{}
	case StateNeedMongoMarkings:
		doc, st := c.v.mongoOpMarkings()
		if !st.OK() {
			return nil, c.fail(st)
		}
		return doc, Status{}
	default: // StateNeedMongoKeys
		if c.keysFilterDoc == nil {
			doc, st := c.broker.filter()
			if !st.OK() {
				return nil, c.fail(st)
			}
			if st := c.broker.beginAddingDocs(); !st.OK() {
				return nil, c.fail(st)
			}
			c.keysFilterDoc = doc
		}
		return c.keysFilterDoc, Status{}
	}
}

// MongoFeed ingests one result document for the current NEED_MONGO_*
// state. Additional calls accumulate, per §4.4.
func (c *Context) MongoFeed(doc bson.Raw) Status {
	if st := c.checkState(StateNeedMongoCollInfo, StateNeedMongoMarkings, StateNeedMongoKeys); !st.OK() {
		return st
	}
	switch c.state {
	case StateNeedMongoCollInfo:
		if st := c.v.mongoFeedCollInfo(doc); !st.OK() {
			return c.fail(st)
		}
	case StateNeedMongoMarkings:
		if st := c.v.mongoFeedMarkings(doc); !st.OK() {
			return c.fail(st)
		}
	default: // StateNeedMongoKeys
		if st := c.broker.addDoc(doc); !st.OK() {
			return c.fail(st)
		}
	}
	return Status{}
}

// MongoDone closes the ingest phase for the current NEED_MONGO_* state
// and computes the next state, per §4.4.
func (c *Context) MongoDone() Status {
	if st := c.checkState(StateNeedMongoCollInfo, StateNeedMongoMarkings, StateNeedMongoKeys); !st.OK() {
		return st
	}
	switch c.state {
	case StateNeedMongoCollInfo:
		next, st := c.v.mongoDoneCollInfo()
		if !st.OK() {
			return c.fail(st)
		}
		c.state = next
	case StateNeedMongoMarkings:
		next, st := c.v.mongoDoneMarkings(c.broker)
		if !st.OK() {
			return c.fail(st)
		}
		c.state = next
	default: // StateNeedMongoKeys
		if st := c.broker.doneAddingDocs(); !st.OK() {
			return c.fail(st)
		}
		c.state = StateNeedKMS
	}
	return Status{}
}

// NextKMSContext delegates to the broker's next_kms in NEED_KMS;
// elsewhere it returns nil, per §4.4.
func (c *Context) NextKMSContext() *KMSContext {
	if c.state != StateNeedKMS {
		return nil
	}
	return c.broker.nextKMS()
}

// KMSDone delegates to the broker's kms_done in NEED_KMS, then
// transitions to READY, per §4.4.
func (c *Context) KMSDone() Status {
	if st := c.checkState(StateNeedKMS); !st.OK() {
		return st
	}
	if st := c.broker.kmsDone(); !st.OK() {
		return c.fail(st)
	}
	c.state = StateReady
	return Status{}
}

// Finalize invokes the variant-specific finalize hook in READY or
// NOTHING_TO_DO, producing the final output document and transitioning
// to DONE, per §4.4.
func (c *Context) Finalize() (bson.Raw, Status) {
	if st := c.checkState(StateReady, StateNothingToDo); !st.OK() {
		return nil, st
	}
	doc, st := c.v.finalize(c.broker)
	if !st.OK() {
		return nil, c.fail(st)
	}
	c.state = StateDone
	return doc, Status{}
}

// State reads the current state.
func (c *Context) State() State {
	return c.state
}

// Status returns the current status. A zero Status is ok.
func (c *Context) Status() Status {
	return c.status
}

// Stats exposes the broker's observability snapshot for internal/metrics.
func (c *Context) Stats() BrokerStats {
	return c.broker.stats()
}

// Destroy invokes the variant's cleanup hook, releases the broker
// (zeroizing unwrapped key material) and releases context storage. Safe
// to call in any state, per spec §5.
func (c *Context) Destroy() {
	if c.v != nil {
		c.v.cleanup()
	}
	if c.broker != nil {
		c.broker.destroy()
	}
}
