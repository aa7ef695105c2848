package mongostore

import (
	"context"
	"sync"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// FakeStore is an in-memory Store, mirroring the teacher's mockS3Client
// fake-collaborator pattern, used by tests above the mongocrypt package
// that need a key/schema store without a real bucket.
type FakeStore struct {
	mu      sync.Mutex
	schemas map[string]bson.Raw
	keyDocs []bson.Raw
}

// NewFakeStore returns an empty FakeStore.
func NewFakeStore() *FakeStore {
	return &FakeStore{schemas: make(map[string]bson.Raw)}
}

func (f *FakeStore) GetSchema(ctx context.Context, namespace string) (bson.Raw, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.schemas[namespace]
	if !ok {
		return nil, ErrNotFound
	}
	return raw, nil
}

func (f *FakeStore) PutSchema(ctx context.Context, namespace string, schema bson.Raw) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schemas[namespace] = schema
	return nil
}

func (f *FakeStore) PutKeyDocument(ctx context.Context, doc bson.Raw) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keyDocs = append(f.keyDocs, doc)
	return nil
}

func (f *FakeStore) GetKeyDocuments(ctx context.Context, filter bson.Raw) ([]bson.Raw, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids, altNames, err := criteriaFromFilter(filter)
	if err != nil {
		return nil, err
	}
	var out []bson.Raw
	for _, doc := range f.keyDocs {
		if keyDocMatches(doc, ids, altNames) {
			out = append(out, doc)
		}
	}
	return out, nil
}
