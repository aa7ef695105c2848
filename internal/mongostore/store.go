// Package mongostore stands in for the MongoDB collections the
// mongocrypt core talks to indirectly: collection info (the
// encryptedFieldsMap/JSON-Schema the driver would normally ask
// mongocryptd or the server for) and the datakeys collection. This
// retrieval pack carries no MongoDB driver, so both are backed here by
// an S3-compatible bucket, adapted from the teacher's internal/s3
// client (PutObject/GetObject/ListObjects survive; multipart and batch
// operations, which have no analogue for small JSON/BSON documents, do
// not).
package mongostore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/kenneth/mongocrypt-go/internal/config"
)

// ErrNotFound is returned when a requested schema or key document does
// not exist in the backing bucket.
var ErrNotFound = errors.New("mongostore: not found")

const (
	schemaPrefix = "schema/"
	keyPrefix    = "keys/"
)

// Store serves the collection-info, markings and key-document lookups
// a real MongoDB deployment would answer for the core's
// NEED_MONGO_COLLINFO, NEED_MONGO_MARKINGS and NEED_MONGO_KEYS states.
type Store interface {
	// GetSchema returns the stored schema document for namespace,
	// the response mongoFeedCollInfo expects.
	GetSchema(ctx context.Context, namespace string) (bson.Raw, error)

	// PutSchema stores (or replaces) the schema document for namespace.
	PutSchema(ctx context.Context, namespace string, schema bson.Raw) error

	// GetKeyDocuments returns every key document whose _id or
	// keyAltNames entry is named by filter, the $or-of-$in document
	// Context.MongoOp produces in NEED_MONGO_KEYS.
	GetKeyDocuments(ctx context.Context, filter bson.Raw) ([]bson.Raw, error)

	// PutKeyDocument stores a newly-created datakey document.
	PutKeyDocument(ctx context.Context, doc bson.Raw) error
}

// bucketStore implements Store against a single S3-compatible bucket.
type bucketStore struct {
	client *s3.Client
	bucket string
}

// NewStore creates a bucket-backed Store from cfg.
func NewStore(cfg *config.BackendConfig, bucket string) (Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("mongostore: failed to load AWS config: %w", err)
	}

	var opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return &bucketStore{
		client: s3.NewFromConfig(awsCfg, opts...),
		bucket: bucket,
	}, nil
}

func (s *bucketStore) GetSchema(ctx context.Context, namespace string) (bson.Raw, error) {
	return s.getObject(ctx, schemaPrefix+namespace+".bson")
}

func (s *bucketStore) PutSchema(ctx context.Context, namespace string, schema bson.Raw) error {
	return s.putObject(ctx, schemaPrefix+namespace+".bson", schema)
}

func (s *bucketStore) PutKeyDocument(ctx context.Context, doc bson.Raw) error {
	var envelope struct {
		ID bson.Binary `bson:"_id"`
	}
	if err := bson.Unmarshal(doc, &envelope); err != nil {
		return fmt.Errorf("mongostore: key document missing _id: %w", err)
	}
	id, err := uuid.FromBytes(envelope.ID.Data)
	if err != nil {
		return fmt.Errorf("mongostore: key document _id is not a UUID: %w", err)
	}
	return s.putObject(ctx, keyPrefix+id.String()+".bson", doc)
}

// GetKeyDocuments lists every object under keys/ and returns the ones
// matching filter. The bucket stands in for a handful of datakeys, not
// a queryable collection, so this is a linear scan rather than a real
// index lookup.
func (s *bucketStore) GetKeyDocuments(ctx context.Context, filter bson.Raw) ([]bson.Raw, error) {
	ids, altNames, err := criteriaFromFilter(filter)
	if err != nil {
		return nil, err
	}

	out := &s3.ListObjectsV2Input{Bucket: aws.String(s.bucket), Prefix: aws.String(keyPrefix)}
	result, err := s.client.ListObjectsV2(ctx, out)
	if err != nil {
		return nil, fmt.Errorf("mongostore: failed to list key documents: %w", err)
	}

	var docs []bson.Raw
	for _, obj := range result.Contents {
		raw, err := s.getObject(ctx, aws.ToString(obj.Key))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if keyDocMatches(raw, ids, altNames) {
			docs = append(docs, raw)
		}
	}
	return docs, nil
}

func (s *bucketStore) getObject(ctx context.Context, key string) (bson.Raw, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("mongostore: failed to get %s: %w", key, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("mongostore: failed to read %s: %w", key, err)
	}
	return bson.Raw(data), nil
}

func (s *bucketStore) putObject(ctx context.Context, key string, doc bson.Raw) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(doc),
	})
	if err != nil {
		return fmt.Errorf("mongostore: failed to put %s: %w", key, err)
	}
	return nil
}

// criteriaFromFilter unpacks the $or-of-$in shape keyBroker.filter
// builds: {"$or": [{"_id": {"$in": [...]}}, {"keyAltNames": {"$in": [...]}}]}.
func criteriaFromFilter(filter bson.Raw) (ids []uuid.UUID, altNames []string, err error) {
	var doc struct {
		Or []bson.Raw `bson:"$or"`
	}
	if err := bson.Unmarshal(filter, &doc); err != nil {
		return nil, nil, fmt.Errorf("mongostore: malformed key filter: %w", err)
	}
	for _, clause := range doc.Or {
		var idClause struct {
			ID struct {
				In []bson.Binary `bson:"$in"`
			} `bson:"_id"`
		}
		if err := bson.Unmarshal(clause, &idClause); err == nil && len(idClause.ID.In) > 0 {
			for _, b := range idClause.ID.In {
				if id, err := uuid.FromBytes(b.Data); err == nil {
					ids = append(ids, id)
				}
			}
			continue
		}
		var nameClause struct {
			AltNames struct {
				In []string `bson:"$in"`
			} `bson:"keyAltNames"`
		}
		if err := bson.Unmarshal(clause, &nameClause); err == nil {
			altNames = append(altNames, nameClause.AltNames.In...)
		}
	}
	return ids, altNames, nil
}

func keyDocMatches(raw bson.Raw, ids []uuid.UUID, altNames []string) bool {
	var doc struct {
		ID          bson.Binary `bson:"_id"`
		KeyAltNames []string    `bson:"keyAltNames"`
	}
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return false
	}
	if id, err := uuid.FromBytes(doc.ID.Data); err == nil {
		for _, want := range ids {
			if want == id {
				return true
			}
		}
	}
	for _, name := range doc.KeyAltNames {
		for _, want := range altNames {
			if strings.EqualFold(name, want) {
				return true
			}
		}
	}
	return false
}
