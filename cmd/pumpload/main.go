// cmd/pumpload drives many independent mongocrypt.Context pump loops
// concurrently, one goroutine per worker, each building a fresh Context
// for every document it drives, to demonstrate
// that distinct contexts never share mutable state: no Context, no
// KMSContext and no broker entry is ever touched from more than one
// goroutine. Adapted from the teacher's cmd/loadtest worker-pool/QPS
// throttle shape, redirected from HTTP range/multipart requests against
// a running gateway to in-process encrypt/decrypt round trips against a
// shared, read-only *mongocrypt.Crypt handle.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/kenneth/mongocrypt-go/internal/hostkms"
	"github.com/kenneth/mongocrypt-go/internal/mongostore"
	"github.com/kenneth/mongocrypt-go/mongocrypt"
)

func main() {
	var (
		workers    = flag.Int("workers", 8, "Number of concurrent worker goroutines")
		duration   = flag.Duration("duration", 10*time.Second, "Test duration")
		qps        = flag.Int("qps", 50, "Queries per second per worker")
		namespace  = flag.String("namespace", "loadtest.documents", "Namespace to encrypt against")
		fieldCount = flag.Int("fields", 3, "Number of schema-marked fields per document")
		verbose    = flag.Bool("verbose", false, "Enable verbose logging")
	)
	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	masterKey := make([]byte, 32)
	if _, err := rand.Read(masterKey); err != nil {
		log.Fatalf("failed to generate local master key: %v", err)
	}

	crypt, st := mongocrypt.NewCrypt(mongocrypt.CryptOpts{LocalMasterKey: masterKey})
	if !st.OK() {
		log.Fatalf("failed to initialize mongocrypt handle: %s", st.Message)
	}
	defer crypt.Destroy()

	store := mongostore.NewFakeStore()
	router := hostkms.NewRouter()
	router.Register(mongocrypt.ProviderLocal, hostkms.LocalDialer{})

	fieldNames, err := seedSchema(crypt, store, *namespace, *fieldCount)
	if err != nil {
		log.Fatalf("failed to seed schema: %v", err)
	}

	fmt.Println("=== mongocrypt Pump Load Test ===")
	fmt.Printf("Namespace: %s\n", *namespace)
	fmt.Printf("Workers: %d\n", *workers)
	fmt.Printf("QPS per worker: %d\n", *qps)
	fmt.Printf("Duration: %v\n", *duration)
	fmt.Printf("Fields per document: %d\n", *fieldCount)
	fmt.Println()

	results := runLoadTest(loadTestConfig{
		Workers:    *workers,
		Duration:   *duration,
		QPS:        *qps,
		Namespace:  *namespace,
		FieldNames: fieldNames,
		Crypt:      crypt,
		Store:      store,
		Router:     router,
		Logger:     logger,
	})

	printResults(results)

	if results.FailedRequests > 0 {
		os.Exit(1)
	}
}

// seedSchema registers one schema field per name, each pointing at a
// freshly minted local-provider datakey, and returns the field names.
func seedSchema(crypt *mongocrypt.Crypt, store mongostore.Store, namespace string, fieldCount int) ([]string, error) {
	ctx := context.Background()
	fieldNames := make([]string, fieldCount)
	type schemaField struct {
		Path  string      `bson:"path"`
		KeyID bson.Binary `bson:"keyId"`
	}
	fields := make([]schemaField, fieldCount)

	for i := 0; i < fieldCount; i++ {
		name := fmt.Sprintf("field%d", i)
		fieldNames[i] = name

		keyID := uuid.New()
		keyMaterial, st := mongocrypt.NewLocalDataKeyMaterial(crypt)
		if !st.OK() {
			return nil, fmt.Errorf("generating key material: %s", st.Message)
		}

		keyDoc, err := bson.Marshal(bson.D{
			{Key: "_id", Value: bson.Binary{Subtype: 0x04, Data: keyID[:]}},
			{Key: "keyAltNames", Value: bson.A{}},
			{Key: "masterKey", Value: bson.D{{Key: "provider", Value: "local"}}},
			{Key: "keyMaterial", Value: keyMaterial},
			{Key: "creationDate", Value: bson.DateTime(0)},
			{Key: "updateDate", Value: bson.DateTime(0)},
			{Key: "status", Value: int32(1)},
			{Key: "version", Value: int64(0)},
		})
		if err != nil {
			return nil, err
		}
		if err := store.PutKeyDocument(ctx, keyDoc); err != nil {
			return nil, fmt.Errorf("storing key document: %w", err)
		}

		fields[i] = schemaField{Path: name, KeyID: bson.Binary{Subtype: 0x04, Data: keyID[:]}}
	}

	schema, err := bson.Marshal(bson.D{{Key: "schema", Value: fields}})
	if err != nil {
		return nil, err
	}
	if err := store.PutSchema(ctx, namespace, schema); err != nil {
		return nil, fmt.Errorf("storing schema: %w", err)
	}
	return fieldNames, nil
}

type loadTestConfig struct {
	Workers    int
	Duration   time.Duration
	QPS        int
	Namespace  string
	FieldNames []string
	Crypt      *mongocrypt.Crypt
	Store      mongostore.Store
	Router     *hostkms.Router
	Logger     *logrus.Logger
}

type loadTestResults struct {
	Duration           time.Duration
	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
	AvgLatency         time.Duration
	P50Latency         time.Duration
	P95Latency         time.Duration
	P99Latency         time.Duration
	MinLatency         time.Duration
	MaxLatency         time.Duration
	Throughput         float64
}

// runLoadTest launches cfg.Workers goroutines, each ticking at cfg.QPS
// and driving one brand-new *mongocrypt.Context to completion per tick.
// Every goroutine owns its Context exclusively: only cfg.Crypt (read-only
// after construction) and cfg.Store/cfg.Router (both internally
// synchronized) are shared.
func runLoadTest(cfg loadTestConfig) *loadTestResults {
	results := &loadTestResults{MinLatency: time.Hour}

	var wg sync.WaitGroup
	var latencies []time.Duration
	var latenciesMu sync.Mutex

	interval := time.Second / time.Duration(cfg.QPS)
	if interval <= 0 {
		interval = time.Millisecond
	}

	stop := make(chan struct{})
	start := time.Now()

	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()

			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			seq := 0
			for {
				select {
				case <-stop:
					return
				case <-ticker.C:
					reqStart := time.Now()
					err := encryptDecryptRoundTrip(cfg, workerID, seq)
					latency := time.Since(reqStart)
					seq++

					atomic.AddInt64(&results.TotalRequests, 1)
					if err != nil {
						atomic.AddInt64(&results.FailedRequests, 1)
						cfg.Logger.WithError(err).WithField("worker", workerID).Debug("round trip failed")
						continue
					}
					atomic.AddInt64(&results.SuccessfulRequests, 1)

					latenciesMu.Lock()
					latencies = append(latencies, latency)
					if latency < results.MinLatency {
						results.MinLatency = latency
					}
					if latency > results.MaxLatency {
						results.MaxLatency = latency
					}
					latenciesMu.Unlock()
				}
			}
		}(i)
	}

	time.Sleep(cfg.Duration)
	close(stop)
	wg.Wait()

	results.Duration = time.Since(start)
	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		results.AvgLatency = averageLatency(latencies)
		results.P50Latency = percentileLatency(latencies, 0.5)
		results.P95Latency = percentileLatency(latencies, 0.95)
		results.P99Latency = percentileLatency(latencies, 0.99)
	}
	if results.Duration > 0 {
		results.Throughput = float64(results.TotalRequests) / results.Duration.Seconds()
	}
	return results
}

// encryptDecryptRoundTrip builds one document, encrypts it via a fresh
// Context, then decrypts the result via another fresh Context. Neither
// Context is shared outside this call.
func encryptDecryptRoundTrip(cfg loadTestConfig, workerID, seq int) error {
	doc := bson.D{{Key: "worker", Value: workerID}, {Key: "seq", Value: seq}}
	for _, name := range cfg.FieldNames {
		doc = append(doc, bson.E{Key: name, Value: fmt.Sprintf("value-%d-%d", workerID, seq)})
	}
	document, err := bson.Marshal(doc)
	if err != nil {
		return err
	}

	ctx := context.Background()

	encCtx, st := mongocrypt.NewEncryptAutoContext(cfg.Crypt, cfg.Namespace, document)
	if !st.OK() {
		return st
	}
	defer encCtx.Destroy()

	if st := pump(ctx, cfg, encCtx); !st.OK() {
		return st
	}
	encrypted, st := encCtx.Finalize()
	if !st.OK() {
		return st
	}

	decCtx, st := mongocrypt.NewDecryptContext(cfg.Crypt, encrypted)
	if !st.OK() {
		return st
	}
	defer decCtx.Destroy()

	if st := pump(ctx, cfg, decCtx); !st.OK() {
		return st
	}
	_, st = decCtx.Finalize()
	if !st.OK() {
		return st
	}
	return nil
}

// pump drives c from its current state to STATE_READY/NOTHING_TO_DO,
// the same loop shape internal/api.Handler.pump uses against the
// pump server's real mongostore/hostkms collaborators.
func pump(ctx context.Context, cfg loadTestConfig, c *mongocrypt.Context) mongocrypt.Status {
	for {
		switch c.State() {
		case mongocrypt.StateNeedMongoCollInfo:
			raw, st := c.MongoOp()
			if !st.OK() {
				return st
			}
			var req struct {
				Namespace string `bson:"namespace"`
			}
			if err := bson.Unmarshal(raw, &req); err != nil {
				return mongocrypt.Status{Kind: mongocrypt.StatusClientError, Message: err.Error()}
			}
			schema, err := cfg.Store.GetSchema(ctx, req.Namespace)
			if err != nil {
				return mongocrypt.Status{Kind: mongocrypt.StatusClientError, Message: err.Error()}
			}
			if st := c.MongoFeed(schema); !st.OK() {
				return st
			}
			if st := c.MongoDone(); !st.OK() {
				return st
			}
		case mongocrypt.StateNeedMongoMarkings:
			if st := feedMarkings(c); !st.OK() {
				return st
			}
		case mongocrypt.StateNeedMongoKeys:
			filter, st := c.MongoOp()
			if !st.OK() {
				return st
			}
			docs, err := cfg.Store.GetKeyDocuments(ctx, filter)
			if err != nil {
				return mongocrypt.Status{Kind: mongocrypt.StatusClientError, Message: err.Error()}
			}
			for _, doc := range docs {
				if st := c.MongoFeed(doc); !st.OK() {
					return st
				}
			}
			if st := c.MongoDone(); !st.OK() {
				return st
			}
		case mongocrypt.StateNeedKMS:
			if st := cfg.Router.DrainKMS(ctx, c, nil); !st.OK() {
				return st
			}
		case mongocrypt.StateReady, mongocrypt.StateNothingToDo:
			return mongocrypt.Status{}
		default:
			return c.Status()
		}
	}
}

type markingsSchemaField struct {
	Path  string      `bson:"path"`
	KeyID bson.Binary `bson:"keyId"`
}

func feedMarkings(c *mongocrypt.Context) mongocrypt.Status {
	raw, st := c.MongoOp()
	if !st.OK() {
		return st
	}
	var req struct {
		Schema   []markingsSchemaField `bson:"schema"`
		Document bson.Raw              `bson:"document"`
	}
	if err := bson.Unmarshal(raw, &req); err != nil {
		return mongocrypt.Status{Kind: mongocrypt.StatusClientError, Message: err.Error()}
	}
	var doc bson.D
	if err := bson.Unmarshal(req.Document, &doc); err != nil {
		return mongocrypt.Status{Kind: mongocrypt.StatusClientError, Message: err.Error()}
	}
	present := make(map[string]struct{}, len(doc))
	for _, elem := range doc {
		present[elem.Key] = struct{}{}
	}
	var marked []markingsSchemaField
	for _, f := range req.Schema {
		if _, ok := present[f.Path]; ok {
			marked = append(marked, f)
		}
	}
	resp, err := bson.Marshal(struct {
		MarkedFields []markingsSchemaField `bson:"markedFields"`
	}{MarkedFields: marked})
	if err != nil {
		return mongocrypt.Status{Kind: mongocrypt.StatusClientError, Message: err.Error()}
	}
	if st := c.MongoFeed(resp); !st.OK() {
		return st
	}
	return c.MongoDone()
}

func averageLatency(latencies []time.Duration) time.Duration {
	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	return total / time.Duration(len(latencies))
}

func percentileLatency(sorted []time.Duration, percentile float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	index := int(float64(len(sorted)-1) * percentile)
	return sorted[index]
}

func printResults(r *loadTestResults) {
	fmt.Printf("\n=== Pump Load Test Results ===\n")
	fmt.Printf("Duration: %v\n", r.Duration)
	fmt.Printf("Total Requests: %d\n", r.TotalRequests)
	fmt.Printf("Successful: %d\n", r.SuccessfulRequests)
	fmt.Printf("Failed: %d\n", r.FailedRequests)
	fmt.Printf("Throughput: %.2f round-trips/s\n", r.Throughput)
	fmt.Printf("Latency (avg): %v\n", r.AvgLatency)
	fmt.Printf("Latency (p50): %v\n", r.P50Latency)
	fmt.Printf("Latency (p95): %v\n", r.P95Latency)
	fmt.Printf("Latency (p99): %v\n", r.P99Latency)
	fmt.Printf("Min Latency: %v\n", r.MinLatency)
	fmt.Printf("Max Latency: %v\n", r.MaxLatency)
	fmt.Printf("==============================\n\n")
}
