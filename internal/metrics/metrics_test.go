package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/kenneth/mongocrypt-go/mongocrypt"
)

func TestRecordContext_SuccessDoesNotIncrementErrors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg)

	m.RecordContext("encrypt_auto", 5*time.Millisecond, mongocrypt.Status{})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.contextsTotal.WithLabelValues("encrypt_auto")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.contextErrors.WithLabelValues("encrypt_auto", "client")))
}

func TestRecordContext_FailureIncrementsErrorsByKind(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg)

	st := mongocrypt.Status{Kind: mongocrypt.StatusKMSError, Message: "boom"}
	m.RecordContext("decrypt", time.Millisecond, st)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.contextErrors.WithLabelValues("decrypt", "kms")))
}

func TestRecordKMSRoundTrip(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg)

	m.RecordKMSRoundTrip("aws", time.Millisecond)
	m.RecordKMSRoundTrip("aws", time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.kmsRoundTripsTotal.WithLabelValues("aws")))
}

func TestRecordBrokerStats(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg)

	m.RecordBrokerStats(mongocrypt.BrokerStats{Requested: 3, Resolved: 2, KMSRoundTrips: 2})

	assert.Equal(t, 3.0, testutil.ToFloat64(m.brokerEntriesRequested))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.brokerEntriesResolved))
}
