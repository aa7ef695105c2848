package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditLogger_LogEncrypt(t *testing.T) {
	logger := NewLogger(100, nil)

	logger.LogEncrypt("db.coll", true, nil, 100*time.Millisecond, nil)

	events := logger.Events()
	require.Len(t, events, 1)
	assert.Equal(t, EventTypeEncrypt, events[0].EventType)
	assert.Equal(t, "db.coll", events[0].Namespace)
	assert.True(t, events[0].Success)
}

func TestAuditLogger_LogDecrypt(t *testing.T) {
	logger := NewLogger(100, nil)

	logger.LogDecrypt("db.coll", true, nil, 50*time.Millisecond, nil)

	events := logger.Events()
	require.Len(t, events, 1)
	assert.Equal(t, EventTypeDecrypt, events[0].EventType)
}

func TestAuditLogger_LogKMSRoundTrip(t *testing.T) {
	logger := NewLogger(100, nil)

	logger.LogKMSRoundTrip("cmk-1", "aws", true, nil, 10*time.Millisecond)

	events := logger.Events()
	require.Len(t, events, 1)
	assert.Equal(t, EventTypeKMSRoundTrip, events[0].EventType)
	assert.Equal(t, "cmk-1", events[0].KeyID)
	assert.Equal(t, "aws", events[0].Provider)
}

func TestAuditLogger_MaxEvents(t *testing.T) {
	logger := NewLogger(5, nil)

	for i := 0; i < 10; i++ {
		logger.LogEncrypt("db.coll", true, nil, time.Millisecond, nil)
	}

	assert.Len(t, logger.Events(), 5)
}

func TestAuditLogger_LogError(t *testing.T) {
	logger := NewLogger(100, nil)

	err := &testError{msg: "test error"}
	logger.LogEncrypt("db.coll", false, err, time.Millisecond, nil)

	events := logger.Events()
	require.Len(t, events, 1)
	assert.False(t, events[0].Success)
	assert.Equal(t, "test error", events[0].Error)
}

type testError struct {
	msg string
}

func (e *testError) Error() string {
	return e.msg
}
