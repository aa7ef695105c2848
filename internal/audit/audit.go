// Package audit records encrypt/decrypt/KMS operations for compliance
// review, carried forward from the teacher's internal/audit regardless
// of the core's Non-goals (SPEC_FULL.md §1: ambient concerns are
// carried even when a Non-goal excludes the outer surface that would
// normally own them).
package audit

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// EventType represents the type of audit event.
type EventType string

const (
	// EventTypeEncrypt represents a Finalize call on an encrypt context.
	EventTypeEncrypt EventType = "encrypt"
	// EventTypeDecrypt represents a Finalize call on a decrypt context.
	EventTypeDecrypt EventType = "decrypt"
	// EventTypeKMSRoundTrip represents one broker entry's KMS subcontext
	// completing, successfully or not.
	EventTypeKMSRoundTrip EventType = "kms_round_trip"
	// EventTypeAccess represents a general HTTP access to the pump
	// server.
	EventTypeAccess EventType = "access"
)

// Event represents a single audit log event.
type Event struct {
	Timestamp  time.Time              `json:"timestamp"`
	EventType  EventType              `json:"event_type"`
	Operation  string                 `json:"operation"`
	Namespace  string                 `json:"namespace,omitempty"`
	KeyID      string                 `json:"key_id,omitempty"`
	Provider   string                 `json:"provider,omitempty"`
	ClientIP   string                 `json:"client_ip,omitempty"`
	RequestID  string                 `json:"request_id,omitempty"`
	Success    bool                   `json:"success"`
	Error      string                 `json:"error,omitempty"`
	Duration   time.Duration          `json:"duration_ms"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Logger is the interface for audit logging.
type Logger interface {
	Log(event *Event)

	// LogEncrypt logs a completed encrypt context.
	LogEncrypt(namespace string, success bool, err error, duration time.Duration, metadata map[string]interface{})

	// LogDecrypt logs a completed decrypt context.
	LogDecrypt(namespace string, success bool, err error, duration time.Duration, metadata map[string]interface{})

	// LogKMSRoundTrip logs one broker entry's KMS subcontext completing.
	LogKMSRoundTrip(keyID, provider string, success bool, err error, duration time.Duration)

	// LogAccess logs a general HTTP access.
	LogAccess(namespace, clientIP, requestID string, success bool, err error, duration time.Duration)

	// Events returns a snapshot of buffered events (for inspection/testing).
	Events() []*Event
}

// EventWriter is an interface for writing audit events to an external
// sink (file, syslog, a SIEM forwarder).
type EventWriter interface {
	WriteEvent(event *Event) error
}

type auditLogger struct {
	mu        sync.Mutex
	events    []*Event
	maxEvents int
	writer    EventWriter
}

// NewLogger creates a new audit logger that buffers up to maxEvents
// events in memory and, if writer is non-nil, forwards each event to it
// as well.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	if writer == nil {
		writer = &stdoutWriter{}
	}
	return &auditLogger{
		events:    make([]*Event, 0, maxEvents),
		maxEvents: maxEvents,
		writer:    writer,
	}
}

func (l *auditLogger) Log(event *Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer != nil {
		_ = l.writer.WriteEvent(event)
	}

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}
}

func (l *auditLogger) LogEncrypt(namespace string, success bool, err error, duration time.Duration, metadata map[string]interface{}) {
	event := &Event{
		Timestamp: time.Now(),
		EventType: EventTypeEncrypt,
		Operation: "encrypt",
		Namespace: namespace,
		Success:   success,
		Duration:  duration,
		Metadata:  metadata,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

func (l *auditLogger) LogDecrypt(namespace string, success bool, err error, duration time.Duration, metadata map[string]interface{}) {
	event := &Event{
		Timestamp: time.Now(),
		EventType: EventTypeDecrypt,
		Operation: "decrypt",
		Namespace: namespace,
		Success:   success,
		Duration:  duration,
		Metadata:  metadata,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

func (l *auditLogger) LogKMSRoundTrip(keyID, provider string, success bool, err error, duration time.Duration) {
	event := &Event{
		Timestamp: time.Now(),
		EventType: EventTypeKMSRoundTrip,
		Operation: "kms_round_trip",
		KeyID:     keyID,
		Provider:  provider,
		Success:   success,
		Duration:  duration,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

func (l *auditLogger) LogAccess(namespace, clientIP, requestID string, success bool, err error, duration time.Duration) {
	event := &Event{
		Timestamp: time.Now(),
		EventType: EventTypeAccess,
		Operation: "access",
		Namespace: namespace,
		ClientIP:  clientIP,
		RequestID: requestID,
		Success:   success,
		Duration:  duration,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// Events returns a copy of the buffered events, preventing external
// callers from mutating the logger's internal buffer.
func (l *auditLogger) Events() []*Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	events := make([]*Event, len(l.events))
	copy(events, l.events)
	return events
}

// stdoutWriter is the default EventWriter, writing each event to stdout
// as a JSON line.
type stdoutWriter struct{}

func (w *stdoutWriter) WriteEvent(event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: failed to marshal event: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
