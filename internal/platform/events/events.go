// Package events publishes cook-session change notifications to Kafka so
// other services can follow a cook without polling /session.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"grillmonitor/internal/platform/logger"
	"grillmonitor/internal/platform/metrics"
	"grillmonitor/internal/session"
)

// DefaultTopic receives session change events.
const DefaultTopic = "grill.session.changes"

const (
	queueSize    = 64
	writeTimeout = 5 * time.Second
)

// MessageWriter is the part of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter returns a synchronous writer for topic acknowledged by the
// partition leader.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	if topic == "" {
		topic = DefaultTopic
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
}

// Event describes one change of the current session.
type Event struct {
	SessionID      string     `json:"sessionId"`
	Provenance     string     `json:"provenance"`
	LastSaved      *time.Time `json:"lastSaved,omitempty"`
	DeviceID       string     `json:"deviceId,omitempty"`
	ActiveChannels int        `json:"activeChannels"`
	IsActive       bool       `json:"isActive"`
	Cleared        bool       `json:"cleared,omitempty"`
	EmittedAt      time.Time  `json:"emittedAt"`
}

// Publisher turns session observer callbacks into Kafka messages keyed by
// session id. Callbacks only enqueue; Run does the writing.
type Publisher struct {
	w        MessageWriter
	deviceID string
	queue    chan Event
	log      *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu     sync.Mutex
	lastID string
}

// NewPublisher returns a Publisher writing to w. log and m may be nil.
func NewPublisher(w MessageWriter, deviceID string, log *slog.Logger, m *metrics.Metrics) *Publisher {
	if log == nil {
		log = logger.Discard()
	}
	return &Publisher{
		w:        w,
		deviceID: deviceID,
		queue:    make(chan Event, queueSize),
		log:      log.With(slog.String("component", "events")),
		metrics:  m,
		now:      time.Now,
	}
}

// Observe matches session.Observer. A full queue drops the event.
func (p *Publisher) Observe(s *session.Session, prov session.Provenance) {
	ev := Event{Provenance: string(prov), DeviceID: p.deviceID, EmittedAt: p.now()}

	p.mu.Lock()
	if s == nil {
		ev.SessionID = p.lastID
		ev.Cleared = true
	} else {
		ev.SessionID = s.ID
		saved := s.LastSaved
		ev.LastSaved = &saved
		ev.ActiveChannels = activeChannels(s)
		ev.IsActive = s.IsActive
		p.lastID = s.ID
	}
	p.mu.Unlock()

	select {
	case p.queue <- ev:
	default:
		p.metrics.IncErrors()
		p.log.Warn("event queue full, dropping", slog.String("session_id", ev.SessionID))
	}
}

// Run writes queued events until ctx is done.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.queue:
			p.write(ctx, ev)
		}
	}
}

// Close closes the underlying writer.
func (p *Publisher) Close() error {
	return p.w.Close()
}

func (p *Publisher) write(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("encode event failed", slog.String("error", err.Error()))
		return
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	msg := kafka.Message{Key: []byte(ev.SessionID), Value: payload, Time: ev.EmittedAt}
	if err := p.w.WriteMessages(wctx, msg); err != nil {
		p.metrics.IncErrors()
		p.log.Warn("publish session event failed",
			slog.String("session_id", ev.SessionID),
			slog.String("error", err.Error()))
		return
	}
	p.log.Debug("session event published",
		slog.String("session_id", ev.SessionID),
		slog.String("provenance", ev.Provenance))
}

func activeChannels(s *session.Session) int {
	n := 0
	for _, h := range s.TemperatureHistory {
		if len(h) > 0 {
			n++
		}
	}
	return n
}
