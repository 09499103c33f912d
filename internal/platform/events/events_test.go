package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"grillmonitor/internal/history"
	"grillmonitor/internal/session"
)

type fakeWriter struct {
	got    chan kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		f.got <- m
	}
	return f.err
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func receive(t *testing.T, w *fakeWriter) (kafka.Message, Event) {
	t.Helper()
	select {
	case msg := <-w.got:
		var ev Event
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		return msg, ev
	case <-time.After(2 * time.Second):
		t.Fatal("no message written")
	}
	return kafka.Message{}, Event{}
}

func TestPublisher(t *testing.T) {
	w := &fakeWriter{got: make(chan kafka.Message, 4)}
	p := NewPublisher(w, "pit-server", nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	now := time.Date(2025, 6, 14, 12, 0, 0, 0, time.UTC)
	s := session.NewSession("cook-9", now)
	s.IsActive = true
	s.TemperatureHistory[0] = []history.Reading{{Temperature: 150, Timestamp: now}}
	s.TemperatureHistory[2] = []history.Reading{{Temperature: 40, Timestamp: now}}
	s.TemperatureHistory[3] = nil

	p.Observe(s, session.ProvenanceRemote)
	msg, ev := receive(t, w)
	if string(msg.Key) != "cook-9" {
		t.Errorf("key = %q", msg.Key)
	}
	if ev.SessionID != "cook-9" || ev.Provenance != "remote" || ev.ActiveChannels != 2 || !ev.IsActive {
		t.Errorf("event = %+v", ev)
	}
	if ev.DeviceID != "pit-server" || ev.LastSaved == nil || !ev.LastSaved.Equal(now) {
		t.Errorf("event = %+v", ev)
	}

	p.Observe(nil, session.ProvenanceLocal)
	msg, ev = receive(t, w)
	if !ev.Cleared || ev.SessionID != "cook-9" || string(msg.Key) != "cook-9" {
		t.Errorf("clear event = %+v", ev)
	}
}

func TestPublisher_write_failure_is_not_fatal(t *testing.T) {
	w := &fakeWriter{got: make(chan kafka.Message, 4), err: errors.New("broker down")}
	p := NewPublisher(w, "", nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Observe(session.NewSession("a", time.Now()), session.ProvenanceLocal)
	receive(t, w)
	p.Observe(session.NewSession("b", time.Now()), session.ProvenanceLocal)
	if _, ev := receive(t, w); ev.SessionID != "b" {
		t.Errorf("second event = %+v", ev)
	}
}

func TestPublisher_queue_full_drops(t *testing.T) {
	w := &fakeWriter{got: make(chan kafka.Message, 1)}
	p := NewPublisher(w, "", nil, nil)
	for i := 0; i < queueSize+10; i++ {
		p.Observe(session.NewSession("x", time.Now()), session.ProvenanceLocal)
	}
	if len(p.queue) != queueSize {
		t.Errorf("queue length = %d, want %d", len(p.queue), queueSize)
	}
	if err := p.Close(); err != nil || !w.closed {
		t.Errorf("Close = %v, closed %v", err, w.closed)
	}
}

func TestNewKafkaWriter(t *testing.T) {
	w := NewKafkaWriter([]string{"127.0.0.1:9092"}, "")
	if w.Topic != DefaultTopic || w.RequiredAcks != kafka.RequireOne {
		t.Errorf("writer = %+v", w)
	}
}
