package sensors

import (
	"testing"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func TestNewMQTTSource(t *testing.T) {
	if _, err := NewMQTTSource(MQTTOptions{}, NewFeed(nil, nil, nil, nil), nil, nil); err == nil {
		t.Error("expected error without broker")
	}
	src, err := NewMQTTSource(MQTTOptions{Broker: "tcp://127.0.0.1:1883"}, NewFeed(nil, nil, nil, nil), nil, nil)
	if err != nil {
		t.Fatalf("NewMQTTSource: %v", err)
	}
	if src.topic != DefaultMQTTTopic {
		t.Errorf("topic = %q", src.topic)
	}
	if src.client.IsConnected() {
		t.Error("client connected before Start")
	}
}

func TestMQTTSource_handle(t *testing.T) {
	feed := NewFeed(nil, nil, nil, nil)
	src, err := NewMQTTSource(MQTTOptions{Broker: "tcp://127.0.0.1:1883", Topic: "bbq/probes"}, feed, nil, nil)
	if err != nil {
		t.Fatalf("NewMQTTSource: %v", err)
	}

	src.handle(nil, fakeMessage{topic: "bbq/probes", payload: []byte(`{"currentTemp":12}`)})
	if got, _ := feed.slot.Latest(); got != nil {
		t.Fatalf("invalid payload accepted: %+v", got)
	}

	src.handle(nil, fakeMessage{topic: "bbq/probes", payload: []byte(`[{"id":2,"currentTemp":48}]`)})
	got, _ := feed.slot.Latest()
	if len(got) != 1 || got[0].CurrentTemp != 48 {
		t.Errorf("slot = %+v", got)
	}
}
