package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/MrWong99/micarray/internal/events"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func doneToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeClient struct {
	open         bool
	token        paho.Token
	pubs         []published
	disconnected bool
}

func (c *fakeClient) Publish(topic string, qos byte, _ bool, payload any) paho.Token {
	c.pubs = append(c.pubs, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return c.token
}
func (c *fakeClient) IsConnectionOpen() bool { return c.open }
func (c *fakeClient) Disconnect(uint)        { c.disconnected = true }

func TestTopic(t *testing.T) {
	t.Parallel()
	if got := Topic("micarray/{device_id}/hotword", "kitchen"); got != "micarray/kitchen/hotword" {
		t.Errorf("Topic = %q", got)
	}
	if got := Topic("micarray/hotword", "kitchen"); got != "micarray/hotword" {
		t.Errorf("Topic = %q", got)
	}
}

func TestPublish(t *testing.T) {
	t.Parallel()
	c := &fakeClient{open: true, token: doneToken(nil)}
	s := newSink(c, Config{Topic: "mics/{device_id}"})

	e := events.Event{DeviceID: "hall", Keyword: 2, Seq: 9}
	if err := s.Publish(context.Background(), e); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(c.pubs) != 1 {
		t.Fatalf("got %d publishes", len(c.pubs))
	}
	p := c.pubs[0]
	if p.topic != "mics/hall" || p.qos != 1 {
		t.Errorf("topic=%q qos=%d", p.topic, p.qos)
	}
	var got events.Event
	if err := json.Unmarshal(p.payload, &got); err != nil {
		t.Fatal(err)
	}
	if got.Keyword != 2 || got.Seq != 9 {
		t.Errorf("payload = %+v", got)
	}

	if err := s.Close(); err != nil || !c.disconnected {
		t.Errorf("Close: err=%v disconnected=%v", err, c.disconnected)
	}
}

func TestPublishErrors(t *testing.T) {
	t.Parallel()
	brokerErr := errors.New("not authorized")

	if err := newSink(&fakeClient{}, Config{}).Publish(context.Background(), events.Event{}); err == nil {
		t.Error("expected error while disconnected")
	}

	s := newSink(&fakeClient{open: true, token: doneToken(brokerErr)}, Config{})
	if err := s.Publish(context.Background(), events.Event{}); !errors.Is(err, brokerErr) {
		t.Errorf("Publish = %v, want %v", err, brokerErr)
	}

	pending := &fakeToken{done: make(chan struct{})}
	s = newSink(&fakeClient{open: true, token: pending}, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Publish(ctx, events.Event{}); !errors.Is(err, context.Canceled) {
		t.Errorf("Publish = %v, want context.Canceled", err)
	}
}
