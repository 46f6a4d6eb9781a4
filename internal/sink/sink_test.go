package sink

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ermn/tracking.go/internal/config"
	"github.com/ermn/tracking.go/tracking"

	"github.com/eclipse/paho.golang/paho"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
)

func testEnvelope() tracking.Envelope {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return tracking.NewEnvelope(42, 6.9271, 79.8612, ts, tracking.WithSpeed(12.5))
}

type fakeHashStore struct {
	mu      sync.Mutex
	hashes  map[string]map[string]any
	ttls    map[string]time.Duration
	hsetErr error
	closed  bool
}

func newFakeHashStore() *fakeHashStore {
	return &fakeHashStore{
		hashes: make(map[string]map[string]any),
		ttls:   make(map[string]time.Duration),
	}
}

func (f *fakeHashStore) HSet(ctx context.Context, key string, values ...any) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hsetErr != nil {
		cmd.SetErr(f.hsetErr)
		return cmd
	}
	h := f.hashes[key]
	if h == nil {
		h = make(map[string]any)
		f.hashes[key] = h
	}
	for i := 0; i+1 < len(values); i += 2 {
		h[values[i].(string)] = values[i+1]
	}
	cmd.SetVal(int64(len(values) / 2))
	return cmd
}

func (f *fakeHashStore) Expire(ctx context.Context, key string, ttl time.Duration) *redis.BoolCmd {
	cmd := redis.NewBoolCmd(ctx)
	f.mu.Lock()
	f.ttls[key] = ttl
	f.mu.Unlock()
	cmd.SetVal(true)
	return cmd
}

func (f *fakeHashStore) Close() error {
	f.closed = true
	return nil
}

func TestRedisSinkWritesHash(t *testing.T) {
	store := newFakeHashStore()
	s := newRedisSink("positions", store, "", 0)

	if err := s.Write(context.Background(), testEnvelope()); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	h, ok := store.hashes["tracking:booking:42"]
	if !ok {
		t.Fatalf("Expected hash tracking:booking:42, got keys %v", store.hashes)
	}
	if h["latitude"] != 6.9271 || h["longitude"] != 79.8612 {
		t.Errorf("Unexpected coordinates: %v", h)
	}
	if h["speed"] != 12.5 {
		t.Errorf("Expected speed 12.5, got %v", h["speed"])
	}
	if _, ok := h["heading"]; ok {
		t.Error("Heading should be omitted when absent")
	}
	if store.ttls["tracking:booking:42"] != 10*time.Minute {
		t.Errorf("Expected default ttl, got %v", store.ttls["tracking:booking:42"])
	}

	if err := s.Close(); err != nil || !store.closed {
		t.Errorf("Close did not close the client: %v", err)
	}
}

func TestRedisSinkError(t *testing.T) {
	store := newFakeHashStore()
	store.hsetErr = errors.New("READONLY")
	s := newRedisSink("positions", store, "eta:", time.Minute)

	err := s.Write(context.Background(), testEnvelope())
	if err == nil || !strings.Contains(err.Error(), "eta:42") {
		t.Fatalf("Expected error naming the key, got %v", err)
	}
}

type fakePublisher struct {
	mu           sync.Mutex
	published    []*paho.Publish
	disconnected bool
	awaitErr     error
}

func (f *fakePublisher) AwaitConnection(ctx context.Context) error {
	return f.awaitErr
}

func (f *fakePublisher) Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, p)
	return &paho.PublishResponse{}, nil
}

func (f *fakePublisher) Disconnect(ctx context.Context) error {
	f.disconnected = true
	return nil
}

func TestMQTTAwaitConnectionFailureDisconnects(t *testing.T) {
	pub := &fakePublisher{awaitErr: context.DeadlineExceeded}
	err := awaitConnection(context.Background(), pub)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected DeadlineExceeded, got %v", err)
	}
	if !pub.disconnected {
		t.Error("Expected the connection manager to be disconnected")
	}

	pub = &fakePublisher{}
	if err := awaitConnection(context.Background(), pub); err != nil {
		t.Fatalf("awaitConnection failed: %v", err)
	}
	if pub.disconnected {
		t.Error("Connected manager was disconnected")
	}
}

func TestMQTTSinkTopic(t *testing.T) {
	pub := &fakePublisher{}
	s := newMQTTSink("mqtt", pub, "ems/", 1)

	if err := s.Write(context.Background(), testEnvelope()); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if len(pub.published) != 1 {
		t.Fatalf("Expected 1 publish, got %d", len(pub.published))
	}
	p := pub.published[0]
	if p.Topic != "ems/tracking/42" {
		t.Errorf("Expected topic ems/tracking/42, got %s", p.Topic)
	}
	if p.QoS != 1 {
		t.Errorf("Expected QoS 1, got %d", p.QoS)
	}
	env, err := tracking.DecodeEnvelope(p.Payload)
	if err != nil {
		t.Fatalf("Payload does not decode: %v", err)
	}
	if env.BookingID != 42 {
		t.Errorf("Expected booking 42, got %d", env.BookingID)
	}

	s.Close()
	if !pub.disconnected {
		t.Error("Close should disconnect")
	}

	if got := newMQTTSink("mqtt", pub, "", 0).topic(7); got != "tracking/7" {
		t.Errorf("Expected tracking/7 without prefix, got %s", got)
	}
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaSinkKeysByBooking(t *testing.T) {
	w := &fakeWriter{}
	s := newKafkaSink("kafka", w)

	if err := s.Write(context.Background(), testEnvelope()); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(w.msgs))
	}
	if string(w.msgs[0].Key) != "42" {
		t.Errorf("Expected key 42, got %q", w.msgs[0].Key)
	}
	if _, err := tracking.DecodeEnvelope(w.msgs[0].Value); err != nil {
		t.Errorf("Value does not decode: %v", err)
	}
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	s := NewLogSink("audit", logger)

	if err := s.Write(context.Background(), testEnvelope()); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{`"sink":"audit"`, `"booking_id":42`, `"speed":12.5`} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %s in %s", want, out)
		}
	}
}

type namedSink struct {
	name string
	err  error
	got  int
}

func (n *namedSink) Name() string { return n.name }

func (n *namedSink) Write(ctx context.Context, env tracking.Envelope) error {
	n.got++
	return n.err
}

func (n *namedSink) Close() error { return nil }

func TestFanoutContinuesPastFailure(t *testing.T) {
	bad := &namedSink{name: "bad", err: errors.New("down")}
	good := &namedSink{name: "good"}
	f := NewFanout(slog.New(slog.NewTextHandler(io.Discard, nil)), bad, good)

	err := f.Write(context.Background(), testEnvelope())
	if err == nil || !strings.Contains(err.Error(), "bad: down") {
		t.Errorf("Expected joined error from bad sink, got %v", err)
	}
	if good.got != 1 {
		t.Errorf("Good sink should still receive the update, got %d", good.got)
	}
	if f.Len() != 2 {
		t.Errorf("Expected 2 sinks, got %d", f.Len())
	}
}

func TestBuildRejectsUnknownType(t *testing.T) {
	_, err := Build(context.Background(), []config.SinkConfig{
		{Name: "l", Type: "log"},
		{Name: "x", Type: "carrier-pigeon"},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if !errors.Is(err, config.ErrInvalid) {
		t.Errorf("Expected ErrInvalid, got %v", err)
	}
}

func TestBuildLogOnly(t *testing.T) {
	f, err := Build(context.Background(), []config.SinkConfig{{Type: "log"}}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if f.Len() != 1 {
		t.Errorf("Expected 1 sink, got %d", f.Len())
	}
}

func TestBuildRejectsBadQoS(t *testing.T) {
	_, err := Build(context.Background(), []config.SinkConfig{
		{Type: "mqtt", Config: map[string]string{"qos": "3"}},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if !errors.Is(err, config.ErrInvalid) {
		t.Errorf("Expected ErrInvalid, got %v", err)
	}
}
