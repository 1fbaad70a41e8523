package eventsink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"

	xerrors "PluginHub/internal/errors"
	"PluginHub/pkg/plugin"
)

type failingPublisher struct {
	mu    sync.Mutex
	calls int
}

func (p *failingPublisher) Publish(context.Context, []byte) error {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return errors.New("broker down")
}

func (p *failingPublisher) Close() error { return nil }

func TestForwarderDeliversBusEvents(t *testing.T) {
	t.Parallel()
	bus := plugin.NewBus(nil)
	sink := NewMemorySink(10)
	fwd := NewForwarder(sink, WithSource("test-node"), WithBuffer(16))
	fwd.Start(bus)

	bus.Publish(plugin.EventPluginInstalled, "barcode", map[string]any{"version": "1.0.0"})
	bus.Publish(plugin.EventPluginEnabled, "barcode", nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := fwd.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	var names []string
	for _, evt := range sink.Recent(0) {
		names = append(names, evt.Name)
	}
	if diff := cmp.Diff([]string{plugin.EventPluginEnabled, plugin.EventPluginInstalled}, names); diff != "" {
		t.Fatalf("recent events mismatch (-want +got):\n%s", diff)
	}

	// 停止后的事件不再投递。
	bus.Publish(plugin.EventPluginDisabled, "barcode", nil)
	if got := len(sink.Recent(0)); got != 2 {
		t.Fatalf("expected 2 events after stop, got %d", got)
	}
}

func TestForwarderCountsFailures(t *testing.T) {
	t.Parallel()
	bus := plugin.NewBus(nil)
	pub := &failingPublisher{}
	fwd := NewForwarder(pub)
	fwd.Start(bus)
	bus.Publish(plugin.EventPluginInstallFailed, "x", map[string]any{"code": "LOAD_FAILED"})
	if err := fwd.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, failed := fwd.Stats(); failed != 1 || pub.calls != 1 {
		t.Fatalf("failed=%d calls=%d", failed, pub.calls)
	}
}

func TestForwarderStopWithoutStart(t *testing.T) {
	t.Parallel()
	fwd := NewForwarder(NewMemorySink(1))
	if err := fwd.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	fwd.Start(plugin.NewBus(nil))
}

func TestMemorySinkRing(t *testing.T) {
	t.Parallel()
	sink := NewMemorySink(2)
	ctx := context.Background()
	for _, name := range []string{"a", "b", "c"} {
		raw, err := Encode("n", plugin.Event{Name: name})
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if err := sink.Publish(ctx, raw); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	got := sink.Recent(5)
	if len(got) != 2 || got[0].Name != "c" || got[1].Name != "b" {
		t.Fatalf("unexpected ring contents %+v", got)
	}
	_ = sink.Close()
	if err := sink.Publish(ctx, []byte("{}")); err == nil {
		t.Fatal("publish after close should fail")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	t.Parallel()
	raw, err := Encode("node-1", plugin.Event{ID: "e1", Name: plugin.EventPluginUpdated, PluginID: "p"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	env, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Source != "node-1" || env.Event.ID != "e1" || env.Event.PluginID != "p" {
		t.Fatalf("unexpected envelope %+v", env)
	}
	if _, err := Decode([]byte("nope")); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestOpenDrivers(t *testing.T) {
	t.Parallel()
	pub, err := Open(Config{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, ok := pub.(*MemorySink); !ok {
		t.Fatalf("expected memory sink, got %T", pub)
	}
	if _, err := Open(Config{Driver: "kafka"}); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if _, err := Open(Config{Driver: "rabbitmq"}); err == nil {
		t.Fatal("rabbitmq without URL should fail")
	}
}

func TestRedisSinkDefaultsAndMessageShape(t *testing.T) {
	t.Parallel()
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	s := newRedisSink(client, RedisConfig{MaxLen: 100})
	if s.queue != "pluginhub:events" || s.maxLen != 100 {
		t.Fatalf("unexpected redis sink %+v", s)
	}
	msg := publishing([]byte(`{"a":1}`))
	if msg.ContentType != "application/json" || msg.DeliveryMode != 2 {
		t.Fatalf("unexpected amqp message %+v", msg)
	}
}
