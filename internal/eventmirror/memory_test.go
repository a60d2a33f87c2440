package eventmirror

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/edlsh/amp-acp/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

func collect(t *testing.T, bus Bus, subject string) <-chan *Event {
	t.Helper()
	ch := make(chan *Event, 16)
	_, err := bus.Subscribe(subject, func(ctx context.Context, e *Event) error {
		ch <- e
		return nil
	})
	require.NoError(t, err)
	return ch
}

func waitEvent(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestMemoryBusDeliversToSubscriber(t *testing.T) {
	bus := NewMemoryBus(testLogger(t))
	defer bus.Close()

	ch := collect(t, bus, "ampacp.session.s1.tool_call")
	err := bus.Publish(context.Background(), "ampacp.session.s1.tool_call",
		NewEvent(TypeNotification, "test", map[string]any{"k": "v"}))
	require.NoError(t, err)

	e := waitEvent(t, ch)
	require.Equal(t, TypeNotification, e.Type)
	require.Equal(t, "v", e.Data["k"])
	require.NotEmpty(t, e.ID)
	require.False(t, e.Timestamp.IsZero())
}

func TestMemoryBusWildcardPatterns(t *testing.T) {
	bus := NewMemoryBus(testLogger(t))
	defer bus.Close()

	star := collect(t, bus, "ampacp.session.*.tool_call")
	tail := collect(t, bus, "ampacp.>")

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, "ampacp.session.abc.tool_call", NewEvent("a", "test", nil)))
	require.NoError(t, bus.Publish(ctx, "ampacp.breaker", NewEvent("b", "test", nil)))

	// The star pattern matches only the tool_call subject.
	e := waitEvent(t, star)
	require.Equal(t, "a", e.Type)
	select {
	case extra := <-star:
		t.Fatalf("unexpected extra delivery: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}

	// The tail pattern matches both.
	types := map[string]bool{}
	types[waitEvent(t, tail).Type] = true
	types[waitEvent(t, tail).Type] = true
	require.True(t, types["a"] && types["b"])
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	bus := NewMemoryBus(testLogger(t))
	defer bus.Close()

	ch := make(chan *Event, 1)
	sub, err := bus.Subscribe("x.y", func(ctx context.Context, e *Event) error {
		ch <- e
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())

	require.NoError(t, bus.Publish(context.Background(), "x.y", NewEvent("t", "test", nil)))
	select {
	case e := <-ch:
		t.Fatalf("unexpected delivery after unsubscribe: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusClose(t *testing.T) {
	bus := NewMemoryBus(testLogger(t))
	require.True(t, bus.IsConnected())

	bus.Close()
	require.False(t, bus.IsConnected())

	err := bus.Publish(context.Background(), "x", NewEvent("t", "test", nil))
	require.Error(t, err)

	_, err = bus.Subscribe("x", func(ctx context.Context, e *Event) error { return nil })
	require.Error(t, err)
}
