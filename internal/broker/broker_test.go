package broker

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/primal-host/classroom-presence/internal/model"
	"github.com/primal-host/classroom-presence/internal/reporter"
)

// fakeBus is an in-memory UpstreamPublisher/UpstreamSubscriber: Publish
// fans a payload out to every channel Subscribe has opened for a
// matching subject, where a subscription subject ending in ".*" matches
// any concrete subject sharing its prefix (the adapter subscribes on
// "classroom.<id>.*" and publishes on "classroom.<id>.agent").
type fakeBus struct {
	mu   sync.Mutex
	subs map[string][]chan []byte
}

func newFakeBus() *fakeBus {
	return &fakeBus{subs: make(map[string][]chan []byte)}
}

func (b *fakeBus) Publish(ctx context.Context, subject string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for pattern, chans := range b.subs {
		if pattern != subject && !(strings.HasSuffix(pattern, ".*") && strings.HasPrefix(subject, strings.TrimSuffix(pattern, "*"))) {
			continue
		}
		for _, ch := range chans {
			ch <- payload
		}
	}
	return nil
}

func (b *fakeBus) Subscribe(ctx context.Context, subject string) (<-chan []byte, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan []byte, 16)
	b.subs[subject] = append(b.subs[subject], ch)
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		close(ch)
	}
	return ch, cancel, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAdapter(bus *fakeBus) *Adapter {
	return New(bus, bus, testLogger(), reporter.NewSlogReporter(testLogger()), nil)
}

func TestSubscribeAndPublishDeliversFrame(t *testing.T) {
	bus := newFakeBus()
	a := newTestAdapter(bus)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	classroom, err := model.ParseClassroomId("4b7c9b2e-6e31-4f0e-9c2a-9f6a7b2e1234")
	require.NoError(t, err)

	recv, err := a.Subscribe(context.Background(), classroom)
	require.NoError(t, err)
	defer recv.Close()

	headers := model.EventHeaders{SenderId: "agent/alice@svc"}
	err = a.Publish(context.Background(), classroom, "agent", headers, map[string]string{"operation": "entered"})
	require.NoError(t, err)

	select {
	case frame := <-recv.Frames():
		gotHeaders, payload, err := DecodeFrame(frame)
		require.NoError(t, err)
		require.Equal(t, "agent/alice@svc", gotHeaders.SenderId)
		require.Contains(t, string(payload), "entered")
	case <-time.After(time.Second):
		t.Fatal("expected a frame to be delivered")
	}
}

func TestSecondSubscribeReusesUpstreamSubscription(t *testing.T) {
	bus := newFakeBus()
	a := newTestAdapter(bus)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	classroom, err := model.ParseClassroomId("4b7c9b2e-6e31-4f0e-9c2a-9f6a7b2e1234")
	require.NoError(t, err)

	recv1, err := a.Subscribe(context.Background(), classroom)
	require.NoError(t, err)
	defer recv1.Close()

	recv2, err := a.Subscribe(context.Background(), classroom)
	require.NoError(t, err)
	defer recv2.Close()

	bus.mu.Lock()
	upstreamCount := len(bus.subs[model.BrokerWildcardSubject(classroom)])
	bus.mu.Unlock()
	require.Equal(t, 1, upstreamCount, "a second local Subscribe must not open a second upstream subscription")

	headers := model.EventHeaders{SenderId: "agent/alice@svc"}
	err = a.Publish(context.Background(), classroom, "agent", headers, map[string]string{"operation": "entered"})
	require.NoError(t, err)

	for _, recv := range []*Receiver{recv1, recv2} {
		select {
		case <-recv.Frames():
		case <-time.After(time.Second):
			t.Fatal("expected both receivers to get the frame")
		}
	}
}

func TestUnsubscribeClosesReceiverChannel(t *testing.T) {
	bus := newFakeBus()
	a := newTestAdapter(bus)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	classroom, err := model.ParseClassroomId("4b7c9b2e-6e31-4f0e-9c2a-9f6a7b2e1234")
	require.NoError(t, err)

	recv, err := a.Subscribe(context.Background(), classroom)
	require.NoError(t, err)
	recv.Close()

	select {
	case _, ok := <-recv.Frames():
		require.False(t, ok, "receiver channel should be closed after unsubscribe")
	case <-time.After(time.Second):
		t.Fatal("expected receiver channel to close")
	}
}

func TestShutdownClosesAllReceivers(t *testing.T) {
	bus := newFakeBus()
	a := newTestAdapter(bus)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	classroom, err := model.ParseClassroomId("4b7c9b2e-6e31-4f0e-9c2a-9f6a7b2e1234")
	require.NoError(t, err)

	recv, err := a.Subscribe(context.Background(), classroom)
	require.NoError(t, err)

	a.Shutdown()

	select {
	case _, ok := <-recv.Frames():
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("expected receiver channel to close on shutdown")
	}
}
