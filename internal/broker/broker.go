// Package broker implements the broker adapter: one upstream
// subscription per classroom regardless of local subscriber count, fan
// out to local receivers over a broadcast channel, and structured
// publish. The subscriber-map-plus-broadcast shape is a single-owner
// actor generalized to N per-classroom subscriptions over the
// Redis-backed UpstreamSubscriber in bus.go.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/primal-host/classroom-presence/internal/model"
	"github.com/primal-host/classroom-presence/internal/reporter"
)

// idleTimeout is the age, counted from the subscription's creation, past
// which Cleanup tears down a classroom subscription that has no receivers.
const idleTimeout = 10 * time.Minute

// envelope is the wire format exchanged with the bus: headers travel
// alongside the JSON payload rather than as separate transport-level
// metadata, since the UpstreamPublisher/Subscriber contract carries
// opaque bytes only.
type envelope struct {
	SenderId   string          `json:"sender_id"`
	ReceiverId string          `json:"receiver_id,omitempty"`
	Internal   bool            `json:"internal"`
	EventId    model.EventId   `json:"event_id"`
	Payload    json.RawMessage `json:"payload"`
}

// Receiver is a per-session handle returned by Subscribe. Frames carries
// raw envelope bytes as delivered from the upstream subscription; the
// connection handler decodes it.
type Receiver struct {
	ch     chan []byte
	cancel func()
}

func (r *Receiver) Frames() <-chan []byte { return r.ch }
func (r *Receiver) Close()                { r.cancel() }

// entry tracks one classroom's upstream subscription and its local
// receivers. Owned exclusively by the actor loop.
type entry struct {
	subs           map[*Receiver]struct{}
	createdAt      time.Time
	cancelUpstream func()
}

// Adapter is the C3 single-owner actor. All mutation of the
// classroom->entry map happens inside run(); external callers only ever
// touch it via the command channel.
type Adapter struct {
	bus       UpstreamSubscriber
	publisher UpstreamPublisher
	logger    *slog.Logger
	reporter  reporter.ErrorReporter

	cmds chan any

	activeGauge func(delta int)
	seq         atomic.Uint64
}

type subscribeCmd struct {
	classroom model.ClassroomId
	reply     chan subscribeResult
}

type subscribeResult struct {
	receiver *Receiver
	err      error
}

type unsubscribeCmd struct {
	classroom model.ClassroomId
	receiver  *Receiver
}

type deliverCmd struct {
	classroom model.ClassroomId
	frame     []byte
}

type upstreamEndedCmd struct {
	classroom model.ClassroomId
}

type cleanupCmd struct{}

type shutdownCmd struct {
	done chan struct{}
}

// New creates an Adapter. activeGauge, if non-nil, is called with +1/-1
// as classroom subscriptions open and close, feeding
// internal/metrics.Registry.BrokerSubs.
func New(bus UpstreamSubscriber, publisher UpstreamPublisher, logger *slog.Logger, rep reporter.ErrorReporter, activeGauge func(delta int)) *Adapter {
	return &Adapter{
		bus:         bus,
		publisher:   publisher,
		logger:      logger,
		reporter:    rep,
		cmds:        make(chan any, 4096),
		activeGauge: activeGauge,
	}
}

// Run executes the actor loop until ctx is cancelled or Shutdown is
// called. It also drives the periodic idle-cleanup tick.
func (a *Adapter) Run(ctx context.Context) {
	entries := make(map[model.ClassroomId]*entry)
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.shutdownAll(entries)
			return

		case <-ticker.C:
			a.cleanup(entries)

		case raw := <-a.cmds:
			switch cmd := raw.(type) {
			case subscribeCmd:
				cmd.reply <- a.handleSubscribe(ctx, entries, cmd.classroom)

			case unsubscribeCmd:
				a.handleUnsubscribe(entries, cmd.classroom, cmd.receiver)

			case deliverCmd:
				a.handleDeliver(entries, cmd.classroom, cmd.frame)

			case upstreamEndedCmd:
				delete(entries, cmd.classroom)

			case cleanupCmd:
				a.cleanup(entries)

			case shutdownCmd:
				a.shutdownAll(entries)
				close(cmd.done)
				return
			}
		}
	}
}

// Subscribe returns a Receiver for classroom. If an upstream
// subscription for classroom is already open, a new receiver is added to
// it, whether or not it still has other receivers; otherwise a fresh
// upstream subscription is opened.
func (a *Adapter) Subscribe(ctx context.Context, classroom model.ClassroomId) (*Receiver, error) {
	reply := make(chan subscribeResult, 1)
	select {
	case a.cmds <- subscribeCmd{classroom: classroom, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.receiver, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cleanup requests an out-of-band idle sweep, in addition to the
// periodic one Run already performs.
func (a *Adapter) Cleanup() { a.cmds <- cleanupCmd{} }

// Shutdown tears down every upstream subscription and blocks until done.
func (a *Adapter) Shutdown() {
	done := make(chan struct{})
	a.cmds <- shutdownCmd{done: done}
	<-done
}

// Publish serializes event and publishes it with the given headers.
// sequence is a locally-assigned monotonic counter used only for the
// client-visible EventId; it carries no cross-replica ordering
// guarantee.
func (a *Adapter) Publish(ctx context.Context, classroom model.ClassroomId, entityType string, headers model.EventHeaders, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("broker: marshal event: %w", err)
	}

	headers.EventId.Sequence = a.seq.Add(1)
	env := envelope{
		SenderId:   headers.SenderId,
		ReceiverId: headers.ReceiverId,
		Internal:   headers.Internal,
		EventId:    headers.EventId,
		Payload:    payload,
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("broker: marshal envelope: %w", err)
	}

	subject := model.BrokerSubject(classroom, entityType)
	if err := a.publisher.Publish(ctx, subject, frame); err != nil {
		return fmt.Errorf("broker: publish: %w", err)
	}
	return nil
}

// DecodeFrame parses a raw frame delivered to a Receiver back into its
// headers and payload.
func DecodeFrame(frame []byte) (model.EventHeaders, json.RawMessage, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return model.EventHeaders{}, nil, fmt.Errorf("broker: decode frame: %w", err)
	}
	return model.EventHeaders{
		SenderId:   env.SenderId,
		ReceiverId: env.ReceiverId,
		Internal:   env.Internal,
		EventId:    env.EventId,
	}, env.Payload, nil
}

func (a *Adapter) handleSubscribe(ctx context.Context, entries map[model.ClassroomId]*entry, classroom model.ClassroomId) subscribeResult {
	e, ok := entries[classroom]
	if ok {
		recv := a.newReceiver(classroom)
		e.subs[recv] = struct{}{}
		return subscribeResult{receiver: recv}
	}

	subject := model.BrokerWildcardSubject(classroom)
	upstream, cancelUpstream, err := a.bus.Subscribe(ctx, subject)
	if err != nil {
		return subscribeResult{err: fmt.Errorf("broker: open upstream subscription: %w", err)}
	}

	e = &entry{
		subs:           make(map[*Receiver]struct{}),
		createdAt:      time.Now(),
		cancelUpstream: cancelUpstream,
	}
	recv := a.newReceiver(classroom)
	e.subs[recv] = struct{}{}
	entries[classroom] = e
	if a.activeGauge != nil {
		a.activeGauge(1)
	}

	go a.forward(classroom, upstream)

	return subscribeResult{receiver: recv}
}

func (a *Adapter) newReceiver(classroom model.ClassroomId) *Receiver {
	recv := &Receiver{ch: make(chan []byte, 64)}
	recv.cancel = func() {
		a.cmds <- unsubscribeCmd{classroom: classroom, receiver: recv}
	}
	return recv
}

// forward relays upstream messages into the actor as deliverCmds,
// keeping the subscriber map single-owner even though the upstream read
// happens on its own goroutine, one per active classroom subscription.
func (a *Adapter) forward(classroom model.ClassroomId, upstream <-chan []byte) {
	for frame := range upstream {
		a.cmds <- deliverCmd{classroom: classroom, frame: frame}
	}
	a.cmds <- upstreamEndedCmd{classroom: classroom}
}

func (a *Adapter) handleUnsubscribe(entries map[model.ClassroomId]*entry, classroom model.ClassroomId, recv *Receiver) {
	e, ok := entries[classroom]
	if !ok {
		return
	}
	if _, ok := e.subs[recv]; ok {
		delete(e.subs, recv)
		close(recv.ch)
	}
}

func (a *Adapter) handleDeliver(entries map[model.ClassroomId]*entry, classroom model.ClassroomId, frame []byte) {
	e, ok := entries[classroom]
	if !ok {
		return
	}
	for recv := range e.subs {
		select {
		case recv.ch <- frame:
		default:
			a.logger.Warn("dropping frame for slow broker receiver", slog.String("classroom", classroom.String()))
		}
	}
}

func (a *Adapter) cleanup(entries map[model.ClassroomId]*entry) {
	now := time.Now()
	for classroom, e := range entries {
		if len(e.subs) == 0 && now.Sub(e.createdAt) > idleTimeout {
			e.cancelUpstream()
			delete(entries, classroom)
			if a.activeGauge != nil {
				a.activeGauge(-1)
			}
		}
	}
}

func (a *Adapter) shutdownAll(entries map[model.ClassroomId]*entry) {
	for classroom, e := range entries {
		e.cancelUpstream()
		for recv := range e.subs {
			close(recv.ch)
		}
		delete(entries, classroom)
	}
}
