package sessionmgr

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/primal-host/classroom-presence/internal/model"
)

func testKey(agent string) model.SessionKey {
	return model.SessionKey{
		Agent:     model.AgentId{Label: agent, Account: model.AccountId{Subject: "alice", Audience: "svc"}},
		Classroom: model.ClassroomId{},
	}
}

func TestTerminateNotFound(t *testing.T) {
	m := New(nil)
	go m.Run(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	result, err := m.Terminate(ctx, testKey("a1"))
	require.NoError(t, err)
	require.False(t, result.Found)
}

func TestRegisterThenTerminateSignalsControlChannel(t *testing.T) {
	var active int
	m := New(func(delta int) { active += delta })
	go m.Run(context.Background())

	key := testKey("a1")
	ctrl := make(chan ControlMessage, 1)
	m.Register(key, Entry{SessionId: 42, CtrlTx: ctrl})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	result, err := m.Terminate(ctx, key)
	require.NoError(t, err)
	require.True(t, result.Found)
	require.Equal(t, model.SessionId(42), result.SessionId)

	select {
	case msg := <-ctrl:
		require.Equal(t, ControlClose, msg)
	case <-time.After(time.Second):
		t.Fatal("expected a ControlClose on the session's control channel")
	}

	// A second Terminate for the same key is not found: the first
	// removed it from the map.
	result, err = m.Terminate(ctx, key)
	require.NoError(t, err)
	require.False(t, result.Found)
}

func TestShutdownSignalsTerminateToEveryEntry(t *testing.T) {
	m := New(nil)
	go m.Run(context.Background())

	ctrl := make(chan ControlMessage, 1)
	key := testKey("a1")
	m.Register(key, Entry{SessionId: 1, CtrlTx: ctrl})

	done := make(chan struct{})
	go func() {
		m.Shutdown(50 * time.Millisecond)
		close(done)
	}()

	select {
	case msg := <-ctrl:
		require.Equal(t, ControlTerminate, msg)
	case <-time.After(time.Second):
		t.Fatal("expected a ControlTerminate on shutdown")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Shutdown did not return after its grace period")
	}
}

func TestShutdownStillServesTerminateDuringGrace(t *testing.T) {
	m := New(nil)
	go m.Run(context.Background())

	key := testKey("peer-held")
	ctrl := make(chan ControlMessage, 1)
	m.Register(key, Entry{SessionId: 7, CtrlTx: ctrl})

	shutdownDone := make(chan struct{})
	go func() {
		m.Shutdown(200 * time.Millisecond)
		close(shutdownDone)
	}()

	// Drain the broadcast ControlTerminate so the channel isn't full.
	<-ctrl

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := m.Terminate(ctx, key)
	require.NoError(t, err)
	require.True(t, result.Found, "a peer's takeover Delete must still be served during the grace window")

	<-shutdownDone
}
