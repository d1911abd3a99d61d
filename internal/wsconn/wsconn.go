// Package wsconn implements the per-connection state machine covering
// authn, authorization, session creation (with takeover), registration,
// the steady-state select loop, and graceful exit. The upgrade,
// read-goroutine-for-disconnect-detection, and write-select-loop shape
// carries a five-source select: bus frames, client frames, the ping
// ticker, the pong-expiration timer, and the session manager's control
// channel.
package wsconn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/primal-host/classroom-presence/internal/authn"
	"github.com/primal-host/classroom-presence/internal/authz"
	"github.com/primal-host/classroom-presence/internal/broker"
	"github.com/primal-host/classroom-presence/internal/config"
	"github.com/primal-host/classroom-presence/internal/errs"
	"github.com/primal-host/classroom-presence/internal/history"
	"github.com/primal-host/classroom-presence/internal/ledger"
	"github.com/primal-host/classroom-presence/internal/metrics"
	"github.com/primal-host/classroom-presence/internal/model"
	"github.com/primal-host/classroom-presence/internal/reporter"
	"github.com/primal-host/classroom-presence/internal/sessionmgr"
	"github.com/primal-host/classroom-presence/internal/takeover"
)

// Deps bundles every collaborator a Handler needs. TokenParser and
// Authz are capability interfaces so tests can substitute fakes without
// touching Handler itself.
type Deps struct {
	TokenParser authn.TokenParser
	Authz       authz.Client
	Ledger      *ledger.Ledger
	SessionMgr  *sessionmgr.Manager
	Broker      *broker.Adapter
	Takeover    *takeover.Client
	History     *history.Mover
	ReplicaId   model.ReplicaId
	WS          config.WebsocketConfig
	AuthzCfg    config.AuthzConfig
	Logger      *slog.Logger
	Reporter    reporter.ErrorReporter
	Metrics     *metrics.Registry
}

// Handler serves one WebSocket connection end to end.
type Handler struct {
	d Deps
}

func NewHandler(d Deps) *Handler {
	return &Handler{d: d}
}

type connectRequestPayload struct {
	ClassroomId string `json:"classroom_id"`
	Token       string `json:"token"`
	AgentLabel  string `json:"agent_label"`
}

type wireIn struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// sessionKind records whether Register should publish Entered.
type sessionKind int

const (
	kindNew sessionKind = iota
	kindReplaced
)

// Serve runs the full state machine for one upgraded connection. It
// returns once the connection is fully closed; the caller (the HTTP
// handler that performed the upgrade) has nothing left to do afterward.
func (h *Handler) Serve(ctx context.Context, ws *websocket.Conn) {
	defer ws.Close()

	agent, classroom, err := h.awaitAuthn(ws)
	if err != nil {
		// A bare read failure (deadline expiry or early disconnect)
		// never reached a connect_request to fail on, so it isn't
		// counted as a handshake error.
		if u, ok := err.(*errs.Unrecoverable); !ok || u.Kind != errs.AuthTimedOut {
			h.wsConnectionError()
		}
		h.sendUnrecoverable(ws, err)
		return
	}

	sessionId, kind, err := h.authorizeAndCreate(ctx, ws, agent, classroom)
	if err != nil {
		h.wsConnectionError()
		h.sendUnrecoverable(ws, err)
		return
	}

	key := model.SessionKey{Agent: agent, Classroom: classroom}
	h.runEstablished(ctx, ws, key, sessionId, kind)
}

// --- state 0: AwaitAuthn ------------------------------------------------------

func (h *Handler) awaitAuthn(ws *websocket.Conn) (model.AgentId, model.ClassroomId, error) {
	_ = ws.SetReadDeadline(time.Now().Add(h.d.WS.AuthenticationTimeout()))
	msgType, data, err := ws.ReadMessage()
	_ = ws.SetReadDeadline(time.Time{})
	if err != nil {
		// Any read failure before a valid connect_request arrives —
		// deadline expiry or an early client disconnect — is reported
		// the same way: the handshake never completed in time.
		return model.AgentId{}, model.ClassroomId{}, errs.NewUnrecoverable(errs.AuthTimedOut)
	}
	if msgType != websocket.TextMessage {
		return model.AgentId{}, model.ClassroomId{}, errs.NewUnrecoverable(errs.UnsupportedRequest)
	}

	var msg wireIn
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "connect_request" {
		return model.AgentId{}, model.ClassroomId{}, errs.NewUnrecoverable(errs.UnsupportedRequest)
	}

	var payload connectRequestPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.AgentLabel == "" {
		return model.AgentId{}, model.ClassroomId{}, errs.NewUnrecoverable(errs.UnsupportedRequest)
	}

	classroom, err := model.ParseClassroomId(payload.ClassroomId)
	if err != nil {
		return model.AgentId{}, model.ClassroomId{}, errs.NewUnrecoverable(errs.UnsupportedRequest)
	}

	account, err := h.d.TokenParser.Parse(payload.Token)
	if err != nil {
		return model.AgentId{}, model.ClassroomId{}, errs.NewUnrecoverable(errs.Unauthenticated)
	}

	return model.AgentId{Label: payload.AgentLabel, Account: account}, classroom, nil
}

// --- state 1: Authorizing + session creation ---------------------------------

func (h *Handler) authorizeAndCreate(ctx context.Context, ws *websocket.Conn, agent model.AgentId, classroom model.ClassroomId) (model.SessionId, sessionKind, error) {
	audience := authz.ResolveAudience(h.d.AuthzCfg.PrefixTable, agent.Account.Audience)
	decideStart := time.Now()
	decision, err := h.d.Authz.Decide(ctx, audience, agent.Account, []string{"classrooms", classroom.String()}, "connect")
	if h.d.Metrics != nil {
		h.d.Metrics.AuthzTime.Observe(time.Since(decideStart).Seconds())
	}
	if err != nil {
		h.d.Reporter.Report(ctx, err)
		return 0, kindNew, errs.NewUnrecoverable(errs.InternalServerError)
	}
	if decision == authz.Forbidden {
		return 0, kindNew, errs.NewUnrecoverable(errs.AccessDenied)
	}

	return h.createSession(ctx, agent, classroom)
}

func (h *Handler) createSession(ctx context.Context, agent model.AgentId, classroom model.ClassroomId) (model.SessionId, sessionKind, error) {
	session, err := h.d.Ledger.InsertSession(ctx, agent, classroom, h.d.ReplicaId, time.Now())
	switch {
	case err == nil:
		return session.Id, kindNew, nil

	case err == ledger.ErrUniqueViolation:
		return h.takeoverExisting(ctx, agent, classroom)

	default:
		h.d.Reporter.Report(ctx, errs.NewInternal(errs.DbQueryFailed, err))
		return 0, kindNew, errs.NewUnrecoverable(errs.InternalServerError)
	}
}

// takeoverExisting tries a local takeover first, then falls back to the
// cross-replica internal endpoint.
func (h *Handler) takeoverExisting(ctx context.Context, agent model.AgentId, classroom model.ClassroomId) (model.SessionId, sessionKind, error) {
	key := model.SessionKey{Agent: agent, Classroom: classroom}

	localResult, err := h.d.SessionMgr.Terminate(ctx, key)
	if err != nil {
		return 0, kindNew, errs.NewUnrecoverable(errs.InternalServerError)
	}
	if localResult.Found {
		if h.d.Metrics != nil {
			h.d.Metrics.TakeoversTotal.Inc()
		}
		return localResult.SessionId, kindReplaced, nil
	}

	peerIP, err := h.d.Ledger.FindReplicaIpForSessionKey(ctx, key)
	if err != nil {
		h.d.Reporter.Report(ctx, errs.NewInternal(errs.DbQueryFailed, err))
		return 0, kindNew, errs.NewUnrecoverable(errs.InternalServerError)
	}

	result, err := h.d.Takeover.Delete(ctx, peerIP, key)
	if err != nil || !result.Success {
		if err != nil {
			h.d.Reporter.Report(ctx, errs.NewInternal(errs.ReceivingResponseFailed, err))
		}
		return 0, kindNew, errs.NewUnrecoverable(errs.InternalServerError)
	}

	if h.d.Metrics != nil {
		h.d.Metrics.TakeoversTotal.Inc()
	}

	// Preferred resolution per DESIGN.md: inherit the prior row in place
	// rather than re-inserting, which preserves SessionId across the
	// takeover.
	if result.SessionId != 0 {
		if err := h.d.Ledger.UpdateSessionReplica(ctx, result.SessionId, h.d.ReplicaId); err == nil {
			return result.SessionId, kindReplaced, nil
		}
	}

	session, err := h.d.Ledger.InsertSession(ctx, agent, classroom, h.d.ReplicaId, time.Now())
	if err != nil {
		h.d.Reporter.Report(ctx, errs.NewInternal(errs.DbQueryFailed, err))
		return 0, kindNew, errs.NewUnrecoverable(errs.InternalServerError)
	}
	return session.Id, kindReplaced, nil
}

// --- state 1 -> 2: Register ---------------------------------------------------

// runEstablished registers the session, runs the steady-state loop, and
// performs the exit sequence. It owns the connection from here on.
func (h *Handler) runEstablished(ctx context.Context, ws *websocket.Conn, key model.SessionKey, sessionId model.SessionId, kind sessionKind) {
	ctrlRx := make(chan sessionmgr.ControlMessage, 1)
	h.d.SessionMgr.Register(key, sessionmgr.Entry{SessionId: sessionId, CtrlTx: ctrlRx})

	if err := h.writeJSON(ws, wireOut{Type: "connect_success"}); err != nil {
		return
	}

	recv, err := h.d.Broker.Subscribe(ctx, key.Classroom)
	if err != nil {
		h.d.Reporter.Report(ctx, errs.NewInternal(errs.DbQueryFailed, err))
		h.sendUnrecoverable(ws, errs.NewUnrecoverable(errs.InternalServerError))
		h.exitSequence(ctx, key, sessionId)
		return
	}
	defer recv.Close()

	if kind == kindNew {
		h.publishAgentEvent(ctx, key, model.OperationEntered)
	}

	if h.d.Metrics != nil {
		h.d.Metrics.WSConnectionSuccess.Inc()
		h.d.Metrics.WSConnectionTotal.Inc()
		defer h.d.Metrics.WSConnectionTotal.Dec()
	}

	result := h.steadyLoop(ctx, ws, key, recv, ctrlRx)

	switch result {
	case loopReplaced:
		// The control channel already removed the map entry and the
		// successor now owns the key; no publish, no terminate, no
		// history move.
		return
	case loopTerminating:
		// Terminate was received but the loop kept serving until the
		// client itself disconnected; skip all post-loop cleanup too.
		return
	default:
		h.exitSequence(ctx, key, sessionId)
	}
}

// wsConnectionError increments the handshake-failure counter for every
// connect attempt that read a connect_request but failed to reach
// Established — an authentication timeout is not one of these (see
// Serve).
func (h *Handler) wsConnectionError() {
	if h.d.Metrics != nil {
		h.d.Metrics.WSConnectionError.Inc()
	}
}

func (h *Handler) publishAgentEvent(ctx context.Context, key model.SessionKey, op model.AgentEventOperation) {
	headers := model.EventHeaders{
		SenderId: key.Agent.String(),
		EventId:  model.EventId{EntityType: "agent", Operation: string(op)},
	}
	event := model.AgentEventV1{Operation: op, AgentId: key.Agent.String()}
	if err := h.d.Broker.Publish(ctx, key.Classroom, "agent", headers, event); err != nil {
		h.d.Reporter.Report(ctx, errs.NewInternal(errs.DbQueryFailed, err))
	}
}

// --- state 2: steady loop -----------------------------------------------------

type loopResult int

const (
	loopExitNormal loopResult = iota
	loopReplaced
	loopTerminating
)

type inboundFrame struct {
	msgType int
	data    []byte
	err     error
}

func (h *Handler) steadyLoop(ctx context.Context, ws *websocket.Conn, key model.SessionKey, recv *broker.Receiver, ctrlRx <-chan sessionmgr.ControlMessage) loopResult {
	var pingSent atomic.Bool
	connectTerminating := false

	ws.SetPongHandler(func(string) error {
		pingSent.Store(false)
		return nil
	})

	frames := make(chan inboundFrame, 8)
	go func() {
		for {
			mt, data, err := ws.ReadMessage()
			frames <- inboundFrame{msgType: mt, data: data, err: err}
			if err != nil {
				return
			}
		}
	}()

	pingTicker := time.NewTicker(h.d.WS.PingInterval())
	defer pingTicker.Stop()
	pongTimer := time.NewTimer(h.d.WS.PingInterval() + h.d.WS.PongExpirationInterval())
	defer pongTimer.Stop()

	// exitResult reports loopTerminating instead of loopExitNormal once
	// ControlTerminate has been seen, so the caller skips the post-loop
	// publish/terminate/history-move — the replica is shutting down, and
	// its shutdown sweep (MoveAllSessions) moves the ledger row instead.
	exitResult := func() loopResult {
		if connectTerminating {
			return loopTerminating
		}
		return loopExitNormal
	}

	for {
		select {
		case frame := <-recv.Frames():
			if h.deliverBusFrame(ws, key, frame) {
				continue
			}
			return exitResult()

		case in := <-frames:
			if in.err != nil {
				if websocket.IsCloseError(in.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return exitResult()
				}
				h.d.Logger.Info("connection read error", slog.String("key", key.String()), slog.Any("error", in.err))
				return exitResult()
			}
			if in.msgType == websocket.CloseMessage {
				return exitResult()
			}
			// Other data frames are ignored.

		case <-pingTicker.C:
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return exitResult()
			}
			pingSent.Store(true)
			if !pongTimer.Stop() {
				select {
				case <-pongTimer.C:
				default:
				}
			}
			pongTimer.Reset(h.d.WS.PongExpirationInterval())

		case <-pongTimer.C:
			if pingSent.Load() {
				h.sendUnrecoverable(ws, errs.NewUnrecoverable(errs.PongTimedOut))
				return exitResult()
			}

		case ctrl := <-ctrlRx:
			switch ctrl {
			case sessionmgr.ControlClose:
				h.sendUnrecoverable(ws, errs.NewUnrecoverable(errs.Replaced))
				return loopReplaced
			case sessionmgr.ControlTerminate:
				h.sendRecoverable(ws)
				connectTerminating = true
			}
		}
	}
}

// deliverBusFrame decodes and (selectively) forwards one frame from the
// broker to the client. Returns false if the send failed and the loop
// should break.
func (h *Handler) deliverBusFrame(ws *websocket.Conn, key model.SessionKey, frame []byte) bool {
	headers, payload, err := broker.DecodeFrame(frame)
	if err != nil {
		h.d.Logger.Warn("dropping malformed broker frame", slog.Any("error", err))
		return true
	}
	if headers.Internal {
		return true
	}
	self := key.Agent.String()
	if headers.SenderId == self {
		return true
	}
	if headers.ReceiverId != "" && headers.ReceiverId != self {
		return true
	}

	out := struct {
		Id      model.EventId   `json:"id"`
		Payload json.RawMessage `json:"payload"`
	}{Id: headers.EventId, Payload: payload}

	if err := h.writeJSON(ws, out); err != nil {
		return false
	}
	return true
}

// --- exit sequence -------------------------------------------------------------

func (h *Handler) exitSequence(ctx context.Context, key model.SessionKey, sessionId model.SessionId) {
	h.publishAgentEvent(ctx, key, model.OperationLeft)

	if _, err := h.d.SessionMgr.Terminate(ctx, key); err != nil {
		h.d.Reporter.Report(ctx, errs.NewInternal(errs.ShutdownFailed, err))
	}

	if _, err := h.d.History.MoveSingleSession(ctx, sessionId); err != nil {
		h.d.Reporter.Report(ctx, errs.NewInternal(errs.MovingSessionToHistoryFailed, err))
	}
}

// --- wire helpers ---------------------------------------------------------------

type wireOut struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

func (h *Handler) writeJSON(ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wsconn: marshal: %w", err)
	}
	return ws.WriteMessage(websocket.TextMessage, data)
}

func (h *Handler) sendUnrecoverable(ws *websocket.Conn, err error) {
	u := errs.ToUnrecoverable(err)
	_ = h.writeJSON(ws, wireOut{
		Type: "unrecoverable_session_error",
		Payload: map[string]any{
			"status": u.Kind.Status(),
			"kind":   u.Kind,
			"title":  u.Title,
		},
	})
}

func (h *Handler) sendRecoverable(ws *websocket.Conn) {
	_ = h.writeJSON(ws, wireOut{
		Type: "recoverable_session_error",
		Payload: map[string]any{
			"status": 422,
			"kind":   errs.Terminated,
			"title":  string(errs.Terminated),
		},
	})
}
