package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/primal-host/classroom-presence/internal/config"
	"github.com/primal-host/classroom-presence/internal/model"
	"github.com/primal-host/classroom-presence/internal/sessionmgr"
)

// fakeTokenParser implements authn.TokenParser without a real validator.
type fakeTokenParser struct {
	account model.AccountId
	err     error
}

func (f fakeTokenParser) Parse(tokenStr string) (model.AccountId, error) {
	return f.account, f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRequireAuthRejectsMissingHeader(t *testing.T) {
	p := &Public{tokens: fakeTokenParser{}, cfg: &config.Config{}, logger: testLogger()}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := p.requireAuth(func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	require.NoError(t, handler(c))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAuthRejectsInvalidToken(t *testing.T) {
	p := &Public{tokens: fakeTokenParser{err: context.DeadlineExceeded}, cfg: &config.Config{}, logger: testLogger()}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer bad-token")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := p.requireAuth(func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	require.NoError(t, handler(c))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAuthPassesAccountThrough(t *testing.T) {
	account := model.AccountId{Subject: "alice", Audience: "svc"}
	p := &Public{tokens: fakeTokenParser{account: account}, cfg: &config.Config{}, logger: testLogger()}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var seen model.AccountId
	handler := p.requireAuth(func(c echo.Context) error {
		seen, _ = getAccount(c)
		return c.String(http.StatusOK, "ok")
	})
	require.NoError(t, handler(c))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, account, seen)
}

func deleteSessionBody(agentId, classroomId string) io.Reader {
	body, _ := json.Marshal(map[string]any{
		"session_key": map[string]string{"agent_id": agentId, "classroom_id": classroomId},
	})
	return strings.NewReader(string(body))
}

func TestHandleDeleteSessionNotFound(t *testing.T) {
	mgr := sessionmgr.New(nil)
	go mgr.Run(context.Background())

	in := &Internal{sessionmgr: mgr, cfg: &config.Config{}, logger: testLogger()}

	e := echo.New()
	req := httptest.NewRequest(http.MethodDelete, "/api/v1/sessions",
		deleteSessionBody("laptop/alice@svc", "4b7c9b2e-6e31-4f0e-9c2a-9f6a7b2e1234"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, in.handleDeleteSession(c))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleDeleteSessionFound(t *testing.T) {
	mgr := sessionmgr.New(nil)
	go mgr.Run(context.Background())

	classroom, err := model.ParseClassroomId("4b7c9b2e-6e31-4f0e-9c2a-9f6a7b2e1234")
	require.NoError(t, err)
	key := model.SessionKey{
		Agent:     model.AgentId{Label: "laptop", Account: model.AccountId{Subject: "alice", Audience: "svc"}},
		Classroom: classroom,
	}
	mgr.Register(key, sessionmgr.Entry{SessionId: 7, CtrlTx: make(chan sessionmgr.ControlMessage, 1)})

	in := &Internal{sessionmgr: mgr, cfg: &config.Config{}, logger: testLogger()}

	e := echo.New()
	req := httptest.NewRequest(http.MethodDelete, "/api/v1/sessions",
		deleteSessionBody(key.Agent.String(), classroom.String()))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, in.handleDeleteSession(c))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp taggedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "delete_success", resp.Type)
}

func TestHandleDeleteSessionRejectsMalformedAgentId(t *testing.T) {
	mgr := sessionmgr.New(nil)
	go mgr.Run(context.Background())

	in := &Internal{sessionmgr: mgr, cfg: &config.Config{}, logger: testLogger()}

	e := echo.New()
	req := httptest.NewRequest(http.MethodDelete, "/api/v1/sessions",
		deleteSessionBody("not-a-valid-agent-id", "4b7c9b2e-6e31-4f0e-9c2a-9f6a7b2e1234"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, in.handleDeleteSession(c))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
