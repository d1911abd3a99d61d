package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/primal-host/classroom-presence/internal/authz"
	"github.com/primal-host/classroom-presence/internal/model"
)

// authContextKey is the echo.Context key the requireAuth middleware
// stores the validated account under.
const authContextKey = "account"

func getAccount(c echo.Context) (model.AccountId, bool) {
	a, ok := c.Get(authContextKey).(model.AccountId)
	return a, ok
}

// requireAuth validates the bearer token and stores the resulting
// AccountId on the request context.
func (p *Public) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := extractBearer(c)
		if token == "" {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error":   "unauthenticated",
				"message": "Authorization header with Bearer token is required",
			})
		}
		account, err := p.tokens.Parse(token)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error":   "unauthenticated",
				"message": "invalid or expired token",
			})
		}
		c.Set(authContextKey, account)
		return next(c)
	}
}

func extractBearer(c echo.Context) string {
	h := c.Request().Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}

// handleListAgents implements GET /api/v1/classrooms/:classroom_id/agents.
func (p *Public) handleListAgents(c echo.Context) error {
	account, _ := getAccount(c)
	classroom, err := model.ParseClassroomId(c.Param("classroom_id"))
	if err != nil {
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": "unsupported_request"})
	}

	audience := authz.ResolveAudience(p.cfg.Authz.PrefixTable, account.Audience)
	decision, err := p.authzCli.Decide(c.Request().Context(), audience, account, []string{"classrooms", classroom.String()}, "read")
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal_server_error"})
	}
	if decision == authz.Forbidden {
		return c.JSON(http.StatusForbidden, map[string]string{"error": "access_denied"})
	}

	offset := model.SessionId(0)
	if raw := c.QueryParam("sequence_id"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": "unsupported_request"})
		}
		offset = model.SessionId(n)
	}
	limit := 1000
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": "unsupported_request"})
		}
		limit = n
	}

	rows, err := p.ledger.ListAgents(c.Request().Context(), classroom, offset, limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal_server_error"})
	}

	out := make([]map[string]any, len(rows))
	for i, r := range rows {
		out[i] = map[string]any{"id": r.Id, "agent_id": r.Agent.String()}
	}
	return c.JSON(http.StatusOK, out)
}

type countAgentsRequest struct {
	ClassroomIds []string `json:"classroom_ids"`
}

// handleCountAgents implements POST /api/v1/counters/agent. Resource is
// checked at the service audience per spec §6, not the caller's own
// resolved audience.
func (p *Public) handleCountAgents(c echo.Context) error {
	account, _ := getAccount(c)

	var req countAgentsRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": "unsupported_request"})
	}

	decision, err := p.authzCli.Decide(c.Request().Context(), p.cfg.SvcAudience, account, []string{"classrooms"}, "read")
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal_server_error"})
	}
	if decision == authz.Forbidden {
		return c.JSON(http.StatusForbidden, map[string]string{"error": "access_denied"})
	}

	classrooms := make([]model.ClassroomId, 0, len(req.ClassroomIds))
	for _, raw := range req.ClassroomIds {
		id, err := model.ParseClassroomId(raw)
		if err != nil {
			return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": "unsupported_request"})
		}
		classrooms = append(classrooms, id)
	}

	counts, err := p.ledger.CountAgents(c.Request().Context(), classrooms)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal_server_error"})
	}

	out := make(map[string]int64, len(counts))
	for id, n := range counts {
		out[id.String()] = n
	}
	return c.JSON(http.StatusOK, out)
}

// --- internal listener ---------------------------------------------------------

type deleteSessionRequest struct {
	SessionKey struct {
		AgentId     string `json:"agent_id"`
		ClassroomId string `json:"classroom_id"`
	} `json:"session_key"`
}

type taggedResponse struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// handleDeleteSession implements DELETE /api/v1/sessions: the peer-side
// half of the takeover protocol. It translates directly into
// sessionmgr.Manager.Delete, per spec §4.6.
func (in *Internal) handleDeleteSession(c echo.Context) error {
	var req deleteSessionRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return c.JSON(http.StatusUnprocessableEntity, taggedResponse{Type: "delete_failure", Payload: "messaging_failed"})
	}

	agent, err := model.ParseAgentId(req.SessionKey.AgentId)
	if err != nil {
		return c.JSON(http.StatusUnprocessableEntity, taggedResponse{Type: "delete_failure", Payload: "messaging_failed"})
	}
	classroom, err := model.ParseClassroomId(req.SessionKey.ClassroomId)
	if err != nil {
		return c.JSON(http.StatusUnprocessableEntity, taggedResponse{Type: "delete_failure", Payload: "messaging_failed"})
	}

	key := model.SessionKey{Agent: agent, Classroom: classroom}
	result, err := in.sessionmgr.Delete(c.Request().Context(), key)
	if err != nil {
		return c.JSON(http.StatusUnprocessableEntity, taggedResponse{Type: "delete_failure", Payload: "messaging_failed"})
	}
	if !result.Found {
		return c.JSON(http.StatusNotFound, taggedResponse{Type: "delete_failure", Payload: "not_found"})
	}
	return c.JSON(http.StatusOK, taggedResponse{Type: "delete_success", Payload: result.SessionId})
}
