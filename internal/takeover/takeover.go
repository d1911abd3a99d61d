// Package takeover implements the takeover client: issuing the internal
// DELETE call that displaces a session on a peer replica whose IP the
// caller has already resolved from the ledger. Built on github.com/hashicorp/go-retryablehttp
// with retries explicitly disabled — this call carries no retry, since
// a displaced session must fail fast rather than linger.
package takeover

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/primal-host/classroom-presence/internal/model"
)

// Reason mirrors the peer's delete_failure payload.
type Reason string

const (
	ReasonNotFound         Reason = "not_found"
	ReasonMessagingFailed  Reason = "messaging_failed"
)

// Result is the outcome of a remote takeover attempt. Both DeleteSuccess
// and NotFound count as success per spec §4.5 — the key is no longer
// live on the peer either way.
type Result struct {
	Success   bool
	SessionId model.SessionId
	Reason    Reason
}

// Client issues DELETE /api/v1/sessions against a peer replica's
// internal listener.
type Client struct {
	http          *retryablehttp.Client
	internalPort  string
}

// NewClient builds a Client. internalPort is the port component the
// internal listener binds to on every replica (the same on all
// replicas, taken from this replica's own configuration).
func NewClient(internalPort string, timeout time.Duration) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 0
	// Every HTTP response, whatever its status, is handed back to Delete
	// for interpretation; only transport failures become errors.
	rc.CheckRetry = func(context.Context, *http.Response, error) (bool, error) { return false, nil }
	rc.Logger = nil
	rc.HTTPClient.Timeout = timeout
	return &Client{http: rc, internalPort: internalPort}
}

type deleteRequest struct {
	SessionKey sessionKeyJSON `json:"session_key"`
}

type sessionKeyJSON struct {
	AgentId     string `json:"agent_id"`
	ClassroomId string `json:"classroom_id"`
}

type taggedResponse struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Delete calls peerIP's internal listener to displace key. A single
// transport failure surfaces as an error — the caller maps that to
// InternalServerError per spec §5's no-retry policy.
func (c *Client) Delete(ctx context.Context, peerIP string, key model.SessionKey) (Result, error) {
	body, err := json.Marshal(deleteRequest{SessionKey: sessionKeyJSON{
		AgentId:     key.Agent.String(),
		ClassroomId: key.Classroom.String(),
	}})
	if err != nil {
		return Result{}, fmt.Errorf("takeover: encode request: %w", err)
	}

	url := fmt.Sprintf("http://%s:%s/api/v1/sessions", peerIP, c.internalPort)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodDelete, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("takeover: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("takeover: call peer %s: %w", peerIP, err)
	}
	defer resp.Body.Close()

	var tagged taggedResponse
	if err := json.NewDecoder(resp.Body).Decode(&tagged); err != nil {
		return Result{}, fmt.Errorf("takeover: decode response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var id int64
		if err := json.Unmarshal(tagged.Payload, &id); err != nil {
			return Result{}, fmt.Errorf("takeover: decode delete_success payload: %w", err)
		}
		return Result{Success: true, SessionId: model.SessionId(id)}, nil
	case http.StatusNotFound:
		return Result{Success: true, Reason: ReasonNotFound}, nil
	default:
		return Result{Success: false, Reason: ReasonMessagingFailed}, nil
	}
}
