// Package authz defines the authorization client contract used by the
// connection handler and the roster/counter HTTP endpoints: a thin
// JSON-body HTTP caller behind a capability interface.
package authz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/primal-host/classroom-presence/internal/config"
	"github.com/primal-host/classroom-presence/internal/model"
)

// Decision is the outcome of an authorization call.
type Decision int

const (
	Allowed Decision = iota
	Forbidden
)

// Client is the capability interface consulted for every connect and
// every roster/counter request. Production code is backed by
// HTTPClient; tests substitute a fake.
type Client interface {
	Decide(ctx context.Context, audience string, account model.AccountId, resource []string, action string) (Decision, error)
}

// HTTPClient calls an external authorization service over HTTP.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

func NewHTTPClient(cfg config.AuthzConfig) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout()},
	}
}

type decideRequest struct {
	Audience string   `json:"audience"`
	Subject  string   `json:"subject"`
	Resource []string `json:"resource"`
	Action   string   `json:"action"`
}

type decideResponse struct {
	Allowed bool `json:"allowed"`
}

// Decide calls POST <base>/decide and interprets the response. Any
// transport or decode failure is returned as a plain error — callers
// are responsible for mapping that to AccessDenied vs InternalServerError
// per the propagation policy (authz "forbidden" is a clean Decision
// value, not an error).
func (c *HTTPClient) Decide(ctx context.Context, audience string, account model.AccountId, resource []string, action string) (Decision, error) {
	body, err := json.Marshal(decideRequest{
		Audience: audience,
		Subject:  account.Subject,
		Resource: resource,
		Action:   action,
	})
	if err != nil {
		return Forbidden, fmt.Errorf("authz: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/decide", bytes.NewReader(body))
	if err != nil {
		return Forbidden, fmt.Errorf("authz: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Forbidden, fmt.Errorf("authz: call authorization service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return Forbidden, nil
	}
	if resp.StatusCode != http.StatusOK {
		return Forbidden, fmt.Errorf("authz: unexpected status %d", resp.StatusCode)
	}

	var dr decideResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return Forbidden, fmt.Errorf("authz: decode response: %w", err)
	}
	if !dr.Allowed {
		return Forbidden, nil
	}
	return Allowed, nil
}

// ResolveAudience implements a longest-known-suffix match over
// '.'-separated audience segments: the prefix table is searched for the
// longest matching suffix of rawAudience. Falls back to the raw
// audience when nothing matches.
func ResolveAudience(prefixTable []config.AuthzPrefixEntry, rawAudience string) string {
	best := ""
	bestLen := -1
	for _, entry := range prefixTable {
		if matchesSuffix(rawAudience, entry.Suffix) && len(entry.Suffix) > bestLen {
			best = entry.Audience
			bestLen = len(entry.Suffix)
		}
	}
	if bestLen < 0 {
		return rawAudience
	}
	return best
}

// matchesSuffix reports whether audience ends with suffix on a
// '.'-segment boundary (so "example.com" matches suffix "example.com"
// and "dev.example.com" but not "badexample.com").
func matchesSuffix(audience, suffix string) bool {
	if audience == suffix {
		return true
	}
	return strings.HasSuffix(audience, "."+suffix)
}
