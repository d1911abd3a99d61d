package takeover

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/primal-host/classroom-presence/internal/model"
)

func testKey() model.SessionKey {
	return model.SessionKey{
		Agent:     model.AgentId{Label: "laptop", Account: model.AccountId{Subject: "alice", Audience: "svc"}},
		Classroom: model.ClassroomId{},
	}
}

// splitHostPort pulls apart an httptest.Server URL so Delete can be
// pointed at the fake peer's host and port the way it would a real one.
func splitHostPort(t *testing.T, rawURL string) (host, port string) {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	host, port, err = net.SplitHostPort(u.Host)
	require.NoError(t, err)
	return host, port
}

func TestDeleteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		var req deleteRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "laptop/alice@svc", req.SessionKey.AgentId)

		payload, _ := json.Marshal(int64(99))
		resp, _ := json.Marshal(taggedResponse{Type: "delete_success", Payload: payload})
		w.Write(resp)
	}))
	defer srv.Close()

	host, port := splitHostPort(t, srv.URL)
	client := NewClient(port, time.Second)

	result, err := client.Delete(t.Context(), host, testKey())
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, model.SessionId(99), result.SessionId)
}

func TestDeleteNotFoundStillCountsAsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp, _ := json.Marshal(taggedResponse{Type: "delete_failure", Payload: json.RawMessage(`"not_found"`)})
		w.WriteHeader(http.StatusNotFound)
		w.Write(resp)
	}))
	defer srv.Close()

	host, port := splitHostPort(t, srv.URL)
	client := NewClient(port, time.Second)

	result, err := client.Delete(t.Context(), host, testKey())
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, ReasonNotFound, result.Reason)
}

func TestDeleteMessagingFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp, _ := json.Marshal(taggedResponse{Type: "delete_failure", Payload: json.RawMessage(`"messaging_failed"`)})
		w.WriteHeader(http.StatusInternalServerError)
		w.Write(resp)
	}))
	defer srv.Close()

	host, port := splitHostPort(t, srv.URL)
	client := NewClient(port, time.Second)

	result, err := client.Delete(t.Context(), host, testKey())
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, ReasonMessagingFailed, result.Reason)
}
