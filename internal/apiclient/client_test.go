package apiclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/orderscan/screenlink/internal/errors"
	"github.com/orderscan/screenlink/internal/httputil"
	"github.com/orderscan/screenlink/internal/model"
)

const sessionID = "7c9e6679-7425-40de-944b-e07fc1f90ae7"

func newStubRelay(t *testing.T) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()

	r.Post("/v1/pairing/qr", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"sessionId": sessionID,
			"code":      "123456",
			"wsUrl":     "ws://relay.test/ws",
			"orgId":     body["orgId"],
			"expiresIn": 180,
		})
	})
	r.Post("/v1/pairing/approve", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["code"] != "123456" {
			httputil.WriteError(w, apperrors.InvalidCode())
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"ok": true, "token": "display-token", "screenId": "screen:org-1:line-a",
		})
	})
	r.Get("/v1/pairing/{sessionId}/poll", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("wait") != "5" {
			httputil.WriteJSON(w, http.StatusOK, map[string]any{"ok": false, "reason": "timeout"})
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"ok": true, "token": "controller-token", "screenId": "screen:org-1:line-a",
		})
	})
	r.Get("/broken", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_CreateSession(t *testing.T) {
	c := New(newStubRelay(t).URL + "/")

	sess, err := c.CreateSession(context.Background(), model.CreateSessionParams{OrgID: "org-1", LineID: "line-a"})

	require.NoError(t, err)
	assert.Equal(t, sessionID, sess.SessionID)
	assert.Equal(t, "123456", sess.Code)
	assert.Equal(t, "org-1", sess.OrgID)
	assert.Equal(t, 180, sess.ExpiresIn)
}

func TestClient_Approve(t *testing.T) {
	c := New(newStubRelay(t).URL)

	t.Run("success", func(t *testing.T) {
		approval, err := c.Approve(context.Background(), model.ApproveParams{SessionID: sessionID, Code: "123456"})
		require.NoError(t, err)
		assert.Equal(t, "display-token", approval.Token)
		assert.Equal(t, "screen:org-1:line-a", approval.ScreenID)
	})

	t.Run("relay reason is preserved", func(t *testing.T) {
		_, err := c.Approve(context.Background(), model.ApproveParams{SessionID: sessionID, Code: "000000"})
		require.Error(t, err)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidCode))
	})
}

func TestClient_Poll(t *testing.T) {
	c := New(newStubRelay(t).URL)

	pending, err := c.Poll(context.Background(), sessionID, 0)
	require.NoError(t, err)
	assert.False(t, pending.OK)
	assert.Equal(t, model.PollReasonTimeout, pending.Reason)

	approved, err := c.Poll(context.Background(), sessionID, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, approved.OK)
	assert.Equal(t, "controller-token", approved.Token)
}

func TestClient_UnexpectedStatus(t *testing.T) {
	c := New(newStubRelay(t).URL)

	err := c.do(context.Background(), http.MethodGet, "/broken", nil, &struct{}{})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 502")
}
