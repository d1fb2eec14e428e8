// Package apiclient calls the relay's pairing HTTP API on behalf of the
// display agent and the scanner CLI.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/orderscan/screenlink/internal/errors"
	"github.com/orderscan/screenlink/internal/httputil"
	"github.com/orderscan/screenlink/internal/model"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 45 * time.Second},
	}
}

type Session struct {
	model.QRPayload
	ExpiresIn int `json:"expiresIn"`
}

type Approval struct {
	Token       string `json:"token"`
	ScreenID    string `json:"screenId"`
	DisplayName string `json:"displayName"`
	ExpiresAt   int64  `json:"expiresAt"`
}

type PollResponse struct {
	OK       bool             `json:"ok"`
	Token    string           `json:"token"`
	ScreenID string           `json:"screenId"`
	Reason   model.PollReason `json:"reason"`
	Message  string           `json:"message"`
}

// CreateSession asks the relay for a new pairing session.
func (c *Client) CreateSession(ctx context.Context, params model.CreateSessionParams) (*Session, error) {
	var out Session
	body := map[string]string{"orgId": params.OrgID, "lineId": params.LineID, "purpose": params.Purpose}
	if err := c.do(ctx, http.MethodPost, "/v1/pairing/qr", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Approve submits the pairing code. Relay failures come back as *apperrors.AppError
// carrying the relay's reason.
func (c *Client) Approve(ctx context.Context, params model.ApproveParams) (*Approval, error) {
	var out Approval
	body := map[string]string{
		"sessionId": params.SessionID,
		"code":      params.Code,
		"deviceId":  params.DeviceID,
		"orgId":     params.OrgID,
		"lineId":    params.LineID,
	}
	if err := c.do(ctx, http.MethodPost, "/v1/pairing/approve", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Poll long-polls for the session outcome for up to wait.
func (c *Client) Poll(ctx context.Context, sessionID string, wait time.Duration) (*PollResponse, error) {
	path := "/v1/pairing/" + url.PathEscape(sessionID) + "/poll"
	if seconds := int(wait.Seconds()); seconds > 0 {
		path += "?wait=" + strconv.Itoa(seconds)
	}
	var out PollResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, dst any) error {
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &payload)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var failure httputil.FailureResponse
		if err := json.NewDecoder(resp.Body).Decode(&failure); err != nil || failure.Reason == "" {
			return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
		}
		return apperrors.New(failure.Reason, failure.Message)
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
