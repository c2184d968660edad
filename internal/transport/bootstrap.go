package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"PresentCoach/internal/protocol"
)

var errEmptySessionID = errors.New("server returned empty session_id")

// ConnectError 建立通道失败
type ConnectError struct {
	Stage     string // bootstrap 或 dial
	SessionID string
	Err       error
}

func (e *ConnectError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("transport: %s failed for session %s: %v", e.Stage, e.SessionID, e.Err)
	}
	return fmt.Sprintf("transport: %s failed: %v", e.Stage, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// StartSession 请求服务端分配会话ID
func StartSession(ctx context.Context, client *http.Client, baseURL string) (string, error) {
	endpoint := strings.TrimRight(baseURL, "/") + "/api/live/session/start"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("build start request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("start session request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("failed to start session: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out protocol.StartSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode start response failed: %w", err)
	}
	if out.SessionID == "" {
		return "", errEmptySessionID
	}

	return out.SessionID, nil
}

// StopSession 通知服务端结束会话
func StopSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	endpoint := fmt.Sprintf("%s/api/live/session/%s/stop",
		strings.TrimRight(baseURL, "/"), url.PathEscape(sessionID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build stop request failed: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("stop session request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("failed to stop session: status %d", resp.StatusCode)
	}
	return nil
}

// WebSocketURL 由服务端地址推导通道地址，http→ws，https→wss
func WebSocketURL(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}

	if u.Path == "" {
		u.Path = "/"
	}
	u = u.JoinPath("api", "live", "ws", sessionID)
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
