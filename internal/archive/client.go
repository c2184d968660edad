package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"PresentCoach/internal/feedback"
	"PresentCoach/internal/protocol"
)

var ErrMissingSessionID = errors.New("archive: session id is required")

// CredentialProvider 提供保存请求使用的访问令牌
type CredentialProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticCredentials 固定令牌
type StaticCredentials string

// Token 实现 CredentialProvider
func (s StaticCredentials) Token(context.Context) (string, error) {
	return string(s), nil
}

// CredentialFunc 函数形式的 CredentialProvider
type CredentialFunc func(ctx context.Context) (string, error)

// Token 实现 CredentialProvider
func (f CredentialFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// HTTPError 服务端返回非成功状态
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("archive: server returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("archive: server returned status %d: %s", e.StatusCode, e.Message)
}

// Record 保存请求体
type Record struct {
	SessionID string             `json:"session_id"`
	Timestamp time.Time          `json:"timestamp"`
	Feedback  *feedback.Feedback `json:"feedback"`
}

// Client 会话存档客户端
type Client struct {
	baseURL    string
	creds      CredentialProvider
	httpClient *http.Client
}

// Option 客户端选项
type Option func(*Client)

// WithHTTPClient 使用自定义HTTP客户端
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout 设置请求超时
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient = &http.Client{Timeout: d}
	}
}

// New 创建存档客户端，creds 为空时不附带认证头
func New(baseURL string, creds CredentialProvider, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		creds:      creds,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Save POST /api/live/sessions
func (c *Client) Save(ctx context.Context, sessionID string, recordedAt time.Time, fb *feedback.Feedback) error {
	if sessionID == "" {
		return ErrMissingSessionID
	}

	body, err := json.Marshal(Record{
		SessionID: sessionID,
		Timestamp: recordedAt,
		Feedback:  fb,
	})
	if err != nil {
		return fmt.Errorf("archive: encode record: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/live/sessions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("archive: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if c.creds != nil {
		token, err := c.creds.Token(ctx)
		if err != nil {
			return fmt.Errorf("archive: get credentials: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("archive: save request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeHTTPError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	slog.Debug("archive: session saved", "session_id", sessionID, "status", resp.StatusCode)
	return nil
}

func decodeHTTPError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var payload protocol.ErrorPayload
	msg := strings.TrimSpace(string(raw))
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != "" {
		msg = payload.Error
	}
	return &HTTPError{StatusCode: resp.StatusCode, Message: msg}
}
