// Package apiclient talks to the chat server's call REST endpoints.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/petervdpas/goopcall/internal/util"
)

var log = logging.Logger("api")

var _ call.API = (*Client)(nil)

// StatusError is a non-2xx response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: status %d", e.Code)
	}
	return fmt.Sprintf("api: status %d: %s", e.Code, e.Message)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = util.DefaultRequestTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *Client) Initiate(ctx context.Context, chatID string, kind call.Kind) (string, error) {
	var out struct {
		CallID string `json:"callId"`
	}
	body := map[string]string{"chatId": chatID, "type": string(kind)}
	if err := c.do(ctx, http.MethodPost, "/calls/initiate", body, &out); err != nil {
		return "", err
	}
	if out.CallID == "" {
		return "", errors.New("api: initiate returned no callId")
	}
	return out.CallID, nil
}

func (c *Client) Join(ctx context.Context, callID string) error {
	return c.action(ctx, callID, "join")
}

func (c *Client) Decline(ctx context.Context, callID string) error {
	return c.action(ctx, callID, "decline")
}

func (c *Client) Leave(ctx context.Context, callID string) error {
	return c.action(ctx, callID, "leave")
}

func (c *Client) End(ctx context.Context, callID string) error {
	return c.action(ctx, callID, "end")
}

func (c *Client) UpdateSettings(ctx context.Context, callID string, s signaling.CallSettings) error {
	return c.do(ctx, http.MethodPut, "/calls/"+url.PathEscape(callID)+"/settings", s, nil)
}

func (c *Client) action(ctx context.Context, callID, verb string) error {
	return c.do(ctx, http.MethodPost, "/calls/"+url.PathEscape(callID)+"/"+verb, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	log.Debugf("API: %s %s -> %d", method, path, resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Message: errorMessage(raw)}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("api: decode %s: %w", path, err)
	}
	return nil
}

// errorMessage pulls "message" (or "error") out of a JSON error body.
func errorMessage(raw []byte) string {
	var e struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(raw, &e) == nil {
		if e.Message != "" {
			return e.Message
		}
		if e.Error != "" {
			return e.Error
		}
	}
	return strings.TrimSpace(string(raw))
}
