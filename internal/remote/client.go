package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"offsync/internal/action"
	"offsync/internal/config"
	"offsync/internal/log"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Result is the remote API's answer to a successful dispatch. Object, when
// present, is the canonical server-side entity and is used to reconcile the
// optimistic projection.
type Result struct {
	Object json.RawMessage
}

// DispatchError is a typed dispatch failure. Permanent failures (the server
// rejected the payload) must not consume retry budget; transient ones
// (network error, 5xx) are retried with backoff.
type DispatchError struct {
	StatusCode int
	Permanent  bool
	Message    string
}

func (e *DispatchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("dispatch failed: status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("dispatch failed: %s", e.Message)
}

// IsPermanent reports whether err is a dispatch failure not worth retrying.
// Unknown errors are treated as transient: the safer default is to keep the
// user's content and try again.
func IsPermanent(err error) bool {
	var de *DispatchError
	return errors.As(err, &de) && de.Permanent
}

// Client talks to the remote backend. One logical operation per action type;
// every call carries the action id as idempotency key so a replayed dispatch
// after a crash cannot double-apply.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	probe   *http.Client
	cb      *gobreaker.CircuitBreaker
	logger  *log.Logger
}

var paths = map[action.Type]string{
	action.TypePost:          "/api/posts",
	action.TypeMessage:       "/api/messages",
	action.TypeLike:          "/api/likes/toggle",
	action.TypeComment:       "/api/comments",
	action.TypeFriendRequest: "/api/friend-requests",
	action.TypeProfileUpdate: "/api/profile",
}

func NewClient(cfg *config.Config, logger *log.Logger) *Client {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "remote-api",
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
	})
	return &Client{
		baseURL: strings.TrimRight(cfg.APIBaseURL, "/"),
		token:   cfg.APIToken,
		http:    &http.Client{Timeout: 15 * time.Second},
		probe:   &http.Client{Timeout: cfg.ProbeTimeout},
		cb:      cb,
		logger:  logger,
	}
}

// Dispatch replays one queued action against its remote operation.
func (c *Client) Dispatch(ctx context.Context, a action.Action) (Result, error) {
	path, ok := paths[a.Type]
	if !ok {
		return Result{}, &DispatchError{Permanent: true, Message: fmt.Sprintf("unknown action type %q", a.Type)}
	}
	method := http.MethodPost
	if a.Type == action.TypeProfileUpdate {
		method = http.MethodPut
	}

	res, err := c.cb.Execute(func() (interface{}, error) {
		return c.do(ctx, method, path, a)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Result{}, &DispatchError{Message: err.Error()}
		}
		return Result{}, err
	}
	return res.(Result), nil
}

func (c *Client) do(ctx context.Context, method, path string, a action.Action) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(a.Payload))
	if err != nil {
		return Result{}, &DispatchError{Permanent: true, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Idempotency-Key", a.ID)
	req.Header.Set("X-User-ID", a.UserID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Transport failure: no route to the API, treated as transient
		return Result{}, &DispatchError{Message: err.Error()}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		result := Result{}
		if len(body) > 0 && json.Valid(body) {
			result.Object = json.RawMessage(body)
		}
		return result, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// The server rejected the payload; retrying identical bytes cannot succeed
		c.logger.Warn("Remote rejected action", zap.String("id", a.ID), zap.Int("status", resp.StatusCode))
		return Result{}, &DispatchError{StatusCode: resp.StatusCode, Permanent: true, Message: truncate(body)}
	default:
		return Result{}, &DispatchError{StatusCode: resp.StatusCode, Message: truncate(body)}
	}
}

// Ping checks reachability of the API base endpoint. Any HTTP response
// counts as reachable; only transport-level failures mean offline.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := c.probe.Do(req)
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

func truncate(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 256 {
		s = s[:256]
	}
	if s == "" {
		s = "no response body"
	}
	return s
}
