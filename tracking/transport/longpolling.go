package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/ermn/tracking.go/debug"
)

// ErrSessionGone is reported by Receive once the server forgets the polling
// session.
var ErrSessionGone = errors.New("transport: polling session gone")

// LongPollingTransport is the HTTP fallback for networks that block
// WebSocket upgrades. Frames travel as a JSON array of strings per poll.
type LongPollingTransport struct {
	mu            sync.Mutex
	client        *http.Client
	baseURL       string
	sessionID     string
	connected     bool
	incomingQueue chan []byte
	headers       http.Header
	err           error

	ctx        context.Context
	cancelFunc context.CancelFunc

	pollInterval time.Duration
	timeout      time.Duration
	maxFailures  int
	logger       *slog.Logger
}

type LongPollingOption func(*LongPollingTransport)

func WithLongPollingHeaders(headers http.Header) LongPollingOption {
	return func(t *LongPollingTransport) {
		for k, v := range headers {
			t.headers[k] = v
		}
	}
}

func WithPollInterval(interval time.Duration) LongPollingOption {
	return func(t *LongPollingTransport) {
		t.pollInterval = interval
	}
}

func WithTimeout(timeout time.Duration) LongPollingOption {
	return func(t *LongPollingTransport) {
		t.timeout = timeout
	}
}

func WithHTTPClient(client *http.Client) LongPollingOption {
	return func(t *LongPollingTransport) {
		t.client = client
	}
}

func WithLongPollingLogger(logger *slog.Logger) LongPollingOption {
	return func(t *LongPollingTransport) {
		t.logger = logger
	}
}

// WithMaxPollFailures sets how many consecutive failed polls end the
// session.
func WithMaxPollFailures(n int) LongPollingOption {
	return func(t *LongPollingTransport) {
		t.maxFailures = n
	}
}

func NewLongPollingTransport(baseURL string, opts ...LongPollingOption) *LongPollingTransport {
	t := &LongPollingTransport{
		client:        &http.Client{},
		baseURL:       baseURL,
		headers:       make(http.Header),
		incomingQueue: make(chan []byte, 100),
		pollInterval:  1 * time.Second,
		timeout:       30 * time.Second,
		maxFailures:   3,
		logger:        slog.Default(),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

func (t *LongPollingTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/connect", nil)
	if err != nil {
		return err
	}
	t.applyHeaders(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("long-polling connect: %s", resp.Status)
	}

	var connectResp struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&connectResp); err != nil {
		return fmt.Errorf("long-polling connect: %w", err)
	}
	if connectResp.SessionID == "" {
		return errors.New("long-polling connect: empty session id")
	}

	// The polling loop outlives the dial context, so it hangs off its own.
	t.ctx, t.cancelFunc = context.WithCancel(context.Background())
	t.sessionID = connectResp.SessionID
	t.connected = true
	t.err = nil

	debug.Printf(t.logger, "long-polling connected", "session_id", t.sessionID)

	go t.poll(t.ctx, t.sessionID)

	return nil
}

func (t *LongPollingTransport) applyHeaders(req *http.Request) {
	for k, values := range t.headers {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
}

func (t *LongPollingTransport) sessionURL(action, sessionID string) string {
	return fmt.Sprintf("%s/%s?sessionId=%s", t.baseURL, action, url.QueryEscape(sessionID))
}

func (t *LongPollingTransport) poll(ctx context.Context, sessionID string) {
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(t.pollInterval):
		}

		msgs, err := t.fetchMessages(ctx, sessionID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			debug.Printf(t.logger, "long-polling poll failed", "session_id", sessionID, "error", err)
			if errors.Is(err, ErrSessionGone) || failures >= t.maxFailures {
				t.fail(err)
				return
			}
			continue
		}
		failures = 0

		for _, msg := range msgs {
			select {
			case t.incomingQueue <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// fail records err for Receive and stops the session.
func (t *LongPollingTransport) fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err == nil {
		t.err = err
	}
	if t.cancelFunc != nil {
		t.cancelFunc()
	}
}

func (t *LongPollingTransport) fetchMessages(ctx context.Context, sessionID string) ([][]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.sessionURL("poll", sessionID), nil)
	if err != nil {
		return nil, err
	}
	t.applyHeaders(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusGone:
		return nil, fmt.Errorf("%w: %s", ErrSessionGone, resp.Status)
	default:
		return nil, fmt.Errorf("long-polling poll: %s", resp.Status)
	}

	var messages []string
	if err := json.NewDecoder(resp.Body).Decode(&messages); err != nil {
		return nil, err
	}

	result := make([][]byte, len(messages))
	for i, msg := range messages {
		result[i] = []byte(msg)
	}

	return result, nil
}

func (t *LongPollingTransport) Send(data []byte) error {
	t.mu.Lock()
	sessionID := t.sessionID
	ctx := t.ctx
	connected := t.connected
	t.mu.Unlock()

	if !connected || sessionID == "" {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.sessionURL("send", sessionID), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain")
	t.applyHeaders(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("long-polling send: %s - %s", resp.Status, string(bodyBytes))
	}

	return nil
}

func (t *LongPollingTransport) Receive() ([]byte, error) {
	t.mu.Lock()
	connected := t.connected
	ctx := t.ctx
	t.mu.Unlock()

	if !connected {
		return nil, ErrNotConnected
	}

	select {
	case msg := <-t.incomingQueue:
		return msg, nil
	case <-ctx.Done():
		t.mu.Lock()
		err := t.err
		t.mu.Unlock()
		if err == nil {
			err = errors.New("long-polling: connection closed")
		}
		return nil, err
	}
}

func (t *LongPollingTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.sessionURL("disconnect", t.sessionID), nil)
	if err == nil {
		t.applyHeaders(req)
		if resp, err := t.client.Do(req); err == nil {
			resp.Body.Close()
		}
	}

	t.cancelFunc()
	t.connected = false
	t.sessionID = ""

	return nil
}
