package eventstream

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agenticmail/agenticmail/pkg/metrics"
	"github.com/agenticmail/agenticmail/pkg/util"
)

const (
	backoffBase = 2 * time.Second
	backoffMax  = 30 * time.Second

	defaultPollInterval = 15 * time.Second
)

// Handler receives each event exactly once, regardless of whether the
// push stream or the poll fallback delivered it.
type Handler func(ctx context.Context, ev Event)

// PollFunc fetches pending events while the push stream is down.
type PollFunc func(ctx context.Context) ([]Event, error)

// Options configures a Client.
type Options struct {
	Handler      Handler
	Poll         PollFunc
	PollInterval time.Duration
	HTTPClient   *http.Client
	Header       http.Header
	Logger       *zap.Logger
}

// Client consumes the server-push notification stream, falling back to
// polling with exponential reconnect backoff when the stream drops.
type Client struct {
	url          string
	httpc        *http.Client
	header       http.Header
	handler      Handler
	poll         PollFunc
	pollInterval time.Duration
	seen         *seenSet
	logger       *zap.Logger
}

func NewClient(url string, opts Options) *Client {
	httpc := opts.HTTPClient
	if httpc == nil {
		// No overall timeout: the stream stays open indefinitely. The
		// dial is still bounded.
		httpc = &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: 30 * time.Second,
			},
		}
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		url:          url,
		httpc:        httpc,
		header:       opts.Header,
		handler:      opts.Handler,
		poll:         opts.Poll,
		pollInterval: interval,
		seen:         newSeenSet(),
		logger:       logger,
	}
}

// Run connects and consumes the stream until ctx is cancelled. Stream
// errors switch the client into polling fallback while the next
// connection attempt backs off (2s doubling, 30s cap, reset on any
// successful connection).
func (c *Client) Run(ctx context.Context) error {
	failures := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		connected, err := c.stream(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			failures = 0
		}
		failures++

		delay := util.Backoff(backoffBase, failures, backoffMax)
		metrics.StreamReconnects.Inc()
		c.logger.Warn("event stream disconnected, entering poll fallback",
			zap.Error(err),
			zap.Int("consecutive_failures", failures),
			zap.Duration("retry_in", delay),
		)

		c.pollUntil(ctx, delay)
	}
}

// stream opens the push connection and dispatches frames until the
// connection breaks. The first return value reports whether the
// connection itself succeeded.
func (c *Client) stream(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return false, err
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("event stream returned status %d", resp.StatusCode)
	}

	c.logger.Info("event stream connected", zap.String("url", c.url))

	reader := bufio.NewReader(resp.Body)
	var data []string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return true, fmt.Errorf("event stream read: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if len(data) > 0 {
				c.handleFrame(ctx, strings.Join(data, "\n"))
				data = data[:0]
			}
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(line[len("data:"):]))
		default:
			// event:/id:/comment lines carry nothing we need
		}
	}
}

func (c *Client) handleFrame(ctx context.Context, payload string) {
	ev, err := ParseEvent([]byte(payload))
	if err != nil {
		// Malformed frames are skipped, never fatal.
		c.logger.Warn("skipping malformed stream frame", zap.Error(err))
		return
	}
	c.dispatch(ctx, "push", ev)
}

// dispatch is the single delivery path shared by both transports.
func (c *Client) dispatch(ctx context.Context, transport string, ev Event) {
	if c.seen.CheckAndMark(ev.DedupKey()) {
		return
	}
	metrics.StreamEvents.WithLabelValues(transport, ev.eventType()).Inc()
	if c.handler != nil {
		c.handler(ctx, ev)
	}
}

// pollUntil runs the polling fallback for the backoff window, then
// returns so the caller can retry the push connection.
func (c *Client) pollUntil(ctx context.Context, d time.Duration) {
	deadline := time.NewTimer(d)
	defer deadline.Stop()

	if c.poll == nil {
		select {
		case <-ctx.Done():
		case <-deadline.C:
		}
		return
	}

	// Poll immediately so the fallback does not wait a full interval.
	c.pollOnce(ctx)

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-ticker.C:
			c.pollOnce(ctx)
		}
	}
}

func (c *Client) pollOnce(ctx context.Context) {
	events, err := c.poll(ctx)
	if err != nil {
		c.logger.Warn("poll fallback failed", zap.Error(err))
		return
	}
	for _, ev := range events {
		c.dispatch(ctx, "poll", ev)
	}
}
