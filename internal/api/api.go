package api

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"gitlab.com/tozd/go/errors"

	"github.com/cleverdata/jsonlistener/internal/config"
)

var (
	// ErrSink is returned when the database rejects or never receives a post.
	ErrSink = errors.Base("sink request failed")
	// ErrNotConnected is returned by Post before Connect has succeeded.
	ErrNotConnected = errors.Base("no connection to the database")
)

// Response is what the database returns for a successful post.
type Response struct {
	StatusCode int
	// Name is the key the database generated for the new child.
	Name string `json:"name"`
}

// Client posts JSON documents to a Firebase-style REST database:
// POST <url>/<destination>.json?auth=<secret>.
type Client struct {
	http        *resty.Client
	auth        string
	established atomic.Bool
}

func New(sink config.SinkConfig) *Client {
	c := resty.New().
		SetBaseURL(strings.TrimRight(sink.URL, "/")).
		SetHeader("Content-Type", "application/json")
	if sink.Timeout > 0 {
		c.SetTimeout(sink.Timeout)
	}
	return &Client{http: c, auth: sink.Auth}
}

func (c *Client) request(ctx context.Context) *resty.Request {
	r := c.http.R().SetContext(ctx)
	if c.auth != "" {
		r.SetQueryParam("auth", c.auth)
	}
	return r
}

// Check issues a shallow read of the database root.
func (c *Client) Check(ctx context.Context) error {
	resp, err := c.request(ctx).
		SetQueryParam("shallow", "true").
		Get("/.json")
	if err != nil {
		return errors.Errorf("%w: %s", ErrSink, err.Error())
	}
	if !resp.IsSuccess() {
		return errors.Errorf("%w: status %d: %s", ErrSink, resp.StatusCode(), resp.String())
	}
	return nil
}

// Connect verifies the database is reachable and marks the connection established.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.Check(ctx); err != nil {
		c.established.Store(false)
		return err
	}
	c.established.Store(true)
	return nil
}

func (c *Client) IsEstablished() bool {
	return c.established.Load()
}

// Post adds body as a new child of destination. An empty destination posts at the root.
func (c *Client) Post(ctx context.Context, destination string, body map[string]any) (*Response, error) {
	if !c.IsEstablished() {
		return nil, ErrNotConnected
	}

	var out Response
	resp, err := c.request(ctx).
		SetBody(body).
		SetResult(&out).
		Post(endpoint(destination))
	if err != nil {
		return nil, errors.Errorf("%w: %s", ErrSink, err.Error())
	}
	if !resp.IsSuccess() {
		return nil, errors.Errorf("%w: status %d: %s", ErrSink, resp.StatusCode(), resp.String())
	}
	out.StatusCode = resp.StatusCode()
	return &out, nil
}

func endpoint(destination string) string {
	destination = strings.Trim(destination, "/")
	if destination == "" {
		return "/.json"
	}
	return "/" + destination + ".json"
}

// Heartbeat re-checks the database every interval until ctx is done, updating
// IsEstablished. Failures are reported through logger.
func (c *Client) Heartbeat(ctx context.Context, interval time.Duration, logger func(string, ...interface{})) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			wasUp := c.IsEstablished()
			if err := c.Connect(ctx); err != nil {
				if logger != nil {
					logger("Heartbeat failed: %v", err)
				}
			} else if !wasUp && logger != nil {
				logger("Connection to the database re-established")
			}
		case <-ctx.Done():
			return
		}
	}
}
