package mount

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ghyeongl/lazytree/background"
	"github.com/ghyeongl/lazytree/gitlock"
	"github.com/ghyeongl/lazytree/logging"
)

const defaultPollInterval = 250 * time.Millisecond

// Client talks to a running mount over its unix socket.
type Client struct {
	socket string
	http   *http.Client
	// PollInterval is the WaitUntilMounted polling period.
	PollInterval time.Duration
}

// NewClient returns a client for the mount listening on socket.
func NewClient(socket string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socket)
		},
	}
	return &Client{
		socket:       socket,
		http:         &http.Client{Transport: transport},
		PollInterval: defaultPollInterval,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://lazytree"+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// Status fetches the mount status.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var st StatusResponse
	if err := c.do(ctx, http.MethodGet, "/status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// AcquireLock asks the mount for the git command lock on behalf of holder.
func (c *Client) AcquireLock(ctx context.Context, holder gitlock.LockHolder) (*AcquireResponse, error) {
	var resp AcquireResponse
	if err := c.do(ctx, http.MethodPost, "/lock/acquire", holder, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReleaseLock releases the lock held by pid.
func (c *Client) ReleaseLock(ctx context.Context, pid int) (*ReleaseResponse, error) {
	var resp ReleaseResponse
	if err := c.do(ctx, http.MethodPost, "/lock/release", ReleaseRequest{PID: pid}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WaitForBackgroundOperations blocks until the mount's queue is empty or
// ctx is done. It returns the number of operations still queued.
func (c *Client) WaitForBackgroundOperations(ctx context.Context) (int, error) {
	var resp WaitResponse
	if err := c.do(ctx, http.MethodPost, "/background/wait", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Remaining, nil
}

// WaitUntilMounted polls the status endpoint until the mount is Ready. It
// returns ErrMountFailed if the mount reports Failed and ErrMountTimeout if
// timeout passes first. An unreachable socket counts as still mounting.
func (c *Client) WaitUntilMounted(ctx context.Context, timeout time.Duration) error {
	l := logging.Sub("client")
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	interval := c.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		st, err := c.Status(ctx)
		switch {
		case err == nil && st.State == Ready:
			return nil
		case err == nil && st.State == Failed:
			return fmt.Errorf("%w: %s", ErrMountFailed, st.Error)
		case err != nil:
			l.Debug("mount not reachable yet", "socket", c.socket, "err", err)
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w after %s", ErrMountTimeout, timeout)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// EventStream receives queue events from a mount.
type EventStream struct {
	conn *websocket.Conn
}

// Events connects to the mount's event stream. Every event published after
// Events returns is delivered.
func (c *Client) Events(ctx context.Context) (*EventStream, error) {
	dialer := websocket.Dialer{
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", c.socket)
		},
		HandshakeTimeout: 10 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, "ws://lazytree/events", nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("GET /events: %s", resp.Status)
		}
		return nil, fmt.Errorf("GET /events: %w", err)
	}
	return &EventStream{conn: conn}, nil
}

// Next blocks for the next event. It returns an error once the stream is
// closed by either side.
func (s *EventStream) Next() (background.Event, error) {
	var ev background.Event
	if err := s.conn.ReadJSON(&ev); err != nil {
		return background.Event{}, err
	}
	return ev, nil
}

func (s *EventStream) Close() error {
	return s.conn.Close()
}
