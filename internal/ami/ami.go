// Package ami is a minimal Asterisk Manager Interface client. It speaks the
// key-value line protocol over TCP and supports exactly the actions the call
// orchestrator needs: Login, Redirect, and Logoff.
package ami

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
)

// Config holds the AMI connection parameters.
type Config struct {
	// Host and Port locate the Asterisk manager listener.
	Host string
	Port string

	// Username and Secret authenticate the manager session.
	Username string
	Secret   string

	// ActionTimeout bounds a single action round trip. Defaults to 10s.
	ActionTimeout time.Duration

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Port == "" {
		c.Port = "5038"
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Response is one parsed AMI response block.
type Response struct {
	// Success is true when the Response header reads "Success".
	Success bool

	// Message carries the server's Message header, often the error reason.
	Message string

	// Headers holds every header of the block, including Response and
	// ActionID.
	Headers map[string]string
}

// ErrNotConnected is returned when an action is attempted without a live
// manager session.
var ErrNotConnected = errors.New("ami: not connected")

// ActionError reports an AMI action the server rejected.
type ActionError struct {
	Action  string
	Message string
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("ami: %s failed: %s", e.Action, e.Message)
}

// Client is a single-connection AMI client. Actions are serialised: one
// action is in flight at a time, matched to its response by ActionID.
// Unsolicited event blocks arriving between responses are skipped.
type Client struct {
	cfg Config
	log *slog.Logger

	// dialFunc allows injecting a custom dialer for testing.
	dialFunc func(ctx context.Context, addr string) (net.Conn, error)

	mu       sync.Mutex
	conn     net.Conn
	reader   *bufio.Reader
	actionID uint64
}

// NewClient creates a client. Connect must be called before any action.
func NewClient(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg: cfg,
		log: cfg.Logger.With("component", "ami"),
		dialFunc: func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		},
	}
}

// Connect dials the manager port, consumes the banner, and logs in.
// Calling Connect on a connected client reconnects.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	addr := net.JoinHostPort(c.cfg.Host, c.cfg.Port)
	conn, err := c.dialFunc(ctx, addr)
	if err != nil {
		return fmt.Errorf("dialing manager at %s: %w", addr, err)
	}

	reader := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(c.cfg.ActionTimeout))
	banner, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return fmt.Errorf("reading manager banner: %w", err)
	}
	if !strings.HasPrefix(banner, "Asterisk Call Manager") {
		conn.Close()
		return fmt.Errorf("unexpected manager banner %q", strings.TrimSpace(banner))
	}

	c.conn = conn
	c.reader = reader

	resp, err := c.roundTripLocked(ctx, "Login", map[string]string{
		"Username": c.cfg.Username,
		"Secret":   c.cfg.Secret,
	})
	if err != nil {
		c.closeLocked()
		return err
	}
	if !resp.Success {
		c.closeLocked()
		return &ActionError{Action: "Login", Message: resp.Message}
	}

	c.log.Info("manager session established", "host", c.cfg.Host, "banner", strings.TrimSpace(banner))
	return nil
}

// Connected reports whether a manager session is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Redirect moves a live channel to the given dialplan position. This is the
// transfer primitive: Asterisk takes the caller off the bridge and restarts
// the channel at context/exten/priority.
func (c *Client) Redirect(ctx context.Context, channel, context_, exten string, priority int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}

	resp, err := c.roundTripLocked(ctx, "Redirect", map[string]string{
		"Channel":  channel,
		"Context":  context_,
		"Exten":    exten,
		"Priority": fmt.Sprintf("%d", priority),
	})
	if err != nil {
		c.closeLocked()
		return err
	}
	if !resp.Success {
		return &ActionError{Action: "Redirect", Message: resp.Message}
	}
	c.log.Info("channel redirected", "channel", channel, "exten", exten, "context", context_)
	return nil
}

// Hangup terminates a live channel.
func (c *Client) Hangup(ctx context.Context, channel string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}

	resp, err := c.roundTripLocked(ctx, "Hangup", map[string]string{"Channel": channel})
	if err != nil {
		c.closeLocked()
		return err
	}
	if !resp.Success {
		return &ActionError{Action: "Hangup", Message: resp.Message}
	}
	return nil
}

// Close logs off and tears the connection down. Safe to call when already
// closed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ActionTimeout)
	defer cancel()
	// Best effort: the server closes the socket after Logoff either way.
	c.roundTripLocked(ctx, "Logoff", nil)
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.reader = nil
	return err
}

// roundTripLocked writes one action and reads blocks until the one carrying
// our ActionID arrives. The caller must hold mu.
func (c *Client) roundTripLocked(ctx context.Context, action string, fields map[string]string) (Response, error) {
	c.actionID++
	id := fmt.Sprintf("voxbridge-%d", c.actionID)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Action: %s\r\n", action)
	fmt.Fprintf(&sb, "ActionID: %s\r\n", id)
	for k, v := range fields {
		fmt.Fprintf(&sb, "%s: %s\r\n", k, v)
	}
	sb.WriteString("\r\n")

	deadline := time.Now().Add(c.cfg.ActionTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetDeadline(deadline)

	if _, err := c.conn.Write([]byte(sb.String())); err != nil {
		return Response{}, fmt.Errorf("writing %s action: %w", action, err)
	}

	for {
		block, err := c.readBlockLocked()
		if err != nil {
			return Response{}, fmt.Errorf("reading %s response: %w", action, err)
		}
		if block.Headers["ActionID"] != id {
			// Unsolicited event, or a response to an earlier timed-out
			// action. Either way it is not ours.
			continue
		}
		return block, nil
	}
}

// readBlockLocked reads one header block terminated by an empty line.
func (c *Client) readBlockLocked() (Response, error) {
	resp := Response{Headers: make(map[string]string)}
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return Response{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(resp.Headers) == 0 {
				continue
			}
			return resp, nil
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		resp.Headers[key] = value
		switch key {
		case "Response":
			resp.Success = strings.EqualFold(value, "Success")
		case "Message":
			resp.Message = value
		}
	}
}
