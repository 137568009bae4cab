// Package ami reads call outcomes from the Asterisk Manager Interface.
package ami

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event is one AMI message block.
type Event map[string]string

type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	logger *zap.Logger

	mu     sync.Mutex // serializes actions
	events chan Event
}

// Dial connects to addr and logs in.
func Dial(ctx context.Context, addr, username, password string, logger *zap.Logger) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ami dial %s: %w", addr, err)
	}
	c := NewClient(conn, logger)
	if err := c.Login(username, password); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// NewClient wraps an established manager connection.
func NewClient(conn net.Conn, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		logger: logger.Named("ami"),
		events: make(chan Event, 256),
	}
}

// Login consumes the banner and authenticates, subscribing to call events.
func (c *Client) Login(username, password string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer c.conn.SetReadDeadline(time.Time{})

	if _, err := c.reader.ReadString('\n'); err != nil {
		return fmt.Errorf("ami banner: %w", err)
	}
	if err := c.send("Login", [][2]string{{"Username", username}, {"Secret", password}, {"Events", "call"}}); err != nil {
		return err
	}
	for {
		msg, err := c.read()
		if err != nil {
			return fmt.Errorf("ami login: %w", err)
		}
		if _, isEvent := msg["Event"]; isEvent {
			continue
		}
		if msg["Response"] != "Success" {
			return fmt.Errorf("ami login failed: %s", msg["Message"])
		}
		c.logger.Info("connected", zap.String("remote", c.conn.RemoteAddr().String()))
		return nil
	}
}

func (c *Client) send(action string, fields [][2]string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Action: %s\r\n", action)
	for _, f := range fields {
		fmt.Fprintf(&b, "%s: %s\r\n", f[0], f[1])
	}
	b.WriteString("\r\n")
	if _, err := c.writer.WriteString(b.String()); err != nil {
		return err
	}
	return c.writer.Flush()
}

// read returns the next non-empty message block.
func (c *Client) read() (Event, error) {
	msg := make(Event)
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			if len(msg) == 0 {
				continue
			}
			return msg, nil
		}
		if key, value, ok := strings.Cut(line, ":"); ok {
			msg[strings.TrimSpace(key)] = strings.TrimSpace(value)
		}
	}
}

// Run reads events until ctx is done or the connection drops. The Events
// channel is closed on return. Events are dropped when the consumer lags.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)

	stop := context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stop()

	dropped := 0
	for {
		msg, err := c.read()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("ami read: %w", err)
		}
		if _, ok := msg["Event"]; !ok {
			continue
		}
		select {
		case c.events <- msg:
		default:
			dropped++
			if dropped%100 == 1 {
				c.logger.Warn("event consumer lagging", zap.Int("dropped", dropped))
			}
		}
	}
}

func (c *Client) Events() <-chan Event {
	return c.events
}

func (c *Client) Close() error {
	return c.conn.Close()
}
