package gateway

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrClientNotFound = errors.New("client not found")
	ErrClientClosed   = errors.New("client connection closed")
	ErrNoListener     = errors.New("no listen address configured")
)

// Handler receives the byte stream of every client. OnData is called from
// the client's read loop, one call at a time per client.
type Handler interface {
	OnData(ctx context.Context, sessionID string, data []byte)
	Close(sessionID string)
}

// Transport names how a client is connected.
type Transport string

const (
	TransportTCP       Transport = "tcp"
	TransportWebSocket Transport = "ws"
)

// ClientInfo represents information about a connected client
type ClientInfo struct {
	ID           string    `json:"id"`
	Transport    Transport `json:"transport"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
	IPAddress    string    `json:"ipAddress"`
	BytesIn      int64     `json:"bytesIn"`
	Idle         bool      `json:"idle"`
}

// conn is the write side of a client connection.
type conn interface {
	write(text string, deadline time.Time) error
	close() error
}

// Client is one connected session. Replies arrive from several queue
// workers at once, so writes are serialized by writeMu.
type Client struct {
	ID          string
	Transport   Transport
	ConnectedAt time.Time
	IPAddress   string
	RateLimiter *ClientRateLimiter

	conn      conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}

	mu           sync.Mutex
	lastActivity time.Time
	bytesIn      int64
}

func newClient(id string, transport Transport, remote string, c conn, limiter *ClientRateLimiter) *Client {
	now := time.Now()
	return &Client{
		ID:           id,
		Transport:    transport,
		ConnectedAt:  now,
		IPAddress:    remote,
		RateLimiter:  limiter,
		conn:         c,
		closed:       make(chan struct{}),
		lastActivity: now,
	}
}

// Write sends text to the client. A zero timeout waits indefinitely.
func (c *Client) Write(text string, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return ErrClientClosed
	default:
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	return c.conn.write(text, deadline)
}

// Close closes the connection. Later calls are no-ops.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.close()
	})
	return err
}

// Done is closed once the client has been closed.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

func (c *Client) touch(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()
	c.bytesIn += int64(n)
}

// Info snapshots the client for status output.
func (c *Client) Info(idleAfter time.Duration) ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ClientInfo{
		ID:           c.ID,
		Transport:    c.Transport,
		ConnectedAt:  c.ConnectedAt,
		LastActivity: c.lastActivity,
		IPAddress:    c.IPAddress,
		BytesIn:      c.bytesIn,
		Idle:         idleAfter > 0 && time.Since(c.lastActivity) > idleAfter,
	}
}
