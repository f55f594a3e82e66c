package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/muurk/securedfu/internal/dfu"
	"github.com/muurk/securedfu/internal/logging"
)

// DefaultResponseTimeout bounds the wait for one response
const DefaultResponseTimeout = 10 * time.Second

// ErrClosed is returned when the device closed the session
var ErrClosed = errors.New("transport: session closed by device")

// Client is the host side of the update transport. Commands are sent one
// at a time; each call waits for the response carrying its sequence number.
type Client struct {
	conn    *websocket.Conn
	url     string
	logger  *zap.Logger
	timeout time.Duration

	mu  sync.Mutex
	seq uint32
}

// Dial opens an update session with the device at url
// (e.g. "ws://192.168.1.20:8765/dfu").
func Dial(ctx context.Context, url string, logger *zap.Logger) (*Client, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   maxMessageSize,
		WriteBufferSize:  maxMessageSize,
	}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w (HTTP %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	conn.SetReadLimit(maxMessageSize)

	return &Client{
		conn:    conn,
		url:     url,
		logger:  logging.Or(logger).Named("transport"),
		timeout: DefaultResponseTimeout,
	}, nil
}

// SetTimeout changes how long Do waits for a response
func (c *Client) SetTimeout(d time.Duration) {
	c.mu.Lock()
	c.timeout = d
	c.mu.Unlock()
}

// Do sends cmd and returns the matching response. The sequence number is
// assigned by the client. Responses for earlier sequence numbers are
// discarded.
func (c *Client) Do(ctx context.Context, cmd dfu.Command) (dfu.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	cmd.Seq = c.seq

	data, err := EncodeCommand(cmd)
	if err != nil {
		return dfu.Response{}, fmt.Errorf("failed to encode command: %w", err)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	// Unblock the read if ctx is cancelled mid-wait
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return dfu.Response{}, fmt.Errorf("failed to send %s: %w", cmd.Op, err)
	}
	logging.LogWebSocketMessage(c.logger, c.url, "sent", websocket.BinaryMessage, data)

	_ = c.conn.SetReadDeadline(deadline)
	for {
		mt, frame, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return dfu.Response{}, ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return dfu.Response{}, ErrClosed
			}
			return dfu.Response{}, fmt.Errorf("waiting for %s response: %w", cmd.Op, err)
		}
		logging.LogWebSocketMessage(c.logger, c.url, "received", mt, frame)
		if mt != websocket.BinaryMessage {
			continue
		}

		resp, err := DecodeResponse(frame)
		if err != nil {
			return dfu.Response{}, err
		}
		// Seq 0 is the device rejecting a frame it could not decode
		if resp.Seq == 0 || resp.Seq == cmd.Seq {
			return resp, nil
		}
		c.logger.Debug("Discarding stale response",
			zap.Uint32("seq", resp.Seq),
			zap.Uint32("want", cmd.Seq),
		)
	}
}

// Close ends the session
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.conn.Close()
}
