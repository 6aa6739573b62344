// Package client is a small remote debugging protocol client, used by the
// record command and by tests driving a server end to end.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/liuxd6825/devtools/devtools/protocol"
)

// ErrClosed is returned when reading from a client whose connection is gone.
var ErrClosed = errors.New("connection closed")

// Event packet types, written by actors without a matching request.
var eventTypes = map[string]bool{"markers": true, "framerate": true}

// IsEvent reports whether p is an unsolicited event packet.
func IsEvent(p gjson.Result) bool {
	return eventTypes[p.Get("type").String()]
}

// Client is a connection to a devtools server. Its read methods aren't safe
// for concurrent use.
type Client struct {
	stream   protocol.Stream
	logger   logrus.FieldLogger
	greeting gjson.Result

	recvCh  chan gjson.Result
	done    chan struct{}
	exited  chan struct{}
	readErr error
	backlog []gjson.Result

	closeOnce sync.Once
}

// Dial connects to a server speaking length-prefixed packets on addr.
func Dial(ctx context.Context, addr string, logger logrus.FieldLogger) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return newClient(ctx, protocol.NewFramedStream(conn, 0, logger), logger)
}

// DialWebSocket connects to a server accepting websocket connections at url.
func DialWebSocket(ctx context.Context, url string, logger logrus.FieldLogger) (*Client, error) {
	wsd := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Proxy:            http.ProxyFromEnvironment,
	}
	conn, _, err := wsd.DialContext(ctx, url, nil) //nolint:bodyclose
	if err != nil {
		return nil, err
	}
	return newClient(ctx, protocol.NewWSStream(conn, 0, logger), logger)
}

func newClient(ctx context.Context, stream protocol.Stream, logger logrus.FieldLogger) (*Client, error) {
	c := &Client{
		stream: stream,
		logger: logger,
		recvCh: make(chan gjson.Result),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go c.recvLoop()

	greeting, err := c.ReadPacket(ctx)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("waiting for the server greeting: %w", err)
	}
	if greeting.Get("from").String() != "root" {
		_ = c.Close()
		return nil, fmt.Errorf("unexpected greeting %s", greeting.Raw)
	}
	c.greeting = greeting
	return c, nil
}

func (c *Client) recvLoop() {
	defer close(c.exited)
	for {
		msg, err := c.stream.ReadPacket()
		if err != nil {
			c.readErr = err
			return
		}
		select {
		case c.recvCh <- gjson.ParseBytes(msg.Raw):
		case <-c.done:
			return
		}
	}
}

// Greeting returns the first packet written by the server.
func (c *Client) Greeting() gjson.Result { return c.greeting }

// Send writes a request for actor to. Extra fields are added to the packet.
func (c *Client) Send(to, typ string, fields map[string]interface{}) error {
	packet := make(map[string]interface{}, len(fields)+2)
	for k, v := range fields {
		packet[k] = v
	}
	packet["to"] = to
	packet["type"] = typ
	return c.stream.WritePacket(packet)
}

// ReadPacket returns the next packet from the server.
func (c *Client) ReadPacket(ctx context.Context) (gjson.Result, error) {
	if len(c.backlog) > 0 {
		p := c.backlog[0]
		c.backlog = c.backlog[1:]
		return p, nil
	}
	return c.receive(ctx)
}

func (c *Client) receive(ctx context.Context) (gjson.Result, error) {
	select {
	case p := <-c.recvCh:
		return p, nil
	case <-c.exited:
		if c.readErr != nil {
			return gjson.Result{}, fmt.Errorf("%w: %w", ErrClosed, c.readErr)
		}
		return gjson.Result{}, ErrClosed
	case <-ctx.Done():
		return gjson.Result{}, ctx.Err()
	}
}

// Expect returns the first packet satisfying match. Packets read before it
// are kept and returned by later calls to ReadPacket, in order.
func (c *Client) Expect(ctx context.Context, match func(gjson.Result) bool) (gjson.Result, error) {
	for i, p := range c.backlog {
		if match(p) {
			c.backlog = append(c.backlog[:i:i], c.backlog[i+1:]...)
			return p, nil
		}
	}
	for {
		p, err := c.receive(ctx)
		if err != nil {
			return gjson.Result{}, err
		}
		if match(p) {
			return p, nil
		}
		c.backlog = append(c.backlog, p)
	}
}

// Buffered returns the packets kept by Expect and not read yet, in order,
// and forgets them.
func (c *Client) Buffered() []gjson.Result {
	backlog := c.backlog
	c.backlog = nil
	return backlog
}

// Request sends a request to an actor and returns its reply, skipping event
// packets. An error reply is returned as a *protocol.Error.
func (c *Client) Request(
	ctx context.Context, to, typ string, fields map[string]interface{},
) (gjson.Result, error) {
	if err := c.Send(to, typ, fields); err != nil {
		return gjson.Result{}, err
	}
	reply, err := c.Expect(ctx, func(p gjson.Result) bool {
		return p.Get("from").String() == to && !IsEvent(p)
	})
	if err != nil {
		return gjson.Result{}, err
	}
	return reply, AsError(reply)
}

// AsError returns the protocol error carried by p, or nil.
func AsError(p gjson.Result) error {
	name := p.Get("error")
	if !name.Exists() {
		return nil
	}
	return &protocol.Error{
		From:    p.Get("from").String(),
		Name:    name.String(),
		Message: p.Get("message").String(),
	}
}

// Close closes the connection and waits for the reader to exit.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.stream.Close()
		<-c.exited
	})
	return err
}
