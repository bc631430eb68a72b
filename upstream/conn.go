package upstream

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/chatrelay/errors"
)

// Provisioner obtains a fresh single-use socket URL.
type Provisioner interface {
	OpenConnection(ctx context.Context) (string, error)
}

// Conn is one established socket.
type Conn interface {
	// ReadMessage blocks for the next data frame.
	ReadMessage() ([]byte, error)

	// WriteMessage writes one text frame. Safe for concurrent use.
	WriteMessage(data []byte) error

	// Ping writes a control ping. Safe for concurrent use.
	Ping() error

	// OnHeartbeat registers fn to run for every inbound ping or pong frame.
	// Must be called before the first ReadMessage.
	OnHeartbeat(fn func())

	Close() error
}

// Dialer opens sockets.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	dialer       *websocket.Dialer
	writeTimeout time.Duration
}

// NewWebsocketDialer creates a dialer whose writes time out after writeTimeout.
func NewWebsocketDialer(handshakeTimeout, writeTimeout time.Duration) *WebsocketDialer {
	return &WebsocketDialer{
		dialer: &websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
			Proxy:            websocket.DefaultDialer.Proxy,
		},
		writeTimeout: writeTimeout,
	}
}

// Dial opens url.
func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	ws, _, err := d.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.WrapTransient(err, "upstream", "Dial", "websocket handshake")
	}
	return &wsConn{ws: ws, writeTimeout: d.writeTimeout}, nil
}

// wsConn serializes writers; gorilla allows only one concurrent writer.
type wsConn struct {
	ws           *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

func (c *wsConn) OnHeartbeat(fn func()) {
	c.ws.SetPongHandler(func(string) error {
		fn()
		return nil
	})
	c.ws.SetPingHandler(func(appData string) error {
		fn()
		err := c.ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(c.writeTimeout))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}
