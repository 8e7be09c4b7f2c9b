package streamconn

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Socket is the subset of *websocket.Conn the Connection state
// machine needs. Abstracting it behind an interface (rather than
// calling gorilla directly, the way the teacher's binance.Client
// does) lets the state machine be driven by a fake socket in tests
// without a real network round trip.
type Socket interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Dialer opens a Socket to the vendor streaming endpoint.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Socket, error)
}

// GorillaDialer is the production Dialer, built on
// github.com/gorilla/websocket — the same library the teacher uses
// for its Binance streaming client.
type GorillaDialer struct {
	HandshakeTimeout time.Duration
}

func (d GorillaDialer) Dial(ctx context.Context, url string, header http.Header) (Socket, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return gorillaSocket{conn}, nil
}

type gorillaSocket struct {
	conn *websocket.Conn
}

func (s gorillaSocket) ReadMessage() (int, []byte, error) { return s.conn.ReadMessage() }
func (s gorillaSocket) WriteMessage(messageType int, data []byte) error {
	return s.conn.WriteMessage(messageType, data)
}
func (s gorillaSocket) WriteControl(messageType int, data []byte, deadline time.Time) error {
	return s.conn.WriteControl(messageType, data, deadline)
}
func (s gorillaSocket) SetPongHandler(h func(string) error) { s.conn.SetPongHandler(h) }
func (s gorillaSocket) Close() error                        { return s.conn.Close() }

const (
	textMessage   = websocket.TextMessage
	binaryMessage = websocket.BinaryMessage
	pingMessage   = websocket.PingMessage
)
