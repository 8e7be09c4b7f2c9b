package streamconn

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/dhanstream/marketfeed/decoder"
	"github.com/dhanstream/marketfeed/session"
	"github.com/dhanstream/marketfeed/vendorproto"
)

// fakeSocket is an in-memory Socket driven entirely by test code: no
// network I/O, so Connection's state machine can be exercised
// deterministically.
type inboundMsg struct {
	messageType int
	data        []byte
}

type fakeSocket struct {
	mu       sync.Mutex
	inbound  chan inboundMsg
	closed   bool
	writes   [][]byte
	pongFn   func(string) error
	closeErr error
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{inbound: make(chan inboundMsg, 16)}
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	msg, ok := <-s.inbound
	if !ok {
		return 0, nil, errors.New("fake socket closed")
	}
	return msg.messageType, msg.data, nil
}

func (s *fakeSocket) WriteMessage(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, data)
	return nil
}

func (s *fakeSocket) WriteControl(messageType int, data []byte, deadline time.Time) error {
	return nil
}

func (s *fakeSocket) SetPongHandler(h func(string) error) {
	s.pongFn = h
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.inbound)
	}
	return s.closeErr
}

// push delivers a binary wire frame, matching how the real vendor
// stream carries ticks and acks.
func (s *fakeSocket) push(data []byte) {
	s.inbound <- inboundMsg{messageType: binaryMessage, data: data}
}

// pushText delivers a JSON status envelope, matching how the real
// vendor stream interleaves success/failure notifications.
func (s *fakeSocket) pushText(data []byte) {
	s.inbound <- inboundMsg{messageType: textMessage, data: data}
}

// fakeDialer hands out a queue of fakeSockets, one per Dial call, so
// a test can observe reconnect behavior across multiple dial cycles.
type fakeDialer struct {
	mu      sync.Mutex
	sockets []*fakeSocket
	errs    []error
	calls   int
}

func (d *fakeDialer) Dial(ctx context.Context, url string, header http.Header) (Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := d.calls
	d.calls++
	if idx < len(d.errs) && d.errs[idx] != nil {
		return nil, d.errs[idx]
	}
	if idx < len(d.sockets) {
		return d.sockets[idx], nil
	}
	return newFakeSocket(), nil
}

type stubIssuer struct{}

func (stubIssuer) Obtain(ctx context.Context) (session.Credentials, error) {
	return session.Credentials{JWT: "t", APIKey: "k", ClientCode: "C1", FeedToken: "f1"}, nil
}

// ackFrame builds a synthetic 51-byte acknowledgement frame matching
// decoder's ack layout (signature byte 0x37 at offset 2, 4-byte
// message id at offset 3, little-endian status at offset 38).
func ackFrame(messageID string, status int16) []byte {
	const (
		frameLen        = 51
		signatureByte   = 0x37
		offMessageID    = 3
		offStatusCode   = 38
	)
	buf := make([]byte, frameLen)
	buf[2] = signatureByte
	copy(buf[offMessageID:], messageID)
	buf[offStatusCode] = byte(status)
	buf[offStatusCode+1] = byte(status >> 8)
	return buf
}

func TestConnection_ReachesReadyAfterAuthTimeout(t *testing.T) {
	sock := newFakeSocket()
	dialer := &fakeDialer{sockets: []*fakeSocket{sock}}

	cfg := Config{Mode: vendorproto.ModeLTP, URL: "wss://example", AuthTimeout: 10 * time.Millisecond}
	conn := New(cfg, dialer, stubIssuer{}, &decoder.Stats{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		conn.connectAndServe(ctx, 1)
		close(done)
	}()

	deadline := time.After(time.Second)
	for conn.State() != StateReady {
		select {
		case <-deadline:
			t.Fatalf("never reached READY, state=%v", conn.State())
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	<-done
}

func TestConnection_AckAdvancesToAuthenticatedBeforeReady(t *testing.T) {
	sock := newFakeSocket()
	dialer := &fakeDialer{sockets: []*fakeSocket{sock}}

	var mu sync.Mutex
	var gotAck decoder.Acknowledgement
	onAck := func(epoch uint64, ack decoder.Acknowledgement) {
		mu.Lock()
		gotAck = ack
		mu.Unlock()
	}

	cfg := Config{Mode: vendorproto.ModeLTP, URL: "wss://example", AuthTimeout: 200 * time.Millisecond}
	conn := New(cfg, dialer, stubIssuer{}, &decoder.Stats{}, nil, onAck)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go conn.connectAndServe(ctx, 1)

	time.Sleep(20 * time.Millisecond)
	sock.push(ackFrame("A1B2", 0))

	deadline := time.After(time.Second)
	for conn.State() != StateAuthenticated && conn.State() != StateReady {
		select {
		case <-deadline:
			t.Fatalf("never observed AUTHENTICATED, state=%v", conn.State())
		case <-time.After(time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if gotAck.MessageID != "A1B2" {
		t.Errorf("onAck MessageID = %q, want A1B2", gotAck.MessageID)
	}
}

func TestConnection_RunRetriesOnDialErrorThenSucceeds(t *testing.T) {
	sock := newFakeSocket()
	dialer := &fakeDialer{
		errs:    []error{errors.New("boom")},
		sockets: []*fakeSocket{nil, sock},
	}

	cfg := Config{
		Mode:                 vendorproto.ModeLTP,
		URL:                  "wss://example",
		AuthTimeout:          5 * time.Millisecond,
		ReconnectBase:        5 * time.Millisecond,
		ReconnectMultiplier:  1.5,
		ReconnectMaxAttempts: 3,
	}
	conn := New(cfg, dialer, stubIssuer{}, &decoder.Stats{}, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- conn.Run(ctx) }()

	deadline := time.After(time.Second)
	for conn.State() != StateReady {
		select {
		case <-deadline:
			t.Fatalf("never reached READY after retry, state=%v", conn.State())
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	<-errCh
}

func TestConnection_RunSurfacesReconnectCapExceeded(t *testing.T) {
	dialer := &fakeDialer{errs: []error{
		errors.New("1"), errors.New("2"), errors.New("3"),
	}}

	cfg := Config{
		Mode:                 vendorproto.ModeLTP,
		URL:                  "wss://example",
		ReconnectBase:        time.Millisecond,
		ReconnectMultiplier:  1,
		ReconnectMaxAttempts: 2,
	}
	conn := New(cfg, dialer, stubIssuer{}, &decoder.Stats{}, nil, nil)

	err := conn.Run(context.Background())
	if !errors.Is(err, ErrReconnectCapExceeded) {
		t.Fatalf("Run() err = %v, want ErrReconnectCapExceeded", err)
	}
}

func TestConnection_ThreeConsecutiveAuthRejectionsSurfaceUnrecoverable(t *testing.T) {
	rejection := []byte(`{"success":false,"message":"bad credentials"}`)

	sockets := make([]*fakeSocket, maxConsecutiveAuthRejects)
	for i := range sockets {
		sockets[i] = newFakeSocket()
		sockets[i].pushText(rejection)
	}
	dialer := &fakeDialer{sockets: sockets}

	cfg := Config{
		Mode:                 vendorproto.ModeLTP,
		URL:                  "wss://example",
		AuthTimeout:          time.Second,
		AuthRejectWindow:     time.Minute,
		ReconnectBase:        time.Millisecond,
		ReconnectMultiplier:  1,
		ReconnectMaxAttempts: 10,
	}
	conn := New(cfg, dialer, stubIssuer{}, &decoder.Stats{}, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- conn.Run(ctx) }()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrAuthRejectedUnrecoverable) {
			t.Fatalf("Run() err = %v, want ErrAuthRejectedUnrecoverable", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after three consecutive auth rejections")
	}
}

func TestConnection_HealthTickerForcesReconnectOnStaleFrames(t *testing.T) {
	sock := newFakeSocket()
	dialer := &fakeDialer{sockets: []*fakeSocket{sock}}

	cfg := Config{
		Mode:           vendorproto.ModeLTP,
		URL:            "wss://example",
		AuthTimeout:    5 * time.Millisecond,
		HealthInterval: 10 * time.Millisecond,
		MaxFrameAge:    20 * time.Millisecond,
		MaxPongAge:     time.Hour,
	}
	conn := New(cfg, dialer, stubIssuer{}, &decoder.Stats{}, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- conn.connectAndServe(ctx, 1) }()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("connectAndServe() = nil, want health-check failure once frames go stale")
		}
	case <-time.After(time.Second):
		t.Fatal("connectAndServe did not return after frames went stale past MaxFrameAge")
	}
}

func TestConnection_DataRequestTickerFiresOnDataReqHandler(t *testing.T) {
	sock := newFakeSocket()
	dialer := &fakeDialer{sockets: []*fakeSocket{sock}}

	fired := make(chan uint64, 1)
	cfg := Config{
		Mode:                vendorproto.ModeLTP,
		URL:                 "wss://example",
		AuthTimeout:         5 * time.Millisecond,
		DataRequestInterval: 15 * time.Millisecond,
		HealthInterval:      time.Hour,
		MaxFrameAge:         time.Hour,
		MaxPongAge:          time.Hour,
	}
	conn := New(cfg, dialer, stubIssuer{}, &decoder.Stats{}, nil, nil)
	conn.OnDataRequest(func(epoch uint64) {
		select {
		case fired <- epoch:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go conn.connectAndServe(ctx, 7)

	select {
	case epoch := <-fired:
		if epoch != 7 {
			t.Errorf("onDataReq epoch = %d, want 7", epoch)
		}
	case <-time.After(time.Second):
		t.Fatal("onDataReq never fired within the data-request interval")
	}
	cancel()
}

func TestBackoffDelay_MatchesFormula(t *testing.T) {
	base := 5 * time.Second
	mult := 1.5
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Second},
		{2, 7500 * time.Millisecond},
		{3, 11250 * time.Millisecond},
	}
	for _, c := range cases {
		got := backoffDelay(c.attempt, base, mult)
		if got != c.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}
