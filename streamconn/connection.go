// Package streamconn owns one upstream vendor streaming connection:
// dial, authenticate, heartbeat, health-check, frame I/O, and bounded
// exponential-backoff reconnection (spec.md §4.2). It is the C2
// component; Feed Manager owns two of these, one per mode.
package streamconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dhanstream/marketfeed/decoder"
	"github.com/dhanstream/marketfeed/logging"
	"github.com/dhanstream/marketfeed/metrics"
	"github.com/dhanstream/marketfeed/session"
	"github.com/dhanstream/marketfeed/vendorproto"
)

// maxConsecutiveAuthRejects is the "three consecutive rejections"
// threshold from spec.md §7 error kind 2.
const maxConsecutiveAuthRejects = 3

// TickHandler receives a decoded frame tagged with the epoch it
// arrived on. Callers must drop frames whose epoch does not match the
// Connection's current epoch (spec.md §3: "ticks and control messages
// tagged with an older epoch are dropped").
type TickHandler func(epoch uint64, kind decoder.FrameKind, payload interface{})

// AckHandler is invoked for every acknowledgement frame, so the Feed
// Manager can arm the 307 deferred-resubscribe timer (spec.md §4.4).
type AckHandler func(epoch uint64, ack decoder.Acknowledgement)

// Config parameterizes a Connection. Zero-value durations are
// replaced with the spec.md §5 defaults by Validate.
type Config struct {
	Mode vendorproto.Mode
	URL  string

	ConnectTimeout       time.Duration
	AuthTimeout          time.Duration
	PingInterval         time.Duration
	DataRequestInterval  time.Duration
	HealthInterval       time.Duration
	ScavengeInterval     time.Duration
	MaxFrameAge          time.Duration
	MaxPongAge           time.Duration
	PartialBufferMaxAge  time.Duration

	// AuthRejectWindow bounds the "three consecutive rejections"
	// escalation in spec.md §7 error kind 2. The spec does not name an
	// exact window, so this defaults to 10 minutes; rejections older
	// than the window are pruned and don't count towards the cap.
	AuthRejectWindow time.Duration

	ReconnectBase        time.Duration
	ReconnectMultiplier  float64
	ReconnectMaxAttempts int
}

// Validate fills in spec.md §5 defaults for any zero-valued field.
func (c *Config) Validate() {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.AuthTimeout == 0 {
		c.AuthTimeout = 5 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.DataRequestInterval == 0 {
		c.DataRequestInterval = 60 * time.Second
	}
	if c.HealthInterval == 0 {
		c.HealthInterval = 60 * time.Second
	}
	if c.ScavengeInterval == 0 {
		c.ScavengeInterval = 10 * time.Second
	}
	if c.MaxFrameAge == 0 {
		c.MaxFrameAge = 5 * time.Minute
	}
	if c.MaxPongAge == 0 {
		c.MaxPongAge = 2 * time.Minute
	}
	if c.PartialBufferMaxAge == 0 {
		c.PartialBufferMaxAge = 30 * time.Second
	}
	if c.AuthRejectWindow == 0 {
		c.AuthRejectWindow = 10 * time.Minute
	}
	if c.ReconnectBase == 0 {
		c.ReconnectBase = 5 * time.Second
	}
	if c.ReconnectMultiplier == 0 {
		c.ReconnectMultiplier = 1.5
	}
	if c.ReconnectMaxAttempts == 0 {
		c.ReconnectMaxAttempts = 10
	}
}

// Connection drives the state machine for one upstream streaming
// socket. Subscribe/unsubscribe/data-request frames are pushed in via
// Send, which the Feed Manager calls from several goroutines (Control
// Plane events, Connection callbacks, its 307 timer); frames are queued
// on the outbound channel, which only serve drains onto the socket.
type Connection struct {
	cfg    Config
	dialer Dialer
	issuer session.Issuer
	stats  *decoder.Stats

	onTick    TickHandler
	onAck     AckHandler
	onState   func(epoch uint64, s State)
	onDataReq func(epoch uint64)

	mu          sync.Mutex
	state       State
	epoch       uint64
	sock        Socket
	lastFrameAt time.Time
	lastPongAt  time.Time
	authRejects []time.Time

	outbound chan []byte
}

// New constructs a Connection. dialer may be nil to use the
// production GorillaDialer.
func New(cfg Config, dialer Dialer, issuer session.Issuer, stats *decoder.Stats, onTick TickHandler, onAck AckHandler) *Connection {
	cfg.Validate()
	if dialer == nil {
		dialer = GorillaDialer{HandshakeTimeout: cfg.ConnectTimeout}
	}
	return &Connection{
		cfg:      cfg,
		dialer:   dialer,
		issuer:   issuer,
		stats:    stats,
		onTick:   onTick,
		onAck:    onAck,
		outbound: make(chan []byte, 64),
	}
}

func (c *Connection) modeLabel() string {
	return strconv.Itoa(int(c.cfg.Mode))
}

// State returns the current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Epoch returns the current epoch counter.
func (c *Connection) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	epoch := c.epoch
	c.mu.Unlock()
	metrics.ConnectionState.WithLabelValues(c.modeLabel()).Set(float64(s))
	if c.onState != nil {
		c.onState(epoch, s)
	}
}

// OnStateChange registers a callback invoked on every state
// transition, tagged with the epoch active at the time. Feed Manager
// uses this to detect a fresh READY transition and synthesize a full
// resubscribe (spec.md §4.4).
func (c *Connection) OnStateChange(fn func(epoch uint64, s State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

// OnTick replaces the tick handler supplied to New. Feed Manager uses
// this so it can close over the Connection/Dispatcher pairing after
// both are constructed.
func (c *Connection) OnTick(fn TickHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTick = fn
}

// OnAck replaces the ack handler supplied to New.
func (c *Connection) OnAck(fn AckHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAck = fn
}

// OnDataRequest registers the handler fired every DataRequestInterval
// while READY. The vendor requires a periodic re-send of the full
// market-data request for all subscribed tokens to keep a subscription
// alive (spec.md §4.2, §4.4); Feed Manager uses this to rebuild and
// resend that grouped action:2 frame from the Registry snapshot.
func (c *Connection) OnDataRequest(fn func(epoch uint64)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDataReq = fn
}

// Send enqueues a subscribe/unsubscribe/data-request frame for
// delivery on the wire. It is non-blocking; if the outbound buffer is
// full the frame is dropped and logged, matching the overflow policy
// used elsewhere in this engine (spec.md §5).
func (c *Connection) Send(frame vendorproto.SubscribeFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		logging.Error("streamconn: marshal outbound frame", err)
		return
	}
	select {
	case c.outbound <- data:
	default:
		logging.Warn("streamconn: outbound buffer full, dropping frame",
			logging.String("mode", c.modeLabel()))
	}
}

// Run drives the Connection until ctx is cancelled or the reconnect
// budget is exhausted (spec.md §4.2, §7 error kind 6).
func (c *Connection) Run(ctx context.Context) error {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		epoch := c.nextEpoch()
		err := c.connectAndServe(ctx, epoch)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if errors.Is(err, ErrAuthRejectedUnrecoverable) {
			logging.TrackError(ctx, err, "critical", map[string]interface{}{"mode": c.modeLabel()})
			c.setState(StateReconnecting)
			return err
		}

		attempt++
		if attempt > c.cfg.ReconnectMaxAttempts {
			logging.TrackError(ctx, err, "critical", map[string]interface{}{
				"mode": c.modeLabel(), "attempts": attempt - 1,
			})
			return fmt.Errorf("%w after %d attempts: %v", ErrReconnectCapExceeded, attempt-1, err)
		}

		metrics.Reconnects.WithLabelValues(c.modeLabel()).Inc()
		c.setState(StateReconnecting)
		logging.TrackError(ctx, err, "high", map[string]interface{}{"mode": c.modeLabel()})
		delay := backoffDelay(attempt, c.cfg.ReconnectBase, c.cfg.ReconnectMultiplier)
		logging.Warn("streamconn: reconnecting", logging.String("mode", c.modeLabel()),
			logging.String("delay", delay.String()), logging.String("cause", logging.MaskSensitiveData(err.Error())),
			logging.Int("attempt", attempt))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Connection) nextEpoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	return c.epoch
}

func (c *Connection) currentEpoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// connectAndServe performs one full dial -> auth -> ready -> serve
// cycle. It returns ctx's error once ctx is cancelled,
// ErrAuthRejectedUnrecoverable (which Run does not retry) after
// repeated auth rejections, and otherwise a transient error that Run
// backs off and retries.
func (c *Connection) connectAndServe(ctx context.Context, epoch uint64) error {
	c.setState(StateConnecting)

	connectCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	creds, err := c.issuer.Obtain(connectCtx)
	if err != nil {
		return fmt.Errorf("obtain session: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+creds.JWT)
	header.Set("x-api-key", creds.APIKey)
	header.Set("x-client-code", creds.ClientCode)
	header.Set("x-feed-token", creds.FeedToken)

	sock, err := c.dialer.Dial(connectCtx, c.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer sock.Close()

	c.mu.Lock()
	c.sock = sock
	now := time.Now()
	c.lastFrameAt = now
	c.lastPongAt = now
	c.mu.Unlock()

	sock.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.lastPongAt = time.Now()
		c.mu.Unlock()
		return nil
	})

	c.setState(StateAuthenticating)
	authFrame := vendorproto.AuthFrame{
		CorrelationID: uuid.NewString(),
		Action:        vendorproto.ActionSubscribe, // vendor overloads action=1 for auth too
		Params: vendorproto.AuthParams{
			ClientCode:    creds.ClientCode,
			Authorization: creds.JWT,
		},
	}
	authBytes, err := json.Marshal(authFrame)
	if err != nil {
		return fmt.Errorf("marshal auth frame: %w", err)
	}
	if err := sock.WriteMessage(textMessage, authBytes); err != nil {
		return fmt.Errorf("send auth frame: %w", err)
	}

	readCh := make(chan readResult, 32)
	go readLoop(sock, readCh)

	if err := c.awaitReady(ctx, readCh, epoch); err != nil {
		return err
	}

	return c.serve(ctx, sock, readCh, epoch)
}

type readResult struct {
	messageType int
	data        []byte
	err         error
}

func readLoop(sock Socket, out chan<- readResult) {
	for {
		mt, data, err := sock.ReadMessage()
		if err != nil {
			out <- readResult{err: err}
			return
		}
		out <- readResult{messageType: mt, data: data}
	}
}

// awaitReady waits for the post-auth timer, per spec.md's state
// table: both AUTHENTICATING and AUTHENTICATED transition to READY on
// that timer firing, not on the ack itself. An ack observed in the
// meantime advances AUTHENTICATING -> AUTHENTICATED but does not skip
// the timer.
func (c *Connection) awaitReady(ctx context.Context, readCh <-chan readResult, epoch uint64) error {
	timer := time.NewTimer(c.cfg.AuthTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			c.resetAuthRejects()
			c.setState(StateReady)
			return nil
		case res := <-readCh:
			if res.err != nil {
				return fmt.Errorf("read during auth: %w", res.err)
			}
			c.touchFrame()
			if res.messageType == textMessage {
				if err := c.handleAuthStatusEnvelope(ctx, res.data); err != nil {
					return err
				}
				continue
			}
			kind, payload := decoder.Decode(res.data, c.stats)
			if kind == decoder.FrameAck {
				if ack, ok := payload.(decoder.Acknowledgement); ok {
					c.setState(StateAuthenticated)
					if c.onAck != nil {
						c.onAck(epoch, ack)
					}
				}
			}
		}
	}
}

// handleAuthStatusEnvelope parses an inbound JSON status envelope
// (spec.md §6) observed while CONNECTING/AUTHENTICATING. A
// success:false envelope is an authentication rejection (spec.md §7
// error kind 2): each one is recorded, and three within
// AuthRejectWindow escalate to ErrAuthRejectedUnrecoverable instead of
// being retried forever.
func (c *Connection) handleAuthStatusEnvelope(ctx context.Context, data []byte) error {
	var env vendorproto.StatusEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		logging.Warn("streamconn: malformed status envelope", logging.String("mode", c.modeLabel()))
		return nil
	}
	if env.Success {
		return nil
	}

	count := c.recordAuthReject()
	logging.TrackError(ctx, fmt.Errorf("auth rejected: %s", env.Message), "high", map[string]interface{}{
		"mode": c.modeLabel(), "consecutive": count,
	})
	logging.Warn("streamconn: auth rejected",
		logging.String("mode", c.modeLabel()),
		logging.String("message", logging.MaskSensitiveData(env.Message)),
		logging.Int("consecutive", count))

	if count >= maxConsecutiveAuthRejects {
		return fmt.Errorf("%w: %d rejections within %s", ErrAuthRejectedUnrecoverable, count, c.cfg.AuthRejectWindow)
	}
	return fmt.Errorf("auth rejected: %s", env.Message)
}

// recordAuthReject appends now to the rejection window, pruning
// entries older than AuthRejectWindow, and returns the resulting
// consecutive-rejection count.
func (c *Connection) recordAuthReject() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	cutoff := now.Add(-c.cfg.AuthRejectWindow)
	kept := c.authRejects[:0]
	for _, t := range c.authRejects {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.authRejects = append(kept, now)
	return len(c.authRejects)
}

// resetAuthRejects clears the rejection window on a successful
// auth cycle (promotion to READY).
func (c *Connection) resetAuthRejects() {
	c.mu.Lock()
	c.authRejects = nil
	c.mu.Unlock()
}

// serve is the READY-state run loop: it multiplexes inbound frames,
// outbound sends, and the four periodic timers described in
// spec.md §4.2 until the socket errors, health fails, or ctx is done.
func (c *Connection) serve(ctx context.Context, sock Socket, readCh <-chan readResult, epoch uint64) error {
	pingTicker := time.NewTicker(c.cfg.PingInterval)
	defer pingTicker.Stop()
	dataReqTicker := time.NewTicker(c.cfg.DataRequestInterval)
	defer dataReqTicker.Stop()
	healthTicker := time.NewTicker(c.cfg.HealthInterval)
	defer healthTicker.Stop()
	scavengeTicker := time.NewTicker(c.cfg.ScavengeInterval)
	defer scavengeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case res := <-readCh:
			if res.err != nil {
				return fmt.Errorf("read: %w", res.err)
			}
			c.touchFrame()
			if res.messageType == textMessage {
				c.logStatusEnvelope(res.data)
				continue
			}
			kind, payload := decoder.Decode(res.data, c.stats)
			switch kind {
			case decoder.FrameAck:
				if ack, ok := payload.(decoder.Acknowledgement); ok && c.onAck != nil {
					c.onAck(epoch, ack)
				}
			case decoder.FrameUnknown:
				metrics.DecodeErrors.Inc()
			default:
				var fieldErr error
				switch t := payload.(type) {
				case decoder.LTPTick:
					fieldErr = t.Err
				case decoder.QuoteTick:
					fieldErr = t.Err
				case decoder.SnapQuoteTick:
					fieldErr = t.Err
				}
				if fieldErr != nil {
					metrics.DecodeErrors.Inc()
				} else {
					metrics.TicksDecoded.WithLabelValues(c.modeLabel()).Inc()
				}
				if c.onTick != nil {
					c.onTick(epoch, kind, payload)
				}
			}

		case data := <-c.outbound:
			if err := sock.WriteMessage(textMessage, data); err != nil {
				return fmt.Errorf("write: %w", err)
			}

		case <-pingTicker.C:
			if err := sock.WriteControl(pingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return fmt.Errorf("ping: %w", err)
			}

		case <-dataReqTicker.C:
			if c.onDataReq != nil {
				c.onDataReq(epoch)
			}

		case <-healthTicker.C:
			if !c.healthy() {
				return fmt.Errorf("health check failed: stale frames or pongs")
			}

		case <-scavengeTicker.C:
			// No cross-message partial-frame buffering is kept today
			// (gorilla/websocket reassembles fragmented messages
			// before ReadMessage returns), so there is nothing to
			// scavenge; the ticker exists so a future partial-buffer
			// cache has somewhere to hook in without resizing the
			// select loop.
		}
	}
}

// logStatusEnvelope parses an inbound JSON status envelope observed
// during normal operation (spec.md §6). Rejections here don't feed the
// auth-reject escalation in handleAuthStatusEnvelope — that window
// only covers the CONNECTING/AUTHENTICATING handshake.
func (c *Connection) logStatusEnvelope(data []byte) {
	var env vendorproto.StatusEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		logging.Warn("streamconn: malformed status envelope", logging.String("mode", c.modeLabel()))
		return
	}
	if env.Success {
		return
	}
	logging.Warn("streamconn: status envelope reported failure",
		logging.String("mode", c.modeLabel()),
		logging.String("message", logging.MaskSensitiveData(env.Message)))
}

func (c *Connection) touchFrame() {
	c.mu.Lock()
	c.lastFrameAt = time.Now()
	c.mu.Unlock()
}

func (c *Connection) healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if now.Sub(c.lastFrameAt) > c.cfg.MaxFrameAge {
		return false
	}
	if now.Sub(c.lastPongAt) > c.cfg.MaxPongAge {
		return false
	}
	return true
}
