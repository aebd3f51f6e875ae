// Package session owns one logical connection to the marketplace messaging
// backend: the register/sync handshake, heartbeat scheduling with ack
// watchdog, per-frame acking, and handoff of decoded envelopes to an injected
// handler. Reconnect and credential-refresh policy live in the Supervisor.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/idlemarket/fishbot/internal/creds"
	"github.com/idlemarket/fishbot/internal/wire"
)

var ErrNotConnected = errors.New("session not connected")

// State is the connection lifecycle phase.
type State int32

const (
	Disconnected State = iota
	Connecting
	Registering
	SyncingStatus
	Active
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Registering:
		return "registering"
	case SyncingStatus:
		return "syncing_status"
	case Active:
		return "active"
	case Closing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// CloseReason tags why a session ended.
type CloseReason int

const (
	ReasonUnknown CloseReason = iota
	ReasonCredentialExpired
	ReasonTransportClosed
	ReasonHeartbeatTimeout
)

func (r CloseReason) String() string {
	switch r {
	case ReasonCredentialExpired:
		return "credential_expired"
	case ReasonTransportClosed:
		return "transport_closed"
	case ReasonHeartbeatTimeout:
		return "heartbeat_timeout"
	default:
		return "unknown"
	}
}

// CloseError wraps the underlying failure with its close reason.
type CloseError struct {
	Reason CloseReason
	Err    error
}

func (e *CloseError) Error() string {
	if e.Err == nil {
		return "session closed: " + e.Reason.String()
	}
	return fmt.Sprintf("session closed (%s): %v", e.Reason, e.Err)
}

func (e *CloseError) Unwrap() error { return e.Err }

// Reason extracts the close reason from err, ReasonUnknown when err is not a
// session close.
func Reason(err error) CloseReason {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return ReasonUnknown
}

// TokenSource exchanges cookies for the websocket access token. Expiry-class
// failures wrap creds.ErrExpired.
type TokenSource interface {
	AccessToken(ctx context.Context, cookies map[string]string, deviceID string) (string, error)
}

// MessageHandler receives every decoded inbound envelope once protocol
// housekeeping (ack, heartbeat bookkeeping) is done. The session calls it
// exactly once per frame and never blocks on it beyond the call itself, so
// implementations must enqueue rather than process inline.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *wire.Decoded, sess *Session)
}

// Options configures a session. Zero-value durations get defaults.
type Options struct {
	URL     string
	Dialer  Dialer
	Codec   *wire.Codec
	Tokens  TokenSource
	Handler MessageHandler
	Logger  zerolog.Logger

	HeartbeatInterval time.Duration // default 15s
	HeartbeatTimeout  time.Duration // extra ack tolerance past the interval, default 5s
	SettleDelay       time.Duration // pause after register before sync-ack, default 1s
	Tick              time.Duration // heartbeat loop granularity, default 1s
	Clock             func() time.Time
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 15 * time.Second
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 5 * time.Second
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	} else if opts.SettleDelay == 0 {
		opts.SettleDelay = time.Second
	}
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return opts
}

// Session is one live connection attempt. It also carries the per-session
// reply-thread state the dispatch layer reads and updates.
type Session struct {
	opts Options

	state      atomic.Int32
	everActive atomic.Bool

	writeMu   sync.Mutex
	transport Transport

	lastBeatSent atomic.Int64 // unix nanos
	lastBeatAck  atomic.Int64

	ownerID string

	threadMu       sync.Mutex
	threadRef      string
	threadRefKnown bool
}

func New(opts Options) (*Session, error) {
	if opts.Dialer == nil || opts.Codec == nil || opts.Tokens == nil || opts.Handler == nil {
		return nil, errors.New("session: dialer, codec, tokens, and handler are required")
	}
	return &Session{opts: opts.withDefaults()}, nil
}

// State reports the current lifecycle phase. Safe from any goroutine.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// OwnerID is the account id this session registered as. Empty until the
// handshake derives it from the credential bundle.
func (s *Session) OwnerID() string { return s.ownerID }

// WasActive reports whether the handshake ever completed on this session.
func (s *Session) WasActive() bool { return s.everActive.Load() }

// UpdateThreadRef records the most recent marked thread reference seen on
// this connection.
func (s *Session) UpdateThreadRef(ref string) {
	if ref == "" {
		return
	}
	s.threadMu.Lock()
	s.threadRef = ref
	s.threadRefKnown = true
	s.threadMu.Unlock()
}

// ThreadRef returns the latest marked reference and whether one was ever
// seen on this connection.
func (s *Session) ThreadRef() (string, bool) {
	s.threadMu.Lock()
	defer s.threadMu.Unlock()
	return s.threadRef, s.threadRefKnown
}

// Send writes a pre-encoded frame. Writes are serialized; the heartbeat
// loop, the read loop's acks, and reply workers all share the transport.
func (s *Session) Send(ctx context.Context, frame []byte) error {
	s.writeMu.Lock()
	tr := s.transport
	s.writeMu.Unlock()
	if tr == nil || s.State() != Active {
		return ErrNotConnected
	}
	return s.write(ctx, frame)
}

func (s *Session) write(ctx context.Context, frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.transport == nil {
		return ErrNotConnected
	}
	return s.transport.Write(ctx, frame)
}

// Run drives the connection from dial through Active until the transport
// fails, the heartbeat watchdog fires, or ctx is cancelled. A cancelled ctx
// returns ctx.Err(); anything else returns a *CloseError.
func (s *Session) Run(ctx context.Context, bundle *creds.Bundle) error {
	s.setState(Connecting)
	defer s.setState(Disconnected)

	ownerID, err := bundle.OwnerID()
	if err != nil {
		return &CloseError{Reason: ReasonCredentialExpired, Err: err}
	}
	s.ownerID = ownerID
	deviceID := wire.DeviceID(ownerID)

	tr, err := s.opts.Dialer.Dial(ctx, s.opts.URL, bundle)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &CloseError{Reason: ReasonTransportClosed, Err: err}
	}
	s.writeMu.Lock()
	s.transport = tr
	s.writeMu.Unlock()
	defer func() {
		s.writeMu.Lock()
		s.transport = nil
		s.writeMu.Unlock()
		tr.Close()
	}()

	token, err := s.opts.Tokens.AccessToken(ctx, bundle.Cookies, deviceID)
	if err != nil {
		if errors.Is(err, creds.ErrExpired) {
			return &CloseError{Reason: ReasonCredentialExpired, Err: err}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &CloseError{Reason: ReasonTransportClosed, Err: err}
	}

	s.setState(Registering)
	reg, err := s.opts.Codec.EncodeRegister(deviceID, token)
	if err != nil {
		return &CloseError{Reason: ReasonTransportClosed, Err: err}
	}
	if err := s.write(ctx, reg); err != nil {
		return &CloseError{Reason: ReasonTransportClosed, Err: err}
	}
	if err := sleep(ctx, s.opts.SettleDelay); err != nil {
		return err
	}

	s.setState(SyncingStatus)
	syncAck, err := s.opts.Codec.EncodeSyncAck()
	if err != nil {
		return &CloseError{Reason: ReasonTransportClosed, Err: err}
	}
	if err := s.write(ctx, syncAck); err != nil {
		return &CloseError{Reason: ReasonTransportClosed, Err: err}
	}

	s.setState(Active)
	s.everActive.Store(true)
	now := s.opts.Clock().UnixNano()
	s.lastBeatSent.Store(now)
	s.lastBeatAck.Store(now)
	s.opts.Logger.Info().Str("owner", ownerID).Msg("session active")

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errc := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		errc <- s.heartbeatLoop(loopCtx)
	}()
	go func() {
		defer wg.Done()
		errc <- s.readLoop(loopCtx)
	}()

	err = <-errc
	s.setState(Closing)
	cancel()
	tr.Close()
	wg.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *Session) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		now := s.opts.Clock()
		if now.Sub(time.Unix(0, s.lastBeatAck.Load())) > s.opts.HeartbeatInterval+s.opts.HeartbeatTimeout {
			return &CloseError{Reason: ReasonHeartbeatTimeout}
		}
		if now.Sub(time.Unix(0, s.lastBeatSent.Load())) < s.opts.HeartbeatInterval {
			continue
		}
		frame, mid, err := s.opts.Codec.EncodeHeartbeat()
		if err != nil {
			return &CloseError{Reason: ReasonTransportClosed, Err: err}
		}
		if err := s.write(ctx, frame); err != nil {
			return &CloseError{Reason: ReasonTransportClosed, Err: err}
		}
		s.lastBeatSent.Store(now.UnixNano())
		s.opts.Logger.Debug().Str("mid", mid).Msg("heartbeat sent")
	}
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		frame, err := s.transportRead(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &CloseError{Reason: ReasonTransportClosed, Err: err}
		}
		decoded, err := s.opts.Codec.Decode(frame)
		if err != nil {
			// Malformed frames are contained; they never end the session.
			s.opts.Logger.Warn().Err(err).Int("bytes", len(frame)).Msg("dropping malformed frame")
			continue
		}
		if wire.IsHeartbeatAck(decoded.Envelope) {
			s.lastBeatAck.Store(s.opts.Clock().UnixNano())
			continue
		}
		if ack, err := s.opts.Codec.EncodeAck(decoded.Envelope); err == nil {
			if err := s.write(ctx, ack); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return &CloseError{Reason: ReasonTransportClosed, Err: err}
			}
		}
		s.opts.Handler.HandleMessage(ctx, decoded, s)
	}
}

func (s *Session) transportRead(ctx context.Context) ([]byte, error) {
	s.writeMu.Lock()
	tr := s.transport
	s.writeMu.Unlock()
	if tr == nil {
		return nil, ErrNotConnected
	}
	return tr.Read(ctx)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
