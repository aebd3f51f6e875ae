package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/idlemarket/fishbot/internal/creds"
)

// Invalidator wipes persisted credential state so the next acquisition runs
// a full interactive re-auth. creds.FileCache satisfies it.
type Invalidator interface {
	Invalidate() error
}

// SupervisorOptions configures the reconnect loop.
type SupervisorOptions struct {
	Session     Options
	Provider    creds.Provider
	Invalidator Invalidator
	// Updates optionally delivers externally refreshed credential bundles;
	// an update during backoff cuts the wait short.
	Updates <-chan *creds.Bundle
	Logger  zerolog.Logger

	MaxConsecutiveFailures int           // default 10
	MaxTokenFailures       int           // default 3
	BackoffStep            time.Duration // default 5s
	BackoffCap             time.Duration // default 30s
}

// Supervisor runs sessions back to back, applying backoff between failures
// and forcing credential re-acquisition when failures pile up.
type Supervisor struct {
	opts SupervisorOptions

	mu      sync.Mutex
	current *Session

	consecutiveFailures atomic.Int64
	tokenFailures       atomic.Int64
}

func NewSupervisor(opts SupervisorOptions) (*Supervisor, error) {
	if opts.Provider == nil {
		return nil, errors.New("session: credential provider is required")
	}
	if opts.MaxConsecutiveFailures <= 0 {
		opts.MaxConsecutiveFailures = 10
	}
	if opts.MaxTokenFailures <= 0 {
		opts.MaxTokenFailures = 3
	}
	if opts.BackoffStep <= 0 {
		opts.BackoffStep = 5 * time.Second
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 30 * time.Second
	}
	return &Supervisor{opts: opts}, nil
}

// State reports the current session's phase, Disconnected between attempts.
func (sv *Supervisor) State() State {
	sv.mu.Lock()
	sess := sv.current
	sv.mu.Unlock()
	if sess == nil {
		return Disconnected
	}
	return sess.State()
}

// Failures reports the consecutive-failure and token-failure counters.
func (sv *Supervisor) Failures() (consecutive, token int64) {
	return sv.consecutiveFailures.Load(), sv.tokenFailures.Load()
}

// Send routes a frame to the live session, ErrNotConnected otherwise.
func (sv *Supervisor) Send(ctx context.Context, frame []byte) error {
	sv.mu.Lock()
	sess := sv.current
	sv.mu.Unlock()
	if sess == nil {
		return ErrNotConnected
	}
	return sess.Send(ctx, frame)
}

func (sv *Supervisor) setCurrent(sess *Session) {
	sv.mu.Lock()
	sv.current = sess
	sv.mu.Unlock()
}

// Run reconnects until ctx is cancelled.
func (sv *Supervisor) Run(ctx context.Context) error {
	force := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		bundle, err := sv.opts.Provider.Credentials(ctx, force)
		force = false
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			sv.opts.Logger.Warn().Err(err).Msg("credential acquisition failed")
			bundle = sv.waitForBundle(ctx)
			if bundle == nil {
				continue
			}
		}

		sess, err := New(sv.opts.Session)
		if err != nil {
			return err
		}
		sv.setCurrent(sess)
		runErr := sess.Run(ctx, bundle)
		sv.setCurrent(nil)

		if ctx.Err() != nil {
			return ctx.Err()
		}

		reason := Reason(runErr)
		if sess.WasActive() {
			// The handshake succeeded, so the previous failure streak is
			// over; this disconnect starts a new one.
			sv.consecutiveFailures.Store(0)
			sv.tokenFailures.Store(0)
		}
		failures := sv.consecutiveFailures.Add(1)
		var tokenFailures int64
		if reason == ReasonCredentialExpired {
			tokenFailures = sv.tokenFailures.Add(1)
		}
		sv.opts.Logger.Warn().
			Err(runErr).
			Str("reason", reason.String()).
			Int64("consecutive_failures", failures).
			Msg("session ended")

		if failures >= int64(sv.opts.MaxConsecutiveFailures) || tokenFailures >= int64(sv.opts.MaxTokenFailures) {
			sv.opts.Logger.Warn().
				Int64("consecutive_failures", failures).
				Int64("token_failures", tokenFailures).
				Msg("forcing credential re-acquisition")
			if sv.opts.Invalidator != nil {
				if err := sv.opts.Invalidator.Invalidate(); err != nil {
					sv.opts.Logger.Error().Err(err).Msg("credential invalidation failed")
				}
			}
			sv.consecutiveFailures.Store(0)
			sv.tokenFailures.Store(0)
			force = true
			failures = 0
		}

		delay := sv.backoffDelay(failures)
		if delay > 0 {
			sv.opts.Logger.Info().Dur("delay", delay).Msg("reconnecting after backoff")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		case bundle := <-sv.updates():
			sv.opts.Logger.Info().Msg("credentials refreshed, reconnecting immediately")
			_ = bundle // the provider re-reads the cache on the next attempt
		}
	}
}

// backoffDelay grows linearly with the failure streak up to the cap.
func (sv *Supervisor) backoffDelay(failures int64) time.Duration {
	delay := sv.opts.BackoffStep * time.Duration(failures)
	if delay > sv.opts.BackoffCap {
		delay = sv.opts.BackoffCap
	}
	return delay
}

// waitForBundle blocks until the watcher delivers fresh credentials. Without
// a watcher it retries after one backoff cap.
func (sv *Supervisor) waitForBundle(ctx context.Context) *creds.Bundle {
	if sv.opts.Updates == nil {
		select {
		case <-ctx.Done():
		case <-time.After(sv.opts.BackoffCap):
		}
		return nil
	}
	sv.opts.Logger.Info().Msg("waiting for credentials to appear")
	select {
	case <-ctx.Done():
		return nil
	case bundle := <-sv.opts.Updates:
		return bundle
	}
}

func (sv *Supervisor) updates() <-chan *creds.Bundle {
	if sv.opts.Updates != nil {
		return sv.opts.Updates
	}
	// A nil channel never fires, keeping the select shape uniform.
	return nil
}
