package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/keithlinneman/linnemanlabs-vault/internal/assets"
	"github.com/keithlinneman/linnemanlabs-vault/internal/container"
	"github.com/keithlinneman/linnemanlabs-vault/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-vault/internal/log"
	"github.com/keithlinneman/linnemanlabs-vault/internal/source"
	"github.com/keithlinneman/linnemanlabs-vault/internal/xerrors"
)

// Messages returned to whoever submitted the password. Nothing else about
// a failed unlock leaves the process.
const (
	MsgNotFound  = "container not found"
	MsgDecrypt   = "decryption failed, password may be incorrect"
	MsgCancelled = "unlock cancelled"
)

// Unlock outcomes, used as the metrics label.
const (
	ResultSuccess      = "success"
	ResultFetchError   = "fetch_error"
	ResultFormatError  = "format_error"
	ResultDecryptError = "decrypt_error"
	ResultCancelled    = "cancelled"
)

// PublicError is the only error SubmitPassword returns. Error() is safe to
// show the caller; the underlying cause is kept for logs and errors.Is.
type PublicError struct {
	Message string
	Result  string
	err     error
}

func (e *PublicError) Error() string { return e.Message }
func (e *PublicError) Unwrap() error { return e.err }

// PublicMessage returns the caller-safe text for err.
func PublicMessage(err error) string {
	var pe *PublicError
	if errors.As(err, &pe) {
		return pe.Message
	}
	return MsgDecrypt
}

// Decrypter turns container bytes into a table. container.Codec satisfies it.
type Decrypter interface {
	Decrypt(b []byte, password string) (assets.Table, error)
}

type Metrics interface {
	ObserveUnlock(result string, seconds float64)
	SetSession(unlocked bool, assets int)
}

// Ack acknowledges a successful unlock.
type Ack struct {
	AttemptID  string
	UnlockedAt time.Time
	Assets     int
	Version    string
}

type UnlockerOptions struct {
	Logger  log.Logger
	Fetcher source.Fetcher
	// Decrypter defaults to container.Codec{} (600,000 iterations).
	Decrypter Decrypter
	Manager   *Manager
	Metrics   Metrics

	// OnUnlock runs after the new table is installed.
	OnUnlock func(ctx context.Context, ack Ack)
}

// Unlocker runs password submissions one at a time.
type Unlocker struct {
	logger   log.Logger
	fetcher  source.Fetcher
	codec    Decrypter
	manager  *Manager
	metrics  Metrics
	onUnlock func(ctx context.Context, ack Ack)

	// one slot: holding it is the fetch/decrypt/set critical section
	sem chan struct{}
}

func NewUnlocker(opts UnlockerOptions) (*Unlocker, error) {
	if opts.Fetcher == nil {
		return nil, xerrors.New("Fetcher is required")
	}
	if opts.Manager == nil {
		return nil, xerrors.New("Manager is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Decrypter == nil {
		opts.Decrypter = container.Codec{}
	}
	return &Unlocker{
		logger:   opts.Logger,
		fetcher:  opts.Fetcher,
		codec:    opts.Decrypter,
		manager:  opts.Manager,
		metrics:  opts.Metrics,
		onUnlock: opts.OnUnlock,
		sem:      make(chan struct{}, 1),
	}, nil
}

// SubmitPassword fetches the container, decrypts it with password and on
// success replaces the session table. On failure the session is left as
// it was and the error is a *PublicError.
//
// Submissions are serialized. A submission waiting for its turn gives up
// when ctx is done; once it holds the slot it runs to completion, bounded
// by the fetcher's own timeout.
func (u *Unlocker) SubmitPassword(ctx context.Context, password string) (Ack, error) {
	attempt := uuid.NewString()
	l := u.logger.With("attempt_id", attempt)

	select {
	case u.sem <- struct{}{}:
	case <-ctx.Done():
		l.Warn(ctx, "unlock abandoned while waiting for in-flight attempt", "reason", ctx.Err())
		u.observe(ResultCancelled, 0)
		return Ack{}, &PublicError{Message: MsgCancelled, Result: ResultCancelled, err: ctx.Err()}
	}
	defer func() { <-u.sem }()

	start := time.Now()

	art, err := u.fetcher.Fetch(ctx)
	if err != nil {
		l.Error(ctx, err, "unlock failed: container fetch")
		u.observe(ResultFetchError, time.Since(start).Seconds())
		return Ack{}, &PublicError{Message: MsgNotFound, Result: ResultFetchError, err: err}
	}

	table, err := u.codec.Decrypt(art.Data, password)
	if err != nil {
		result := ResultDecryptError
		if errors.Is(err, container.ErrFormat) {
			result = ResultFormatError
		}
		l.Error(ctx, err, "unlock failed: container did not open",
			"result", result,
			"container_version", art.Version,
			"container_sha256", cryptoutil.ShortHash(art.SHA256),
		)
		u.observe(result, time.Since(start).Seconds())
		return Ack{}, &PublicError{Message: MsgDecrypt, Result: result, err: err}
	}

	now := time.Now().UTC()
	u.manager.Set(State{
		Table: table,
		Container: ContainerInfo{
			SHA256:   art.SHA256,
			Version:  art.Version,
			Source:   art.Source,
			Location: art.Location,
			Size:     len(art.Data),
		},
		UnlockedAt: now,
	})
	ack := Ack{AttemptID: attempt, UnlockedAt: now, Assets: table.Len(), Version: art.Version}

	l.Info(ctx, "session unlocked",
		"assets", table.Len(),
		"decoded_bytes", table.DecodedSize(),
		"container_version", art.Version,
		"container_sha256", cryptoutil.ShortHash(art.SHA256),
		"source", string(art.Source),
		"duration", time.Since(start).String(),
	)
	u.observe(ResultSuccess, time.Since(start).Seconds())
	if u.metrics != nil {
		u.metrics.SetSession(true, table.Len())
	}
	if u.onUnlock != nil {
		u.onUnlock(ctx, ack)
	}
	return ack, nil
}

func (u *Unlocker) observe(result string, seconds float64) {
	if u.metrics != nil {
		u.metrics.ObserveUnlock(result, seconds)
	}
}
