package source

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/keithlinneman/linnemanlabs-vault/internal/log"
)

const (
	DefaultPollInterval = 60 * time.Second

	maxBackoff = 10 * time.Minute
)

type pollResult int

const (
	pollUnchanged  pollResult = iota // live version matches, or nothing is unlocked
	pollChanged                      // live version differs from the unlocked one
	pollProbeError                   // probe failed, back off
)

// StaleTracker is the view of the session the watcher needs. The unlocked
// version is compared against what the authority currently publishes.
type StaleTracker interface {
	// UnlockedVersion reports the container version the session was
	// unlocked with, and false while locked.
	UnlockedVersion() (string, bool)
	// MarkStale records that live replaced unlocked. It returns false when
	// the session moved on in the meantime.
	MarkStale(unlocked, live string) bool
	// ClearStale undoes MarkStale when the published version returns to
	// unlocked.
	ClearStale(unlocked string) bool
}

type WatcherMetrics interface {
	IncWatcherPolls()
	IncWatcherError(kind string)
	SetWatcherLastSuccess(unixSeconds float64)
	SetContainerStale(stale bool)
}

type WatcherOptions struct {
	Logger       log.Logger
	Prober       VersionProber
	Session      StaleTracker
	PollInterval time.Duration
	Metrics      WatcherMetrics

	// OnStale runs on the poll goroutine the first time a given live
	// version is seen to differ from the unlocked one.
	OnStale func(unlocked, live string)
}

// Watcher polls the container authority and flags the session when the
// published container changes under it. It never re-decrypts: the password
// is not kept, so a user has to unlock again to pick up the new container.
type Watcher struct {
	prober   VersionProber
	session  StaleTracker
	logger   log.Logger
	interval time.Duration
	metrics  WatcherMetrics
	onStale  func(unlocked, live string)

	// last live version reported as stale, to log once per change
	flagged string

	consecutiveErrs int
	pollCount       int64
}

func NewWatcher(opts *WatcherOptions) *Watcher {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Watcher{
		prober:   opts.Prober,
		session:  opts.Session,
		logger:   opts.Logger,
		interval: interval,
		metrics:  opts.Metrics,
		onStale:  opts.OnStale,
	}
}

// Run polls until ctx is cancelled. Launch as go w.Run(ctx).
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info(ctx, "container watcher starting", "poll_interval", w.interval.String())

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "container watcher stopping",
				"reason", ctx.Err(),
				"polls", w.pollCount,
			)
			return ctx.Err()
		case <-ticker.C:
			res := w.checkOnce(ctx)
			switch {
			case res == pollProbeError:
				w.consecutiveErrs++
				backoff := w.backoffDuration()
				w.logger.Warn(ctx, "container watcher: backing off",
					"consecutive_errors", w.consecutiveErrs,
					"next_poll_in", backoff.String(),
				)
				ticker.Reset(backoff)
			case w.consecutiveErrs > 0:
				w.logger.Info(ctx, "container watcher: recovered, resuming normal interval",
					"had_consecutive_errors", w.consecutiveErrs,
				)
				w.consecutiveErrs = 0
				ticker.Reset(w.interval)
			}
		}
	}
}

func (w *Watcher) checkOnce(ctx context.Context) pollResult {
	w.pollCount++
	if w.metrics != nil {
		w.metrics.IncWatcherPolls()
	}

	unlocked, ok := w.session.UnlockedVersion()

	live, err := w.prober.CurrentVersion(ctx)
	if err != nil {
		w.logger.Error(ctx, err, "container watcher: probe failed")
		if w.metrics != nil {
			w.metrics.IncWatcherError("probe")
		}
		return pollProbeError
	}
	if w.metrics != nil {
		w.metrics.SetWatcherLastSuccess(float64(time.Now().Unix()))
	}

	if !ok || live == unlocked {
		if ok {
			w.session.ClearStale(unlocked)
		}
		if w.flagged != "" {
			w.flagged = ""
			if w.metrics != nil {
				w.metrics.SetContainerStale(false)
			}
		}
		return pollUnchanged
	}

	if live == w.flagged {
		return pollChanged
	}
	if !w.session.MarkStale(unlocked, live) {
		// a new unlock landed between the read and the mark
		return pollUnchanged
	}
	w.flagged = live
	if w.metrics != nil {
		w.metrics.SetContainerStale(true)
	}
	w.logger.Warn(ctx, "container watcher: published container changed since unlock, a new unlock is required to serve it",
		"unlocked_version", unlocked,
		"live_version", live,
	)
	if w.onStale != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error(ctx, fmt.Errorf("OnStale panic: %v", r),
						"container watcher: OnStale callback panicked, continuing",
					)
				}
			}()
			w.onStale(unlocked, live)
		}()
	}
	return pollChanged
}

// backoffDuration doubles the interval per consecutive error, capped at maxBackoff.
func (w *Watcher) backoffDuration() time.Duration {
	d := time.Duration(float64(w.interval) * math.Pow(2, float64(w.consecutiveErrs)))
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	return d
}
