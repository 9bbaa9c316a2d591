package gc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/jacktea/xblob/pkg/logging"
	"github.com/jacktea/xblob/pkg/xerrors"
)

// Sessions is the part of the session manager the reaper drives.
type Sessions interface {
	IdleSessions() []uint16
	Expire(ctx context.Context, id uint16) (bool, error)
}

// ReaperOptions configures a Reaper.
type ReaperOptions struct {
	Sessions Sessions
	Logger   *zerolog.Logger
}

// Reaper expires idle sessions. A handler that refuses expiry keeps its
// session, which is offered again on the next pass.
type Reaper struct {
	sessions Sessions
	log      zerolog.Logger
}

// NewReaper returns a reaper over sessions.
func NewReaper(opts ReaperOptions) *Reaper {
	return &Reaper{
		sessions: opts.Sessions,
		log:      logging.OrNop(opts.Logger).With().Str("component", "reaper").Logger(),
	}
}

// Reap makes one pass and returns how many sessions were expired.
func (r *Reaper) Reap(ctx context.Context) (int, error) {
	if r.sessions == nil {
		return 0, fmt.Errorf("reaper missing session manager")
	}
	var expired int
	var errs []error
	for _, id := range r.sessions.IdleSessions() {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		ok, err := r.sessions.Expire(ctx, id)
		switch {
		case err != nil && errors.Is(err, xerrors.ErrInvalidSession):
			// closed by its client since the listing
		case err != nil:
			errs = append(errs, fmt.Errorf("session %d: %w", id, err))
		case ok:
			expired++
		}
	}
	return expired, errors.Join(errs...)
}

// Start launches the reaping loop until ctx is canceled.
func (r *Reaper) Start(ctx context.Context, interval time.Duration) context.CancelFunc {
	return loop(ctx, interval, func(ctx context.Context) {
		n, err := r.Reap(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			r.log.Warn().Err(err).Msg("reap")
		}
		if n > 0 {
			r.log.Debug().Int("expired", n).Msg("reaped idle sessions")
		}
	})
}
