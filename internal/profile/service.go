package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/groupbookhq/groupbook/pkg/backendsdk"
	"github.com/groupbookhq/groupbook/pkg/namesplit"
	"github.com/groupbookhq/groupbook/pkg/phone"
	"github.com/groupbookhq/groupbook/pkg/slogx"
)

var (
	// ErrUpdateFailed means the update matched no rows (stale user id).
	ErrUpdateFailed = errors.New("profile: update matched no rows")

	// ErrNoFields means the update carried nothing to write.
	ErrNoFields = errors.New("profile: update contains no fields")
)

const (
	defaultAttemptTimeout = 8 * time.Second
	defaultRetryDelay     = time.Second
)

// Service reads and writes profile rows through the backend row API.
type Service struct {
	rows backendsdk.Rows

	// AttemptTimeout bounds a single fetch attempt, independent of the
	// transport's own timeout. A losing attempt's eventual result is
	// discarded, never applied.
	AttemptTimeout time.Duration

	// RetryDelay is the fixed pause between retry attempts.
	RetryDelay time.Duration
}

// NewService returns a Service with the default timeout and retry policy.
func NewService(rows backendsdk.Rows) *Service {
	return &Service{
		rows:           rows,
		AttemptTimeout: defaultAttemptTimeout,
		RetryDelay:     defaultRetryDelay,
	}
}

// Fetch returns the user's profile, lazily creating it when absent.
//
// A missing row is not an error: the profile is derived from the user's email
// and signup metadata, inserted, and returned. An access-denied failure means
// the row exists but policy forbids the read; it propagates as-is and is
// never masked as not-found. Each attempt is raced against AttemptTimeout;
// on timeout the attempt fails with backendsdk.CodeTimeout and whatever it
// eventually resolves to is ignored.
func (s *Service) Fetch(ctx context.Context, user *backendsdk.User) (*Profile, error) {
	type outcome struct {
		p   *Profile
		err error
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Buffered so the late loser can settle without a reader.
	done := make(chan outcome, 1)
	go func() {
		p, err := s.fetchOrCreate(attemptCtx, user)
		done <- outcome{p, err}
	}()

	timer := time.NewTimer(s.AttemptTimeout)
	defer timer.Stop()

	select {
	case out := <-done:
		return out.p, out.err
	case <-timer.C:
		cancel()
		return nil, &backendsdk.Error{Code: backendsdk.CodeTimeout, Message: "profile fetch timed out"}
	case <-ctx.Done():
		// A deadline is a timeout; a deliberate cancel is not, and must
		// not look transient to the retry policy.
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &backendsdk.Error{Code: backendsdk.CodeTimeout, Message: "profile fetch timed out"}
		}
		return nil, ctx.Err()
	}
}

func (s *Service) fetchOrCreate(ctx context.Context, user *backendsdk.User) (*Profile, error) {
	log := slogx.FromContext(ctx)

	var p Profile
	err := s.rows.SelectOne(ctx, Table, backendsdk.Where("id", backendsdk.Eq(user.ID)), &p)
	if err == nil {
		return &p, nil
	}
	if !backendsdk.IsCode(err, backendsdk.CodeNotFound) {
		return nil, err
	}

	seed := s.defaults(user)
	log.Info("profile row missing, creating from signup metadata",
		slog.String("user_id", user.ID),
	)

	var created Profile
	if err := s.rows.Insert(ctx, Table, seed, &created); err != nil {
		// Another client may have created the row between our read and write.
		if backendsdk.IsCode(err, backendsdk.CodeConflict) {
			var existing Profile
			if selErr := s.rows.SelectOne(ctx, Table, backendsdk.Where("id", backendsdk.Eq(user.ID)), &existing); selErr == nil {
				return &existing, nil
			}
		}
		return nil, err
	}
	return &created, nil
}

// defaults derives a fresh profile row from the backend identity record.
// During the migration window some accounts still carry only a full_name in
// their metadata; those are split with the same rule the backfill uses.
func (s *Service) defaults(user *backendsdk.User) *Profile {
	first := user.MetadataString("first_name")
	last := user.MetadataString("last_name")
	if first == "" && last == "" {
		first, last = namesplit.Split(user.MetadataString("full_name"))
	}

	return &Profile{
		ID:        user.ID,
		Email:     user.Email,
		FirstName: first,
		LastName:  last,
		Phone:     user.MetadataString("phone"),
	}
}

// FetchWithRetry runs Fetch up to attempts times with a fixed delay between
// tries. Deterministic failures (access denied, validation) are returned
// immediately; only transient failures are retried.
func (s *Service) FetchWithRetry(ctx context.Context, user *backendsdk.User, attempts int) (*Profile, error) {
	log := slogx.FromContext(ctx)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		p, err := s.Fetch(ctx, user)
		if err == nil {
			return p, nil
		}
		if !backendsdk.Retryable(err) {
			return nil, err
		}
		lastErr = err

		if attempt < attempts {
			log.Warn("profile fetch failed, retrying",
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", attempts),
				slog.Any("error", err),
			)
			select {
			case <-time.After(s.RetryDelay):
			case <-ctx.Done():
				return nil, lastErr
			}
		}
	}
	return nil, lastErr
}

// UpdateProfile writes the supplied fields of the user's profile and returns
// the refreshed row. A stale id (zero rows matched) fails with
// ErrUpdateFailed; a malformed phone with phone.ErrInvalid. Never retried.
func (s *Service) UpdateProfile(ctx context.Context, userID string, upd Update) (*Profile, error) {
	patch := upd.patch()
	if len(patch) == 0 {
		return nil, ErrNoFields
	}
	if upd.Phone != nil {
		if err := phone.Validate(*upd.Phone); err != nil {
			return nil, err
		}
	}

	var refreshed Profile
	err := s.rows.Update(ctx, Table, backendsdk.Where("id", backendsdk.Eq(userID)), patch, &refreshed)
	if err != nil {
		if backendsdk.IsCode(err, backendsdk.CodeNotFound) {
			return nil, fmt.Errorf("%w: user %s", ErrUpdateFailed, userID)
		}
		return nil, err
	}
	return &refreshed, nil
}
