// Package ledger implements the credit reservation protocol: a pre-flight
// admission check before expensive work, and a post-hoc idempotent deduction
// after results are saved.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jcleary/sigscan/internal/store"
)

// ErrInsufficientBalance rejects a reservation at the admission gate.
var ErrInsufficientBalance = errors.New("insufficient credit balance")

// ErrReservationNotFound means the id+user pair matched no live reservation.
var ErrReservationNotFound = errors.New("reservation not found")

// Deductor is the durable ledger boundary. It must be idempotent under the
// deduction key; *store.Store satisfies it.
type Deductor interface {
	GetBalance(userID string) (int, error)
	DeductCredits(userID string, amount int, idempotencyKey, description string) (int, error)
	CountScansSince(userID string, since time.Time) (int, error)
}

// Options tunes the ledger.
type Options struct {
	// FreeScansPerDay is the free-tier daily quota; 0 disables it.
	FreeScansPerDay int
	// ReservationTTL garbage-collects reservations never consumed.
	ReservationTTL time.Duration
}

// DefaultOptions returns the production tuning.
func DefaultOptions() Options {
	return Options{
		FreeScansPerDay: 1,
		ReservationTTL:  15 * time.Minute,
	}
}

// Reservation is an advisory pre-authorization of credit spend. It lives
// only in process memory: best-effort throttling, not a correctness
// guarantee. The idempotent durable deduction is the system of record.
type Reservation struct {
	ID        string
	UserID    string
	Credits   int
	CreatedAt time.Time
}

// Ledger tracks reservations and drives the durable deduction.
type Ledger struct {
	deductor Deductor
	opts     Options
	log      *zap.SugaredLogger
	now      func() time.Time

	mu           sync.Mutex
	reservations map[string]*Reservation
}

// New creates a ledger.
func New(deductor Deductor, opts Options, log *zap.SugaredLogger) *Ledger {
	return &Ledger{
		deductor:     deductor,
		opts:         opts,
		log:          log,
		now:          time.Now,
		reservations: make(map[string]*Reservation),
	}
}

// Cost computes the credit price of a scan.
func Cost(accounts, rangeDays int, model string) int {
	return int(math.Ceil(float64(accounts) * rangeMultiplier(rangeDays) * modelMultiplier(model)))
}

func rangeMultiplier(rangeDays int) float64 {
	switch {
	case rangeDays <= 1:
		return 1
	case rangeDays <= 3:
		return 1.5
	case rangeDays <= 7:
		return 2
	default:
		return 3
	}
}

func modelMultiplier(model string) float64 {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "opus"):
		return 5
	case strings.Contains(m, "sonnet"):
		return 2
	default:
		return 1
	}
}

// Reserve is the admission-control gate: it must run before any fetch or
// analysis work starts. A user with enough balance reserves the full cost;
// otherwise an unused free-tier scan reserves at zero cost; otherwise the
// scan is rejected.
func (l *Ledger) Reserve(userID string, accounts, rangeDays int, model string) (*Reservation, error) {
	credits := Cost(accounts, rangeDays, model)

	balance, err := l.deductor.GetBalance(userID)
	if err != nil {
		return nil, fmt.Errorf("balance check failed: %w", err)
	}

	if balance < credits {
		if !l.freeTierAvailable(userID) {
			return nil, fmt.Errorf("%w: need %d, have %d", ErrInsufficientBalance, credits, balance)
		}
		credits = 0
	}

	r := &Reservation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Credits:   credits,
		CreatedAt: l.now(),
	}

	l.mu.Lock()
	l.reservations[r.ID] = r
	l.mu.Unlock()

	l.log.Debugf("[ledger] reserved %d credits for %s (reservation %s)", credits, userID, r.ID)
	return r, nil
}

func (l *Ledger) freeTierAvailable(userID string) bool {
	if l.opts.FreeScansPerDay <= 0 {
		return false
	}
	dayStart := l.now().UTC().Truncate(24 * time.Hour)
	used, err := l.deductor.CountScansSince(userID, dayStart)
	if err != nil {
		l.log.Warnf("[ledger] free-tier check failed for %s: %v", userID, err)
		return false
	}
	return used < l.opts.FreeScansPerDay
}

// Consume settles a reservation after the scan's results were saved. The
// reservation id doubles as the deduction idempotency key, so duplicate
// consume attempts debit exactly once. An insufficient balance here is a
// race with other concurrent spends; the shortfall is logged, never
// surfaced, because the results are already durably saved.
func (l *Ledger) Consume(reservationID, userID, description string) (int, error) {
	l.mu.Lock()
	r, ok := l.reservations[reservationID]
	if ok && r.UserID == userID {
		delete(l.reservations, reservationID)
	}
	l.mu.Unlock()

	if !ok || r.UserID != userID {
		return 0, ErrReservationNotFound
	}

	if r.Credits == 0 {
		return 0, nil
	}

	_, err := l.deductor.DeductCredits(userID, r.Credits, reservationID, description)
	if errors.Is(err, store.ErrInsufficientCredits) {
		l.log.Warnf("[ledger] deduction of %d credits for %s lost a balance race: %v", r.Credits, userID, err)
		return r.Credits, nil
	}
	if err != nil {
		l.log.Errorf("[ledger] deduction failed for %s: %v", userID, err)
		return r.Credits, nil
	}
	return r.Credits, nil
}

// Outstanding reports the live reservation count.
func (l *Ledger) Outstanding() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.reservations)
}

// Sweep drops reservations older than the TTL. Nothing was debited for
// them, so lapsing needs no compensating action.
func (l *Ledger) Sweep() int {
	cutoff := l.now().Add(-l.opts.ReservationTTL)

	l.mu.Lock()
	defer l.mu.Unlock()

	swept := 0
	for id, r := range l.reservations {
		if r.CreatedAt.Before(cutoff) {
			delete(l.reservations, id)
			swept++
		}
	}
	if swept > 0 {
		l.log.Debugf("[ledger] swept %d expired reservations", swept)
	}
	return swept
}

// StartGC sweeps expired reservations every minute until ctx is cancelled.
func (l *Ledger) StartGC(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Sweep()
			}
		}
	}()
}
