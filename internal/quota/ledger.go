// Package quota implements the per-identity byte quota ledger.
// Reservations are held in their own table; settling one (commit or
// release) deletes the row, so settlement happens exactly once no matter
// how many finalizers race.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/secureai/uploadhub/internal/common"
	"github.com/secureai/uploadhub/pkg/config"
	"github.com/secureai/uploadhub/pkg/types"
	"github.com/secureai/uploadhub/pkg/utils"
	"gorm.io/gorm"
)

// ErrQuotaExceeded is returned when a reservation does not fit the remaining quota
var ErrQuotaExceeded = errors.New("quota exceeded")

// Ledger manages quota accounts and pending reservations
type Ledger struct {
	db  *common.Database
	cfg *config.UploadConfig
}

// NewLedger creates a new quota ledger
func NewLedger(db *common.Database, cfg *config.UploadConfig) *Ledger {
	return &Ledger{db: db, cfg: cfg}
}

// GetAccount returns the quota account for an identity, creating a
// default-limit account if none exists and applying the periodic reset.
func (l *Ledger) GetAccount(ctx context.Context, identity uuid.UUID) (*types.QuotaAccount, error) {
	var account types.QuotaAccount
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return l.ensureAccount(tx, identity, &account)
	})
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// Reserve atomically sets aside bytes for a session. The decrement is a
// single guarded UPDATE, so concurrent reservations can never oversell
// the remaining quota.
func (l *Ledger) Reserve(ctx context.Context, identity, sessionID uuid.UUID, bytes int64) error {
	if bytes < 0 {
		return fmt.Errorf("reservation size must not be negative: %d", bytes)
	}

	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var account types.QuotaAccount
		if err := l.ensureAccount(tx, identity, &account); err != nil {
			return err
		}

		res := tx.Model(&types.QuotaAccount{}).
			Where("identity = ? AND remaining_bytes >= ?", identity, bytes).
			Update("remaining_bytes", gorm.Expr("remaining_bytes - ?", bytes))
		if res.Error != nil {
			return fmt.Errorf("failed to reserve quota: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: requested %d bytes, remaining %d", ErrQuotaExceeded, bytes, account.RemainingBytes)
		}

		reservation := &types.QuotaReservation{
			SessionID: sessionID,
			Identity:  identity,
			Bytes:     bytes,
		}
		if err := tx.Create(reservation).Error; err != nil {
			return fmt.Errorf("failed to record reservation: %w", err)
		}

		log.Debug().
			Str("identity", identity.String()).
			Str("session_id", sessionID.String()).
			Int64("bytes", bytes).
			Msg("Reserved quota")
		return nil
	})
}

// Commit settles a reservation into used bytes, reconciling the delta
// between the reserved estimate and the actual byte count. Used bytes
// never exceed the limit. Committing an already-settled reservation is
// a logged no-op.
func (l *Ledger) Commit(ctx context.Context, identity, sessionID uuid.UUID, actualBytes int64) error {
	if actualBytes < 0 {
		actualBytes = 0
	}

	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		reserved, settled, err := l.settleReservation(tx, sessionID)
		if err != nil {
			return err
		}
		if settled {
			log.Debug().
				Str("session_id", sessionID.String()).
				Msg("Reservation already settled, commit is a no-op")
			return nil
		}

		// actual may differ from the estimate; the difference flows back
		// into (or out of) remaining, clamped so the invariants hold.
		delta := reserved - actualBytes
		res := tx.Model(&types.QuotaAccount{}).
			Where("identity = ?", identity).
			Updates(map[string]interface{}{
				"used_bytes": gorm.Expr(
					"CASE WHEN used_bytes + ? > limit_bytes THEN limit_bytes ELSE used_bytes + ? END",
					actualBytes, actualBytes),
				"remaining_bytes": gorm.Expr(
					"CASE WHEN remaining_bytes + ? < 0 THEN 0 ELSE remaining_bytes + ? END",
					delta, delta),
			})
		if res.Error != nil {
			return fmt.Errorf("failed to commit reservation: %w", res.Error)
		}

		log.Info().
			Str("identity", identity.String()).
			Str("session_id", sessionID.String()).
			Int64("reserved_bytes", reserved).
			Int64("actual_bytes", actualBytes).
			Msg("Committed quota reservation")
		return nil
	})
}

// Release returns a reservation to the remaining quota. Idempotent:
// releasing an already-settled reservation is a logged no-op, since
// expiry sweeps may race with explicit cancellation.
func (l *Ledger) Release(ctx context.Context, identity, sessionID uuid.UUID) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		reserved, settled, err := l.settleReservation(tx, sessionID)
		if err != nil {
			return err
		}
		if settled {
			log.Debug().
				Str("session_id", sessionID.String()).
				Msg("Reservation already settled, release is a no-op")
			return nil
		}

		res := tx.Model(&types.QuotaAccount{}).
			Where("identity = ?", identity).
			Update("remaining_bytes", gorm.Expr("remaining_bytes + ?", reserved))
		if res.Error != nil {
			return fmt.Errorf("failed to release reservation: %w", res.Error)
		}

		log.Info().
			Str("identity", identity.String()).
			Str("session_id", sessionID.String()).
			Int64("bytes", reserved).
			Msg("Released quota reservation")
		return nil
	})
}

// Usage returns the detailed quota report for an identity
func (l *Ledger) Usage(ctx context.Context, identity uuid.UUID) (*types.QuotaUsage, error) {
	account, err := l.GetAccount(ctx, identity)
	if err != nil {
		return nil, err
	}

	var usagePct float64
	if account.LimitBytes > 0 {
		usagePct = utils.RoundPercentage(account.UsedBytes, account.LimitBytes)
	}

	return &types.QuotaUsage{
		Identity:         identity,
		QuotaLimit:       account.LimitBytes,
		QuotaUsed:        account.UsedBytes,
		QuotaRemaining:   account.RemainingBytes,
		QuotaLimitGB:     utils.BytesToGB(account.LimitBytes),
		QuotaUsedGB:      utils.BytesToGB(account.UsedBytes),
		QuotaRemainingGB: utils.BytesToGB(account.RemainingBytes),
		UsagePercentage:  usagePct,
		ResetAt:          account.ResetAt,
	}, nil
}

// ensureAccount loads the account inside tx, creating a default one if
// absent and applying the periodic reset when the window has elapsed.
func (l *Ledger) ensureAccount(tx *gorm.DB, identity uuid.UUID, account *types.QuotaAccount) error {
	err := tx.Where("identity = ?", identity).First(account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		*account = types.QuotaAccount{
			Identity:       identity,
			LimitBytes:     l.cfg.DefaultQuotaBytes,
			UsedBytes:      0,
			RemainingBytes: l.cfg.DefaultQuotaBytes,
			ResetAt:        time.Now().UTC().Add(l.cfg.QuotaResetPeriod),
		}
		if err := tx.Create(account).Error; err != nil {
			return fmt.Errorf("failed to create quota account: %w", err)
		}
		log.Info().
			Str("identity", identity.String()).
			Int64("limit_bytes", account.LimitBytes).
			Msg("Created quota account")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load quota account: %w", err)
	}

	if time.Now().UTC().After(account.ResetAt) {
		return l.resetAccount(tx, identity, account)
	}
	return nil
}

// resetAccount zeroes used bytes for a new quota window. Outstanding
// reservations keep their hold on the remaining quota across the reset.
func (l *Ledger) resetAccount(tx *gorm.DB, identity uuid.UUID, account *types.QuotaAccount) error {
	var outstanding int64
	if err := tx.Model(&types.QuotaReservation{}).
		Where("identity = ?", identity).
		Select("COALESCE(SUM(bytes), 0)").
		Scan(&outstanding).Error; err != nil {
		return fmt.Errorf("failed to sum outstanding reservations: %w", err)
	}

	account.UsedBytes = 0
	account.RemainingBytes = account.LimitBytes - outstanding
	account.ResetAt = time.Now().UTC().Add(l.cfg.QuotaResetPeriod)

	if err := tx.Model(&types.QuotaAccount{}).
		Where("identity = ?", identity).
		Updates(map[string]interface{}{
			"used_bytes":      account.UsedBytes,
			"remaining_bytes": account.RemainingBytes,
			"reset_at":        account.ResetAt,
		}).Error; err != nil {
		return fmt.Errorf("failed to reset quota account: %w", err)
	}

	log.Info().
		Str("identity", identity.String()).
		Time("reset_at", account.ResetAt).
		Msg("Reset quota account for new window")
	return nil
}

// settleReservation deletes the reservation row for a session and
// returns its size. The delete is the settlement gate: only the caller
// that removes the row applies the account arithmetic.
func (l *Ledger) settleReservation(tx *gorm.DB, sessionID uuid.UUID) (reserved int64, alreadySettled bool, err error) {
	var reservation types.QuotaReservation
	if err := tx.Where("session_id = ?", sessionID).First(&reservation).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, true, nil
		}
		return 0, false, fmt.Errorf("failed to load reservation: %w", err)
	}

	res := tx.Where("session_id = ?", sessionID).Delete(&types.QuotaReservation{})
	if res.Error != nil {
		return 0, false, fmt.Errorf("failed to settle reservation: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return 0, true, nil
	}
	return reservation.Bytes, false, nil
}
