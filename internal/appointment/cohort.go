package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/monitorias/scheduling/internal/lock"
)

// CompleteCohort marks every active appointment of (slot, date) completed in
// one statement. It takes the same cohort lock as booking, so a completion and
// a booking on the same cohort never interleave.
func (s *Service) CompleteCohort(ctx context.Context, monitorID, slotID int64, date time.Time) (*CohortResult, error) {
	if err := requireID("monitor_id", monitorID); err != nil {
		return nil, err
	}
	if err := requireID("disponibilidad_id", slotID); err != nil {
		return nil, err
	}
	if err := requireDate(date); err != nil {
		return nil, err
	}

	fields := []zap.Field{
		zap.Int64("monitor_id", monitorID),
		zap.Int64("slot_id", slotID),
		zap.String("date", FormatDate(date)),
	}

	slot, err := s.repo.GetSlotByID(ctx, slotID)
	if err != nil {
		return nil, s.fail("complete cohort", err, fields...)
	}
	if slot.MonitorID != monitorID {
		return nil, s.fail("complete cohort", fmt.Errorf("%w: slot %d belongs to another monitor", ErrForbidden, slotID), fields...)
	}

	var (
		ids     []int64
		release lock.Release
	)
	defer func() {
		if release != nil {
			release()
		}
	}()

	err = s.repo.InTx(ctx, func(tx Tx) error {
		var err error
		release, err = s.acquireCohort(ctx, tx, slotID, date)
		if err != nil {
			return err
		}

		selected, err := tx.LockCohort(ctx, slotID, date)
		if err != nil {
			return err
		}

		ids, err = tx.CompleteCohort(ctx, slotID, date)
		if err != nil {
			return err
		}

		if len(ids) != len(selected) {
			s.logger.Warn("cohort completion count mismatch",
				append(fields, zap.Int("selected", len(selected)), zap.Int("updated", len(ids)))...)
		}
		return nil
	})
	if err != nil {
		return nil, s.fail("complete cohort", err, fields...)
	}

	s.logger.Info("cohort completed", append(fields, zap.Int("count", len(ids)))...)
	if len(ids) > 0 {
		s.logEvent(ctx, nil, EventCohortCompleted, map[string]any{
			"monitor_id":        monitorID,
			"disponibilidad_id": slotID,
			"fecha_cita":        FormatDate(date),
			"ids":               ids,
		})
	}

	return &CohortResult{Count: len(ids), IDs: ids}, nil
}

// CloseEndedCohorts completes every cohort whose session has already ended,
// on behalf of the slot's monitor. A cohort that is busy is skipped and picked
// up by the next run. It returns how many appointments were completed.
func (s *Service) CloseEndedCohorts(ctx context.Context) (int, error) {
	now := s.opts.Now().In(s.opts.Location)
	today := DateOf(now, s.opts.Location)

	cohorts, err := s.repo.ListEndedCohorts(ctx, today, now.Format("15:04"))
	if err != nil {
		return 0, fmt.Errorf("list ended cohorts: %w", err)
	}

	var (
		total int
		errs  []error
	)
	for _, c := range cohorts {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		res, err := s.CompleteCohort(ctx, c.MonitorID, c.SlotID, c.Date)
		if err != nil {
			if errors.Is(err, ErrLockTimeout) {
				continue
			}
			errs = append(errs, fmt.Errorf("cohort %d/%s: %w", c.SlotID, FormatDate(c.Date), err))
			continue
		}
		total += res.Count
	}

	return total, errors.Join(errs...)
}
