package appointment

import (
	"context"
	"time"

	"go.uber.org/zap"
)

func newCapacity(occupied, limit int) *Capacity {
	return &Capacity{
		Occupied:  occupied,
		Limit:     limit,
		Available: max(0, limit-occupied),
	}
}

// Capacity reports how many seats of a (slot, date) cohort are taken. It does
// not lock; the booking transaction repeats the count under the cohort lock.
func (s *Service) Capacity(ctx context.Context, slotID int64, date time.Time) (*Capacity, error) {
	if err := requireID("disponibilidad_id", slotID); err != nil {
		return nil, err
	}
	if err := requireDate(date); err != nil {
		return nil, err
	}

	if _, err := s.repo.GetSlotByID(ctx, slotID); err != nil {
		return nil, s.fail("capacity", err, zap.Int64("slot_id", slotID))
	}

	occupied, err := s.repo.CountActiveInCohort(ctx, slotID, date)
	if err != nil {
		return nil, s.fail("capacity", err, zap.Int64("slot_id", slotID))
	}

	return newCapacity(occupied, s.opts.CapacityLimit), nil
}
