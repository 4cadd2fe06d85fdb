package appointment

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/monitorias/scheduling/internal/lock"
)

type SlotRequest struct {
	MonitorID int64
	Weekday   string
	StartTime string
	EndTime   string
	Location  *string
}

// SlotRemoval reports what RemoveSlot did. A slot any appointment points at
// is only deactivated so history keeps its reference.
type SlotRemoval struct {
	Deleted              bool
	Deactivated          bool
	UpcomingAppointments int
}

// CreateSlot publishes a weekly block for a monitor on the subject the monitor
// is assigned to.
func (s *Service) CreateSlot(ctx context.Context, req SlotRequest) (*AvailabilitySlot, error) {
	if err := requireID("monitor_id", req.MonitorID); err != nil {
		return nil, err
	}
	day, err := ParseWeekday(req.Weekday)
	if err != nil {
		return nil, err
	}
	start, err := ParseClock(req.StartTime)
	if err != nil {
		return nil, err
	}
	end, err := ParseClock(req.EndTime)
	if err != nil {
		return nil, err
	}
	if start >= end {
		return nil, fmt.Errorf("%w: hora_inicio must be before hora_fin", ErrInvalidArgument)
	}

	fields := []zap.Field{
		zap.Int64("monitor_id", req.MonitorID),
		zap.String("weekday", string(day)),
		zap.String("start", start),
		zap.String("end", end),
	}

	subjectID, err := s.repo.GetMonitorSubject(ctx, req.MonitorID)
	if err != nil {
		if isNotFound(err) {
			err = fmt.Errorf("%w: monitor %d has no subject assigned", ErrForbidden, req.MonitorID)
		}
		return nil, s.fail("create slot", err, fields...)
	}

	var (
		created *AvailabilitySlot
		release lock.Release
	)
	defer func() {
		if release != nil {
			release()
		}
	}()

	err = s.repo.InTx(ctx, func(tx Tx) error {
		var err error
		release, err = s.acquire(ctx, tx, lock.ScheduleKey(req.MonitorID, string(day)))
		if err != nil {
			return err
		}

		overlap, err := tx.FindOverlappingSlot(ctx, req.MonitorID, day, start, end)
		if err != nil {
			return err
		}
		if overlap != nil {
			return fmt.Errorf("%w: overlaps slot %d (%s-%s)", ErrSchedulingConflict, overlap.ID, overlap.StartTime, overlap.EndTime)
		}

		created, err = tx.InsertSlot(ctx, AvailabilitySlot{
			MonitorID: req.MonitorID,
			SubjectID: subjectID,
			Weekday:   day,
			StartTime: start,
			EndTime:   end,
			Location:  req.Location,
			Active:    true,
		})
		return err
	})
	if err != nil {
		return nil, s.fail("create slot", err, fields...)
	}

	s.logger.Info("slot created", append(fields, zap.Int64("slot_id", created.ID))...)
	return created, nil
}

func (s *Service) GetSlot(ctx context.Context, id int64) (*AvailabilitySlot, error) {
	if err := requireID("id", id); err != nil {
		return nil, err
	}
	slot, err := s.repo.GetSlotByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get slot: %w", err)
	}
	return slot, nil
}

func (s *Service) ListSlots(ctx context.Context, f SlotFilter) ([]AvailabilitySlot, error) {
	slots, err := s.repo.ListSlots(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	return slots, nil
}

// RemoveSlot deletes a slot nothing refers to and deactivates it otherwise.
// The row lock waits for in-flight bookings on the slot to finish.
func (s *Service) RemoveSlot(ctx context.Context, id int64) (*SlotRemoval, error) {
	if err := requireID("id", id); err != nil {
		return nil, err
	}

	var out SlotRemoval
	err := s.repo.InTx(ctx, func(tx Tx) error {
		if _, err := tx.LockSlot(ctx, id); err != nil {
			return err
		}

		total, upcoming, err := tx.CountSlotAppointments(ctx, id, s.today())
		if err != nil {
			return err
		}

		if total == 0 {
			out.Deleted = true
			return tx.DeleteSlot(ctx, id)
		}

		out.Deactivated = true
		out.UpcomingAppointments = upcoming
		return tx.DeactivateSlot(ctx, id)
	})
	if err != nil {
		return nil, s.fail("remove slot", err, zap.Int64("slot_id", id))
	}

	s.logger.Info("slot removed",
		zap.Int64("slot_id", id),
		zap.Bool("deleted", out.Deleted),
		zap.Int("upcoming_appointments", out.UpcomingAppointments),
	)
	return &out, nil
}
