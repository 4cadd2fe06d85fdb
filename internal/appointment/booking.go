package appointment

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/monitorias/scheduling/internal/lock"
)

type BookingRequest struct {
	StudentID int64
	SlotID    int64
	Date      time.Time
}

// BookAppointment reserves a seat in the cohort of (slot, date) for a student.
//
// The slot row is share-locked for the whole transaction so it cannot be
// deactivated underneath us, and the cohort lock serializes every writer of
// the same (slot, date). The lock is released only after the transaction has
// committed, so the next holder counts the new row.
func (s *Service) BookAppointment(ctx context.Context, req BookingRequest) (*Appointment, error) {
	if err := requireID("estudiante_id", req.StudentID); err != nil {
		return nil, err
	}
	if err := requireID("disponibilidad_id", req.SlotID); err != nil {
		return nil, err
	}
	if err := requireDate(req.Date); err != nil {
		return nil, err
	}

	fields := []zap.Field{
		zap.Int64("student_id", req.StudentID),
		zap.Int64("slot_id", req.SlotID),
		zap.String("date", FormatDate(req.Date)),
	}

	var (
		created *Appointment
		release lock.Release
	)
	defer func() {
		if release != nil {
			release()
		}
	}()

	err := s.repo.InTx(ctx, func(tx Tx) error {
		slot, err := tx.LockActiveSlot(ctx, req.SlotID)
		if err != nil {
			return err
		}

		if day := WeekdayOf(req.Date); day != slot.Weekday {
			return fmt.Errorf("%w: %s is a %s, slot runs on %s", ErrWeekdayMismatch, FormatDate(req.Date), day, slot.Weekday)
		}
		if req.Date.Before(s.today()) {
			return fmt.Errorf("%w: %s is in the past", ErrInvalidArgument, FormatDate(req.Date))
		}

		release, err = s.acquireCohort(ctx, tx, slot.ID, req.Date)
		if err != nil {
			return err
		}

		conflict, err := tx.HasConflict(ctx, ConflictQuery{
			StudentID: req.StudentID,
			MonitorID: slot.MonitorID,
			Date:      req.Date,
			StartTime: slot.StartTime,
		})
		if err != nil {
			return err
		}
		if conflict {
			return fmt.Errorf("%w: student already holds this session", ErrSchedulingConflict)
		}

		occupied, err := tx.CountActiveInCohort(ctx, slot.ID, req.Date)
		if err != nil {
			return err
		}
		if newCapacity(occupied, s.opts.CapacityLimit).Available <= 0 {
			return fmt.Errorf("%w: %d/%d taken", ErrCapacityExceeded, occupied, s.opts.CapacityLimit)
		}

		slotID := slot.ID
		created, err = tx.InsertAppointment(ctx, Appointment{
			StudentID: req.StudentID,
			MonitorID: slot.MonitorID,
			SubjectID: slot.SubjectID,
			SlotID:    &slotID,
			Date:      req.Date,
			StartTime: slot.StartTime,
			EndTime:   slot.EndTime,
			Location:  slot.Location,
			Status:    StatusConfirmed,
		})
		return err
	})
	if err != nil {
		return nil, s.fail("book appointment", err, fields...)
	}

	s.logger.Info("appointment booked", append(fields, zap.Int64("appointment_id", created.ID))...)
	s.logEvent(ctx, &created.ID, EventAppointmentBooked, map[string]any{
		"estudiante_id":     req.StudentID,
		"disponibilidad_id": req.SlotID,
		"fecha_cita":        FormatDate(req.Date),
	})

	return created, nil
}
