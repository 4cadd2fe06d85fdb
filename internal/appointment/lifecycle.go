package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/monitorias/scheduling/internal/lock"
)

// AppointmentPatch carries only the fields present in a partial update.
type AppointmentPatch struct {
	Status       *Status
	Date         *time.Time
	MonitorNotes *string
	Actor        Actor
}

func (p AppointmentPatch) empty() bool {
	return p.Status == nil && p.Date == nil && p.MonitorNotes == nil
}

type RescheduleRequest struct {
	AppointmentID int64
	Date          time.Time
	// SlotID pins the destination slot; nil looks one up.
	SlotID *int64
}

func (s *Service) GetAppointment(ctx context.Context, id int64) (*Appointment, error) {
	if err := requireID("id", id); err != nil {
		return nil, err
	}
	a, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return a, nil
}

func (s *Service) ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, error) {
	if f.Status != nil && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, *f.Status)
	}
	list, err := s.repo.ListAppointments(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	return list, nil
}

// UpdateAppointment applies a partial update. Status changes follow the
// lifecycle rules for p.Actor; a direct date edit detaches the appointment
// from its slot. Terminal appointments only accept notes.
func (s *Service) UpdateAppointment(ctx context.Context, id int64, p AppointmentPatch) (*Appointment, error) {
	if err := requireID("id", id); err != nil {
		return nil, err
	}
	if p.empty() {
		return nil, fmt.Errorf("%w: no fields to update", ErrInvalidArgument)
	}
	if p.Actor == "" {
		p.Actor = ActorMonitor
	}

	fields := []zap.Field{zap.Int64("appointment_id", id), zap.String("actor", string(p.Actor))}

	var (
		before  *Appointment
		updated *Appointment
	)
	err := s.repo.InTx(ctx, func(tx Tx) error {
		cur, err := tx.LockAppointment(ctx, id)
		if err != nil {
			return err
		}
		before = cur

		u := NewUpdate()

		if p.Status != nil && *p.Status != cur.Status {
			if err := CanTransition(cur.Status, *p.Status, p.Actor); err != nil {
				return err
			}
			u.Set(ColStatus, string(*p.Status))
		}

		if p.Date != nil && !p.Date.Equal(cur.Date) {
			if cur.Status.IsTerminal() {
				return fmt.Errorf("%w: appointment is already %s", ErrInvalidTransition, cur.Status)
			}
			if p.Date.Before(s.today()) {
				return fmt.Errorf("%w: %s is in the past", ErrInvalidArgument, FormatDate(*p.Date))
			}
			conflict, err := tx.HasConflict(ctx, ConflictQuery{
				StudentID: cur.StudentID,
				MonitorID: cur.MonitorID,
				Date:      *p.Date,
				StartTime: cur.StartTime,
				ExcludeID: cur.ID,
			})
			if err != nil {
				return err
			}
			if conflict {
				return fmt.Errorf("%w: student already holds a session on %s", ErrSchedulingConflict, FormatDate(*p.Date))
			}
			u.Set(ColDate, *p.Date).Set(ColSlot, nil)
		}

		if p.MonitorNotes != nil {
			u.Set(ColNotes, *p.MonitorNotes)
		}

		if u.Len() == 0 {
			updated = cur
			return nil
		}

		updated, err = tx.UpdateAppointment(ctx, id, cur.Status, u)
		return err
	})
	if err != nil {
		return nil, s.fail("update appointment", err, fields...)
	}

	if updated.Status != before.Status {
		s.logEvent(ctx, &updated.ID, EventAppointmentStatus, map[string]any{
			"de":    before.Status,
			"a":     updated.Status,
			"actor": p.Actor,
		})
	}
	if !updated.Date.Equal(before.Date) {
		s.logEvent(ctx, &updated.ID, EventAppointmentRescheduled, map[string]any{
			"de":                FormatDate(before.Date),
			"a":                 FormatDate(updated.Date),
			"disponibilidad_id": nil,
		})
	}

	return updated, nil
}

// RescheduleDate moves an appointment to another date, re-pointing it at an
// active slot of the same monitor, subject and hours on the new weekday. A
// detached appointment re-attaches when such a slot exists and otherwise only
// changes date.
func (s *Service) RescheduleDate(ctx context.Context, req RescheduleRequest) (*Appointment, error) {
	if err := requireID("id", req.AppointmentID); err != nil {
		return nil, err
	}
	if err := requireDate(req.Date); err != nil {
		return nil, err
	}
	if req.SlotID != nil {
		if err := requireID("disponibilidad_id", *req.SlotID); err != nil {
			return nil, err
		}
	}
	if req.Date.Before(s.today()) {
		return nil, s.fail("reschedule", fmt.Errorf("%w: %s is in the past", ErrInvalidArgument, FormatDate(req.Date)))
	}

	fields := []zap.Field{zap.Int64("appointment_id", req.AppointmentID), zap.String("date", FormatDate(req.Date))}

	var (
		before  *Appointment
		updated *Appointment
		release lock.Release
	)
	defer func() {
		if release != nil {
			release()
		}
	}()

	err := s.repo.InTx(ctx, func(tx Tx) error {
		cur, err := tx.LockAppointment(ctx, req.AppointmentID)
		if err != nil {
			return err
		}
		before = cur

		if cur.Status.IsTerminal() {
			return fmt.Errorf("%w: appointment is already %s", ErrInvalidTransition, cur.Status)
		}
		if req.Date.Equal(cur.Date) {
			return fmt.Errorf("%w: appointment is already on %s", ErrInvalidArgument, FormatDate(req.Date))
		}

		day := WeekdayOf(req.Date)
		if cur.SlotID != nil {
			origin, err := tx.GetSlot(ctx, *cur.SlotID)
			switch {
			case err == nil:
				if origin.Weekday != day {
					return fmt.Errorf("%w: %s is a %s, appointment runs on %s", ErrWeekdayMismatch, FormatDate(req.Date), day, origin.Weekday)
				}
			case !isNotFound(err):
				return err
			}
		}

		conflict, err := tx.HasConflict(ctx, ConflictQuery{
			StudentID: cur.StudentID,
			MonitorID: cur.MonitorID,
			Date:      req.Date,
			StartTime: cur.StartTime,
			ExcludeID: cur.ID,
		})
		if err != nil {
			return err
		}
		if conflict {
			return fmt.Errorf("%w: student already holds a session on %s", ErrSchedulingConflict, FormatDate(req.Date))
		}

		dest, err := tx.FindMatchingSlot(ctx, SlotMatch{
			ID:        req.SlotID,
			MonitorID: cur.MonitorID,
			SubjectID: cur.SubjectID,
			Weekday:   day,
			StartTime: cur.StartTime,
			EndTime:   cur.EndTime,
		})
		if err != nil {
			// A detached appointment has no weekday to keep; without a
			// matching slot it just moves to the new date.
			if cur.SlotID == nil && req.SlotID == nil && errors.Is(err, ErrNoAvailabilityForDate) {
				updated, err = tx.UpdateAppointment(ctx, cur.ID, cur.Status, NewUpdate().Set(ColDate, req.Date))
				return err
			}
			return err
		}

		if s.opts.RescheduleEnforceCapacity {
			release, err = s.acquireCohort(ctx, tx, dest.ID, req.Date)
			if err != nil {
				return err
			}
			occupied, err := tx.CountActiveInCohort(ctx, dest.ID, req.Date)
			if err != nil {
				return err
			}
			if newCapacity(occupied, s.opts.CapacityLimit).Available <= 0 {
				return fmt.Errorf("%w: %d/%d taken on %s", ErrCapacityExceeded, occupied, s.opts.CapacityLimit, FormatDate(req.Date))
			}
		}

		destID := dest.ID
		u := NewUpdate().Set(ColDate, req.Date).Set(ColSlot, &destID)
		updated, err = tx.UpdateAppointment(ctx, cur.ID, cur.Status, u)
		return err
	})
	if err != nil {
		return nil, s.fail("reschedule", err, fields...)
	}

	s.logEvent(ctx, &updated.ID, EventAppointmentRescheduled, map[string]any{
		"de":                FormatDate(before.Date),
		"a":                 FormatDate(updated.Date),
		"disponibilidad_id": updated.SlotID,
	})

	return updated, nil
}
