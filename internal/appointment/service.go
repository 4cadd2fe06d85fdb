package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/monitorias/scheduling/internal/config"
	"github.com/monitorias/scheduling/internal/lock"
)

const (
	EventAppointmentBooked      = "CITA_RESERVADA"
	EventAppointmentStatus      = "CITA_ESTADO"
	EventAppointmentRescheduled = "CITA_REPROGRAMADA"
	EventCohortCompleted        = "COHORTE_COMPLETADA"
)

const DefaultCapacityLimit = 10

type Options struct {
	// CapacityLimit is the seat ceiling of every (slot, date) cohort.
	CapacityLimit int
	// Location decides which calendar day "today" is.
	Location *time.Location
	// RescheduleEnforceCapacity makes a reschedule respect the destination
	// cohort's ceiling.
	RescheduleEnforceCapacity bool
	Now                       func() time.Time
}

func OptionsFromConfig(cfg config.BookingConfig) (Options, error) {
	loc, err := cfg.Location()
	if err != nil {
		return Options{}, fmt.Errorf("booking timezone: %w", err)
	}
	return Options{
		CapacityLimit:             cfg.CapacityLimit,
		Location:                  loc,
		RescheduleEnforceCapacity: cfg.RescheduleEnforceCapacity,
		Now:                       time.Now,
	}, nil
}

type Service struct {
	repo   Repository
	locker lock.Locker
	opts   Options
	logger *zap.Logger
}

func NewService(repo Repository, locker lock.Locker, opts Options, logger *zap.Logger) *Service {
	if opts.CapacityLimit <= 0 {
		opts.CapacityLimit = DefaultCapacityLimit
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:   repo,
		locker: locker,
		opts:   opts,
		logger: logger,
	}
}

func (s *Service) CapacityLimit() int {
	return s.opts.CapacityLimit
}

func (s *Service) today() time.Time {
	return DateOf(s.opts.Now(), s.opts.Location)
}

// acquireCohort takes the lock shared by every writer of one cohort.
func (s *Service) acquireCohort(ctx context.Context, tx Tx, slotID int64, date time.Time) (lock.Release, error) {
	return s.acquire(ctx, tx, lock.CohortKey(slotID, date))
}

// acquire takes key for the duration of tx. Transaction-scoped lockers run on
// tx itself and are freed by its end; others return a lease the caller must
// release after the commit.
func (s *Service) acquire(ctx context.Context, tx Tx, key string) (lock.Release, error) {
	var (
		release lock.Release = func() {}
		err     error
	)
	if tl, ok := s.locker.(lock.TxLocker); ok {
		err = tx.AcquireLock(ctx, tl, key)
	} else {
		release, err = s.locker.Acquire(ctx, key)
	}
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return nil, fmt.Errorf("%w (%s)", ErrLockTimeout, key)
		}
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	return release, nil
}

// fail logs err at a level matching its kind and returns it unchanged.
func (s *Service) fail(op string, err error, fields ...zap.Field) error {
	fields = append(fields, zap.Error(err))
	if IsRejection(err) {
		s.logger.Info(op+" rejected", fields...)
	} else {
		s.logger.Error(op+" failed", fields...)
	}
	return err
}

// logEvent writes the audit row. Failures are logged and otherwise ignored.
func (s *Service) logEvent(ctx context.Context, appointmentID *int64, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("marshal event payload", zap.String("event", eventType), zap.Error(err))
		data = nil
	}

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: appointmentID,
		Payload:       data,
		CreatedAt:     s.opts.Now(),
	}

	if err := s.repo.InsertEvent(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Warn("insert event log", zap.String("event", eventType), zap.Error(err))
	}
}

func requireID(name string, id int64) error {
	if id <= 0 {
		return fmt.Errorf("%w: %s is required", ErrInvalidArgument, name)
	}
	return nil
}

func requireDate(d time.Time) error {
	if d.IsZero() {
		return fmt.Errorf("%w: date is required", ErrInvalidArgument)
	}
	return nil
}
