package appointment

import (
	"context"
	"time"

	"github.com/monitorias/scheduling/internal/lock"
)

// Repository contains all DB interactions needed by the service. Reads
// outside a transaction go through it directly; anything that must observe
// or hold row locks runs inside InTx.
type Repository interface {
	GetSlotByID(ctx context.Context, id int64) (*AvailabilitySlot, error)
	ListSlots(ctx context.Context, f SlotFilter) ([]AvailabilitySlot, error)
	// GetMonitorSubject returns the subject assigned to a monitor, or ErrNotFound.
	GetMonitorSubject(ctx context.Context, monitorID int64) (int64, error)

	CountActiveInCohort(ctx context.Context, slotID int64, date time.Time) (int, error)

	GetAppointmentByID(ctx context.Context, id int64) (*Appointment, error)
	ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, error)

	// Cohort closer: cohorts with active rows that ended before (date, clock).
	ListEndedCohorts(ctx context.Context, date time.Time, clock string) ([]Cohort, error)

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error

	// InTx runs fn in one transaction, committing when fn returns nil and
	// rolling back otherwise.
	InTx(ctx context.Context, fn func(Tx) error) error
}

// Tx is the transactional view of the store.
type Tx interface {
	// AcquireLock takes key with l on this transaction. The lease ends with
	// the commit or rollback.
	AcquireLock(ctx context.Context, l lock.TxLocker, key string) error

	// LockActiveSlot share-locks an active slot; ErrSlotUnavailable when the
	// slot is missing or inactive.
	LockActiveSlot(ctx context.Context, id int64) (*AvailabilitySlot, error)
	GetSlot(ctx context.Context, id int64) (*AvailabilitySlot, error)
	// LockSlot locks a slot for update regardless of its state.
	LockSlot(ctx context.Context, id int64) (*AvailabilitySlot, error)

	FindOverlappingSlot(ctx context.Context, monitorID int64, day Weekday, start, end string) (*AvailabilitySlot, error)
	InsertSlot(ctx context.Context, s AvailabilitySlot) (*AvailabilitySlot, error)
	CountSlotAppointments(ctx context.Context, slotID int64, from time.Time) (total, upcoming int, err error)
	DeactivateSlot(ctx context.Context, id int64) error
	DeleteSlot(ctx context.Context, id int64) error
	FindMatchingSlot(ctx context.Context, m SlotMatch) (*AvailabilitySlot, error)

	CountActiveInCohort(ctx context.Context, slotID int64, date time.Time) (int, error)
	HasConflict(ctx context.Context, q ConflictQuery) (bool, error)
	InsertAppointment(ctx context.Context, a Appointment) (*Appointment, error)
	LockAppointment(ctx context.Context, id int64) (*Appointment, error)
	// UpdateAppointment applies u only while the row still has status expected.
	UpdateAppointment(ctx context.Context, id int64, expected Status, u *Update) (*Appointment, error)

	LockCohort(ctx context.Context, slotID int64, date time.Time) ([]int64, error)
	CompleteCohort(ctx context.Context, slotID int64, date time.Time) ([]int64, error)
}
