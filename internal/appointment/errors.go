package appointment

import "errors"

// Rejections a caller can act on. Everything else is an internal failure.
var (
	ErrInvalidArgument       = errors.New("invalid argument")
	ErrNotFound              = errors.New("not found")
	ErrSlotUnavailable       = errors.New("slot unavailable")
	ErrCapacityExceeded      = errors.New("no seats left for this slot and date")
	ErrLockTimeout           = errors.New("slot is busy, try again in a moment")
	ErrSchedulingConflict    = errors.New("scheduling conflict")
	ErrWeekdayMismatch       = errors.New("date does not fall on the slot's weekday")
	ErrNoAvailabilityForDate = errors.New("no availability for date")
	ErrInvalidTransition     = errors.New("invalid status transition")
	ErrForbidden             = errors.New("forbidden")
)

var rejections = []error{
	ErrInvalidArgument,
	ErrNotFound,
	ErrSlotUnavailable,
	ErrCapacityExceeded,
	ErrLockTimeout,
	ErrSchedulingConflict,
	ErrWeekdayMismatch,
	ErrNoAvailabilityForDate,
	ErrInvalidTransition,
	ErrForbidden,
}

// IsRejection reports whether err is an expected, user-facing outcome.
func IsRejection(err error) bool {
	for _, r := range rejections {
		if errors.Is(err, r) {
			return true
		}
	}
	return false
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
