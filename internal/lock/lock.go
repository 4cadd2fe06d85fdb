// Package lock provides the string-keyed mutual exclusion used to serialize
// booking and completion on one (slot, date) cohort. Every backend waits a
// bounded time for the key and frees it on its own if the holder disappears.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrNotAcquired = errors.New("lock not acquired within wait time")

// Release frees a held lock. It is safe to call more than once.
type Release func()

// Locker hands out exclusive leases on arbitrary string keys.
type Locker interface {
	Acquire(ctx context.Context, key string) (Release, error)
}

// CohortKey is the lock key shared by booking and cohort completion.
func CohortKey(slotID int64, date time.Time) string {
	return fmt.Sprintf("slot:%d:%s", slotID, date.Format(time.DateOnly))
}

// ScheduleKey names the lock that serializes edits to one monitor's weekday.
func ScheduleKey(monitorID int64, day string) string {
	return fmt.Sprintf("agenda:%d:%s", monitorID, day)
}
