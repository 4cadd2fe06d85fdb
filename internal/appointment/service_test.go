package appointment

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/monitorias/scheduling/internal/lock"
)

const (
	testMonitor = int64(100)
	testSubject = int64(7)
)

// Monday 2025-03-03, 10:00 UTC.
var testNow = time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)

var (
	nextMonday  = date(2025, 3, 10)
	mondayAfter = date(2025, 3, 17)
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixture struct {
	svc    *Service
	repo   *memRepo
	locker *lock.LocalLocker
	clock  *testClock
	opts   Options
	// monday is an active Monday 14:00-16:00 slot of testMonitor.
	monday AvailabilitySlot
	// wednesday is an active Wednesday 14:00-16:00 slot of testMonitor.
	wednesday AvailabilitySlot
}

func newFixture(t *testing.T, configure ...func(*Options)) *fixture {
	t.Helper()

	repo := newMemRepo()
	repo.subjects[testMonitor] = testSubject
	room := "Bloque 3 - 201"
	monday := repo.addSlot(AvailabilitySlot{
		MonitorID: testMonitor, SubjectID: testSubject, Weekday: Monday,
		StartTime: "14:00", EndTime: "16:00", Location: &room, Active: true,
	})
	wednesday := repo.addSlot(AvailabilitySlot{
		MonitorID: testMonitor, SubjectID: testSubject, Weekday: Wednesday,
		StartTime: "14:00", EndTime: "16:00", Active: true,
	})

	clock := &testClock{now: testNow}
	opts := Options{
		CapacityLimit:             10,
		Location:                  time.UTC,
		RescheduleEnforceCapacity: true,
		Now:                       clock.Now,
	}
	for _, fn := range configure {
		fn(&opts)
	}

	locker := lock.NewLocalLocker(100 * time.Millisecond)

	return &fixture{
		svc:       NewService(repo, locker, opts, zap.NewNop()),
		repo:      repo,
		locker:    locker,
		clock:     clock,
		opts:      opts,
		monday:    monday,
		wednesday: wednesday,
	}
}

// txLocker leases keys from the fixture's LocalLocker for as long as the
// in-memory transaction lives, the way the postgres backend does.
type txLocker struct {
	local  *lock.LocalLocker
	direct atomic.Int32
	inTx   atomic.Int32
}

func (l *txLocker) Acquire(ctx context.Context, key string) (lock.Release, error) {
	l.direct.Add(1)
	return l.local.Acquire(ctx, key)
}

func (l *txLocker) AcquireTx(ctx context.Context, s lock.Session, key string) error {
	tx, ok := s.(*memTx)
	if !ok {
		return fmt.Errorf("unexpected session %T", s)
	}
	release, err := l.local.Acquire(ctx, key)
	if err != nil {
		return err
	}
	l.inTx.Add(1)
	tx.onEnd = append(tx.onEnd, release)
	return nil
}

// useTxLocker rebuilds the service on a transaction-scoped locker.
func (f *fixture) useTxLocker() *txLocker {
	l := &txLocker{local: f.locker}
	f.svc = NewService(f.repo, l, f.opts, zap.NewNop())
	return l
}

func (f *fixture) book(t *testing.T, studentID, slotID int64, d time.Time) *Appointment {
	t.Helper()
	a, err := f.svc.BookAppointment(context.Background(), BookingRequest{StudentID: studentID, SlotID: slotID, Date: d})
	if err != nil {
		t.Fatalf("book student %d: %v", studentID, err)
	}
	return a
}

// seed inserts appointments directly, bypassing the service.
func (f *fixture) seed(slot AvailabilitySlot, d time.Time, status Status, students ...int64) []Appointment {
	out := make([]Appointment, 0, len(students))
	for _, st := range students {
		slotID := slot.ID
		out = append(out, f.repo.addAppointment(Appointment{
			StudentID: st,
			MonitorID: slot.MonitorID,
			SubjectID: slot.SubjectID,
			SlotID:    &slotID,
			Date:      d,
			StartTime: slot.StartTime,
			EndTime:   slot.EndTime,
			Status:    status,
		}))
	}
	return out
}

func students(from, n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = int64(from + i)
	}
	return out
}
