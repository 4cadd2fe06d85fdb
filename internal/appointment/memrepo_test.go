package appointment

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/monitorias/scheduling/internal/lock"
)

// memRepo is an in-memory Repository. Transactions see committed rows plus
// their own pending writes, and publish those writes only on commit, which is
// close enough to READ COMMITTED for the service's locking to be exercised.
type memRepo struct {
	mu       sync.Mutex
	slots    map[int64]AvailabilitySlot
	appts    map[int64]Appointment
	subjects map[int64]int64
	events   []EventLog

	nextSlot int64
	nextAppt int64

	// failInsert makes InsertAppointment fail after the row checks pass.
	failInsert error
	commits    int
	rollbacks  int
}

func newMemRepo() *memRepo {
	return &memRepo{
		slots:    map[int64]AvailabilitySlot{},
		appts:    map[int64]Appointment{},
		subjects: map[int64]int64{},
		nextSlot: 1,
		nextAppt: 1,
	}
}

func (r *memRepo) addSlot(s AvailabilitySlot) AvailabilitySlot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.ID == 0 {
		s.ID = r.nextSlot
	}
	if s.ID >= r.nextSlot {
		r.nextSlot = s.ID + 1
	}
	r.slots[s.ID] = s
	return s
}

func (r *memRepo) addAppointment(a Appointment) Appointment {
	r.mu.Lock()
	defer r.mu.Unlock()
	a.ID = r.nextAppt
	r.nextAppt++
	r.appts[a.ID] = a
	return a
}

func (r *memRepo) appointment(id int64) Appointment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.appts[id]
}

func (r *memRepo) slot(id int64) (AvailabilitySlot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[id]
	return s, ok
}

func (r *memRepo) count(slotID int64, date time.Time, statuses ...Status) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.appts {
		if a.SlotID != nil && *a.SlotID == slotID && a.Date.Equal(date) && slices.Contains(statuses, a.Status) {
			n++
		}
	}
	return n
}

func (r *memRepo) eventTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.EventType)
	}
	return out
}

func notFound(what string, id int64) error {
	return fmt.Errorf("%w: %s %d", ErrNotFound, what, id)
}

func inCohort(a Appointment, slotID int64, date time.Time) bool {
	return a.SlotID != nil && *a.SlotID == slotID && a.Date.Equal(date) && a.Status.Occupies()
}

// Repository

func (r *memRepo) GetSlotByID(_ context.Context, id int64) (*AvailabilitySlot, error) {
	s, ok := r.slot(id)
	if !ok {
		return nil, notFound("slot", id)
	}
	return &s, nil
}

func (r *memRepo) ListSlots(_ context.Context, f SlotFilter) ([]AvailabilitySlot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []AvailabilitySlot{}
	for _, s := range r.slots {
		if f.MonitorID != nil && s.MonitorID != *f.MonitorID {
			continue
		}
		if f.OnlyActive && !s.Active {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memRepo) GetMonitorSubject(_ context.Context, monitorID int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subject, ok := r.subjects[monitorID]
	if !ok {
		return 0, notFound("monitor subject", monitorID)
	}
	return subject, nil
}

func (r *memRepo) CountActiveInCohort(_ context.Context, slotID int64, date time.Time) (int, error) {
	return r.count(slotID, date, ActiveStatuses...), nil
}

func (r *memRepo) GetAppointmentByID(_ context.Context, id int64) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appts[id]
	if !ok {
		return nil, notFound("appointment", id)
	}
	return &a, nil
}

func (r *memRepo) ListAppointments(_ context.Context, f ListFilter) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Appointment{}
	for _, a := range r.appts {
		switch {
		case f.MonitorID != nil && a.MonitorID != *f.MonitorID,
			f.StudentID != nil && a.StudentID != *f.StudentID,
			f.Date != nil && !a.Date.Equal(*f.Date),
			f.Status != nil && a.Status != *f.Status:
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memRepo) ListEndedCohorts(_ context.Context, date time.Time, clock string) ([]Cohort, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := map[string]bool{}
	out := []Cohort{}
	for _, a := range r.appts {
		if a.SlotID == nil || !a.Status.Occupies() {
			continue
		}
		if !(a.Date.Before(date) || (a.Date.Equal(date) && a.EndTime <= clock)) {
			continue
		}
		key := fmt.Sprintf("%d/%s", *a.SlotID, FormatDate(a.Date))
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, Cohort{SlotID: *a.SlotID, MonitorID: r.slots[*a.SlotID].MonitorID, Date: a.Date})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SlotID < out[j].SlotID })
	return out, nil
}

func (r *memRepo) InsertEvent(_ context.Context, ev EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev.ID = int64(len(r.events) + 1)
	r.events = append(r.events, ev)
	return nil
}

func (r *memRepo) InTx(_ context.Context, fn func(Tx) error) error {
	tx := &memTx{
		r:            r,
		appts:        map[int64]Appointment{},
		slots:        map[int64]AvailabilitySlot{},
		deletedSlots: map[int64]bool{},
	}
	// Runs after the commit has been published or the rollback counted.
	defer tx.end()

	if err := fn(tx); err != nil {
		r.mu.Lock()
		r.rollbacks++
		r.mu.Unlock()
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, a := range tx.appts {
		r.appts[id] = a
	}
	for id, s := range tx.slots {
		r.slots[id] = s
	}
	for id := range tx.deletedSlots {
		delete(r.slots, id)
	}
	r.commits++
	return nil
}

type memTx struct {
	r            *memRepo
	appts        map[int64]Appointment
	slots        map[int64]AvailabilitySlot
	deletedSlots map[int64]bool
	onEnd        []func()
}

func (t *memTx) end() {
	for _, fn := range t.onEnd {
		fn()
	}
}

func (t *memTx) AcquireLock(ctx context.Context, l lock.TxLocker, key string) error {
	return l.AcquireTx(ctx, t, key)
}

// Exec lets memTx stand in as a lock.Session. No statement is run.
func (t *memTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

// Callers hold r.mu.
func (t *memTx) slotView(id int64) (AvailabilitySlot, bool) {
	if t.deletedSlots[id] {
		return AvailabilitySlot{}, false
	}
	if s, ok := t.slots[id]; ok {
		return s, true
	}
	s, ok := t.r.slots[id]
	return s, ok
}

func (t *memTx) slotsView() []AvailabilitySlot {
	out := []AvailabilitySlot{}
	for id := range t.r.slots {
		if s, ok := t.slotView(id); ok {
			out = append(out, s)
		}
	}
	for id, s := range t.slots {
		if _, committed := t.r.slots[id]; !committed {
			out = append(out, s)
		}
	}
	return out
}

func (t *memTx) apptView(id int64) (Appointment, bool) {
	if a, ok := t.appts[id]; ok {
		return a, true
	}
	a, ok := t.r.appts[id]
	return a, ok
}

func (t *memTx) apptsView() []Appointment {
	out := make([]Appointment, 0, len(t.r.appts)+len(t.appts))
	for id, a := range t.r.appts {
		if pending, ok := t.appts[id]; ok {
			a = pending
		}
		out = append(out, a)
	}
	for id, a := range t.appts {
		if _, committed := t.r.appts[id]; !committed {
			out = append(out, a)
		}
	}
	return out
}

func (t *memTx) GetSlot(_ context.Context, id int64) (*AvailabilitySlot, error) {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	s, ok := t.slotView(id)
	if !ok {
		return nil, notFound("slot", id)
	}
	return &s, nil
}

func (t *memTx) LockActiveSlot(ctx context.Context, id int64) (*AvailabilitySlot, error) {
	s, err := t.GetSlot(ctx, id)
	if err != nil || !s.Active {
		return nil, fmt.Errorf("%w: slot %d not found or inactive", ErrSlotUnavailable, id)
	}
	return s, nil
}

func (t *memTx) LockSlot(ctx context.Context, id int64) (*AvailabilitySlot, error) {
	return t.GetSlot(ctx, id)
}

func (t *memTx) FindOverlappingSlot(_ context.Context, monitorID int64, day Weekday, start, end string) (*AvailabilitySlot, error) {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	for _, s := range t.slotsView() {
		if s.MonitorID == monitorID && s.Weekday == day && s.Active && s.StartTime < end && s.EndTime > start {
			return &s, nil
		}
	}
	return nil, nil
}

func (t *memTx) InsertSlot(_ context.Context, s AvailabilitySlot) (*AvailabilitySlot, error) {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	s.ID = t.r.nextSlot
	t.r.nextSlot++
	s.Active = true
	s.CreatedAt = time.Now()
	t.slots[s.ID] = s
	return &s, nil
}

func (t *memTx) CountSlotAppointments(_ context.Context, slotID int64, from time.Time) (int, int, error) {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	var total, upcoming int
	for _, a := range t.apptsView() {
		if a.SlotID == nil || *a.SlotID != slotID {
			continue
		}
		total++
		if !a.Date.Before(from) && a.Status.Occupies() {
			upcoming++
		}
	}
	return total, upcoming, nil
}

func (t *memTx) DeactivateSlot(_ context.Context, id int64) error {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	s, ok := t.slotView(id)
	if !ok {
		return notFound("slot", id)
	}
	s.Active = false
	t.slots[id] = s
	return nil
}

func (t *memTx) DeleteSlot(_ context.Context, id int64) error {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	delete(t.slots, id)
	t.deletedSlots[id] = true
	return nil
}

func (t *memTx) FindMatchingSlot(_ context.Context, m SlotMatch) (*AvailabilitySlot, error) {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	candidates := t.slotsView()
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	for _, s := range candidates {
		if m.ID != nil && s.ID != *m.ID {
			continue
		}
		if s.Active && s.MonitorID == m.MonitorID && s.SubjectID == m.SubjectID &&
			s.Weekday == m.Weekday && s.StartTime == m.StartTime && s.EndTime == m.EndTime {
			return &s, nil
		}
	}
	return nil, fmt.Errorf("%w: no active slot for %s", ErrNoAvailabilityForDate, m.Weekday)
}

func (t *memTx) CountActiveInCohort(_ context.Context, slotID int64, date time.Time) (int, error) {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	n := 0
	for _, a := range t.apptsView() {
		if inCohort(a, slotID, date) {
			n++
		}
	}
	return n, nil
}

func (t *memTx) HasConflict(_ context.Context, q ConflictQuery) (bool, error) {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	return t.conflicts(q), nil
}

func (t *memTx) conflicts(q ConflictQuery) bool {
	for _, a := range t.apptsView() {
		if a.ID != q.ExcludeID && a.StudentID == q.StudentID && a.MonitorID == q.MonitorID &&
			a.Date.Equal(q.Date) && a.StartTime == q.StartTime && a.Status != StatusCancelled {
			return true
		}
	}
	return false
}

func (t *memTx) InsertAppointment(_ context.Context, a Appointment) (*Appointment, error) {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	if t.r.failInsert != nil {
		return nil, t.r.failInsert
	}
	if t.conflicts(ConflictQuery{StudentID: a.StudentID, MonitorID: a.MonitorID, Date: a.Date, StartTime: a.StartTime}) {
		return nil, fmt.Errorf("%w: unique index", ErrSchedulingConflict)
	}
	a.ID = t.r.nextAppt
	t.r.nextAppt++
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	t.appts[a.ID] = a
	return &a, nil
}

func (t *memTx) LockAppointment(_ context.Context, id int64) (*Appointment, error) {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	a, ok := t.apptView(id)
	if !ok {
		return nil, notFound("appointment", id)
	}
	return &a, nil
}

func (t *memTx) UpdateAppointment(_ context.Context, id int64, expected Status, u *Update) (*Appointment, error) {
	if _, _, err := u.Build("citas", NewWhere().Eq("id", id)); err != nil {
		return nil, err
	}

	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	a, ok := t.apptView(id)
	if !ok || a.Status != expected {
		return nil, fmt.Errorf("%w: appointment %d changed concurrently", ErrInvalidTransition, id)
	}

	for _, set := range u.sets {
		if set.Now {
			a.UpdatedAt = time.Now()
			continue
		}
		switch set.Column {
		case ColStatus:
			a.Status = Status(set.Value.(string))
		case ColDate:
			a.Date = set.Value.(time.Time)
		case ColSlot:
			if set.Value == nil {
				a.SlotID = nil
			} else {
				a.SlotID = set.Value.(*int64)
			}
		case ColNotes:
			notes := set.Value.(string)
			a.MonitorNotes = &notes
		}
	}
	t.appts[id] = a
	return &a, nil
}

func (t *memTx) LockCohort(_ context.Context, slotID int64, date time.Time) ([]int64, error) {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	ids := []int64{}
	for _, a := range t.apptsView() {
		if inCohort(a, slotID, date) {
			ids = append(ids, a.ID)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (t *memTx) CompleteCohort(_ context.Context, slotID int64, date time.Time) ([]int64, error) {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	ids := []int64{}
	for _, a := range t.apptsView() {
		if inCohort(a, slotID, date) {
			a.Status = StatusCompleted
			t.appts[a.ID] = a
			ids = append(ids, a.ID)
		}
	}
	slices.Sort(ids)
	return ids, nil
}
