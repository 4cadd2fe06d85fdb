package appointment

import (
	"fmt"
	"strings"
	"time"
)

type Weekday string

const (
	Monday    Weekday = "lunes"
	Tuesday   Weekday = "martes"
	Wednesday Weekday = "miercoles"
	Thursday  Weekday = "jueves"
	Friday    Weekday = "viernes"
	Saturday  Weekday = "sabado"
	Sunday    Weekday = "domingo"
)

var weekdays = [...]Weekday{Sunday, Monday, Tuesday, Wednesday, Thursday, Friday, Saturday}

// WeekdayOf returns the weekday of a calendar date.
func WeekdayOf(date time.Time) Weekday {
	return weekdays[date.Weekday()]
}

// ParseWeekday accepts the stored names and their accented spellings.
func ParseWeekday(s string) (Weekday, error) {
	norm := strings.NewReplacer("é", "e", "á", "a").Replace(strings.ToLower(strings.TrimSpace(s)))
	for _, d := range weekdays {
		if string(d) == norm {
			return d, nil
		}
	}
	return "", fmt.Errorf("%w: unknown weekday %q", ErrInvalidArgument, s)
}

// AvailabilitySlot is a monitor's recurring weekly block for their subject.
type AvailabilitySlot struct {
	ID        int64
	MonitorID int64
	SubjectID int64
	Weekday   Weekday
	StartTime string // HH:MM
	EndTime   string // HH:MM
	Location  *string
	Active    bool
	CreatedAt time.Time
}

type Appointment struct {
	ID           int64
	StudentID    int64
	MonitorID    int64
	SubjectID    int64
	SlotID       *int64
	Date         time.Time
	StartTime    string
	EndTime      string
	Location     *string
	Status       Status
	MonitorNotes *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Capacity is the occupancy of one (slot, date) cohort.
type Capacity struct {
	Occupied  int
	Limit     int
	Available int
}

// Cohort identifies the appointments sharing one slot on one date.
type Cohort struct {
	SlotID    int64
	MonitorID int64
	Date      time.Time
}

type CohortResult struct {
	Count int
	IDs   []int64
}

type ListFilter struct {
	MonitorID *int64
	StudentID *int64
	Date      *time.Time
	Status    *Status
}

type SlotFilter struct {
	MonitorID  *int64
	OnlyActive bool
}

// SlotMatch describes the active slot a rescheduled appointment must land on.
type SlotMatch struct {
	ID        *int64
	MonitorID int64
	SubjectID int64
	Weekday   Weekday
	StartTime string
	EndTime   string
}

type ConflictQuery struct {
	StudentID int64
	MonitorID int64
	Date      time.Time
	StartTime string
	ExcludeID int64
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *int64
	Payload       []byte
	CreatedAt     time.Time
}

// ParseDate parses a YYYY-MM-DD calendar date into midnight UTC.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: date is required", ErrInvalidArgument)
	}
	d, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q must be YYYY-MM-DD", ErrInvalidArgument, s)
	}
	return d, nil
}

func FormatDate(d time.Time) string {
	return d.Format(time.DateOnly)
}

// DateOf truncates an instant to its calendar date in loc, as midnight UTC.
func DateOf(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseClock normalizes a time of day to HH:MM. Seconds are accepted and dropped.
func ParseClock(s string) (string, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"15:04", "15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("15:04"), nil
		}
	}
	return "", fmt.Errorf("%w: time %q must be HH:MM", ErrInvalidArgument, s)
}
