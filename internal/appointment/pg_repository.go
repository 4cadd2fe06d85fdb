package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/monitorias/scheduling/internal/lock"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// querier is satisfied by both the pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const slotColumns = `id, monitor_id, materia_id, dia_semana,
	to_char(hora_inicio, 'HH24:MI'), to_char(hora_fin, 'HH24:MI'),
	ubicacion, activo, created_at`

const appointmentColumns = `id, estudiante_id, monitor_id, materia_id, disponibilidad_id,
	fecha_cita, to_char(hora_inicio, 'HH24:MI'), to_char(hora_fin, 'HH24:MI'),
	ubicacion, estado, notas_monitor, created_at, updated_at`

// Helpers

func scanSlot(row pgx.Row) (*AvailabilitySlot, error) {
	var s AvailabilitySlot

	err := row.Scan(
		&s.ID,
		&s.MonitorID,
		&s.SubjectID,
		&s.Weekday,
		&s.StartTime,
		&s.EndTime,
		&s.Location,
		&s.Active,
		&s.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: availability slot", ErrNotFound)
		}
		return nil, err
	}

	return &s, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment

	err := row.Scan(
		&a.ID,
		&a.StudentID,
		&a.MonitorID,
		&a.SubjectID,
		&a.SlotID,
		&a.Date,
		&a.StartTime,
		&a.EndTime,
		&a.Location,
		&a.Status,
		&a.MonitorNotes,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: appointment", ErrNotFound)
		}
		return nil, err
	}

	return &a, nil
}

func collectSlots(rows pgx.Rows) ([]AvailabilitySlot, error) {
	defer rows.Close()

	result := []AvailabilitySlot{}
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}
	return result, rows.Err()
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	result := []Appointment{}
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	return result, rows.Err()
}

func collectIDs(rows pgx.Rows) ([]int64, error) {
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []int64{}
	}
	return ids, nil
}

func activeStatusArgs() []string {
	out := make([]string, len(ActiveStatuses))
	for i, s := range ActiveStatuses {
		out[i] = string(s)
	}
	return out
}

// translateWriteErr maps constraint violations onto domain errors.
func translateWriteErr(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgUniqueViolation:
		return fmt.Errorf("%w: student already holds an appointment at that time", ErrSchedulingConflict)
	case pgForeignKeyViolation:
		return fmt.Errorf("%w: unknown reference (%s)", ErrInvalidArgument, pgErr.ConstraintName)
	}
	return err
}

// Shared queries, run against the pool or a transaction.

func getSlot(ctx context.Context, q querier, id int64, suffix string) (*AvailabilitySlot, error) {
	return scanSlot(q.QueryRow(ctx, `SELECT `+slotColumns+` FROM disponibilidades WHERE id = $1`+suffix, id))
}

func countActiveInCohort(ctx context.Context, q querier, slotID int64, date time.Time) (int, error) {
	clause, args := cohortWhere(slotID, date).SQL()

	var n int
	err := q.QueryRow(ctx, `SELECT count(*) FROM citas`+clause, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count cohort: %w", err)
	}
	return n, nil
}

// Interface methods

func (r *PgRepository) GetSlotByID(ctx context.Context, id int64) (*AvailabilitySlot, error) {
	return getSlot(ctx, r.pool, id, "")
}

func (r *PgRepository) ListSlots(ctx context.Context, f SlotFilter) ([]AvailabilitySlot, error) {
	where := NewWhere()
	if f.MonitorID != nil {
		where.Eq("monitor_id", *f.MonitorID)
	}
	if f.OnlyActive {
		where.Cond("activo")
	}
	clause, args := where.SQL()

	rows, err := r.pool.Query(ctx, `SELECT `+slotColumns+` FROM disponibilidades`+clause+`
		ORDER BY monitor_id,
		         array_position(ARRAY['lunes','martes','miercoles','jueves','viernes','sabado','domingo'], dia_semana),
		         hora_inicio`, args...)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	return collectSlots(rows)
}

func (r *PgRepository) GetMonitorSubject(ctx context.Context, monitorID int64) (int64, error) {
	var subjectID int64
	err := r.pool.QueryRow(ctx, `SELECT materia_id FROM monitor_materia WHERE monitor_id = $1`, monitorID).Scan(&subjectID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: monitor %d has no subject", ErrNotFound, monitorID)
		}
		return 0, fmt.Errorf("get monitor subject: %w", err)
	}
	return subjectID, nil
}

func (r *PgRepository) CountActiveInCohort(ctx context.Context, slotID int64, date time.Time) (int, error) {
	return countActiveInCohort(ctx, r.pool, slotID, date)
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id int64) (*Appointment, error) {
	return scanAppointment(r.pool.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM citas WHERE id = $1`, id))
}

func (r *PgRepository) ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, error) {
	where := NewWhere()
	if f.MonitorID != nil {
		where.Eq("monitor_id", *f.MonitorID)
	}
	if f.StudentID != nil {
		where.Eq("estudiante_id", *f.StudentID)
	}
	if f.Date != nil {
		where.Eq("fecha_cita", *f.Date)
	}
	if f.Status != nil {
		where.Eq("estado", string(*f.Status))
	}
	clause, args := where.SQL()

	rows, err := r.pool.Query(ctx, `SELECT `+appointmentColumns+` FROM citas`+clause+`
		ORDER BY fecha_cita DESC, hora_inicio DESC, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	return collectAppointments(rows)
}

func (r *PgRepository) ListEndedCohorts(ctx context.Context, date time.Time, clock string) ([]Cohort, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT c.disponibilidad_id, d.monitor_id, c.fecha_cita
		FROM citas c
		JOIN disponibilidades d ON d.id = c.disponibilidad_id
		WHERE c.estado = ANY($1)
		  AND (c.fecha_cita < $2 OR (c.fecha_cita = $2 AND c.hora_fin <= $3::text::time))
		ORDER BY c.fecha_cita, c.disponibilidad_id
	`, activeStatusArgs(), date, clock)
	if err != nil {
		return nil, fmt.Errorf("list ended cohorts: %w", err)
	}

	cohorts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Cohort, error) {
		var c Cohort
		err := row.Scan(&c.SlotID, &c.MonitorID, &c.Date)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("list ended cohorts: %w", err)
	}
	return cohorts, nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO eventos_citas (tipo, cita_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func (r *PgRepository) InTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(context.Background()) //nolint:errcheck

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", translateWriteErr(err))
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) AcquireLock(ctx context.Context, l lock.TxLocker, key string) error {
	return l.AcquireTx(ctx, t.tx, key)
}

func (t *pgTx) LockActiveSlot(ctx context.Context, id int64) (*AvailabilitySlot, error) {
	s, err := getSlot(ctx, t.tx, id, ` AND activo FOR SHARE`)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: slot %d not found or inactive", ErrSlotUnavailable, id)
	}
	return s, err
}

func (t *pgTx) GetSlot(ctx context.Context, id int64) (*AvailabilitySlot, error) {
	return getSlot(ctx, t.tx, id, "")
}

func (t *pgTx) LockSlot(ctx context.Context, id int64) (*AvailabilitySlot, error) {
	return getSlot(ctx, t.tx, id, ` FOR UPDATE`)
}

func (t *pgTx) FindOverlappingSlot(ctx context.Context, monitorID int64, day Weekday, start, end string) (*AvailabilitySlot, error) {
	s, err := scanSlot(t.tx.QueryRow(ctx, `
		SELECT `+slotColumns+`
		FROM disponibilidades
		WHERE monitor_id = $1
		  AND dia_semana = $2
		  AND activo
		  AND hora_inicio < $4::text::time
		  AND hora_fin > $3::text::time
		LIMIT 1
		FOR UPDATE
	`, monitorID, string(day), start, end))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return s, err
}

func (t *pgTx) InsertSlot(ctx context.Context, s AvailabilitySlot) (*AvailabilitySlot, error) {
	return scanSlot(t.tx.QueryRow(ctx, `
		INSERT INTO disponibilidades (monitor_id, materia_id, dia_semana, hora_inicio, hora_fin, ubicacion, activo)
		VALUES ($1, $2, $3, $4::text::time, $5::text::time, $6, TRUE)
		RETURNING `+slotColumns,
		s.MonitorID, s.SubjectID, string(s.Weekday), s.StartTime, s.EndTime, s.Location))
}

func (t *pgTx) CountSlotAppointments(ctx context.Context, slotID int64, from time.Time) (int, int, error) {
	var total, upcoming int
	err := t.tx.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE fecha_cita >= $2 AND estado = ANY($3))
		FROM citas
		WHERE disponibilidad_id = $1
	`, slotID, from, activeStatusArgs()).Scan(&total, &upcoming)
	if err != nil {
		return 0, 0, fmt.Errorf("count slot appointments: %w", err)
	}
	return total, upcoming, nil
}

func (t *pgTx) DeactivateSlot(ctx context.Context, id int64) error {
	if _, err := t.tx.Exec(ctx, `UPDATE disponibilidades SET activo = FALSE WHERE id = $1`, id); err != nil {
		return fmt.Errorf("deactivate slot: %w", err)
	}
	return nil
}

func (t *pgTx) DeleteSlot(ctx context.Context, id int64) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM disponibilidades WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete slot: %w", err)
	}
	return nil
}

func (t *pgTx) FindMatchingSlot(ctx context.Context, m SlotMatch) (*AvailabilitySlot, error) {
	where := NewWhere().
		Eq("monitor_id", m.MonitorID).
		Eq("materia_id", m.SubjectID).
		Eq("dia_semana", string(m.Weekday)).
		Cond("hora_inicio = ?::text::time", m.StartTime).
		Cond("hora_fin = ?::text::time", m.EndTime).
		Cond("activo")
	if m.ID != nil {
		where.Eq("id", *m.ID)
	}
	clause, args := where.SQL()

	s, err := scanSlot(t.tx.QueryRow(ctx, `SELECT `+slotColumns+` FROM disponibilidades`+clause+` ORDER BY id LIMIT 1 FOR SHARE`, args...))
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: no active slot for %s %s-%s", ErrNoAvailabilityForDate, m.Weekday, m.StartTime, m.EndTime)
	}
	return s, err
}

func (t *pgTx) CountActiveInCohort(ctx context.Context, slotID int64, date time.Time) (int, error) {
	return countActiveInCohort(ctx, t.tx, slotID, date)
}

func (t *pgTx) HasConflict(ctx context.Context, q ConflictQuery) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM citas
			WHERE estudiante_id = $1
			  AND monitor_id = $2
			  AND fecha_cita = $3
			  AND hora_inicio = $4::text::time
			  AND estado <> 'cancelada'
			  AND id <> $5
		)
	`, q.StudentID, q.MonitorID, q.Date, q.StartTime, q.ExcludeID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check conflict: %w", err)
	}
	return exists, nil
}

func (t *pgTx) InsertAppointment(ctx context.Context, a Appointment) (*Appointment, error) {
	created, err := scanAppointment(t.tx.QueryRow(ctx, `
		INSERT INTO citas (estudiante_id, monitor_id, materia_id, disponibilidad_id, fecha_cita,
		                   hora_inicio, hora_fin, ubicacion, estado)
		VALUES ($1, $2, $3, $4, $5, $6::text::time, $7::text::time, $8, $9)
		RETURNING `+appointmentColumns,
		a.StudentID, a.MonitorID, a.SubjectID, a.SlotID, a.Date,
		a.StartTime, a.EndTime, a.Location, string(a.Status)))
	if err != nil {
		return nil, translateWriteErr(err)
	}
	return created, nil
}

func (t *pgTx) LockAppointment(ctx context.Context, id int64) (*Appointment, error) {
	return scanAppointment(t.tx.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM citas WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) UpdateAppointment(ctx context.Context, id int64, expected Status, u *Update) (*Appointment, error) {
	sql, args, err := u.Touch().Build("citas", NewWhere().Eq("id", id).Eq("estado", string(expected)))
	if err != nil {
		return nil, fmt.Errorf("build update: %w", err)
	}

	a, err := scanAppointment(t.tx.QueryRow(ctx, sql+` RETURNING `+appointmentColumns, args...))
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: appointment %d changed concurrently", ErrInvalidTransition, id)
	}
	if err != nil {
		return nil, translateWriteErr(err)
	}
	return a, nil
}

// cohortWhere matches the occupying appointments of one (slot, date).
func cohortWhere(slotID int64, date time.Time) *Where {
	return NewWhere().
		Eq("disponibilidad_id", slotID).
		Eq("fecha_cita", date).
		Any(ColStatus, activeStatusArgs())
}

func (t *pgTx) LockCohort(ctx context.Context, slotID int64, date time.Time) ([]int64, error) {
	clause, args := cohortWhere(slotID, date).SQL()

	rows, err := t.tx.Query(ctx, `SELECT id FROM citas`+clause+` ORDER BY id FOR UPDATE`, args...)
	if err != nil {
		return nil, fmt.Errorf("lock cohort: %w", err)
	}
	return collectIDs(rows)
}

func (t *pgTx) CompleteCohort(ctx context.Context, slotID int64, date time.Time) ([]int64, error) {
	sql, args, err := NewUpdate().
		Set(ColStatus, string(StatusCompleted)).
		Touch().
		Build("citas", cohortWhere(slotID, date))
	if err != nil {
		return nil, fmt.Errorf("build cohort completion: %w", err)
	}

	rows, err := t.tx.Query(ctx, sql+` RETURNING id`, args...)
	if err != nil {
		return nil, fmt.Errorf("complete cohort: %w", err)
	}
	ids, err := collectIDs(rows)
	if err != nil {
		return nil, fmt.Errorf("complete cohort: %w", err)
	}
	return ids, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
