package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/monitorias/scheduling/internal/appointment"
	"github.com/monitorias/scheduling/internal/config"
	"github.com/monitorias/scheduling/internal/db"
	"github.com/monitorias/scheduling/internal/lock"
	"github.com/monitorias/scheduling/internal/logger"
)

const (
	monitorCount    = 40
	studentCount    = 2000
	slotsPerMonitor = 3
)

var subjects = []string{
	"Cálculo Diferencial",
	"Cálculo Integral",
	"Álgebra Lineal",
	"Física Mecánica",
	"Programación Orientada a Objetos",
	"Estructuras de Datos",
	"Química General",
	"Estadística",
	"Bases de Datos",
	"Ecuaciones Diferenciales",
}

var blocks = [][2]string{
	{"08:00", "10:00"},
	{"10:00", "12:00"},
	{"14:00", "16:00"},
	{"16:00", "18:00"},
}

var weekdays = []appointment.Weekday{
	appointment.Monday,
	appointment.Tuesday,
	appointment.Wednesday,
	appointment.Thursday,
	appointment.Friday,
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	zl, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer zl.Sync() //nolint:errcheck
	zl = zl.Named("seed")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.WithApplicationName("seed"))
	if err != nil {
		zl.Fatal("connect postgres", zap.Error(err))
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool, zl); err != nil {
		zl.Fatal("migrate", zap.Error(err))
	}

	gofakeit.Seed(time.Now().UnixNano())

	subjectIDs, err := seedSubjects(ctx, pool)
	if err != nil {
		zl.Fatal("seed subjects", zap.Error(err))
	}
	monitorIDs, err := seedMonitors(ctx, pool, subjectIDs, monitorCount)
	if err != nil {
		zl.Fatal("seed monitors", zap.Error(err))
	}
	zl.Info("monitors seeded", zap.Int("count", len(monitorIDs)))

	if err := seedStudents(ctx, pool, studentCount, zl); err != nil {
		zl.Fatal("seed students", zap.Error(err))
	}

	// Slots go through the service so they get the same validation as the API.
	opts, err := appointment.OptionsFromConfig(cfg.Booking)
	if err != nil {
		zl.Fatal("booking options", zap.Error(err))
	}
	svc := appointment.NewService(appointment.NewPgRepository(pool), lock.NewLocalLocker(cfg.LockWait), opts, zl)

	created, err := seedSlots(ctx, svc, monitorIDs)
	if err != nil {
		zl.Fatal("seed slots", zap.Error(err))
	}
	zl.Info("seed complete", zap.Int("slots", created))
}

func seedSubjects(ctx context.Context, pool *pgxpool.Pool) ([]int64, error) {
	ids := make([]int64, 0, len(subjects))
	for _, name := range subjects {
		var id int64
		err := pool.QueryRow(ctx, `
			INSERT INTO materias (nombre) VALUES ($1)
			ON CONFLICT (nombre) DO UPDATE SET nombre = EXCLUDED.nombre
			RETURNING id
		`, name).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("insert subject %q: %w", name, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func seedMonitors(ctx context.Context, pool *pgxpool.Pool, subjectIDs []int64, count int) ([]int64, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	ids := make([]int64, 0, count)
	for i := 0; i < count; i++ {
		var id int64
		err := tx.QueryRow(ctx, `
			INSERT INTO usuarios (nombre, email, rol)
			VALUES ($1, $2, 'monitor')
			ON CONFLICT (email) DO UPDATE SET nombre = EXCLUDED.nombre
			RETURNING id
		`, gofakeit.Name(), fmt.Sprintf("monitor%03d@monitorias.edu.co", i)).Scan(&id)
		if err != nil {
			return nil, err
		}

		subject := subjectIDs[i%len(subjectIDs)]
		if _, err := tx.Exec(ctx, `
			INSERT INTO monitor_materia (monitor_id, materia_id) VALUES ($1, $2)
			ON CONFLICT (monitor_id) DO NOTHING
		`, id, subject); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

func seedStudents(ctx context.Context, pool *pgxpool.Pool, count int, zl *zap.Logger) error {
	const batchSize = 500

	for offset := 0; offset < count; offset += batchSize {
		end := min(offset+batchSize, count)

		batch := &pgx.Batch{}
		for i := offset; i < end; i++ {
			batch.Queue(`
				INSERT INTO usuarios (nombre, email, rol)
				VALUES ($1, $2, 'estudiante')
				ON CONFLICT (email) DO NOTHING
			`, gofakeit.Name(), fmt.Sprintf("estudiante%05d@monitorias.edu.co", i))
		}
		if err := pool.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}

		zl.Info("students seeded", zap.Int("done", end), zap.Int("total", count))
	}
	return nil
}

func seedSlots(ctx context.Context, svc *appointment.Service, monitorIDs []int64) (int, error) {
	created := 0
	for _, monitorID := range monitorIDs {
		for i := 0; i < slotsPerMonitor; i++ {
			day := weekdays[gofakeit.Number(0, len(weekdays)-1)]
			block := blocks[gofakeit.Number(0, len(blocks)-1)]
			room := fmt.Sprintf("Bloque %d - %d", gofakeit.Number(1, 12), gofakeit.Number(101, 405))

			_, err := svc.CreateSlot(ctx, appointment.SlotRequest{
				MonitorID: monitorID,
				Weekday:   string(day),
				StartTime: block[0],
				EndTime:   block[1],
				Location:  &room,
			})
			switch {
			case err == nil:
				created++
			case appointment.IsRejection(err):
				// Random picks can collide with an existing block; skip them.
			default:
				return created, err
			}
		}
	}
	return created, nil
}
