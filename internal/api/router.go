package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/monitorias/scheduling/internal/appointment"
)

// AppointmentService is the part of appointment.Service the handlers use.
type AppointmentService interface {
	BookAppointment(ctx context.Context, req appointment.BookingRequest) (*appointment.Appointment, error)
	GetAppointment(ctx context.Context, id int64) (*appointment.Appointment, error)
	ListAppointments(ctx context.Context, f appointment.ListFilter) ([]appointment.Appointment, error)
	UpdateAppointment(ctx context.Context, id int64, p appointment.AppointmentPatch) (*appointment.Appointment, error)
	RescheduleDate(ctx context.Context, req appointment.RescheduleRequest) (*appointment.Appointment, error)

	Capacity(ctx context.Context, slotID int64, date time.Time) (*appointment.Capacity, error)
	CompleteCohort(ctx context.Context, monitorID, slotID int64, date time.Time) (*appointment.CohortResult, error)

	CreateSlot(ctx context.Context, req appointment.SlotRequest) (*appointment.AvailabilitySlot, error)
	GetSlot(ctx context.Context, id int64) (*appointment.AvailabilitySlot, error)
	ListSlots(ctx context.Context, f appointment.SlotFilter) ([]appointment.AvailabilitySlot, error)
	RemoveSlot(ctx context.Context, id int64) (*appointment.SlotRemoval, error)
}

type RouterConfig struct {
	Service AppointmentService
	Logger  *zap.Logger
	Checks  []HealthCheck
	Env     string
	Version string
}

func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := cfg.Service

	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.Recoverer)

	// Health endpoints
	health := NewHealthHandler(cfg.Checks, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	// Appointment endpoints
	r.Route("/citas", func(r chi.Router) {
		r.Post("/", bookAppointmentHandler(svc, logger))
		r.Get("/", listAppointmentsHandler(svc, logger))
		r.Post("/completar-grupo", completeCohortHandler(svc, logger))
		r.Get("/{id}", getAppointmentHandler(svc, logger))
		r.Put("/{id}", updateAppointmentHandler(svc, logger))
		r.Patch("/{id}", rescheduleAppointmentHandler(svc, logger))
	})

	// Availability endpoints
	r.Route("/disponibilidades", func(r chi.Router) {
		r.Post("/", createSlotHandler(svc, logger))
		r.Get("/", listSlotsHandler(svc, logger))
		r.Get("/{id}", getSlotHandler(svc, logger))
		r.Delete("/{id}", removeSlotHandler(svc, logger))
		r.Get("/{id}/capacidad", capacityHandler(svc, logger))
	})

	return r
}
