package api

import (
	"time"

	"github.com/monitorias/scheduling/internal/appointment"
)

type BookAppointmentRequest struct {
	StudentID int64  `json:"estudiante_id"     validate:"required,gt=0"`
	SlotID    int64  `json:"disponibilidad_id" validate:"required,gt=0"`
	Date      string `json:"fecha_cita"        validate:"required,datetime=2006-01-02"`
}

type UpdateAppointmentRequest struct {
	Status       *string `json:"estado"        validate:"omitempty,oneof=pendiente confirmada completada cancelada"`
	Date         *string `json:"fecha_cita"    validate:"omitempty,datetime=2006-01-02"`
	MonitorNotes *string `json:"notas_monitor" validate:"omitempty,max=2000"`
}

type RescheduleAppointmentRequest struct {
	Date   string `json:"fecha_cita"        validate:"required,datetime=2006-01-02"`
	SlotID *int64 `json:"disponibilidad_id" validate:"omitempty,gt=0"`
}

type CompleteCohortRequest struct {
	MonitorID int64  `json:"monitor_id"        validate:"required,gt=0"`
	SlotID    int64  `json:"disponibilidad_id" validate:"required,gt=0"`
	Date      string `json:"fecha_cita"        validate:"required,datetime=2006-01-02"`
}

type CreateSlotRequest struct {
	MonitorID int64   `json:"monitor_id"  validate:"required,gt=0"`
	Weekday   string  `json:"dia_semana"  validate:"required"`
	StartTime string  `json:"hora_inicio" validate:"required"`
	EndTime   string  `json:"hora_fin"    validate:"required"`
	Location  *string `json:"ubicacion"   validate:"omitempty,max=200"`
}

type AppointmentResponse struct {
	ID           int64     `json:"id"`
	StudentID    int64     `json:"estudiante_id"`
	MonitorID    int64     `json:"monitor_id"`
	SubjectID    int64     `json:"materia_id"`
	SlotID       *int64    `json:"disponibilidad_id"`
	Date         string    `json:"fecha_cita"`
	StartTime    string    `json:"hora_inicio"`
	EndTime      string    `json:"hora_fin"`
	Location     *string   `json:"ubicacion"`
	Status       string    `json:"estado"`
	MonitorNotes *string   `json:"notas_monitor,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type SlotResponse struct {
	ID        int64     `json:"id"`
	MonitorID int64     `json:"monitor_id"`
	SubjectID int64     `json:"materia_id"`
	Weekday   string    `json:"dia_semana"`
	StartTime string    `json:"hora_inicio"`
	EndTime   string    `json:"hora_fin"`
	Location  *string   `json:"ubicacion"`
	Active    bool      `json:"activo"`
	CreatedAt time.Time `json:"created_at"`
}

type DataResponse struct {
	OK   bool `json:"ok"`
	Data any  `json:"data,omitempty"`
}

type CapacityResponse struct {
	OK        bool `json:"ok"`
	Occupied  int  `json:"ocupadas"`
	Limit     int  `json:"limite"`
	Available int  `json:"disponibles"`
}

type CohortResponse struct {
	OK    bool    `json:"ok"`
	Count int     `json:"count"`
	IDs   []int64 `json:"ids"`
}

type SlotRemovalResponse struct {
	OK                   bool `json:"ok"`
	Deleted              bool `json:"eliminada"`
	Deactivated          bool `json:"desactivada"`
	UpcomingAppointments int  `json:"citas_futuras"`
}

type ErrorResponse struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:           a.ID,
		StudentID:    a.StudentID,
		MonitorID:    a.MonitorID,
		SubjectID:    a.SubjectID,
		SlotID:       a.SlotID,
		Date:         appointment.FormatDate(a.Date),
		StartTime:    a.StartTime,
		EndTime:      a.EndTime,
		Location:     a.Location,
		Status:       string(a.Status),
		MonitorNotes: a.MonitorNotes,
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
	}
}

func toSlotResponse(s *appointment.AvailabilitySlot) SlotResponse {
	return SlotResponse{
		ID:        s.ID,
		MonitorID: s.MonitorID,
		SubjectID: s.SubjectID,
		Weekday:   string(s.Weekday),
		StartTime: s.StartTime,
		EndTime:   s.EndTime,
		Location:  s.Location,
		Active:    s.Active,
		CreatedAt: s.CreatedAt,
	}
}
