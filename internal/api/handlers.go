package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/monitorias/scheduling/internal/appointment"
)

const actorHeader = "X-Actor-Rol"

func bookAppointmentHandler(svc AppointmentService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BookAppointmentRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}

		date, err := appointment.ParseDate(req.Date)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}

		appt, err := svc.BookAppointment(r.Context(), appointment.BookingRequest{
			StudentID: req.StudentID,
			SlotID:    req.SlotID,
			Date:      date,
		})
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}

		writeJSON(w, http.StatusCreated, DataResponse{OK: true, Data: toAppointmentResponse(appt)})
	}
}

func listAppointmentsHandler(svc AppointmentService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			f   appointment.ListFilter
			err error
		)
		q := r.URL.Query()

		if f.MonitorID, err = optionalID(q.Get("monitor_id"), "monitor_id"); err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		if f.StudentID, err = optionalID(q.Get("estudiante_id"), "estudiante_id"); err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		if raw := q.Get("fecha"); raw != "" {
			d, err := appointment.ParseDate(raw)
			if err != nil {
				writeServiceError(w, r, logger, err)
				return
			}
			f.Date = &d
		}
		if raw := q.Get("estado"); raw != "" {
			st, err := appointment.ParseStatus(raw)
			if err != nil {
				writeServiceError(w, r, logger, err)
				return
			}
			f.Status = &st
		}

		list, err := svc.ListAppointments(r.Context(), f)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}

		out := make([]AppointmentResponse, 0, len(list))
		for i := range list {
			out = append(out, toAppointmentResponse(&list[i]))
		}
		writeJSON(w, http.StatusOK, DataResponse{OK: true, Data: out})
	}
}

func getAppointmentHandler(svc AppointmentService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		appt, err := svc.GetAppointment(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}

		writeJSON(w, http.StatusOK, DataResponse{OK: true, Data: toAppointmentResponse(appt)})
	}
}

func updateAppointmentHandler(svc AppointmentService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		var req UpdateAppointmentRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}

		patch := appointment.AppointmentPatch{MonitorNotes: req.MonitorNotes, Actor: appointment.ActorMonitor}
		if raw := r.Header.Get(actorHeader); raw != "" {
			actor, err := appointment.ParseActor(raw)
			if err != nil {
				writeServiceError(w, r, logger, err)
				return
			}
			patch.Actor = actor
		}
		if req.Status != nil {
			st, err := appointment.ParseStatus(*req.Status)
			if err != nil {
				writeServiceError(w, r, logger, err)
				return
			}
			patch.Status = &st
		}
		if req.Date != nil {
			d, err := appointment.ParseDate(*req.Date)
			if err != nil {
				writeServiceError(w, r, logger, err)
				return
			}
			patch.Date = &d
		}

		appt, err := svc.UpdateAppointment(r.Context(), id, patch)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}

		writeJSON(w, http.StatusOK, DataResponse{OK: true, Data: toAppointmentResponse(appt)})
	}
}

func rescheduleAppointmentHandler(svc AppointmentService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		var req RescheduleAppointmentRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}

		date, err := appointment.ParseDate(req.Date)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}

		appt, err := svc.RescheduleDate(r.Context(), appointment.RescheduleRequest{
			AppointmentID: id,
			Date:          date,
			SlotID:        req.SlotID,
		})
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}

		writeJSON(w, http.StatusOK, DataResponse{OK: true, Data: toAppointmentResponse(appt)})
	}
}

func completeCohortHandler(svc AppointmentService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CompleteCohortRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}

		date, err := appointment.ParseDate(req.Date)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}

		res, err := svc.CompleteCohort(r.Context(), req.MonitorID, req.SlotID, date)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}

		writeJSON(w, http.StatusOK, CohortResponse{OK: true, Count: res.Count, IDs: res.IDs})
	}
}

func capacityHandler(svc AppointmentService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		date, err := appointment.ParseDate(r.URL.Query().Get("fecha"))
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}

		c, err := svc.Capacity(r.Context(), id, date)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}

		writeJSON(w, http.StatusOK, CapacityResponse{
			OK:        true,
			Occupied:  c.Occupied,
			Limit:     c.Limit,
			Available: c.Available,
		})
	}
}

// pathID parses the {id} URL parameter, answering 400 when it is not a
// positive integer.
func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_id", "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func optionalID(raw, name string) (*int64, error) {
	if raw == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return nil, invalidParam(name, "must be a positive integer")
	}
	return &id, nil
}

func optionalBool(raw, name string) (bool, error) {
	if raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, invalidParam(name, "must be true or false")
	}
	return b, nil
}

func invalidParam(name, msg string) error {
	return fmt.Errorf("%w: %s %s", appointment.ErrInvalidArgument, name, msg)
}
