package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/monitorias/scheduling/internal/appointment"
)

func createSlotHandler(svc AppointmentService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateSlotRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}

		slot, err := svc.CreateSlot(r.Context(), appointment.SlotRequest{
			MonitorID: req.MonitorID,
			Weekday:   req.Weekday,
			StartTime: req.StartTime,
			EndTime:   req.EndTime,
			Location:  req.Location,
		})
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}

		writeJSON(w, http.StatusCreated, DataResponse{OK: true, Data: toSlotResponse(slot)})
	}
}

func listSlotsHandler(svc AppointmentService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			f   appointment.SlotFilter
			err error
		)
		q := r.URL.Query()

		if f.MonitorID, err = optionalID(q.Get("monitor_id"), "monitor_id"); err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		if f.OnlyActive, err = optionalBool(q.Get("activas"), "activas"); err != nil {
			writeServiceError(w, r, logger, err)
			return
		}

		slots, err := svc.ListSlots(r.Context(), f)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}

		out := make([]SlotResponse, 0, len(slots))
		for i := range slots {
			out = append(out, toSlotResponse(&slots[i]))
		}
		writeJSON(w, http.StatusOK, DataResponse{OK: true, Data: out})
	}
}

func getSlotHandler(svc AppointmentService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		slot, err := svc.GetSlot(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}

		writeJSON(w, http.StatusOK, DataResponse{OK: true, Data: toSlotResponse(slot)})
	}
}

func removeSlotHandler(svc AppointmentService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		res, err := svc.RemoveSlot(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}

		writeJSON(w, http.StatusOK, SlotRemovalResponse{
			OK:                   true,
			Deleted:              res.Deleted,
			Deactivated:          res.Deactivated,
			UpcomingAppointments: res.UpcomingAppointments,
		})
	}
}
