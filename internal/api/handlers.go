package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/clinic-queue-engine/internal/queue"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// handleQueueError maps the error taxonomy onto HTTP statuses. Rejected
// commands leave queue state untouched, so conflicts are all retryable.
func handleQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrDayNotFound):
		writeError(w, http.StatusNotFound, "clinic_day_not_found", err.Error())
	case errors.Is(err, queue.ErrEntryNotFound):
		writeError(w, http.StatusNotFound, "entry_not_found", err.Error())
	case errors.Is(err, queue.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, queue.ErrVersionConflict):
		writeError(w, http.StatusConflict, "version_conflict", "queue version is stale, refetch and retry")
	case errors.Is(err, queue.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, queue.ErrCapacityExceeded):
		writeError(w, http.StatusConflict, "capacity_exceeded", err.Error())
	case errors.Is(err, queue.ErrGracePeriodNotElapsed):
		writeError(w, http.StatusConflict, "grace_period_not_elapsed", err.Error())
	case errors.Is(err, queue.ErrDayClosed):
		writeError(w, http.StatusConflict, "clinic_day_closed", err.Error())
	case errors.Is(err, queue.ErrNothingCallable):
		writeError(w, http.StatusConflict, "nothing_callable", err.Error())
	case errors.Is(err, queue.ErrConfiguration):
		writeError(w, http.StatusUnprocessableEntity, "invalid_configuration", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	return true
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func openDayHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req OpenDayRequest
		if !decodeBody(w, r, &req) {
			return
		}
		clinicID, err := uuid.Parse(req.ClinicID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_clinic_id", "clinic_id must be a valid UUID")
			return
		}

		day, err := svc.OpenDay(r.Context(), clinicID, req.OpensAt, req.ClosesAt, req.Config.toDomain())
		if err != nil {
			handleQueueError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toDayResponse(day))
	}
}

func closeDayHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dayID, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		var req CloseDayRequest
		if !decodeBody(w, r, &req) {
			return
		}

		day, err := svc.CloseDay(r.Context(), dayID, req.Version)
		if err != nil {
			handleQueueError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toDayResponse(day))
	}
}

func snapshotHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dayID, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}

		snap, err := svc.GetSnapshot(r.Context(), dayID)
		if err != nil {
			handleQueueError(w, err)
			return
		}

		resp := SnapshotResponse{Day: toDayResponse(snap.Day)}
		for _, e := range snap.Entries {
			resp.Entries = append(resp.Entries, toEntryResponse(e))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func getEntryHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		e, err := svc.GetEntry(r.Context(), id)
		if err != nil {
			handleQueueError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toEntryResponse(e))
	}
}

func bookEntryHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dayID, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		var req BookEntryRequest
		if !decodeBody(w, r, &req) {
			return
		}
		patientID, err := uuid.Parse(req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}

		e, err := svc.BookEntry(r.Context(), dayID, patientID, queue.AppointmentType(req.AppointmentType), req.ScheduledTime)
		if err != nil {
			handleQueueError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toEntryResponse(e))
	}
}

func admitWalkInHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dayID, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		var req WalkInRequest
		if !decodeBody(w, r, &req) {
			return
		}
		patientID, err := uuid.Parse(req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}

		e, err := svc.AdmitWalkIn(r.Context(), dayID, patientID, queue.AppointmentType(req.AppointmentType))
		if err != nil {
			handleQueueError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toEntryResponse(e))
	}
}

func callNextHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dayID, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		e, err := svc.CallNext(r.Context(), dayID)
		if err != nil {
			handleQueueError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toEntryResponse(e))
	}
}

// entryCommandHandler factors the common versioned command shape:
// check-in, absent, return, start, cancel.
func entryCommandHandler(cmd func(r *http.Request, entryID uuid.UUID, version int64) (*queue.QueueEntry, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entryID, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		var req VersionedRequest
		if !decodeBody(w, r, &req) {
			return
		}

		e, err := cmd(r, entryID, req.QueueVersion)
		if err != nil {
			handleQueueError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toEntryResponse(e))
	}
}

func completeServiceHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entryID, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		var req CompleteServiceRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.ActualDurationMinutes <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_actual_duration", "actual_duration_minutes must be positive")
			return
		}

		e, err := svc.CompleteService(r.Context(), entryID, req.ActualDurationMinutes, req.QueueVersion)
		if err != nil {
			handleQueueError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toEntryResponse(e))
	}
}

func reorderHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entryID, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		var req ReorderRequest
		if !decodeBody(w, r, &req) {
			return
		}

		e, err := svc.Reorder(r.Context(), entryID, req.NewPosition, req.QueueVersion)
		if err != nil {
			handleQueueError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toEntryResponse(e))
	}
}

func ingestEventHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dayID, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		var req IngestEventRequest
		if !decodeBody(w, r, &req) {
			return
		}

		eventID, err := uuid.Parse(req.ID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_event_id", "id must be a valid UUID")
			return
		}

		ev := queue.DisruptionEvent{
			ID:                    eventID,
			Kind:                  queue.EventKind(req.Kind),
			ClinicDayID:           dayID,
			ActualDurationMinutes: req.ActualDurationMinutes,
			NewPosition:           req.NewPosition,
			ObservedAt:            time.Now(),
		}
		if req.ObservedAt != nil {
			ev.ObservedAt = *req.ObservedAt
		}
		if req.EntryID != nil {
			entryID, err := uuid.Parse(*req.EntryID)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_entry_id", "entry_id must be a valid UUID")
				return
			}
			ev.EntryID = &entryID
		}

		if err := svc.IngestEvent(r.Context(), ev); err != nil {
			handleQueueError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}
