package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/carepath/medtrack/internal/api/middleware"
	"github.com/carepath/medtrack/internal/domain/schedule"
)

// ScheduleHandler serves patient schedules and records administrations
type ScheduleHandler struct {
	tracker *schedule.Tracker
	logger  *zap.Logger
}

// NewScheduleHandler creates a new handler
func NewScheduleHandler(tracker *schedule.Tracker, logger *zap.Logger) *ScheduleHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScheduleHandler{tracker: tracker, logger: logger}
}

// PatientRoutes registers the read-side routes under /patients/{patientID}.
func (h *ScheduleHandler) PatientRoutes(r chi.Router) {
	r.Get("/schedule", h.DaySchedule)
	r.Get("/summary", h.Summary)
	r.Get("/next-due", h.NextDue)
	r.Get("/delayed", h.Delayed)
}

// SlotRoutes registers the slot transitions under /medications/{id}.
func (h *ScheduleHandler) SlotRoutes(r chi.Router) {
	r.Post("/slots/{date}/{time}/administer", h.AdministerSlot)
	r.Post("/slots/{date}/{time}/skip", h.SkipSlot)
	r.Post("/slots/{date}/{time}/undo", h.UndoSlot)
}

// InstanceRoutes returns the routes mounted under /administrations.
func (h *ScheduleHandler) InstanceRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{id}", h.GetInstance)
	r.Post("/{id}/administer", h.Administer)
	r.Post("/{id}/skip", h.Skip)
	r.Post("/{id}/undo", h.Undo)
	return r
}

// DaySchedule handles GET /patients/{patientID}/schedule?date=YYYY-MM-DD
func (h *ScheduleHandler) DaySchedule(w http.ResponseWriter, r *http.Request) {
	h.writeDay(w, r, chi.URLParam(r, "patientID"))
}

// writeDay renders a patient's day. Shared with the family portal.
func (h *ScheduleHandler) writeDay(w http.ResponseWriter, r *http.Request, patientID string) {
	ctx, span := otel.Tracer("schedule-handler").Start(r.Context(), "day_schedule")
	defer span.End()
	span.SetAttributes(attribute.String("patient_id", patientID))

	date, ok := h.queryDate(w, r)
	if !ok {
		return
	}
	day, err := h.tracker.DaySchedule(ctx, patientID, date)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	now := h.tracker.Now()
	resp := DayScheduleResponse{
		PatientID: patientID,
		Date:      date.String(),
		Timezone:  h.tracker.Location().String(),
		Now:       now,
		Instances: make([]InstanceResponse, 0, len(day.Instances)),
		Summary:   summaryResponse(schedule.Summarize(day.Instances, date, h.tracker.Location(), now)),
	}
	for _, inst := range day.Instances {
		var med *schedule.Medication
		if m, ok := day.Medication(inst); ok {
			med = &m
		}
		resp.Instances = append(resp.Instances, instanceResponse(inst, med, now))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Summary handles GET /patients/{patientID}/summary?date=YYYY-MM-DD
func (h *ScheduleHandler) Summary(w http.ResponseWriter, r *http.Request) {
	date, ok := h.queryDate(w, r)
	if !ok {
		return
	}
	s, err := h.tracker.PatientSummary(r.Context(), chi.URLParam(r, "patientID"), date, h.tracker.Now())
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, summaryResponse(s))
}

// NextDue handles GET /patients/{patientID}/next-due
func (h *ScheduleHandler) NextDue(w http.ResponseWriter, r *http.Request) {
	h.writeNextDue(w, r, chi.URLParam(r, "patientID"))
}

func (h *ScheduleHandler) writeNextDue(w http.ResponseWriter, r *http.Request, patientID string) {
	ctx := r.Context()
	now := h.tracker.Now()
	next, found, err := h.tracker.PatientNextDue(ctx, patientID, now)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusOK, NextDueResponse{})
		return
	}

	var med *schedule.Medication
	if m, err := h.tracker.GetMedication(ctx, next.Instance.MedicationID); err == nil {
		med = &m
	}
	writeJSON(w, http.StatusOK, NextDueResponse{NextDue: &NextDoseResponse{
		Instance:         instanceResponse(next.Instance, med, now),
		CountdownSeconds: int64(next.Countdown.Seconds()),
		Countdown:        schedule.FormatCountdown(next.Countdown),
		Overdue:          next.Overdue(),
	}})
}

// Delayed handles GET /patients/{patientID}/delayed
func (h *ScheduleHandler) Delayed(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientID")
	now := h.tracker.Now()
	doses, err := h.tracker.PatientDelayed(r.Context(), patientID, now)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	meds := make(map[string]*schedule.Medication)
	resp := DelayedResponse{PatientID: patientID, Now: now, Doses: make([]OverdueDoseResponse, 0, len(doses))}
	for _, d := range doses {
		med, seen := meds[d.Instance.MedicationID]
		if !seen {
			if m, err := h.tracker.GetMedication(r.Context(), d.Instance.MedicationID); err == nil {
				med = &m
			}
			meds[d.Instance.MedicationID] = med
		}
		resp.Doses = append(resp.Doses, OverdueDoseResponse{
			Instance:       instanceResponse(d.Instance, med, now),
			OverdueSeconds: int64(d.Overdue.Seconds()),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetInstance handles GET /administrations/{id}
func (h *ScheduleHandler) GetInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := h.tracker.GetInstance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	h.writeInstance(w, r, inst)
}

// Administer handles POST /administrations/{id}/administer
func (h *ScheduleHandler) Administer(w http.ResponseWriter, r *http.Request) {
	opts, ok := h.administerOptions(w, r)
	if !ok {
		return
	}
	inst, err := h.tracker.MarkAdministered(r.Context(), chi.URLParam(r, "id"), opts)
	h.finishTransition(w, r, inst, err)
}

// Skip handles POST /administrations/{id}/skip
func (h *ScheduleHandler) Skip(w http.ResponseWriter, r *http.Request) {
	var req SkipRequest
	if err := decodeBody(r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	inst, err := h.tracker.MarkSkipped(r.Context(), chi.URLParam(r, "id"), req.Reason)
	h.finishTransition(w, r, inst, err)
}

// Undo handles POST /administrations/{id}/undo
func (h *ScheduleHandler) Undo(w http.ResponseWriter, r *http.Request) {
	inst, err := h.tracker.MarkPending(r.Context(), chi.URLParam(r, "id"))
	h.finishTransition(w, r, inst, err)
}

// AdministerSlot handles POST /medications/{id}/slots/{date}/{time}/administer
func (h *ScheduleHandler) AdministerSlot(w http.ResponseWriter, r *http.Request) {
	date, ok := pathDate(w, r)
	if !ok {
		return
	}
	opts, ok := h.administerOptions(w, r)
	if !ok {
		return
	}
	inst, err := h.tracker.MarkSlotAdministered(r.Context(), chi.URLParam(r, "id"), date, chi.URLParam(r, "time"), opts)
	h.finishTransition(w, r, inst, err)
}

// SkipSlot handles POST /medications/{id}/slots/{date}/{time}/skip
func (h *ScheduleHandler) SkipSlot(w http.ResponseWriter, r *http.Request) {
	date, ok := pathDate(w, r)
	if !ok {
		return
	}
	var req SkipRequest
	if err := decodeBody(r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	inst, err := h.tracker.MarkSlotSkipped(r.Context(), chi.URLParam(r, "id"), date, chi.URLParam(r, "time"), req.Reason)
	h.finishTransition(w, r, inst, err)
}

// UndoSlot handles POST /medications/{id}/slots/{date}/{time}/undo
func (h *ScheduleHandler) UndoSlot(w http.ResponseWriter, r *http.Request) {
	date, ok := pathDate(w, r)
	if !ok {
		return
	}
	inst, err := h.tracker.MarkSlotPending(r.Context(), chi.URLParam(r, "id"), date, chi.URLParam(r, "time"))
	h.finishTransition(w, r, inst, err)
}

func (h *ScheduleHandler) administerOptions(w http.ResponseWriter, r *http.Request) (schedule.AdministerOptions, bool) {
	var req AdministerRequest
	if err := decodeBody(r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return schedule.AdministerOptions{}, false
	}
	by := req.AdministeredBy
	if by == "" {
		by = middleware.GetClientID(r.Context())
	}
	return schedule.AdministerOptions{By: by, Notes: req.Notes}, true
}

func (h *ScheduleHandler) finishTransition(w http.ResponseWriter, r *http.Request, inst schedule.Instance, err error) {
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	h.logger.Debug("administration updated",
		zap.String("instance_id", inst.ID),
		zap.String("status", string(inst.Status)),
		zap.String("request_id", middleware.GetRequestID(r.Context())))
	h.writeInstance(w, r, inst)
}

func (h *ScheduleHandler) writeInstance(w http.ResponseWriter, r *http.Request, inst schedule.Instance) {
	var med *schedule.Medication
	if m, err := h.tracker.GetMedication(r.Context(), inst.MedicationID); err == nil {
		med = &m
	}
	writeJSON(w, http.StatusOK, instanceResponse(inst, med, h.tracker.Now()))
}

// queryDate reads ?date=, defaulting to today in the clinic zone.
func (h *ScheduleHandler) queryDate(w http.ResponseWriter, r *http.Request) (schedule.Date, bool) {
	raw := r.URL.Query().Get("date")
	if raw == "" {
		return h.tracker.Today(), true
	}
	d, err := schedule.ParseDate(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "date must be YYYY-MM-DD", Field: "date"})
		return schedule.Date{}, false
	}
	return d, true
}

func pathDate(w http.ResponseWriter, r *http.Request) (schedule.Date, bool) {
	d, err := schedule.ParseDate(chi.URLParam(r, "date"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "date must be YYYY-MM-DD", Field: "date"})
		return schedule.Date{}, false
	}
	return d, true
}
