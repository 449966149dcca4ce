package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/carepath/medtrack/internal/api/middleware"
	"github.com/carepath/medtrack/internal/domain/schedule"
)

// MedicationHandler handles the clinician medication endpoints
type MedicationHandler struct {
	tracker *schedule.Tracker
	logger  *zap.Logger
}

// NewMedicationHandler creates a new handler
func NewMedicationHandler(tracker *schedule.Tracker, logger *zap.Logger) *MedicationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MedicationHandler{tracker: tracker, logger: logger}
}

// Routes returns the handler routes. item registers further routes under
// /{id}, such as the slot transitions.
func (h *MedicationHandler) Routes(item ...func(chi.Router)) chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Patch("/", h.Update)
		r.Delete("/", h.Delete)
		for _, fn := range item {
			fn(r)
		}
	})
	return r
}

// Create handles POST /medications
func (h *MedicationHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("medication-handler").Start(r.Context(), "create_medication")
	defer span.End()

	var req MedicationRequest
	if err := decodeBody(r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	freq, err := schedule.ParseFrequency(req.Frequency)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	start := h.tracker.Today()
	if req.StartDate != "" {
		if start, err = schedule.ParseDate(req.StartDate); err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Error: "start_date must be YYYY-MM-DD", Field: "start_date",
			})
			return
		}
	}

	m, err := h.tracker.CreateMedication(ctx, schedule.MedicationInput{
		PatientID:    req.PatientID,
		Name:         req.Name,
		Dose:         req.Dose,
		Frequency:    freq,
		Times:        req.Times,
		StartDate:    start,
		Instructions: req.Instructions,
		Active:       req.IsActive,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	span.SetAttributes(attribute.String("medication_id", m.ID))

	h.logger.Info("medication created",
		zap.String("id", m.ID),
		zap.String("patient_id", m.PatientID),
		zap.String("frequency", string(m.Frequency)),
		zap.String("request_id", middleware.GetRequestID(ctx)),
	)
	writeJSON(w, http.StatusCreated, medicationResponse(m))
}

// Get handles GET /medications/{id}
func (h *MedicationHandler) Get(w http.ResponseWriter, r *http.Request) {
	m, err := h.tracker.GetMedication(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, medicationResponse(m))
}

// Update handles PATCH /medications/{id}. Switching to a catalog frequency
// resets the times to that frequency's canonical list.
func (h *MedicationHandler) Update(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("medication-handler").Start(r.Context(), "update_medication")
	defer span.End()

	id := chi.URLParam(r, "id")
	span.SetAttributes(attribute.String("medication_id", id))

	var req MedicationPatchRequest
	if err := decodeBody(r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	patch, err := req.toPatch()
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	m, err := h.tracker.UpdateMedication(ctx, id, patch)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, medicationResponse(m))
}

// Delete handles DELETE /medications/{id}. Recorded administrations go with it.
func (h *MedicationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if err := h.tracker.DeleteMedication(ctx, id); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	h.logger.Info("medication deleted",
		zap.String("id", id),
		zap.String("request_id", middleware.GetRequestID(ctx)))
	w.WriteHeader(http.StatusNoContent)
}

// ListForPatient handles GET /patients/{patientID}/medications?active=true
func (h *MedicationHandler) ListForPatient(w http.ResponseWriter, r *http.Request) {
	activeOnly := false
	if v := r.URL.Query().Get("active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "active must be a boolean", Field: "active"})
			return
		}
		activeOnly = b
	}

	meds, err := h.tracker.ListMedications(r.Context(), chi.URLParam(r, "patientID"), activeOnly)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	out := make([]MedicationResponse, 0, len(meds))
	for _, m := range meds {
		out = append(out, medicationResponse(m))
	}
	writeJSON(w, http.StatusOK, out)
}

// Frequencies handles GET /frequencies
func Frequencies(w http.ResponseWriter, r *http.Request) {
	freqs := schedule.Frequencies()
	out := make([]FrequencyResponse, 0, len(freqs))
	for _, f := range freqs {
		times, _ := schedule.TimesFor(f)
		out = append(out, FrequencyResponse{Frequency: string(f), Times: times, Flexible: f.Flexible()})
	}
	writeJSON(w, http.StatusOK, out)
}
