package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/carepath/medtrack/internal/api/middleware"
	"github.com/carepath/medtrack/internal/domain/familyaccess"
	"github.com/carepath/medtrack/internal/domain/schedule"
)

// FamilyHandler manages family grants and serves the read-only portal
type FamilyHandler struct {
	grants   *familyaccess.Service
	tracker  *schedule.Tracker
	schedule *ScheduleHandler
	logger   *zap.Logger
}

// NewFamilyHandler creates a new handler
func NewFamilyHandler(grants *familyaccess.Service, tracker *schedule.Tracker, logger *zap.Logger) *FamilyHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FamilyHandler{
		grants:   grants,
		tracker:  tracker,
		schedule: NewScheduleHandler(tracker, logger),
		logger:   logger,
	}
}

// GrantRoutes registers grant management under /patients/{patientID}.
func (h *FamilyHandler) GrantRoutes(r chi.Router) {
	r.Post("/family-grants", h.Issue)
	r.Get("/family-grants", h.List)
	r.Delete("/family-grants/{grantID}", h.Revoke)
}

// PortalRoutes returns the token-authenticated portal routes. The patient
// is always the one named by the grant.
func (h *FamilyHandler) PortalRoutes() chi.Router {
	r := chi.NewRouter()
	r.With(middleware.FamilyToken(h.grants, familyaccess.PermViewMedications, h.tracker.Now)).
		Get("/medications", h.PortalMedications)
	r.Group(func(r chi.Router) {
		r.Use(middleware.FamilyToken(h.grants, familyaccess.PermViewSchedule, h.tracker.Now))
		r.Get("/schedule", h.PortalSchedule)
		r.Get("/next-due", h.PortalNextDue)
	})
	return r
}

// Issue handles POST /patients/{patientID}/family-grants. The raw token is
// returned in this response only.
func (h *FamilyHandler) Issue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req GrantRequest
	if err := decodeBody(r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var ttl time.Duration
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil || d < 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "ttl must be a positive duration", Field: "ttl"})
			return
		}
		ttl = d
	}
	perms := make([]familyaccess.Permission, 0, len(req.Permissions))
	for _, p := range req.Permissions {
		perms = append(perms, familyaccess.Permission(p))
	}
	grantedBy := req.GrantedBy
	if grantedBy == "" {
		grantedBy = middleware.GetClientID(ctx)
	}

	g, token, err := h.grants.Issue(ctx, familyaccess.IssueInput{
		PatientID:    chi.URLParam(r, "patientID"),
		GrantedBy:    grantedBy,
		MemberName:   req.MemberName,
		Relationship: req.Relationship,
		Permissions:  perms,
		TTL:          ttl,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	resp := grantResponse(g)
	resp.Token = token
	writeJSON(w, http.StatusCreated, resp)
}

// List handles GET /patients/{patientID}/family-grants
func (h *FamilyHandler) List(w http.ResponseWriter, r *http.Request) {
	grants, err := h.grants.List(r.Context(), chi.URLParam(r, "patientID"))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	out := make([]GrantResponse, 0, len(grants))
	for _, g := range grants {
		out = append(out, grantResponse(g))
	}
	writeJSON(w, http.StatusOK, out)
}

// Revoke handles DELETE /patients/{patientID}/family-grants/{grantID}
func (h *FamilyHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	g, err := h.grants.Revoke(r.Context(), chi.URLParam(r, "patientID"), chi.URLParam(r, "grantID"))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, grantResponse(g))
}

// PortalMedications handles GET /portal/v1/medications
func (h *FamilyHandler) PortalMedications(w http.ResponseWriter, r *http.Request) {
	g, ok := middleware.GetGrant(r.Context())
	if !ok {
		jsonError(w, "missing family token", http.StatusUnauthorized)
		return
	}
	meds, err := h.tracker.ListMedications(r.Context(), g.PatientID, true)
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

// PortalSchedule handles GET /portal/v1/schedule?date=YYYY-MM-DD
func (h *FamilyHandler) PortalSchedule(w http.ResponseWriter, r *http.Request) {
	g, ok := middleware.GetGrant(r.Context())
	if !ok {
		jsonError(w, "missing family token", http.StatusUnauthorized)
		return
	}
	h.schedule.writeDay(w, r, g.PatientID)
}

// PortalNextDue handles GET /portal/v1/next-due
func (h *FamilyHandler) PortalNextDue(w http.ResponseWriter, r *http.Request) {
	g, ok := middleware.GetGrant(r.Context())
	if !ok {
		jsonError(w, "missing family token", http.StatusUnauthorized)
		return
	}
	h.schedule.writeNextDue(w, r, g.PatientID)
}
