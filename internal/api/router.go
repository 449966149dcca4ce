// Package api assembles the tracker's HTTP surface.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/carepath/medtrack/internal/api/handlers"
	"github.com/carepath/medtrack/internal/api/middleware"
	"github.com/carepath/medtrack/internal/domain/familyaccess"
	"github.com/carepath/medtrack/internal/domain/schedule"
)

// Deps are the collaborators the router needs. Metrics, MetricsHandler and
// Ready are optional.
type Deps struct {
	Tracker        *schedule.Tracker
	Grants         *familyaccess.Service
	Logger         *zap.Logger
	ServiceName    string
	Version        string
	APIKeys        map[string]string
	CORSOrigins    []string
	Metrics        middleware.RequestObserver
	MetricsHandler http.Handler
	Ready          func(ctx context.Context) error
}

// NewRouter wires the middleware chain and every route. An empty APIKeys
// map disables API key checks, which is only meant for local runs.
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if d.ServiceName == "" {
		d.ServiceName = "tracker-api"
	}

	meds := handlers.NewMedicationHandler(d.Tracker, logger)
	sched := handlers.NewScheduleHandler(d.Tracker, logger)
	family := handlers.NewFamilyHandler(d.Grants, d.Tracker, logger)

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(d.CORSOrigins))
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(d.ServiceName))
	if d.Metrics != nil {
		r.Use(middleware.Metrics(d.Metrics))
	}

	r.Get("/health", handlers.Health(d.ServiceName, d.Version))
	r.Get("/ready", handlers.Ready(d.Ready))
	if d.MetricsHandler != nil {
		r.Handle("/metrics", d.MetricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if len(d.APIKeys) > 0 {
			r.Use(middleware.APIKeyAuth(d.APIKeys))
		} else {
			logger.Warn("API key authentication disabled")
		}
		r.Get("/frequencies", handlers.Frequencies)
		r.Mount("/medications", meds.Routes(sched.SlotRoutes))
		r.Mount("/administrations", sched.InstanceRoutes())
		r.Route("/patients/{patientID}", func(r chi.Router) {
			r.Get("/medications", meds.ListForPatient)
			sched.PatientRoutes(r)
			family.GrantRoutes(r)
		})
	})

	r.Mount("/portal/v1", family.PortalRoutes())

	return r
}
