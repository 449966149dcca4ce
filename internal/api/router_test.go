package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carepath/medtrack/internal/api"
	"github.com/carepath/medtrack/internal/api/handlers"
	"github.com/carepath/medtrack/internal/domain/familyaccess"
	"github.com/carepath/medtrack/internal/domain/schedule"
	"github.com/carepath/medtrack/internal/infrastructure/memory"
	"github.com/carepath/medtrack/internal/store"
)

const apiKey = "test-key"

var day = schedule.Date{Year: 2024, Month: time.May, Day: 14}

type requestLog struct {
	mu     sync.Mutex
	routes []string
}

func (l *requestLog) ObserveRequest(method, route string, code int, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.routes = append(l.routes, method+" "+route)
}

type server struct {
	handler http.Handler
	store   *memory.Store
	routes  *requestLog
}

func newServer(t *testing.T, st store.Store, ready func(context.Context) error) *server {
	t.Helper()
	loc, err := time.LoadLocation("America/Chicago")
	require.NoError(t, err)
	now := day.At(schedule.Clock{Hour: 10}, loc)
	clock := func() time.Time { return now }

	mem := memory.New(memory.WithUniqueIndex(store.TableAdministrations, "medication_id", "local_date", "local_time"))
	if st == nil {
		st = mem
	}
	tracker := schedule.NewTracker(st, schedule.WithLocation(loc), schedule.WithClock(clock))
	grants := familyaccess.NewService(st, nil).WithClock(clock)
	log := &requestLog{}

	h := api.NewRouter(api.Deps{
		Tracker:     tracker,
		Grants:      grants,
		APIKeys:     map[string]string{apiKey: "nurse-station"},
		CORSOrigins: []string{"*"},
		Metrics:     log,
		Ready:       ready,
	})
	return &server{handler: h, store: mem, routes: log}
}

func (s *server) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", apiKey)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (s *server) createMedication(t *testing.T, freq string, times ...string) handlers.MedicationResponse {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/v1/medications", handlers.MedicationRequest{
		PatientID: "patient-1",
		Name:      "Lisinopril",
		Dose:      "10 mg",
		Frequency: freq,
		Times:     times,
		StartDate: "2024-05-07",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[handlers.MedicationResponse](t, rec)
}

func TestHealthAndReady(t *testing.T) {
	s := newServer(t, nil, func(context.Context) error { return errors.New("breaker open") })

	rec := s.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode[map[string]string](t, rec)["status"])

	rec = s.do(t, http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAPIKeyRequired(t *testing.T) {
	s := newServer(t, nil, nil)

	rec := s.do(t, http.MethodGet, "/api/v1/frequencies", nil, map[string]string{"X-API-Key": ""})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/frequencies", nil, map[string]string{"X-API-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/frequencies", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	freqs := decode[[]handlers.FrequencyResponse](t, rec)
	require.Len(t, freqs, 9)
	assert.Equal(t, "once_daily", freqs[0].Frequency)
	assert.Equal(t, []string{"08:00"}, freqs[0].Times)
}

func TestMedicationCRUD(t *testing.T) {
	s := newServer(t, nil, nil)

	m := s.createMedication(t, "twice_daily")
	assert.Equal(t, []string{"08:00", "20:00"}, m.Times)
	assert.True(t, m.IsActive)

	rec := s.do(t, http.MethodGet, "/api/v1/medications/"+m.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Lisinopril", decode[handlers.MedicationResponse](t, rec).Name)

	freq := "once_daily"
	rec = s.do(t, http.MethodPatch, "/api/v1/medications/"+m.ID, handlers.MedicationPatchRequest{Frequency: &freq}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"08:00"}, decode[handlers.MedicationResponse](t, rec).Times)

	rec = s.do(t, http.MethodGet, "/api/v1/patients/patient-1/medications?active=true", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]handlers.MedicationResponse](t, rec), 1)

	rec = s.do(t, http.MethodDelete, "/api/v1/medications/"+m.ID, nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/medications/"+m.ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateMedicationValidation(t *testing.T) {
	s := newServer(t, nil, nil)

	rec := s.do(t, http.MethodPost, "/api/v1/medications", handlers.MedicationRequest{
		PatientID: "patient-1", Name: "X", Dose: "1", Frequency: "hourly",
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "frequency", decode[handlers.ErrorResponse](t, rec).Field)

	rec = s.do(t, http.MethodPost, "/api/v1/medications", handlers.MedicationRequest{
		PatientID: "patient-1", Name: "X", Dose: "1", Frequency: "once_daily", StartDate: "14/05/2024",
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "start_date", decode[handlers.ErrorResponse](t, rec).Field)

	rec = s.do(t, http.MethodPost, "/api/v1/medications", handlers.MedicationRequest{
		Name: "X", Dose: "1", Frequency: "once_daily",
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "patient_id", decode[handlers.ErrorResponse](t, rec).Field)
}

func TestDayScheduleAndSlotTransitions(t *testing.T) {
	s := newServer(t, nil, nil)
	m := s.createMedication(t, "twice_daily")

	rec := s.do(t, http.MethodGet, "/api/v1/patients/patient-1/schedule?date=2024-05-14", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sched := decode[handlers.DayScheduleResponse](t, rec)
	assert.Equal(t, "America/Chicago", sched.Timezone)
	require.Len(t, sched.Instances, 2)
	assert.Empty(t, sched.Instances[0].ID)
	assert.Equal(t, "delayed", sched.Instances[0].State)
	assert.Equal(t, "2h 00m", sched.Instances[0].OverdueBy)
	assert.Equal(t, "pending", sched.Instances[1].State)
	assert.Equal(t, "10h 00m", sched.Instances[1].DueIn)
	assert.Equal(t, m.ID+"/2024-05-14/20:00", sched.Instances[1].SlotKey)
	assert.Equal(t, 2, sched.Summary.Pending)
	assert.Equal(t, 1, sched.Summary.Delayed)
	assert.Equal(t, 0, s.store.Len(store.TableAdministrations))

	slot := "/api/v1/medications/" + m.ID + "/slots/2024-05-14/08:00"
	rec = s.do(t, http.MethodPost, slot+"/administer", handlers.AdministerRequest{Notes: "with food"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	given := decode[handlers.InstanceResponse](t, rec)
	assert.Equal(t, "administered", given.Status)
	assert.Equal(t, "nurse-station", given.AdministeredBy)
	assert.Equal(t, "Lisinopril", given.MedicationName)
	require.NotEmpty(t, given.ID)

	// A second administer of the same slot reuses the instance.
	rec = s.do(t, http.MethodPost, slot+"/administer", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, given.ID, decode[handlers.InstanceResponse](t, rec).ID)
	assert.Equal(t, 1, s.store.Len(store.TableAdministrations))

	rec = s.do(t, http.MethodPost, "/api/v1/medications/"+m.ID+"/slots/2024-05-14/20:00/skip",
		handlers.SkipRequest{Reason: "  "}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 1, s.store.Len(store.TableAdministrations))

	rec = s.do(t, http.MethodPost, "/api/v1/medications/"+m.ID+"/slots/2024-05-14/09:00/administer", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/administrations/"+given.ID+"/undo", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	undone := decode[handlers.InstanceResponse](t, rec)
	assert.Equal(t, "pending", undone.Status)
	assert.Equal(t, "delayed", undone.State)
	assert.Nil(t, undone.AdministeredAt)

	rec = s.do(t, http.MethodPost, "/api/v1/administrations/"+given.ID+"/skip", handlers.SkipRequest{Reason: "nausea"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nausea", decode[handlers.InstanceResponse](t, rec).SkipReason)

	rec = s.do(t, http.MethodGet, "/api/v1/patients/patient-1/summary?date=2024-05-14", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decode[handlers.SummaryResponse](t, rec)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 1, summary.Pending)
	assert.Equal(t, 0, summary.Delayed)
	assert.Equal(t, 2, summary.Total)
}

func TestPatchFrequencyIsTrimmed(t *testing.T) {
	s := newServer(t, nil, nil)
	m := s.createMedication(t, "twice_daily")

	freq := " three_times_daily "
	rec := s.do(t, http.MethodPatch, "/api/v1/medications/"+m.ID, handlers.MedicationPatchRequest{Frequency: &freq}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[handlers.MedicationResponse](t, rec)
	assert.Equal(t, "three_times_daily", got.Frequency)
	assert.Equal(t, []string{"08:00", "14:00", "20:00"}, got.Times)

	freq = "weekly"
	rec = s.do(t, http.MethodPatch, "/api/v1/medications/"+m.ID, handlers.MedicationPatchRequest{Frequency: &freq}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "frequency", decode[handlers.ErrorResponse](t, rec).Field)
}

func TestNextDueAndDelayed(t *testing.T) {
	s := newServer(t, nil, nil)
	s.createMedication(t, "twice_daily")

	rec := s.do(t, http.MethodGet, "/api/v1/patients/patient-1/next-due", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	next := decode[handlers.NextDueResponse](t, rec)
	require.NotNil(t, next.NextDue)
	assert.Equal(t, "20:00", next.NextDue.Instance.Time)
	assert.Equal(t, int64(10*3600), next.NextDue.CountdownSeconds)
	assert.False(t, next.NextDue.Overdue)

	rec = s.do(t, http.MethodGet, "/api/v1/patients/patient-1/delayed", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	delayed := decode[handlers.DelayedResponse](t, rec)
	// yesterday's 08:00 and 20:00 are still pending, then today's 08:00
	require.Len(t, delayed.Doses, 3)
	assert.Equal(t, "2024-05-13", delayed.Doses[0].Instance.Date)
	assert.Equal(t, int64(26*3600), delayed.Doses[0].OverdueSeconds)
	assert.Equal(t, "20:00", delayed.Doses[1].Instance.Time)
	assert.Equal(t, int64(14*3600), delayed.Doses[1].OverdueSeconds)
	assert.Equal(t, "2024-05-14", delayed.Doses[2].Instance.Date)
	assert.Equal(t, "08:00", delayed.Doses[2].Instance.Time)
	assert.Equal(t, int64(2*3600), delayed.Doses[2].OverdueSeconds)

	rec = s.do(t, http.MethodGet, "/api/v1/patients/nobody/next-due", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, decode[handlers.NextDueResponse](t, rec).NextDue)
}

func TestUnknownAdministration(t *testing.T) {
	s := newServer(t, nil, nil)
	rec := s.do(t, http.MethodPost, "/api/v1/administrations/missing/administer", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFamilyPortal(t *testing.T) {
	s := newServer(t, nil, nil)
	s.createMedication(t, "once_daily")

	rec := s.do(t, http.MethodPost, "/api/v1/patients/patient-1/family-grants", handlers.GrantRequest{
		MemberName:   "Ana",
		Relationship: "daughter",
		Permissions:  []string{"view_schedule"},
		TTL:          "720h",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	grant := decode[handlers.GrantResponse](t, rec)
	require.NotEmpty(t, grant.Token)
	assert.Equal(t, "nurse-station", grant.GrantedBy)
	require.NotNil(t, grant.ExpiresAt)

	token := map[string]string{"X-API-Key": "", "X-Family-Token": grant.Token}

	rec = s.do(t, http.MethodGet, "/portal/v1/schedule?date=2024-05-14", nil, token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sched := decode[handlers.DayScheduleResponse](t, rec)
	assert.Equal(t, "patient-1", sched.PatientID)
	assert.Len(t, sched.Instances, 1)

	rec = s.do(t, http.MethodGet, "/portal/v1/next-due", nil, token)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/portal/v1/medications", nil, token)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodGet, "/portal/v1/schedule", nil, map[string]string{"X-API-Key": ""})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/patients/patient-1/family-grants", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decode[[]handlers.GrantResponse](t, rec)
	require.Len(t, listed, 1)
	assert.Empty(t, listed[0].Token)

	rec = s.do(t, http.MethodDelete, "/api/v1/patients/patient-1/family-grants/"+grant.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/portal/v1/schedule", nil, token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/patients/patient-1/family-grants", handlers.GrantRequest{TTL: "forever"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type downStore struct{ store.Store }

func (downStore) Find(context.Context, string, store.Filter) ([]store.Row, error) {
	return nil, errors.New("connection refused")
}

func TestStoreOutageIs503(t *testing.T) {
	s := newServer(t, downStore{Store: memory.New()}, nil)
	rec := s.do(t, http.MethodGet, "/api/v1/medications/abc", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestFamilyGrantStoreOutageIs503(t *testing.T) {
	s := newServer(t, downStore{Store: memory.New()}, nil)

	rec := s.do(t, http.MethodGet, "/api/v1/patients/patient-1/family-grants", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodDelete, "/api/v1/patients/patient-1/family-grants/g-1", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/portal/v1/schedule", nil, map[string]string{"X-Family-Token": "abc"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())
}

func TestMetricsUseRoutePatterns(t *testing.T) {
	s := newServer(t, nil, nil)
	s.do(t, http.MethodGet, "/api/v1/patients/patient-7/schedule", nil, nil)

	s.routes.mu.Lock()
	defer s.routes.mu.Unlock()
	require.NotEmpty(t, s.routes.routes)
	assert.Contains(t, s.routes.routes, "GET /api/v1/patients/{patientID}/schedule")
}
