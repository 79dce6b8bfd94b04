package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap/zaptest"

	"github.com/drfirst/go-dosewatch/internal/clock"
	"github.com/drfirst/go-dosewatch/internal/engine"
	"github.com/drfirst/go-dosewatch/internal/infrastructure/memory"
)

var epoch = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

type testAPI struct {
	router http.Handler
	clock  *clock.Fake
	engine *engine.Engine
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	fake := clock.NewFake(epoch)
	logger := zaptest.NewLogger(t)
	eng := engine.New(memory.NewStore(), nil, engine.DefaultConfig(), logger, engine.WithClock(fake))
	h := NewMedicationHandler(eng, logger)

	r := chi.NewRouter()
	r.Mount("/prescriptions", h.PrescriptionRoutes())
	r.Mount("/doses", h.DoseRoutes())
	return &testAPI{router: r, clock: fake, engine: eng}
}

func (a *testAPI) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func (a *testAPI) register(t *testing.T, req RegisterRequest) PrescriptionResponse {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/prescriptions", req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body %s", rec.Code, rec.Body.String())
	}
	var p PrescriptionResponse
	decode(t, rec, &p)
	return p
}

func every8h(total int) RegisterRequest {
	return RegisterRequest{
		DependentID:     "dep-1",
		Name:            "Amoxicillin",
		Dosage:          "500mg",
		StartAt:         epoch,
		IntervalMinutes: 480,
		TotalDoses:      &total,
	}
}

func TestRegisterAndGet(t *testing.T) {
	api := newTestAPI(t)
	p := api.register(t, every8h(6))

	if p.IntervalMinutes != 480 || !p.IsActive || p.ID == "" {
		t.Fatalf("registered = %+v", p)
	}

	rec := api.do(t, http.MethodGet, "/prescriptions/"+p.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var got PrescriptionResponse
	decode(t, rec, &got)
	if got.ID != p.ID || got.LastMissedAt != nil {
		t.Errorf("get = %+v", got)
	}

	rec = api.do(t, http.MethodGet, "/prescriptions/"+p.ID+"/doses", nil)
	var doses []DoseResponse
	decode(t, rec, &doses)
	// 24h horizon from 09:00 with an 8h interval, both ends included
	if len(doses) != 4 {
		t.Fatalf("doses = %d, want 4", len(doses))
	}
	if doses[0].Status != "scheduled" || !doses[0].ScheduledAt.Equal(epoch) {
		t.Errorf("first dose = %+v", doses[0])
	}
}

func TestRegisterErrors(t *testing.T) {
	api := newTestAPI(t)
	api.register(t, every8h(6))

	noEnd := every8h(1)
	noEnd.TotalDoses = nil
	past := every8h(1)
	past.StartAt = epoch.Add(-time.Hour)

	tests := []struct {
		name string
		body interface{}
		want int
	}{
		{"malformed json", "{", http.StatusBadRequest},
		{"missing end condition", noEnd, http.StatusBadRequest},
		{"start in the past", past, http.StatusBadRequest},
		{"duplicate", every8h(6), http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(t, http.MethodPost, "/prescriptions", tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestIntake(t *testing.T) {
	api := newTestAPI(t)
	p := api.register(t, every8h(6))

	api.clock.Advance(10 * time.Minute)
	rec := api.do(t, http.MethodPost, "/prescriptions/"+p.ID+"/intake", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("intake status = %d, body %s", rec.Code, rec.Body.String())
	}
	var in IntakeResponse
	decode(t, rec, &in)
	if in.DoseID == nil {
		t.Fatal("intake within grace should link the first dose")
	}

	// next dose is 8h away: recorded unlinked
	rec = api.do(t, http.MethodPost, "/prescriptions/"+p.ID+"/intake", nil)
	decode(t, rec, &in)
	if in.DoseID != nil {
		t.Errorf("second intake linked to %s", *in.DoseID)
	}

	rec = api.do(t, http.MethodGet, "/prescriptions/"+p.ID+"/intakes", nil)
	var log []IntakeResponse
	decode(t, rec, &log)
	if len(log) != 2 {
		t.Errorf("intake log = %d, want 2", len(log))
	}

	if rec := api.do(t, http.MethodPost, "/prescriptions/nope/intake", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown prescription status = %d", rec.Code)
	}
}

func TestBulkIntake(t *testing.T) {
	api := newTestAPI(t)
	p := api.register(t, every8h(6))

	rec := api.do(t, http.MethodPost, "/prescriptions/intake", BulkIntakeRequest{
		PrescriptionIDs: []string{p.ID, "missing"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("bulk status = %d", rec.Code)
	}
	var resp struct {
		Results []BulkIntakeResult `json:"results"`
	}
	decode(t, rec, &resp)
	if len(resp.Results) != 2 {
		t.Fatalf("results = %+v", resp.Results)
	}
	if resp.Results[0].Intake == nil || resp.Results[0].Error != "" {
		t.Errorf("first = %+v", resp.Results[0])
	}
	if resp.Results[1].Error != "not found" {
		t.Errorf("second = %+v", resp.Results[1])
	}

	if rec := api.do(t, http.MethodPost, "/prescriptions/intake", BulkIntakeRequest{}); rec.Code != http.StatusBadRequest {
		t.Errorf("empty bulk status = %d", rec.Code)
	}
}

func TestDisableEnable(t *testing.T) {
	api := newTestAPI(t)
	p := api.register(t, every8h(6))

	if rec := api.do(t, http.MethodPatch, "/prescriptions/"+p.ID+"/disable", nil); rec.Code != http.StatusOK {
		t.Fatalf("disable status = %d", rec.Code)
	}
	if rec := api.do(t, http.MethodPatch, "/prescriptions/"+p.ID+"/disable", nil); rec.Code != http.StatusNotFound {
		t.Errorf("second disable status = %d, want 404", rec.Code)
	}
	if rec := api.do(t, http.MethodPost, "/prescriptions/"+p.ID+"/intake", nil); rec.Code != http.StatusNotFound {
		t.Errorf("intake on disabled status = %d, want 404", rec.Code)
	}
	if rec := api.do(t, http.MethodPatch, "/prescriptions/"+p.ID+"/enable", nil); rec.Code != http.StatusOK {
		t.Errorf("enable status = %d", rec.Code)
	}
	if rec := api.do(t, http.MethodPatch, "/prescriptions/"+p.ID+"/enable", nil); rec.Code != http.StatusNotFound {
		t.Errorf("second enable status = %d, want 404", rec.Code)
	}
}

func TestSkipAndDue(t *testing.T) {
	api := newTestAPI(t)
	p := api.register(t, every8h(6))

	rec := api.do(t, http.MethodGet, "/doses/due", nil)
	var due []DoseResponse
	decode(t, rec, &due)
	if len(due) != 1 || due[0].PrescriptionID != p.ID {
		t.Fatalf("due = %+v", due)
	}

	rec = api.do(t, http.MethodPost, "/doses/"+due[0].ID+"/skip", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("skip status = %d", rec.Code)
	}
	var skipped DoseResponse
	decode(t, rec, &skipped)
	if skipped.Status != "skipped" {
		t.Errorf("status = %s", skipped.Status)
	}

	if rec := api.do(t, http.MethodPost, "/doses/"+due[0].ID+"/skip", nil); rec.Code != http.StatusConflict {
		t.Errorf("second skip status = %d, want 409", rec.Code)
	}
	if rec := api.do(t, http.MethodPost, "/doses/unknown/skip", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown dose status = %d, want 404", rec.Code)
	}
}

func TestGetReportsLastMissed(t *testing.T) {
	api := newTestAPI(t)
	p := api.register(t, every8h(6))

	ctx := context.Background()
	api.clock.Advance(5 * time.Minute)
	if _, err := api.engine.NotifyDue(ctx); err != nil {
		t.Fatal(err)
	}
	api.clock.Advance(time.Hour)
	if _, err := api.engine.SweepMissed(ctx); err != nil {
		t.Fatal(err)
	}

	rec := api.do(t, http.MethodGet, "/prescriptions/"+p.ID, nil)
	var got PrescriptionResponse
	decode(t, rec, &got)
	if got.LastMissedAt == nil || !got.LastMissedAt.Equal(epoch) {
		t.Errorf("last_missed_at = %v, want %v", got.LastMissedAt, epoch)
	}
}
