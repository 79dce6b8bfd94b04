// Package handlers provides HTTP handlers for the dosewatch API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-dosewatch/internal/api/middleware"
	"github.com/drfirst/go-dosewatch/internal/domain/medication"
	"github.com/drfirst/go-dosewatch/internal/engine"
)

// Service is the engine surface the API drives
type Service interface {
	RegisterPrescription(ctx context.Context, r medication.Registration) (*medication.Prescription, error)
	Prescription(ctx context.Context, id string) (*medication.Prescription, error)
	LastMissed(ctx context.Context, prescriptionID string) (*medication.DoseInstance, error)
	RecordIntake(ctx context.Context, prescriptionID string) (*medication.IntakeRecord, error)
	RecordBulkIntake(ctx context.Context, prescriptionIDs []string) []engine.IntakeOutcome
	Disable(ctx context.Context, id string) error
	Enable(ctx context.Context, id string) error
	Doses(ctx context.Context, prescriptionID string) ([]*medication.DoseInstance, error)
	Intakes(ctx context.Context, prescriptionID string) ([]*medication.IntakeRecord, error)
	DueDoses(ctx context.Context) ([]*medication.DoseInstance, error)
	SkipDose(ctx context.Context, doseID string) (*medication.DoseInstance, error)
}

// MedicationHandler handles prescription and dose endpoints
type MedicationHandler struct {
	svc    Service
	logger *zap.Logger
	tracer trace.Tracer
}

// NewMedicationHandler creates a new handler
func NewMedicationHandler(svc Service, logger *zap.Logger) *MedicationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MedicationHandler{
		svc:    svc,
		logger: logger,
		tracer: otel.Tracer("medication-handler"),
	}
}

// PrescriptionRoutes returns the routes mounted at /prescriptions
func (h *MedicationHandler) PrescriptionRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Register)
	r.Post("/intake", h.BulkIntake)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/intake", h.Intake)
	r.Patch("/{id}/disable", h.Disable)
	r.Patch("/{id}/enable", h.Enable)
	r.Get("/{id}/doses", h.ListDoses)
	r.Get("/{id}/intakes", h.ListIntakes)
	return r
}

// DoseRoutes returns the routes mounted at /doses
func (h *MedicationHandler) DoseRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/due", h.Due)
	r.Post("/{id}/skip", h.Skip)
	return r
}

// RegisterRequest is the request body for registering a prescription
type RegisterRequest struct {
	DependentID     string     `json:"dependent_id"`
	Name            string     `json:"name"`
	Dosage          string     `json:"dosage"`
	IsPRN           bool       `json:"is_prn"`
	StartAt         time.Time  `json:"start_at"`
	EndAt           *time.Time `json:"end_at,omitempty"`
	IntervalMinutes int        `json:"interval_minutes"`
	TotalDoses      *int       `json:"total_doses,omitempty"`
	Notes           string     `json:"notes,omitempty"`
}

// PrescriptionResponse is the API view of a prescription
type PrescriptionResponse struct {
	ID              string     `json:"id"`
	DependentID     string     `json:"dependent_id"`
	Name            string     `json:"name"`
	Dosage          string     `json:"dosage"`
	IsPRN           bool       `json:"is_prn"`
	StartAt         time.Time  `json:"start_at"`
	EndAt           *time.Time `json:"end_at,omitempty"`
	IntervalMinutes int        `json:"interval_minutes"`
	TotalDoses      *int       `json:"total_doses,omitempty"`
	DosesConsumed   int        `json:"doses_consumed"`
	IsActive        bool       `json:"is_active"`
	Notes           string     `json:"notes,omitempty"`
	LastMissedAt    *time.Time `json:"last_missed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// DoseResponse is the API view of a dose instance
type DoseResponse struct {
	ID             string    `json:"id"`
	PrescriptionID string    `json:"prescription_id"`
	ScheduledAt    time.Time `json:"scheduled_at"`
	Status         string    `json:"status"`
}

// IntakeResponse is the API view of an intake record
type IntakeResponse struct {
	ID             string    `json:"id"`
	PrescriptionID string    `json:"prescription_id"`
	DoseID         *string   `json:"dose_id"`
	TakenAt        time.Time `json:"taken_at"`
}

// BulkIntakeRequest is the request body for a bulk intake
type BulkIntakeRequest struct {
	PrescriptionIDs []string `json:"prescription_ids"`
}

// BulkIntakeResult is the outcome for one prescription of a bulk intake
type BulkIntakeResult struct {
	PrescriptionID string          `json:"prescription_id"`
	Intake         *IntakeResponse `json:"intake,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// Register handles POST /prescriptions
func (h *MedicationHandler) Register(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "register_prescription")
	defer span.End()

	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	p, err := h.svc.RegisterPrescription(ctx, medication.Registration{
		DependentID: req.DependentID,
		Name:        req.Name,
		Dosage:      req.Dosage,
		IsPRN:       req.IsPRN,
		StartAt:     req.StartAt,
		EndAt:       req.EndAt,
		Interval:    time.Duration(req.IntervalMinutes) * time.Minute,
		TotalDoses:  req.TotalDoses,
		Notes:       req.Notes,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	span.SetAttributes(attribute.String("prescription_id", p.ID))

	h.logger.Info("prescription registered",
		zap.String("id", p.ID),
		zap.String("request_id", middleware.GetRequestID(ctx)),
		zap.String("client_id", middleware.GetClientID(ctx)))
	h.writeJSON(w, http.StatusCreated, toPrescription(p, nil))
}

// Get handles GET /prescriptions/{id}
func (h *MedicationHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	p, err := h.svc.Prescription(ctx, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	missed, err := h.svc.LastMissed(ctx, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toPrescription(p, missed))
}

// Intake handles POST /prescriptions/{id}/intake
func (h *MedicationHandler) Intake(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "record_intake")
	defer span.End()

	rec, err := h.svc.RecordIntake(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	span.SetAttributes(attribute.Bool("linked", rec.Linked()))
	h.writeJSON(w, http.StatusCreated, toIntake(rec))
}

// BulkIntake handles POST /prescriptions/intake
func (h *MedicationHandler) BulkIntake(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "record_bulk_intake")
	defer span.End()

	var req BulkIntakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.PrescriptionIDs) == 0 {
		h.jsonError(w, "prescription_ids is required", http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.Int("prescriptions", len(req.PrescriptionIDs)))

	outcomes := h.svc.RecordBulkIntake(ctx, req.PrescriptionIDs)
	results := make([]BulkIntakeResult, 0, len(outcomes))
	for _, o := range outcomes {
		res := BulkIntakeResult{PrescriptionID: o.PrescriptionID}
		if o.Err != nil {
			_, res.Error = classify(o.Err)
		} else {
			res.Intake = toIntake(o.Intake)
		}
		results = append(results, res)
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

// Disable handles PATCH /prescriptions/{id}/disable
func (h *MedicationHandler) Disable(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.Disable(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "is_active": false})
}

// Enable handles PATCH /prescriptions/{id}/enable
func (h *MedicationHandler) Enable(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.Enable(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "is_active": true})
}

// ListDoses handles GET /prescriptions/{id}/doses
func (h *MedicationHandler) ListDoses(w http.ResponseWriter, r *http.Request) {
	doses, err := h.svc.Doses(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toDoses(doses))
}

// ListIntakes handles GET /prescriptions/{id}/intakes
func (h *MedicationHandler) ListIntakes(w http.ResponseWriter, r *http.Request) {
	intakes, err := h.svc.Intakes(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := make([]*IntakeResponse, 0, len(intakes))
	for _, rec := range intakes {
		resp = append(resp, toIntake(rec))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Due handles GET /doses/due
func (h *MedicationHandler) Due(w http.ResponseWriter, r *http.Request) {
	doses, err := h.svc.DueDoses(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toDoses(doses))
}

// Skip handles POST /doses/{id}/skip
func (h *MedicationHandler) Skip(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.SkipDose(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if d.Status != medication.StatusSkipped {
		h.jsonError(w, "dose is already "+string(d.Status), http.StatusConflict)
		return
	}
	h.writeJSON(w, http.StatusOK, toDose(d))
}

// classify maps an engine error to a status code and client message
func classify(err error) (int, string) {
	var verr *medication.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, verr.Error()
	case errors.Is(err, medication.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, medication.ErrConflict):
		return http.StatusConflict, "already exists"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func (h *MedicationHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code, msg := classify(err)
	if code == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
	}
	h.jsonError(w, msg, code)
}

func (h *MedicationHandler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (h *MedicationHandler) jsonError(w http.ResponseWriter, message string, code int) {
	h.writeJSON(w, code, map[string]string{"error": message})
}

func toPrescription(p *medication.Prescription, lastMissed *medication.DoseInstance) *PrescriptionResponse {
	resp := &PrescriptionResponse{
		ID:              p.ID,
		DependentID:     p.DependentID,
		Name:            p.Name,
		Dosage:          p.Dosage,
		IsPRN:           p.IsPRN,
		StartAt:         p.StartAt,
		EndAt:           p.EndAt,
		IntervalMinutes: int(p.Interval / time.Minute),
		TotalDoses:      p.TotalDoses,
		DosesConsumed:   p.DosesConsumed,
		IsActive:        p.IsActive,
		Notes:           p.Notes,
		CreatedAt:       p.CreatedAt,
	}
	if lastMissed != nil {
		at := lastMissed.ScheduledAt
		resp.LastMissedAt = &at
	}
	return resp
}

func toDose(d *medication.DoseInstance) *DoseResponse {
	return &DoseResponse{
		ID:             d.ID,
		PrescriptionID: d.PrescriptionID,
		ScheduledAt:    d.ScheduledAt,
		Status:         string(d.Status),
	}
}

func toDoses(doses []*medication.DoseInstance) []*DoseResponse {
	resp := make([]*DoseResponse, 0, len(doses))
	for _, d := range doses {
		resp = append(resp, toDose(d))
	}
	return resp
}

func toIntake(rec *medication.IntakeRecord) *IntakeResponse {
	return &IntakeResponse{
		ID:             rec.ID,
		PrescriptionID: rec.PrescriptionID,
		DoseID:         rec.DoseID,
		TakenAt:        rec.TakenAt,
	}
}
