// Package handlers provides HTTP handlers for the ordering API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/careloop/rx-engine/internal/api/middleware"
	"github.com/careloop/rx-engine/internal/domain/prescription"
	"github.com/careloop/rx-engine/internal/events"
	"github.com/careloop/rx-engine/internal/infrastructure/redpanda"
	"github.com/careloop/rx-engine/internal/observability/metrics"
	"github.com/careloop/rx-engine/internal/safety"
	"github.com/careloop/rx-engine/pkg/idempotency"
)

// PrescriptionHandler handles the prescription lifecycle endpoints.
type PrescriptionHandler struct {
	repo      prescription.Repository
	lifecycle *prescription.Lifecycle
	ledger    *prescription.Ledger
	pipeline  *safety.Pipeline
	formulary safety.FormularySource
	sink      events.Sink
	inbox     *idempotency.Inbox
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewPrescriptionHandler creates a new handler. The formulary source and the
// inbox are optional: without a formulary, drafts skip the coverage lookup;
// without an inbox, refill requests are processed without deduplication.
func NewPrescriptionHandler(
	repo prescription.Repository,
	lifecycle *prescription.Lifecycle,
	ledger *prescription.Ledger,
	pipeline *safety.Pipeline,
	formulary safety.FormularySource,
	sink events.Sink,
	inbox *idempotency.Inbox,
	m *metrics.Metrics,
	logger *zap.Logger,
) *PrescriptionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = events.NopSink{}
	}
	return &PrescriptionHandler{
		repo:      repo,
		lifecycle: lifecycle,
		ledger:    ledger,
		pipeline:  pipeline,
		formulary: formulary,
		sink:      sink,
		inbox:     inbox,
		metrics:   m,
		logger:    logger,
		tracer:    otel.Tracer("prescription-handler"),
	}
}

// Routes returns the handler routes.
func (h *PrescriptionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/{id}", h.Get)
	r.Get("/{id}/history", h.History)
	r.Post("/{id}/transition", h.Transition)
	r.Post("/{id}/refills", h.RequestRefill)
	r.Post("/{id}/renew", h.Renew)
	r.Post("/{id}/evaluate", h.Evaluate)
	r.Post("/{id}/transmission", h.RecordTransmission)
	return r
}

// PatientRoutes returns the patient-scoped routes.
func (h *PrescriptionHandler) PatientRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{patientID}/prescriptions", h.ListActive)
	r.Get("/{patientID}/duplicates", h.Duplicates)
	return r
}

// CreateRequest is the request body for creating a draft prescription.
type CreateRequest struct {
	PatientID     string                  `json:"patient_id"`
	PrescriberNPI string                  `json:"prescriber_npi"`
	Intent        string                  `json:"intent,omitempty"`
	Priority      string                  `json:"priority,omitempty"`
	Medication    prescription.Medication `json:"medication"`
	Dosage        prescription.Dosage     `json:"dosage"`
	Dispense      prescription.Dispense   `json:"dispense"`
	PriorAuth     *prescription.PriorAuth `json:"prior_auth,omitempty"`
}

// Create handles POST /prescriptions. New prescriptions always start in
// draft; activation is a separate transition guarded by the safety checks.
func (h *PrescriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "create_prescription")
	defer span.End()

	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var missing []string
	if req.PatientID == "" {
		missing = append(missing, "patient_id")
	}
	if req.PrescriberNPI == "" {
		missing = append(missing, "prescriber_npi")
	}
	if req.Medication.Name == "" {
		missing = append(missing, "medication.name")
	}
	if len(missing) > 0 {
		h.writeError(w, &prescription.ValidationError{Missing: missing})
		return
	}

	rec := prescription.NewDraft(uuid.New().String(), req.PatientID, req.PrescriberNPI)
	if req.Intent != "" {
		rec.Intent = prescription.Intent(req.Intent)
	}
	if req.Priority != "" {
		rec.Priority = prescription.Priority(req.Priority)
	}
	rec.Medication = req.Medication
	rec.Dosage = req.Dosage
	rec.Dispense = req.Dispense
	rec.PriorAuth = req.PriorAuth

	// Refill counters are not client-settable before activation.
	rec.Dispense.RefillsRemaining = 0
	if rec.Dosage.Text == "" {
		rec.Dosage.Text = prescription.GenerateSig(prescription.SigInputFromDosage(rec.Dosage, rec.Medication))
	}

	// Best-effort formulary lookup: a coverage entry requiring prior auth
	// flags the draft so the prescriber sees it before activation.
	if rec.PriorAuth == nil && h.formulary != nil {
		if code := rec.Medication.CodeForLookup(); code != "" {
			entry, err := h.formulary.GetFormularyEntry(ctx, code)
			switch {
			case err != nil:
				h.logger.Warn("formulary coverage lookup failed",
					zap.String("medication_code", code), zap.Error(err))
			case entry != nil && entry.RequiresPriorAuth:
				rec.PriorAuth = &prescription.PriorAuth{Required: true}
			}
		}
	}

	span.SetAttributes(attribute.String("prescription_id", rec.ID))

	if err := h.repo.Create(ctx, rec); err != nil {
		h.logger.Error("create failed", zap.Error(err),
			zap.String("request_id", middleware.GetRequestID(ctx)))
		h.jsonError(w, "failed to create prescription", http.StatusInternalServerError)
		return
	}

	h.metrics.PrescriptionsCreated.Inc()
	h.logger.Info("prescription drafted",
		zap.String("prescription_id", rec.ID),
		zap.String("patient_id", rec.PatientID),
		zap.Bool("controlled", rec.Medication.IsControlled),
	)

	h.writeJSON(w, http.StatusCreated, rec)
}

// Get handles GET /prescriptions/{id}. There is no background scheduler, so
// reads are where an exhausted prescription whose days supply has run out
// gets completed.
func (h *PrescriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rec, err := h.repo.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.completeExhausted(ctx, rec)
	h.writeJSON(w, http.StatusOK, rec)
}

// completeExhausted runs the automatic active -> completed transition and
// persists it. Failures are logged, not surfaced: the caller still gets the
// record it asked for.
func (h *PrescriptionHandler) completeExhausted(ctx context.Context, rec *prescription.Record) {
	done, err := h.lifecycle.CompleteIfExhausted(rec, "system")
	if err != nil {
		h.logger.Error("automatic completion failed", zap.Error(err),
			zap.String("prescription_id", rec.ID))
		return
	}
	if !done {
		return
	}
	if err := h.repo.Update(ctx, rec); err != nil {
		h.logger.Error("failed to persist automatic completion", zap.Error(err),
			zap.String("prescription_id", rec.ID))
		return
	}
	h.metrics.StatusTransitions.WithLabelValues(
		string(prescription.StatusActive), string(prescription.StatusCompleted)).Inc()
	h.emit(ctx, rec, events.TypeStatusChanged, events.StatusChanged{
		From:   prescription.StatusActive,
		To:     prescription.StatusCompleted,
		Reason: "refills exhausted and days supply elapsed",
	}, redpanda.TopicLifecycleEvents)
}

// History handles GET /prescriptions/{id}/history.
func (h *PrescriptionHandler) History(w http.ResponseWriter, r *http.Request) {
	rec, err := h.repo.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"prescription_id": rec.ID,
		"status":          rec.Status,
		"history":         rec.History,
		"refills":         rec.RefillHistory,
	})
}

// TransitionRequest is the request body for a lifecycle transition.
type TransitionRequest struct {
	To             string `json:"to"`
	Reason         string `json:"reason,omitempty"`
	OverrideReason string `json:"override_reason,omitempty"`
}

// Transition handles POST /prescriptions/{id}/transition. Activation runs a
// fresh safety evaluation and feeds its gate into the guard: stale results
// are never reused across requests.
func (h *PrescriptionHandler) Transition(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "transition_prescription")
	defer span.End()

	id := chi.URLParam(r, "id")
	var req TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	rec, err := h.repo.Get(ctx, id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	treq := prescription.TransitionRequest{
		To:             prescription.Status(req.To),
		Actor:          middleware.GetActor(ctx),
		Reason:         req.Reason,
		OverrideReason: req.OverrideReason,
	}

	var eval *safety.Evaluation
	if rec.Status == prescription.StatusDraft && treq.To == prescription.StatusActive {
		eval, err = h.evaluateTimed(ctx, rec.Medication, rec.PatientID)
		if err != nil {
			h.writeError(w, err)
			return
		}
		treq.Safety = eval.Gate()
	}

	from := rec.Status
	if err := h.lifecycle.Transition(rec, treq); err != nil {
		h.metrics.TransitionsRejected.Inc()
		h.writeError(w, err)
		return
	}

	if err := h.repo.Update(ctx, rec); err != nil {
		h.logger.Error("update after transition failed", zap.Error(err),
			zap.String("prescription_id", rec.ID))
		h.jsonError(w, "failed to save prescription", http.StatusInternalServerError)
		return
	}

	h.metrics.StatusTransitions.WithLabelValues(string(from), string(rec.Status)).Inc()
	h.emit(ctx, rec, events.TypeStatusChanged, events.StatusChanged{
		From:   from,
		To:     rec.Status,
		Reason: req.Reason,
	}, redpanda.TopicLifecycleEvents)

	if req.OverrideReason != "" && eval != nil {
		h.emit(ctx, rec, events.TypeAlertsOverridden, events.AlertsOverridden{
			Reason: req.OverrideReason,
			Alerts: len(eval.Alerts),
		}, redpanda.TopicAuditTrail)
	}

	resp := map[string]interface{}{
		"id":     rec.ID,
		"status": rec.Status,
	}
	if eval != nil {
		resp["evaluation"] = eval
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// RefillRequest is the request body for a refill.
type RefillRequest struct {
	PharmacyNCPDPID string  `json:"pharmacy_ncpdp_id,omitempty"`
	Quantity        float64 `json:"quantity,omitempty"`
	Notes           string  `json:"notes,omitempty"`
}

// RequestRefill handles POST /prescriptions/{id}/refills. Pharmacy networks
// redeliver refill requests, so when the inbox is configured the request is
// deduplicated by idempotency key and a replay returns the original outcome
// without touching the counter.
func (h *PrescriptionHandler) RequestRefill(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "request_refill")
	defer span.End()

	id := chi.URLParam(r, "id")
	var req RefillRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	// An exhausted record past its days supply completes here, so the
	// ledger denies the refill against a completed prescription rather
	// than a stale active one.
	if rec, err := h.repo.Get(ctx, id); err == nil {
		h.completeExhausted(ctx, rec)
	}

	grant := func(ctx context.Context) (json.RawMessage, error) {
		rec, refill, err := h.ledger.RequestRefill(ctx, prescription.RefillRequest{
			PrescriptionID:  id,
			PharmacyNCPDPID: req.PharmacyNCPDPID,
			Quantity:        req.Quantity,
			Notes:           req.Notes,
		})
		if err != nil {
			return nil, err
		}

		h.metrics.RefillsGranted.Inc()
		h.emit(ctx, rec, events.TypeRefillRequested, events.RefillRequested{
			RefillID:         refill.ID,
			RefillNumber:     refill.RefillNumber,
			PharmacyNCPDPID:  refill.PharmacyNCPDPID,
			Quantity:         refill.Quantity,
			RefillsRemaining: rec.Dispense.RefillsRemaining,
		}, redpanda.TopicRefillEvents)

		return json.Marshal(map[string]interface{}{
			"refill":            refill,
			"refills_remaining": rec.Dispense.RefillsRemaining,
		})
	}

	var result json.RawMessage
	var duplicate bool
	var err error
	if h.inbox != nil {
		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			key = idempotency.GenerateKey(id, req.PharmacyNCPDPID, time.Now())
		}
		payload, _ := json.Marshal(req)
		var outcome *idempotency.Outcome
		outcome, err = h.inbox.Process(ctx, key, "refill-request", payload, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			return grant(ctx)
		})
		if outcome != nil {
			result = outcome.Result
			duplicate = outcome.Duplicate
		}
	} else {
		result, err = grant(ctx)
	}

	if err != nil {
		if errors.Is(err, prescription.ErrNoRefillsRemaining) {
			h.metrics.RefillsDenied.Inc()
		}
		if errors.Is(err, idempotency.ErrInProgress) {
			h.jsonError(w, err.Error(), http.StatusConflict)
			return
		}
		h.writeError(w, err)
		return
	}

	if duplicate {
		w.Header().Set("Idempotent-Replay", "true")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(result)
}

// Renew handles POST /prescriptions/{id}/renew. The response is the new
// draft record; the source prescription is unchanged.
func (h *PrescriptionHandler) Renew(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "renew_prescription")
	defer span.End()

	id := chi.URLParam(r, "id")
	var changes prescription.RenewChanges
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&changes); err != nil {
			h.jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	renewed, err := h.ledger.Renew(ctx, id, &changes)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.metrics.Renewals.Inc()
	h.emit(ctx, renewed, events.TypeRenewed, events.Renewed{
		RenewalID: renewed.ID,
		Refills:   renewed.Dispense.Refills,
	}, redpanda.TopicLifecycleEvents)

	h.writeJSON(w, http.StatusCreated, renewed)
}

// Evaluate handles POST /prescriptions/{id}/evaluate. It runs the safety
// pipeline on demand without changing the record's status.
func (h *PrescriptionHandler) Evaluate(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "evaluate_prescription")
	defer span.End()

	rec, err := h.repo.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	eval, err := h.evaluateTimed(ctx, rec.Medication, rec.PatientID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, eval)
}

// TransmissionRequest is the gateway's delivery status callback body.
type TransmissionRequest struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id,omitempty"`
}

// RecordTransmission handles POST /prescriptions/{id}/transmission.
func (h *PrescriptionHandler) RecordTransmission(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var req TransmissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	status := prescription.TransmissionStatus(req.Status)
	switch status {
	case prescription.TransmissionSent, prescription.TransmissionDelivered, prescription.TransmissionFailed:
	default:
		h.writeError(w, &prescription.ValidationError{Missing: []string{"status"}})
		return
	}

	rec, err := h.repo.Get(ctx, id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	rec.Transmission = prescription.Transmission{
		Status:     status,
		MessageID:  req.MessageID,
		ReportedAt: time.Now().UTC(),
	}
	if err := h.repo.Update(ctx, rec); err != nil {
		h.jsonError(w, "failed to save prescription", http.StatusInternalServerError)
		return
	}

	h.emit(ctx, rec, events.TypeTransmissionRecorded, events.TransmissionRecorded{
		Status:    status,
		MessageID: req.MessageID,
	}, redpanda.TopicAuditTrail)

	h.writeJSON(w, http.StatusOK, rec.Transmission)
}

// ListActive handles GET /patients/{patientID}/prescriptions.
func (h *PrescriptionHandler) ListActive(w http.ResponseWriter, r *http.Request) {
	recs, err := h.repo.ListActiveByPatient(r.Context(), chi.URLParam(r, "patientID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"prescriptions": recs})
}

// Duplicates handles GET /patients/{patientID}/duplicates. It scans the
// patient's active prescriptions for name-token overlap.
func (h *PrescriptionHandler) Duplicates(w http.ResponseWriter, r *http.Request) {
	recs, err := h.repo.ListActiveByPatient(r.Context(), chi.URLParam(r, "patientID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	warnings := prescription.DetectDuplicates(recs)
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"warnings": warnings})
}

func (h *PrescriptionHandler) evaluateTimed(ctx context.Context, med prescription.Medication, patientID string) (*safety.Evaluation, error) {
	start := time.Now()
	eval, err := h.pipeline.Evaluate(ctx, med, patientID)
	if err != nil {
		return nil, err
	}
	h.metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
	for _, a := range eval.Alerts {
		h.metrics.SafetyAlerts.WithLabelValues(string(a.Severity), string(a.Type)).Inc()
	}
	if eval.Degraded() {
		h.metrics.DegradedEvaluations.Inc()
	}
	return eval, nil
}

// emit publishes an audit event through the sink. Delivery is the outbox's
// job; a sink failure is logged and does not fail the request.
func (h *PrescriptionHandler) emit(ctx context.Context, rec *prescription.Record, t events.Type, payload interface{}, topic string) {
	env, err := events.New(rec.ID, t, middleware.GetActor(ctx), payload)
	if err != nil {
		h.logger.Error("event marshal failed", zap.Error(err))
		return
	}
	env.PatientID = rec.PatientID
	if err := h.sink.Enqueue(ctx, env, topic); err != nil {
		h.logger.Error("event enqueue failed",
			zap.String("type", string(t)),
			zap.String("prescription_id", rec.ID),
			zap.Error(err))
	}
}

func (h *PrescriptionHandler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, prescription.ErrNotFound):
		h.jsonError(w, "prescription not found", http.StatusNotFound)
	case errors.Is(err, prescription.ErrNoRefillsRemaining):
		h.jsonError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, prescription.ErrControlledSubstanceViolation):
		h.jsonError(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, prescription.ErrSafetyBlocked):
		h.jsonError(w, err.Error(), http.StatusConflict)
	case prescription.IsInvalidTransition(err):
		h.jsonError(w, err.Error(), http.StatusConflict)
	case prescription.IsValidationFailed(err):
		h.jsonError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, safety.ErrDegradedEvaluation):
		h.jsonError(w, err.Error(), http.StatusServiceUnavailable)
	default:
		h.logger.Error("request failed", zap.Error(err))
		h.jsonError(w, "internal server error", http.StatusInternalServerError)
	}
}

func (h *PrescriptionHandler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (h *PrescriptionHandler) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
