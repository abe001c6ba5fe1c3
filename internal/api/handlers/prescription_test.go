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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careloop/rx-engine/internal/domain/prescription"
	"github.com/careloop/rx-engine/internal/observability/metrics"
	"github.com/careloop/rx-engine/internal/safety"
	"github.com/careloop/rx-engine/internal/store/memory"
)

type stubFormulary struct {
	priorAuthCodes map[string]bool
}

func (s *stubFormulary) GetInteractions(context.Context, string) ([]safety.Interaction, error) {
	return nil, nil
}

func (s *stubFormulary) GetFormularyEntry(_ context.Context, code string) (*safety.FormularyEntry, error) {
	if s.priorAuthCodes[code] {
		return &safety.FormularyEntry{RequiresPriorAuth: true, TierLevel: 3}, nil
	}
	return nil, nil
}

func newTestRouter(t *testing.T, store *memory.Store, formulary safety.FormularySource) chi.Router {
	t.Helper()
	policy := prescription.DefaultPolicy()
	h := NewPrescriptionHandler(
		store,
		prescription.NewLifecycle(policy, nil),
		prescription.NewLedger(store, policy, nil),
		nil,
		formulary,
		nil,
		nil,
		metrics.NewWith(prometheus.NewRegistry()),
		nil,
	)
	r := chi.NewRouter()
	r.Mount("/prescriptions", h.Routes())
	return r
}

// exhaustedActive seeds an active record with no refills left whose days
// supply ran out a month ago.
func exhaustedActive(t *testing.T, store *memory.Store, id string) {
	t.Helper()
	rec := prescription.NewDraft(id, "patient-1", "1234567890")
	rec.Status = prescription.StatusActive
	rec.Medication = prescription.Medication{Name: "Lisinopril", RxNormCUI: "314076"}
	rec.Dosage = prescription.Dosage{Text: "Take 1 tablet once daily"}
	rec.Dispense = prescription.Dispense{Quantity: 30, DaysSupply: 10, Refills: 2, RefillsRemaining: 0}
	rec.ValidFrom = time.Now().UTC().AddDate(0, 0, -40)
	require.NoError(t, store.Create(context.Background(), rec))
}

func TestGetCompletesExhaustedPrescription(t *testing.T) {
	store := memory.NewStore()
	exhaustedActive(t, store, "rx-1")
	router := newTestRouter(t, store, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/prescriptions/rx-1", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var got prescription.Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, prescription.StatusCompleted, got.Status)

	// The transition is persisted, not just rendered.
	stored, err := store.Get(context.Background(), "rx-1")
	require.NoError(t, err)
	assert.Equal(t, prescription.StatusCompleted, stored.Status)
	require.NotEmpty(t, stored.History)
	last := stored.History[len(stored.History)-1]
	assert.Equal(t, prescription.StatusActive, last.From)
	assert.Equal(t, prescription.StatusCompleted, last.To)
	assert.Equal(t, "system", last.Actor)
}

func TestGetLeavesUnexhaustedPrescriptionActive(t *testing.T) {
	store := memory.NewStore()
	rec := prescription.NewDraft("rx-1", "patient-1", "1234567890")
	rec.Status = prescription.StatusActive
	rec.Dosage = prescription.Dosage{Text: "Take 1 tablet once daily"}
	rec.Dispense = prescription.Dispense{Quantity: 30, DaysSupply: 30, Refills: 2, RefillsRemaining: 1}
	rec.ValidFrom = time.Now().UTC()
	require.NoError(t, store.Create(context.Background(), rec))
	router := newTestRouter(t, store, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/prescriptions/rx-1", nil))
	require.Equal(t, http.StatusOK, w.Code)

	stored, err := store.Get(context.Background(), "rx-1")
	require.NoError(t, err)
	assert.Equal(t, prescription.StatusActive, stored.Status)
}

func TestRefillCompletesExhaustedPrescriptionFirst(t *testing.T) {
	store := memory.NewStore()
	exhaustedActive(t, store, "rx-1")
	router := newTestRouter(t, store, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/prescriptions/rx-1/refills", nil))
	assert.Equal(t, http.StatusConflict, w.Code)

	stored, err := store.Get(context.Background(), "rx-1")
	require.NoError(t, err)
	assert.Equal(t, prescription.StatusCompleted, stored.Status)
	assert.Equal(t, 0, stored.Dispense.RefillsRemaining)
}

func TestCreateDerivesPriorAuthFromFormulary(t *testing.T) {
	store := memory.NewStore()
	formulary := &stubFormulary{priorAuthCodes: map[string]bool{"1547222": true}}
	router := newTestRouter(t, store, formulary)

	body, _ := json.Marshal(CreateRequest{
		PatientID:     "patient-1",
		PrescriberNPI: "1234567890",
		Medication:    prescription.Medication{Name: "Adalimumab", RxNormCUI: "1547222"},
		Dosage:        prescription.Dosage{Dose: 40, DoseUnit: "mg", FrequencyDisplay: "every other week"},
		Dispense:      prescription.Dispense{Quantity: 2, DaysSupply: 28},
	})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/prescriptions", bytes.NewReader(body)))
	require.Equal(t, http.StatusCreated, w.Code)

	var got prescription.Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.NotNil(t, got.PriorAuth)
	assert.True(t, got.PriorAuth.Required)
}

func TestCreateWithoutCoverageEntryLeavesPriorAuthUnset(t *testing.T) {
	store := memory.NewStore()
	formulary := &stubFormulary{}
	router := newTestRouter(t, store, formulary)

	body, _ := json.Marshal(CreateRequest{
		PatientID:     "patient-1",
		PrescriberNPI: "1234567890",
		Medication:    prescription.Medication{Name: "Lisinopril", RxNormCUI: "314076"},
		Dosage:        prescription.Dosage{Dose: 10, DoseUnit: "mg", FrequencyDisplay: "once daily"},
		Dispense:      prescription.Dispense{Quantity: 30, DaysSupply: 30},
	})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/prescriptions", bytes.NewReader(body)))
	require.Equal(t, http.StatusCreated, w.Code)

	var got prescription.Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Nil(t, got.PriorAuth)
}
