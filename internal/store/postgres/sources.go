package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/careloop/rx-engine/internal/safety"
)

// AllergySource reads the patient allergy registry. Read-only; the engine
// never writes allergy data.
type AllergySource struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewAllergySource creates an allergy source.
func NewAllergySource(pool *pgxpool.Pool, logger *zap.Logger) *AllergySource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AllergySource{pool: pool, logger: logger}
}

// GetAllergies returns the patient's documented allergies.
func (s *AllergySource) GetAllergies(ctx context.Context, patientID string) ([]safety.Allergy, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT allergen, COALESCE(reaction,''), COALESCE(severity,'')
		FROM patient_allergies
		WHERE patient_id = $1
	`, patientID)
	if err != nil {
		return nil, fmt.Errorf("query allergies: %w", err)
	}
	defer rows.Close()

	var allergies []safety.Allergy
	for rows.Next() {
		var a safety.Allergy
		if err := rows.Scan(&a.Allergen, &a.Reaction, &a.Severity); err != nil {
			return nil, fmt.Errorf("scan allergy: %w", err)
		}
		allergies = append(allergies, a)
	}
	return allergies, rows.Err()
}
