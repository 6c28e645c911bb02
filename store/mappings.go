package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/convolabai/langhook/errors"
)

// Mapping provenance: shipped with the deployment, or produced by the
// synthesis pipeline.
const (
	MappingSourceBuiltin     = "builtin"
	MappingSourceSynthesized = "synthesized"
)

// Mapping is a stored transform from one webhook payload shape to the
// canonical event format, keyed by the payload's structural
// fingerprint.
type Mapping struct {
	Fingerprint    string          `json:"fingerprint"`
	Publisher      string          `json:"publisher"`
	EventName      string          `json:"event_name"`
	Expression     string          `json:"mapping_expr"`
	EventFieldExpr string          `json:"event_field_expr,omitempty"`
	Source         string          `json:"source"`
	Structure      json.RawMessage `json:"structure"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// GetMapping looks up a mapping by fingerprint. Returns ErrNotFound
// when no mapping exists for the shape.
func (s *Store) GetMapping(ctx context.Context, fingerprint string) (*Mapping, error) {
	const query = `
		SELECT fingerprint, publisher, event_name, mapping_expr,
		       COALESCE(event_field_expr, ''), source, structure, created_at, updated_at
		FROM ingest_mappings
		WHERE fingerprint = $1
	`
	m := &Mapping{}
	err := s.pool.QueryRow(ctx, query, fingerprint).Scan(
		&m.Fingerprint, &m.Publisher, &m.EventName, &m.Expression,
		&m.EventFieldExpr, &m.Source, &m.Structure, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.ErrNotFound
		}
		return nil, errors.WrapKind(err, errors.KindStoreUnavailable, errors.ErrorTransient,
			"Store", "GetMapping")
	}
	return m, nil
}

// UpsertMapping stores a mapping, replacing any previous expression
// for the same fingerprint.
func (s *Store) UpsertMapping(ctx context.Context, m *Mapping) error {
	const query = `
		INSERT INTO ingest_mappings
			(fingerprint, publisher, event_name, mapping_expr, event_field_expr, source, structure)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), COALESCE(NULLIF($6, ''), 'synthesized'), $7)
		ON CONFLICT (fingerprint) DO UPDATE SET
			publisher = EXCLUDED.publisher,
			event_name = EXCLUDED.event_name,
			mapping_expr = EXCLUDED.mapping_expr,
			event_field_expr = EXCLUDED.event_field_expr,
			source = EXCLUDED.source,
			structure = EXCLUDED.structure,
			updated_at = now()
	`
	_, err := s.pool.Exec(ctx, query,
		m.Fingerprint, m.Publisher, m.EventName, m.Expression, m.EventFieldExpr, m.Source, m.Structure)
	if err != nil {
		return errors.WrapKind(err, errors.KindStoreUnavailable, errors.ErrorTransient,
			"Store", "UpsertMapping")
	}
	return nil
}

// ListMappings returns all stored mappings, most recently updated
// first.
func (s *Store) ListMappings(ctx context.Context) ([]*Mapping, error) {
	const query = `
		SELECT fingerprint, publisher, event_name, mapping_expr,
		       COALESCE(event_field_expr, ''), source, structure, created_at, updated_at
		FROM ingest_mappings
		ORDER BY updated_at DESC
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, errors.WrapKind(err, errors.KindStoreUnavailable, errors.ErrorTransient,
			"Store", "ListMappings")
	}
	defer rows.Close()

	mappings := []*Mapping{}
	for rows.Next() {
		m := &Mapping{}
		if err := rows.Scan(
			&m.Fingerprint, &m.Publisher, &m.EventName, &m.Expression,
			&m.EventFieldExpr, &m.Source, &m.Structure, &m.CreatedAt, &m.UpdatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "Store", "ListMappings", "scan mapping")
		}
		mappings = append(mappings, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "Store", "ListMappings", "iterate rows")
	}
	return mappings, nil
}

// DeleteMapping removes a mapping by fingerprint.
func (s *Store) DeleteMapping(ctx context.Context, fingerprint string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM ingest_mappings WHERE fingerprint = $1`, fingerprint)
	if err != nil {
		return errors.WrapKind(err, errors.KindStoreUnavailable, errors.ErrorTransient,
			"Store", "DeleteMapping")
	}
	if tag.RowsAffected() == 0 {
		return errors.ErrNotFound
	}
	return nil
}
