package store

import (
	"context"

	"github.com/convolabai/langhook/errors"
)

// SchemaSummary is the discovered event vocabulary: which publishers
// exist, which resource types each publishes, and the union of actions
// seen.
type SchemaSummary struct {
	Publishers    []string            `json:"publishers"`
	ResourceTypes map[string][]string `json:"resource_types"`
	Actions       []string            `json:"actions"`
}

// UpsertSchema records that a publisher emitted an action on a
// resource type: inserted when absent, last_seen_at refreshed when
// already registered.
func (s *Store) UpsertSchema(ctx context.Context, publisher, resourceType, action string) error {
	const query = `
		INSERT INTO schema_registry (publisher, resource_type, action)
		VALUES ($1, $2, $3)
		ON CONFLICT (publisher, resource_type, action) DO UPDATE SET last_seen_at = now()
	`
	if _, err := s.pool.Exec(ctx, query, publisher, resourceType, action); err != nil {
		return errors.WrapKind(err, errors.KindStoreUnavailable, errors.ErrorTransient,
			"Store", "UpsertSchema")
	}
	return nil
}

// SchemaSummary aggregates the registry into the shape fed to pattern
// synthesis and exposed over the API.
func (s *Store) SchemaSummary(ctx context.Context) (*SchemaSummary, error) {
	const query = `
		SELECT publisher, resource_type, action
		FROM schema_registry
		ORDER BY publisher, resource_type, action
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, errors.WrapKind(err, errors.KindStoreUnavailable, errors.ErrorTransient,
			"Store", "SchemaSummary")
	}
	defer rows.Close()

	summary := &SchemaSummary{
		Publishers:    []string{},
		ResourceTypes: map[string][]string{},
		Actions:       []string{},
	}
	seenPublisher := map[string]bool{}
	seenType := map[string]bool{}
	seenAction := map[string]bool{}

	for rows.Next() {
		var publisher, resourceType, action string
		if err := rows.Scan(&publisher, &resourceType, &action); err != nil {
			return nil, errors.Wrap(err, "Store", "SchemaSummary", "scan row")
		}
		if !seenPublisher[publisher] {
			seenPublisher[publisher] = true
			summary.Publishers = append(summary.Publishers, publisher)
		}
		typeKey := publisher + "/" + resourceType
		if !seenType[typeKey] {
			seenType[typeKey] = true
			summary.ResourceTypes[publisher] = append(summary.ResourceTypes[publisher], resourceType)
		}
		if !seenAction[action] {
			seenAction[action] = true
			summary.Actions = append(summary.Actions, action)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "Store", "SchemaSummary", "iterate rows")
	}
	return summary, nil
}

// DeleteSchemaPublisher removes a publisher and every resource type
// and action registered under it.
func (s *Store) DeleteSchemaPublisher(ctx context.Context, publisher string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM schema_registry WHERE publisher = $1`, publisher)
	if err != nil {
		return errors.WrapKind(err, errors.KindStoreUnavailable, errors.ErrorTransient,
			"Store", "DeleteSchemaPublisher")
	}
	if tag.RowsAffected() == 0 {
		return errors.ErrNotFound
	}
	return nil
}

// DeleteSchemaResourceType removes a resource type under a publisher,
// with all its actions.
func (s *Store) DeleteSchemaResourceType(ctx context.Context, publisher, resourceType string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM schema_registry WHERE publisher = $1 AND resource_type = $2`,
		publisher, resourceType)
	if err != nil {
		return errors.WrapKind(err, errors.KindStoreUnavailable, errors.ErrorTransient,
			"Store", "DeleteSchemaResourceType")
	}
	if tag.RowsAffected() == 0 {
		return errors.ErrNotFound
	}
	return nil
}

// DeleteSchemaAction removes one (publisher, resource type, action)
// entry.
func (s *Store) DeleteSchemaAction(ctx context.Context, publisher, resourceType, action string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM schema_registry WHERE publisher = $1 AND resource_type = $2 AND action = $3`,
		publisher, resourceType, action)
	if err != nil {
		return errors.WrapKind(err, errors.KindStoreUnavailable, errors.ErrorTransient,
			"Store", "DeleteSchemaAction")
	}
	if tag.RowsAffected() == 0 {
		return errors.ErrNotFound
	}
	return nil
}
