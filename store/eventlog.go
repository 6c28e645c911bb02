package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/convolabai/langhook/errors"
	"github.com/convolabai/langhook/events"
)

// EventLog is one canonical event recorded by the map worker when
// event logging is enabled.
type EventLog struct {
	ID            int64           `json:"id"`
	EventID       string          `json:"event_id"`
	Source        string          `json:"source"`
	Subject       string          `json:"subject"`
	Publisher     string          `json:"publisher"`
	ResourceType  string          `json:"resource_type"`
	ResourceID    string          `json:"resource_id"`
	Action        string          `json:"action"`
	CanonicalData json.RawMessage `json:"canonical_data"`
	RawPayload    json.RawMessage `json:"raw_payload,omitempty"`
	OccurredAt    time.Time       `json:"timestamp"`
	LoggedAt      time.Time       `json:"logged_at"`
}

// SubscriptionEventLog records one delivery attempt for a matched
// subscription, including the gate outcome and webhook status.
type SubscriptionEventLog struct {
	ID             int64           `json:"id"`
	SubscriptionID int64           `json:"subscription_id"`
	EventID        string          `json:"event_id"`
	Subject        string          `json:"subject"`
	Publisher      string          `json:"publisher"`
	ResourceType   string          `json:"resource_type"`
	ResourceID     string          `json:"resource_id"`
	Action         string          `json:"action"`
	CanonicalData  json.RawMessage `json:"canonical_data"`
	OccurredAt     time.Time       `json:"timestamp"`
	LoggedAt       time.Time       `json:"logged_at"`
	WebhookSent    bool            `json:"webhook_sent"`
	WebhookStatus  *int            `json:"webhook_response_status,omitempty"`
	GatePassed     *bool           `json:"gate_passed,omitempty"`
	GateReason     string          `json:"gate_reason,omitempty"`
}

// InsertEventLog records a canonical event.
func (s *Store) InsertEventLog(ctx context.Context, e *events.CanonicalEvent, source string, raw json.RawMessage) error {
	canonical, err := json.Marshal(e)
	if err != nil {
		return errors.WrapInvalid(err, "Store", "InsertEventLog", "encode canonical event")
	}

	const query = `
		INSERT INTO event_logs
			(event_id, source, subject, publisher, resource_type, resource_id,
			 action, canonical_data, raw_payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = s.pool.Exec(ctx, query,
		e.ID, source, e.Subject(), e.Publisher, e.Resource.Type, e.Resource.ID.String(),
		e.Action, canonical, nullableJSON(raw), e.Timestamp)
	if err != nil {
		return errors.WrapKind(err, errors.KindStoreUnavailable, errors.ErrorTransient,
			"Store", "InsertEventLog")
	}
	return nil
}

// Gate outcome filters for delivery listings. Rows without a gate
// count as allowed.
const (
	GateFilterAll     = "all"
	GateFilterAllowed = "allowed"
	GateFilterBlocked = "blocked"
)

// ListEventLogs returns one page of canonical events, newest first,
// with the total count. A non-empty resourceTypes narrows the listing
// to those resource types.
func (s *Store) ListEventLogs(ctx context.Context, page, size int, resourceTypes []string) ([]*EventLog, int, error) {
	page, size = normalizePage(page, size)

	where := ""
	args := []any{}
	if len(resourceTypes) > 0 {
		where = ` WHERE resource_type = ANY($1)`
		args = append(args, resourceTypes)
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM event_logs`+where, args...).Scan(&total); err != nil {
		return nil, 0, errors.WrapKind(err, errors.KindStoreUnavailable, errors.ErrorTransient,
			"Store", "ListEventLogs")
	}

	query := fmt.Sprintf(`
		SELECT id, event_id, source, subject, publisher, resource_type, resource_id,
		       action, canonical_data, raw_payload, occurred_at, logged_at
		FROM event_logs%s
		ORDER BY occurred_at DESC
		LIMIT $%d OFFSET $%d
	`, where, len(args)+1, len(args)+2)
	args = append(args, size, (page-1)*size)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.WrapKind(err, errors.KindStoreUnavailable, errors.ErrorTransient,
			"Store", "ListEventLogs")
	}
	defer rows.Close()

	logs := []*EventLog{}
	for rows.Next() {
		e := &EventLog{}
		var raw []byte
		if err := rows.Scan(
			&e.ID, &e.EventID, &e.Source, &e.Subject, &e.Publisher, &e.ResourceType,
			&e.ResourceID, &e.Action, &e.CanonicalData, &raw, &e.OccurredAt, &e.LoggedAt,
		); err != nil {
			return nil, 0, errors.Wrap(err, "Store", "ListEventLogs", "scan row")
		}
		if len(raw) > 0 {
			e.RawPayload = json.RawMessage(raw)
		}
		logs = append(logs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.Wrap(err, "Store", "ListEventLogs", "iterate rows")
	}
	return logs, total, nil
}

// InsertSubscriptionEventLog records one matched event for a
// subscription and returns the row id so the delivery outcome can be
// attached afterwards.
func (s *Store) InsertSubscriptionEventLog(ctx context.Context, l *SubscriptionEventLog) (int64, error) {
	const query = `
		INSERT INTO subscription_event_logs
			(subscription_id, event_id, subject, publisher, resource_type, resource_id,
			 action, canonical_data, occurred_at, webhook_sent, webhook_response_status,
			 gate_passed, gate_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NULLIF($13, ''))
		RETURNING id
	`
	var id int64
	err := s.pool.QueryRow(ctx, query,
		l.SubscriptionID, l.EventID, l.Subject, l.Publisher, l.ResourceType, l.ResourceID,
		l.Action, l.CanonicalData, l.OccurredAt, l.WebhookSent, l.WebhookStatus,
		l.GatePassed, l.GateReason).Scan(&id)
	if err != nil {
		return 0, errors.WrapKind(err, errors.KindStoreUnavailable, errors.ErrorTransient,
			"Store", "InsertSubscriptionEventLog")
	}
	return id, nil
}

// UpdateDeliveryOutcome attaches the webhook result to a delivery log
// row.
func (s *Store) UpdateDeliveryOutcome(ctx context.Context, id int64, sent bool, status *int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE subscription_event_logs SET webhook_sent = $2, webhook_response_status = $3 WHERE id = $1`,
		id, sent, status)
	if err != nil {
		return errors.WrapKind(err, errors.KindStoreUnavailable, errors.ErrorTransient,
			"Store", "UpdateDeliveryOutcome")
	}
	if tag.RowsAffected() == 0 {
		return errors.ErrNotFound
	}
	return nil
}

// ListSubscriptionEventLogs returns one page of a subscription's
// delivery history, newest first, with the total count. gate narrows
// the listing to one gate outcome (GateFilterAll for everything).
// Returns ErrNotFound for an unknown subscription.
func (s *Store) ListSubscriptionEventLogs(ctx context.Context, subscriptionID int64, page, size int, gate string) ([]*SubscriptionEventLog, int, error) {
	page, size = normalizePage(page, size)

	gateClause := ""
	switch gate {
	case GateFilterAllowed:
		gateClause = ` AND gate_passed IS DISTINCT FROM FALSE`
	case GateFilterBlocked:
		gateClause = ` AND gate_passed = FALSE`
	}

	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM subscriptions WHERE id = $1)`, subscriptionID).Scan(&exists)
	if err != nil {
		return nil, 0, errors.WrapKind(err, errors.KindStoreUnavailable, errors.ErrorTransient,
			"Store", "ListSubscriptionEventLogs")
	}
	if !exists {
		return nil, 0, errors.ErrNotFound
	}

	var total int
	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM subscription_event_logs WHERE subscription_id = $1`+gateClause,
		subscriptionID).Scan(&total)
	if err != nil {
		return nil, 0, errors.WrapKind(err, errors.KindStoreUnavailable, errors.ErrorTransient,
			"Store", "ListSubscriptionEventLogs")
	}

	query := `
		SELECT id, subscription_id, event_id, subject, publisher, resource_type,
		       resource_id, action, canonical_data, occurred_at, logged_at,
		       webhook_sent, webhook_response_status, gate_passed, COALESCE(gate_reason, '')
		FROM subscription_event_logs
		WHERE subscription_id = $1` + gateClause + `
		ORDER BY occurred_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := s.pool.Query(ctx, query, subscriptionID, size, (page-1)*size)
	if err != nil {
		return nil, 0, errors.WrapKind(err, errors.KindStoreUnavailable, errors.ErrorTransient,
			"Store", "ListSubscriptionEventLogs")
	}
	defer rows.Close()

	logs := []*SubscriptionEventLog{}
	for rows.Next() {
		l := &SubscriptionEventLog{}
		if err := rows.Scan(
			&l.ID, &l.SubscriptionID, &l.EventID, &l.Subject, &l.Publisher, &l.ResourceType,
			&l.ResourceID, &l.Action, &l.CanonicalData, &l.OccurredAt, &l.LoggedAt,
			&l.WebhookSent, &l.WebhookStatus, &l.GatePassed, &l.GateReason,
		); err != nil {
			return nil, 0, errors.Wrap(err, "Store", "ListSubscriptionEventLogs", "scan row")
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.Wrap(err, "Store", "ListSubscriptionEventLogs", "iterate rows")
	}
	return logs, total, nil
}
