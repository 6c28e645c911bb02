package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/convolabai/langhook/errors"
)

// GateConfig is the optional LLM gate attached to a subscription.
// Threshold and FailoverPolicy override the process-wide defaults when
// set; Audit records each gate decision with the model's reasoning.
type GateConfig struct {
	Enabled        bool     `json:"enabled"`
	Prompt         string   `json:"prompt,omitempty"`
	Threshold      *float64 `json:"threshold,omitempty"`
	FailoverPolicy string   `json:"failover_policy,omitempty"`
	Audit          bool     `json:"audit,omitempty"`
}

// Subscription binds a subscriber's intent to a subject filter and a
// delivery channel.
type Subscription struct {
	ID            int64           `json:"id"`
	SubscriberID  string          `json:"subscriber_id"`
	Description   string          `json:"description"`
	Pattern       string          `json:"pattern"`
	ChannelType   string          `json:"channel_type,omitempty"`
	ChannelConfig json.RawMessage `json:"channel_config,omitempty"`
	Active        bool            `json:"active"`
	Disposable    bool            `json:"disposable"`
	Used          bool            `json:"used"`
	Gate          *GateConfig     `json:"gate,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

const subscriptionColumns = `
	id, subscriber_id, description, pattern, channel_type, channel_config,
	active, disposable, used, gate, created_at, updated_at`

func scanSubscription(row pgx.Row) (*Subscription, error) {
	sub := &Subscription{}
	var channelType *string
	var channelConfig, gate []byte
	err := row.Scan(
		&sub.ID, &sub.SubscriberID, &sub.Description, &sub.Pattern,
		&channelType, &channelConfig,
		&sub.Active, &sub.Disposable, &sub.Used, &gate,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if channelType != nil {
		sub.ChannelType = *channelType
	}
	if len(channelConfig) > 0 {
		sub.ChannelConfig = json.RawMessage(channelConfig)
	}
	if len(gate) > 0 {
		g := &GateConfig{}
		if err := json.Unmarshal(gate, g); err != nil {
			return nil, fmt.Errorf("decode gate config: %w", err)
		}
		sub.Gate = g
	}
	return sub, nil
}

// CreateSubscription inserts a subscription and returns it with its
// assigned id.
func (s *Store) CreateSubscription(ctx context.Context, sub *Subscription) (*Subscription, error) {
	gate, err := marshalGate(sub.Gate)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Store", "CreateSubscription", "encode gate config")
	}

	query := `
		INSERT INTO subscriptions
			(subscriber_id, description, pattern, channel_type, channel_config,
			 active, disposable, gate)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8)
		RETURNING` + subscriptionColumns

	row := s.pool.QueryRow(ctx, query,
		sub.SubscriberID, sub.Description, sub.Pattern, sub.ChannelType,
		nullableJSON(sub.ChannelConfig), sub.Active, sub.Disposable, gate)

	created, err := scanSubscription(row)
	if err != nil {
		return nil, errors.WrapKind(err, errors.KindStoreUnavailable, errors.ErrorTransient,
			"Store", "CreateSubscription")
	}
	return created, nil
}

// GetSubscription fetches a subscription by id.
func (s *Store) GetSubscription(ctx context.Context, id int64) (*Subscription, error) {
	query := `SELECT` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`
	sub, err := scanSubscription(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.ErrNotFound
		}
		return nil, errors.WrapKind(err, errors.KindStoreUnavailable, errors.ErrorTransient,
			"Store", "GetSubscription")
	}
	return sub, nil
}

// ListSubscriptions returns one page of a subscriber's subscriptions,
// newest first, with the total count.
func (s *Store) ListSubscriptions(ctx context.Context, subscriberID string, page, size int) ([]*Subscription, int, error) {
	page, size = normalizePage(page, size)

	var total int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM subscriptions WHERE subscriber_id = $1`, subscriberID).Scan(&total)
	if err != nil {
		return nil, 0, errors.WrapKind(err, errors.KindStoreUnavailable, errors.ErrorTransient,
			"Store", "ListSubscriptions")
	}

	query := `SELECT` + subscriptionColumns + `
		FROM subscriptions
		WHERE subscriber_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := s.pool.Query(ctx, query, subscriberID, size, (page-1)*size)
	if err != nil {
		return nil, 0, errors.WrapKind(err, errors.KindStoreUnavailable, errors.ErrorTransient,
			"Store", "ListSubscriptions")
	}
	defer rows.Close()

	subs := []*Subscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, "Store", "ListSubscriptions", "scan subscription")
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.Wrap(err, "Store", "ListSubscriptions", "iterate rows")
	}
	return subs, total, nil
}

// ListActiveSubscriptions returns every active, unused subscription.
// The router binds a consumer for each at startup.
func (s *Store) ListActiveSubscriptions(ctx context.Context) ([]*Subscription, error) {
	query := `SELECT` + subscriptionColumns + `
		FROM subscriptions
		WHERE active = TRUE AND used = FALSE
		ORDER BY id`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, errors.WrapKind(err, errors.KindStoreUnavailable, errors.ErrorTransient,
			"Store", "ListActiveSubscriptions")
	}
	defer rows.Close()

	subs := []*Subscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, errors.Wrap(err, "Store", "ListActiveSubscriptions", "scan subscription")
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "Store", "ListActiveSubscriptions", "iterate rows")
	}
	return subs, nil
}

// SubscriptionUpdate carries the mutable fields of a subscription.
// Nil fields are left unchanged.
type SubscriptionUpdate struct {
	Description   *string
	Pattern       *string
	ChannelType   *string
	ChannelConfig json.RawMessage
	Active        *bool
	Gate          *GateConfig
	ClearGate     bool
}

// UpdateSubscription applies a partial update and returns the stored
// row.
func (s *Store) UpdateSubscription(ctx context.Context, id int64, upd SubscriptionUpdate) (*Subscription, error) {
	setClauses := []string{"updated_at = now()"}
	args := []any{}
	pos := 1

	set := func(column string, value any) {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", column, pos))
		args = append(args, value)
		pos++
	}

	if upd.Description != nil {
		set("description", *upd.Description)
	}
	if upd.Pattern != nil {
		set("pattern", *upd.Pattern)
	}
	if upd.ChannelType != nil {
		set("channel_type", *upd.ChannelType)
	}
	if upd.ChannelConfig != nil {
		set("channel_config", []byte(upd.ChannelConfig))
	}
	if upd.Active != nil {
		set("active", *upd.Active)
	}
	if upd.ClearGate {
		setClauses = append(setClauses, "gate = NULL")
	} else if upd.Gate != nil {
		gate, err := marshalGate(upd.Gate)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Store", "UpdateSubscription", "encode gate config")
		}
		set("gate", gate)
	}

	args = append(args, id)
	query := fmt.Sprintf(`UPDATE subscriptions SET %s WHERE id = $%d RETURNING`,
		joinClauses(setClauses), pos) + subscriptionColumns

	sub, err := scanSubscription(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.ErrNotFound
		}
		return nil, errors.WrapKind(err, errors.KindStoreUnavailable, errors.ErrorTransient,
			"Store", "UpdateSubscription")
	}
	return sub, nil
}

// MarkSubscriptionUsed flags a disposable subscription as consumed and
// deactivates it.
func (s *Store) MarkSubscriptionUsed(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE subscriptions SET used = TRUE, active = FALSE, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return errors.WrapKind(err, errors.KindStoreUnavailable, errors.ErrorTransient,
			"Store", "MarkSubscriptionUsed")
	}
	if tag.RowsAffected() == 0 {
		return errors.ErrNotFound
	}
	return nil
}

// DeleteSubscription removes a subscription and, via cascade, its
// delivery logs.
func (s *Store) DeleteSubscription(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM subscriptions WHERE id = $1`, id)
	if err != nil {
		return errors.WrapKind(err, errors.KindStoreUnavailable, errors.ErrorTransient,
			"Store", "DeleteSubscription")
	}
	if tag.RowsAffected() == 0 {
		return errors.ErrNotFound
	}
	return nil
}

func marshalGate(g *GateConfig) ([]byte, error) {
	if g == nil {
		return nil, nil
	}
	return json.Marshal(g)
}

func nullableJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func joinClauses(clauses []string) string {
	out := clauses[0]
	for _, c := range clauses[1:] {
		out += ", " + c
	}
	return out
}

// normalizePage clamps pagination inputs: pages start at 1 and page
// size is capped at 200.
func normalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 50
	}
	if size > 200 {
		size = 200
	}
	return page, size
}
