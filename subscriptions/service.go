// Package subscriptions is the management surface: subscription CRUD
// with LLM pattern synthesis, schema registry inspection, mapping and
// event-log browsing, and the budget readout.
package subscriptions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/convolabai/langhook/errors"
	"github.com/convolabai/langhook/events"
	"github.com/convolabai/langhook/llm"
	"github.com/convolabai/langhook/store"
)

// Store is the slice of the persistence layer the API needs.
type Store interface {
	CreateSubscription(ctx context.Context, sub *store.Subscription) (*store.Subscription, error)
	GetSubscription(ctx context.Context, id int64) (*store.Subscription, error)
	ListSubscriptions(ctx context.Context, subscriberID string, page, size int) ([]*store.Subscription, int, error)
	UpdateSubscription(ctx context.Context, id int64, upd store.SubscriptionUpdate) (*store.Subscription, error)
	DeleteSubscription(ctx context.Context, id int64) error
	ListSubscriptionEventLogs(ctx context.Context, subscriptionID int64, page, size int, gate string) ([]*store.SubscriptionEventLog, int, error)
	ListEventLogs(ctx context.Context, page, size int, resourceTypes []string) ([]*store.EventLog, int, error)
	ListMappings(ctx context.Context) ([]*store.Mapping, error)
	SchemaSummary(ctx context.Context) (*store.SchemaSummary, error)
	DeleteSchemaPublisher(ctx context.Context, publisher string) error
	DeleteSchemaResourceType(ctx context.Context, publisher, resourceType string) error
	DeleteSchemaAction(ctx context.Context, publisher, resourceType, action string) error
}

// Binder keeps the router's consumers in step with subscription
// changes. *router.Registry satisfies it.
type Binder interface {
	BindSubscription(ctx context.Context, sub *store.Subscription) error
	RebindSubscription(ctx context.Context, sub *store.Subscription) error
	UnbindSubscription(ctx context.Context, id int64) error
}

// Service implements subscription lifecycle on top of the store, the
// LLM broker, and the router.
type Service struct {
	store  Store
	broker *llm.Broker
	binder Binder
	logger *slog.Logger
}

// NewService wires the subscription service.
func NewService(st Store, broker *llm.Broker, binder Binder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, broker: broker, binder: binder, logger: logger}
}

// CreateRequest is the body of POST /subscriptions.
type CreateRequest struct {
	SubscriberID  string            `json:"subscriber_id"`
	Description   string            `json:"description"`
	Pattern       string            `json:"pattern,omitempty"`
	ChannelType   string            `json:"channel_type,omitempty"`
	ChannelConfig json.RawMessage   `json:"channel_config,omitempty"`
	Disposable    bool              `json:"disposable"`
	Gate          *store.GateConfig `json:"gate,omitempty"`
}

// UpdateRequest is the body of PATCH /subscriptions/{id}.
type UpdateRequest struct {
	Description   *string           `json:"description,omitempty"`
	Pattern       *string           `json:"pattern,omitempty"`
	ChannelType   *string           `json:"channel_type,omitempty"`
	ChannelConfig json.RawMessage   `json:"channel_config,omitempty"`
	Active        *bool             `json:"active,omitempty"`
	Gate          *store.GateConfig `json:"gate,omitempty"`
}

// Create synthesizes a subject pattern from the description (unless
// one is given), validates it against the schema registry, persists
// the subscription, and binds its consumer.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*store.Subscription, error) {
	if req.Description == "" {
		return nil, errors.WrapInvalid(fmt.Errorf("description is required"),
			"Service", "Create", "validate request")
	}
	if req.SubscriberID == "" {
		req.SubscriberID = "default"
	}
	if err := validateGate(req.Gate); err != nil {
		return nil, err
	}

	summary, err := s.store.SchemaSummary(ctx)
	if err != nil {
		return nil, err
	}

	pattern := req.Pattern
	if pattern == "" {
		pattern, err = s.synthesizePattern(ctx, req.Description, summary)
		if err != nil {
			return nil, err
		}
	}
	if err := validatePattern(pattern, summary); err != nil {
		return nil, err
	}

	sub, err := s.store.CreateSubscription(ctx, &store.Subscription{
		SubscriberID:  req.SubscriberID,
		Description:   req.Description,
		Pattern:       pattern,
		ChannelType:   req.ChannelType,
		ChannelConfig: req.ChannelConfig,
		Active:        true,
		Disposable:    req.Disposable,
		Gate:          req.Gate,
	})
	if err != nil {
		return nil, err
	}

	if err := s.binder.BindSubscription(ctx, sub); err != nil {
		// Keep the row: the consumer binds on the next restart, the
		// durable picks up from the stream's current position.
		s.logger.Warn("subscription bind failed",
			"subscription_id", sub.ID, "error", err)
	}
	s.logger.Info("subscription created",
		"subscription_id", sub.ID, "pattern", sub.Pattern, "disposable", sub.Disposable)
	return sub, nil
}

// Update applies a partial update. A new description re-synthesizes
// the pattern unless an explicit pattern accompanies it; any pattern
// or activation change rebinds the consumer.
func (s *Service) Update(ctx context.Context, id int64, req UpdateRequest) (*store.Subscription, error) {
	current, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := validateGate(req.Gate); err != nil {
		return nil, err
	}

	upd := store.SubscriptionUpdate{
		Description:   req.Description,
		Pattern:       req.Pattern,
		ChannelType:   req.ChannelType,
		ChannelConfig: req.ChannelConfig,
		Active:        req.Active,
		Gate:          req.Gate,
	}

	needsPattern := req.Pattern == nil && req.Description != nil && *req.Description != current.Description
	if needsPattern || req.Pattern != nil {
		summary, err := s.store.SchemaSummary(ctx)
		if err != nil {
			return nil, err
		}
		if needsPattern {
			pattern, err := s.synthesizePattern(ctx, *req.Description, summary)
			if err != nil {
				return nil, err
			}
			upd.Pattern = &pattern
		}
		if err := validatePattern(*upd.Pattern, summary); err != nil {
			return nil, err
		}
	}

	sub, err := s.store.UpdateSubscription(ctx, id, upd)
	if err != nil {
		return nil, err
	}

	rebind := upd.Pattern != nil || req.Active != nil || req.Gate != nil
	if rebind {
		if err := s.binder.RebindSubscription(ctx, sub); err != nil {
			s.logger.Warn("subscription rebind failed",
				"subscription_id", sub.ID, "error", err)
		}
	}
	return sub, nil
}

// Delete removes a subscription and its consumer.
func (s *Service) Delete(ctx context.Context, id int64) error {
	if err := s.store.DeleteSubscription(ctx, id); err != nil {
		return err
	}
	if err := s.binder.UnbindSubscription(ctx, id); err != nil {
		s.logger.Warn("subscription unbind failed", "subscription_id", id, "error", err)
	}
	s.logger.Info("subscription deleted", "subscription_id", id)
	return nil
}

// validateGate checks the optional per-subscription gate overrides.
func validateGate(gate *store.GateConfig) error {
	if gate == nil {
		return nil
	}
	if gate.Threshold != nil && (*gate.Threshold < 0 || *gate.Threshold > 1) {
		return errors.WrapInvalid(
			fmt.Errorf("gate threshold %v is outside [0, 1]", *gate.Threshold),
			"Service", "validateGate", "validate gate config")
	}
	switch gate.FailoverPolicy {
	case "", "fail_open", "fail_closed":
		return nil
	default:
		return errors.WrapInvalid(
			fmt.Errorf("gate failover_policy must be fail_open or fail_closed, got %q", gate.FailoverPolicy),
			"Service", "validateGate", "validate gate config")
	}
}

func (s *Service) synthesizePattern(ctx context.Context, description string, summary *store.SchemaSummary) (string, error) {
	resp, err := s.broker.Complete(ctx, "pattern-synthesis",
		llm.PatternSynthesisSystemPrompt(summary), description)
	if err != nil {
		return "", err
	}
	return llm.ParsePatternResponse(resp)
}

// validatePattern checks that every non-wildcard token in a pattern
// exists in the schema registry, so subscriptions can only target
// events the pipeline has actually seen.
func validatePattern(pattern string, summary *store.SchemaSummary) error {
	tokens := strings.Split(pattern, ".")
	if len(tokens) < 3 || tokens[0]+"."+tokens[1] != events.CanonicalSubjectPrefix {
		return errors.NewKind(errors.KindPatternUnknownSchema, errors.ErrorInvalid,
			"Service", "validatePattern",
			fmt.Sprintf("pattern %q is not under %s", pattern, events.CanonicalSubjectPrefix))
	}
	for i, tok := range tokens {
		if tok == "" {
			return errors.NewKind(errors.KindPatternUnknownSchema, errors.ErrorInvalid,
				"Service", "validatePattern", fmt.Sprintf("pattern %q has an empty token", pattern))
		}
		if tok == ">" && i != len(tokens)-1 {
			return errors.NewKind(errors.KindPatternUnknownSchema, errors.ErrorInvalid,
				"Service", "validatePattern", fmt.Sprintf("pattern %q has '>' before the end", pattern))
		}
	}
	if tokens[len(tokens)-1] != ">" && len(tokens) != 6 {
		return errors.NewKind(errors.KindPatternUnknownSchema, errors.ErrorInvalid,
			"Service", "validatePattern",
			fmt.Sprintf("pattern %q must have six tokens or end in '>'", pattern))
	}

	check := func(position int, known map[string]bool, what string) error {
		if position >= len(tokens) {
			return nil
		}
		tok := tokens[position]
		if tok == "*" || tok == ">" {
			return nil
		}
		if !known[tok] {
			return errors.NewKind(errors.KindPatternUnknownSchema, errors.ErrorInvalid,
				"Service", "validatePattern",
				fmt.Sprintf("%s %q is not in the schema registry", what, tok))
		}
		return nil
	}

	publishers := map[string]bool{}
	resourceTypes := map[string]bool{}
	for _, p := range summary.Publishers {
		publishers[p] = true
	}
	// A concrete resource type is valid under a wildcard publisher if
	// any publisher emits it.
	if len(tokens) > 2 && tokens[2] != "*" && tokens[2] != ">" {
		for _, rt := range summary.ResourceTypes[tokens[2]] {
			resourceTypes[rt] = true
		}
	} else {
		for _, rts := range summary.ResourceTypes {
			for _, rt := range rts {
				resourceTypes[rt] = true
			}
		}
	}

	if err := check(2, publishers, "publisher"); err != nil {
		return err
	}
	if err := check(3, resourceTypes, "resource type"); err != nil {
		return err
	}
	if err := check(5, events.ValidActions, "action"); err != nil {
		return err
	}
	return nil
}
