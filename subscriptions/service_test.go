package subscriptions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/convolabai/langhook/errors"
	"github.com/convolabai/langhook/store"
)

type memStore struct {
	mu      sync.Mutex
	nextID  int64
	subs    map[int64]*store.Subscription
	logs    map[int64][]*store.SubscriptionEventLog
	events  []*store.EventLog
	maps    []*store.Mapping
	summary *store.SchemaSummary
}

func newMemStore() *memStore {
	return &memStore{
		subs: map[int64]*store.Subscription{},
		logs: map[int64][]*store.SubscriptionEventLog{},
		summary: &store.SchemaSummary{
			Publishers: []string{"github", "stripe"},
			ResourceTypes: map[string][]string{
				"github": {"pull_request", "issue"},
				"stripe": {"invoice"},
			},
			Actions: []string{"create", "update", "delete"},
		},
	}
}

func (s *memStore) CreateSubscription(_ context.Context, sub *store.Subscription) (*store.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	created := *sub
	created.ID = s.nextID
	s.subs[created.ID] = &created
	return &created, nil
}

func (s *memStore) GetSubscription(_ context.Context, id int64) (*store.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, errors.ErrNotFound
	}
	copied := *sub
	return &copied, nil
}

func (s *memStore) ListSubscriptions(_ context.Context, subscriberID string, page, size int) ([]*store.Subscription, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*store.Subscription{}
	for _, sub := range s.subs {
		if sub.SubscriberID == subscriberID {
			out = append(out, sub)
		}
	}
	return out, len(out), nil
}

func (s *memStore) UpdateSubscription(_ context.Context, id int64, upd store.SubscriptionUpdate) (*store.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, errors.ErrNotFound
	}
	if upd.Description != nil {
		sub.Description = *upd.Description
	}
	if upd.Pattern != nil {
		sub.Pattern = *upd.Pattern
	}
	if upd.ChannelType != nil {
		sub.ChannelType = *upd.ChannelType
	}
	if upd.ChannelConfig != nil {
		sub.ChannelConfig = upd.ChannelConfig
	}
	if upd.Active != nil {
		sub.Active = *upd.Active
	}
	if upd.Gate != nil {
		sub.Gate = upd.Gate
	}
	copied := *sub
	return &copied, nil
}

func (s *memStore) DeleteSubscription(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[id]; !ok {
		return errors.ErrNotFound
	}
	delete(s.subs, id)
	return nil
}

func (s *memStore) ListSubscriptionEventLogs(_ context.Context, id int64, page, size int, gate string) ([]*store.SubscriptionEventLog, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[id]; !ok {
		return nil, 0, errors.ErrNotFound
	}
	out := []*store.SubscriptionEventLog{}
	for _, l := range s.logs[id] {
		switch gate {
		case store.GateFilterAllowed:
			if l.GatePassed != nil && !*l.GatePassed {
				continue
			}
		case store.GateFilterBlocked:
			if l.GatePassed == nil || *l.GatePassed {
				continue
			}
		}
		out = append(out, l)
	}
	return out, len(out), nil
}

func (s *memStore) ListEventLogs(_ context.Context, page, size int, resourceTypes []string) ([]*store.EventLog, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(resourceTypes) == 0 {
		return s.events, len(s.events), nil
	}
	wanted := map[string]bool{}
	for _, rt := range resourceTypes {
		wanted[rt] = true
	}
	out := []*store.EventLog{}
	for _, e := range s.events {
		if wanted[e.ResourceType] {
			out = append(out, e)
		}
	}
	return out, len(out), nil
}

func (s *memStore) ListMappings(context.Context) ([]*store.Mapping, error) {
	return s.maps, nil
}

func (s *memStore) SchemaSummary(context.Context) (*store.SchemaSummary, error) {
	return s.summary, nil
}

func (s *memStore) DeleteSchemaPublisher(_ context.Context, publisher string) error {
	for i, p := range s.summary.Publishers {
		if p == publisher {
			s.summary.Publishers = append(s.summary.Publishers[:i], s.summary.Publishers[i+1:]...)
			delete(s.summary.ResourceTypes, publisher)
			return nil
		}
	}
	return errors.ErrNotFound
}

func (s *memStore) DeleteSchemaResourceType(_ context.Context, publisher, resourceType string) error {
	types := s.summary.ResourceTypes[publisher]
	for i, rt := range types {
		if rt == resourceType {
			s.summary.ResourceTypes[publisher] = append(types[:i], types[i+1:]...)
			return nil
		}
	}
	return errors.ErrNotFound
}

func (s *memStore) DeleteSchemaAction(context.Context, string, string, string) error {
	return nil
}

type fakeBinder struct {
	mu       sync.Mutex
	bound    []int64
	rebound  []int64
	unbound  []int64
	bindErr  error
}

func (b *fakeBinder) BindSubscription(_ context.Context, sub *store.Subscription) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bindErr != nil {
		return b.bindErr
	}
	b.bound = append(b.bound, sub.ID)
	return nil
}

func (b *fakeBinder) RebindSubscription(_ context.Context, sub *store.Subscription) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rebound = append(b.rebound, sub.ID)
	return nil
}

func (b *fakeBinder) UnbindSubscription(_ context.Context, id int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unbound = append(b.unbound, id)
	return nil
}

func TestValidatePattern(t *testing.T) {
	summary := newMemStore().summary

	valid := []string{
		"langhook.events.github.pull_request.*.update",
		"langhook.events.github.pull_request.1374.create",
		"langhook.events.*.*.*.delete",
		"langhook.events.github.>",
		"langhook.events.>",
	}
	for _, p := range valid {
		assert.NoError(t, validatePattern(p, summary), "pattern %q", p)
	}

	invalid := map[string]string{
		"unknown publisher":       "langhook.events.gitlab.pull_request.*.update",
		"unknown resource type":   "langhook.events.github.deployment.*.update",
		"type of other publisher": "langhook.events.stripe.pull_request.*.update",
		"unknown action":          "langhook.events.github.pull_request.*.merged",
		"wrong prefix":            "raw.github",
		"too few tokens":          "langhook.events.github.pull_request.update",
		"interior >":              "langhook.events.>.update",
		"empty token":             "langhook.events..pull_request.*.update",
	}
	for name, p := range invalid {
		err := validatePattern(p, summary)
		assert.Error(t, err, name)
		assert.Equal(t, errors.KindPatternUnknownSchema, errors.KindOf(err), name)
	}
}

func TestValidateGate(t *testing.T) {
	assert.NoError(t, validateGate(nil))

	ok := 0.5
	assert.NoError(t, validateGate(&store.GateConfig{
		Enabled: true, Threshold: &ok, FailoverPolicy: "fail_closed", Audit: true,
	}))

	high := 1.5
	err := validateGate(&store.GateConfig{Enabled: true, Threshold: &high})
	assert.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	err = validateGate(&store.GateConfig{Enabled: true, FailoverPolicy: "fail_sideways"})
	assert.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestValidatePatternWildcardPublisherAllowsAnyKnownType(t *testing.T) {
	summary := newMemStore().summary
	assert.NoError(t, validatePattern("langhook.events.*.invoice.*.create", summary))
	assert.Error(t, validatePattern("langhook.events.*.deployment.*.create", summary))
}
