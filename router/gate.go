// Package router delivers canonical events to subscriptions: one
// durable consumer per subscription, an optional LLM gate in front of
// delivery, and at-least-once webhook dispatch with per-delivery logs.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/convolabai/langhook/llm"
	"github.com/convolabai/langhook/metric"
	"github.com/convolabai/langhook/store"
)

// Failover policies for gate evaluation when the model is
// unreachable.
const (
	FailOpen   = "fail_open"
	FailClosed = "fail_closed"
)

// GateOutcome is the result of evaluating an event against a
// subscription's gate.
type GateOutcome struct {
	Passed     bool
	Confidence float64
	Reason     string
}

// Gate evaluates matched events against the subscriber's intent with
// a model call.
type Gate struct {
	broker    *llm.Broker
	threshold float64
	failover  string
	template  string
	metrics   *metric.Metrics
	logger    *slog.Logger
}

// NewGate creates a Gate. threshold is the minimum confidence for a
// pass; failover is FailOpen or FailClosed; template selects the gate
// prompt template.
func NewGate(broker *llm.Broker, threshold float64, failover, template string, metrics *metric.Metrics, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		broker:    broker,
		threshold: threshold,
		failover:  failover,
		template:  template,
		metrics:   metrics,
		logger:    logger,
	}
}

// Evaluate runs the gate for one event. intent is the subscription's
// gate prompt, falling back to its description. The gate config's
// threshold and failover policy override the process defaults when
// set. A model outage resolves through the failover policy instead of
// failing delivery.
func (g *Gate) Evaluate(ctx context.Context, gate *store.GateConfig, description string, event json.RawMessage) GateOutcome {
	start := time.Now()

	intent := description
	threshold := g.threshold
	failover := g.failover
	if gate != nil {
		if gate.Prompt != "" {
			intent = gate.Prompt
		}
		if gate.Threshold != nil {
			threshold = *gate.Threshold
		}
		if gate.FailoverPolicy != "" {
			failover = gate.FailoverPolicy
		}
	}

	resp, err := g.broker.Complete(ctx, "gate",
		llm.GateSystemPrompt(g.template, intent),
		llm.GateUserPrompt(event))
	if err != nil {
		return g.failoverOutcome(failover, err)
	}
	result, err := llm.ParseGateResponse(resp)
	if err != nil {
		return g.failoverOutcome(failover, err)
	}

	outcome := GateOutcome{
		Passed:     result.Decision && result.Confidence >= threshold,
		Confidence: result.Confidence,
		Reason:     result.Reasoning,
	}
	if result.Decision && !outcome.Passed {
		outcome.Reason = fmt.Sprintf("confidence %.2f below threshold %.2f: %s",
			result.Confidence, threshold, result.Reasoning)
	}

	decision := "rejected"
	if outcome.Passed {
		decision = "passed"
	}
	if gate != nil && gate.Audit {
		g.logger.Info("gate decision",
			"decision", decision,
			"confidence", result.Confidence,
			"threshold", threshold,
			"reasoning", result.Reasoning)
	}
	g.metrics.GateEvaluations.WithLabelValues(decision, "").Inc()
	g.metrics.ObserveGateDuration(decision, time.Since(start))
	return outcome
}

// failoverOutcome maps a gate failure onto the resolved policy.
func (g *Gate) failoverOutcome(failover string, err error) GateOutcome {
	passed := failover == FailOpen
	reason := "llm-unavailable:" + failover

	decision := "rejected"
	if passed {
		decision = "passed"
	}
	g.metrics.GateEvaluations.WithLabelValues(decision, reason).Inc()
	g.logger.Warn("gate evaluation failed, applying failover policy",
		"policy", failover, "error", err)

	return GateOutcome{Passed: passed, Reason: reason}
}
