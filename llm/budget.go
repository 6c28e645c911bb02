package llm

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/convolabai/langhook/errors"
	"github.com/convolabai/langhook/metric"
)

// Budget caps estimated model spend per UTC day. The counter resets
// when the date rolls over; an alert fires once per day when spend
// crosses the configured fraction of the limit.
type Budget struct {
	mu sync.Mutex

	day        string
	spent      float64
	limitUSD   float64
	threshold  float64
	alertFired bool

	now     func() time.Time
	metrics *metric.Metrics
	logger  *slog.Logger
}

// BudgetStatus is the read-only snapshot exposed over the API.
type BudgetStatus struct {
	Date           string  `json:"date"`
	SpentUSD       float64 `json:"spent_usd"`
	LimitUSD       float64 `json:"limit_usd"`
	RemainingUSD   float64 `json:"remaining_usd"`
	AlertThreshold float64 `json:"alert_threshold"`
	Exhausted      bool    `json:"exhausted"`
}

// NewBudget creates a Budget with the given daily limit in USD and
// alert threshold in [0,1].
func NewBudget(limitUSD, threshold float64, metrics *metric.Metrics, logger *slog.Logger) *Budget {
	if logger == nil {
		logger = slog.Default()
	}
	return &Budget{
		limitUSD:  limitUSD,
		threshold: threshold,
		now:       time.Now,
		metrics:   metrics,
		logger:    logger,
	}
}

// WithClock overrides the time source. Used by tests to exercise the
// day rollover.
func (b *Budget) WithClock(now func() time.Time) *Budget {
	b.now = now
	return b
}

func (b *Budget) rollover() {
	today := b.now().UTC().Format("2006-01-02")
	if b.day != today {
		b.day = today
		b.spent = 0
		b.alertFired = false
		if b.metrics != nil {
			b.metrics.LLMCostToday.Set(0)
		}
	}
}

// Check returns a budget-exhausted error when today's spend has
// reached the limit.
func (b *Budget) Check() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover()

	if b.spent >= b.limitUSD {
		if b.metrics != nil {
			b.metrics.BudgetAlerts.WithLabelValues("exhausted").Inc()
		}
		return errors.NewKind(errors.KindBudgetExhausted, errors.ErrorTransient,
			"Budget", "Check",
			fmt.Sprintf("daily LLM budget of $%.2f exhausted ($%.4f spent)", b.limitUSD, b.spent))
	}
	return nil
}

// Record charges an estimated cost against today's budget.
func (b *Budget) Record(costUSD float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover()

	b.spent += costUSD
	if b.metrics != nil {
		b.metrics.LLMCostToday.Set(b.spent)
	}

	if !b.alertFired && b.limitUSD > 0 && b.spent >= b.limitUSD*b.threshold {
		b.alertFired = true
		b.logger.Warn("daily LLM spend crossed alert threshold",
			"spent_usd", b.spent, "limit_usd", b.limitUSD, "threshold", b.threshold)
		if b.metrics != nil {
			b.metrics.BudgetAlerts.WithLabelValues("threshold").Inc()
		}
	}
}

// Status returns a snapshot of today's budget.
func (b *Budget) Status() BudgetStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover()

	remaining := b.limitUSD - b.spent
	if remaining < 0 {
		remaining = 0
	}
	return BudgetStatus{
		Date:           b.day,
		SpentUSD:       b.spent,
		LimitUSD:       b.limitUSD,
		RemainingUSD:   remaining,
		AlertThreshold: b.threshold,
		Exhausted:      b.spent >= b.limitUSD,
	}
}
