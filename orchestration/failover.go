package orchestration

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/itsneelabh/gosaga/core"
)

// FailureReason is the deterministic classification of a tool failure.
// The set is closed: every failure maps to exactly one reason, with
// ReasonServiceError as the catch-all.
type FailureReason string

const (
	ReasonRestaurantFull      FailureReason = "RESTAURANT_FULL"
	ReasonTableUnavailable    FailureReason = "TABLE_UNAVAILABLE"
	ReasonKitchenOverloaded   FailureReason = "KITCHEN_OVERLOADED"
	ReasonPaymentFailed       FailureReason = "PAYMENT_FAILED"
	ReasonDeliveryUnavailable FailureReason = "DELIVERY_UNAVAILABLE"
	ReasonTimeSlotUnavailable FailureReason = "TIME_SLOT_UNAVAILABLE"
	ReasonPartySizeTooLarge   FailureReason = "PARTY_SIZE_TOO_LARGE"
	ReasonValidationFailed    FailureReason = "VALIDATION_FAILED"
	ReasonTimeout             FailureReason = "TIMEOUT"
	ReasonServiceError        FailureReason = "SERVICE_ERROR"
)

// FailoverAction is the recommended response to a classified failure.
type FailoverAction string

const (
	ActionSuggestAlternativeTime FailoverAction = "SUGGEST_ALTERNATIVE_TIME"
	ActionTriggerDelivery        FailoverAction = "TRIGGER_DELIVERY"
	ActionTriggerWaitlist        FailoverAction = "TRIGGER_WAITLIST"
	ActionDowngradePartySize     FailoverAction = "DOWNGRADE_PARTY_SIZE"
	ActionRetryWithBackoff       FailoverAction = "RETRY_WITH_BACKOFF"
	ActionEscalate               FailoverAction = "ESCALATE"
)

// reasonRule maps message substrings to a failure reason. Rules are
// evaluated in order; the first match wins, so specific phrases come
// before generic ones.
type reasonRule struct {
	reason     FailureReason
	substrings []string
}

var reasonRules = []reasonRule{
	{ReasonPartySizeTooLarge, []string{"party size", "party too large", "too many guests", "maximum party"}},
	{ReasonRestaurantFull, []string{"fully booked", "restaurant full", "restaurant is full", "no availability"}},
	{ReasonTableUnavailable, []string{"table unavailable", "table not available", "no tables", "table is taken"}},
	{ReasonKitchenOverloaded, []string{"kitchen overloaded", "kitchen too busy", "kitchen is overloaded"}},
	{ReasonPaymentFailed, []string{"payment", "card declined", "insufficient funds"}},
	{ReasonDeliveryUnavailable, []string{"delivery unavailable", "delivery not available", "no couriers", "out of delivery range"}},
	{ReasonTimeSlotUnavailable, []string{"slot unavailable", "slot not available", "time slot", "timeslot"}},
	{ReasonTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{ReasonValidationFailed, []string{"validation", "invalid parameter", "invalid request", "missing required"}},
}

// ClassifyFailure derives the failure reason from a tool result and the
// transport error, substring rules first, then status-code ranges.
func ClassifyFailure(result *ToolResult, err error) FailureReason {
	if err != nil {
		if errors.Is(err, core.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return ReasonTimeout
		}
	}

	var message string
	var status int
	if result != nil {
		message = result.Error
		status = result.StatusCode
	}
	if message == "" && err != nil {
		message = err.Error()
	}

	lowered := strings.ToLower(message)
	for _, rule := range reasonRules {
		for _, fragment := range rule.substrings {
			if strings.Contains(lowered, fragment) {
				return rule.reason
			}
		}
	}

	switch {
	case status == 408 || status == 504:
		return ReasonTimeout
	case status == 400 || status == 422:
		return ReasonValidationFailed
	case status >= 500:
		return ReasonServiceError
	}
	return ReasonServiceError
}

// FailoverInput is everything the policy engine may consult. It stays a
// value type: the engine never mutates it.
type FailoverInput struct {
	// IntentType is the high-level goal of the execution ("dining",
	// "delivery", ...), read from the execution context.
	IntentType string

	Tool   string
	Reason FailureReason

	// Params are the step's resolved parameters at the time of failure.
	Params map[string]interface{}

	// Contextual carries execution-level hints such as maxPartySize.
	Contextual map[string]interface{}
}

// FailoverDecision is the policy verdict. Retry=true means the engine
// should re-invoke the tool once with Params (already mutated); otherwise
// Suggestions carry the user-facing alternatives.
type FailoverDecision struct {
	Action      FailoverAction
	Retry       bool
	Params      map[string]interface{}
	Suggestions []string
	Delay       time.Duration
	Explanation string
}

// FailoverOverride replaces the built-in handling for one reason.
type FailoverOverride func(input FailoverInput) *FailoverDecision

// FailoverPolicy maps classified failures to recommended actions. It is
// pure: no I/O, no randomness, same input same decision.
type FailoverPolicy struct {
	timeOffsets  []time.Duration
	timeParams   []string
	partySizeKey string
	retryDelay   time.Duration
	overrides    map[FailureReason]FailoverOverride
	logger       core.Logger
}

// FailoverOption configures a FailoverPolicy.
type FailoverOption func(*FailoverPolicy)

// WithFailoverLogger sets the logger.
func WithFailoverLogger(logger core.Logger) FailoverOption {
	return func(p *FailoverPolicy) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithFailoverTimeOffsets replaces the alternative-time offsets. The
// first offset mutates the retry; the rest become suggestions.
func WithFailoverTimeOffsets(offsets ...time.Duration) FailoverOption {
	return func(p *FailoverPolicy) {
		if len(offsets) > 0 {
			p.timeOffsets = offsets
		}
	}
}

// WithFailoverTimeParams replaces the parameter names probed for a
// shiftable clock time.
func WithFailoverTimeParams(names ...string) FailoverOption {
	return func(p *FailoverPolicy) {
		if len(names) > 0 {
			p.timeParams = names
		}
	}
}

// WithFailoverRetryDelay sets the backoff hint for RETRY_WITH_BACKOFF.
func WithFailoverRetryDelay(delay time.Duration) FailoverOption {
	return func(p *FailoverPolicy) {
		if delay > 0 {
			p.retryDelay = delay
		}
	}
}

// WithFailoverOverride installs a custom handler for one reason.
func WithFailoverOverride(reason FailureReason, override FailoverOverride) FailoverOption {
	return func(p *FailoverPolicy) {
		if override != nil {
			p.overrides[reason] = override
		}
	}
}

// NewFailoverPolicy builds the policy with booking-domain defaults.
func NewFailoverPolicy(opts ...FailoverOption) *FailoverPolicy {
	p := &FailoverPolicy{
		timeOffsets:  []time.Duration{30 * time.Minute, time.Hour, -30 * time.Minute},
		timeParams:   []string{"time", "reservationTime", "deliveryTime", "pickupTime"},
		partySizeKey: "partySize",
		retryDelay:   2 * time.Second,
		overrides:    make(map[FailureReason]FailoverOverride),
		logger:       &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Evaluate maps one classified failure to a decision.
func (p *FailoverPolicy) Evaluate(input FailoverInput) *FailoverDecision {
	if override, ok := p.overrides[input.Reason]; ok {
		if decision := override(input); decision != nil {
			return decision
		}
	}

	var decision *FailoverDecision
	switch input.Reason {
	case ReasonRestaurantFull, ReasonTableUnavailable:
		decision = p.alternativeTimeOr(input, &FailoverDecision{
			Action:      ActionTriggerWaitlist,
			Suggestions: []string{"join the waitlist for the requested time"},
			Explanation: "no shiftable time parameter; waitlist is the fallback",
		})

	case ReasonTimeSlotUnavailable:
		decision = p.alternativeTimeOr(input, &FailoverDecision{
			Action:      ActionEscalate,
			Explanation: "slot taken and no time parameter to shift",
		})

	case ReasonDeliveryUnavailable:
		decision = p.alternativeTimeOr(input, &FailoverDecision{
			Action:      ActionEscalate,
			Explanation: "delivery unavailable and no delivery window to shift",
		})

	case ReasonKitchenOverloaded:
		if input.IntentType == "delivery" {
			decision = &FailoverDecision{
				Action:      ActionRetryWithBackoff,
				Retry:       true,
				Params:      input.Params,
				Delay:       p.retryDelay,
				Explanation: "kitchen pressure is transient for delivery orders",
			}
		} else {
			params := cloneParams(input.Params)
			params["fulfillment"] = "delivery"
			decision = &FailoverDecision{
				Action:      ActionTriggerDelivery,
				Retry:       true,
				Params:      params,
				Suggestions: []string{"switch the order to delivery"},
				Explanation: "dine-in kitchen overloaded; delivery absorbs the load",
			}
		}

	case ReasonPartySizeTooLarge:
		decision = p.downgradeParty(input)

	case ReasonPaymentFailed:
		decision = &FailoverDecision{
			Action:      ActionEscalate,
			Suggestions: []string{"verify the payment method and retry manually"},
			Explanation: "money movement is never retried automatically",
		}

	case ReasonValidationFailed:
		decision = &FailoverDecision{
			Action:      ActionEscalate,
			Explanation: "parameter shape is wrong; deterministic mutation cannot fix it",
		}

	case ReasonTimeout, ReasonServiceError:
		decision = &FailoverDecision{
			Action:      ActionRetryWithBackoff,
			Retry:       true,
			Params:      input.Params,
			Delay:       p.retryDelay,
			Explanation: "transient infrastructure failure",
		}

	default:
		decision = &FailoverDecision{
			Action:      ActionEscalate,
			Explanation: fmt.Sprintf("no policy for reason %s", input.Reason),
		}
	}

	p.logger.Debug("Failover decision", map[string]interface{}{
		"operation": "failover_evaluate",
		"tool":      input.Tool,
		"reason":    string(input.Reason),
		"action":    string(decision.Action),
		"retry":     decision.Retry,
	})
	return decision
}

// alternativeTimeOr shifts the first recognised clock-time parameter by
// the first configured offset and suggests the rest. Without a shiftable
// parameter the fallback decision applies.
func (p *FailoverPolicy) alternativeTimeOr(input FailoverInput, fallback *FailoverDecision) *FailoverDecision {
	for _, name := range p.timeParams {
		raw, ok := input.Params[name].(string)
		if !ok {
			continue
		}
		shifted, ok := shiftClockTime(raw, p.timeOffsets[0])
		if !ok {
			continue
		}

		params := cloneParams(input.Params)
		params[name] = shifted

		suggestions := make([]string, 0, len(p.timeOffsets))
		for _, offset := range p.timeOffsets {
			if alt, ok := shiftClockTime(raw, offset); ok {
				suggestions = append(suggestions, fmt.Sprintf("try %s at %s", input.Tool, alt))
			}
		}

		return &FailoverDecision{
			Action:      ActionSuggestAlternativeTime,
			Retry:       true,
			Params:      params,
			Suggestions: suggestions,
			Explanation: fmt.Sprintf("shifted %s from %s to %s", name, raw, shifted),
		}
	}
	return fallback
}

// downgradeParty clamps the party size to the contextual maximum when
// known, otherwise halves it. A party of one cannot shrink further.
func (p *FailoverPolicy) downgradeParty(input FailoverInput) *FailoverDecision {
	current, ok := numericValue(input.Params[p.partySizeKey])
	if !ok || current <= 1 {
		return &FailoverDecision{
			Action:      ActionEscalate,
			Explanation: "party size missing or already minimal",
		}
	}

	target := math.Floor(current / 2)
	if ceiling, ok := numericValue(input.Contextual["maxPartySize"]); ok && ceiling >= 1 && ceiling < current {
		target = math.Floor(ceiling)
	}
	if target < 1 {
		target = 1
	}
	if target >= current {
		return &FailoverDecision{
			Action:      ActionEscalate,
			Explanation: "no smaller party size available",
		}
	}

	params := cloneParams(input.Params)
	params[p.partySizeKey] = target
	return &FailoverDecision{
		Action: ActionDowngradePartySize,
		Retry:  true,
		Params: params,
		Suggestions: []string{
			fmt.Sprintf("book for %d and split the remaining guests", int(target)),
		},
		Explanation: fmt.Sprintf("party size reduced from %d to %d", int(current), int(target)),
	}
}

func cloneParams(params map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}

// shiftClockTime moves an HH:MM or HH:MM:SS value by offset, wrapping at
// midnight and preserving the input's precision.
func shiftClockTime(value string, offset time.Duration) (string, bool) {
	layout := "15:04"
	if strings.Count(value, ":") == 2 {
		layout = "15:04:05"
	}
	parsed, err := time.Parse(layout, value)
	if err != nil {
		return "", false
	}
	shifted := parsed.Add(offset)
	return shifted.Format(layout), true
}
