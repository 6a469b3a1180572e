package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/itsneelabh/gosaga/core"
	"github.com/itsneelabh/gosaga/telemetry"
)

const (
	confirmationKeyPrefix  = "confirmation:"
	confirmationExecPrefix = "confirmation:exec:"
)

// Confirmation is the persisted human-approval gate for one step. The
// token is a bearer capability: whoever presents it resolves the gate,
// subject to the optional identity check.
type Confirmation struct {
	Token       string                 `json:"token"`
	ExecutionID string                 `json:"execution_id"`
	StepID      string                 `json:"step_id"`
	Tool        string                 `json:"tool"`
	Params      map[string]interface{} `json:"params,omitempty"`
	Risk        RiskLevel              `json:"risk"`
	Reason      string                 `json:"reason,omitempty"`
	Identity    string                 `json:"identity,omitempty"`
	IssuedAt    time.Time              `json:"issued_at"`
	ExpiresAt   time.Time              `json:"expires_at"`
}

// Expired reports whether the token's lifetime has lapsed.
func (c *Confirmation) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// ClassifyRisk maps a tool invocation to its risk level using fixed
// thresholds. Payment size dominates, then party size, then category.
func ClassifyRisk(def *ToolDefinition, params map[string]interface{}, rules core.RiskRules) RiskLevel {
	if def == nil {
		return RiskMedium
	}

	amount, hasAmount := paymentAmount(params)
	if def.Category == CategoryPayment && hasAmount && amount > rules.CriticalPaymentUSD {
		return RiskCritical
	}
	if hasAmount && amount > rules.HighPaymentUSD {
		if def.Category == CategoryPayment || hasDeposit(params) {
			return RiskHigh
		}
	}
	if size, ok := numericValue(params["partySize"]); ok && int(size) > rules.HighPartySize {
		return RiskHigh
	}

	switch def.Category {
	case CategoryReadOnly:
		return RiskLow
	case CategoryBooking, CategoryCommunication, CategoryPayment:
		return RiskMedium
	}
	return RiskMedium
}

func paymentAmount(params map[string]interface{}) (float64, bool) {
	for _, key := range []string{"amount", "amountUSD", "total", "deposit"} {
		if v, ok := numericValue(params[key]); ok {
			return v, true
		}
	}
	return 0, false
}

func hasDeposit(params map[string]interface{}) bool {
	_, ok := numericValue(params["deposit"])
	return ok
}

// ConfirmationService stores confirmation tokens with a hard TTL and a
// per-execution reverse index. One pending confirmation per execution:
// issuing a new token revokes the previous one.
type ConfirmationService struct {
	client     *redis.Client
	ownsClient bool

	keyPrefix string
	ttl       time.Duration
	rules     core.RiskRules
	publisher EventPublisher
	logger    core.Logger
}

// ConfirmationOption configures a ConfirmationService.
type ConfirmationOption func(*ConfirmationService)

// WithConfirmationLogger sets the logger.
func WithConfirmationLogger(logger core.Logger) ConfirmationOption {
	return func(s *ConfirmationService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithConfirmationTokenTTL overrides the token lifetime (default 15m).
func WithConfirmationTokenTTL(ttl time.Duration) ConfirmationOption {
	return func(s *ConfirmationService) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithConfirmationRiskRules overrides the classification thresholds.
func WithConfirmationRiskRules(rules core.RiskRules) ConfirmationOption {
	return func(s *ConfirmationService) {
		s.rules = rules
	}
}

// WithConfirmationPublisher sets where confirmation requests are sent.
func WithConfirmationPublisher(publisher EventPublisher) ConfirmationOption {
	return func(s *ConfirmationService) {
		if publisher != nil {
			s.publisher = publisher
		}
	}
}

// WithConfirmationKeyPrefix namespaces all keys.
func WithConfirmationKeyPrefix(prefix string) ConfirmationOption {
	return func(s *ConfirmationService) {
		s.keyPrefix = prefix
	}
}

// WithConfirmationClient injects an existing Redis client. The service
// will not close it.
func WithConfirmationClient(client *redis.Client) ConfirmationOption {
	return func(s *ConfirmationService) {
		if client != nil {
			s.client = client
			s.ownsClient = false
		}
	}
}

// NewConfirmationService connects to the confirmations database.
func NewConfirmationService(redisURL string, opts ...ConfirmationOption) (*ConfirmationService, error) {
	s := &ConfirmationService{
		ownsClient: true,
		ttl:        getEnvDuration("GOSAGA_CONFIRMATION_TTL", 15*time.Minute),
		rules:      core.DefaultConfig().Confirmation.Risk,
		publisher:  &NoOpPublisher{},
		logger:     &core.NoOpLogger{},
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.client == nil {
		client, err := dialRedis(redisURL, core.RedisDBConfirmations, s.logger)
		if err != nil {
			return nil, fmt.Errorf("confirmation service: %w", err)
		}
		s.client = client
	}

	return s, nil
}

// Close releases the Redis connection if the service owns it.
func (s *ConfirmationService) Close() error {
	if s.ownsClient && s.client != nil {
		return s.client.Close()
	}
	return nil
}

// Classify applies the service's configured thresholds.
func (s *ConfirmationService) Classify(def *ToolDefinition, params map[string]interface{}) RiskLevel {
	return ClassifyRisk(def, params, s.rules)
}

func (s *ConfirmationService) tokenKey(token string) string {
	return s.keyPrefix + confirmationKeyPrefix + token
}

func (s *ConfirmationService) execKey(executionID string) string {
	return s.keyPrefix + confirmationExecPrefix + executionID
}

// Issue mints a confirmation token for one step and publishes the
// confirmation-request signal. Any previously pending token for the
// execution is revoked.
func (s *ConfirmationService) Issue(ctx context.Context, execution *Execution, stepID string, def *ToolDefinition, params map[string]interface{}, reason string) (*Confirmation, error) {
	now := time.Now()
	confirmation := &Confirmation{
		Token:       uuid.New().String(),
		ExecutionID: execution.ID,
		StepID:      stepID,
		Tool:        def.Name,
		Params:      params,
		Risk:        s.Classify(def, params),
		Reason:      reason,
		Identity:    execution.UserID,
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.ttl),
	}

	data, err := json.Marshal(confirmation)
	if err != nil {
		return nil, fmt.Errorf("marshal confirmation: %w", err)
	}

	// Revoke a previous pending token before indexing the new one.
	if prev, err := s.client.Get(ctx, s.execKey(execution.ID)).Result(); err == nil && prev != "" {
		s.client.Del(ctx, s.tokenKey(prev))
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.tokenKey(confirmation.Token), data, s.ttl)
	pipe.Set(ctx, s.execKey(execution.ID), confirmation.Token, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("persist confirmation: %w", err)
	}

	telemetry.Counter(telemetry.MetricConfirmationsIssued, "risk", string(confirmation.Risk))
	s.logger.Info("Confirmation requested", map[string]interface{}{
		"operation":    "confirmation_issue",
		"execution_id": execution.ID,
		"step_id":      stepID,
		"tool":         def.Name,
		"risk":         string(confirmation.Risk),
		"expires_at":   confirmation.ExpiresAt.Format(time.RFC3339),
	})

	event := Event{
		Type:        EventConfirmationRequested,
		ExecutionID: execution.ID,
		At:          now,
		Payload: map[string]interface{}{
			"token":      confirmation.Token,
			"risk":       string(confirmation.Risk),
			"expires_at": confirmation.ExpiresAt.Format(time.RFC3339),
			"reason":     reason,
		},
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("Failed to publish confirmation request", map[string]interface{}{
			"operation":    "confirmation_issue",
			"execution_id": execution.ID,
			"error":        err.Error(),
		})
	}

	return confirmation, nil
}

// Confirm validates and consumes a token. A mismatched identity leaves
// the token intact; expiry and success both consume it.
func (s *ConfirmationService) Confirm(ctx context.Context, token, identity string) (*Confirmation, error) {
	return s.resolve(ctx, token, identity, "confirmed")
}

// Reject validates and consumes a token, recording the refusal. The
// engine fails the gated step instead of running it.
func (s *ConfirmationService) Reject(ctx context.Context, token, identity string) (*Confirmation, error) {
	return s.resolve(ctx, token, identity, "rejected")
}

func (s *ConfirmationService) resolve(ctx context.Context, token, identity, outcome string) (*Confirmation, error) {
	data, err := s.client.Get(ctx, s.tokenKey(token)).Result()
	if err == redis.Nil {
		return nil, kindError("confirmation.resolve", KindTokenNotFound, "",
			fmt.Errorf("token not found or already consumed: %w", core.ErrTokenNotFound))
	}
	if err != nil {
		return nil, fmt.Errorf("load confirmation: %w", err)
	}

	var confirmation Confirmation
	if err := json.Unmarshal([]byte(data), &confirmation); err != nil {
		return nil, fmt.Errorf("unmarshal confirmation: %w", err)
	}

	if confirmation.Expired(time.Now()) {
		s.consume(ctx, &confirmation)
		telemetry.Counter(telemetry.MetricConfirmationsExpired, "risk", string(confirmation.Risk))
		return nil, kindError("confirmation.resolve", KindTokenExpired, confirmation.ExecutionID,
			fmt.Errorf("token expired at %s: %w", confirmation.ExpiresAt.Format(time.RFC3339), core.ErrTokenExpired))
	}

	if identity != "" && confirmation.Identity != "" && identity != confirmation.Identity {
		return nil, kindError("confirmation.resolve", KindIdentityMismatch, confirmation.ExecutionID,
			fmt.Errorf("token belongs to a different identity: %w", core.ErrIdentityMismatch))
	}

	s.consume(ctx, &confirmation)
	telemetry.Counter(telemetry.MetricConfirmationsResolved, "outcome", outcome, "risk", string(confirmation.Risk))
	s.logger.Info("Confirmation resolved", map[string]interface{}{
		"operation":    "confirmation_resolve",
		"execution_id": confirmation.ExecutionID,
		"step_id":      confirmation.StepID,
		"outcome":      outcome,
	})
	return &confirmation, nil
}

// consume removes the token and, when it is still the pending one, the
// reverse index entry.
func (s *ConfirmationService) consume(ctx context.Context, confirmation *Confirmation) {
	s.client.Del(ctx, s.tokenKey(confirmation.Token))
	if current, err := s.client.Get(ctx, s.execKey(confirmation.ExecutionID)).Result(); err == nil && current == confirmation.Token {
		s.client.Del(ctx, s.execKey(confirmation.ExecutionID))
	}
}

// Pending returns the live confirmation for an execution, or nil when
// none is outstanding.
func (s *ConfirmationService) Pending(ctx context.Context, executionID string) (*Confirmation, error) {
	token, err := s.client.Get(ctx, s.execKey(executionID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load pending confirmation: %w", err)
	}

	data, err := s.client.Get(ctx, s.tokenKey(token)).Result()
	if err == redis.Nil {
		// Token record reaped by TTL; drop the dangling index entry.
		s.client.Del(ctx, s.execKey(executionID))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load pending confirmation: %w", err)
	}

	var confirmation Confirmation
	if err := json.Unmarshal([]byte(data), &confirmation); err != nil {
		return nil, fmt.Errorf("unmarshal confirmation: %w", err)
	}
	return &confirmation, nil
}
