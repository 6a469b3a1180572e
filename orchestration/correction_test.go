package orchestration

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/itsneelabh/gosaga/core"
)

func validationInput() *CorrectionInput {
	return &CorrectionInput{
		Tool:         "book_restaurant_table",
		Description:  "Books a table at a restaurant",
		Params:       map[string]interface{}{"city": "Tokio", "partySize": 4},
		StatusCode:   422,
		ErrorMessage: `{"error":"unknown city 'Tokio'"}`,
		Intent:       "book a table for four in Tokyo tonight",
	}
}

func TestCorrectorProposesParameterFix(t *testing.T) {
	ai := &scriptedAI{responses: []string{
		"Here is my analysis:\n```json\n{\"should_retry\": true, \"reason\": \"city name is a typo\", \"corrected_params\": {\"city\": \"Tokyo\"}}\n```",
	}}
	corrector := NewCorrector(ai, nil)
	execution := budgetedExecution(5, 0)

	outcome, err := corrector.Correct(context.Background(), execution, "step-1", validationInput())
	if err != nil {
		t.Fatalf("Correct() error = %v", err)
	}
	if outcome == nil || outcome.Proposal == nil {
		t.Fatal("expected a proposal")
	}
	if !outcome.Proposal.ShouldRetry {
		t.Errorf("should_retry = false, reason %q", outcome.Proposal.Reason)
	}
	if outcome.Proposal.CorrectedParams["city"] != "Tokyo" {
		t.Errorf("corrected params = %+v", outcome.Proposal.CorrectedParams)
	}

	// Usage is converted to spend at the configured token rates.
	want := 50.0/1000*0.0025 + 20.0/1000*0.01
	if math.Abs(outcome.CostUSD-want) > 1e-9 {
		t.Errorf("cost = %v, want %v", outcome.CostUSD, want)
	}
}

func TestCorrectorTerminalStatusesSkipModel(t *testing.T) {
	ai := &scriptedAI{}
	corrector := NewCorrector(ai, nil)
	execution := budgetedExecution(5, 0)

	for _, status := range []int{401, 403, 405} {
		input := validationInput()
		input.StatusCode = status
		outcome, err := corrector.Correct(context.Background(), execution, "step-1", input)
		if err != nil {
			t.Fatalf("status %d: error = %v", status, err)
		}
		if outcome == nil || outcome.Proposal == nil || outcome.Proposal.ShouldRetry {
			t.Errorf("status %d should be final, got %+v", status, outcome)
		}
	}
	if len(ai.prompts) != 0 {
		t.Errorf("terminal statuses must not reach the model, got %d calls", len(ai.prompts))
	}
}

func TestCorrectorDelegatesTransientStatuses(t *testing.T) {
	ai := &scriptedAI{}
	corrector := NewCorrector(ai, nil)
	execution := budgetedExecution(5, 0)

	for _, status := range []int{408, 429, 500, 502, 504} {
		input := validationInput()
		input.StatusCode = status
		outcome, err := corrector.Correct(context.Background(), execution, "step-1", input)
		if err != nil {
			t.Fatalf("status %d: error = %v", status, err)
		}
		if outcome != nil {
			t.Errorf("status %d belongs to backoff, got %+v", status, outcome)
		}
	}
	if len(ai.prompts) != 0 {
		t.Errorf("transient statuses must not reach the model, got %d calls", len(ai.prompts))
	}
}

func TestCorrectorWithoutModelDegrades(t *testing.T) {
	corrector := NewCorrector(nil, nil)
	execution := budgetedExecution(5, 0)

	outcome, err := corrector.Correct(context.Background(), execution, "step-1", validationInput())
	if err != nil {
		t.Fatalf("Correct() error = %v", err)
	}
	if outcome == nil || outcome.Proposal == nil || outcome.Proposal.ShouldRetry {
		t.Errorf("nil client should yield a final no-retry, got %+v", outcome)
	}
}

func TestCorrectorRetryWithoutChangesDegrades(t *testing.T) {
	ai := &scriptedAI{responses: []string{
		`{"should_retry": true, "reason": "try again", "corrected_params": {}}`,
	}}
	corrector := NewCorrector(ai, nil)
	execution := budgetedExecution(5, 0)

	outcome, err := corrector.Correct(context.Background(), execution, "step-1", validationInput())
	if err != nil {
		t.Fatalf("Correct() error = %v", err)
	}
	if outcome.Proposal.ShouldRetry {
		t.Error("retry without parameter changes must degrade to no-retry")
	}
}

func TestCorrectorModelFailure(t *testing.T) {
	ai := &scriptedAI{err: errors.New("model unavailable")}
	corrector := NewCorrector(ai, nil)
	execution := budgetedExecution(5, 0)

	_, err := corrector.Correct(context.Background(), execution, "step-1", validationInput())
	if err == nil {
		t.Fatal("expected error from failing model")
	}
	if kind := core.ErrorKind(err); kind != KindLLMRequestFailed {
		t.Errorf("error kind = %q, want %q", kind, KindLLMRequestFailed)
	}
}

func TestCorrectorUnparseableResponse(t *testing.T) {
	ai := &scriptedAI{responses: []string{"I am not JSON at all"}}
	corrector := NewCorrector(ai, nil)
	execution := budgetedExecution(5, 0)

	_, err := corrector.Correct(context.Background(), execution, "step-1", validationInput())
	if err == nil {
		t.Fatal("expected parse error")
	}
	if kind := core.ErrorKind(err); kind != KindLLMSchemaValidation {
		t.Errorf("error kind = %q, want %q", kind, KindLLMSchemaValidation)
	}
}

func TestCorrectorBudgetGate(t *testing.T) {
	breaker := newTestBreaker(t, time.Minute, 5*time.Minute)
	ai := &scriptedAI{}
	corrector := NewCorrector(ai, breaker)
	execution := budgetedExecution(0.01, 0.0) // below the 0.02 estimate

	_, err := corrector.Correct(context.Background(), execution, "step-1", validationInput())
	if err == nil {
		t.Fatal("expected budget refusal")
	}
	if kind := core.ErrorKind(err); kind != KindBudgetExceeded {
		t.Errorf("error kind = %q, want %q", kind, KindBudgetExceeded)
	}
	if len(ai.prompts) != 0 {
		t.Error("budget refusal must not reach the model")
	}
}

func TestCorrectorCircuitGate(t *testing.T) {
	_, client := setupTestRedis(t)
	breaker, err := NewCorrectionBreaker("",
		WithCorrectionBreakerClient(client),
		WithCorrectionBreakerLimits(1, time.Minute, 5*time.Minute),
	)
	if err != nil {
		t.Fatalf("NewCorrectionBreaker: %v", err)
	}

	ai := &scriptedAI{responses: []string{
		`{"should_retry": false, "reason": "not fixable"}`,
	}}
	corrector := NewCorrector(ai, breaker)
	execution := budgetedExecution(5, 0)

	if _, err := corrector.Correct(context.Background(), execution, "step-1", validationInput()); err != nil {
		t.Fatalf("first correction should pass the breaker: %v", err)
	}

	_, err = corrector.Correct(context.Background(), execution, "step-1", validationInput())
	if err == nil {
		t.Fatal("second correction should trip the breaker")
	}
	if kind := core.ErrorKind(err); kind != KindLLMCircuitBroken {
		t.Errorf("error kind = %q, want %q", kind, KindLLMCircuitBroken)
	}
}

func TestParseProposalLenientExtraction(t *testing.T) {
	tests := []struct {
		name    string
		content string
		retry   bool
		wantErr bool
	}{
		{
			name:    "bare json",
			content: `{"should_retry": true, "reason": "typo", "corrected_params": {"a": 1}}`,
			retry:   true,
		},
		{
			name:    "markdown fenced",
			content: "```json\n{\"should_retry\": false, \"reason\": \"no\"}\n```",
		},
		{
			name:    "prose around object",
			content: `Sure! Based on the error: {"should_retry": false, "reason": "resource missing"} Hope that helps.`,
		},
		{
			name:    "braces inside strings",
			content: `{"should_retry": false, "reason": "value was \"{oops}\" literal"}`,
		},
		{
			name:    "no object",
			content: "cannot help",
			wantErr: true,
		},
		{
			name:    "unbalanced",
			content: `{"should_retry": true`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseProposal(tt.content)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseProposal() error = %v", err)
			}
			if got.ShouldRetry != tt.retry {
				t.Errorf("should_retry = %v, want %v", got.ShouldRetry, tt.retry)
			}
		})
	}
}
