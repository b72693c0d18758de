package agentpay

import (
	"errors"
	"fmt"
	"testing"
)

func TestSettlementErrorCodeExtraction(t *testing.T) {
	err := NewSettlementError(ErrCodeReplay, "payment %s already settled", "0xabc")

	if ErrorCode(err) != ErrCodeReplay {
		t.Errorf("expected code %s, got %s", ErrCodeReplay, ErrorCode(err))
	}
	if !IsCode(err, ErrCodeReplay) {
		t.Error("IsCode must match the error's code")
	}
	if IsCode(err, ErrCodeNoCredits) {
		t.Error("IsCode must not match a different code")
	}
}

func TestSettlementErrorSurvivesWrapping(t *testing.T) {
	inner := NewSettlementError(ErrCodeInsufficientBalance, "balance too low")
	wrapped := fmt.Errorf("withdraw: %w", inner)

	if ErrorCode(wrapped) != ErrCodeInsufficientBalance {
		t.Errorf("expected code through wrap, got %s", ErrorCode(wrapped))
	}
}

func TestWrapSettlementErrorPreservesCause(t *testing.T) {
	cause := errors.New("nonce already used")
	err := WrapSettlementError(ErrCodeFundsPull, cause, "funds pull rejected")

	if !errors.Is(err, cause) {
		t.Error("wrapped cause must be reachable through errors.Is")
	}
	if ErrorCode(err) != ErrCodeFundsPull {
		t.Errorf("expected code %s, got %s", ErrCodeFundsPull, ErrorCode(err))
	}
}

func TestErrorCodeOnForeignError(t *testing.T) {
	if ErrorCode(errors.New("plain")) != "" {
		t.Error("foreign errors carry no code")
	}
	if ErrorCode(nil) != "" {
		t.Error("nil error carries no code")
	}
}
