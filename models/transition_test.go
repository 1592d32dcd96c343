package models

import "testing"

func TestCanTransition_TerminalIsImmutable(t *testing.T) {
	terminals := []OperationStatus{OperationStatusCompleted, OperationStatusFailed, OperationStatusCancelled}
	all := []OperationStatus{
		OperationStatusPending, OperationStatusProcessing, OperationStatusAwaitingCaptcha,
		OperationStatusAwaitingPackage, OperationStatusAwaitingFinalConfirm, OperationStatusCompleting,
		OperationStatusCompleted, OperationStatusFailed, OperationStatusCancelled,
	}
	for _, from := range terminals {
		for _, to := range all {
			if CanTransition(from, to) {
				t.Fatalf("terminal %s must not transition to %s", from, to)
			}
		}
	}
}

func TestCanTransition_CancelAndFailFromAnyNonTerminal(t *testing.T) {
	nonTerminals := []OperationStatus{
		OperationStatusPending, OperationStatusProcessing, OperationStatusAwaitingCaptcha,
		OperationStatusAwaitingPackage, OperationStatusAwaitingFinalConfirm, OperationStatusCompleting,
	}
	for _, from := range nonTerminals {
		if !CanTransition(from, OperationStatusCancelled) {
			t.Fatalf("expected %s -> CANCELLED to be legal", from)
		}
		if !CanTransition(from, OperationStatusFailed) {
			t.Fatalf("expected %s -> FAILED to be legal", from)
		}
	}
}

func TestCanTransition_Table(t *testing.T) {
	legal := []struct{ from, to OperationStatus }{
		{OperationStatusPending, OperationStatusProcessing},
		{OperationStatusProcessing, OperationStatusAwaitingCaptcha},
		{OperationStatusProcessing, OperationStatusAwaitingPackage},
		{OperationStatusProcessing, OperationStatusCompleting},
		{OperationStatusAwaitingCaptcha, OperationStatusProcessing},
		{OperationStatusAwaitingPackage, OperationStatusAwaitingFinalConfirm},
		{OperationStatusAwaitingPackage, OperationStatusCompleting},
		{OperationStatusAwaitingFinalConfirm, OperationStatusCompleting},
		{OperationStatusCompleting, OperationStatusCompleted},
	}
	for _, tc := range legal {
		if !CanTransition(tc.from, tc.to) {
			t.Fatalf("expected %s -> %s to be legal", tc.from, tc.to)
		}
	}

	illegal := []struct{ from, to OperationStatus }{
		{OperationStatusPending, OperationStatusCompleting},
		{OperationStatusPending, OperationStatusCompleted},
		{OperationStatusProcessing, OperationStatusAwaitingFinalConfirm},
		{OperationStatusAwaitingCaptcha, OperationStatusCompleting},
		{OperationStatusAwaitingPackage, OperationStatusCompleted},
		{OperationStatusAwaitingFinalConfirm, OperationStatusCompleted},
		{OperationStatusCompleting, OperationStatusProcessing},
	}
	for _, tc := range illegal {
		if CanTransition(tc.from, tc.to) {
			t.Fatalf("expected %s -> %s to be illegal", tc.from, tc.to)
		}
	}
}

func TestIsInteractive(t *testing.T) {
	for _, s := range InteractiveStatuses {
		if !s.IsInteractive() {
			t.Fatalf("expected %s to be interactive", s)
		}
	}
	for _, s := range []OperationStatus{
		OperationStatusPending, OperationStatusProcessing, OperationStatusCompleting,
		OperationStatusCompleted, OperationStatusFailed, OperationStatusCancelled,
	} {
		if s.IsInteractive() {
			t.Fatalf("expected %s not to be interactive", s)
		}
	}
}

func TestStartJobType(t *testing.T) {
	cases := map[OperationType]JobType{
		OperationTypeRenew:          JobTypeStartRenewal,
		OperationTypeCheckBalance:   JobTypeCheckAccountBalance,
		OperationTypeSignalCheck:    JobTypeSignalCheck,
		OperationTypeSignalActivate: JobTypeSignalActivate,
		OperationTypeSignalRefresh:  JobTypeSignalRefresh,
	}
	for opType, want := range cases {
		if got := opType.StartJobType(); got != want {
			t.Fatalf("StartJobType(%s) = %s; want %s", opType, got, want)
		}
	}
}

func TestParseOperationType(t *testing.T) {
	if _, ok := ParseOperationType("RENEW"); !ok {
		t.Fatalf("RENEW should parse")
	}
	if _, ok := ParseOperationType("renew"); ok {
		t.Fatalf("lowercase must not parse")
	}
	if _, ok := ParseOperationType("DELETE_EVERYTHING"); ok {
		t.Fatalf("unknown type must not parse")
	}
}
