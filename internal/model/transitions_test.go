package model

import "testing"

func TestCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusReceived, StatusHandled, true},
		{StatusQueued, StatusLocked, true},
		{StatusLocked, StatusSent, true},
		{StatusLocked, StatusErrored, true},
		{StatusLocked, StatusFailed, true},
		{StatusLocked, StatusQueued, true},
		{StatusErrored, StatusQueued, true},
		{StatusProcessing, StatusCancelled, true},
		{StatusQueued, StatusCancelled, true},
		{StatusSent, StatusDelivered, true},
		{StatusSent, StatusFailed, true},
		{StatusQueued, StatusDelivered, false},
		{StatusQueued, StatusSent, false},
		{StatusErrored, StatusLocked, false},
		{StatusDelivered, StatusSent, false},
		{StatusCancelled, StatusQueued, false},
		{StatusHandled, StatusReceived, false},
		{StatusFailed, StatusQueued, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTerminalStatusesHaveNoExit(t *testing.T) {
	t.Parallel()

	all := []Status{
		StatusReceived, StatusHandled, StatusProcessing, StatusQueued, StatusLocked,
		StatusSent, StatusDelivered, StatusCancelled, StatusErrored, StatusFailed,
	}
	for _, from := range all {
		if !from.Terminal() {
			continue
		}
		for _, to := range all {
			if CanTransition(from, to) {
				t.Fatalf("expected terminal status %s to have no exit, found %s", from, to)
			}
		}
	}
}

func TestStatusValid(t *testing.T) {
	t.Parallel()

	if !StatusQueued.Valid() {
		t.Fatalf("expected Q to be valid")
	}
	if Status("X").Valid() {
		t.Fatalf("expected X to be invalid")
	}
	if got := StatusErrored.String(); got != "errored" {
		t.Fatalf("expected errored, got %s", got)
	}
}
