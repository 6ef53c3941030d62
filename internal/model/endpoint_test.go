package model

import "testing"

func TestDeriveMaxInProgress(t *testing.T) {
	if got := DeriveMaxInProgress(2, 3, 1.0); got != 6 {
		t.Fatalf("got %d, want 6", got)
	}
}

func TestDeriveMaxInProgressDefaultsPercentage(t *testing.T) {
	if got := DeriveMaxInProgress(2, 3, 0); got != 6 {
		t.Fatalf("got %d, want 6 (percentage <= 0 should default to 1.0)", got)
	}
}

func TestDeriveMaxInProgressNeverZero(t *testing.T) {
	if got := DeriveMaxInProgress(0, 0, 1.0); got != 1 {
		t.Fatalf("got %d, want floor of 1", got)
	}
}
