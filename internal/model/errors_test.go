package model_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/evident-proof/evident/internal/model"
)

func TestKindOf_wrapped(t *testing.T) {
	err := fmt.Errorf("seal: %w", &model.DuplicateEvidenceKeyError{Key: "Email"})
	if model.KindOf(err) != model.KindTerminal {
		t.Errorf("duplicate key should be terminal")
	}
	if model.CodeOf(err) != "duplicate_evidence_key" {
		t.Errorf("unexpected code %q", model.CodeOf(err))
	}
}

func TestKindOf_unknownIsRetryable(t *testing.T) {
	if model.KindOf(errors.New("connection reset")) != model.KindRetryable {
		t.Error("unknown errors should be retryable")
	}
	if model.CodeOf(errors.New("x")) != "internal" {
		t.Error("unknown errors should have code internal")
	}
}

func TestAnchoringPending_retryable(t *testing.T) {
	if model.KindOf(&model.AnchoringPendingError{Pending: 2}) != model.KindRetryable {
		t.Error("pending anchoring should be retryable")
	}
}

func TestWindowCounts_noDoubleCountingAcrossWindows(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	win := model.WindowsAt(now)

	var w model.WindowCounts
	w.Add(now.Add(-time.Hour), win)        // today
	w.Add(now.Add(-3*24*time.Hour), win)   // week
	w.Add(now.Add(-20*24*time.Hour), win)  // month
	w.Add(now.Add(-100*24*time.Hour), win) // all time only

	want := model.WindowCounts{Today: 1, Last7Days: 2, Last30Days: 3, AllTime: 4}
	if w != want {
		t.Errorf("got %+v, want %+v", w, want)
	}
}
