package ingestion

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNormalizeTicker(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		input string
		want  string
	}{
		{" aapl ", "AAPL"},
		{"AAPL", "AAPL"},
		{"AaPl", "AAPL"},
		{"\tbrk2\n", "BRK2"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := NormalizeTicker(tt.input); got != tt.want {
			t.Errorf("NormalizeTicker(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}

	// Normalization must be idempotent.
	if NormalizeTicker(NormalizeTicker(" aapl ")) != NormalizeTicker(" aapl ") {
		t.Error("normalization is not idempotent")
	}
}

func TestValidateTicker(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"lowercase normalizes", "aapl", "AAPL", false},
		{"padded normalizes", "  msft  ", "MSFT", false},
		{"digits allowed", "BRK2", "BRK2", false},
		{"single char", "F", "F", false},
		{"max length", strings.Repeat("A", 20), strings.Repeat("A", 20), false},
		{"empty", "", "", true},
		{"whitespace only", "   ", "", true},
		{"too long", strings.Repeat("A", 21), "", true},
		{"punctuation", "BRK.B", "", true},
		{"embedded space", "AA PL", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateTicker(tt.input)

			if tt.wantErr {
				if !errors.Is(err, ErrInvalidTicker) {
					t.Errorf("ValidateTicker(%q) expected ErrInvalidTicker, got %v", tt.input, err)
				}

				return
			}

			if err != nil {
				t.Errorf("ValidateTicker(%q) unexpected error: %v", tt.input, err)
			}

			if got != tt.want {
				t.Errorf("ValidateTicker(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestRunPredicates(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	run := &Run{State: StateFetching}

	if run.IsTerminal() || !run.IsInProgress() {
		t.Error("FETCHING run must be in progress")
	}

	run.State = StateDone
	if !run.IsTerminal() || run.IsInProgress() {
		t.Error("DONE run must be terminal")
	}
}

func TestBulkQueueRunCounters(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	bulkRun := &BulkQueueRun{
		TotalStocks:  10,
		QueuedCount:  4,
		SkippedCount: 3,
		ErrorCount:   1,
	}

	if got := bulkRun.PendingCount(); got != 2 {
		t.Errorf("PendingCount() = %d, want 2", got)
	}

	if bulkRun.IsComplete() {
		t.Error("bulk run without completed_at must not be complete")
	}

	now := time.Now()
	bulkRun.CompletedAt = &now
	bulkRun.QueuedCount = 6

	if got := bulkRun.PendingCount(); got != 0 {
		t.Errorf("PendingCount() = %d, want 0 at completion", got)
	}

	if !bulkRun.IsComplete() {
		t.Error("bulk run with completed_at must be complete")
	}
}
