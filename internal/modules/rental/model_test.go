package rental

import (
	"testing"
	"time"

	"mobility/internal/types"
)

func TestBillableDurationExcludesPauses(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	resumed := start.Add(15 * time.Minute)
	r := &Rental{
		StartedAt: start,
		Pauses: []PauseInterval{
			{PausedAt: start.Add(10 * time.Minute), ResumedAt: &resumed},
			{PausedAt: start.Add(25 * time.Minute)},
		},
	}

	tests := []struct {
		name string
		at   time.Time
		want time.Duration
	}{
		{"before first pause", start.Add(5 * time.Minute), 5 * time.Minute},
		{"inside closed pause", start.Add(12 * time.Minute), 10 * time.Minute},
		{"between pauses", start.Add(20 * time.Minute), 15 * time.Minute},
		{"inside open pause", start.Add(40 * time.Minute), 20 * time.Minute},
		{"before start", start.Add(-time.Minute), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.BillableDuration(tt.at); got != tt.want {
				t.Fatalf("BillableDuration() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestBillableDurationStopsAtEnd(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	end := start.Add(20 * time.Minute)
	r := &Rental{StartedAt: start, EndedAt: &end}
	if got := r.BillableDuration(start.Add(time.Hour)); got != 20*time.Minute {
		t.Fatalf("expected 20m, got %s", got)
	}
}

func TestCostForTruncates(t *testing.T) {
	rate := types.Money{Amount: 25, Currency: "EUR"}
	tests := []struct {
		d    time.Duration
		want int64
	}{
		{20 * time.Minute, 500},
		{90 * time.Second, 37},
		{time.Second, 0},
	}
	for _, tt := range tests {
		if got := CostFor(rate, tt.d); got.Amount != tt.want || got.Currency != "EUR" {
			t.Fatalf("CostFor(%s) = %+v, want %d", tt.d, got, tt.want)
		}
	}
}

func TestRentalTransitions(t *testing.T) {
	if !CanTransition(StatusActive, StatusPaused) || !CanTransition(StatusPaused, StatusActive) {
		t.Fatalf("pause/resume must be allowed")
	}
	if CanTransition(StatusCompleted, StatusActive) || CanTransition(StatusPaused, StatusPaused) {
		t.Fatalf("unexpected transition allowed")
	}
}

func TestCloneIsDeep(t *testing.T) {
	resumed := time.Now()
	r := &Rental{Pauses: []PauseInterval{{PausedAt: resumed, ResumedAt: &resumed}}}
	c := r.Clone()
	later := resumed.Add(time.Minute)
	*c.Pauses[0].ResumedAt = later
	if !r.Pauses[0].ResumedAt.Equal(resumed) {
		t.Fatalf("clone shares pause memory")
	}
}

func TestClampDiscount(t *testing.T) {
	total := types.Money{Amount: 500, Currency: "EUR"}
	for _, tc := range []struct{ in, want int64 }{{-10, 0}, {100, 100}, {900, 500}} {
		if got := clampDiscount(types.Money{Amount: tc.in}, total); got.Amount != tc.want || got.Currency != "EUR" {
			t.Fatalf("clampDiscount(%d) = %+v", tc.in, got)
		}
	}
}
