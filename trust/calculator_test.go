package trust

import (
	"errors"
	"math/rand"
	"testing"

	"safeswap/lifecycle"
)

func TestCalculateStaysInBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	kinds := []EventKind{
		EventKYCApproved,
		EventDealCompleted,
		EventMilestoneApproved,
		EventDisputeAtFault,
		EventLateDelivery,
		EventExcessiveDisputes,
	}

	score := InitialScore
	for i := 0; i < 5000; i++ {
		var (
			next int
			err  error
		)
		if rng.Intn(5) == 0 {
			delta := rng.Intn(2*MaxManualAdjustment) - MaxManualAdjustment
			if delta == 0 {
				delta = 1
			}
			next, err = Calculate(score, EventManualAdjustment, delta)
		} else {
			next, err = Calculate(score, kinds[rng.Intn(len(kinds))], rng.Intn(4))
		}
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if next < MinScore || next > MaxScore {
			t.Fatalf("step %d: score %d out of bounds", i, next)
		}
		score = next
	}
}

func TestDelta(t *testing.T) {
	cases := []struct {
		kind      EventKind
		magnitude int
		want      int
	}{
		{EventKYCApproved, 0, 10},
		{EventDealCompleted, 1, 2},
		{EventMilestoneApproved, 3, 3},
		{EventDisputeAtFault, 0, -5},
		{EventLateDelivery, 2, -2},
		{EventManualAdjustment, -20, -20},
	}
	for _, tc := range cases {
		got, err := Delta(tc.kind, tc.magnitude)
		if err != nil {
			t.Fatalf("%s x%d: %v", tc.kind, tc.magnitude, err)
		}
		if got != tc.want {
			t.Fatalf("%s x%d: expected %d, got %d", tc.kind, tc.magnitude, tc.want, got)
		}
	}
}

func TestDeltaRejectsBadInput(t *testing.T) {
	bad := []struct {
		kind      EventKind
		magnitude int
	}{
		{EventManualAdjustment, 0},
		{EventManualAdjustment, MaxManualAdjustment + 1},
		{EventManualAdjustment, -MaxManualAdjustment - 1},
		{EventDealCompleted, -1},
		{EventKind("bribe"), 1},
	}
	for _, tc := range bad {
		if _, err := Delta(tc.kind, tc.magnitude); !errors.Is(err, lifecycle.ErrValidation) {
			t.Fatalf("%s x%d: expected validation error, got %v", tc.kind, tc.magnitude, err)
		}
	}
}

func TestClamp(t *testing.T) {
	if Clamp(-3) != MinScore || Clamp(130) != MaxScore || Clamp(42) != 42 {
		t.Fatalf("clamp out of range")
	}
	if got, _ := Calculate(98, EventKYCApproved, 0); got != MaxScore {
		t.Fatalf("expected clamp at max, got %d", got)
	}
	if got, _ := Calculate(3, EventDisputeAtFault, 0); got != MinScore {
		t.Fatalf("expected clamp at min, got %d", got)
	}
}
