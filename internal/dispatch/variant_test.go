package dispatch

import (
	"fmt"
	"testing"
)

func TestAssignVariantDeterministic(t *testing.T) {
	// Same contact, same split: always the same variant
	for i := 0; i < 100; i++ {
		a := AssignVariant("contact-42", 50)
		b := AssignVariant("contact-42", 50)
		if a != b {
			t.Fatalf("AssignVariant not deterministic: %s vs %s", a, b)
		}
	}
}

func TestAssignVariantBoundaries(t *testing.T) {
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("contact-%d", i)
		if got := AssignVariant(id, 100); got != "A" {
			t.Fatalf("AssignVariant(%s, 100) = %s, expected A", id, got)
		}
		if got := AssignVariant(id, 0); got != "B" {
			t.Fatalf("AssignVariant(%s, 0) = %s, expected B", id, got)
		}
	}
}

func TestAssignVariantDistribution(t *testing.T) {
	const n = 10000
	countA := 0
	for i := 0; i < n; i++ {
		if AssignVariant(fmt.Sprintf("contact-%d", i), 50) == "A" {
			countA++
		}
	}

	// A 50/50 split over 10k hashed ids should land near the middle
	if countA < 4500 || countA > 5500 {
		t.Errorf("variant A share = %d/%d, expected roughly half", countA, n)
	}
}
