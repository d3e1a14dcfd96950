package dispatch

import (
	"fmt"
	"testing"
)

func TestThreadOwners_SetAndGet(t *testing.T) {
	owners := NewThreadOwners(10)

	owners.Set("C1:100", "alpha")
	if got := owners.Get("C1:100"); got != "alpha" {
		t.Errorf("Expected alpha, got %q", got)
	}
	if got := owners.Get("C1:999"); got != "" {
		t.Errorf("Expected empty owner for unknown thread, got %q", got)
	}
}

func TestThreadOwners_UpdateKeepsOrder(t *testing.T) {
	owners := NewThreadOwners(2)

	owners.Set("C1:100", "alpha")
	owners.Set("C1:200", "beta")
	// Re-setting the oldest entry must not make it the newest: the next
	// insert should still evict it.
	owners.Set("C1:100", "beta")

	owners.Set("C1:300", "alpha")
	if got := owners.Get("C1:100"); got != "" {
		t.Errorf("Expected oldest entry evicted, still owned by %q", got)
	}
	if got := owners.Get("C1:200"); got != "beta" {
		t.Errorf("Expected C1:200 kept, got %q", got)
	}
	if got := owners.Get("C1:300"); got != "alpha" {
		t.Errorf("Expected C1:300 owned by alpha, got %q", got)
	}
}

func TestThreadOwners_EvictsOldestAtCapacity(t *testing.T) {
	owners := NewThreadOwners(3)

	for i := 0; i < 5; i++ {
		owners.Set(fmt.Sprintf("C1:%d", i), "alpha")
	}

	if owners.Len() != 3 {
		t.Fatalf("Expected 3 entries, got %d", owners.Len())
	}
	for i := 0; i < 2; i++ {
		if got := owners.Get(fmt.Sprintf("C1:%d", i)); got != "" {
			t.Errorf("Expected C1:%d evicted, got %q", i, got)
		}
	}
	for i := 2; i < 5; i++ {
		if got := owners.Get(fmt.Sprintf("C1:%d", i)); got != "alpha" {
			t.Errorf("Expected C1:%d retained, got %q", i, got)
		}
	}
}

func TestThreadOwners_ZeroCapacity(t *testing.T) {
	owners := NewThreadOwners(0)

	owners.Set("C1:100", "alpha")
	owners.Set("C1:200", "beta")

	if owners.Len() != 1 {
		t.Errorf("Expected capacity clamped to 1, got %d entries", owners.Len())
	}
	if got := owners.Get("C1:200"); got != "beta" {
		t.Errorf("Expected newest entry kept, got %q", got)
	}
}
