package slotreg

import (
	"testing"

	"github.com/exotun/exotun/internal/wire"
)

func Test_allocate_slot_never_zero(t *testing.T) {
	r := New()
	for i := 0; i < 100; i++ {
		if slot := r.AllocateSlot(); slot == 0 {
			t.Fatal("allocated reserved slot 0")
		}
	}
}

func Test_allocate_slot_avoids_collisions(t *testing.T) {
	r := New()
	seen := make(map[wire.Slot]bool)
	for i := 0; i < 50; i++ {
		slot := r.AllocateSlot()
		if seen[slot] {
			t.Fatalf("slot %d allocated twice while still live", slot)
		}
		seen[slot] = true
		if err := r.InsertInitiating(slot, i); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}
}

func Test_promote_to_established(t *testing.T) {
	r := New()
	slot := r.AllocateSlot()
	if err := r.InsertInitiating(slot, "initiating-value"); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	old, ok, err := r.PromoteToEstablished(slot, "established-value")
	if err != nil {
		t.Fatalf("promote failed: %v", err)
	}
	if !ok {
		t.Fatal("expected slot to exist")
	}
	if old != "initiating-value" {
		t.Errorf("expected old value, got %v", old)
	}

	value, found := r.LookupEstablished(slot)
	if !found {
		t.Fatal("expected established entry")
	}
	if value != "established-value" {
		t.Errorf("got %v, want established-value", value)
	}
}

func Test_promote_already_established_fails(t *testing.T) {
	r := New()
	slot := r.AllocateSlot()
	_ = r.InsertEstablished(slot, "x")

	_, ok, err := r.PromoteToEstablished(slot, "y")
	if !ok {
		t.Fatal("expected slot to exist")
	}
	if err != wire.ErrHandshakeOnEstablished {
		t.Errorf("expected ErrHandshakeOnEstablished, got %v", err)
	}
}

func Test_remove_is_idempotent(t *testing.T) {
	r := New()
	slot := r.AllocateSlot()
	_ = r.InsertEstablished(slot, "x")

	_, existed := r.Remove(slot)
	if !existed {
		t.Fatal("expected first remove to find the entry")
	}

	_, existed = r.Remove(slot)
	if existed {
		t.Fatal("expected second remove to be a no-op")
	}
}

func Test_just_closed_cache(t *testing.T) {
	r := New()
	slot := wire.Slot(77)

	if r.IsJustClosed(slot) {
		t.Fatal("slot should not be just-closed before being marked")
	}
	r.MarkJustClosed(slot)
	if !r.IsJustClosed(slot) {
		t.Fatal("slot should be just-closed after being marked")
	}
}

func Test_insert_initiating_rejects_duplicate(t *testing.T) {
	r := New()
	slot := r.AllocateSlot()
	if err := r.InsertInitiating(slot, 1); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	if err := r.InsertInitiating(slot, 2); err == nil {
		t.Fatal("expected error inserting over an existing entry")
	}
}
