package workflow

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"
)

func TestMemoryStore_MissingSessionIsNil(t *testing.T) {
	store := NewMemoryStore()
	st, err := store.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if st != nil {
		t.Errorf("Get() = %+v, want nil for missing session", st)
	}
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	st := NewState("s1", "sales", "top products")
	st.AddAmbiguity("metric")
	st.SQL = "SELECT 1"
	st.SuspendedAt = StageAnalyzeQuery

	if err := store.Put(ctx, st); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	got, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !reflect.DeepEqual(got, st) {
		t.Errorf("round-trip mismatch:\n got %+v\nwant %+v", got, st)
	}
}

func TestMemoryStore_SnapshotIsolation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	st := NewState("s1", "sales", "top products")
	if err := store.Put(ctx, st); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	// Mutating the live state after Put must not bleed into the snapshot.
	st.Answer = "mutated"
	got, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Answer != "" {
		t.Errorf("snapshot saw later mutation: answer = %q", got.Answer)
	}

	// Two Gets return independent copies, not aliases.
	other, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == other {
		t.Error("Get() returned the same pointer twice")
	}
	got.Answer = "first copy"
	if other.Answer != "" {
		t.Errorf("copies are aliased: answer = %q", other.Answer)
	}
}

func TestMemoryStore_Clear(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Clear(ctx, "absent"); err != nil {
		t.Fatalf("Clear() of absent session error = %v", err)
	}
	if err := store.Put(ctx, NewState("s1", "sales", "q")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := store.Clear(ctx, "s1"); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	got, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != nil {
		t.Errorf("Get() after Clear() = %+v, want nil", got)
	}
}

func TestMemoryStore_ConcurrentSessions(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s-%d", i)
			st := NewState(id, "sales", fmt.Sprintf("question %d", i))
			for j := 0; j < 10; j++ {
				st.AttemptCount = j
				if err := store.Put(ctx, st); err != nil {
					t.Errorf("Put(%s) error = %v", id, err)
					return
				}
				got, err := store.Get(ctx, id)
				if err != nil || got == nil {
					t.Errorf("Get(%s) = %v, %v", id, got, err)
					return
				}
				if got.SessionID != id {
					t.Errorf("Get(%s) returned session %q", id, got.SessionID)
					return
				}
			}
		}(i)
	}
	wg.Wait()
}
