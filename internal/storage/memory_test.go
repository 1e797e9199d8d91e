package storage

import (
	"context"
	"testing"
)

func TestMemoryAdapterGetMissingReturnsNull(t *testing.T) {
	a := NewMemoryAdapter()
	v, err := a.Get(context.Background(), "widgets", "absent", nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !v.IsNull() {
		t.Fatalf("expected null, got %v", v)
	}
}

func TestMemoryAdapterSetThenGetRoundtrips(t *testing.T) {
	a := NewMemoryAdapter()
	ctx := context.Background()
	want := Object(map[string]Value{"name": String("widget")})

	if _, err := a.Set(ctx, "widgets", "a", want, nil); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := a.Get(ctx, "widgets", "a", nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestMemoryAdapterDeleteIsIdempotent(t *testing.T) {
	a := NewMemoryAdapter()
	ctx := context.Background()

	if _, err := a.Delete(ctx, "widgets", "missing", nil); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
	if _, err := a.Set(ctx, "widgets", "a", String("x"), nil); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := a.Delete(ctx, "widgets", "a", nil); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := a.Delete(ctx, "widgets", "a", nil); err != nil {
		t.Fatalf("Delete again: %v", err)
	}
	v, _ := a.Get(ctx, "widgets", "a", nil)
	if !v.IsNull() {
		t.Fatalf("expected deleted key to read null, got %v", v)
	}
}

func TestMemoryAdapterQueryFiltersAndPreservesInsertionOrder(t *testing.T) {
	a := NewMemoryAdapter()
	ctx := context.Background()

	a.Set(ctx, "widgets", "a", Object(map[string]Value{"color": String("red")}), nil)
	a.Set(ctx, "widgets", "b", Object(map[string]Value{"color": String("blue")}), nil)
	a.Set(ctx, "widgets", "c", Object(map[string]Value{"color": String("red")}), nil)

	rows, err := a.Query(ctx, "widgets", map[string]Value{"color": String("red")}, nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].Key != "a" || rows[1].Key != "c" {
		t.Fatalf("expected insertion order [a c], got [%s %s]", rows[0].Key, rows[1].Key)
	}
}

func TestMemoryAdapterClosedRejectsOperations(t *testing.T) {
	a := NewMemoryAdapter()
	ctx := context.Background()
	a.Close()

	if _, err := a.Get(ctx, "widgets", "a", nil); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := a.Set(ctx, "widgets", "a", Null, nil); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
