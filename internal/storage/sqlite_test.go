package storage

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestSQLiteAdapter(t *testing.T) *SQLiteAdapter {
	t.Helper()
	a, err := NewSQLiteAdapter(filepath.Join(t.TempDir(), "kvbridge.db"))
	if err != nil {
		t.Fatalf("NewSQLiteAdapter: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestSQLiteAdapterSetThenGetRoundtrips(t *testing.T) {
	a := newTestSQLiteAdapter(t)
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

func TestSQLiteAdapterSetOverwritesExisting(t *testing.T) {
	a := newTestSQLiteAdapter(t)
	ctx := context.Background()

	a.Set(ctx, "widgets", "a", String("first"), nil)
	a.Set(ctx, "widgets", "a", String("second"), nil)

	got, err := a.Get(ctx, "widgets", "a", nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.AsString() != "second" {
		t.Fatalf("expected overwritten value, got %v", got)
	}
}

func TestSQLiteAdapterGetMissingReturnsNull(t *testing.T) {
	a := newTestSQLiteAdapter(t)
	v, err := a.Get(context.Background(), "widgets", "absent", nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !v.IsNull() {
		t.Fatalf("expected null, got %v", v)
	}
}

func TestSQLiteAdapterQueryFiltersByPredicate(t *testing.T) {
	a := newTestSQLiteAdapter(t)
	ctx := context.Background()

	a.Set(ctx, "widgets", "a", Object(map[string]Value{"color": String("red")}), nil)
	a.Set(ctx, "widgets", "b", Object(map[string]Value{"color": String("blue")}), nil)

	rows, err := a.Query(ctx, "widgets", map[string]Value{"color": String("blue")}, nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(rows) != 1 || rows[0].Key != "b" {
		t.Fatalf("expected only widgets/b, got %+v", rows)
	}
}

func TestSQLiteAdapterDeleteRemovesRow(t *testing.T) {
	a := newTestSQLiteAdapter(t)
	ctx := context.Background()

	a.Set(ctx, "widgets", "a", String("x"), nil)
	if _, err := a.Delete(ctx, "widgets", "a", nil); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	v, err := a.Get(ctx, "widgets", "a", nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !v.IsNull() {
		t.Fatalf("expected deleted key to read null, got %v", v)
	}
}
