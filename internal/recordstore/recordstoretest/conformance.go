// Package recordstoretest holds behaviour checks shared by every
// recordstore.Store backend, including the container-backed ones.
package recordstoretest

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jkrumboe/wizard-tracker-sub006/internal/recordstore"
)

// Run exercises store against the Store contract. The store must start empty.
func Run(t *testing.T, store recordstore.Store) {
	t.Helper()

	t.Run("PutGet", func(t *testing.T) { putGet(t, store) })
	t.Run("Missing", func(t *testing.T) { missing(t, store) })
	t.Run("Overwrite", func(t *testing.T) { overwrite(t, store) })
	t.Run("LargeValue", func(t *testing.T) { largeValue(t, store) })
	t.Run("ListPrefix", func(t *testing.T) { listPrefix(t, store) })
	t.Run("DeletePrefix", func(t *testing.T) { deletePrefix(t, store) })
}

func putGet(t *testing.T, store recordstore.Store) {
	ctx := context.Background()
	at := time.UnixMilli(1767225600000).UTC()
	if err := store.Put(ctx, &recordstore.Record{Key: "pg/a", Value: []byte(`{"x":1}`), UpdatedAt: at}); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := store.Get(ctx, "pg/a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Value) != `{"x":1}` {
		t.Fatalf("value = %q, want %q", got.Value, `{"x":1}`)
	}
	if !got.UpdatedAt.Equal(at) {
		t.Fatalf("updated_at = %v, want %v", got.UpdatedAt, at)
	}

	if err := store.Delete(ctx, "pg/a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, "pg/a"); !errors.Is(err, recordstore.ErrNotFound) {
		t.Fatalf("get after delete err = %v, want ErrNotFound", err)
	}
	if err := store.Delete(ctx, "pg/a"); err != nil {
		t.Fatalf("delete missing: %v", err)
	}
}

func missing(t *testing.T, store recordstore.Store) {
	if _, err := store.Get(context.Background(), "missing/key"); !errors.Is(err, recordstore.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := store.Put(context.Background(), &recordstore.Record{Value: []byte("x")}); err == nil {
		t.Fatal("put without key succeeded")
	}
}

func overwrite(t *testing.T, store recordstore.Store) {
	ctx := context.Background()
	for _, v := range []string{"first", "second"} {
		if err := store.Put(ctx, &recordstore.Record{Key: "ow/k", Value: []byte(v)}); err != nil {
			t.Fatalf("put %s: %v", v, err)
		}
	}
	got, err := store.Get(ctx, "ow/k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Value) != "second" {
		t.Fatalf("value = %q, want second", got.Value)
	}
}

func largeValue(t *testing.T, store recordstore.Store) {
	ctx := context.Background()
	value := []byte(strings.Repeat(`{"round":1,"bids":{"ada":2,"bob":0}},`, 2000))
	if err := store.Put(ctx, &recordstore.Record{Key: "big/game", Value: value}); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := store.Get(ctx, "big/game")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got.Value, value) {
		t.Fatalf("large value corrupted: len %d, want %d", len(got.Value), len(value))
	}
}

func listPrefix(t *testing.T, store recordstore.Store) {
	ctx := context.Background()
	// '_' and '%' must match literally.
	keys := []string{"ls_b", "ls_a", "lsXa", "ls%c"}
	for _, k := range keys {
		if err := store.Put(ctx, &recordstore.Record{Key: k, Value: []byte(k)}); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}

	got, err := store.List(ctx, "ls_")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("list len = %d, want 2", len(got))
	}
	if got[0].Key != "ls_a" || got[1].Key != "ls_b" {
		t.Fatalf("list order = [%s %s], want [ls_a ls_b]", got[0].Key, got[1].Key)
	}
}

func deletePrefix(t *testing.T, store recordstore.Store) {
	ctx := context.Background()
	for _, k := range []string{"dp.1", "dp.2", "keep.1"} {
		if err := store.Put(ctx, &recordstore.Record{Key: k, Value: []byte("v")}); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}

	n, err := store.DeletePrefix(ctx, "dp.")
	if err != nil {
		t.Fatalf("delete prefix: %v", err)
	}
	if n != 2 {
		t.Fatalf("deleted = %d, want 2", n)
	}
	if _, err := store.Get(ctx, "keep.1"); err != nil {
		t.Fatalf("unrelated key removed: %v", err)
	}
}
