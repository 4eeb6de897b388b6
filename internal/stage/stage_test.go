package stage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	key := BlockKey("sess-1", 0)
	payload := []byte{0x01, 0x02, 0x03}
	if err := store.Put(ctx, key, payload); err != nil {
		t.Fatal(err)
	}
	got, err := store.Get(ctx, key)
	if err != nil || !bytes.Equal(got, payload) {
		t.Fatalf("got (%v, %v), want payload back", got, err)
	}

	ok, err := store.Exists(ctx, key)
	if err != nil || !ok {
		t.Fatalf("exists = (%v, %v), want true", ok, err)
	}
	if err := store.Delete(ctx, key); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(ctx, key); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("got %v, want ErrObjectNotFound", err)
	}
	// Deleting again is not an error.
	if err := store.Delete(ctx, key); err != nil {
		t.Fatal(err)
	}
}

func TestLocalStoreRejectsEscapingKeys(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Put(context.Background(), "../outside", []byte("x")); err == nil {
		t.Fatal("key escaping the root accepted")
	}
}

func TestLocalStoreList(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for i := int64(0); i < 3; i++ {
		if err := store.Put(ctx, BlockKey("a", i), []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.Put(ctx, BlockKey("b", 0), []byte{9}); err != nil {
		t.Fatal(err)
	}

	keys, err := store.List(ctx, SessionPrefix("a"))
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 3 {
		t.Fatalf("got %v, want 3 keys under session a", keys)
	}
}

func TestStagerStagesAllBlocks(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	stager := NewStager(store, 4)
	ctx := context.Background()

	var blocks []Block
	for i := int64(0); i < 20; i++ {
		blocks = append(blocks, Block{ID: i, Payload: []byte(fmt.Sprintf("block-%d", i))})
	}
	result, err := stager.Stage(ctx, "sess-1", blocks)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", result.Errors)
	}
	if len(result.Keys) != 20 {
		t.Fatalf("staged %d blocks, want 20", len(result.Keys))
	}
	for id, key := range result.Keys {
		got, err := store.Get(ctx, key)
		if err != nil || !bytes.Equal(got, []byte(fmt.Sprintf("block-%d", id))) {
			t.Fatalf("block %d: got (%q, %v)", id, got, err)
		}
	}

	if err := stager.Cleanup(ctx, "sess-1"); err != nil {
		t.Fatal(err)
	}
	keys, err := store.List(ctx, SessionPrefix("sess-1"))
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 0 {
		t.Fatalf("cleanup left %v", keys)
	}
}

// failingStore fails every Nth Put to exercise per-block error reporting.
type failingStore struct {
	*LocalStore
	calls atomic.Int64
}

func (f *failingStore) Put(ctx context.Context, key string, payload []byte) error {
	if f.calls.Add(1)%3 == 0 {
		return fmt.Errorf("%w: injected", ErrUploadFailed)
	}
	return f.LocalStore.Put(ctx, key, payload)
}

func TestStagerReportsPartialFailures(t *testing.T) {
	local, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	store := &failingStore{LocalStore: local}
	stager := NewStager(store, 2)

	var blocks []Block
	for i := int64(0); i < 9; i++ {
		blocks = append(blocks, Block{ID: i, Payload: []byte{byte(i)}})
	}
	result, err := stager.Stage(context.Background(), "sess-1", blocks)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Keys)+len(result.Errors) != 9 {
		t.Fatalf("keys=%d errors=%d, want 9 total", len(result.Keys), len(result.Errors))
	}
	if len(result.Errors) == 0 {
		t.Fatal("injected failures not reported")
	}
	for id := range result.Errors {
		if !errors.Is(result.Errors[id], ErrUploadFailed) {
			t.Fatalf("block %d: %v", id, result.Errors[id])
		}
	}
}
