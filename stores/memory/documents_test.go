package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"catalog-editor/core"
)

func addCategory(t *testing.T, store *documentStore, owner, name string, position int) string {
	t.Helper()
	id, err := store.Add(context.Background(), core.CategoriesCollection, core.Category{
		OwnerID:  owner,
		Name:     name,
		Position: position,
	}.Fields())
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	return id
}

func TestAdd_Get(t *testing.T) {
	store := NewDocumentStore()
	ctx := context.Background()

	id := addCategory(t, store, "u1", "Drinks", 0)
	if id == "" {
		t.Fatal("Add() returned empty ID")
	}

	doc, err := store.Get(ctx, core.CategoriesCollection, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	cat := core.CategoryFromDocument(*doc)
	if cat.Name != "Drinks" || cat.OwnerID != "u1" || cat.Position != 0 {
		t.Errorf("Get() = %+v", cat)
	}
}

func TestGet_NotFound(t *testing.T) {
	store := NewDocumentStore()

	_, err := store.Get(context.Background(), core.CategoriesCollection, "missing")
	if !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestFind_PartitionedAndOrdered(t *testing.T) {
	store := NewDocumentStore()
	addCategory(t, store, "u1", "C", 2)
	addCategory(t, store, "u1", "A", 0)
	addCategory(t, store, "u1", "B", 1)
	addCategory(t, store, "u2", "Other", 0)

	docs, err := store.Find(context.Background(), core.Query{
		Collection: core.CategoriesCollection,
		OwnerID:    "u1",
		OrderBy:    core.FieldPosition,
	})
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("Find() returned %d docs, want 3", len(docs))
	}
	for i, want := range []string{"A", "B", "C"} {
		if got := docs[i].Fields.String(core.FieldName); got != want {
			t.Errorf("docs[%d] = %q, want %q", i, got, want)
		}
	}
}

func TestUpdate_Missing(t *testing.T) {
	store := NewDocumentStore()

	err := store.Update(context.Background(), core.CategoriesCollection, "missing", core.Fields{core.FieldName: "x"})
	if !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Update() error = %v, want ErrNotFound", err)
	}
}

func TestDelete_MissingIsNoop(t *testing.T) {
	store := NewDocumentStore()

	if err := store.Delete(context.Background(), core.CategoriesCollection, "missing"); err != nil {
		t.Errorf("Delete() error = %v, want nil", err)
	}
}

func TestBatch_AllOrNothing(t *testing.T) {
	store := NewDocumentStore()
	ctx := context.Background()
	a := addCategory(t, store, "u1", "A", 0)
	b := addCategory(t, store, "u1", "B", 1)

	batch := store.Batch()
	batch.Delete(core.CategoriesCollection, a)
	batch.Update(core.CategoriesCollection, b, core.Fields{core.FieldPosition: 0})
	batch.Update(core.CategoriesCollection, "vanished", core.Fields{core.FieldPosition: 5})
	err := batch.Commit(ctx)
	if !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("Commit() error = %v, want ErrNotFound", err)
	}

	if _, err := store.Get(ctx, core.CategoriesCollection, a); err != nil {
		t.Errorf("deleted document visible after failed batch: %v", err)
	}
	doc, err := store.Get(ctx, core.CategoriesCollection, b)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if pos := doc.Fields.Int(core.FieldPosition); pos != 1 {
		t.Errorf("position = %d after failed batch, want 1", pos)
	}
}

func TestListen_SnapshotAfterCommit(t *testing.T) {
	store := NewDocumentStore()
	ctx := context.Background()

	var mu sync.Mutex
	var last []core.Document
	q := core.Query{Collection: core.CategoriesCollection, OwnerID: "u1", OrderBy: core.FieldPosition}
	unsubscribe, err := store.Listen(ctx, q, func(s core.Snapshot) {
		mu.Lock()
		last = s.Docs
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer unsubscribe()

	addCategory(t, store, "u1", "A", 0)
	addCategory(t, store, "u2", "Ignored", 0)

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(last)
		mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("listener saw %d docs, want 1", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	unsubscribe()
	unsubscribe()
	if store.Listeners() != 0 {
		t.Errorf("Listeners() = %d after unsubscribe, want 0", store.Listeners())
	}
}
