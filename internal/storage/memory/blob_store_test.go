package memory

import (
	"bytes"
	"context"
	"testing"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "path/record.json", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://path/record.json" {
		t.Fatalf("unexpected uri %s", uri)
	}
	stored, ok := store.Get("path/record.json")
	if !ok || string(stored) != "content" {
		t.Fatalf("expected stored copy, got %q ok=%v", stored, ok)
	}
}

func TestBlobStoreDeletePrefix(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	ctx := context.Background()
	for _, path := range []string{"records/a.com/1.json", "records/a.com/2.json", "records/b.com/1.json"} {
		if _, err := store.PutObject(ctx, path, "application/json", bytes.NewReader([]byte("{}"))); err != nil {
			t.Fatalf("PutObject() error = %v", err)
		}
	}

	if err := store.DeletePrefix(ctx, "records/a.com/"); err != nil {
		t.Fatalf("DeletePrefix() error = %v", err)
	}

	paths := store.Paths()
	if len(paths) != 1 || paths[0] != "records/b.com/1.json" {
		t.Fatalf("expected only b.com record to remain, got %v", paths)
	}
}
