package state

import (
	"context"
	"errors"
	"testing"
)

func TestAddAndGetDocument(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	doc := &Document{Title: "Refunds", Content: "Refunds are processed within five days.", Embedding: []float32{0.1, 0.2}}
	if err := db.AddDocument(ctx, doc); err != nil {
		t.Fatalf("AddDocument failed: %v", err)
	}
	if doc.ID == "" {
		t.Fatal("document ID not assigned")
	}

	got, err := db.GetDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	if got.Title != "Refunds" || len(got.Embedding) != 2 || got.Embedding[1] != 0.2 {
		t.Errorf("unexpected document: %+v", got)
	}
}

func TestGetDocument_NotFound(t *testing.T) {
	db := setupTestDB(t)
	_, err := db.GetDocument(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestAddDocument_RequiresContent(t *testing.T) {
	db := setupTestDB(t)
	if err := db.AddDocument(context.Background(), &Document{Title: "empty"}); err == nil {
		t.Error("expected error for empty content")
	}
}

func TestSearchDocuments(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	for _, d := range []*Document{
		{Title: "Shipping", Content: "Orders ship from the Berlin warehouse."},
		{Title: "Refunds", Content: "Refunds are processed within five days."},
		{Title: "Hours", Content: "Support is open on weekdays."},
	} {
		if err := db.AddDocument(ctx, d); err != nil {
			t.Fatalf("AddDocument failed: %v", err)
		}
	}

	docs, err := db.SearchDocuments(ctx, "how long do refunds take?", 5)
	if err != nil {
		t.Fatalf("SearchDocuments failed: %v", err)
	}
	if len(docs) == 0 || docs[0].Title != "Refunds" {
		t.Fatalf("unexpected search results: %+v", docs)
	}

	empty, err := db.SearchDocuments(ctx, "?!", 5)
	if err != nil {
		t.Fatalf("SearchDocuments failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("punctuation-only query returned %d results", len(empty))
	}
}

func TestEmbeddedDocuments(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	if err := db.AddDocument(ctx, &Document{Title: "a", Content: "plain"}); err != nil {
		t.Fatal(err)
	}
	if err := db.AddDocument(ctx, &Document{Title: "b", Content: "vector", Embedding: []float32{1}}); err != nil {
		t.Fatal(err)
	}

	docs, err := db.EmbeddedDocuments(ctx)
	if err != nil {
		t.Fatalf("EmbeddedDocuments failed: %v", err)
	}
	if len(docs) != 1 || docs[0].Title != "b" {
		t.Errorf("unexpected embedded documents: %+v", docs)
	}

	all, err := db.ListDocuments(ctx, 10)
	if err != nil {
		t.Fatalf("ListDocuments failed: %v", err)
	}
	if len(all) != 2 || all[0].Title != "b" {
		t.Errorf("ListDocuments should return newest first: %+v", all)
	}
}

func TestFTSQuery(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Refunds?", `"refunds"`},
		{"a-b c", `"a" OR "b" OR "c"`},
		{"  ", ""},
	}
	for _, tt := range tests {
		if got := ftsQuery(tt.in); got != tt.want {
			t.Errorf("ftsQuery(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
