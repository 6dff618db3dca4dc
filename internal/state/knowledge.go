package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Document is one entry of the knowledge base.
type Document struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Source    string    `json:"source,omitempty"`
	Embedding []float32 `json:"embedding,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

const documentColumns = "k.id, k.title, k.content, k.source, k.embedding, k.created_at"

// AddDocument inserts doc, assigning an ID and timestamp when unset.
func (db *DB) AddDocument(ctx context.Context, doc *Document) error {
	if strings.TrimSpace(doc.Content) == "" {
		return fmt.Errorf("add document: content is required")
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now()
	}

	var embedding sql.NullString
	if len(doc.Embedding) > 0 {
		data, err := json.Marshal(doc.Embedding)
		if err != nil {
			return fmt.Errorf("marshal embedding: %w", err)
		}
		embedding = sql.NullString{String: string(data), Valid: true}
	}

	_, err := db.exec(ctx, `
		INSERT INTO knowledge (id, title, content, source, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, doc.ID, doc.Title, doc.Content, doc.Source, embedding, formatTime(doc.CreatedAt))
	if err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	return nil
}

// GetDocument returns the document with the given id.
func (db *DB) GetDocument(ctx context.Context, id string) (*Document, error) {
	row := db.queryRow(ctx, "SELECT "+documentColumns+" FROM knowledge k WHERE k.id = ?", id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return doc, err
}

// ListDocuments returns the newest documents up to limit.
func (db *DB) ListDocuments(ctx context.Context, limit int) ([]*Document, error) {
	rows, err := db.query(ctx, "SELECT "+documentColumns+" FROM knowledge k ORDER BY k.rowid DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()
	return scanDocuments(rows)
}

// SearchDocuments runs a full-text search over titles and contents. Any
// query word may match; results are ranked by relevance.
func (db *DB) SearchDocuments(ctx context.Context, query string, limit int) ([]*Document, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}

	rows, err := db.query(ctx, `
		SELECT `+documentColumns+`
		FROM knowledge k
		JOIN knowledge_fts fts ON k.rowid = fts.rowid
		WHERE knowledge_fts MATCH ?
		ORDER BY rank
		LIMIT ?
	`, match, limit)
	if err != nil {
		return nil, fmt.Errorf("search documents: %w", err)
	}
	defer rows.Close()
	return scanDocuments(rows)
}

// EmbeddedDocuments returns every document that carries an embedding.
func (db *DB) EmbeddedDocuments(ctx context.Context) ([]*Document, error) {
	rows, err := db.query(ctx, "SELECT "+documentColumns+" FROM knowledge k WHERE k.embedding IS NOT NULL")
	if err != nil {
		return nil, fmt.Errorf("list embedded documents: %w", err)
	}
	defer rows.Close()
	return scanDocuments(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var (
		doc       Document
		source    sql.NullString
		embedding sql.NullString
		createdAt string
	)
	if err := row.Scan(&doc.ID, &doc.Title, &doc.Content, &source, &embedding, &createdAt); err != nil {
		return nil, err
	}
	doc.Source = source.String
	if embedding.Valid && embedding.String != "" {
		if err := json.Unmarshal([]byte(embedding.String), &doc.Embedding); err != nil {
			return nil, fmt.Errorf("parse embedding for %s: %w", doc.ID, err)
		}
	}
	var err error
	if doc.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse document time: %w", err)
	}
	return &doc, nil
}

func scanDocuments(rows *sql.Rows) ([]*Document, error) {
	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// ftsQuery turns free text into an FTS5 expression that ORs quoted terms,
// so punctuation in the input can't be parsed as query syntax.
func ftsQuery(text string) string {
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	terms := make([]string, 0, len(words))
	for _, w := range words {
		terms = append(terms, `"`+strings.ToLower(w)+`"`)
	}
	return strings.Join(terms, " OR ")
}
