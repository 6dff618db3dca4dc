package state

import (
	"context"
	"io"

	"github.com/ShayCichocki/fleet/pkg/models"
)

// ConversationStore is the durable, append-only log of turns per agent.
type ConversationStore interface {
	// AppendTurns writes turns atomically, in order.
	AppendTurns(ctx context.Context, turns ...*models.ConversationTurn) error
	// RecentTurns returns up to limit of the agent's newest turns, oldest first.
	RecentTurns(ctx context.Context, agentID string, limit int) ([]*models.ConversationTurn, error)
	// PruneTurns deletes all but the agent's newest keep turns.
	PruneTurns(ctx context.Context, agentID string, keep int) (int64, error)
}

// KnowledgeStore holds documents searched for agent context.
type KnowledgeStore interface {
	AddDocument(ctx context.Context, doc *Document) error
	GetDocument(ctx context.Context, id string) (*Document, error)
	ListDocuments(ctx context.Context, limit int) ([]*Document, error)
	SearchDocuments(ctx context.Context, query string, limit int) ([]*Document, error)
	EmbeddedDocuments(ctx context.Context) ([]*Document, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// Store composes every persistence concern backed by one database.
type Store interface {
	io.Closer
	Migrator
	ConversationStore
	KnowledgeStore
}

var (
	_ Store             = (*DB)(nil)
	_ ConversationStore = (*DB)(nil)
	_ KnowledgeStore    = (*DB)(nil)
)
