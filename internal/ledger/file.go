package ledger

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/ShayCichocki/fleet/internal/statefile"
)

// FileLedger stores one JSON document per calendar month in a directory
// shared by all agent processes.
//
// ApplyDelta is a read-modify-write followed by an atomic rename. The
// in-process mutex serialises goroutines of one process only; across
// processes there is no lock, and two agents completing calls within the
// same short window can both read the same prior document. The later
// rename wins and the earlier delta is lost, under-counting usage. This is
// an accepted trade-off of the file backend; use the postgres backend when
// exact accounting matters.
type FileLedger struct {
	dir    string
	mu     sync.Mutex
	logger *zap.Logger
}

var _ Ledger = (*FileLedger)(nil)

// NewFileLedger creates a ledger rooted at dir.
func NewFileLedger(dir string, logger *zap.Logger) *FileLedger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileLedger{dir: dir, logger: logger.Named("ledger")}
}

// Path returns the document path for a month key.
func (l *FileLedger) Path(month string) string {
	return filepath.Join(l.dir, fmt.Sprintf("usage-%s.json", month))
}

// Read loads the month document from disk.
func (l *FileLedger) Read(ctx context.Context, month string) (*Month, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.read(month)
}

func (l *FileLedger) read(month string) (*Month, error) {
	m := NewMonth(month)
	if _, err := statefile.Read(l.Path(month), m); err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	if m.Agents == nil {
		m.Agents = make(map[string]*AgentUsage)
	}
	m.Month = month
	return m, nil
}

// ApplyDelta adds d to the month document and atomically replaces it.
func (l *FileLedger) ApplyDelta(ctx context.Context, d Delta) (*Month, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	month := MonthKey(d.At)
	m, err := l.read(month)
	if err != nil {
		return nil, err
	}

	m.apply(d)

	if err := statefile.Write(l.Path(month), m); err != nil {
		return nil, fmt.Errorf("write ledger: %w", err)
	}

	l.logger.Debug("usage recorded",
		zap.String("agent", d.AgentID),
		zap.String("month", month),
		zap.Int64("tokens", d.Tokens()),
		zap.Float64("cost", d.Cost),
		zap.Float64("global_spend", m.TotalCost))

	return m, nil
}
