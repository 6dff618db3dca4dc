package heartbeat

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

func TestWriteRead(t *testing.T) {
	s := NewStore(t.TempDir())

	_, found, err := s.Read("a")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Write(Record{Agent: "a", TS: epoch, TokensUsed: 10, TokensBudget: 100}))

	rec, found, err := s.Read("a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(10), rec.TokensUsed)
	assert.True(t, rec.TS.Equal(epoch))
}

func TestWriteRequiresAgent(t *testing.T) {
	s := NewStore(t.TempDir())
	assert.Error(t, s.Write(Record{}))
}

func TestRejectsPathLikeAgentIDs(t *testing.T) {
	root := t.TempDir()
	s := NewStore(filepath.Join(root, "heartbeats"))

	for _, id := range []string{"../escape", "a/b", "Upper", ".hidden"} {
		assert.Error(t, s.Write(Record{Agent: id, TS: epoch}), id)
		_, _, err := s.Read(id)
		assert.Error(t, err, id)
	}
	_, err := os.Stat(filepath.Join(root, "escape.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestClassify(t *testing.T) {
	stale := 10 * time.Minute
	rec := &Record{Agent: "a", TS: epoch}

	state, _ := Classify(nil, epoch, stale)
	assert.Equal(t, StateMissing, state)

	state, age := Classify(rec, epoch.Add(5*time.Minute), stale)
	assert.Equal(t, StateHealthy, state)
	assert.Equal(t, 5*time.Minute, age)

	state, _ = Classify(rec, epoch.Add(10*time.Minute), stale)
	assert.Equal(t, StateHealthy, state, "exactly at the window is still fresh")

	state, _ = Classify(rec, epoch.Add(11*time.Minute), stale)
	assert.Equal(t, StateStuck, state)

	state, _ = Classify(rec, epoch.Add(24*time.Hour), 0)
	assert.Equal(t, StateHealthy, state, "zero window disables staleness")
}

func TestCheckMergesRosterAndDisk(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	require.NoError(t, s.Write(Record{Agent: "fresh", TS: epoch}))
	require.NoError(t, s.Write(Record{Agent: "old", TS: epoch.Add(-time.Hour)}))
	// Leftover temporary files are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".fresh.json.123.tmp"), []byte("{}"), 0644))

	statuses, err := s.Check([]string{"fresh", "never"}, epoch, 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, statuses, 3)

	byAgent := make(map[string]Status)
	for _, st := range statuses {
		byAgent[st.Agent] = st
	}
	assert.Equal(t, StateHealthy, byAgent["fresh"].State)
	assert.Equal(t, StateStuck, byAgent["old"].State)
	assert.Equal(t, StateMissing, byAgent["never"].State)
	assert.Nil(t, byAgent["never"].Record)
}

func TestAgentsMissingDir(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "nope"))
	ids, err := s.Agents()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestWatcherReportsChanges(t *testing.T) {
	s := NewStore(t.TempDir())

	var mu sync.Mutex
	seen := make(map[string]int)
	changed := make(chan string, 16)
	w := NewWatcher(s, 20*time.Millisecond, func(id string) {
		mu.Lock()
		seen[id]++
		mu.Unlock()
		select {
		case changed <- id:
		default:
		}
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.NoError(t, s.Write(Record{Agent: "a", TS: time.Now()}))

	select {
	case id := <-changed:
		assert.Equal(t, "a", id)
	case <-time.After(5 * time.Second):
		t.Fatal("no change reported")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
