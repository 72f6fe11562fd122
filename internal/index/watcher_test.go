package index

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/starford/marginalia/internal/storage"
)

// watcherTestEnv sets up a vault dir, storage, and DB for watcher tests.
func watcherTestEnv(t *testing.T) (string, *storage.FS, *DB) {
	t.Helper()
	vaultDir := t.TempDir()
	store, err := storage.NewFS(vaultDir)
	if err != nil {
		t.Fatal(err)
	}
	return vaultDir, store, testDB(t)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// eventually polls fn every tick until it returns true or timeout elapses.
func eventually(t *testing.T, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Error(msg)
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) cb(kind, path string) {
	r.mu.Lock()
	r.events = append(r.events, kind+":"+path)
	r.mu.Unlock()
}

func (r *recorder) has(e string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, got := range r.events {
		if got == e {
			return true
		}
	}
	return false
}

func version(db *DB, path string) int64 {
	row, err := db.GetDocument(context.Background(), path)
	if err != nil {
		return 0
	}
	return row.Version
}

func TestSync_IndexesAndRemoves(t *testing.T) {
	vaultDir, store, db := watcherTestEnv(t)
	ctx := context.Background()
	_ = os.WriteFile(filepath.Join(vaultDir, "a.md"), []byte("# A"), 0o644)
	_ = os.WriteFile(filepath.Join(vaultDir, "b.html"), []byte("<h1>B</h1>"), 0o644)

	rec := &recorder{}
	if err := Sync(ctx, db, store, quietLogger(), rec.cb); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if version(db, "a.md") != 1 || version(db, "b.html") != 1 {
		t.Fatal("documents not indexed")
	}
	row, _ := db.GetDocument(ctx, "b.html")
	if row.Title != "B" {
		t.Errorf("title = %q", row.Title)
	}

	_ = os.WriteFile(filepath.Join(vaultDir, "a.md"), []byte("# A changed"), 0o644)
	_ = os.Remove(filepath.Join(vaultDir, "b.html"))
	if err := Sync(ctx, db, store, quietLogger(), rec.cb); err != nil {
		t.Fatal(err)
	}
	if version(db, "a.md") != 2 {
		t.Errorf("a.md version = %d, want 2", version(db, "a.md"))
	}
	if version(db, "b.html") != 0 {
		t.Error("removed file still indexed")
	}
	for _, e := range []string{"created:a.md", "updated:a.md", "deleted:b.html"} {
		if !rec.has(e) {
			t.Errorf("missing callback %s in %v", e, rec.events)
		}
	}
}

func TestWatcher_ExternalEditBumpsVersion(t *testing.T) {
	vaultDir, store, db := watcherTestEnv(t)
	_ = os.WriteFile(filepath.Join(vaultDir, "gc.md"), []byte("one"), 0o644)
	_ = Sync(context.Background(), db, store, quietLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &recorder{}
	go Watch(ctx, db, store, vaultDir, quietLogger(), rec.cb)
	time.Sleep(100 * time.Millisecond)

	_ = os.WriteFile(filepath.Join(vaultDir, "gc.md"), []byte("two"), 0o644)

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		return version(db, "gc.md") == 2
	}, "external edit did not bump version")
	eventually(t, 2*time.Second, 50*time.Millisecond, func() bool {
		return rec.has("updated:gc.md")
	}, "expected updated:gc.md callback")
}

func TestWatcher_OwnWriteIsSilent(t *testing.T) {
	vaultDir, store, db := watcherTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &recorder{}
	go Watch(ctx, db, store, vaultDir, quietLogger(), rec.cb)
	time.Sleep(100 * time.Millisecond)

	content := []byte("# Mine")
	if _, _, err := IndexDocument(context.Background(), db, "mine.md", content); err != nil {
		t.Fatal(err)
	}
	if err := store.Write("mine.md", content); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)
	if rec.has("created:mine.md") || rec.has("updated:mine.md") {
		t.Errorf("own write reported as external edit: %v", rec.events)
	}
	if v := version(db, "mine.md"); v != 1 {
		t.Errorf("version = %d, want 1", v)
	}
}

func TestWatcher_NewDirWatched(t *testing.T) {
	vaultDir, store, db := watcherTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Watch(ctx, db, store, vaultDir, quietLogger(), nil)
	time.Sleep(100 * time.Millisecond)

	subDir := filepath.Join(vaultDir, "subdir")
	_ = os.MkdirAll(subDir, 0o755)
	time.Sleep(100 * time.Millisecond)
	_ = os.WriteFile(filepath.Join(subDir, "deep.md"), []byte("# Deep"), 0o644)

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		return version(db, "subdir/deep.md") > 0
	}, "file in new subdir not indexed by watcher")
}

func TestWatcher_DeleteRemovesFromIndex(t *testing.T) {
	vaultDir, store, db := watcherTestEnv(t)
	_ = os.WriteFile(filepath.Join(vaultDir, "del.md"), []byte("# Delete Me"), 0o644)
	_ = Sync(context.Background(), db, store, quietLogger(), nil)
	if version(db, "del.md") == 0 {
		t.Fatal("precondition: file should be indexed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Watch(ctx, db, store, vaultDir, quietLogger(), nil)
	time.Sleep(100 * time.Millisecond)

	_ = os.Remove(filepath.Join(vaultDir, "del.md"))

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		return version(db, "del.md") == 0
	}, "deleted file still in index")
}

func TestWatcher_RenameReconciles(t *testing.T) {
	vaultDir, store, db := watcherTestEnv(t)
	_ = os.WriteFile(filepath.Join(vaultDir, "old.md"), []byte("# Rename"), 0o644)
	_ = Sync(context.Background(), db, store, quietLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Watch(ctx, db, store, vaultDir, quietLogger(), nil)
	time.Sleep(100 * time.Millisecond)

	_ = os.Rename(filepath.Join(vaultDir, "old.md"), filepath.Join(vaultDir, "renamed.md"))

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		return version(db, "old.md") == 0 && version(db, "renamed.md") > 0
	}, "rename reconciliation failed: old path should be removed and new path indexed")
}
