package index

import (
	"context"
	"log/slog"

	"github.com/starford/marginalia/internal/checksum"
	"github.com/starford/marginalia/internal/parser"
	"github.com/starford/marginalia/internal/storage"
)

// Sync walks the vault and brings the document table up to date:
//   - new/changed files get their checksum recorded and version bumped
//   - files removed from disk are deleted from the index
//
// cb, when non-nil, is called for every document whose row changed.
func Sync(ctx context.Context, db *DB, store storage.Provider, logger *slog.Logger, cb EventCallback) error {
	metas, err := store.List("")
	if err != nil {
		return err
	}

	checksums, err := db.AllChecksums()
	if err != nil {
		return err
	}

	disk := make(map[string]struct{}, len(metas))
	for _, m := range metas {
		disk[m.Path] = struct{}{}

		prev, known := checksums[m.Path]
		if known && prev == m.Checksum {
			continue
		}

		data, err := store.Read(m.Path)
		if err != nil {
			logger.Warn("sync: read failed", slog.String("path", m.Path), slog.String("error", err.Error()))
			continue
		}
		if _, _, err := indexFile(ctx, db, m.Path, data); err != nil {
			logger.Warn("sync: index failed", slog.String("path", m.Path), slog.String("error", err.Error()))
			continue
		}
		logger.Debug("sync: indexed", slog.String("path", m.Path))
		if cb != nil {
			if known {
				cb(EventUpdated, m.Path)
			} else {
				cb(EventCreated, m.Path)
			}
		}
	}

	for p := range checksums {
		if _, ok := disk[p]; ok {
			continue
		}
		if err := db.DeleteDocument(ctx, p); err != nil {
			logger.Warn("sync: delete failed", slog.String("path", p), slog.String("error", err.Error()))
			continue
		}
		logger.Debug("sync: removed stale", slog.String("path", p))
		if cb != nil {
			cb(EventDeleted, p)
		}
	}

	return nil
}

// IndexDocument records data as the current content of path and returns the
// resulting version. Content whose checksum is already recorded does not
// bump the version and reports changed == false.
func IndexDocument(ctx context.Context, db *DB, path string, data []byte) (version int64, changed bool, err error) {
	return indexFile(ctx, db, path, data)
}

func indexFile(ctx context.Context, db *DB, path string, data []byte) (int64, bool, error) {
	res, err := parser.Parse(data, parser.FormatFor(path))
	if err != nil {
		return 0, false, err
	}
	return db.UpsertDocument(ctx, DocumentRow{
		Path:     path,
		Title:    res.Title,
		Checksum: checksum.Sum(data),
	})
}
