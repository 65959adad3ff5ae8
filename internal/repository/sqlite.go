package repository

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/opensource-finance/talon/internal/domain"
	_ "modernc.org/sqlite"
)

// The warehouse takes concurrent reads from batch evaluations while facts are
// ingested, so the journal runs in WAL mode and writers wait on the lock.
var sqlitePragmas = []string{
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"busy_timeout(5000)",
	"foreign_keys(ON)",
}

// sqliteDSN builds the modernc.org/sqlite DSN for a warehouse file,
// creating its directory when needed. ":memory:" opens a private in-memory
// database.
func sqliteDSN(cfg domain.RepositoryConfig) (string, error) {
	path := cfg.SQLitePath
	if path == "" {
		path = "./talon.db"
	}

	q := url.Values{}
	for _, p := range sqlitePragmas {
		q.Add("_pragma", p)
	}

	if path == ":memory:" {
		return "file::memory:?" + q.Encode(), nil
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	return "file:" + path + "?" + q.Encode(), nil
}
