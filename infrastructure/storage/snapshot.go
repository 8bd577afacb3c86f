package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/ahrav/go-synthgen/internal/domain"
)

// SnapshotFile is the name of the SQLite file inside a snapshot directory.
const SnapshotFile = "dataset.sqlite"

const snapshotSchema = `
CREATE TABLE IF NOT EXISTS entries (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT NOT NULL,
	context      TEXT NOT NULL,
	question     TEXT NOT NULL DEFAULT '',
	answer       TEXT NOT NULL,
	answer_start INTEGER NOT NULL DEFAULT -1
);`

// ErrNoSnapshot is returned when a directory holds no dataset snapshot.
var ErrNoSnapshot = errors.New("no dataset snapshot")

// SnapshotPath returns the SQLite file of the snapshot in dir.
func SnapshotPath(dir string) string { return filepath.Join(dir, SnapshotFile) }

func openSnapshot(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}

// SaveToDisk writes entries as the dataset snapshot of dir, replacing any
// previous snapshot there. Insertion order is preserved.
func SaveToDisk(ctx context.Context, dir string, entries []domain.QAEntry) (err error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	db, err := openSnapshot(SnapshotPath(dir))
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, db.Close())
	}()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, "DROP TABLE IF EXISTS entries"); err != nil {
		return fmt.Errorf("reset snapshot: %w", err)
	}
	if _, err = tx.ExecContext(ctx, snapshotSchema); err != nil {
		return fmt.Errorf("create snapshot schema: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO entries(id, context, question, answer, answer_start) VALUES(?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, e := range entries {
		if _, err = stmt.ExecContext(ctx, e.ID, e.Context, e.Question, e.Answer, e.AnswerStart); err != nil {
			return fmt.Errorf("insert entry %d: %w", i, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// LoadFromDisk reads the dataset snapshot of dir.
func LoadFromDisk(ctx context.Context, dir string) (_ []domain.QAEntry, err error) {
	path := SnapshotPath(dir)
	if _, statErr := os.Stat(path); statErr != nil {
		if errors.Is(statErr, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", dir, ErrNoSnapshot)
		}
		return nil, fmt.Errorf("stat snapshot: %w", statErr)
	}

	db, err := openSnapshot(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = errors.Join(err, db.Close())
	}()

	rows, err := db.QueryContext(ctx,
		"SELECT id, context, question, answer, answer_start FROM entries ORDER BY seq")
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	defer rows.Close()

	var entries []domain.QAEntry
	for rows.Next() {
		var e domain.QAEntry
		if err := rows.Scan(&e.ID, &e.Context, &e.Question, &e.Answer, &e.AnswerStart); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot: %w", err)
	}
	return entries, nil
}
