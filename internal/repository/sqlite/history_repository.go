package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"soulqueue/internal/domain"
	"soulqueue/internal/repository"
)

const (
	createHistoryTable = `
CREATE TABLE IF NOT EXISTS download_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	item_id TEXT NOT NULL UNIQUE,
	remote_transfer_id TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	artist TEXT NOT NULL DEFAULT '',
	album TEXT NOT NULL DEFAULT '',
	username TEXT NOT NULL,
	file_path TEXT NOT NULL DEFAULT '',
	size INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	finished_at DATETIME NULL,
	updated_at DATETIME NOT NULL
);
`
	createHistoryIndex = `CREATE INDEX IF NOT EXISTS idx_download_history_updated ON download_history(updated_at);`

	historyColumns = `id, item_id, remote_transfer_id, title, artist, album, username, file_path, final_path, size, status, error_message, created_at, finished_at, organized_at, updated_at`
)

type HistoryRepository struct {
	db *sql.DB
}

func NewHistoryRepository(db *sql.DB) repository.HistoryRepository {
	return &HistoryRepository{db: db}
}

func (r *HistoryRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createHistoryTable); err != nil {
		return fmt.Errorf("create history table: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, createHistoryIndex); err != nil {
		return fmt.Errorf("create history index: %w", err)
	}
	return r.ensureHistoryColumns(ctx)
}

// ensureHistoryColumns adds columns introduced after the first schema.
func (r *HistoryRepository) ensureHistoryColumns(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx, `PRAGMA table_info(download_history)`)
	if err != nil {
		return fmt.Errorf("describe history table: %w", err)
	}
	defer rows.Close()

	columns := map[string]struct{}{}
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue any
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return fmt.Errorf("scan pragma table info: %w", err)
		}
		columns[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate pragma table info: %w", err)
	}

	addColumn := func(name, statement string) error {
		if _, exists := columns[name]; exists {
			return nil
		}
		if _, err := r.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("add column %s: %w", name, err)
		}
		return nil
	}

	if err := addColumn("final_path", `ALTER TABLE download_history ADD COLUMN final_path TEXT NOT NULL DEFAULT ''`); err != nil {
		return err
	}
	if err := addColumn("organized_at", `ALTER TABLE download_history ADD COLUMN organized_at DATETIME NULL`); err != nil {
		return err
	}
	return nil
}

func (r *HistoryRepository) Upsert(ctx context.Context, entry *domain.HistoryEntry) error {
	if entry.ItemID == "" {
		return errors.New("history entry needs an item id")
	}
	now := time.Now().UTC()
	entry.UpdatedAt = now
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO download_history (item_id, remote_transfer_id, title, artist, album, username, file_path, size, status, error_message, created_at, finished_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(item_id) DO UPDATE SET
	remote_transfer_id=excluded.remote_transfer_id,
	file_path=excluded.file_path,
	status=excluded.status,
	error_message=excluded.error_message,
	finished_at=excluded.finished_at,
	updated_at=excluded.updated_at`,
		entry.ItemID,
		entry.RemoteTransferID,
		entry.Title,
		entry.Artist,
		entry.Album,
		entry.Username,
		entry.FilePath,
		entry.Size,
		string(entry.Status),
		entry.ErrorMessage,
		entry.CreatedAt.UTC(),
		nullTime(entry.FinishedAt),
		now,
	)
	if err != nil {
		return fmt.Errorf("upsert history: %w", err)
	}

	row := r.db.QueryRowContext(ctx, `SELECT id FROM download_history WHERE item_id=?`, entry.ItemID)
	if err := row.Scan(&entry.ID); err != nil {
		return fmt.Errorf("read history id: %w", err)
	}
	return nil
}

func (r *HistoryRepository) SetFinalPath(ctx context.Context, itemID, finalPath string, organizedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE download_history
SET final_path=?, organized_at=?, updated_at=?
WHERE item_id=?`,
		finalPath,
		organizedAt.UTC(),
		time.Now().UTC(),
		itemID,
	)
	if err != nil {
		return fmt.Errorf("set final path: %w", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("final path rows affected: %w", err)
	}
	if aff == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *HistoryRepository) Get(ctx context.Context, itemID string) (*domain.HistoryEntry, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+historyColumns+` FROM download_history WHERE item_id=?`, itemID)
	return scanHistory(row)
}

func (r *HistoryRepository) List(ctx context.Context, filter domain.HistoryFilter) ([]domain.HistoryEntry, error) {
	var (
		where []string
		args  []interface{}
	)
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		where = append(where, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if filter.Username != "" {
		where = append(where, "username = ? COLLATE NOCASE")
		args = append(args, filter.Username)
	}

	query := `SELECT ` + historyColumns + ` FROM download_history`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	entries := []domain.HistoryEntry{}
	for rows.Next() {
		entry, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

func (r *HistoryRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM download_history WHERE updated_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune rows affected: %w", err)
	}
	return n, nil
}

func scanHistory(scanner interface {
	Scan(dest ...any) error
}) (*domain.HistoryEntry, error) {
	var (
		entry       domain.HistoryEntry
		status      string
		createdAt   time.Time
		updatedAt   time.Time
		finishedAt  sql.NullTime
		organizedAt sql.NullTime
	)

	if err := scanner.Scan(
		&entry.ID,
		&entry.ItemID,
		&entry.RemoteTransferID,
		&entry.Title,
		&entry.Artist,
		&entry.Album,
		&entry.Username,
		&entry.FilePath,
		&entry.FinalPath,
		&entry.Size,
		&status,
		&entry.ErrorMessage,
		&createdAt,
		&finishedAt,
		&organizedAt,
		&updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan history: %w", err)
	}

	entry.Status = domain.ItemStatus(status)
	entry.CreatedAt = createdAt.Local()
	entry.UpdatedAt = updatedAt.Local()
	if finishedAt.Valid {
		t := finishedAt.Time.Local()
		entry.FinishedAt = &t
	}
	if organizedAt.Valid {
		t := organizedAt.Time.Local()
		entry.OrganizedAt = &t
	}
	return &entry, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
