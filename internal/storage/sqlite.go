package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "github.com/sharath3589/meme-wrangler/pkg/logx"
)

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open opens (or creates) the SQLite database and applies pending
// migrations.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := migrate(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const itemColumns = `id, content_ref, COALESCE(kind,''), scheduled_at, posted, created_at, COALESCE(preview_ref,''), COALESCE(caption,'')`

func scanItem(row interface{ Scan(...any) error }) (Item, error) {
	var (
		it          Item
		kind        string
		schedUnix   int64
		createdUnix int64
		postedFlag  int
	)
	err := row.Scan(&it.ID, &it.ContentRef, &kind, &schedUnix, &postedFlag, &createdUnix, &it.PreviewRef, &it.Caption)
	if err != nil {
		return Item{}, err
	}
	it.Kind = Kind(kind)
	it.ScheduledAt = time.Unix(schedUnix, 0)
	it.CreatedAt = time.Unix(createdUnix, 0)
	it.Posted = postedFlag != 0
	return it, nil
}

func (s *sqliteStore) Insert(ctx context.Context, it NewItem) (Item, error) {
	if s == nil || s.db == nil {
		return Item{}, ErrClosed
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_items (content_ref, kind, scheduled_at, posted, created_at, preview_ref, caption)
		 VALUES (?, ?, ?, 0, ?, ?, ?)`,
		it.ContentRef, nullStr(string(it.Kind)), it.ScheduledAt.Unix(), now.Unix(),
		nullStr(it.PreviewRef), nullStr(it.Caption),
	)
	if err != nil {
		return Item{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Item{}, err
	}
	return Item{
		ID:          id,
		ContentRef:  it.ContentRef,
		PreviewRef:  it.PreviewRef,
		Kind:        it.Kind,
		Caption:     it.Caption,
		ScheduledAt: time.Unix(it.ScheduledAt.Unix(), 0),
		CreatedAt:   time.Unix(now.Unix(), 0),
	}, nil
}

func (s *sqliteStore) Get(ctx context.Context, id int64) (Item, bool, error) {
	if s == nil || s.db == nil {
		return Item{}, false, ErrClosed
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM scheduled_items WHERE id = ?`, id)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, false, nil
	}
	if err != nil {
		return Item{}, false, err
	}
	return it, true, nil
}

func (s *sqliteStore) queryItems(ctx context.Context, q string, args ...any) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Pending(ctx context.Context) ([]Item, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	return s.queryItems(ctx,
		`SELECT `+itemColumns+` FROM scheduled_items
		 WHERE posted = 0 ORDER BY scheduled_at ASC, id ASC`)
}

func (s *sqliteStore) EarliestPending(ctx context.Context) (Item, bool, error) {
	if s == nil || s.db == nil {
		return Item{}, false, ErrClosed
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM scheduled_items
		 WHERE posted = 0 ORDER BY scheduled_at ASC, id ASC LIMIT 1`)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, false, nil
	}
	if err != nil {
		return Item{}, false, err
	}
	return it, true, nil
}

func (s *sqliteStore) LastPendingAt(ctx context.Context) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrClosed
	}
	var unix int64
	err := s.db.QueryRowContext(ctx,
		`SELECT scheduled_at FROM scheduled_items
		 WHERE posted = 0 ORDER BY scheduled_at DESC LIMIT 1`).Scan(&unix)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.Unix(unix, 0), true, nil
}

func (s *sqliteStore) Due(ctx context.Context, now time.Time) ([]Item, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	return s.queryItems(ctx,
		`SELECT `+itemColumns+` FROM scheduled_items
		 WHERE posted = 0 AND scheduled_at <= ?
		 ORDER BY scheduled_at ASC, id ASC`, now.Unix())
}

func (s *sqliteStore) MarkPosted(ctx context.Context, id int64) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrClosed
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_items SET posted = 1 WHERE id = ? AND posted = 0`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) Reschedule(ctx context.Context, id int64, at time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrClosed
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_items SET scheduled_at = ? WHERE id = ? AND posted = 0`,
		at.Unix(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) DeletePending(ctx context.Context, id int64) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrClosed
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM scheduled_items WHERE id = ? AND posted = 0`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) PrunePosted(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM scheduled_items WHERE posted = 1 AND scheduled_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
