package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	internalerrors "github.com/rcourtman/kubebroker/internal/errors"
)

// Dialect names accepted by OpenSQL.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

type dialect struct {
	name   string
	schema string
	// lockQueue serializes writers on one queue key inside a transaction. Empty when the
	// driver already serializes all writers.
	lockQueue string
	// popHead removes the head row of a queue and returns its value.
	popHead string
}

var sqliteDialect = dialect{
	name: DialectSQLite,
	schema: `
	CREATE TABLE IF NOT EXISTS broker_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		queue_key TEXT NOT NULL,
		seq INTEGER NOT NULL,
		value BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_broker_queue_key_seq ON broker_queue(queue_key, seq);

	CREATE TABLE IF NOT EXISTS broker_kv (
		k TEXT PRIMARY KEY,
		v BLOB NOT NULL,
		expires_at INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_broker_kv_expires ON broker_kv(expires_at);
	`,
	popHead: `DELETE FROM broker_queue WHERE id = (
		SELECT id FROM broker_queue WHERE queue_key = ? ORDER BY seq LIMIT 1
	) RETURNING value`,
}

var postgresDialect = dialect{
	name: DialectPostgres,
	schema: `
	CREATE TABLE IF NOT EXISTS broker_queue (
		id BIGSERIAL PRIMARY KEY,
		queue_key TEXT NOT NULL,
		seq BIGINT NOT NULL,
		value BYTEA NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_broker_queue_key_seq ON broker_queue(queue_key, seq);

	CREATE TABLE IF NOT EXISTS broker_kv (
		k TEXT PRIMARY KEY,
		v BYTEA NOT NULL,
		expires_at BIGINT NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_broker_kv_expires ON broker_kv(expires_at);
	`,
	lockQueue: `SELECT pg_advisory_xact_lock(hashtext(?))`,
	popHead: `DELETE FROM broker_queue WHERE id = (
		SELECT id FROM broker_queue WHERE queue_key = ? ORDER BY seq LIMIT 1 FOR UPDATE SKIP LOCKED
	) RETURNING value`,
}

// SQLConfig configures OpenSQL.
type SQLConfig struct {
	Dialect string // "sqlite" or "postgres"
	// DSN is a file path for sqlite or a lib/pq connection string for postgres.
	DSN string
	// MaxOpenConns applies to postgres only; sqlite always uses a single connection.
	MaxOpenConns int
}

// SQLBackend is a Backend on a relational database, shareable by several broker replicas
// when the database is PostgreSQL.
type SQLBackend struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

// OpenSQL opens the database, applies the schema and returns a ready backend.
func OpenSQL(ctx context.Context, cfg SQLConfig) (*SQLBackend, error) {
	var (
		d   dialect
		db  *sql.DB
		err error
	)

	switch strings.ToLower(strings.TrimSpace(cfg.Dialect)) {
	case "", DialectSQLite:
		d = sqliteDialect
		db, err = openSQLite(cfg.DSN)
	case DialectPostgres, "postgresql":
		d = postgresDialect
		db, err = openPostgres(cfg.DSN, cfg.MaxOpenConns)
	default:
		return nil, fmt.Errorf("unsupported store dialect %q", cfg.Dialect)
	}
	if err != nil {
		return nil, err
	}

	b := &SQLBackend{db: db, dialect: d, now: time.Now}
	if err := b.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info().Str("dialect", d.name).Msg("SQL store ready")
	return b, nil
}

func openSQLite(path string) (*sql.DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite store path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store database: %w", err)
	}

	// A single connection serializes every writer, which makes each transaction below atomic.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	return db, nil
}

func openPostgres(dsn string, maxOpen int) (*sql.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres store DSN is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store database: %w", err)
	}
	if maxOpen <= 0 {
		maxOpen = 25
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen)
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}

func (b *SQLBackend) initSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(b.dialect.schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders to the dialect's form.
func (b *SQLBackend) rebind(query string) string {
	if b.dialect.name != DialectPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (b *SQLBackend) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (b *SQLBackend) lockQueue(ctx context.Context, tx *sql.Tx, key string) error {
	if b.dialect.lockQueue == "" {
		return nil
	}
	if _, err := tx.ExecContext(ctx, b.rebind(b.dialect.lockQueue), key); err != nil {
		return fmt.Errorf("lock queue %s: %w", key, err)
	}
	return nil
}

func (b *SQLBackend) PushTail(ctx context.Context, key string, value []byte, maxLen int) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		if err := b.lockQueue(ctx, tx, key); err != nil {
			return err
		}

		var count int
		var maxSeq sql.NullInt64
		row := tx.QueryRowContext(ctx, b.rebind(`SELECT COUNT(*), MAX(seq) FROM broker_queue WHERE queue_key = ?`), key)
		if err := row.Scan(&count, &maxSeq); err != nil {
			return fmt.Errorf("read queue %s: %w", key, err)
		}
		if maxLen > 0 && count >= maxLen {
			return internalerrors.ErrQueueFull
		}

		_, err := tx.ExecContext(ctx,
			b.rebind(`INSERT INTO broker_queue (queue_key, seq, value) VALUES (?, ?, ?)`),
			key, maxSeq.Int64+1, value)
		if err != nil {
			return fmt.Errorf("append to queue %s: %w", key, err)
		}
		return nil
	})
}

func (b *SQLBackend) PushHead(ctx context.Context, key string, value []byte) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		if err := b.lockQueue(ctx, tx, key); err != nil {
			return err
		}

		var minSeq sql.NullInt64
		row := tx.QueryRowContext(ctx, b.rebind(`SELECT MIN(seq) FROM broker_queue WHERE queue_key = ?`), key)
		if err := row.Scan(&minSeq); err != nil {
			return fmt.Errorf("read queue %s: %w", key, err)
		}

		_, err := tx.ExecContext(ctx,
			b.rebind(`INSERT INTO broker_queue (queue_key, seq, value) VALUES (?, ?, ?)`),
			key, minSeq.Int64-1, value)
		if err != nil {
			return fmt.Errorf("prepend to queue %s: %w", key, err)
		}
		return nil
	})
}

func (b *SQLBackend) PopHead(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := b.db.QueryRowContext(ctx, b.rebind(b.dialect.popHead), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("pop queue %s: %w", key, err)
	}
	return value, true, nil
}

func (b *SQLBackend) PopHeadIf(ctx context.Context, key string, match func([]byte) bool) ([]byte, bool, error) {
	var (
		value []byte
		found bool
	)
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		if err := b.lockQueue(ctx, tx, key); err != nil {
			return err
		}

		var id int64
		err := tx.QueryRowContext(ctx,
			b.rebind(`SELECT id, value FROM broker_queue WHERE queue_key = ? ORDER BY seq LIMIT 1`),
			key).Scan(&id, &value)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read queue head %s: %w", key, err)
		}
		if !match(value) {
			value = nil
			return nil
		}
		res, err := tx.ExecContext(ctx, b.rebind(`DELETE FROM broker_queue WHERE id = ?`), id)
		if err != nil {
			return fmt.Errorf("remove queue head %s: %w", key, err)
		}
		// A concurrent PopHead may have taken the row first.
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			value = nil
			return nil
		}
		found = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return value, found, nil
}

func (b *SQLBackend) Len(ctx context.Context, key string) (int, error) {
	var count int
	if err := b.db.QueryRowContext(ctx, b.rebind(`SELECT COUNT(*) FROM broker_queue WHERE queue_key = ?`), key).Scan(&count); err != nil {
		return 0, fmt.Errorf("count queue %s: %w", key, err)
	}
	return count, nil
}

func (b *SQLBackend) expiryValue(ttl time.Duration) int64 {
	exp := expiryFor(b.now(), ttl)
	if exp.IsZero() {
		return 0
	}
	return exp.UnixNano()
}

func (b *SQLBackend) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var inserted bool
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		now := b.now().UnixNano()
		if _, err := tx.ExecContext(ctx,
			b.rebind(`DELETE FROM broker_kv WHERE k = ? AND expires_at > 0 AND expires_at <= ?`),
			key, now); err != nil {
			return fmt.Errorf("clear expired %s: %w", key, err)
		}

		res, err := tx.ExecContext(ctx,
			b.rebind(`INSERT INTO broker_kv (k, v, expires_at) VALUES (?, ?, ?) ON CONFLICT (k) DO NOTHING`),
			key, value, b.expiryValue(ttl))
		if err != nil {
			return fmt.Errorf("insert %s: %w", key, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert %s: %w", key, err)
		}
		inserted = affected == 1
		return nil
	})
	return inserted, err
}

func (b *SQLBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := b.db.ExecContext(ctx,
		b.rebind(`INSERT INTO broker_kv (k, v, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (k) DO UPDATE SET v = excluded.v, expires_at = excluded.expires_at`),
		key, value, b.expiryValue(ttl))
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (b *SQLBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		value     []byte
		expiresAt int64
	)
	err := b.db.QueryRowContext(ctx, b.rebind(`SELECT v, expires_at FROM broker_kv WHERE k = ?`), key).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	if expiresAt > 0 && expiresAt <= b.now().UnixNano() {
		return nil, false, nil
	}
	return value, true, nil
}

func (b *SQLBackend) Delete(ctx context.Context, key string) error {
	if _, err := b.db.ExecContext(ctx, b.rebind(`DELETE FROM broker_kv WHERE k = ?`), key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (b *SQLBackend) Scan(ctx context.Context, prefix string) (map[string][]byte, error) {
	rows, err := b.db.QueryContext(ctx,
		b.rebind(`SELECT k, v FROM broker_kv WHERE k LIKE ? ESCAPE '\' AND (expires_at = 0 OR expires_at > ?)`),
		escapeLike(prefix)+"%", b.now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", prefix, err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var (
			key   string
			value []byte
		)
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan %s: %w", prefix, err)
		}
		out[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", prefix, err)
	}
	return out, nil
}

// Sweep deletes expired key/value rows and returns how many were removed.
func (b *SQLBackend) Sweep(ctx context.Context) (int64, error) {
	res, err := b.db.ExecContext(ctx,
		b.rebind(`DELETE FROM broker_kv WHERE expires_at > 0 AND expires_at <= ?`), b.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sweep expired entries: %w", err)
	}
	return res.RowsAffected()
}

// RunSweeper calls Sweep every interval until ctx is done.
func (b *SQLBackend) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := b.Sweep(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("Store sweep failed")
				continue
			}
			if removed > 0 {
				log.Debug().Int64("removed", removed).Msg("Swept expired store entries")
			}
		}
	}
}

func (b *SQLBackend) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

func (b *SQLBackend) Close() error {
	return b.db.Close()
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
