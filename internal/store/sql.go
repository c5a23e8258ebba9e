package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const mysqlDuplicateEntry = 1062

const recordColumns = `account_id, message_id, sender, subject, preview, first_seen,
	sink_handle, handled, handled_at, delivery_attempts`

// SQLStore implements Store on a relational database through sqlx.
// Timestamps are stored as Unix nanoseconds.
type SQLStore struct {
	db      *sqlx.DB
	dialect string
	now     func() time.Time
}

// row mirrors the messages table.
type row struct {
	AccountID        string         `db:"account_id"`
	MessageID        string         `db:"message_id"`
	Sender           string         `db:"sender"`
	Subject          string         `db:"subject"`
	Preview          string         `db:"preview"`
	FirstSeen        int64          `db:"first_seen"`
	SinkHandle       sql.NullString `db:"sink_handle"`
	Handled          bool           `db:"handled"`
	HandledAt        sql.NullInt64  `db:"handled_at"`
	DeliveryAttempts int            `db:"delivery_attempts"`
}

func (r row) record() MessageRecord {
	rec := MessageRecord{
		Key:              Key{AccountID: r.AccountID, MessageID: r.MessageID},
		Sender:           r.Sender,
		Subject:          r.Subject,
		Preview:          r.Preview,
		FirstSeen:        time.Unix(0, r.FirstSeen).UTC(),
		SinkHandle:       r.SinkHandle.String,
		Handled:          r.Handled,
		DeliveryAttempts: r.DeliveryAttempts,
	}
	if r.HandledAt.Valid {
		t := time.Unix(0, r.HandledAt.Int64).UTC()
		rec.HandledAt = &t
	}
	return rec
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, enables
// WAL mode and runs pending migrations. All access goes through a single
// connection, so writes are serialized.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}
	return newSQLStore(db, DriverSQLite, opts)
}

// NewMySQLStore connects to MySQL with the given DSN and runs pending migrations.
func NewMySQLStore(dsn string, opts ...Option) (*SQLStore, error) {
	db, err := sqlx.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening mysql db: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging mysql: %w", err)
	}
	return newSQLStore(db, DriverMySQL, opts)
}

func newSQLStore(db *sqlx.DB, dialect string, opts []Option) (*SQLStore, error) {
	o := buildOptions(opts)
	s := &SQLStore{db: db, dialect: dialect, now: o.now}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) runMigrations() error {
	if _, err := s.db.Exec(
		"CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)",
	); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	var current int
	if err := s.db.Get(&current, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		stmts := m.sqlite
		if s.dialect == DriverMySQL {
			stmts = m.mysql
		}
		for _, stmt := range stmts {
			if _, err := s.db.Exec(stmt); err != nil {
				return fmt.Errorf("applying migration v%d: %w", m.version, err)
			}
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			return fmt.Errorf("recording migration v%d: %w", m.version, err)
		}
	}
	return nil
}

// Exists reports whether a record with key is stored.
func (s *SQLStore) Exists(ctx context.Context, key Key) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM messages WHERE account_id = ? AND message_id = ?",
		key.AccountID, key.MessageID,
	)
	if err != nil {
		return false, storageErr("exists", err)
	}
	return n > 0, nil
}

// Get loads one record.
func (s *SQLStore) Get(ctx context.Context, key Key) (MessageRecord, error) {
	return s.get(ctx, s.db, key)
}

func (s *SQLStore) get(ctx context.Context, q sqlx.QueryerContext, key Key) (MessageRecord, error) {
	var r row
	err := sqlx.GetContext(ctx, q, &r,
		"SELECT "+recordColumns+" FROM messages WHERE account_id = ? AND message_id = ?",
		key.AccountID, key.MessageID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return MessageRecord{}, ErrNotFound
	}
	if err != nil {
		return MessageRecord{}, storageErr("get", err)
	}
	return r.record(), nil
}

// Insert stores a new record.
func (s *SQLStore) Insert(ctx context.Context, rec MessageRecord) error {
	if err := rec.validate(); err != nil {
		return err
	}
	rec = rec.sanitized()
	if rec.FirstSeen.IsZero() {
		rec.FirstSeen = s.now()
	}

	var handledAt sql.NullInt64
	if rec.HandledAt != nil {
		handledAt = sql.NullInt64{Int64: rec.HandledAt.UnixNano(), Valid: true}
	}
	var handle sql.NullString
	if rec.SinkHandle != "" {
		handle = sql.NullString{String: rec.SinkHandle, Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO messages ("+recordColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		rec.AccountID, rec.MessageID, rec.Sender, rec.Subject, rec.Preview,
		rec.FirstSeen.UnixNano(), handle, rec.Handled, handledAt, rec.DeliveryAttempts,
	)
	if err != nil {
		if isDuplicate(err) {
			return ErrDuplicateKey
		}
		return storageErr("insert", err)
	}
	return nil
}

// SetSinkHandle records the sink handle for key.
func (s *SQLStore) SetSinkHandle(ctx context.Context, key Key, handle string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE messages SET sink_handle = ? WHERE account_id = ? AND message_id = ?",
		handle, key.AccountID, key.MessageID,
	)
	if err != nil {
		return storageErr("set sink handle", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		return nil
	}

	// MySQL reports zero affected rows when the value is unchanged.
	ok, err := s.Exists(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// MarkHandled flips handled to true inside a transaction. The conditional
// update decides which caller performed the transition.
func (s *SQLStore) MarkHandled(ctx context.Context, key Key) (bool, MessageRecord, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, MessageRecord{}, storageErr("mark handled", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE messages SET handled = 1, handled_at = ?
		WHERE account_id = ? AND message_id = ? AND handled = 0`,
		s.now().UnixNano(), key.AccountID, key.MessageID,
	)
	if err != nil {
		return false, MessageRecord{}, storageErr("mark handled", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, MessageRecord{}, storageErr("mark handled", err)
	}

	rec, err := s.get(ctx, tx, key)
	if err != nil {
		return false, MessageRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return false, MessageRecord{}, storageErr("mark handled", err)
	}
	return n == 1, rec, nil
}

// PurgeHandledOlderThan deletes handled records handled before t.
func (s *SQLStore) PurgeHandledOlderThan(ctx context.Context, t time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM messages WHERE handled = 1 AND handled_at < ?",
		t.UnixNano(),
	)
	if err != nil {
		return 0, storageErr("purge", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, storageErr("purge", err)
	}
	return n, nil
}

// ListUndelivered returns records still waiting for a sink handle.
func (s *SQLStore) ListUndelivered(
	ctx context.Context,
	seenAfter, seenBefore time.Time,
	maxAttempts, limit int,
) ([]MessageRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []row
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+recordColumns+` FROM messages
		WHERE handled = 0 AND sink_handle IS NULL
			AND first_seen > ? AND first_seen < ?
			AND delivery_attempts < ?
		ORDER BY first_seen
		LIMIT ?`,
		seenAfter.UnixNano(), seenBefore.UnixNano(), maxAttempts, limit,
	)
	if err != nil {
		return nil, storageErr("list undelivered", err)
	}

	recs := make([]MessageRecord, 0, len(rows))
	for _, r := range rows {
		recs = append(recs, r.record())
	}
	return recs, nil
}

// RecordDeliveryAttempt increments the delivery attempt counter.
func (s *SQLStore) RecordDeliveryAttempt(ctx context.Context, key Key) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET delivery_attempts = delivery_attempts + 1
		WHERE account_id = ? AND message_id = ?`,
		key.AccountID, key.MessageID,
	)
	if err != nil {
		return storageErr("record delivery attempt", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const statsColumns = `
	COUNT(*) AS total,
	COALESCE(SUM(CASE WHEN handled = 1 THEN 1 ELSE 0 END), 0) AS handled,
	COALESCE(SUM(CASE WHEN handled = 0 THEN 1 ELSE 0 END), 0) AS pending,
	COALESCE(SUM(CASE WHEN handled = 0 AND sink_handle IS NULL THEN 1 ELSE 0 END), 0) AS undelivered`

// Stats returns totals over all accounts.
func (s *SQLStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.GetContext(ctx, &st, "SELECT "+statsColumns+" FROM messages"); err != nil {
		return Stats{}, storageErr("stats", err)
	}
	return st, nil
}

// StatsByAccount returns totals grouped by account identity.
func (s *SQLStore) StatsByAccount(ctx context.Context) (map[string]Stats, error) {
	var rows []struct {
		AccountID string `db:"account_id"`
		Stats
	}
	err := s.db.SelectContext(ctx, &rows,
		"SELECT account_id, "+statsColumns+" FROM messages GROUP BY account_id",
	)
	if err != nil {
		return nil, storageErr("stats by account", err)
	}

	out := make(map[string]Stats, len(rows))
	for _, r := range rows {
		out[r.AccountID] = r.Stats
	}
	return out, nil
}

func isDuplicate(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == mysqlDuplicateEntry
	}
	return false
}
