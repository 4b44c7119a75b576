package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chiquitav2/wgfleet/internal/fleet/peer"
	apperrors "github.com/chiquitav2/wgfleet/internal/shared/errors"
	"github.com/chiquitav2/wgfleet/internal/shared/logger"
	"github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var ddl string

const timeLayout = time.RFC3339Nano

// SQLiteStore persists records in a single SQLite file. Writes use
// synchronous=FULL so a returned Put has reached disk. Partial unique
// indexes back the invariant checks, so a second process racing on the same
// file still cannot insert a duplicate user or address.
type SQLiteStore struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string, log *logger.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, apperrors.NewSystemError(apperrors.ErrCodeConfiguration, "sqlite path is required", false, nil)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time inside the process; WAL still lets readers proceed.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger.OrNop(log)}, nil
}

func (s *SQLiteStore) Put(ctx context.Context, rec *peer.Record) error {
	return s.execTx(ctx, func(tx *sql.Tx) error {
		var (
			l   lookups
			err error
		)
		key := rec.Key()

		if l.existing, err = scanOne(tx.QueryRowContext(ctx,
			`SELECT user_id, generation, public_key, address, status, created_at, revoked_at
			   FROM peers WHERE user_id = ? AND generation = ?`, key.UserID, key.Generation)); err != nil {
			return err
		}
		if l.userActive, err = lookupKey(ctx, tx,
			`SELECT user_id, generation FROM peers WHERE user_id = ? AND status = 'active'`, rec.UserID); err != nil {
			return err
		}
		if l.addrHolder, err = lookupKey(ctx, tx,
			`SELECT user_id, generation FROM peers WHERE address = ? AND status = 'active'`, rec.Address.String()); err != nil {
			return err
		}
		if l.keyOwner, err = lookupKey(ctx, tx,
			`SELECT user_id, generation FROM peers WHERE public_key = ?`, rec.PublicKey); err != nil {
			return err
		}
		if err := checkPut(rec, l); err != nil {
			return err
		}

		var revokedAt sql.NullString
		if rec.RevokedAt != nil {
			revokedAt = sql.NullString{String: rec.RevokedAt.UTC().Format(timeLayout), Valid: true}
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO peers (user_id, generation, public_key, address, status, created_at, revoked_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (user_id, generation) DO UPDATE SET
			     address = excluded.address,
			     status = excluded.status,
			     revoked_at = excluded.revoked_at`,
			rec.UserID, rec.Generation, rec.PublicKey, rec.Address.String(), string(rec.Status),
			rec.CreatedAt.UTC().Format(timeLayout), revokedAt)
		if err != nil {
			return mapConstraintError(err, rec)
		}
		return nil
	})
}

func (s *SQLiteStore) Latest(ctx context.Context, userID string) (*peer.Record, error) {
	rec, err := scanOne(s.db.QueryRowContext(ctx,
		`SELECT user_id, generation, public_key, address, status, created_at, revoked_at
		   FROM peers WHERE user_id = ? ORDER BY generation DESC LIMIT 1`, userID))
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, notFound(userID)
	}
	return rec, nil
}

func (s *SQLiteStore) List(ctx context.Context, filter peer.Filter) ([]*peer.Record, error) {
	query := `SELECT user_id, generation, public_key, address, status, created_at, revoked_at FROM peers`
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY user_id, generation"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list peers: %w", err)
	}
	defer rows.Close()

	var out []*peer.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate peers: %w", err)
	}
	peer.SortRecords(out)
	return out, nil
}

func (s *SQLiteStore) Backend() string { return BackendSQLite }

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// execTx executes a function within a database transaction
func (s *SQLiteStore) execTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("transaction rollback failed", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOne(row *sql.Row) (*peer.Record, error) {
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func scanRecord(row rowScanner) (*peer.Record, error) {
	var (
		rec       peer.Record
		address   string
		status    string
		createdAt string
		revokedAt sql.NullString
	)
	if err := row.Scan(&rec.UserID, &rec.Generation, &rec.PublicKey, &address, &status, &createdAt, &revokedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan peer: %w", err)
	}

	addr, err := netip.ParseAddr(address)
	if err != nil {
		return nil, fmt.Errorf("corrupt address %q for %s: %w", address, rec.UserID, err)
	}
	rec.Address = addr
	rec.Status = peer.Status(status)

	if rec.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("corrupt created_at for %s: %w", rec.UserID, err)
	}
	if revokedAt.Valid {
		at, err := time.Parse(timeLayout, revokedAt.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt revoked_at for %s: %w", rec.UserID, err)
		}
		rec.RevokedAt = &at
	}
	return &rec, nil
}

func lookupKey(ctx context.Context, tx *sql.Tx, query string, arg any) (*peer.Key, error) {
	var k peer.Key
	err := tx.QueryRowContext(ctx, query, arg).Scan(&k.UserID, &k.Generation)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up peer: %w", err)
	}
	return &k, nil
}

// mapConstraintError turns a unique index violation from a concurrent writer
// into the matching domain error.
func mapConstraintError(err error, rec *peer.Record) error {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) || sqliteErr.ExtendedCode != sqlite3.ErrConstraintUnique {
		return fmt.Errorf("failed to write peer: %w", err)
	}

	msg := sqliteErr.Error()
	switch {
	case strings.Contains(msg, "peers.address"):
		return apperrors.ErrAddressConflict.WithMetadata("address", rec.Address.String())
	case strings.Contains(msg, "peers.public_key"):
		return apperrors.ErrKeyConflict.WithMetadata("user_id", rec.UserID)
	default:
		return apperrors.ErrDuplicateUser.WithMetadata("user_id", rec.UserID)
	}
}
