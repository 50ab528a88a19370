package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/perimetra/magkit/internal/gateway/store"

	_ "modernc.org/sqlite"
)

// Store is the durable CredentialStore driver a device deployment uses. One
// database file can hold credentials for multiple gateway namespaces.
type Store struct {
	db        *sql.DB
	namespace string
}

func NewStore(dsn, namespace string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// Single writer; avoids SQLITE_BUSY under concurrent token mutation.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(context.Background(), `PRAGMA journal_mode = WAL;`); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, namespace: namespace}, nil
}

func (s *Store) Get(ctx context.Context, key store.Key) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM credentials WHERE namespace = ? AND key = ?`,
		s.namespace, string(key),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *Store) Put(ctx context.Context, key store.Key, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (namespace, key, value, updated_at)
		 VALUES (?, ?, ?, strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		 ON CONFLICT (namespace, key) DO UPDATE SET
		   value = excluded.value,
		   updated_at = excluded.updated_at`,
		s.namespace, string(key), value,
	)
	return err
}

func (s *Store) Delete(ctx context.Context, key store.Key) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE namespace = ? AND key = ?`,
		s.namespace, string(key),
	)
	return err
}

func (s *Store) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE namespace = ?`,
		s.namespace,
	)
	return err
}

func (s *Store) Ready() bool {
	return s.db.PingContext(context.Background()) == nil
}

func (s *Store) Close() error { return s.db.Close() }
