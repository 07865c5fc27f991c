package yourmaster

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	_ "modernc.org/sqlite"
)

// Keys of the credential table. They match the keys the mobile client keeps
// in its secure storage.
const (
	keyAccessToken  = "accessToken"
	keyRefreshToken = "refreshToken"
	keyRole         = "role"
	keyUser         = "user"
)

const credentialSchema = `CREATE TABLE IF NOT EXISTS credentials (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
)`

var profileEncMode = func() cbor.EncMode {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("cbor: " + err.Error())
	}
	return mode
}()

// SQLiteCredentialStore keeps credentials as key/value rows in a SQLite
// database. The cached profile is stored as a deterministic CBOR blob.
type SQLiteCredentialStore struct {
	db *sql.DB
}

// OpenSQLiteCredentialStore opens (or creates) the database at path. Use
// ":memory:" for a throwaway store.
func OpenSQLiteCredentialStore(ctx context.Context, path string) (*SQLiteCredentialStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open credential db: %w", err)
	}
	// A single connection keeps ":memory:" databases alive and serializes writers.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, credentialSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create credential table: %w", err)
	}
	return &SQLiteCredentialStore{db: db}, nil
}

// Close releases the database.
func (s *SQLiteCredentialStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteCredentialStore) Load(ctx context.Context) (*Credentials, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM credentials`)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	defer rows.Close()

	creds := &Credentials{}
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan credentials: %w", err)
		}
		switch key {
		case keyAccessToken:
			creds.AccessToken = string(value)
		case keyRefreshToken:
			creds.RefreshToken = string(value)
		case keyRole:
			creds.Role = ParseRole(string(value))
		case keyUser:
			var u UserProfile
			if err := cbor.Unmarshal(value, &u); err != nil {
				return nil, fmt.Errorf("decode cached profile: %w", err)
			}
			creds.User = &u
		}
	}
	return creds, rows.Err()
}

func (s *SQLiteCredentialStore) Save(ctx context.Context, creds *Credentials) (err error) {
	values := map[string][]byte{
		keyAccessToken:  []byte(creds.AccessToken),
		keyRefreshToken: []byte(creds.RefreshToken),
		keyRole:         []byte(creds.Role),
	}
	if creds.User != nil {
		blob, err := profileEncMode.Marshal(creds.User)
		if err != nil {
			return fmt.Errorf("encode cached profile: %w", err)
		}
		values[keyUser] = blob
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin credential tx: %w", err)
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, tx.Rollback())
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM credentials`); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	for key, value := range values {
		if len(value) == 0 {
			continue
		}
		if _, err = tx.ExecContext(ctx, `INSERT INTO credentials (key, value) VALUES (?, ?)`, key, value); err != nil {
			return fmt.Errorf("save credential %s: %w", key, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit credentials: %w", err)
	}
	return nil
}

func (s *SQLiteCredentialStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials`); err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	return nil
}
