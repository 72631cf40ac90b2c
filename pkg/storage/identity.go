// Package storage persists the client's long-term identity.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/NovaMesh/novalink-client/pkg/crypto"
)

var ErrNotFound = errors.New("not found")

// IdentityDB stores the client's Ed25519 signing identity in SQLite. The
// keypair is generated on first use and reused afterwards, so the node keeps
// a stable identity across restarts.
type IdentityDB struct {
	db *sql.DB

	mu     sync.Mutex
	cached *crypto.SigningKeypair
}

// NewIdentityDB opens (or creates) the identity database at dbPath.
func NewIdentityDB(dbPath string) (*IdentityDB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %v", err)
	}

	idb := &IdentityDB{db: db}
	if err := idb.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return idb, nil
}

// initSchema creates database tables
func (db *IdentityDB) initSchema() error {
	schema := `
	-- Single-row identity table: the node has exactly one signing identity.
	CREATE TABLE IF NOT EXISTS identity (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		seed BLOB NOT NULL,
		created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
	);
	`

	_, err := db.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %v", err)
	}

	return nil
}

// SigningKeypair returns the stored identity, generating and persisting one
// on first use.
func (db *IdentityDB) SigningKeypair() (*crypto.SigningKeypair, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.cached != nil {
		return db.cached, nil
	}

	kp, err := db.load()
	if err == nil {
		db.cached = kp
		return kp, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	kp, err = crypto.GenerateSigningKeypair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity: %v", err)
	}

	seed := kp.PrivateKey.Seed()
	_, err = db.db.Exec("INSERT INTO identity (id, seed) VALUES (1, ?)", seed)
	if err != nil {
		return nil, fmt.Errorf("failed to store identity: %v", err)
	}

	db.cached = kp
	return kp, nil
}

func (db *IdentityDB) load() (*crypto.SigningKeypair, error) {
	var seed []byte
	err := db.db.QueryRow("SELECT seed FROM identity WHERE id = 1").Scan(&seed)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load identity: %v", err)
	}

	kp, err := crypto.SigningKeypairFromSeed(seed)
	if err != nil {
		return nil, fmt.Errorf("stored identity seed is corrupt: %w", err)
	}
	return kp, nil
}

// Close closes the database connection
func (db *IdentityDB) Close() error {
	return db.db.Close()
}

// MemoryIdentity holds a signing identity in memory only. Useful for tests
// and throwaway nodes.
type MemoryIdentity struct {
	mu sync.Mutex
	kp *crypto.SigningKeypair
}

// NewMemoryIdentity creates an empty in-memory identity store.
func NewMemoryIdentity() *MemoryIdentity {
	return &MemoryIdentity{}
}

// SigningKeypair returns the identity, generating one on first use.
func (m *MemoryIdentity) SigningKeypair() (*crypto.SigningKeypair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.kp == nil {
		kp, err := crypto.GenerateSigningKeypair()
		if err != nil {
			return nil, err
		}
		m.kp = kp
	}
	return m.kp, nil
}
