package trust

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Repository persists trusted peers.
type Repository interface {
	LoadPeers() ([]Peer, error)
	SavePeer(p Peer) error
	DeletePeer(fingerprint string) error
	ClearPeers() error
}

// DefaultDBFileName is the SQLite filename under the data directory.
const DefaultDBFileName = "trust.db"

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS trusted_peers (
  cert_fingerprint  TEXT PRIMARY KEY,
  remote_device_id  TEXT NOT NULL,
  name              TEXT NOT NULL DEFAULT '',
  added_at          INTEGER NOT NULL,
  certificate_der   BLOB,
  delivery_token    TEXT
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_trusted_peers_device
ON trusted_peers (remote_device_id);
`,
}

// SQLiteRepository stores trusted peers in a SQLite database.
type SQLiteRepository struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) trust.db under dataDir and runs migrations.
func OpenSQLite(dataDir string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create trust directory: %w", err)
	}
	return OpenSQLitePath(filepath.Join(dataDir, DefaultDBFileName))
}

// OpenSQLitePath opens SQLite at an explicit path and runs migrations.
func OpenSQLitePath(dbPath string) (*SQLiteRepository, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	r := &SQLiteRepository{db: db}
	if err := r.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

// Close closes the database.
func (r *SQLiteRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	return err
}

func (r *SQLiteRepository) applyMigrations() error {
	var version int
	if err := r.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}
	return nil
}

// LoadPeers returns every stored peer.
func (r *SQLiteRepository) LoadPeers() ([]Peer, error) {
	rows, err := r.db.Query(
		`SELECT
			cert_fingerprint,
			remote_device_id,
			name,
			added_at,
			certificate_der,
			delivery_token
		FROM trusted_peers
		ORDER BY cert_fingerprint`,
	)
	if err != nil {
		return nil, fmt.Errorf("query trusted peers: %w", err)
	}
	defer rows.Close()

	var peers []Peer
	for rows.Next() {
		var (
			p     Peer
			der   []byte
			token sql.NullString
		)
		if err := rows.Scan(&p.CertFingerprint, &p.RemoteDeviceID, &p.Name, &p.AddedAtEpochSec, &der, &token); err != nil {
			return nil, fmt.Errorf("scan trusted peer: %w", err)
		}
		p.CertificateDER = der
		p.DeliveryToken = token.String
		peers = append(peers, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trusted peers: %w", err)
	}
	return peers, nil
}

// SavePeer inserts or replaces a peer.
func (r *SQLiteRepository) SavePeer(p Peer) error {
	_, err := r.db.Exec(
		`INSERT INTO trusted_peers (
			cert_fingerprint,
			remote_device_id,
			name,
			added_at,
			certificate_der,
			delivery_token
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(cert_fingerprint) DO UPDATE SET
			remote_device_id = excluded.remote_device_id,
			name = excluded.name,
			certificate_der = excluded.certificate_der,
			delivery_token = excluded.delivery_token`,
		p.CertFingerprint,
		p.RemoteDeviceID,
		p.Name,
		p.AddedAtEpochSec,
		p.CertificateDER,
		nullString(p.DeliveryToken),
	)
	if err != nil {
		return fmt.Errorf("upsert trusted peer %q: %w", p.CertFingerprint, err)
	}
	return nil
}

// DeletePeer removes a peer. Unknown fingerprints are not an error.
func (r *SQLiteRepository) DeletePeer(fingerprint string) error {
	if _, err := r.db.Exec(`DELETE FROM trusted_peers WHERE cert_fingerprint = ?`, fingerprint); err != nil {
		return fmt.Errorf("delete trusted peer %q: %w", fingerprint, err)
	}
	return nil
}

// ClearPeers removes every peer.
func (r *SQLiteRepository) ClearPeers() error {
	if _, err := r.db.Exec(`DELETE FROM trusted_peers`); err != nil {
		return fmt.Errorf("clear trusted peers: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Repository = (*SQLiteRepository)(nil)
