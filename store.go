package lagoon

import (
	"database/sql"
	"fmt"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

///
/// AppStore: one per process.  Holds the active-account pointer and the
/// default relay domain, nothing cryptographic.
///

type AppStore struct {
	db *sql.DB
}

var appMigrations = []string{
	`CREATE TABLE settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE accounts (
		user_id   TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		active    INTEGER NOT NULL DEFAULT 0
	)`,
}

func OpenAppStore(dir string) (*AppStore, error) {
	db, err := openDatabase(filepath.Join(dir, "lagoon.db"), appMigrations)
	if err != nil {
		return nil, err
	}
	return &AppStore{db: db}, nil
}

func (s *AppStore) Close() error { return s.db.Close() }

func (s *AppStore) SetDefaultRelayDomain(domain string) error {
	_, err := s.db.Exec(`INSERT INTO settings (key, value) VALUES ('relay_domain', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, domain)
	return err
}

func (s *AppStore) DefaultRelayDomain() (string, error) {
	var domain string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = 'relay_domain'`).Scan(&domain)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return domain, err
}

func (s *AppStore) SetActiveAccount(user UserID, client ClientID) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err = tx.Exec(`UPDATE accounts SET active = 0`); err != nil {
		return err
	}
	_, err = tx.Exec(`INSERT INTO accounts (user_id, client_id, active) VALUES (?, ?, 1)
		ON CONFLICT(user_id) DO UPDATE SET client_id = excluded.client_id, active = 1`,
		user.String(), client.String())
	if err != nil {
		return err
	}
	return tx.Commit()
}

// ActiveAccount returns the logged-in account, or ok=false when none is.
func (s *AppStore) ActiveAccount() (user UserID, client ClientID, ok bool, err error) {
	var userStr, clientStr string
	err = s.db.QueryRow(`SELECT user_id, client_id FROM accounts WHERE active = 1`).
		Scan(&userStr, &clientStr)
	if err == sql.ErrNoRows {
		return UserID{}, ClientID{}, false, nil
	}
	if err != nil {
		return UserID{}, ClientID{}, false, err
	}
	if user, err = ParseUserID(userStr); err != nil {
		return UserID{}, ClientID{}, false, err
	}
	if client, err = ParseClientID(clientStr); err != nil {
		return UserID{}, ClientID{}, false, err
	}
	return user, client, true, nil
}

///
/// AccountStore: one per logged-in account.  Groups, inbox, locations,
/// directory cache, pending commit markers and the MLS key-value blobs
/// all live here; it is the durable source of truth for the engine.
///

type AccountStore struct {
	db *sql.DB
}

var accountMigrations = []string{
	`CREATE TABLE groups (
		id         TEXT PRIMARY KEY,
		name       TEXT,
		image      BLOB,
		updated_at INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE inbox (
		id                 INTEGER PRIMARY KEY AUTOINCREMENT,
		payload            BLOB NOT NULL,
		server_received_at INTEGER NOT NULL,
		received_at        INTEGER NOT NULL
	)`,
	`CREATE INDEX idx_inbox_order ON inbox (server_received_at, id)`,
	`CREATE TABLE locations (
		client_id   TEXT NOT NULL,
		group_id    TEXT NOT NULL,
		longitude   REAL NOT NULL,
		latitude    REAL NOT NULL,
		recorded_at INTEGER NOT NULL,
		PRIMARY KEY (client_id, group_id, recorded_at)
	)`,
	`CREATE TABLE pending_commits (
		group_id     TEXT PRIMARY KEY,
		commit_hash  BLOB NOT NULL,
		message_hash BLOB NOT NULL,
		staged_state BLOB NOT NULL,
		created_at   INTEGER NOT NULL
	)`,
	`CREATE TABLE key_values (
		kind  INTEGER NOT NULL,
		key   BLOB NOT NULL,
		value BLOB NOT NULL,
		PRIMARY KEY (kind, key)
	)`,
	`CREATE TABLE users (
		id           TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		identity_key BLOB NOT NULL
	)`,
	`CREATE TABLE clients (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		public_key BLOB NOT NULL,
		signature  BLOB NOT NULL
	)`,
}

func OpenAccountStore(dir string, user UserID) (*AccountStore, error) {
	db, err := openDatabase(filepath.Join(dir, "account-"+user.String()+".db"), accountMigrations)
	if err != nil {
		return nil, err
	}
	return &AccountStore{db: db}, nil
}

func (s *AccountStore) Close() error { return s.db.Close() }

// openDatabase runs the forward-only migration list, tracking progress in
// the sqlite user_version pragma.  A failed migration is fatal to opening
// the store.
func openDatabase(path string, migrations []string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("lagoon.store: open %s: %v", path, err)
	}

	var version int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		db.Close()
		return nil, fmt.Errorf("lagoon.store: read schema version: %v", err)
	}
	if version > len(migrations) {
		db.Close()
		return nil, fmt.Errorf("lagoon.store: database schema version %d is ahead of this build (%d)", version, len(migrations))
	}

	for i := version; i < len(migrations); i++ {
		if _, err := db.Exec(migrations[i]); err != nil {
			db.Close()
			return nil, fmt.Errorf("lagoon.store: migration %d failed: %v", i+1, err)
		}
		if _, err := db.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, i+1)); err != nil {
			db.Close()
			return nil, fmt.Errorf("lagoon.store: migration %d version bump failed: %v", i+1, err)
		}
	}
	return db, nil
}

///
/// Groups
///

type GroupRecord struct {
	ID        GroupID
	Name      *string
	Image     []byte
	UpdatedAt int64
}

func (s *AccountStore) SaveGroup(rec GroupRecord) error {
	_, err := s.db.Exec(`INSERT INTO groups (id, name, image, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, image = excluded.image, updated_at = excluded.updated_at`,
		rec.ID.String(), rec.Name, rec.Image, rec.UpdatedAt)
	return err
}

func (s *AccountStore) Group(id GroupID) (*GroupRecord, error) {
	rec := GroupRecord{ID: id}
	err := s.db.QueryRow(`SELECT name, image, updated_at FROM groups WHERE id = ?`, id.String()).
		Scan(&rec.Name, &rec.Image, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *AccountStore) Groups() ([]GroupRecord, error) {
	rows, err := s.db.Query(`SELECT id, name, image, updated_at FROM groups ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []GroupRecord
	for rows.Next() {
		var rec GroupRecord
		var idStr string
		if err := rows.Scan(&idStr, &rec.Name, &rec.Image, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		if rec.ID, err = ParseGroupID(idStr); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

///
/// Inbox
///

type InboxEnvelope struct {
	ID               int64
	Payload          []byte
	ServerReceivedAt int64
	ReceivedAt       int64
}

func (s *AccountStore) EnqueueEnvelope(payload []byte, serverReceivedAt, receivedAt int64) error {
	_, err := s.db.Exec(`INSERT INTO inbox (payload, server_received_at, received_at) VALUES (?, ?, ?)`,
		payload, serverReceivedAt, receivedAt)
	return err
}

// PendingEnvelopes returns every queued envelope, oldest server receipt
// first.  Arrival order breaks ties so redelivered batches keep a stable
// order.
func (s *AccountStore) PendingEnvelopes() ([]InboxEnvelope, error) {
	rows, err := s.db.Query(`SELECT id, payload, server_received_at, received_at
		FROM inbox ORDER BY server_received_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var envs []InboxEnvelope
	for rows.Next() {
		var env InboxEnvelope
		if err := rows.Scan(&env.ID, &env.Payload, &env.ServerReceivedAt, &env.ReceivedAt); err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, rows.Err()
}

func (s *AccountStore) DeleteEnvelope(id int64) error {
	_, err := s.db.Exec(`DELETE FROM inbox WHERE id = ?`, id)
	return err
}

///
/// Locations
///

type LocationRecord struct {
	ClientID   ClientID
	GroupID    GroupID
	Longitude  float64
	Latitude   float64
	RecordedAt int64
}

func (s *AccountStore) SaveLocation(rec LocationRecord) error {
	_, err := s.db.Exec(`INSERT INTO locations (client_id, group_id, longitude, latitude, recorded_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(client_id, group_id, recorded_at) DO UPDATE SET
			longitude = excluded.longitude, latitude = excluded.latitude`,
		rec.ClientID.String(), rec.GroupID.String(), rec.Longitude, rec.Latitude, rec.RecordedAt)
	return err
}

func (s *AccountStore) Locations(group GroupID) ([]LocationRecord, error) {
	rows, err := s.db.Query(`SELECT client_id, longitude, latitude, recorded_at
		FROM locations WHERE group_id = ? ORDER BY recorded_at ASC`, group.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []LocationRecord
	for rows.Next() {
		rec := LocationRecord{GroupID: group}
		var clientStr string
		if err := rows.Scan(&clientStr, &rec.Longitude, &rec.Latitude, &rec.RecordedAt); err != nil {
			return nil, err
		}
		if rec.ClientID, err = ParseClientID(clientStr); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

///
/// Pending commit markers
///

type PendingCommitRecord struct {
	GroupID     GroupID
	CommitHash  []byte
	MessageHash []byte
	StagedState []byte
	CreatedAt   int64
}

// SavePendingCommit replaces any previous marker for the group; there is
// never more than one staged commit per group.
func (s *AccountStore) SavePendingCommit(rec PendingCommitRecord) error {
	_, err := s.db.Exec(`INSERT INTO pending_commits (group_id, commit_hash, message_hash, staged_state, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(group_id) DO UPDATE SET
			commit_hash = excluded.commit_hash,
			message_hash = excluded.message_hash,
			staged_state = excluded.staged_state,
			created_at = excluded.created_at`,
		rec.GroupID.String(), rec.CommitHash, rec.MessageHash, rec.StagedState, rec.CreatedAt)
	return err
}

func (s *AccountStore) PendingCommit(group GroupID) (*PendingCommitRecord, error) {
	rec := PendingCommitRecord{GroupID: group}
	err := s.db.QueryRow(`SELECT commit_hash, message_hash, staged_state, created_at
		FROM pending_commits WHERE group_id = ?`, group.String()).
		Scan(&rec.CommitHash, &rec.MessageHash, &rec.StagedState, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *AccountStore) DeletePendingCommit(group GroupID) error {
	_, err := s.db.Exec(`DELETE FROM pending_commits WHERE group_id = ?`, group.String())
	return err
}

///
/// Key-value blobs (MLS key material, group state)
///

func (s *AccountStore) PutValue(kind EntityKind, key, value []byte) error {
	_, err := s.db.Exec(`INSERT INTO key_values (kind, key, value) VALUES (?, ?, ?)
		ON CONFLICT(kind, key) DO UPDATE SET value = excluded.value`,
		int(kind), key, value)
	return err
}

func (s *AccountStore) GetValue(kind EntityKind, key []byte) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow(`SELECT value FROM key_values WHERE kind = ? AND key = ?`, int(kind), key).
		Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return value, err
}

func (s *AccountStore) DeleteValue(kind EntityKind, key []byte) error {
	_, err := s.db.Exec(`DELETE FROM key_values WHERE kind = ? AND key = ?`, int(kind), key)
	return err
}

///
/// Directory cache
///

func (s *AccountStore) SaveUserRecord(rec UserRecord) error {
	_, err := s.db.Exec(`INSERT INTO users (id, display_name, identity_key) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET display_name = excluded.display_name, identity_key = excluded.identity_key`,
		rec.UserID, rec.DisplayName, rec.IdentityKey)
	return err
}

func (s *AccountStore) UserRecord(user UserID) (*UserRecord, error) {
	rec := UserRecord{UserID: user.String()}
	err := s.db.QueryRow(`SELECT display_name, identity_key FROM users WHERE id = ?`, user.String()).
		Scan(&rec.DisplayName, &rec.IdentityKey)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *AccountStore) SaveClientRecord(rec ClientRecord) error {
	_, err := s.db.Exec(`INSERT INTO clients (id, user_id, public_key, signature) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET user_id = excluded.user_id,
			public_key = excluded.public_key, signature = excluded.signature`,
		rec.ClientID, rec.UserID, rec.PublicKey, rec.Signature)
	return err
}

func (s *AccountStore) ClientRecord(client ClientID) (*ClientRecord, error) {
	rec := ClientRecord{ClientID: client.String()}
	err := s.db.QueryRow(`SELECT user_id, public_key, signature FROM clients WHERE id = ?`, client.String()).
		Scan(&rec.UserID, &rec.PublicKey, &rec.Signature)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
