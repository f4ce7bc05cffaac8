package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/garapa/mailmirror/pkg/types"
)

// Store provides methods for reading and writing the local mailbox mirror
type Store struct {
	db     *DB
	logger *logrus.Logger
}

// NewStore creates a new store instance
func NewStore(db *DB, logger *logrus.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
	}
}

// UpsertAccount inserts or updates an account's configuration. Runtime
// fields (last_sync, status) are left untouched on update.
func (s *Store) UpsertAccount(acc *types.Account) error {
	query := `
		INSERT INTO accounts (id, name, host, port, security, username, secret_ref, enabled, sync_enabled, sync_interval_secs, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			host = excluded.host,
			port = excluded.port,
			security = excluded.security,
			username = excluded.username,
			secret_ref = excluded.secret_ref,
			enabled = excluded.enabled,
			sync_enabled = excluded.sync_enabled,
			sync_interval_secs = excluded.sync_interval_secs,
			updated_at = excluded.updated_at
	`
	_, err := s.db.SQL().Exec(query,
		acc.ID, acc.Name, acc.Host, acc.Port, acc.Security, acc.Username, acc.SecretRef,
		boolToInt(acc.Enabled), boolToInt(acc.SyncEnabled), int(acc.SyncInterval.Seconds()),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert account: %w", err)
	}
	return nil
}

const accountColumns = `id, name, host, port, security, username, secret_ref, enabled, sync_enabled, sync_interval_secs, last_sync, status`

func (s *Store) scanAccount(row *sql.Row) (*types.Account, error) {
	var acc types.Account
	var enabled, syncEnabled, intervalSecs int
	var lastSync sql.NullTime

	err := row.Scan(&acc.ID, &acc.Name, &acc.Host, &acc.Port, &acc.Security, &acc.Username,
		&acc.SecretRef, &enabled, &syncEnabled, &intervalSecs, &lastSync, &acc.Status)
	if err != nil {
		return nil, err
	}
	acc.Enabled = enabled != 0
	acc.SyncEnabled = syncEnabled != 0
	acc.SyncInterval = time.Duration(intervalSecs) * time.Second
	if lastSync.Valid {
		t := lastSync.Time
		acc.LastSync = &t
	}
	return &acc, nil
}

// GetAccount returns an account by ID
func (s *Store) GetAccount(id string) (*types.Account, error) {
	row := s.db.SQL().QueryRow(`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	acc, err := s.scanAccount(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("account not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return acc, nil
}

// GetAccountByName returns an account by its unique name, nil when absent
func (s *Store) GetAccountByName(name string) (*types.Account, error) {
	row := s.db.SQL().QueryRow(`SELECT `+accountColumns+` FROM accounts WHERE name = ?`, name)
	acc, err := s.scanAccount(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return acc, nil
}

// ListEnabledAccounts returns accounts that are enabled and have sync turned on
func (s *Store) ListEnabledAccounts() ([]types.Account, error) {
	rows, err := s.db.SQL().Query(`SELECT ` + accountColumns + ` FROM accounts WHERE enabled = 1 AND sync_enabled = 1 ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []types.Account
	for rows.Next() {
		var acc types.Account
		var enabled, syncEnabled, intervalSecs int
		var lastSync sql.NullTime
		err := rows.Scan(&acc.ID, &acc.Name, &acc.Host, &acc.Port, &acc.Security, &acc.Username,
			&acc.SecretRef, &enabled, &syncEnabled, &intervalSecs, &lastSync, &acc.Status)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		acc.Enabled = enabled != 0
		acc.SyncEnabled = syncEnabled != 0
		acc.SyncInterval = time.Duration(intervalSecs) * time.Second
		if lastSync.Valid {
			t := lastSync.Time
			acc.LastSync = &t
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

// UpdateAccountStatus persists the outcome of a pass or control action.
// A zero lastSync leaves the existing timestamp in place.
func (s *Store) UpdateAccountStatus(id, status string, lastSync time.Time) error {
	var err error
	if lastSync.IsZero() {
		_, err = s.db.SQL().Exec(`UPDATE accounts SET status = ?, updated_at = ? WHERE id = ?`,
			status, time.Now().UTC(), id)
	} else {
		_, err = s.db.SQL().Exec(`UPDATE accounts SET status = ?, last_sync = ?, updated_at = ? WHERE id = ?`,
			status, lastSync.UTC(), time.Now().UTC(), id)
	}
	if err != nil {
		return fmt.Errorf("failed to update account status: %w", err)
	}
	return nil
}

// SetSyncEnabled toggles synchronization for one account
func (s *Store) SetSyncEnabled(id string, enabled bool) error {
	_, err := s.db.SQL().Exec(`UPDATE accounts SET sync_enabled = ?, updated_at = ? WHERE id = ?`,
		boolToInt(enabled), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set sync enabled: %w", err)
	}
	return nil
}

// UpsertFolder creates a folder on first sight (subscribed, counters zero)
// or refreshes its remote-reported attributes, preserving cached counters.
func (s *Store) UpsertFolder(accountID string, fd types.FolderDescriptor) (*types.Folder, error) {
	query := `
		INSERT INTO folders (account_id, name, path, delimiter, special_use, subscribed)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, path) DO UPDATE SET
			name = excluded.name,
			delimiter = excluded.delimiter,
			special_use = excluded.special_use,
			subscribed = excluded.subscribed
	`
	_, err := s.db.SQL().Exec(query, accountID, fd.Name, fd.Path, fd.Delimiter, fd.SpecialUse, boolToInt(fd.Subscribed))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert folder: %w", err)
	}
	return s.GetFolder(accountID, fd.Path)
}

const folderColumns = `id, account_id, name, path, delimiter, special_use, subscribed, total_messages, unread_messages, last_synced`

func scanFolder(scan func(dest ...interface{}) error) (*types.Folder, error) {
	var f types.Folder
	var subscribed int
	var lastSynced sql.NullTime
	err := scan(&f.ID, &f.AccountID, &f.Name, &f.Path, &f.Delimiter, &f.SpecialUse,
		&subscribed, &f.TotalMessages, &f.UnreadMessages, &lastSynced)
	if err != nil {
		return nil, err
	}
	f.Subscribed = subscribed != 0
	if lastSynced.Valid {
		t := lastSynced.Time
		f.LastSynced = &t
	}
	return &f, nil
}

// GetFolder returns a folder by (account, path)
func (s *Store) GetFolder(accountID, path string) (*types.Folder, error) {
	row := s.db.SQL().QueryRow(`SELECT `+folderColumns+` FROM folders WHERE account_id = ? AND path = ?`, accountID, path)
	f, err := scanFolder(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("folder not found: %s", path)
		}
		return nil, fmt.Errorf("failed to get folder: %w", err)
	}
	return f, nil
}

func (s *Store) queryFolders(query string, args ...interface{}) ([]types.Folder, error) {
	rows, err := s.db.SQL().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query folders: %w", err)
	}
	defer rows.Close()

	var folders []types.Folder
	for rows.Next() {
		f, err := scanFolder(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan folder: %w", err)
		}
		folders = append(folders, *f)
	}
	return folders, rows.Err()
}

// ListFolders lists all folders for an account ordered by path
func (s *Store) ListFolders(accountID string) ([]types.Folder, error) {
	return s.queryFolders(`SELECT `+folderColumns+` FROM folders WHERE account_id = ? ORDER BY path`, accountID)
}

// ListSubscribedFolders lists subscribed folders ordered oldest-synced first,
// which bounds how long any one folder can starve.
func (s *Store) ListSubscribedFolders(accountID string) ([]types.Folder, error) {
	return s.queryFolders(`
		SELECT `+folderColumns+` FROM folders
		WHERE account_id = ? AND subscribed = 1
		ORDER BY last_synced IS NOT NULL, last_synced ASC, path`, accountID)
}

// UpdateFolderCounters persists the cached message counters for a folder
func (s *Store) UpdateFolderCounters(folderID int64, total, unread int) error {
	_, err := s.db.SQL().Exec(`UPDATE folders SET total_messages = ?, unread_messages = ? WHERE id = ?`,
		total, unread, folderID)
	if err != nil {
		return fmt.Errorf("failed to update folder counters: %w", err)
	}
	return nil
}

// TouchFolderSynced records when a folder last completed a sync
func (s *Store) TouchFolderSynced(folderID int64, when time.Time) error {
	_, err := s.db.SQL().Exec(`UPDATE folders SET last_synced = ? WHERE id = ?`, when.UTC(), folderID)
	if err != nil {
		return fmt.Errorf("failed to touch folder: %w", err)
	}
	return nil
}

// DeleteFolder removes a user folder. System folders are never deleted and
// a user folder must hold zero messages.
func (s *Store) DeleteFolder(accountID, path string) error {
	f, err := s.GetFolder(accountID, path)
	if err != nil {
		return err
	}
	if f.IsSystem() {
		return fmt.Errorf("refusing to delete system folder %s", path)
	}
	var count int
	err = s.db.SQL().QueryRow(`SELECT COUNT(*) FROM messages WHERE folder_id = ? AND is_deleted = 0`, f.ID).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to count messages: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("refusing to delete non-empty folder %s (%d messages)", path, count)
	}
	if _, err := s.db.SQL().Exec(`DELETE FROM messages WHERE folder_id = ?`, f.ID); err != nil {
		return fmt.Errorf("failed to delete folder messages: %w", err)
	}
	if _, err := s.db.SQL().Exec(`DELETE FROM checkpoints WHERE account_id = ? AND folder_path = ?`, accountID, path); err != nil {
		return fmt.Errorf("failed to delete folder checkpoint: %w", err)
	}
	if _, err := s.db.SQL().Exec(`DELETE FROM folders WHERE id = ?`, f.ID); err != nil {
		return fmt.Errorf("failed to delete folder: %w", err)
	}
	return nil
}

// UpsertMessage inserts a message on first observation or updates its
// mutable fields when observed again. A message seen again after being
// marked missing is resurrected. Returns whether a new row was inserted.
func (s *Store) UpsertMessage(msg *types.Message) (bool, error) {
	fromJSON, toJSON, ccJSON, bccJSON, err := marshalAddresses(msg)
	if err != nil {
		return false, err
	}
	flagsJSON, err := json.Marshal(msg.Flags)
	if err != nil {
		return false, fmt.Errorf("failed to marshal flags: %w", err)
	}
	attachJSON, err := json.Marshal(msg.Attachments)
	if err != nil {
		return false, fmt.Errorf("failed to marshal attachments: %w", err)
	}

	var existingID int64
	err = s.db.SQL().QueryRow(`SELECT id FROM messages WHERE account_id = ? AND folder_id = ? AND uid = ?`,
		msg.AccountID, msg.FolderID, msg.UID).Scan(&existingID)
	switch {
	case err == sql.ErrNoRows:
		query := `
			INSERT INTO messages (account_id, folder_id, uid, message_id, subject, from_addrs, to_addrs, cc_addrs, bcc_addrs,
				date, body_text, body_html, size, flags, is_read, is_starred, is_important, is_deleted, miss_count, attachments, cached_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		`
		_, err := s.db.SQL().Exec(query,
			msg.AccountID, msg.FolderID, msg.UID, msg.MessageID, msg.Subject,
			string(fromJSON), string(toJSON), string(ccJSON), string(bccJSON),
			msg.Date.UTC(), msg.BodyText, msg.BodyHTML, msg.Size, string(flagsJSON),
			boolToInt(msg.Read), boolToInt(msg.Starred), boolToInt(msg.Important), boolToInt(msg.Deleted),
			string(attachJSON), time.Now().UTC(),
		)
		if err != nil {
			return false, fmt.Errorf("failed to insert message: %w", err)
		}
		return true, nil
	case err != nil:
		return false, fmt.Errorf("failed to look up message: %w", err)
	}

	query := `
		UPDATE messages SET
			message_id = ?, subject = ?, from_addrs = ?, to_addrs = ?, cc_addrs = ?, bcc_addrs = ?,
			date = ?, body_text = ?, body_html = ?, size = ?, flags = ?,
			is_read = ?, is_starred = ?, is_important = ?, is_deleted = ?, miss_count = 0,
			attachments = ?, cached_at = ?
		WHERE id = ?
	`
	_, err = s.db.SQL().Exec(query,
		msg.MessageID, msg.Subject,
		string(fromJSON), string(toJSON), string(ccJSON), string(bccJSON),
		msg.Date.UTC(), msg.BodyText, msg.BodyHTML, msg.Size, string(flagsJSON),
		boolToInt(msg.Read), boolToInt(msg.Starred), boolToInt(msg.Important), boolToInt(msg.Deleted),
		string(attachJSON), time.Now().UTC(), existingID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update message: %w", err)
	}
	return false, nil
}

// UpdateMessageFlags mirrors a remote flag change without touching the
// body. Returns whether a matching row existed.
func (s *Store) UpdateMessageFlags(msg *types.Message) (bool, error) {
	flagsJSON, err := json.Marshal(msg.Flags)
	if err != nil {
		return false, fmt.Errorf("failed to marshal flags: %w", err)
	}
	res, err := s.db.SQL().Exec(`
		UPDATE messages SET flags = ?, is_read = ?, is_starred = ?, is_important = ?, miss_count = 0
		WHERE account_id = ? AND folder_id = ? AND uid = ?`,
		string(flagsJSON), boolToInt(msg.Read), boolToInt(msg.Starred), boolToInt(msg.Important),
		msg.AccountID, msg.FolderID, msg.UID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update message flags: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// CountMessages returns the authoritative local counts for a folder:
// non-deleted messages and the unread subset.
func (s *Store) CountMessages(accountID, folderPath string) (total, unread int, err error) {
	query := `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN m.is_read = 0 THEN 1 ELSE 0 END), 0)
		FROM messages m
		JOIN folders f ON m.folder_id = f.id
		WHERE m.account_id = ? AND f.path = ? AND m.is_deleted = 0
	`
	err = s.db.SQL().QueryRow(query, accountID, folderPath).Scan(&total, &unread)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return total, unread, nil
}

// ReconcileVanished applies the two-pass grace period against the set of
// UIDs currently live on the server: a stored message missing from the set
// gets its miss counter bumped and is soft-deleted on the second consecutive
// miss; a message seen again has its counter reset. Returns the number of
// messages soft-deleted in this call.
func (s *Store) ReconcileVanished(accountID string, folderID int64, live map[uint32]bool) (int, error) {
	rows, err := s.db.SQL().Query(`SELECT id, uid, miss_count FROM messages WHERE account_id = ? AND folder_id = ? AND is_deleted = 0`,
		accountID, folderID)
	if err != nil {
		return 0, fmt.Errorf("failed to query messages: %w", err)
	}
	type row struct {
		id        int64
		uid       uint32
		missCount int
	}
	var local []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.uid, &r.missCount); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan message: %w", err)
		}
		local = append(local, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	tx, err := s.db.SQL().Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	removed := 0
	for _, r := range local {
		if live[r.uid] {
			if r.missCount != 0 {
				if _, err := tx.Exec(`UPDATE messages SET miss_count = 0 WHERE id = ?`, r.id); err != nil {
					return 0, fmt.Errorf("failed to reset miss count: %w", err)
				}
			}
			continue
		}
		if r.missCount+1 >= 2 {
			if _, err := tx.Exec(`UPDATE messages SET is_deleted = 1, miss_count = ? WHERE id = ?`, r.missCount+1, r.id); err != nil {
				return 0, fmt.Errorf("failed to soft-delete message: %w", err)
			}
			removed++
		} else {
			if _, err := tx.Exec(`UPDATE messages SET miss_count = ? WHERE id = ?`, r.missCount+1, r.id); err != nil {
				return 0, fmt.Errorf("failed to bump miss count: %w", err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return removed, nil
}

// PurgeOrphanMessages deletes messages whose folder no longer exists locally
func (s *Store) PurgeOrphanMessages(accountID string) (int64, error) {
	res, err := s.db.SQL().Exec(`
		DELETE FROM messages
		WHERE account_id = ? AND folder_id NOT IN (SELECT id FROM folders WHERE account_id = ?)`,
		accountID, accountID)
	if err != nil {
		return 0, fmt.Errorf("failed to purge orphan messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}

// GetCheckpoint returns the sync cursor for a folder, zero-valued when the
// folder has never been synced.
func (s *Store) GetCheckpoint(accountID, folderPath string) (types.Checkpoint, error) {
	cp := types.Checkpoint{AccountID: accountID, FolderPath: folderPath}
	var updatedAt sql.NullTime
	err := s.db.SQL().QueryRow(`
		SELECT last_uid, uid_validity, updated_at FROM checkpoints
		WHERE account_id = ? AND folder_path = ?`, accountID, folderPath).
		Scan(&cp.LastUID, &cp.UIDValidity, &updatedAt)
	if err == sql.ErrNoRows {
		return cp, nil
	}
	if err != nil {
		return cp, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	if updatedAt.Valid {
		cp.UpdatedAt = updatedAt.Time
	}
	return cp, nil
}

// SaveCheckpoint upserts the sync cursor for a folder
func (s *Store) SaveCheckpoint(cp types.Checkpoint) error {
	query := `
		INSERT INTO checkpoints (account_id, folder_path, last_uid, uid_validity, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id, folder_path) DO UPDATE SET
			last_uid = excluded.last_uid,
			uid_validity = excluded.uid_validity,
			updated_at = excluded.updated_at
	`
	_, err := s.db.SQL().Exec(query, cp.AccountID, cp.FolderPath, cp.LastUID, cp.UIDValidity, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// ResetCheckpoint zeroes the cursor, forcing a full re-fetch of the folder
func (s *Store) ResetCheckpoint(accountID, folderPath string) error {
	return s.SaveCheckpoint(types.Checkpoint{AccountID: accountID, FolderPath: folderPath})
}

func marshalAddresses(msg *types.Message) (from, to, cc, bcc []byte, err error) {
	if from, err = json.Marshal(msg.From); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal from: %w", err)
	}
	if to, err = json.Marshal(msg.To); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal to: %w", err)
	}
	if cc, err = json.Marshal(msg.Cc); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal cc: %w", err)
	}
	if bcc, err = json.Marshal(msg.Bcc); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal bcc: %w", err)
	}
	return from, to, cc, bcc, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
