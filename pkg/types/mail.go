package types

import "time"

// Transport security modes for an account's IMAP connection.
const (
	SecurityTLS      = "tls"
	SecurityStartTLS = "starttls"
	SecurityPlain    = "plain"
)

// Account statuses persisted after a sync pass or control action.
const (
	StatusOK      = "ok"
	StatusPartial = "partial"
	StatusError   = "error"
)

// Account is a configured remote mailbox under synchronization.
// Everything except LastSync, SyncEnabled and Status is read-only to the
// sync core; accounts are created and edited by external configuration.
type Account struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	Security     string        `json:"security"`
	Username     string        `json:"username"`
	SecretRef    string        `json:"-"`
	Enabled      bool          `json:"enabled"`
	SyncEnabled  bool          `json:"sync_enabled"`
	SyncInterval time.Duration `json:"sync_interval"`
	LastSync     *time.Time    `json:"last_sync,omitempty"`
	Status       string        `json:"status,omitempty"`
}

// Folder is a path-addressed message container within an account's mailbox.
// TotalMessages and UnreadMessages are cached counters that must equal the
// count of locally stored non-deleted messages scoped to the folder; the
// reconciler restores that invariant when it drifts.
type Folder struct {
	ID             int64      `json:"id"`
	AccountID      string     `json:"account_id"`
	Name           string     `json:"name"`
	Path           string     `json:"path"`
	Delimiter      string     `json:"delimiter"`
	SpecialUse     string     `json:"special_use,omitempty"`
	Subscribed     bool       `json:"subscribed"`
	TotalMessages  int        `json:"total_messages"`
	UnreadMessages int        `json:"unread_messages"`
	LastSynced     *time.Time `json:"last_synced,omitempty"`
}

// IsSystem reports whether the folder is a server-designated system folder.
// System folders are never deleted by the core.
func (f *Folder) IsSystem() bool {
	return f.SpecialUse != "" || f.Path == "INBOX"
}

// Address is a single mailbox address with an optional display name.
type Address struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// AttachmentRef points at a MIME part holding an attachment. Content is not
// stored by the sync core; it is fetched on demand by external collaborators.
type AttachmentRef struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	PartID      string `json:"part_id,omitempty"`
}

// Message is an envelope + body snapshot of a remote message.
// (AccountID, FolderID, UID) is unique among non-purged rows. MissCount
// implements the two-pass grace period: a message absent from the remote
// folder in two consecutive reconciliations is soft-deleted, never sooner.
type Message struct {
	ID          int64           `json:"id"`
	AccountID   string          `json:"account_id"`
	FolderID    int64           `json:"folder_id"`
	FolderPath  string          `json:"folder_path"`
	UID         uint32          `json:"uid"`
	MessageID   string          `json:"message_id"`
	Subject     string          `json:"subject"`
	From        []Address       `json:"from"`
	To          []Address       `json:"to,omitempty"`
	Cc          []Address       `json:"cc,omitempty"`
	Bcc         []Address       `json:"bcc,omitempty"`
	Date        time.Time       `json:"date"`
	BodyText    string          `json:"body_text,omitempty"`
	BodyHTML    string          `json:"body_html,omitempty"`
	Size        int64           `json:"size"`
	Flags       []string        `json:"flags,omitempty"`
	Read        bool            `json:"read"`
	Starred     bool            `json:"starred"`
	Important   bool            `json:"important"`
	Deleted     bool            `json:"deleted"`
	MissCount   int             `json:"-"`
	Attachments []AttachmentRef `json:"attachments,omitempty"`
	CachedAt    time.Time       `json:"cached_at"`
}

// Checkpoint is the per (account, folder) sync cursor: the highest UID
// already imported plus the folder's UIDVALIDITY at the time it was taken.
// A UIDVALIDITY change on the server invalidates every imported UID and
// forces a full re-fetch of the folder.
type Checkpoint struct {
	AccountID   string    `json:"account_id"`
	FolderPath  string    `json:"folder_path"`
	LastUID     uint32    `json:"last_uid"`
	UIDValidity uint32    `json:"uid_validity"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// FolderStatus is a lightweight remote count query result; no bodies.
type FolderStatus struct {
	TotalMessages  int
	UnreadMessages int
	UIDNext        uint32
	UIDValidity    uint32
}

// FolderDescriptor is what the remote LIST reports about one folder.
type FolderDescriptor struct {
	Name       string
	Path       string
	Delimiter  string
	SpecialUse string
	Subscribed bool
}

// MessageSnapshot is one element of the lazy fetch sequence produced by the
// mailbox adapter. FlagsOnly snapshots carry no envelope or body and are
// used to refresh flags of already-imported messages cheaply.
type MessageSnapshot struct {
	UID         uint32
	MessageID   string
	Subject     string
	From        []Address
	To          []Address
	Cc          []Address
	Bcc         []Address
	Date        time.Time
	Flags       []string
	BodyText    string
	BodyHTML    string
	Size        int64
	Attachments []AttachmentRef
	FlagsOnly   bool
}

// HasFlag reports whether the snapshot carries the given IMAP flag.
func (s *MessageSnapshot) HasFlag(flag string) bool {
	for _, f := range s.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// Discrepancy records one folder whose local counter disagrees with the
// remote source of truth.
type Discrepancy struct {
	FolderPath  string `json:"folder_path"`
	LocalCount  int    `json:"local_count"`
	RemoteCount int    `json:"remote_count"`
}

// ConsistencyReport is the transient output of a consistency check. It is
// never persisted; callers consume it immediately.
type ConsistencyReport struct {
	AccountID     string        `json:"account_id"`
	Folders       []Folder      `json:"folders"`
	Discrepancies []Discrepancy `json:"discrepancies"`
}

// FixSummary reports what a consistency repair run did for one account.
type FixSummary struct {
	FoldersFixed   int      `json:"folders_fixed"`
	EmailsResynced int      `json:"emails_resynced"`
	Errors         []string `json:"errors,omitempty"`
}

// SweepSummary aggregates a global consistency sweep over all enabled accounts.
type SweepSummary struct {
	TotalConfigs      int      `json:"total_configs"`
	SuccessfulConfigs int      `json:"successful_configs"`
	Errors            []string `json:"errors,omitempty"`
}
