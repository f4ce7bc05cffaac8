package syncer

import (
	"context"
	"time"

	"github.com/garapa/mailmirror/internal/mailbox"
	"github.com/garapa/mailmirror/pkg/types"
)

// Store is the persistence surface the sync core depends on.
type Store interface {
	GetAccount(id string) (*types.Account, error)
	ListEnabledAccounts() ([]types.Account, error)
	UpdateAccountStatus(id, status string, lastSync time.Time) error

	UpsertFolder(accountID string, fd types.FolderDescriptor) (*types.Folder, error)
	ListFolders(accountID string) ([]types.Folder, error)
	ListSubscribedFolders(accountID string) ([]types.Folder, error)
	UpdateFolderCounters(folderID int64, total, unread int) error
	TouchFolderSynced(folderID int64, when time.Time) error
	DeleteFolder(accountID, path string) error

	UpsertMessage(msg *types.Message) (bool, error)
	UpdateMessageFlags(msg *types.Message) (bool, error)
	CountMessages(accountID, folderPath string) (total, unread int, err error)
	ReconcileVanished(accountID string, folderID int64, live map[uint32]bool) (int, error)
	PurgeOrphanMessages(accountID string) (int64, error)

	GetCheckpoint(accountID, folderPath string) (types.Checkpoint, error)
	SaveCheckpoint(cp types.Checkpoint) error
	ResetCheckpoint(accountID, folderPath string) error
}

// SecretResolver turns an account's secret reference into the credential
// handed to the IMAP dialer.
type SecretResolver interface {
	Resolve(ref string) (string, error)
}

// MessageIter is a lazy, abandonable sequence of message snapshots.
// Callers must Close it even when abandoning early.
type MessageIter interface {
	Next() (*types.MessageSnapshot, bool)
	Err() error
	Close() error
}

// Session is one authenticated IMAP connection scoped to a single pass.
type Session interface {
	ListFolders() ([]types.FolderDescriptor, error)
	Status(path string) (*types.FolderStatus, error)
	FetchSince(path string, cp types.Checkpoint) (MessageIter, error)
	FlagUpdates(path string, uptoUID uint32) (MessageIter, error)
	FullUIDSet(path string) (map[uint32]bool, error)
	Close() error
}

// Dialer opens sessions against remote mailboxes.
type Dialer interface {
	Connect(ctx context.Context, account *types.Account, secret string) (Session, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, account *types.Account, secret string) (Session, error)

func (f DialerFunc) Connect(ctx context.Context, account *types.Account, secret string) (Session, error) {
	return f(ctx, account, secret)
}

// NewIMAPDialer adapts the concrete IMAP dialer to the Dialer interface.
func NewIMAPDialer(d *mailbox.Dialer) Dialer {
	return DialerFunc(func(ctx context.Context, account *types.Account, secret string) (Session, error) {
		sess, err := d.Connect(ctx, account, secret)
		if err != nil {
			return nil, err
		}
		return &imapSession{sess}, nil
	})
}

// imapSession narrows the concrete session's fetch methods to MessageIter.
type imapSession struct {
	*mailbox.Session
}

func (s *imapSession) FetchSince(path string, cp types.Checkpoint) (MessageIter, error) {
	return s.Session.FetchSince(path, cp)
}

func (s *imapSession) FlagUpdates(path string, uptoUID uint32) (MessageIter, error) {
	return s.Session.FlagUpdates(path, uptoUID)
}
