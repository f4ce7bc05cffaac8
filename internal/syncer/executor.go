package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/sirupsen/logrus"

	"github.com/garapa/mailmirror/internal/mailbox"
	"github.com/garapa/mailmirror/pkg/types"
)

// Pass outcomes.
const (
	PassOK      = "ok"
	PassPartial = "partial"
	PassError   = "error"
	PassSkipped = "skipped"
)

// PassResult summarizes one sync pass over one account.
type PassResult struct {
	AccountID   string
	Status      string
	Folders     int
	NewMessages int
	FlagsSeen   int
	Removed     int
	Errors      []string
	Duration    time.Duration
}

// PassOptions tune a single pass.
type PassOptions struct {
	// Reconcile additionally runs the consistency maintenance path,
	// which detects vanished messages and repairs counters.
	Reconcile bool
}

// NewMailFunc is invoked after a pass that imported at least one message.
type NewMailFunc func(account *types.Account, count int)

// Executor runs sync passes. At most one pass per account is in flight at
// any time; a pass that finds the account already running reports skipped.
type Executor struct {
	store   Store
	secrets SecretResolver
	dialer  Dialer
	logger  *logrus.Logger

	onNewMail   NewMailFunc
	runLocks    sync.Map // accountID -> *sync.Mutex
	resyncLimit int
}

// NewExecutor creates a sync executor.
func NewExecutor(store Store, secrets SecretResolver, dialer Dialer, logger *logrus.Logger) *Executor {
	return &Executor{
		store:       store,
		secrets:     secrets,
		dialer:      dialer,
		logger:      logger,
		resyncLimit: DefaultResyncLimit,
	}
}

// SetResyncLimit overrides the per-folder fetch bound applied to imports
// and repair re-fetches.
func (e *Executor) SetResyncLimit(limit int) {
	if limit > 0 {
		e.resyncLimit = limit
	}
}

// OnNewMail registers the new-mail notification hook.
func (e *Executor) OnNewMail(fn NewMailFunc) {
	e.onNewMail = fn
}

func (e *Executor) lockFor(accountID string) *sync.Mutex {
	lock, _ := e.runLocks.LoadOrStore(accountID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// RunPass executes one synchronization pass for the account: connect,
// refresh the folder list, import new messages per folder, mirror flag
// changes, and persist the outcome. The connection is always closed and
// the checkpoint for a folder only advances after its import succeeded.
func (e *Executor) RunPass(ctx context.Context, accountID string, opts PassOptions) (*PassResult, error) {
	res := &PassResult{AccountID: accountID, Status: PassSkipped}

	lock := e.lockFor(accountID)
	if !lock.TryLock() {
		e.logger.WithField("account_id", accountID).Debug("Sync already in progress, skipping pass")
		return res, nil
	}
	defer lock.Unlock()

	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	account, err := e.store.GetAccount(accountID)
	if err != nil {
		res.Status = PassError
		return res, err
	}

	log := e.logger.WithField("account", account.Name)

	secret, err := e.secrets.Resolve(account.SecretRef)
	if err != nil {
		res.Status = PassError
		e.persistOutcome(account, res)
		return res, fmt.Errorf("failed to resolve secret: %w", err)
	}

	session, err := e.dialer.Connect(ctx, account, secret)
	if err != nil {
		res.Status = PassError
		res.Errors = append(res.Errors, err.Error())
		e.persistOutcome(account, res)
		if mailbox.IsAuth(err) {
			log.WithError(err).Warn("Authentication failed")
		} else {
			log.WithError(err).Warn("Connection failed")
		}
		return res, err
	}
	defer session.Close()

	folders, err := e.refreshFolders(account, session)
	if err != nil {
		res.Status = PassError
		res.Errors = append(res.Errors, err.Error())
		e.persistOutcome(account, res)
		return res, err
	}

	for _, folder := range folders {
		if err := ctx.Err(); err != nil {
			res.Errors = append(res.Errors, "pass cancelled")
			break
		}
		f := folder
		if err := e.syncFolder(account, session, &f, opts, res); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", f.Path, err))
			log.WithError(err).WithField("folder", f.Path).Warn("Folder sync failed")
			if mailbox.IsNetwork(err) {
				// the connection is gone; remaining folders would only
				// accumulate the same failure
				break
			}
			continue
		}
		res.Folders++
	}

	if len(res.Errors) == 0 {
		res.Status = PassOK
	} else {
		res.Status = PassPartial
	}
	e.persistOutcome(account, res)

	if res.NewMessages > 0 && e.onNewMail != nil {
		e.onNewMail(account, res.NewMessages)
	}

	log.WithFields(logrus.Fields{
		"folders":      res.Folders,
		"new_messages": res.NewMessages,
		"status":       res.Status,
		"duration":     res.Duration.Round(time.Millisecond),
	}).Info("Sync pass finished")
	return res, nil
}

// refreshFolders mirrors the remote folder list and returns the subscribed
// folders ordered oldest-synced first.
func (e *Executor) refreshFolders(account *types.Account, session Session) ([]types.Folder, error) {
	descriptors, err := session.ListFolders()
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	for _, fd := range descriptors {
		if _, err := e.store.UpsertFolder(account.ID, fd); err != nil {
			return nil, err
		}
	}
	return e.store.ListSubscribedFolders(account.ID)
}

func (e *Executor) syncFolder(account *types.Account, session Session, folder *types.Folder, opts PassOptions, res *PassResult) error {
	status, err := session.Status(folder.Path)
	if err != nil {
		return err
	}

	cp, err := e.store.GetCheckpoint(account.ID, folder.Path)
	if err != nil {
		return err
	}
	if cp.UIDValidity != 0 && cp.UIDValidity != status.UIDValidity {
		// every imported UID is void; start the folder over
		e.logger.WithFields(logrus.Fields{
			"account": account.Name,
			"folder":  folder.Path,
		}).Warn("UIDVALIDITY changed, forcing full re-fetch")
		if err := e.store.ResetCheckpoint(account.ID, folder.Path); err != nil {
			return err
		}
		cp.LastUID = 0
		cp.UIDValidity = 0
	}

	imported, maxUID, err := e.importNew(account, session, folder, cp)
	if err != nil {
		return err
	}
	res.NewMessages += imported

	if maxUID > cp.LastUID || cp.UIDValidity != status.UIDValidity {
		next := types.Checkpoint{
			AccountID:   account.ID,
			FolderPath:  folder.Path,
			LastUID:     maxUID,
			UIDValidity: status.UIDValidity,
		}
		if next.LastUID < cp.LastUID {
			next.LastUID = cp.LastUID
		}
		if err := e.store.SaveCheckpoint(next); err != nil {
			return err
		}
	}

	if cp.LastUID > 0 {
		seen, err := e.mirrorFlags(account, session, folder, cp.LastUID)
		if err != nil {
			return err
		}
		res.FlagsSeen += seen
	}

	if opts.Reconcile {
		if err := e.reconcileFolder(account, session, folder, status, res); err != nil {
			return err
		}
	}

	total, unread, err := e.store.CountMessages(account.ID, folder.Path)
	if err != nil {
		return err
	}
	if err := e.store.UpdateFolderCounters(folder.ID, total, unread); err != nil {
		return err
	}
	return e.store.TouchFolderSynced(folder.ID, time.Now().UTC())
}

// reconcileFolder runs the consistency repair for one folder while its
// sync pass still holds the session: messages that vanished remotely are
// retired, and when the stored state still disagrees with the server the
// folder is re-fetched from scratch to recover messages the incremental
// watermark skipped.
func (e *Executor) reconcileFolder(account *types.Account, session Session, folder *types.Folder, status *types.FolderStatus, res *PassResult) error {
	total, unread, err := e.store.CountMessages(account.ID, folder.Path)
	if err != nil {
		return err
	}
	if total == status.TotalMessages && unread == status.UnreadMessages {
		live, err := session.FullUIDSet(folder.Path)
		if err != nil {
			return err
		}
		removed, err := e.store.ReconcileVanished(account.ID, folder.ID, live)
		if err != nil {
			return err
		}
		res.Removed += removed
		return nil
	}

	rs, err := resyncFolder(e.store, session, account, folder, status, e.resyncLimit)
	if err != nil {
		return err
	}
	res.NewMessages += rs.imported
	res.Removed += rs.removed
	return nil
}

// importNew fetches messages above the checkpoint and stores them, at most
// resyncLimit per pass; a truncated batch parks the checkpoint at its
// highest UID so the next pass continues the backfill. Returns the number
// imported and the highest UID observed.
func (e *Executor) importNew(account *types.Account, session Session, folder *types.Folder, cp types.Checkpoint) (int, uint32, error) {
	iter, err := session.FetchSince(folder.Path, cp)
	if err != nil {
		return 0, 0, err
	}
	defer iter.Close()

	imported := 0
	fetched := 0
	maxUID := cp.LastUID
	for fetched < e.resyncLimit {
		snap, ok := iter.Next()
		if !ok {
			break
		}
		fetched++
		msg := snapshotToMessage(account.ID, folder, snap)
		inserted, err := e.store.UpsertMessage(msg)
		if err != nil {
			return imported, maxUID, err
		}
		if inserted {
			imported++
		}
		if snap.UID > maxUID {
			maxUID = snap.UID
		}
	}
	if err := iter.Err(); err != nil {
		return imported, maxUID, err
	}
	return imported, maxUID, nil
}

// mirrorFlags refreshes the flags of already-imported messages with a
// flags-only fetch over the imported UID range.
func (e *Executor) mirrorFlags(account *types.Account, session Session, folder *types.Folder, uptoUID uint32) (int, error) {
	iter, err := session.FlagUpdates(folder.Path, uptoUID)
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	seen := 0
	for {
		snap, ok := iter.Next()
		if !ok {
			break
		}
		msg := &types.Message{
			AccountID: account.ID,
			FolderID:  folder.ID,
			UID:       snap.UID,
			Flags:     snap.Flags,
			Read:      snap.HasFlag(imap.SeenFlag),
			Starred:   snap.HasFlag(imap.FlaggedFlag),
			Important: snap.HasFlag("$Important"),
		}
		if _, err := e.store.UpdateMessageFlags(msg); err != nil {
			return seen, err
		}
		seen++
	}
	if err := iter.Err(); err != nil {
		return seen, err
	}
	return seen, nil
}

func (e *Executor) persistOutcome(account *types.Account, res *PassResult) {
	status := types.StatusOK
	lastSync := time.Now().UTC()
	switch res.Status {
	case PassError:
		status = types.StatusError
		lastSync = time.Time{} // keep the last successful timestamp
	case PassPartial:
		status = types.StatusPartial
	}
	if err := e.store.UpdateAccountStatus(account.ID, status, lastSync); err != nil {
		e.logger.WithError(err).WithField("account", account.Name).Error("Failed to persist sync status")
	}
}

// snapshotToMessage converts a fetched snapshot into a storable message,
// deriving the boolean flag mirrors from the raw IMAP flags.
func snapshotToMessage(accountID string, folder *types.Folder, snap *types.MessageSnapshot) *types.Message {
	return &types.Message{
		AccountID:   accountID,
		FolderID:    folder.ID,
		FolderPath:  folder.Path,
		UID:         snap.UID,
		MessageID:   snap.MessageID,
		Subject:     snap.Subject,
		From:        snap.From,
		To:          snap.To,
		Cc:          snap.Cc,
		Bcc:         snap.Bcc,
		Date:        snap.Date,
		BodyText:    snap.BodyText,
		BodyHTML:    snap.BodyHTML,
		Size:        snap.Size,
		Flags:       snap.Flags,
		Read:        snap.HasFlag(imap.SeenFlag),
		Starred:     snap.HasFlag(imap.FlaggedFlag),
		Important:   snap.HasFlag("$Important"),
		Deleted:     snap.HasFlag(imap.DeletedFlag),
		Attachments: snap.Attachments,
	}
}
