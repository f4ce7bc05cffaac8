package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/garapa/mailmirror/internal/mailbox"
	"github.com/garapa/mailmirror/pkg/types"
)

// DefaultResyncLimit bounds how many messages a single repair run will
// re-fetch for one folder.
const DefaultResyncLimit = 500

// ConsistencyError marks a repair that failed writing to the local store,
// as opposed to a remote (mailbox) failure.
type ConsistencyError struct {
	Folder string
	Err    error
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency repair failed for %s: %v", e.Folder, e.Err)
}

func (e *ConsistencyError) Unwrap() error { return e.Err }

// Reconciler detects and repairs drift between the local mirror and the
// remote mailbox: stale counters, vanished messages and orphan rows.
type Reconciler struct {
	store       Store
	secrets     SecretResolver
	dialer      Dialer
	executor    *Executor
	logger      *logrus.Logger
	resyncLimit int
}

// NewReconciler creates a reconciler sharing the executor's per-account
// run locks so repairs never overlap a sync pass.
func NewReconciler(store Store, secrets SecretResolver, dialer Dialer, executor *Executor, logger *logrus.Logger) *Reconciler {
	return &Reconciler{
		store:       store,
		secrets:     secrets,
		dialer:      dialer,
		executor:    executor,
		logger:      logger,
		resyncLimit: DefaultResyncLimit,
	}
}

// SetResyncLimit overrides the per-folder re-fetch bound.
func (r *Reconciler) SetResyncLimit(limit int) {
	if limit > 0 {
		r.resyncLimit = limit
	}
}

func (r *Reconciler) connect(ctx context.Context, accountID string) (*types.Account, Session, error) {
	account, err := r.store.GetAccount(accountID)
	if err != nil {
		return nil, nil, err
	}
	secret, err := r.secrets.Resolve(account.SecretRef)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve secret: %w", err)
	}
	session, err := r.dialer.Connect(ctx, account, secret)
	if err != nil {
		return nil, nil, err
	}
	return account, session, nil
}

// CheckConsistency compares local counters against the remote counts for
// every subscribed folder. It never mutates state; the report is transient.
func (r *Reconciler) CheckConsistency(ctx context.Context, accountID string) (*types.ConsistencyReport, error) {
	account, session, err := r.connect(ctx, accountID)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	folders, err := r.store.ListSubscribedFolders(account.ID)
	if err != nil {
		return nil, err
	}

	report := &types.ConsistencyReport{AccountID: account.ID, Folders: folders}
	for _, folder := range folders {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		status, err := session.Status(folder.Path)
		if err != nil {
			r.logger.WithError(err).WithField("folder", folder.Path).Warn("Status failed during consistency check")
			continue
		}
		local, unread, err := r.store.CountMessages(account.ID, folder.Path)
		if err != nil {
			return report, err
		}
		if local != status.TotalMessages || unread != status.UnreadMessages {
			report.Discrepancies = append(report.Discrepancies, types.Discrepancy{
				FolderPath:  folder.Path,
				LocalCount:  local,
				RemoteCount: status.TotalMessages,
			})
		}
	}
	return report, nil
}

// MaintainConsistency repairs one account: counters are recomputed from
// stored messages, folders that still disagree with the remote get a
// bounded re-fetch with vanished-message detection, and orphan rows are
// purged. Folder failures are isolated; the summary carries them.
func (r *Reconciler) MaintainConsistency(ctx context.Context, accountID string) (*types.FixSummary, error) {
	summary := &types.FixSummary{}

	lock := r.executor.lockFor(accountID)
	if !lock.TryLock() {
		return summary, fmt.Errorf("account %s is syncing, repair skipped", accountID)
	}
	defer lock.Unlock()

	account, session, err := r.connect(ctx, accountID)
	if err != nil {
		return summary, err
	}
	defer session.Close()

	folders, err := r.store.ListSubscribedFolders(account.ID)
	if err != nil {
		return summary, err
	}

	for _, folder := range folders {
		if err := ctx.Err(); err != nil {
			summary.Errors = append(summary.Errors, "repair cancelled")
			break
		}
		f := folder
		if err := r.repairFolder(account, session, &f, summary); err != nil {
			if !mailbox.IsAuth(err) && !mailbox.IsNetwork(err) && !mailbox.IsProtocol(err) {
				err = &ConsistencyError{Folder: f.Path, Err: err}
			}
			summary.Errors = append(summary.Errors, err.Error())
			r.logger.WithError(err).WithFields(logrus.Fields{
				"account": account.Name,
				"folder":  f.Path,
			}).Warn("Folder repair failed")
		}
	}

	purged, err := r.store.PurgeOrphanMessages(account.ID)
	if err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("orphan purge: %v", err))
	} else if purged > 0 {
		r.logger.WithFields(logrus.Fields{
			"account": account.Name,
			"purged":  purged,
		}).Info("Purged orphan messages")
	}
	return summary, nil
}

// repairFolder fixes one folder and counts it in FoldersFixed when any
// repair was applied, whether recounting the cached counters was enough or
// a re-fetch was needed.
func (r *Reconciler) repairFolder(account *types.Account, session Session, folder *types.Folder, summary *types.FixSummary) error {
	status, err := session.Status(folder.Path)
	if err != nil {
		return err
	}

	// first pass: the counters themselves may just be stale
	total, unread, err := r.store.CountMessages(account.ID, folder.Path)
	if err != nil {
		return err
	}
	fixed := false
	if total != folder.TotalMessages || unread != folder.UnreadMessages {
		if err := r.store.UpdateFolderCounters(folder.ID, total, unread); err != nil {
			return err
		}
		fixed = true
	}

	if total != status.TotalMessages || unread != status.UnreadMessages {
		// the stored messages disagree with the server; re-fetch the
		// folder from scratch (bounded) and let the grace period retire
		// the rest
		rs, err := resyncFolder(r.store, session, account, folder, status, r.resyncLimit)
		if err != nil {
			return err
		}
		summary.EmailsResynced += rs.fetched
		fixed = true
	}

	if fixed {
		summary.FoldersFixed++
	}
	return nil
}

// resyncResult tallies one folder re-fetch.
type resyncResult struct {
	fetched  int
	imported int
	removed  int
}

// resyncFolder discards the folder's checkpoint and re-fetches its messages
// from the bottom, at most limit of them, then retires vanished messages
// and recomputes the counters. Messages beyond the bound are picked up by
// subsequent incremental passes, which apply the same bound.
func resyncFolder(store Store, session Session, account *types.Account, folder *types.Folder, status *types.FolderStatus, limit int) (resyncResult, error) {
	var rs resyncResult

	if err := store.ResetCheckpoint(account.ID, folder.Path); err != nil {
		return rs, err
	}
	cp := types.Checkpoint{AccountID: account.ID, FolderPath: folder.Path}
	iter, err := session.FetchSince(folder.Path, cp)
	if err != nil {
		return rs, err
	}
	for rs.fetched < limit {
		snap, ok := iter.Next()
		if !ok {
			break
		}
		rs.fetched++
		msg := snapshotToMessage(account.ID, folder, snap)
		inserted, err := store.UpsertMessage(msg)
		if err != nil {
			iter.Close()
			return rs, err
		}
		if inserted {
			rs.imported++
		}
		if snap.UID > cp.LastUID {
			cp.LastUID = snap.UID
		}
	}
	if err := iter.Close(); err != nil {
		return rs, err
	}
	if err := iter.Err(); err != nil {
		return rs, err
	}

	cp.UIDValidity = status.UIDValidity
	if err := store.SaveCheckpoint(cp); err != nil {
		return rs, err
	}

	live, err := session.FullUIDSet(folder.Path)
	if err != nil {
		return rs, err
	}
	removed, err := store.ReconcileVanished(account.ID, folder.ID, live)
	if err != nil {
		return rs, err
	}
	rs.removed = removed

	total, unread, err := store.CountMessages(account.ID, folder.Path)
	if err != nil {
		return rs, err
	}
	if err := store.UpdateFolderCounters(folder.ID, total, unread); err != nil {
		return rs, err
	}
	return rs, store.TouchFolderSynced(folder.ID, time.Now().UTC())
}

// SweepAll runs consistency maintenance across every enabled account.
func (r *Reconciler) SweepAll(ctx context.Context) (*types.SweepSummary, error) {
	accounts, err := r.store.ListEnabledAccounts()
	if err != nil {
		return nil, err
	}

	summary := &types.SweepSummary{TotalConfigs: len(accounts)}
	for _, account := range accounts {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		fix, err := r.MaintainConsistency(ctx, account.ID)
		if err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", account.Name, err))
			continue
		}
		if len(fix.Errors) > 0 {
			summary.Errors = append(summary.Errors, fix.Errors...)
		}
		summary.SuccessfulConfigs++
	}
	r.logger.WithFields(logrus.Fields{
		"accounts":   summary.TotalConfigs,
		"successful": summary.SuccessfulConfigs,
		"errors":     len(summary.Errors),
	}).Info("Consistency sweep finished")
	return summary, nil
}
