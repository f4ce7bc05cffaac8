package syncer

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/garapa/mailmirror/internal/store"
	"github.com/garapa/mailmirror/pkg/types"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return store.NewStore(db, logger)
}

func seedAccount(t *testing.T, st *store.Store) *types.Account {
	t.Helper()
	acc := &types.Account{
		ID:           "acc-1",
		Name:         "work",
		Host:         "imap.example.com",
		Port:         993,
		Security:     types.SecurityTLS,
		Username:     "user@example.com",
		SecretRef:    "secret",
		Enabled:      true,
		SyncEnabled:  true,
		SyncInterval: 3 * time.Minute,
	}
	require.NoError(t, st.UpsertAccount(acc))
	return acc
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

type staticSecrets struct{}

func (staticSecrets) Resolve(ref string) (string, error) { return ref, nil }

func mkSnap(uid uint32, subject string, flags ...string) *types.MessageSnapshot {
	return &types.MessageSnapshot{
		UID:     uid,
		Subject: subject,
		From:    []types.Address{{Address: "from@example.com"}},
		Date:    time.Now(),
		Flags:   flags,
	}
}

type sliceIter struct {
	snaps []*types.MessageSnapshot
	idx   int
	err   error
}

func (it *sliceIter) Next() (*types.MessageSnapshot, bool) {
	if it.idx >= len(it.snaps) {
		return nil, false
	}
	snap := it.snaps[it.idx]
	it.idx++
	return snap, true
}

func (it *sliceIter) Err() error   { return it.err }
func (it *sliceIter) Close() error { return nil }

// fakeSession serves canned folders and messages keyed by folder path.
type fakeSession struct {
	folders   []types.FolderDescriptor
	statuses  map[string]*types.FolderStatus
	messages  map[string][]*types.MessageSnapshot
	statusErr map[string]error
	fetchErr  map[string]error
}

func inboxSession(snaps ...*types.MessageSnapshot) *fakeSession {
	var maxUID uint32
	unseen := 0
	for _, snap := range snaps {
		if snap.UID > maxUID {
			maxUID = snap.UID
		}
		if !snap.HasFlag(imap.SeenFlag) {
			unseen++
		}
	}
	return &fakeSession{
		folders: []types.FolderDescriptor{
			{Name: "INBOX", Path: "INBOX", Delimiter: "/", Subscribed: true},
		},
		statuses: map[string]*types.FolderStatus{
			"INBOX": {TotalMessages: len(snaps), UnreadMessages: unseen, UIDNext: maxUID + 1, UIDValidity: 1},
		},
		messages: map[string][]*types.MessageSnapshot{"INBOX": snaps},
	}
}

func (s *fakeSession) ListFolders() ([]types.FolderDescriptor, error) {
	return s.folders, nil
}

func (s *fakeSession) Status(path string) (*types.FolderStatus, error) {
	if err := s.statusErr[path]; err != nil {
		return nil, err
	}
	if st, ok := s.statuses[path]; ok {
		return st, nil
	}
	return &types.FolderStatus{UIDValidity: 1}, nil
}

func (s *fakeSession) FetchSince(path string, cp types.Checkpoint) (MessageIter, error) {
	if err := s.fetchErr[path]; err != nil {
		return nil, err
	}
	var above []*types.MessageSnapshot
	for _, snap := range s.messages[path] {
		if snap.UID > cp.LastUID {
			above = append(above, snap)
		}
	}
	return &sliceIter{snaps: above}, nil
}

func (s *fakeSession) FlagUpdates(path string, uptoUID uint32) (MessageIter, error) {
	var snaps []*types.MessageSnapshot
	for _, snap := range s.messages[path] {
		if snap.UID <= uptoUID {
			snaps = append(snaps, &types.MessageSnapshot{UID: snap.UID, Flags: snap.Flags, FlagsOnly: true})
		}
	}
	return &sliceIter{snaps: snaps}, nil
}

func (s *fakeSession) FullUIDSet(path string) (map[uint32]bool, error) {
	uids := make(map[uint32]bool)
	for _, snap := range s.messages[path] {
		uids[snap.UID] = true
	}
	return uids, nil
}

func (s *fakeSession) Close() error { return nil }

type fakeDialer struct {
	session  Session
	err      error
	connects atomic.Int32
}

func (d *fakeDialer) Connect(ctx context.Context, account *types.Account, secret string) (Session, error) {
	d.connects.Add(1)
	if d.err != nil {
		return nil, d.err
	}
	return d.session, nil
}
