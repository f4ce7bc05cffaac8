package syncer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garapa/mailmirror/internal/mailbox"
	"github.com/garapa/mailmirror/pkg/types"
)

func TestRunPassImportsNewMessages(t *testing.T) {
	st := newTestStore(t)
	acc := seedAccount(t, st)
	session := inboxSession(
		mkSnap(1, "first", "\\Seen"),
		mkSnap(2, "second"),
	)
	exec := NewExecutor(st, staticSecrets{}, &fakeDialer{session: session}, testLogger())

	res, err := exec.RunPass(context.Background(), acc.ID, PassOptions{})
	require.NoError(t, err)
	assert.Equal(t, PassOK, res.Status)
	assert.Equal(t, 2, res.NewMessages)
	assert.Equal(t, 1, res.Folders)

	total, unread, err := st.CountMessages(acc.ID, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, unread)

	cp, err := st.GetCheckpoint(acc.ID, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), cp.LastUID)
	assert.Equal(t, uint32(1), cp.UIDValidity)

	got, err := st.GetAccount(acc.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusOK, got.Status)
	assert.NotNil(t, got.LastSync)

	// second pass with one new message only imports the new one
	session.messages["INBOX"] = append(session.messages["INBOX"], mkSnap(3, "third"))
	session.statuses["INBOX"].TotalMessages = 3

	res, err = exec.RunPass(context.Background(), acc.ID, PassOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.NewMessages)

	cp, err = st.GetCheckpoint(acc.ID, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(3), cp.LastUID)
}

func TestRunPassMirrorsFlagChanges(t *testing.T) {
	st := newTestStore(t)
	acc := seedAccount(t, st)
	session := inboxSession(mkSnap(1, "first"))
	exec := NewExecutor(st, staticSecrets{}, &fakeDialer{session: session}, testLogger())

	_, err := exec.RunPass(context.Background(), acc.ID, PassOptions{})
	require.NoError(t, err)
	_, unread, err := st.CountMessages(acc.ID, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, 1, unread)

	// the message gets read remotely between passes
	session.messages["INBOX"][0].Flags = []string{"\\Seen"}

	res, err := exec.RunPass(context.Background(), acc.ID, PassOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.NewMessages)
	assert.Equal(t, 1, res.FlagsSeen)

	_, unread, err = st.CountMessages(acc.ID, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, 0, unread)
}

func TestRunPassUIDValidityChangeForcesRefetch(t *testing.T) {
	st := newTestStore(t)
	acc := seedAccount(t, st)
	session := inboxSession(mkSnap(1, "first"), mkSnap(2, "second"))
	exec := NewExecutor(st, staticSecrets{}, &fakeDialer{session: session}, testLogger())

	_, err := exec.RunPass(context.Background(), acc.ID, PassOptions{})
	require.NoError(t, err)

	// the server rebuilt the mailbox: same paths, new UIDVALIDITY
	session.statuses["INBOX"].UIDValidity = 2
	session.messages["INBOX"] = []*types.MessageSnapshot{
		mkSnap(1, "rebuilt-one"), mkSnap(2, "rebuilt-two"), mkSnap(3, "rebuilt-three"),
	}
	session.statuses["INBOX"].TotalMessages = 3

	res, err := exec.RunPass(context.Background(), acc.ID, PassOptions{})
	require.NoError(t, err)
	assert.Equal(t, PassOK, res.Status)

	cp, err := st.GetCheckpoint(acc.ID, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(3), cp.LastUID)
	assert.Equal(t, uint32(2), cp.UIDValidity)

	total, _, err := st.CountMessages(acc.ID, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, 3, total)
}

func TestRunPassAuthFailurePersistsError(t *testing.T) {
	st := newTestStore(t)
	acc := seedAccount(t, st)
	authErr := &mailbox.AuthError{Err: errors.New("invalid credentials")}
	exec := NewExecutor(st, staticSecrets{}, &fakeDialer{err: authErr}, testLogger())

	res, err := exec.RunPass(context.Background(), acc.ID, PassOptions{})
	require.Error(t, err)
	assert.True(t, mailbox.IsAuth(err))
	assert.Equal(t, PassError, res.Status)

	got, err := st.GetAccount(acc.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusError, got.Status)
	assert.Nil(t, got.LastSync, "a failed pass must not claim a successful sync")
}

func TestRunPassSkippedWhileInFlight(t *testing.T) {
	st := newTestStore(t)
	acc := seedAccount(t, st)
	exec := NewExecutor(st, staticSecrets{}, &fakeDialer{session: inboxSession()}, testLogger())

	lock := exec.lockFor(acc.ID)
	lock.Lock()
	defer lock.Unlock()

	res, err := exec.RunPass(context.Background(), acc.ID, PassOptions{})
	require.NoError(t, err)
	assert.Equal(t, PassSkipped, res.Status)
}

func TestRunPassFolderErrorIsIsolated(t *testing.T) {
	st := newTestStore(t)
	acc := seedAccount(t, st)
	session := &fakeSession{
		folders: []types.FolderDescriptor{
			{Name: "Broken", Path: "Broken", Delimiter: "/", Subscribed: true},
			{Name: "INBOX", Path: "INBOX", Delimiter: "/", Subscribed: true},
		},
		statuses: map[string]*types.FolderStatus{
			"INBOX": {TotalMessages: 1, UIDValidity: 1},
		},
		messages:  map[string][]*types.MessageSnapshot{"INBOX": {mkSnap(1, "first")}},
		statusErr: map[string]error{"Broken": &mailbox.ProtocolError{Err: errors.New("boom")}},
	}
	exec := NewExecutor(st, staticSecrets{}, &fakeDialer{session: session}, testLogger())

	res, err := exec.RunPass(context.Background(), acc.ID, PassOptions{})
	require.NoError(t, err)
	assert.Equal(t, PassPartial, res.Status)
	assert.Equal(t, 1, res.Folders)
	assert.Equal(t, 1, res.NewMessages)
	assert.Len(t, res.Errors, 1)

	got, err := st.GetAccount(acc.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPartial, got.Status)
}

func TestRunPassNetworkErrorLeavesCheckpointBehind(t *testing.T) {
	st := newTestStore(t)
	acc := seedAccount(t, st)
	session := &fakeSession{
		folders: []types.FolderDescriptor{
			{Name: "INBOX", Path: "INBOX", Delimiter: "/", Subscribed: true},
			{Name: "Sent", Path: "Sent", Delimiter: "/", SpecialUse: "\\Sent", Subscribed: true},
		},
		statuses: map[string]*types.FolderStatus{
			"INBOX": {TotalMessages: 2, UIDValidity: 1},
			"Sent":  {TotalMessages: 1, UIDValidity: 1},
		},
		messages: map[string][]*types.MessageSnapshot{
			"INBOX": {mkSnap(1, "first"), mkSnap(2, "second")},
			"Sent":  {mkSnap(1, "sent")},
		},
		fetchErr: map[string]error{"Sent": &mailbox.NetworkError{Err: errors.New("connection reset")}},
	}
	exec := NewExecutor(st, staticSecrets{}, &fakeDialer{session: session}, testLogger())

	res, err := exec.RunPass(context.Background(), acc.ID, PassOptions{})
	require.NoError(t, err)
	assert.Equal(t, PassPartial, res.Status)

	folder, err := st.GetFolder(acc.ID, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, 2, folder.TotalMessages)

	cp, err := st.GetCheckpoint(acc.ID, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), cp.LastUID)

	cp, err = st.GetCheckpoint(acc.ID, "Sent")
	require.NoError(t, err)
	assert.Zero(t, cp.LastUID, "a failed folder's checkpoint must not advance")
}

func TestRunPassReconcileRemovesVanished(t *testing.T) {
	st := newTestStore(t)
	acc := seedAccount(t, st)
	session := inboxSession(mkSnap(1, "first"), mkSnap(2, "second"))
	exec := NewExecutor(st, staticSecrets{}, &fakeDialer{session: session}, testLogger())

	_, err := exec.RunPass(context.Background(), acc.ID, PassOptions{})
	require.NoError(t, err)

	// UID 2 vanishes remotely; two reconciling passes retire it
	session.messages["INBOX"] = session.messages["INBOX"][:1]
	session.statuses["INBOX"].TotalMessages = 1

	res, err := exec.RunPass(context.Background(), acc.ID, PassOptions{Reconcile: true})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Removed, "first miss starts the grace period")

	res, err = exec.RunPass(context.Background(), acc.ID, PassOptions{Reconcile: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)

	total, _, err := st.CountMessages(acc.ID, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestRunPassReconcileRecoversSkippedMessages(t *testing.T) {
	st := newTestStore(t)
	acc := seedAccount(t, st)
	session := inboxSession(mkSnap(3, "third"))
	exec := NewExecutor(st, staticSecrets{}, &fakeDialer{session: session}, testLogger())

	_, err := exec.RunPass(context.Background(), acc.ID, PassOptions{})
	require.NoError(t, err)

	// messages surface below the watermark; incremental passes miss them
	session.messages["INBOX"] = []*types.MessageSnapshot{
		mkSnap(1, "first"), mkSnap(2, "second"), mkSnap(3, "third"),
	}
	session.statuses["INBOX"].TotalMessages = 3
	session.statuses["INBOX"].UnreadMessages = 3

	res, err := exec.RunPass(context.Background(), acc.ID, PassOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.NewMessages, "a plain pass stays above the watermark")

	res, err = exec.RunPass(context.Background(), acc.ID, PassOptions{Reconcile: true})
	require.NoError(t, err)
	assert.Equal(t, 2, res.NewMessages)

	total, _, err := st.CountMessages(acc.ID, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	cp, err := st.GetCheckpoint(acc.ID, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(3), cp.LastUID)
}

func TestRunPassBoundsImportBatch(t *testing.T) {
	st := newTestStore(t)
	acc := seedAccount(t, st)
	session := inboxSession(
		mkSnap(1, "a"), mkSnap(2, "b"), mkSnap(3, "c"), mkSnap(4, "d"), mkSnap(5, "e"),
	)
	exec := NewExecutor(st, staticSecrets{}, &fakeDialer{session: session}, testLogger())
	exec.SetResyncLimit(2)

	// each pass imports at most the bound and parks the checkpoint at the
	// highest stored UID, so the backfill spreads across passes
	want := []struct {
		imported int
		lastUID  uint32
	}{
		{2, 2}, {2, 4}, {1, 5},
	}
	for _, step := range want {
		res, err := exec.RunPass(context.Background(), acc.ID, PassOptions{})
		require.NoError(t, err)
		assert.Equal(t, step.imported, res.NewMessages)

		cp, err := st.GetCheckpoint(acc.ID, "INBOX")
		require.NoError(t, err)
		assert.Equal(t, step.lastUID, cp.LastUID)
	}

	total, _, err := st.CountMessages(acc.ID, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, 5, total)
}

func TestRunPassNewMailHook(t *testing.T) {
	st := newTestStore(t)
	acc := seedAccount(t, st)
	exec := NewExecutor(st, staticSecrets{}, &fakeDialer{session: inboxSession(mkSnap(1, "first"))}, testLogger())

	var hookAccount string
	var hookCount int
	exec.OnNewMail(func(account *types.Account, count int) {
		hookAccount = account.Name
		hookCount = count
	})

	_, err := exec.RunPass(context.Background(), acc.ID, PassOptions{})
	require.NoError(t, err)
	assert.Equal(t, acc.Name, hookAccount)
	assert.Equal(t, 1, hookCount)

	// no new messages, no notification
	hookCount = 0
	_, err = exec.RunPass(context.Background(), acc.ID, PassOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, hookCount)
}
