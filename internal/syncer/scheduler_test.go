package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garapa/mailmirror/internal/mailbox"
)

func newScheduler(t *testing.T, dialer Dialer) (*Scheduler, string) {
	t.Helper()
	st := newTestStore(t)
	acc := seedAccount(t, st)
	exec := NewExecutor(st, staticSecrets{}, dialer, testLogger())
	sched := NewScheduler(st, exec, testLogger())
	t.Cleanup(sched.StopAll)
	return sched, acc.ID
}

func waitForState(t *testing.T, sched *Scheduler, accountID, state string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return sched.Status(accountID) == state
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSchedulerStartRunsImmediatePass(t *testing.T) {
	dialer := &fakeDialer{session: inboxSession(mkSnap(1, "first"))}
	sched, accountID := newScheduler(t, dialer)

	require.NoError(t, sched.Start(accountID, 0))
	waitForState(t, sched, accountID, StateIdle)
	assert.Equal(t, int32(1), dialer.connects.Load())
	assert.Equal(t, []string{accountID}, sched.ActiveJobs())
}

func TestSchedulerStartIsIdempotent(t *testing.T) {
	dialer := &fakeDialer{session: inboxSession()}
	sched, accountID := newScheduler(t, dialer)

	require.NoError(t, sched.Start(accountID, 0))
	waitForState(t, sched, accountID, StateIdle)
	require.NoError(t, sched.Start(accountID, 0))

	assert.Len(t, sched.ActiveJobs(), 1)
	assert.Equal(t, int32(1), dialer.connects.Load(), "a second Start must not spawn a second job")
}

func TestSchedulerStopSemantics(t *testing.T) {
	sched, accountID := newScheduler(t, &fakeDialer{session: inboxSession()})

	assert.False(t, sched.Stop(accountID), "nothing to stop yet")

	require.NoError(t, sched.Start(accountID, 0))
	waitForState(t, sched, accountID, StateIdle)

	assert.True(t, sched.Stop(accountID))
	assert.Equal(t, StateStopped, sched.Status(accountID))
	assert.False(t, sched.Stop(accountID), "stopping twice reports no running job")
}

func TestSchedulerGlobalDisable(t *testing.T) {
	sched, accountID := newScheduler(t, &fakeDialer{session: inboxSession()})

	require.NoError(t, sched.Start(accountID, 0))
	waitForState(t, sched, accountID, StateIdle)

	sched.DisableGlobal()
	assert.Error(t, sched.Start("other-account", 0), "start is rejected while globally disabled")
	assert.Len(t, sched.ActiveJobs(), 1, "disabling alone does not stop running jobs")
	assert.False(t, sched.GetGlobalStatus().Enabled)

	sched.StopAll()
	assert.Empty(t, sched.ActiveJobs())
	require.NoError(t, sched.StartAllActiveConfigs(), "no-op while disabled")
	assert.Empty(t, sched.ActiveJobs())

	sched.EnableGlobal()
	require.NoError(t, sched.Start(accountID, 0))
	waitForState(t, sched, accountID, StateIdle)
}

func TestSchedulerAuthFailureMarksJobError(t *testing.T) {
	dialer := &fakeDialer{err: &mailbox.AuthError{Err: errors.New("invalid credentials")}}
	sched, accountID := newScheduler(t, dialer)

	require.NoError(t, sched.Start(accountID, 0))
	waitForState(t, sched, accountID, StateError)
	assert.Equal(t, int32(1), dialer.connects.Load(), "no blind retry before the next tick")

	// the job stays registered so a corrected credential is retried on
	// schedule without operator intervention
	assert.Equal(t, []string{accountID}, sched.ActiveJobs())
	assert.True(t, sched.Stop(accountID))
}

func TestSchedulerRestart(t *testing.T) {
	dialer := &fakeDialer{session: inboxSession()}
	sched, accountID := newScheduler(t, dialer)

	require.NoError(t, sched.Start(accountID, 0))
	waitForState(t, sched, accountID, StateIdle)

	require.NoError(t, sched.Restart(accountID))
	waitForState(t, sched, accountID, StateIdle)
	assert.Equal(t, int32(2), dialer.connects.Load())
}

func TestSchedulerTriggerSync(t *testing.T) {
	dialer := &fakeDialer{session: inboxSession(mkSnap(1, "first"))}
	sched, accountID := newScheduler(t, dialer)

	res, err := sched.TriggerSync(context.Background(), accountID)
	require.NoError(t, err)
	assert.Equal(t, PassOK, res.Status)
	assert.Equal(t, 1, res.NewMessages)
}

func TestSchedulerStartAllActiveConfigs(t *testing.T) {
	dialer := &fakeDialer{session: inboxSession()}
	sched, accountID := newScheduler(t, dialer)

	require.NoError(t, sched.StartAllActiveConfigs())
	waitForState(t, sched, accountID, StateIdle)

	sched.StopAll()
	assert.Empty(t, sched.ActiveJobs())
}

func TestSchedulerStartRejectsDisabledAccount(t *testing.T) {
	st := newTestStore(t)
	acc := seedAccount(t, st)
	require.NoError(t, st.SetSyncEnabled(acc.ID, false))
	exec := NewExecutor(st, staticSecrets{}, &fakeDialer{session: inboxSession()}, testLogger())
	sched := NewScheduler(st, exec, testLogger())

	assert.Error(t, sched.Start(acc.ID, 0))
}
