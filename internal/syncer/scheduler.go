package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/garapa/mailmirror/internal/mailbox"
)

// Job lifecycle states.
const (
	StateStopped  = "stopped"
	StateStarting = "starting"
	StateIdle     = "idle"
	StateSyncing  = "syncing"
	StateStopping = "stopping"
	StateError    = "error"
)

// Scheduling bounds. An account's configured interval is clamped to the
// minimum; accounts without one fall back to the default.
const (
	MinSyncInterval     = 60 * time.Second
	DefaultSyncInterval = 180 * time.Second
)

// DefaultReconcileEvery is how many passes run between consistency
// maintenance rounds.
const DefaultReconcileEvery = 6

type job struct {
	accountID string
	cancel    context.CancelFunc
	done      chan struct{}
	state     string
	passes    int
}

// GlobalStatus is a snapshot of the scheduler.
type GlobalStatus struct {
	Enabled bool              `json:"enabled"`
	Jobs    map[string]string `json:"jobs"`
}

// Scheduler owns the periodic sync job per account. Intervals are measured
// from the end of one pass to the start of the next, so a slow pass never
// stacks up behind its own timer.
type Scheduler struct {
	store    Store
	executor *Executor
	logger   *logrus.Logger

	mu             sync.Mutex
	jobs           map[string]*job
	enabled        bool
	reconcileEvery int
}

// NewScheduler creates a scheduler with synchronization globally enabled.
func NewScheduler(store Store, executor *Executor, logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		store:          store,
		executor:       executor,
		logger:         logger,
		jobs:           make(map[string]*job),
		enabled:        true,
		reconcileEvery: DefaultReconcileEvery,
	}
}

// SetReconcileEvery overrides how often the maintenance round runs.
func (s *Scheduler) SetReconcileEvery(n int) {
	if n > 0 {
		s.mu.Lock()
		s.reconcileEvery = n
		s.mu.Unlock()
	}
}

// Start launches the periodic job for an account. Starting an already
// running job is a no-op. A non-positive interval falls back to the
// account's configured one. The first pass runs immediately.
func (s *Scheduler) Start(accountID string, interval time.Duration) error {
	s.mu.Lock()
	if !s.enabled {
		s.mu.Unlock()
		return fmt.Errorf("synchronization is globally disabled")
	}
	if _, ok := s.jobs[accountID]; ok {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	account, err := s.store.GetAccount(accountID)
	if err != nil {
		return err
	}
	if !account.Enabled || !account.SyncEnabled {
		return fmt.Errorf("account %s has synchronization disabled", account.Name)
	}

	if interval <= 0 {
		interval = account.SyncInterval
	}
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	if interval < MinSyncInterval {
		interval = MinSyncInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	j := &job{
		accountID: accountID,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     StateStarting,
	}

	s.mu.Lock()
	if _, ok := s.jobs[accountID]; ok {
		s.mu.Unlock()
		cancel()
		return nil
	}
	s.jobs[accountID] = j
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"account":  account.Name,
		"interval": interval,
	}).Info("Starting sync job")
	go s.run(ctx, j, interval)
	return nil
}

func (s *Scheduler) run(ctx context.Context, j *job, interval time.Duration) {
	defer close(j.done)
	for {
		s.setState(j, StateSyncing)
		reconcile := false
		s.mu.Lock()
		j.passes++
		if j.passes%s.reconcileEvery == 0 {
			reconcile = true
		}
		s.mu.Unlock()

		_, err := s.executor.RunPass(ctx, j.accountID, PassOptions{Reconcile: reconcile})
		if ctx.Err() != nil {
			s.setState(j, StateStopped)
			return
		}
		if err != nil && mailbox.IsAuth(err) {
			// the job keeps ticking so an externally corrected credential
			// is picked up without a restart
			s.logger.WithField("account_id", j.accountID).Warn("Authentication failed, waiting for next tick")
			s.setState(j, StateError)
		} else {
			s.setState(j, StateIdle)
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.setState(j, StateStopped)
			return
		case <-timer.C:
		}
	}
}

func (s *Scheduler) setState(j *job, state string) {
	s.mu.Lock()
	j.state = state
	s.mu.Unlock()
}

// Stop cancels an account's job and waits for it to wind down. Returns
// whether a running job was actually stopped.
func (s *Scheduler) Stop(accountID string) bool {
	s.mu.Lock()
	j, ok := s.jobs[accountID]
	if !ok || j.state == StateStopped || j.state == StateStopping {
		s.mu.Unlock()
		return false
	}
	j.state = StateStopping
	s.mu.Unlock()

	j.cancel()
	<-j.done

	s.mu.Lock()
	delete(s.jobs, accountID)
	s.mu.Unlock()
	s.logger.WithField("account_id", accountID).Info("Sync job stopped")
	return true
}

// Restart stops the job if running and starts it fresh, picking up any
// configuration changes.
func (s *Scheduler) Restart(accountID string) error {
	s.Stop(accountID)
	return s.Start(accountID, 0)
}

// TriggerSync runs a single pass immediately, outside the schedule. The
// executor's run lock still applies: a pass already in flight makes this
// report skipped rather than run twice.
func (s *Scheduler) TriggerSync(ctx context.Context, accountID string) (*PassResult, error) {
	return s.executor.RunPass(ctx, accountID, PassOptions{})
}

// EnableGlobal allows jobs to be started again after a global disable.
func (s *Scheduler) EnableGlobal() {
	s.mu.Lock()
	s.enabled = true
	s.mu.Unlock()
	s.logger.Info("Synchronization globally enabled")
}

// DisableGlobal rejects new Start calls until re-enabled. Running jobs are
// left alone; pair with StopAll for an immediate halt.
func (s *Scheduler) DisableGlobal() {
	s.mu.Lock()
	s.enabled = false
	s.mu.Unlock()
	s.logger.Info("Synchronization globally disabled")
}

// GetGlobalStatus reports the enable flag and the state of every job.
func (s *Scheduler) GetGlobalStatus() GlobalStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := GlobalStatus{Enabled: s.enabled, Jobs: make(map[string]string, len(s.jobs))}
	for id, j := range s.jobs {
		status.Jobs[id] = j.state
	}
	return status
}

// Status returns the lifecycle state of one account's job.
func (s *Scheduler) Status(accountID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[accountID]; ok {
		return j.state
	}
	return StateStopped
}

// ActiveJobs lists the accounts with a live job.
func (s *Scheduler) ActiveJobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	return ids
}

// StartAllActiveConfigs starts a job for every enabled account. Individual
// failures are logged and do not block the rest. A no-op while globally
// disabled.
func (s *Scheduler) StartAllActiveConfigs() error {
	s.mu.Lock()
	enabled := s.enabled
	s.mu.Unlock()
	if !enabled {
		s.logger.Info("Synchronization globally disabled, not starting jobs")
		return nil
	}

	accounts, err := s.store.ListEnabledAccounts()
	if err != nil {
		return fmt.Errorf("failed to list accounts: %w", err)
	}
	for _, account := range accounts {
		if err := s.Start(account.ID, 0); err != nil {
			s.logger.WithError(err).WithField("account", account.Name).Warn("Failed to start sync job")
		}
	}
	s.logger.WithField("accounts", len(accounts)).Info("Sync jobs started")
	return nil
}

// StopAll stops every job and waits for each to finish.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.Stop(id)
	}
}
