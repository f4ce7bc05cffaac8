package mailbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/garapa/mailmirror/pkg/types"
)

const (
	dialTimeout     = 30 * time.Second
	connectMinGap   = 10 * time.Second
	connectBurst    = 6
	noSelectAttr    = "\\Noselect"
	nonExistentAttr = "\\NonExistent"
)

// Dialer establishes authenticated IMAP sessions. Connect attempts are rate
// limited per account so a struggling server is not hammered by reconnects.
type Dialer struct {
	logger   *logrus.Logger
	limiters sync.Map
}

// NewDialer creates a dialer.
func NewDialer(logger *logrus.Logger) *Dialer {
	return &Dialer{logger: logger}
}

func (d *Dialer) limiter(accountID string) *rate.Limiter {
	v, _ := d.limiters.LoadOrStore(accountID, rate.NewLimiter(rate.Every(connectMinGap), connectBurst))
	return v.(*rate.Limiter)
}

// Connect establishes transport, negotiates security and authenticates with
// the resolved secret. Failures are classified into AuthError (credentials
// rejected) or NetworkError (host unreachable, timeout, throttled).
func (d *Dialer) Connect(ctx context.Context, account *types.Account, secret string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, &NetworkError{Err: err}
	}
	if !d.limiter(account.ID).Allow() {
		return nil, &NetworkError{Err: fmt.Errorf("connect attempts throttled for %s", account.Name)}
	}

	addr := fmt.Sprintf("%s:%d", account.Host, account.Port)
	dialer := &net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}
	tlsConfig := &tls.Config{
		ServerName: account.Host,
		MinVersion: tls.VersionTLS12,
	}

	var cl *client.Client
	var err error
	switch account.Security {
	case types.SecurityTLS:
		cl, err = client.DialWithDialerTLS(dialer, addr, tlsConfig)
	case types.SecurityStartTLS:
		cl, err = client.DialWithDialer(dialer, addr)
		if err == nil {
			if err = cl.StartTLS(tlsConfig); err != nil {
				cl.Logout() //nolint:errcheck
			}
		}
	case types.SecurityPlain:
		cl, err = client.DialWithDialer(dialer, addr)
	default:
		return nil, &ProtocolError{Err: fmt.Errorf("unknown security mode %q", account.Security)}
	}
	if err != nil {
		return nil, classifyConn(fmt.Errorf("failed to connect to %s: %w", addr, err))
	}

	cl.Timeout = dialTimeout
	if err := cl.Login(account.Username, secret); err != nil {
		d.logger.WithError(err).WithField("account", account.Name).Error("Failed to login to IMAP server")
		cl.Logout() //nolint:errcheck
		return nil, &AuthError{Err: err}
	}
	cl.Timeout = 0

	d.logger.WithField("account", account.Name).Info("Connected to IMAP server")
	return &Session{
		c:       cl,
		account: account.Name,
		logger:  d.logger,
	}, nil
}

// Session wraps one authenticated IMAP connection. It is never shared
// across concurrent callers; all side effects are confined to it.
type Session struct {
	c        *client.Client
	account  string
	logger   *logrus.Logger
	selected string
}

// selectFolder issues SELECT unless the folder is already the session's
// selected mailbox; consecutive operations on one folder reuse it.
func (s *Session) selectFolder(path string) error {
	if s.selected == path {
		return nil
	}
	if _, err := s.c.Select(path, false); err != nil {
		s.selected = ""
		return classifyOp(fmt.Errorf("failed to select folder %s: %w", path, err))
	}
	s.selected = path
	return nil
}

// ListFolders returns every folder visible to the account, with its
// delimiter, special-use tag and subscription state. Non-selectable
// hierarchy placeholders are omitted.
func (s *Session) ListFolders() ([]types.FolderDescriptor, error) {
	subscribed := s.subscribedPaths()

	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- s.c.List("", "*", mailboxes)
	}()

	var folders []types.FolderDescriptor
	for m := range mailboxes {
		if hasAttr(m.Attributes, noSelectAttr) || hasAttr(m.Attributes, nonExistentAttr) {
			continue
		}
		folders = append(folders, types.FolderDescriptor{
			Name:       leafName(m.Name, m.Delimiter),
			Path:       m.Name,
			Delimiter:  m.Delimiter,
			SpecialUse: specialUse(m.Attributes),
			Subscribed: subscribed == nil || subscribed[m.Name],
		})
	}
	if err := <-done; err != nil {
		return nil, classifyOp(fmt.Errorf("failed to list folders: %w", err))
	}
	return folders, nil
}

// subscribedPaths returns the LSUB result as a set, or nil when the server
// does not answer it (every folder then counts as subscribed).
func (s *Session) subscribedPaths() map[string]bool {
	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- s.c.Lsub("", "*", mailboxes)
	}()

	set := make(map[string]bool)
	for m := range mailboxes {
		set[m.Name] = true
	}
	if err := <-done; err != nil {
		s.logger.WithError(err).WithField("account", s.account).Debug("LSUB failed, treating all folders as subscribed")
		return nil
	}
	if len(set) == 0 {
		return nil
	}
	return set
}

// Status runs a lightweight remote count query; no message bodies are fetched.
func (s *Session) Status(path string) (*types.FolderStatus, error) {
	items := []imap.StatusItem{
		imap.StatusMessages,
		imap.StatusUnseen,
		imap.StatusUidNext,
		imap.StatusUidValidity,
	}
	st, err := s.c.Status(path, items)
	if err != nil {
		return nil, classifyOp(fmt.Errorf("failed to get status for %s: %w", path, err))
	}
	return &types.FolderStatus{
		TotalMessages:  int(st.Messages),
		UnreadMessages: int(st.Unseen),
		UIDNext:        st.UidNext,
		UIDValidity:    st.UidValidity,
	}, nil
}

// FetchSince produces full snapshots for every message with UID above the
// checkpoint's watermark. The returned sequence is finite and consumer
// driven; abandoning it via Close leaves the session usable.
func (s *Session) FetchSince(path string, cp types.Checkpoint) (*Fetch, error) {
	if err := s.selectFolder(path); err != nil {
		return nil, err
	}

	criteria := imap.NewSearchCriteria()
	uidRange := new(imap.SeqSet)
	uidRange.AddRange(cp.LastUID+1, 0)
	criteria.Uid = uidRange

	uids, err := s.c.UidSearch(criteria)
	if err != nil {
		return nil, classifyOp(fmt.Errorf("failed to search folder %s: %w", path, err))
	}
	// A range whose start exceeds the highest UID still matches the last
	// message, so the watermark is re-checked per message in the iterator.
	var filtered []uint32
	for _, uid := range uids {
		if uid > cp.LastUID {
			filtered = append(filtered, uid)
		}
	}
	if len(filtered) == 0 {
		return emptyFetch(), nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(filtered...)
	items := []imap.FetchItem{
		imap.FetchEnvelope,
		imap.FetchFlags,
		imap.FetchInternalDate,
		imap.FetchRFC822Size,
		imap.FetchUid,
		imap.FetchRFC822,
	}

	msgs := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- s.c.UidFetch(seqSet, items, msgs)
	}()
	return &Fetch{msgs: msgs, done: done, minUID: cp.LastUID, logger: s.logger}, nil
}

// FlagUpdates produces flag-only snapshots for the already-imported UID
// range so remote flag changes can be mirrored without re-fetching bodies.
func (s *Session) FlagUpdates(path string, uptoUID uint32) (*Fetch, error) {
	if uptoUID == 0 {
		return emptyFetch(), nil
	}
	if err := s.selectFolder(path); err != nil {
		return nil, err
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddRange(1, uptoUID)
	items := []imap.FetchItem{imap.FetchFlags, imap.FetchUid}

	msgs := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- s.c.UidFetch(seqSet, items, msgs)
	}()
	return &Fetch{msgs: msgs, done: done, flagsOnly: true, logger: s.logger}, nil
}

// FullUIDSet returns the set of UIDs currently live in the remote folder.
// The reconciler uses it to detect locally stored messages that vanished.
func (s *Session) FullUIDSet(path string) (map[uint32]bool, error) {
	if err := s.selectFolder(path); err != nil {
		return nil, err
	}
	criteria := imap.NewSearchCriteria()
	uidRange := new(imap.SeqSet)
	uidRange.AddRange(1, 0)
	criteria.Uid = uidRange

	uids, err := s.c.UidSearch(criteria)
	if err != nil {
		return nil, classifyOp(fmt.Errorf("failed to enumerate UIDs in %s: %w", path, err))
	}
	set := make(map[uint32]bool, len(uids))
	for _, uid := range uids {
		set[uid] = true
	}
	return set, nil
}

// ApplyFlags replaces the flag set of one message.
func (s *Session) ApplyFlags(path string, uid uint32, flags []string) error {
	if err := s.selectFolder(path); err != nil {
		return err
	}
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	values := make([]interface{}, len(flags))
	for i, f := range flags {
		values[i] = f
	}
	item := imap.FormatFlagsOp(imap.SetFlags, true)
	if err := s.c.UidStore(seqSet, item, values, nil); err != nil {
		return classifyOp(fmt.Errorf("failed to store flags on %s/%d: %w", path, uid, err))
	}
	return nil
}

// Move relocates a message to another folder. Servers without the MOVE
// extension are the norm here, so this is copy + mark deleted + expunge.
// The message receives a new UID in the destination folder.
func (s *Session) Move(path string, uid uint32, destPath string) error {
	if err := s.selectFolder(path); err != nil {
		return err
	}
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	if err := s.c.UidCopy(seqSet, destPath); err != nil {
		return classifyOp(fmt.Errorf("failed to copy %s/%d to %s: %w", path, uid, destPath, err))
	}
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := s.c.UidStore(seqSet, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
		return classifyOp(fmt.Errorf("failed to flag %s/%d deleted: %w", path, uid, err))
	}
	if err := s.c.Expunge(nil); err != nil {
		return classifyOp(fmt.Errorf("failed to expunge %s: %w", path, err))
	}
	return nil
}

// Close logs out and releases the connection. Safe to call after a failure.
func (s *Session) Close() error {
	if s.c == nil {
		return nil
	}
	s.c.Timeout = 5 * time.Second
	err := s.c.Logout()
	s.c = nil
	return err
}

func hasAttr(attrs []string, want string) bool {
	for _, a := range attrs {
		if strings.EqualFold(a, want) {
			return true
		}
	}
	return false
}

var specialUseAttrs = []string{
	"\\Inbox", "\\All", "\\Archive", "\\Drafts", "\\Flagged",
	"\\Junk", "\\Sent", "\\Trash",
}

// specialUse extracts the RFC 6154 special-use tag, empty for user folders.
func specialUse(attrs []string) string {
	for _, a := range attrs {
		for _, su := range specialUseAttrs {
			if strings.EqualFold(a, su) {
				return su
			}
		}
	}
	return ""
}

func leafName(path, delimiter string) string {
	if delimiter == "" {
		return path
	}
	parts := strings.Split(path, delimiter)
	return parts[len(parts)-1]
}
