package mailbox

import (
	"bytes"
	"io"

	"github.com/emersion/go-imap"
	"github.com/jhillyerd/enmime"
	"github.com/sirupsen/logrus"

	"github.com/garapa/mailmirror/pkg/types"
)

// Fetch is a finite, consumer-driven sequence of message snapshots produced
// by one UID FETCH. The caller either consumes it fully or abandons it with
// Close; either way the underlying session stays usable afterwards.
type Fetch struct {
	msgs      chan *imap.Message
	done      chan error
	minUID    uint32
	flagsOnly bool
	logger    *logrus.Logger
	err       error
	finished  bool
}

func emptyFetch() *Fetch {
	msgs := make(chan *imap.Message)
	close(msgs)
	done := make(chan error, 1)
	done <- nil
	return &Fetch{msgs: msgs, done: done}
}

// Next returns the next snapshot, or false when the sequence is exhausted.
// Check Err after exhaustion.
func (f *Fetch) Next() (*types.MessageSnapshot, bool) {
	for msg := range f.msgs {
		if f.minUID > 0 && msg.Uid <= f.minUID {
			continue
		}
		return f.snapshot(msg), true
	}
	f.finish()
	return nil, false
}

// Err reports the fetch error, if any, after the sequence ended.
func (f *Fetch) Err() error {
	return f.err
}

// Close abandons the sequence. Remaining messages are drained so the IMAP
// connection is not left mid-response.
func (f *Fetch) Close() error {
	for range f.msgs {
	}
	f.finish()
	return f.err
}

func (f *Fetch) finish() {
	if f.finished {
		return
	}
	f.finished = true
	if err := <-f.done; err != nil {
		f.err = classifyOp(err)
	}
}

func (f *Fetch) snapshot(msg *imap.Message) *types.MessageSnapshot {
	snap := &types.MessageSnapshot{
		UID:       msg.Uid,
		Flags:     append([]string(nil), msg.Flags...),
		Size:      int64(msg.Size),
		FlagsOnly: f.flagsOnly,
	}
	if f.flagsOnly {
		return snap
	}

	if env := msg.Envelope; env != nil {
		snap.MessageID = env.MessageId
		snap.Subject = env.Subject
		snap.Date = env.Date
		snap.From = convertAddresses(env.From)
		snap.To = convertAddresses(env.To)
		snap.Cc = convertAddresses(env.Cc)
		snap.Bcc = convertAddresses(env.Bcc)
	}
	if snap.Date.IsZero() {
		snap.Date = msg.InternalDate
	}

	f.parseBody(msg, snap)
	return snap
}

// parseBody extracts text/HTML bodies and attachment references from the
// RFC822 literal using enmime, falling back to the raw body when the MIME
// structure cannot be parsed.
func (f *Fetch) parseBody(msg *imap.Message, snap *types.MessageSnapshot) {
	if msg.Body == nil {
		return
	}

	var raw []byte
	if literal, ok := msg.Body[nil]; ok {
		raw = readLiteral(literal)
	} else {
		for _, literal := range msg.Body {
			raw = readLiteral(literal)
			if len(raw) > 0 {
				break
			}
		}
	}
	if len(raw) == 0 {
		return
	}

	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		if f.logger != nil {
			f.logger.WithError(err).WithField("uid", msg.Uid).Debug("Failed to parse MIME, using raw body")
		}
		snap.BodyText = string(raw)
		return
	}

	snap.BodyText = env.Text
	snap.BodyHTML = env.HTML
	for _, part := range env.Attachments {
		snap.Attachments = append(snap.Attachments, types.AttachmentRef{
			Filename:    part.FileName,
			ContentType: part.ContentType,
			Size:        int64(len(part.Content)),
			PartID:      part.PartID,
		})
	}
}

func convertAddresses(addrs []*imap.Address) []types.Address {
	var out []types.Address
	for _, a := range addrs {
		out = append(out, types.Address{
			Name:    a.PersonalName,
			Address: a.Address(),
		})
	}
	return out
}

func readLiteral(literal imap.Literal) []byte {
	if literal == nil {
		return nil
	}
	body, err := io.ReadAll(literal)
	if err != nil {
		return nil
	}
	return body
}
