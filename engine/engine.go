// Package engine decides what happens to inbound scheduling objects: it
// applies invitation policies for local users and books resources.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/cyp0633/itipd/calendar"
	"github.com/cyp0633/itipd/conflict"
	"github.com/cyp0633/itipd/directory"
	"github.com/cyp0633/itipd/itip"
	"github.com/cyp0633/itipd/lock"
	"github.com/cyp0633/itipd/policy"
	"github.com/cyp0633/itipd/recurrence"
	"github.com/cyp0633/itipd/storage"
	"github.com/cyp0633/itipd/transport"
)

// DefaultAdminRights are granted to the admin principal on resource folders
const DefaultAdminRights = "lrswipkxtecda"

// Outcome is what a stage did for one recipient of a message.
// Outcomes are ordered: merging keeps the larger one.
type Outcome int

const (
	// NotApplicable means the stage had nothing to do for the recipient
	NotApplicable Outcome = iota
	// Processed means the message was fully consumed for the recipient
	Processed
	// Forwarded means the message must still be delivered to the recipient
	Forwarded
)

func (o Outcome) String() string {
	switch o {
	case Processed:
		return "processed"
	case Forwarded:
		return "forwarded"
	default:
		return "not-applicable"
	}
}

// Report maps normalized recipient addresses to outcomes
type Report map[string]Outcome

// Set records o for rcpt unless a larger outcome is already recorded
func (r Report) Set(rcpt string, o Outcome) {
	rcpt = calendar.NormalizeEmail(rcpt)
	if cur, ok := r[rcpt]; !ok || o > cur {
		r[rcpt] = o
	}
}

// Merge folds other into r
func (r Report) Merge(other Report) {
	for rcpt, o := range other {
		r.Set(rcpt, o)
	}
}

// Settings tune the engine
type Settings struct {
	// AdminLogin is granted AdminRights on resource folders before writing.
	// Empty disables granting.
	AdminLogin  string
	AdminRights string
	// PropagateReplies copies merged replies into the stored copies of
	// other local attendees.
	PropagateReplies bool
	// NotifySender is the From address of notifications. Empty derives
	// noreply@<recipient domain>.
	NotifySender string
	// UserPolicies apply to users without policies of their own
	UserPolicies []policy.Policy
	// ResourcePolicies apply to resources without policies of their own
	ResourcePolicies []policy.Policy
}

// DefaultSettings returns the settings used when none are configured
func DefaultSettings() Settings {
	return Settings{
		AdminRights:      DefaultAdminRights,
		UserPolicies:     []policy.Policy{policy.Manual},
		ResourcePolicies: []policy.Policy{{Action: policy.ActionAccept, Types: policy.TypeEvent}},
	}
}

// Env holds the collaborators of one pipeline run. Nothing in it may
// outlive the run.
type Env struct {
	Dir      directory.Directory
	Store    storage.ObjectStore
	Locker   lock.Locker
	Sender   transport.Sender
	Detector *conflict.Detector
	Settings Settings
	Logger   *slog.Logger
	// Now defaults to time.Now
	Now func() time.Time
}

func (e *Env) logger() *slog.Logger {
	if e.Logger == nil {
		e.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return e.Logger
}

func (e *Env) detector() *conflict.Detector {
	if e.Detector == nil {
		e.Detector = conflict.NewDetector(recurrence.DefaultOptions, e.logger())
	}
	return e.Detector
}

func (e *Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// withLock runs fn while holding the lock of uid in mailbox. The lock is
// released on every path, even when ctx has been cancelled.
func (e *Env) withLock(ctx context.Context, mailbox, uid string, fn func() error) error {
	key := lock.Key(mailbox, uid)
	token, err := e.Locker.Acquire(ctx, key)
	if err != nil {
		return fmt.Errorf("acquire lock for %s in %s: %w", uid, mailbox, err)
	}
	defer func() {
		if err := e.Locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
			e.logger().Warn("failed to release lock", "uid", uid, "mailbox", mailbox, "error", err)
		}
	}()
	return fn()
}

// lookup reads the stored copy of obj in the folders of owner. instance is
// the override for obj's occurrence when obj is an exception.
func (e *Env) lookup(ctx context.Context, owner storage.Owner, obj *calendar.Object) (*storage.Stored, *calendar.Object, error) {
	master, instance, err := storage.Lookup(ctx, e.Store, owner, obj)
	if err != nil {
		return nil, nil, fmt.Errorf("lookup %s for %s: %w", obj.UID, owner.Email, err)
	}
	return master, instance, nil
}

// storedSequence is the sequence obj is compared against: the instance's
// when one exists, the master's otherwise.
func storedSequence(master *storage.Stored, instance *calendar.Object) int {
	if instance != nil {
		return instance.Sequence
	}
	return master.Object.Sequence
}

// save persists obj for owner. An exception is merged into the stored
// master; a master replaces the previous copy.
func (e *Env) save(ctx context.Context, owner storage.Owner, obj *calendar.Object, master *storage.Stored) error {
	if obj.IsException() {
		if master == nil {
			return fmt.Errorf("%w: occurrence of %s without stored master", storage.ErrInvalidInput, obj.UID)
		}
		merged := master.Object.Clone()
		merged.SetException(obj)
		if _, err := e.Store.Save(ctx, owner, master.Folder, merged, master); err != nil {
			return fmt.Errorf("save %s: %w", obj.UID, err)
		}
		return nil
	}

	folder := ""
	if master != nil {
		folder = master.Folder
	} else {
		var err error
		if folder, err = e.Store.TargetFolder(ctx, owner, obj); err != nil {
			return fmt.Errorf("target folder for %s: %w", obj.UID, err)
		}
	}
	if _, err := e.Store.Save(ctx, owner, folder, obj, master); err != nil {
		return fmt.Errorf("save %s: %w", obj.UID, err)
	}
	return nil
}

// applyCancel applies a cancellation described by obj to the stored copy.
// A this-and-future occurrence truncates the series, a single occurrence is
// cancelled in place, the whole object is deleted when deleteWhole is set
// and marked cancelled otherwise.
func (e *Env) applyCancel(ctx context.Context, owner storage.Owner, obj *calendar.Object, master *storage.Stored, instance *calendar.Object, deleteWhole bool) error {
	rid := obj.RecurrenceID
	switch {
	case obj.IsException() && obj.ThisAndFuture && rid.After(master.Object.Start):
		m := master.Object.Clone()
		if m.Rule != "" {
			rule, err := recurrence.TruncateRule(m.Rule, rid)
			if err != nil {
				return fmt.Errorf("truncate %s: %w", obj.UID, err)
			}
			m.Rule = rule
		}
		rdates := m.RDates[:0]
		for _, t := range m.RDates {
			if t.Before(rid) {
				rdates = append(rdates, t)
			}
		}
		m.RDates = rdates
		m.RemoveExceptionsFrom(rid)
		m.Sequence = max(m.Sequence, obj.Sequence)
		return e.save(ctx, owner, m, master)

	case obj.IsException() && !obj.ThisAndFuture:
		inst := master.Object.Instance(rid)
		if instance != nil {
			inst = instance.Clone()
		}
		inst.Cancel()
		inst.Sequence = max(inst.Sequence, obj.Sequence)
		return e.save(ctx, owner, inst, master)

	case deleteWhole:
		if err := e.Store.Delete(ctx, master); err != nil {
			return fmt.Errorf("delete %s: %w", obj.UID, err)
		}
		return nil
	}

	m := master.Object.Clone()
	m.Cancel()
	m.Sequence = max(m.Sequence, obj.Sequence)
	return e.save(ctx, owner, m, master)
}

// sendReply mails the answer of attendee to the organizer of obj
func (e *Env) sendReply(ctx context.Context, obj *calendar.Object, attendee string, ps calendar.PartStat) error {
	if obj.Organizer.Email == "" {
		e.logger().Warn("not replying to object without organizer", "uid", obj.UID)
		return nil
	}
	raw, err := itip.ToItipReply(obj, attendee, ps, "", "")
	if err != nil {
		return fmt.Errorf("compose reply for %s: %w", obj.UID, err)
	}
	from := calendar.NormalizeEmail(attendee)
	if err := e.Sender.Send(ctx, from, []string{calendar.NormalizeEmail(obj.Organizer.Email)}, raw); err != nil {
		return fmt.Errorf("send reply for %s: %w", obj.UID, err)
	}
	e.logger().Info("sent reply", "uid", obj.UID, "attendee", from, "partstat", ps)
	return nil
}

// notify mails a plain text notification to rcpt
func (e *Env) notify(ctx context.Context, rcpt *mail.Address, subject, text string) error {
	from := e.Settings.NotifySender
	if from == "" {
		_, domain := directory.SplitAddress(rcpt.Address)
		from = "noreply@" + domain
	}
	raw, err := itip.Compose(&itip.Mail{
		From:    itip.Address(from, ""),
		To:      []*mail.Address{rcpt},
		Subject: subject,
		Text:    text,
		Date:    e.now(),
	})
	if err != nil {
		return fmt.Errorf("compose notification: %w", err)
	}
	if err := e.Sender.Send(ctx, calendar.NormalizeEmail(from), []string{rcpt.Address}, raw); err != nil {
		return fmt.Errorf("send notification to %s: %w", rcpt.Address, err)
	}
	return nil
}

func notificationSubject(obj *calendar.Object, method itip.Method) string {
	summary := obj.Summary
	if summary == "" {
		summary = "(no title)"
	}
	switch method {
	case itip.MethodCancel:
		return fmt.Sprintf("%q has been cancelled", summary)
	case itip.MethodReply:
		return fmt.Sprintf("%q has been updated", summary)
	}
	return fmt.Sprintf("%q has been updated by the organizer", summary)
}

// isNotFound reports whether err means a directory entry is missing
func isNotFound(err error) bool {
	return errors.Is(err, directory.ErrNotFound)
}

func hasAddress(list []string, addr string) bool {
	addr = calendar.NormalizeEmail(addr)
	for _, a := range list {
		if strings.EqualFold(calendar.NormalizeEmail(a), addr) {
			return true
		}
	}
	return false
}
