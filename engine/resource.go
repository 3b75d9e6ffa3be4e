package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/samber/mo"

	"github.com/cyp0633/itipd/calendar"
	"github.com/cyp0633/itipd/directory"
	"github.com/cyp0633/itipd/itip"
	"github.com/cyp0633/itipd/policy"
	"github.com/cyp0633/itipd/storage"
)

// Availability is the state of one resource's calendar with respect to a
// requested object.
type Availability struct {
	Resource *directory.ResourceRecord
	Conflict bool
	// Conflicting lists the UIDs of the bookings in the way
	Conflicting []string
	// Existing is the booking of the requested UID, if any
	Existing mo.Option[*storage.Stored]
}

// resourceOwner maps a resource to the calendar holding its bookings
func resourceOwner(r *directory.ResourceRecord) storage.Owner {
	mailbox := r.TargetFolder
	if mailbox == "" {
		mailbox = directory.MailboxFor(r.Mail)
	}
	return storage.Owner{Email: r.Mail, Mailbox: mailbox, TargetFolder: r.TargetFolder}
}

// CheckAvailability scans the calendar of every concrete resource once and
// tests its bookings against obj. The first resource without conflict, in
// the given order, is returned as the choice.
func (e *Env) CheckAvailability(ctx context.Context, obj *calendar.Object, resources []*directory.ResourceRecord) (mo.Option[*directory.ResourceRecord], []Availability, error) {
	chosen := mo.None[*directory.ResourceRecord]()
	list := make([]Availability, 0, len(resources))
	for _, r := range resources {
		if r.IsCollection() {
			continue
		}
		a, err := e.availability(ctx, obj, r)
		if err != nil {
			return chosen, list, err
		}
		list = append(list, a)
		if !a.Conflict && chosen.IsAbsent() {
			chosen = mo.Some(r)
		}
	}
	return chosen, list, nil
}

func (e *Env) availability(ctx context.Context, obj *calendar.Object, r *directory.ResourceRecord) (Availability, error) {
	a := Availability{Resource: r, Existing: mo.None[*storage.Stored]()}
	folders, err := e.Store.Folders(ctx, resourceOwner(r), obj.Type)
	if err != nil {
		return a, fmt.Errorf("folders of resource %s: %w", r.Mail, err)
	}
	for _, folder := range folders {
		stored, err := e.Store.List(ctx, folder)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return a, fmt.Errorf("list %s: %w", folder, err)
		}
		for _, st := range stored {
			if st.Object.UID == obj.UID {
				a.Existing = mo.Some(st)
				continue
			}
			if e.detector().Conflicts(obj, st.Object) {
				a.Conflicting = append(a.Conflicting, st.Object.UID)
			}
		}
	}
	a.Conflict = len(a.Conflicting) > 0
	e.logger().Debug("resource availability",
		"resource", r.Mail,
		"uid", obj.UID,
		"conflict", a.Conflict,
		"conflicting", a.Conflicting)
	return a, nil
}

type resourceTarget struct {
	rcpt   string
	record *directory.ResourceRecord
}

// resourceTargets resolves the recipients of env that are resources or
// collections attending the object.
func (e *Env) resourceTargets(ctx context.Context, env *itip.Envelope) ([]resourceTarget, error) {
	var targets []resourceTarget
	for _, rcpt := range env.Recipients {
		if env.ReferenceRecipient != "" && rcpt == env.ReferenceRecipient {
			continue
		}
		dns, err := e.Dir.FindResource(ctx, rcpt)
		if isNotFound(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("find resource %s: %w", rcpt, err)
		}
		for _, dn := range dns {
			r, err := directory.LoadResource(ctx, e.Dir, dn, e.Settings.ResourcePolicies, e.logger())
			if err != nil {
				return nil, err
			}
			targets = append(targets, resourceTarget{rcpt: rcpt, record: r})
		}
	}
	return targets, nil
}

func (e *Env) members(ctx context.Context, collection *directory.ResourceRecord) ([]*directory.ResourceRecord, error) {
	members := make([]*directory.ResourceRecord, 0, len(collection.Members))
	for _, dn := range collection.Members {
		m, err := directory.LoadResource(ctx, e.Dir, dn, e.Settings.ResourcePolicies, e.logger())
		if isNotFound(err) {
			e.logger().Warn("collection member does not exist", "collection", collection.Mail, "member", dn)
			continue
		}
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, nil
}

// ProcessResources books, declines and cancels on behalf of every resource
// and collection the envelopes of msg are addressed to, and handles owner
// answers to confirmation requests.
func (e *Env) ProcessResources(ctx context.Context, msg *itip.Message) (Report, error) {
	report := Report{}
	for _, env := range msg.Envelopes {
		if env.ReferenceUID != "" && env.Method == itip.MethodReply {
			r, err := e.referencedResource(ctx, env)
			if err != nil {
				return report, err
			}
			if r != nil {
				o, err := e.ownerReply(ctx, env, r)
				if err != nil {
					return report, err
				}
				report.Set(env.ReferenceRecipient, o)
				continue
			}
			e.logger().Debug("plus address does not belong to a resource", "address", env.ReferenceRecipient)
		}

		targets, err := e.resourceTargets(ctx, env)
		if err != nil {
			return report, err
		}
		for _, t := range targets {
			o, err := e.processResource(ctx, env, t.record)
			if err != nil {
				return report, err
			}
			e.logger().Debug("resource request handled",
				"uid", env.Object.UID,
				"method", env.Method,
				"resource", t.record.Mail,
				"outcome", o)
			report.Set(t.rcpt, o)
		}
	}
	return report, nil
}

func (e *Env) processResource(ctx context.Context, env *itip.Envelope, r *directory.ResourceRecord) (Outcome, error) {
	if env.Object.Attendee(r.Mail) == nil {
		e.logger().Debug("resource is not an attendee", "uid", env.Object.UID, "resource", r.Mail)
		return NotApplicable, nil
	}
	switch env.Method {
	case itip.MethodRequest:
		if r.IsCollection() {
			return e.collectionRequest(ctx, env, r)
		}
		return e.resourceRequest(ctx, env, r)
	case itip.MethodCancel:
		return e.resourceCancel(ctx, env, r)
	}
	// resources never organize anything, so plain replies are not theirs
	return NotApplicable, nil
}

// collectionRequest delegates the request to the first available member
// of the collection, or declines when every member is busy.
func (e *Env) collectionRequest(ctx context.Context, env *itip.Envelope, collection *directory.ResourceRecord) (Outcome, error) {
	obj := env.Object
	members, err := e.members(ctx, collection)
	if err != nil {
		return NotApplicable, err
	}
	chosen, _, err := e.CheckAvailability(ctx, obj, members)
	if err != nil {
		return NotApplicable, err
	}
	member, ok := chosen.Get()
	if !ok {
		e.logger().Info("no member of the collection is available", "uid", obj.UID, "collection", collection.Mail)
		if err := e.sendReply(ctx, obj, collection.Mail, calendar.PartStatDeclined); err != nil {
			return NotApplicable, err
		}
		return Processed, nil
	}

	delegated := obj.Clone()
	from := delegated.Attendee(collection.Mail)
	delegated.Delegate(collection.Mail, &calendar.Attendee{
		Email:  member.Mail,
		Name:   member.CN,
		CUType: from.CUType,
		Role:   calendar.RoleRequired,
	})
	if err := e.sendReply(ctx, delegated, collection.Mail, calendar.PartStatDelegated); err != nil {
		return NotApplicable, err
	}
	e.logger().Info("delegated booking to collection member",
		"uid", obj.UID,
		"collection", collection.Mail,
		"member", member.Mail)

	inner := *env
	inner.Object = delegated
	return e.resourceRequest(ctx, &inner, member)
}

// resourceRequest books a concrete resource according to its policies. The
// availability is checked again under the lock of the booking.
func (e *Env) resourceRequest(ctx context.Context, env *itip.Envelope, r *directory.ResourceRecord) (Outcome, error) {
	obj := env.Object
	policies := policy.Match(r.Policies, env.Sender, obj.Type)
	owner := resourceOwner(r)
	outcome := Forwarded
	err := e.withLock(ctx, owner.Mailbox, obj.UID, func() error {
		_, list, err := e.CheckAvailability(ctx, obj, []*directory.ResourceRecord{r})
		if err != nil {
			return err
		}
		a := list[0]
		master, _ := a.Existing.Get()
		var instance *calendar.Object
		if master != nil && obj.IsException() {
			instance = master.Object.Exception(obj.RecurrenceID)
		}
		if master != nil {
			if seq := storedSequence(master, instance); obj.Sequence < seq {
				e.logger().Info("ignoring outdated request", "uid", obj.UID, "resource", r.Mail, "sequence", obj.Sequence, "stored", seq)
				return nil
			}
		}
		if obj.IsException() && master == nil {
			e.logger().Info("occurrence of an unknown series left for the owner", "uid", obj.UID, "resource", r.Mail)
			return nil
		}

		decline := func() error {
			if master != nil {
				if err := e.applyCancel(ctx, owner, obj, master, instance, true); err != nil {
					return err
				}
			}
			return e.sendReply(ctx, obj, r.Mail, calendar.PartStatDeclined)
		}

		for _, p := range policies {
			switch p.Action {
			case policy.ActionAccept:
				if a.Conflict {
					outcome = Processed
					return decline()
				}
				ps := calendar.PartStatAccepted
				if p.Has(policy.Tentative) {
					ps = calendar.PartStatTentative
				}
				booked, err := e.book(ctx, r, obj, master, ps, calendar.StatusNone)
				if err != nil {
					return err
				}
				if err := e.sendReply(ctx, booked, r.Mail, ps); err != nil {
					return err
				}
				if p.Has(policy.Notify) {
					e.notifyOwners(ctx, r, booked, ps)
				}
				outcome = Processed
				return nil

			case policy.ActionReject:
				outcome = Processed
				return decline()

			case policy.ActionManual:
				if a.Conflict {
					outcome = Processed
					return decline()
				}
				owners := directory.OwnerRecords(ctx, e.Dir, r, e.logger())
				if len(owners) == 0 {
					e.logger().Info("resource without owner needs manual booking", "uid", obj.UID, "resource", r.Mail)
					return nil
				}
				booked, err := e.book(ctx, r, obj, master, calendar.PartStatTentative, calendar.StatusTentative)
				if err != nil {
					return err
				}
				if err := e.sendReply(ctx, booked, r.Mail, calendar.PartStatTentative); err != nil {
					return err
				}
				if err := e.requestConfirmation(ctx, r, booked, owners); err != nil {
					return err
				}
				outcome = Processed
				return nil
			}
		}
		return nil
	})
	return outcome, err
}

// book stores obj in the calendar of r with the resource's answer set to ps
func (e *Env) book(ctx context.Context, r *directory.ResourceRecord, obj *calendar.Object, master *storage.Stored, ps calendar.PartStat, status calendar.Status) (*calendar.Object, error) {
	owner := resourceOwner(r)
	booked := obj.Clone()
	booked.SetPartStat(r.Mail, ps)
	if status != calendar.StatusNone {
		booked.Status = status
	}

	folder := ""
	if master != nil {
		folder = master.Folder
	} else {
		var err error
		if folder, err = e.Store.TargetFolder(ctx, owner, booked); err != nil {
			return nil, fmt.Errorf("target folder of resource %s: %w", r.Mail, err)
		}
	}
	e.grant(ctx, folder)
	if err := e.save(ctx, owner, booked, master); err != nil {
		return nil, err
	}
	e.logger().Info("booked resource", "uid", obj.UID, "resource", r.Mail, "partstat", ps)
	return booked, nil
}

// grant gives the admin principal full rights on a resource folder. The
// booking goes ahead when this fails.
func (e *Env) grant(ctx context.Context, folder string) {
	if e.Settings.AdminLogin == "" {
		return
	}
	rights := e.Settings.AdminRights
	if rights == "" {
		rights = DefaultAdminRights
	}
	err := e.Store.Grant(ctx, folder, e.Settings.AdminLogin, rights)
	switch {
	case errors.Is(err, storage.ErrUnsupported):
		e.logger().Debug("store has no access control", "folder", folder)
	case err != nil:
		e.logger().Warn("failed to grant admin rights", "folder", folder, "principal", e.Settings.AdminLogin, "error", err)
	}
}

// requestConfirmation sends the owners of r a copy of the booking under a
// new UID, organized by the reference address of r. Their answer comes back
// through ownerReply.
func (e *Env) requestConfirmation(ctx context.Context, r *directory.ResourceRecord, booked *calendar.Object, owners []*directory.UserRecord) error {
	organizer := calendar.Contact{Email: itip.ReferenceAddress(r.Mail, booked.UID), Name: r.CN}
	for _, o := range owners {
		req := booked.Clone()
		req.UID = uuid.NewString()
		req.Sequence = 0
		req.Exceptions = nil
		req.Stamp = e.now().UTC()
		req.Organizer = organizer
		req.Attendees = []*calendar.Attendee{{
			Email:    o.Mail,
			Name:     o.CN,
			Role:     calendar.RoleRequired,
			PartStat: calendar.PartStatNeedsAction,
			RSVP:     true,
			CUType:   calendar.CUTypeIndividual,
		}}

		raw, err := itip.Compose(&itip.Mail{
			From:     &mail.Address{Name: r.CN, Address: organizer.Email},
			To:       []*mail.Address{itip.Address(o.Mail, o.CN)},
			Subject:  fmt.Sprintf("Booking request for %s requires confirmation", displayName(r)),
			Text:     confirmationText(r, booked),
			Method:   itip.MethodRequest,
			Calendar: calendar.NewCalendar(string(itip.MethodRequest), req),
			Date:     e.now(),
		})
		if err != nil {
			return fmt.Errorf("compose confirmation request: %w", err)
		}
		if err := e.Sender.Send(ctx, r.Mail, []string{o.Mail}, raw); err != nil {
			return fmt.Errorf("send confirmation request to %s: %w", o.Mail, err)
		}
		e.logger().Info("requested owner confirmation", "uid", booked.UID, "resource", r.Mail, "owner", o.Mail)
	}
	return nil
}

func displayName(r *directory.ResourceRecord) string {
	if r.CN != "" {
		return r.CN
	}
	return r.Mail
}

func confirmationText(r *directory.ResourceRecord, obj *calendar.Object) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The resource %s has been booked for %q", displayName(r), obj.Summary)
	if obj.Organizer.Email != "" {
		fmt.Fprintf(&b, " by %s", obj.Organizer.Email)
	}
	b.WriteString(".\r\n\r\nThe booking is tentative until you accept or decline this invitation.\r\n")
	return b.String()
}

// ownerReply closes the confirmation loop: the owner's answer confirms or
// removes the tentative booking, and the organizer learns the outcome.
// referencedResource returns the resource a confirmation address belongs
// to, or nil when its base address is not a resource. Any "+tag" that
// decodes cleanly looks like a reference, so only resources count.
func (e *Env) referencedResource(ctx context.Context, env *itip.Envelope) (*directory.ResourceRecord, error) {
	base := itip.ReferenceBase(env.ReferenceRecipient)
	dns, err := e.Dir.FindResource(ctx, base)
	if isNotFound(err) || (err == nil && len(dns) == 0) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find resource %s: %w", base, err)
	}
	return directory.LoadResource(ctx, e.Dir, dns[0], e.Settings.ResourcePolicies, e.logger())
}

func (e *Env) ownerReply(ctx context.Context, env *itip.Envelope, r *directory.ResourceRecord) (Outcome, error) {

	var replier *calendar.Attendee
	for _, o := range directory.OwnerRecords(ctx, e.Dir, r, e.logger()) {
		if replier = env.Object.AttendeeAny(o.Addresses()...); replier != nil {
			break
		}
	}
	if replier == nil {
		e.logger().Warn("confirmation answered by somebody else than an owner", "resource", r.Mail, "sender", env.Sender)
		return Forwarded, nil
	}

	owner := resourceOwner(r)
	ref := &calendar.Object{UID: env.ReferenceUID, Type: env.Object.Type, RecurrenceID: env.Object.RecurrenceID}
	err := e.withLock(ctx, owner.Mailbox, ref.UID, func() error {
		master, instance, err := e.lookup(ctx, owner, ref)
		if err != nil {
			return err
		}
		if master == nil {
			e.logger().Info("confirmed booking no longer exists", "uid", ref.UID, "resource", r.Mail)
			return nil
		}
		target := master.Object.Clone()
		switch {
		case instance != nil:
			target = instance.Clone()
		case ref.IsException():
			target = master.Object.Instance(ref.RecurrenceID)
		}

		switch replier.PartStat {
		case calendar.PartStatAccepted:
			target.Status = calendar.StatusConfirmed
			target.SetPartStat(r.Mail, calendar.PartStatAccepted)
			if err := e.save(ctx, owner, target, master); err != nil {
				return err
			}
			e.logger().Info("owner confirmed booking", "uid", ref.UID, "resource", r.Mail, "owner", replier.Email)
			return e.sendReply(ctx, target, r.Mail, calendar.PartStatAccepted)
		case calendar.PartStatDeclined:
			if err := e.applyCancel(ctx, owner, ref, master, instance, true); err != nil {
				return err
			}
			e.logger().Info("owner declined booking", "uid", ref.UID, "resource", r.Mail, "owner", replier.Email)
			return e.sendReply(ctx, target, r.Mail, calendar.PartStatDeclined)
		}
		e.logger().Info("booking stays pending", "uid", ref.UID, "resource", r.Mail, "partstat", replier.PartStat)
		return nil
	})
	if err != nil {
		return NotApplicable, err
	}
	return Processed, nil
}

// resourceCancel removes the booking from the resource, or from every
// member of a collection.
func (e *Env) resourceCancel(ctx context.Context, env *itip.Envelope, r *directory.ResourceRecord) (Outcome, error) {
	obj := env.Object
	targets := []*directory.ResourceRecord{r}
	if r.IsCollection() {
		var err error
		if targets, err = e.members(ctx, r); err != nil {
			return NotApplicable, err
		}
	}
	for _, t := range targets {
		owner := resourceOwner(t)
		err := e.withLock(ctx, owner.Mailbox, obj.UID, func() error {
			master, instance, err := e.lookup(ctx, owner, obj)
			if err != nil || master == nil {
				return err
			}
			if seq := storedSequence(master, instance); obj.Sequence < seq {
				e.logger().Info("ignoring outdated cancellation", "uid", obj.UID, "resource", t.Mail, "sequence", obj.Sequence, "stored", seq)
				return nil
			}
			if err := e.applyCancel(ctx, owner, obj, master, instance, true); err != nil {
				return err
			}
			e.logger().Info("removed booking", "uid", obj.UID, "resource", t.Mail)
			for _, p := range policy.Match(t.Policies, env.Sender, obj.Type) {
				if p.Has(policy.Notify) {
					e.notifyOwners(ctx, t, obj, calendar.PartStatDeclined)
					break
				}
			}
			return nil
		})
		if err != nil {
			return NotApplicable, err
		}
	}
	return Processed, nil
}

// notifyOwners tells the owners of r about a decision taken for them.
// Failures are logged, the booking itself already happened.
func (e *Env) notifyOwners(ctx context.Context, r *directory.ResourceRecord, obj *calendar.Object, ps calendar.PartStat) {
	summary := obj.Summary
	if summary == "" {
		summary = "(no title)"
	}
	subject := fmt.Sprintf("Booking for %s was %s", displayName(r), itip.Describe(ps))
	text := fmt.Sprintf("The booking of %s for %q was %s automatically.\r\n\r\n*** This is an automated message. ***\r\n",
		displayName(r), summary, strings.ToLower(itip.Describe(ps)))
	if obj.Status == calendar.StatusCancelled || ps == calendar.PartStatDeclined {
		text = fmt.Sprintf("The booking of %s for %q has been removed.\r\n\r\n*** This is an automated message. ***\r\n",
			displayName(r), summary)
	}
	for _, o := range directory.OwnerRecords(ctx, e.Dir, r, e.logger()) {
		if err := e.notify(ctx, itip.Address(o.Mail, o.CN), subject, text); err != nil {
			e.logger().Warn("failed to notify resource owner", "resource", r.Mail, "owner", o.Mail, "error", err)
		}
	}
}
