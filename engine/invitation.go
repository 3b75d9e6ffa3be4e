package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/cyp0633/itipd/calendar"
	"github.com/cyp0633/itipd/directory"
	"github.com/cyp0633/itipd/itip"
	"github.com/cyp0633/itipd/policy"
	"github.com/cyp0633/itipd/storage"
)

func userOwner(u *directory.UserRecord) storage.Owner {
	return storage.Owner{Email: u.Mail, Mailbox: u.Mailbox}
}

// ProcessInvitations applies the invitation policies of every recipient of
// msg that is a local user.
func (e *Env) ProcessInvitations(ctx context.Context, msg *itip.Message) (Report, error) {
	report := Report{}
	for _, rcpt := range msg.Recipients {
		dn, err := e.Dir.ResolveLocalUser(ctx, rcpt)
		if isNotFound(err) {
			continue
		}
		if err != nil {
			return report, fmt.Errorf("resolve %s: %w", rcpt, err)
		}
		user, err := directory.LoadUser(ctx, e.Dir, dn, e.Settings.UserPolicies, e.logger())
		if err != nil {
			return report, err
		}

		for _, env := range msg.Envelopes {
			o, err := e.processInvitation(ctx, env, user)
			if err != nil {
				return report, err
			}
			e.logger().Debug("invitation handled",
				"uid", env.Object.UID,
				"method", env.Method,
				"recipient", user.Mail,
				"outcome", o)
			report.Set(rcpt, o)
		}
	}
	return report, nil
}

func (e *Env) processInvitation(ctx context.Context, env *itip.Envelope, user *directory.UserRecord) (Outcome, error) {
	policies := policy.Match(user.Policies, env.Sender, env.Object.Type)
	switch env.Method {
	case itip.MethodRequest:
		return e.userRequest(ctx, env, user, policies)
	case itip.MethodReply:
		return e.userReply(ctx, env, user, policies)
	case itip.MethodCancel:
		return e.userCancel(ctx, env, user, policies)
	}
	return NotApplicable, nil
}

// fulfilled reports whether the availability condition of p holds.
// conflicting is only evaluated when p has such a condition.
func fulfilled(p policy.Policy, conflicting func() (bool, error)) (bool, error) {
	if !p.Has(policy.IfAvailable) && !p.Has(policy.IfConflict) {
		return true, nil
	}
	c, err := conflicting()
	if err != nil {
		return false, err
	}
	if p.Has(policy.IfAvailable) {
		return !c, nil
	}
	return c, nil
}

func finished(p policy.Policy) Outcome {
	if p.Has(policy.Forward) {
		return Forwarded
	}
	return Processed
}

// hasConflict checks obj against every object in the calendar folders of owner
func (e *Env) hasConflict(ctx context.Context, owner storage.Owner, obj *calendar.Object) (bool, error) {
	folders, err := e.Store.Folders(ctx, owner, obj.Type)
	if err != nil {
		return false, fmt.Errorf("folders of %s: %w", owner.Email, err)
	}
	for _, folder := range folders {
		stored, err := e.Store.List(ctx, folder)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("list %s: %w", folder, err)
		}
		objs := make([]*calendar.Object, 0, len(stored))
		for _, st := range stored {
			objs = append(objs, st.Object)
		}
		if uids := e.detector().ConflictingUIDs(obj, objs); len(uids) > 0 {
			e.logger().Info("invitation conflicts with stored objects",
				"uid", obj.UID,
				"owner", owner.Email,
				"conflicting", uids)
			return true, nil
		}
	}
	return false, nil
}

func (e *Env) userRequest(ctx context.Context, env *itip.Envelope, user *directory.UserRecord, policies []policy.Policy) (Outcome, error) {
	obj := env.Object
	attendee := obj.AttendeeAny(user.Addresses()...)
	if attendee == nil {
		e.logger().Debug("recipient is not an attendee", "uid", obj.UID, "recipient", user.Mail)
		return NotApplicable, nil
	}
	if policies[0].Action == policy.ActionManual {
		return Forwarded, nil
	}

	owner := userOwner(user)
	outcome := Forwarded
	err := e.withLock(ctx, owner.Mailbox, obj.UID, func() error {
		master, instance, err := e.lookup(ctx, owner, obj)
		if err != nil {
			return err
		}
		scheduling := attendee.RSVP || attendee.PartStat == calendar.PartStatNeedsAction
		if master != nil {
			seq := storedSequence(master, instance)
			if obj.Sequence < seq {
				e.logger().Info("ignoring outdated request", "uid", obj.UID, "sequence", obj.Sequence, "stored", seq)
				return nil
			}
			scheduling = obj.Sequence > seq
		}
		if obj.IsException() && master == nil {
			e.logger().Info("occurrence of an unknown series left for the user", "uid", obj.UID, "recipient", user.Mail)
			return nil
		}

		var conflictChecked, conflicting bool
		checkConflict := func() (bool, error) {
			if !conflictChecked {
				c, err := e.hasConflict(ctx, owner, obj)
				if err != nil {
					return false, err
				}
				conflictChecked, conflicting = true, c
			}
			return conflicting, nil
		}

		for _, p := range policies {
			switch {
			case p.Action == policy.ActionManual:
				return nil

			case scheduling && p.Action == policy.ActionAccept:
				ok, err := fulfilled(p, checkConflict)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				ps := calendar.PartStatAccepted
				if p.Has(policy.Tentative) {
					ps = calendar.PartStatTentative
				}
				booked := obj.Clone()
				booked.SetPartStat(attendee.Email, ps)
				if err := e.save(ctx, owner, booked, master); err != nil {
					return err
				}
				if err := e.sendReply(ctx, booked, attendee.Email, ps); err != nil {
					return err
				}
				if p.Has(policy.Notify) {
					if err := e.notifyUser(ctx, user, booked, itip.MethodRequest, booked.Attendee(attendee.Email)); err != nil {
						return err
					}
				}
				outcome = finished(p)
				return nil

			case scheduling && p.Action == policy.ActionReject:
				ok, err := fulfilled(p, checkConflict)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				if master != nil {
					if err := e.applyCancel(ctx, owner, obj, master, instance, true); err != nil {
						return err
					}
				}
				if err := e.sendReply(ctx, obj, attendee.Email, calendar.PartStatDeclined); err != nil {
					return err
				}
				outcome = finished(p)
				return nil

			case scheduling && p.Action == policy.ActionDelegate:
				ok, err := fulfilled(p, checkConflict)
				if err != nil {
					return err
				}
				if ok {
					e.logger().Warn("delegation of invitations is not supported", "uid", obj.UID, "recipient", user.Mail)
				}

			case !scheduling && p.Action == policy.ActionUpdate && master != nil:
				updated := obj.Clone()
				current := master.Object
				if instance != nil {
					current = instance
				}
				if own := current.Attendee(attendee.Email); own != nil {
					mine := updated.Attendee(attendee.Email)
					mine.PartStat = own.PartStat
					mine.RSVP = own.RSVP
				}
				if err := e.save(ctx, owner, updated, master); err != nil {
					return err
				}
				if p.Has(policy.Notify) {
					if err := e.notifyUser(ctx, user, updated, itip.MethodRequest); err != nil {
						return err
					}
				}
				outcome = finished(p)
				return nil

			case scheduling && p.Action == policy.ActionSaveToFolder:
				if err := e.save(ctx, owner, obj.Clone(), master); err != nil {
					return err
				}
				outcome = finished(p)
				return nil
			}
		}
		return nil
	})
	return outcome, err
}

// replyingAttendee picks the attendee answering in a REPLY: the sender when
// it attends, the first attendee otherwise.
func replyingAttendee(obj *calendar.Object, sender string) *calendar.Attendee {
	if a := obj.Attendee(sender); a != nil {
		return a
	}
	if len(obj.Attendees) > 0 {
		return obj.Attendees[0]
	}
	return nil
}

// mergeReply copies the answer of replier into target, delegation included.
// It returns the attendees that changed, none when replier is unknown.
func mergeReply(target, reply *calendar.Object, replier *calendar.Attendee) []*calendar.Attendee {
	a := target.Attendee(replier.Email)
	if a == nil {
		if len(replier.DelegatedFrom) == 0 {
			return nil
		}
		a = replier.Clone()
		target.Attendees = append(target.Attendees, a)
	}
	a.PartStat = replier.PartStat
	a.RSVP = false
	for _, from := range replier.DelegatedFrom {
		if !hasAddress(a.DelegatedFrom, from) {
			a.DelegatedFrom = append(a.DelegatedFrom, from)
		}
	}

	changed := []*calendar.Attendee{a}
	if replier.PartStat == calendar.PartStatDelegated {
		for _, to := range replier.DelegatedTo {
			delegatee := reply.Attendee(to)
			if delegatee == nil {
				delegatee = &calendar.Attendee{Email: to, CUType: a.CUType}
			}
			changed = append(changed, target.Delegate(a.Email, delegatee))
		}
	}
	return changed
}

func (e *Env) userReply(ctx context.Context, env *itip.Envelope, user *directory.UserRecord, policies []policy.Policy) (Outcome, error) {
	obj := env.Object
	if !obj.IsOrganizer(user.Addresses()...) {
		return NotApplicable, nil
	}
	var (
		p     policy.Policy
		found bool
	)
	for _, cand := range policies {
		if cand.Action == policy.ActionManual {
			return Forwarded, nil
		}
		if cand.Action == policy.ActionUpdate {
			p, found = cand, true
			break
		}
	}
	if !found {
		return Forwarded, nil
	}
	replier := replyingAttendee(obj, env.Sender)
	if replier == nil {
		e.logger().Warn("reply without attendee", "uid", obj.UID)
		return Forwarded, nil
	}

	owner := userOwner(user)
	outcome := Forwarded
	var updated *calendar.Object
	err := e.withLock(ctx, owner.Mailbox, obj.UID, func() error {
		master, instance, err := e.lookup(ctx, owner, obj)
		if err != nil {
			return err
		}
		if master == nil {
			e.logger().Info("reply for unknown object", "uid", obj.UID, "organizer", user.Mail)
			return nil
		}
		if seq := storedSequence(master, instance); obj.Sequence < seq {
			e.logger().Info("ignoring outdated reply", "uid", obj.UID, "sequence", obj.Sequence, "stored", seq)
			return nil
		}

		target := master.Object.Clone()
		switch {
		case instance != nil:
			target = instance.Clone()
		case obj.IsException():
			target = master.Object.Instance(obj.RecurrenceID)
		}
		changed := mergeReply(target, obj, replier)
		if len(changed) == 0 {
			e.logger().Warn("reply from unknown attendee", "uid", obj.UID, "attendee", replier.Email)
			return nil
		}
		if err := e.save(ctx, owner, target, master); err != nil {
			return err
		}
		if p.Has(policy.Notify) {
			if err := e.notifyUser(ctx, user, target, itip.MethodReply, changed...); err != nil {
				return err
			}
		}
		updated = target
		outcome = finished(p)
		return nil
	})
	if err != nil {
		return outcome, err
	}
	if updated != nil && e.Settings.PropagateReplies {
		e.propagate(ctx, updated, user)
	}
	return outcome, nil
}

// propagate copies the attendee answers of updated into the stored copies
// of the other local attendees. Failures only affect the copy concerned.
func (e *Env) propagate(ctx context.Context, updated *calendar.Object, organizer *directory.UserRecord) {
	for _, a := range updated.Attendees {
		if hasAddress(organizer.Addresses(), a.Email) {
			continue
		}
		dn, err := e.Dir.ResolveLocalUser(ctx, a.Email)
		if err != nil {
			if !isNotFound(err) {
				e.logger().Warn("cannot resolve attendee", "attendee", a.Email, "error", err)
			}
			continue
		}
		u, err := directory.LoadUser(ctx, e.Dir, dn, nil, e.logger())
		if err != nil {
			e.logger().Warn("cannot read attendee", "attendee", a.Email, "error", err)
			continue
		}
		owner := userOwner(u)
		err = e.withLock(ctx, owner.Mailbox, updated.UID, func() error {
			master, instance, err := e.lookup(ctx, owner, updated)
			if err != nil || master == nil {
				return err
			}
			target := master.Object.Clone()
			switch {
			case instance != nil:
				target = instance.Clone()
			case updated.IsException():
				target = master.Object.Instance(updated.RecurrenceID)
			}
			for _, ua := range updated.Attendees {
				// the attendee's own answer stays theirs
				if hasAddress(u.Addresses(), ua.Email) {
					continue
				}
				if ta := target.Attendee(ua.Email); ta != nil {
					ta.PartStat = ua.PartStat
					ta.RSVP = ua.RSVP
					ta.Role = ua.Role
					ta.DelegatedTo = append([]string(nil), ua.DelegatedTo...)
					ta.DelegatedFrom = append([]string(nil), ua.DelegatedFrom...)
				} else {
					target.Attendees = append(target.Attendees, ua.Clone())
				}
			}
			return e.save(ctx, owner, target, master)
		})
		if err != nil {
			e.logger().Warn("failed to propagate reply", "uid", updated.UID, "attendee", u.Mail, "error", err)
			continue
		}
		e.logger().Debug("propagated reply", "uid", updated.UID, "attendee", u.Mail)
	}
}

func (e *Env) userCancel(ctx context.Context, env *itip.Envelope, user *directory.UserRecord, policies []policy.Policy) (Outcome, error) {
	obj := env.Object
	if obj.IsOrganizer(user.Addresses()...) {
		return NotApplicable, nil
	}
	var (
		p     policy.Policy
		found bool
	)
	for _, cand := range policies {
		if cand.Action == policy.ActionManual {
			return Forwarded, nil
		}
		if cand.Action == policy.ActionUpdate || cand.Action == policy.ActionCancelDelete {
			p, found = cand, true
			break
		}
	}
	if !found {
		return Forwarded, nil
	}

	owner := userOwner(user)
	outcome := Forwarded
	err := e.withLock(ctx, owner.Mailbox, obj.UID, func() error {
		master, instance, err := e.lookup(ctx, owner, obj)
		if err != nil {
			return err
		}
		if master == nil {
			e.logger().Info("cancellation of unknown object", "uid", obj.UID, "recipient", user.Mail)
			return nil
		}
		if seq := storedSequence(master, instance); obj.Sequence < seq {
			e.logger().Info("ignoring outdated cancellation", "uid", obj.UID, "sequence", obj.Sequence, "stored", seq)
			return nil
		}
		if err := e.applyCancel(ctx, owner, obj, master, instance, p.Action == policy.ActionCancelDelete); err != nil {
			return err
		}
		if p.Has(policy.Notify) {
			if err := e.notifyUser(ctx, user, obj, itip.MethodCancel); err != nil {
				return err
			}
		}
		outcome = finished(p)
		return nil
	})
	return outcome, err
}

func (e *Env) notifyUser(ctx context.Context, user *directory.UserRecord, obj *calendar.Object, method itip.Method, changed ...*calendar.Attendee) error {
	return e.notify(ctx, itip.Address(user.Mail, user.CN), notificationSubject(obj, method), itip.UpdateText(obj, method, changed))
}
