package model

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Outcome describes what a merge did to the record.
type Outcome string

const (
	OutcomeCreated    Outcome = "created"
	OutcomeAdvanced   Outcome = "advanced"
	OutcomeUpdated    Outcome = "updated"
	OutcomeFilled     Outcome = "filled"
	OutcomeFlagged    Outcome = "flagged"
	OutcomeRolledBack Outcome = "rolled_back"
	OutcomeRemoved    Outcome = "removed"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeIgnored    Outcome = "ignored"
)

// Changed reports whether the merge produced a new record state.
func (o Outcome) Changed() bool {
	switch o {
	case OutcomeDuplicate, OutcomeIgnored, "":
		return false
	default:
		return true
	}
}

// MergeResult is the record after a merge. Exists is false when no record
// remains for the id (never seeded, or a provisional record was removed).
type MergeResult struct {
	Record   Record
	Exists   bool
	Outcome  Outcome
	Conflict error
}

const (
	warningConfirmationTimeout = "confirmation timed out; waiting for ledger event"
	warningSubmissionRejected  = "submission rejected by ledger"
)

// Merge reduces one input into the existing record for the same id. It never
// mutates existing and is safe to repeat: re-applying an input that already
// took effect yields OutcomeDuplicate or OutcomeIgnored with the record unchanged.
func Merge(existing *Record, in Input, now time.Time) (MergeResult, error) {
	if in == nil {
		return MergeResult{}, ErrInvalidInput
	}
	id := in.RemittanceID()
	if id == (common.Hash{}) {
		return MergeResult{}, ErrInvalidRemittanceID
	}
	var cur *Record
	if existing != nil {
		if existing.ID != id {
			return MergeResult{}, ErrInvalidRemittanceID
		}
		cloned := existing.Clone()
		cur = &cloned
	}

	var res MergeResult
	switch v := in.(type) {
	case Event:
		if err := ValidateEvent(v); err != nil {
			return MergeResult{}, err
		}
		res = mergeEvent(cur, v)
	case Intent:
		if !v.Kind.Valid() {
			return MergeResult{}, ErrInvalidIntentKind
		}
		res = mergeIntent(cur, v)
	case Submission:
		if !v.Kind.Valid() {
			return MergeResult{}, ErrInvalidIntentKind
		}
		res = mergeSubmission(cur, v)
	case Confirmation:
		res = mergeConfirmation(cur, v)
	case Rejection:
		if !v.Kind.Valid() {
			return MergeResult{}, ErrInvalidIntentKind
		}
		res = mergeRejection(cur, v)
	default:
		return MergeResult{}, ErrInvalidInput
	}

	if res.Exists && res.Outcome.Changed() {
		res.Record.Version++
		res.Record.UpdatedAt = now
	}
	return res, nil
}

func unchanged(cur *Record, outcome Outcome) MergeResult {
	if cur == nil {
		return MergeResult{Outcome: outcome}
	}
	return MergeResult{Record: *cur, Exists: true, Outcome: outcome}
}

func mergeEvent(cur *Record, ev Event) MergeResult {
	target := ev.Kind.Status()
	if cur == nil {
		rec := Record{ID: ev.ID, Status: target, Observed: target}
		adoptEventFields(&rec, ev, true)
		rec.TermsObserved = ev.Kind == EventAdded
		return MergeResult{Record: rec, Exists: true, Outcome: OutcomeCreated}
	}

	rec := *cur
	switch {
	case rec.Status == target:
		return unchanged(cur, OutcomeDuplicate)

	case rec.Status.Terminal() && target.Terminal():
		// The ledger cannot both collect and return one remittance.
		return flag(rec, ErrConflictingEvent, fmt.Sprintf("%s event for %s remittance", ev.Kind, rec.Status))

	case target.Rank() > rec.Status.Rank():
		conflicting := rec.Status.Optimistic() && rec.Status.Rank() == target.Rank()-1 && !sameBranch(rec.Status, target)
		adoptEventFields(&rec, ev, !rec.Authoritative())
		adoptTerms(&rec, ev)
		rec.Status = target
		if target.Rank() > rec.Observed.Rank() {
			rec.Observed = target
		}
		rec.AwaitingConfirmation = false
		rec.Warning = ""
		res := MergeResult{Record: rec, Exists: true, Outcome: OutcomeAdvanced}
		if conflicting {
			res.Record.Conflict = fmt.Sprintf("%s event superseded local %s", ev.Kind, cur.Status)
			res.Conflict = ErrConflictingEvent
		}
		return res

	default:
		// An earlier lifecycle event arriving after a later state: status is
		// kept, only still-absent fields are taken from the event.
		changed := adoptEventFields(&rec, ev, false)
		if adoptTerms(&rec, ev) {
			changed = true
		}
		if target.Rank() > rec.Observed.Rank() {
			rec.Observed = target
			changed = true
		}
		if !changed {
			return unchanged(cur, OutcomeDuplicate)
		}
		return MergeResult{Record: rec, Exists: true, Outcome: OutcomeFilled}
	}
}

// sameBranch reports whether an optimistic status leads to the terminal target.
func sameBranch(optimistic, target Status) bool {
	switch optimistic {
	case StatusCollecting:
		return target == StatusCollected
	case StatusReturning:
		return target == StatusReturned
	default:
		return true
	}
}

// adoptEventFields copies the fields carried by ev. With overwrite=false only
// absent fields are written, which keeps authoritative values set-once.
func adoptEventFields(rec *Record, ev Event, overwrite bool) bool {
	changed := false
	if ev.Sender != (common.Address{}) && (overwrite || rec.Sender == (common.Address{})) && rec.Sender != ev.Sender {
		rec.Sender = ev.Sender
		changed = true
	}
	if ev.Value != nil && (overwrite || rec.Value == nil) && !equalInt(rec.Value, ev.Value) {
		rec.Value = cloneInt(ev.Value)
		changed = true
	}
	if ev.Claim != nil && (overwrite || rec.Claim == nil) && !equalInt(rec.Claim, ev.Claim) {
		rec.Claim = cloneInt(ev.Claim)
		changed = true
	}
	if ev.BlockDeadline != 0 && (overwrite || rec.BlockDeadline == 0) && rec.BlockDeadline != ev.BlockDeadline {
		rec.BlockDeadline = ev.BlockDeadline
		changed = true
	}
	if ev.AgentCode != nil && (overwrite || rec.AgentCode == nil) && !equalCode(rec.AgentCode, ev.AgentCode) {
		rec.AgentCode = cloneCode(ev.AgentCode)
		changed = true
	}
	if ev.ReceiverCode != nil && (overwrite || rec.ReceiverCode == nil) && !equalCode(rec.ReceiverCode, ev.ReceiverCode) {
		rec.ReceiverCode = cloneCode(ev.ReceiverCode)
		changed = true
	}
	return changed
}

// adoptTerms lets the first Added event replace terms written by a local
// intent, whatever status the record reached before it arrived.
func adoptTerms(rec *Record, ev Event) bool {
	if ev.Kind != EventAdded || rec.TermsObserved {
		return false
	}
	rec.TermsObserved = true
	if ev.Sender != (common.Address{}) {
		rec.Sender = ev.Sender
	}
	rec.Value = cloneInt(ev.Value)
	rec.Claim = cloneInt(ev.Claim)
	rec.BlockDeadline = ev.BlockDeadline
	return true
}

func flag(rec Record, conflict error, note string) MergeResult {
	res := MergeResult{Record: rec, Exists: true, Outcome: OutcomeIgnored, Conflict: conflict}
	if rec.Conflict != note {
		res.Record.Conflict = note
		res.Outcome = OutcomeFlagged
	}
	return res
}

func mergeIntent(cur *Record, in Intent) MergeResult {
	target := in.Kind.Status()
	if cur == nil {
		rec := Record{ID: in.ID, Status: target, AwaitingConfirmation: true}
		if in.Kind == IntentAdd {
			rec.Sender = in.Sender
			rec.Value = cloneInt(in.Value)
			rec.Claim = cloneInt(in.Claim)
			rec.BlockDeadline = in.BlockDeadline
		}
		return MergeResult{Record: rec, Exists: true, Outcome: OutcomeCreated}
	}

	rec := *cur
	switch {
	case rec.Status == target:
		if in.Kind == IntentAdd && !rec.TermsObserved && !rec.Authoritative() && refreshProvisional(&rec, in) {
			return MergeResult{Record: rec, Exists: true, Outcome: OutcomeUpdated}
		}
		return unchanged(cur, OutcomeDuplicate)

	case rec.Status.Terminal() || rec.Status.Rank() > target.Rank():
		return unchanged(cur, OutcomeIgnored)

	case rec.Status.Rank() == target.Rank():
		return flag(rec, ErrConflictingIntent, fmt.Sprintf("%s submitted while %s", in.Kind, rec.Status))

	case in.Kind != IntentAdd && rec.Status == StatusAdded:
		rec.Status = target
		rec.AwaitingConfirmation = true
		rec.TxRef = common.Hash{}
		rec.Warning = ""
		return MergeResult{Record: rec, Exists: true, Outcome: OutcomeAdvanced}

	default:
		return unchanged(cur, OutcomeIgnored)
	}
}

func refreshProvisional(rec *Record, in Intent) bool {
	changed := false
	if in.Sender != (common.Address{}) && rec.Sender != in.Sender {
		rec.Sender = in.Sender
		changed = true
	}
	if in.Value != nil && !equalInt(rec.Value, in.Value) {
		rec.Value = cloneInt(in.Value)
		changed = true
	}
	if in.Claim != nil && !equalInt(rec.Claim, in.Claim) {
		rec.Claim = cloneInt(in.Claim)
		changed = true
	}
	if in.BlockDeadline != 0 && rec.BlockDeadline != in.BlockDeadline {
		rec.BlockDeadline = in.BlockDeadline
		changed = true
	}
	return changed
}

func mergeSubmission(cur *Record, in Submission) MergeResult {
	if cur == nil || cur.Status != in.Kind.Status() {
		return unchanged(cur, OutcomeIgnored)
	}
	if cur.TxRef == in.TxRef {
		return unchanged(cur, OutcomeDuplicate)
	}
	rec := *cur
	rec.TxRef = in.TxRef
	rec.AwaitingConfirmation = true
	return MergeResult{Record: rec, Exists: true, Outcome: OutcomeUpdated}
}

func mergeConfirmation(cur *Record, in Confirmation) MergeResult {
	if cur == nil || cur.TxRef != in.TxRef {
		return unchanged(cur, OutcomeIgnored)
	}
	rec := *cur
	if in.TimedOut {
		if !rec.Status.Optimistic() {
			return unchanged(cur, OutcomeIgnored)
		}
		if rec.Warning == warningConfirmationTimeout && !rec.AwaitingConfirmation {
			return unchanged(cur, OutcomeDuplicate)
		}
		rec.AwaitingConfirmation = false
		rec.Warning = warningConfirmationTimeout
		return MergeResult{Record: rec, Exists: true, Outcome: OutcomeUpdated}
	}
	if !rec.AwaitingConfirmation && rec.Warning == "" {
		return unchanged(cur, OutcomeDuplicate)
	}
	rec.AwaitingConfirmation = false
	rec.Warning = ""
	return MergeResult{Record: rec, Exists: true, Outcome: OutcomeUpdated}
}

func mergeRejection(cur *Record, in Rejection) MergeResult {
	if cur == nil || cur.Status != in.Kind.Status() || cur.TxRef != in.TxRef {
		return unchanged(cur, OutcomeIgnored)
	}
	if !cur.Authoritative() {
		return MergeResult{Outcome: OutcomeRemoved}
	}
	rec := *cur
	rec.Status = rec.Observed
	rec.AwaitingConfirmation = false
	rec.TxRef = common.Hash{}
	rec.Warning = warningSubmissionRejected
	return MergeResult{Record: rec, Exists: true, Outcome: OutcomeRolledBack}
}
