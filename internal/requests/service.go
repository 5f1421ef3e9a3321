package requests

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/baggo/baggo/internal/dispute"
	"github.com/baggo/baggo/internal/escrow"
	"github.com/baggo/baggo/internal/idgen"
	"github.com/baggo/baggo/internal/logging"
	"github.com/baggo/baggo/internal/money"
	"github.com/baggo/baggo/internal/notify"
	"github.com/baggo/baggo/internal/traces"
	"github.com/baggo/baggo/internal/trips"
)

// CreateInput contains the parameters for requesting a delivery.
type CreateInput struct {
	SenderID      string
	TravelerID    string
	PackageID     string
	TripID        string
	Amount        decimal.Decimal
	Insurance     bool
	InsuranceCost decimal.Decimal
}

// Create opens a pending request. The sender's one-time referral discount,
// if still available, is taken off the amount.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Request, error) {
	ctx, span := traces.StartSpan(ctx, "requests.create", traces.UserID(in.SenderID), traces.Amount(money.Format(in.Amount)))
	r, err := s.create(ctx, in)
	traces.End(span, err)
	return r, err
}

func (s *Service) create(ctx context.Context, in CreateInput) (*Request, error) {
	if !money.Positive(in.Amount) {
		return nil, ErrInvalidAmount
	}
	if err := money.Check(in.InsuranceCost); err != nil {
		return nil, fmt.Errorf("%w: insurance cost: %v", ErrInvalidAmount, err)
	}
	switch {
	case in.Insurance && !in.InsuranceCost.IsPositive():
		return nil, fmt.Errorf("%w: insuranceCost is required with insurance", ErrInvalidRequest)
	case !in.Insurance && !in.InsuranceCost.IsZero():
		return nil, fmt.Errorf("%w: insuranceCost given without insurance", ErrInvalidRequest)
	case in.SenderID == "" || in.TravelerID == "" || in.PackageID == "":
		return nil, fmt.Errorf("%w: sender, traveler and package are required", ErrInvalidRequest)
	case in.SenderID == in.TravelerID:
		return nil, fmt.Errorf("%w: sender and traveler must differ", ErrInvalidRequest)
	}

	if _, err := s.users.IsKYCVerified(ctx, in.TravelerID); err != nil {
		return nil, fmt.Errorf("traveler %s: %w", in.TravelerID, err)
	}
	pkg, err := s.packages.Get(ctx, in.PackageID)
	if err != nil {
		return nil, fmt.Errorf("package %s: %w", in.PackageID, err)
	}
	if pkg.SenderID != in.SenderID {
		return nil, fmt.Errorf("%w: package belongs to another sender", ErrForbidden)
	}
	if in.TripID != "" {
		trip, err := s.trips.Get(ctx, in.TripID)
		if err != nil {
			return nil, fmt.Errorf("trip %s: %w", in.TripID, err)
		}
		if trip.TravelerID != in.TravelerID {
			return nil, fmt.Errorf("%w: trip belongs to another traveler", ErrInvalidRequest)
		}
		if trip.Status != trips.StatusActive {
			return nil, fmt.Errorf("trip %s: %w", in.TripID, trips.ErrNotActive)
		}
	}

	amount := in.Amount
	discounted, applied, err := s.users.ApplyReferralDiscount(ctx, in.SenderID, amount)
	if err != nil {
		return nil, fmt.Errorf("referral discount: %w", err)
	}
	discount := decimal.Zero
	if applied {
		discount = amount.Sub(discounted)
		amount = discounted
	}

	now := s.now()
	r := &Request{
		ID:         idgen.New(idgen.Request),
		SenderID:   in.SenderID,
		TravelerID: in.TravelerID,
		PackageID:  in.PackageID,
		TripID:     in.TripID,
		Amount:     amount,
		Insurance:  in.Insurance,
		Discount:   discount,
		Status:     StatusPending,
		Payment:    Payment{Status: PaymentUnpaid},
		MovementTracking: []Movement{{
			Status:    StatusPending,
			ActorID:   in.SenderID,
			Timestamp: now,
		}},
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if in.Insurance {
		cost := in.InsuranceCost
		r.InsuranceCost = &cost
	}
	if err := s.store.Create(ctx, r); err != nil {
		if applied {
			if rerr := s.users.RestoreReferralDiscount(ctx, in.SenderID); rerr != nil {
				logging.L(ctx).Error("referral discount lost", "user_id", in.SenderID, "error", rerr)
			}
		}
		return nil, err
	}

	logging.L(ctx).Info("request created", "request_id", r.ID, "sender_id", r.SenderID,
		"traveler_id", r.TravelerID, "amount", money.Format(r.Amount), "discount", money.Format(discount))
	s.emit(ctx, notify.RequestCreated, r, nil)
	return r, nil
}

// Get returns a request by id.
func (s *Service) Get(ctx context.Context, id string) (*Request, error) {
	return s.store.Get(ctx, id)
}

// GetByPaymentReference returns the request paid with reference.
func (s *Service) GetByPaymentReference(ctx context.Context, reference string) (*Request, error) {
	return s.store.GetByPaymentReference(ctx, reference)
}

// ListBySender returns the sender's requests, newest first.
func (s *Service) ListBySender(ctx context.Context, senderID string, limit int) ([]*Request, error) {
	return s.store.ListBySender(ctx, senderID, limit)
}

// ListByTraveler returns the traveler's requests, newest first.
func (s *Service) ListByTraveler(ctx context.Context, travelerID string, limit int) ([]*Request, error) {
	return s.store.ListByTraveler(ctx, travelerID, limit)
}

// ListDisputes returns requests with disputes in the given status.
func (s *Service) ListDisputes(ctx context.Context, status dispute.Status, limit int) ([]*Request, error) {
	return s.store.ListDisputes(ctx, status, limit)
}

// TransitionInput describes a status change.
type TransitionInput struct {
	Status   string
	Location string
	Notes    string
}

// travelerDriven are the statuses only the traveler (or an admin) may set.
var travelerDriven = map[Status]bool{
	StatusAccepted:   true,
	StatusRejected:   true,
	StatusPickedUp:   true,
	StatusInTransit:  true,
	StatusCustoms:    true,
	StatusDelivering: true,
}

// Transition moves a request to a new status. Completion is only reachable
// through ConfirmReceived; cancellation is routed to Cancel.
func (s *Service) Transition(ctx context.Context, id string, actor Actor, in TransitionInput) (*Request, error) {
	to, err := ParseStatus(in.Status)
	if err != nil {
		return nil, err
	}
	switch to {
	case StatusCompleted:
		return nil, fmt.Errorf("%w: completion requires the sender's receipt confirmation", ErrInvalidTransition)
	case StatusCancelled:
		return s.Cancel(ctx, id, actor, in.Notes)
	}

	var from Status
	var reserved decimal.Decimal
	var reservedOn string
	r, err := s.mutate(ctx, "transition", id, func(r *Request) (bool, error) {
		if !actor.Admin && (actor.ID != r.TravelerID || !travelerDriven[to]) {
			return false, ErrForbidden
		}
		if !CanTransition(r.Status, to) {
			return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
		}
		from = r.Status

		switch to {
		case StatusAccepted:
			ok, err := s.users.IsKYCVerified(ctx, r.TravelerID)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, ErrKYCRequired
			}
			if r.TripID != "" {
				pkg, err := s.packages.Get(ctx, r.PackageID)
				if err != nil {
					return false, err
				}
				if err := s.trips.Reserve(ctx, r.TripID, pkg.WeightKg); err != nil {
					return false, err
				}
				reserved, reservedOn = pkg.WeightKg, r.TripID
				r.ReservedKg = pkg.WeightKg
			}
		case StatusPickedUp:
			if r.Payment.Status != PaymentPaid {
				return false, ErrPaymentRequired
			}
			if !r.Escrow.Held {
				st, err := s.engine.Hold(ctx, r.claim())
				if err != nil {
					return false, err
				}
				r.Escrow = st
			}
		}

		s.advance(r, to, actor.ID, in.Location, in.Notes)
		return true, nil
	})
	if err != nil {
		if reservedOn != "" {
			s.releaseCapacity(ctx, id, reservedOn, reserved)
		}
		return nil, err
	}

	observeTransition(from, to)
	event := notify.RequestStatusChanged
	if to == StatusAccepted {
		event = notify.RequestAccepted
	}
	s.emit(ctx, event, r, nil)
	return r, nil
}

// ConfirmReceived is the sender's acknowledgement that the package arrived.
// It releases escrow to the traveler and completes the request. A repeat
// confirmation returns the request unchanged.
func (s *Service) ConfirmReceived(ctx context.Context, id string, actor Actor) (*Request, error) {
	var from Status
	r, err := s.mutate(ctx, "confirm_received", id, func(r *Request) (bool, error) {
		if actor.ID != r.SenderID {
			return false, ErrForbidden
		}
		if r.SenderReceived {
			return false, nil
		}
		if dispute.Blocks(r.Dispute) {
			return false, ErrDisputeOpen
		}
		if !CanTransition(r.Status, StatusCompleted) {
			return false, fmt.Errorf("%w: cannot confirm receipt while %s", ErrInvalidTransition, r.Status)
		}
		from = r.Status

		c := r.claim()
		c.SenderReceived = true
		st, err := s.engine.Release(ctx, c)
		if err != nil {
			return false, err
		}
		r.Escrow = st
		r.SenderReceived = true
		s.advance(r, StatusCompleted, actor.ID, "", "Receipt confirmed by sender")
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if from != "" {
		observeTransition(from, StatusCompleted)
		s.emit(ctx, notify.RequestCompleted, r, map[string]any{"released": money.Format(r.Escrow.Amount)})
	}
	return r, nil
}

// Cancel voids a non-terminal request. Escrow held for it is removed; the
// payer is refunded through the separate refund flow. An open dispute must be
// resolved by an admin first.
func (s *Service) Cancel(ctx context.Context, id string, actor Actor, reason string) (*Request, error) {
	var from Status
	var freed decimal.Decimal
	r, err := s.mutate(ctx, "cancel", id, func(r *Request) (bool, error) {
		if !actor.Admin && !r.IsParty(actor.ID) {
			return false, ErrForbidden
		}
		switch r.Status {
		case StatusCancelled:
			return false, ErrAlreadyCancelled
		case StatusCompleted, StatusRejected:
			return false, fmt.Errorf("%w: request is %s", ErrInvalidTransition, r.Status)
		}
		if dispute.Blocks(r.Dispute) {
			return false, ErrDisputeOpen
		}
		from = r.Status

		st, err := s.engine.Remove(ctx, r.claim(), reason)
		if err != nil {
			return false, err
		}
		r.Escrow = st
		freed = r.ReservedKg
		r.ReservedKg = decimal.Zero
		r.CancelReason = strings.TrimSpace(reason)
		s.advance(r, StatusCancelled, actor.ID, "", r.CancelReason)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if freed.IsPositive() && r.TripID != "" {
		s.releaseCapacity(ctx, r.ID, r.TripID, freed)
	}
	observeTransition(from, StatusCancelled)
	s.emit(ctx, notify.RequestCancelled, r, map[string]any{"reason": r.CancelReason})
	return r, nil
}

// RaiseDispute opens the request's only dispute.
func (s *Service) RaiseDispute(ctx context.Context, id string, actor Actor, reason string) (*dispute.Dispute, error) {
	r, err := s.mutate(ctx, "raise_dispute", id, func(r *Request) (bool, error) {
		if !r.IsParty(actor.ID) {
			return false, ErrForbidden
		}
		d, err := dispute.Raise(r.Dispute, dispute.RequestState{
			Cancelled: r.Status == StatusCancelled,
			Closed:    r.Status == StatusCompleted || r.Status == StatusRejected,
		}, actor.ID, reason, s.now())
		if err != nil {
			return false, err
		}
		r.Dispute = d
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	logging.L(ctx).Info("dispute raised", "request_id", id, "raised_by", actor.ID)
	s.emit(ctx, notify.DisputeRaised, r, map[string]any{"reason": r.Dispute.Reason})
	return r.Dispute, nil
}

// ResolveDispute records an admin's decision. It unblocks completion but
// moves no money.
func (s *Service) ResolveDispute(ctx context.Context, id, adminID, decision, note string) (*dispute.Dispute, error) {
	status, err := dispute.ParseDecision(decision)
	if err != nil {
		return nil, err
	}
	r, err := s.mutate(ctx, "resolve_dispute", id, func(r *Request) (bool, error) {
		d, err := dispute.Resolve(r.Dispute, status, note, adminID, s.now())
		if err != nil {
			return false, err
		}
		r.Dispute = d
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	logging.L(ctx).Info("dispute resolved", "request_id", id, "decision", status, "admin_id", adminID)
	s.emit(ctx, notify.DisputeResolved, r, map[string]any{"decision": string(status)})
	return r.Dispute, nil
}

// RecordPaymentIntent attaches the provider and its reference to a request
// before the sender is sent to pay. Recording the same reference again is a
// no-op.
func (s *Service) RecordPaymentIntent(ctx context.Context, id string, actor Actor, method PaymentMethod, reference string) (*Request, error) {
	if _, err := ParsePaymentMethod(string(method)); err != nil {
		return nil, err
	}
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, fmt.Errorf("%w: payment reference is required", ErrInvalidRequest)
	}
	return s.mutate(ctx, "record_payment_intent", id, func(r *Request) (bool, error) {
		if !actor.Admin && actor.ID != r.SenderID {
			return false, ErrForbidden
		}
		if r.Status.IsTerminal() {
			return false, fmt.Errorf("%w: request is %s", ErrInvalidTransition, r.Status)
		}
		if r.Payment.Status == PaymentPaid {
			return false, fmt.Errorf("%w: request is already paid", ErrInvalidTransition)
		}
		if r.Payment.Reference == reference && r.Payment.Method == method {
			return false, nil
		}
		now := s.now()
		r.Payment = Payment{Method: method, Reference: reference, Status: PaymentUnpaid, UpdatedAt: &now}
		return true, nil
	})
}

// ConfirmPayment applies a provider's final answer for reference. A paid
// outcome holds the price in the traveler's escrow. A payment that already
// has an outcome is returned unchanged, so duplicate callbacks are harmless.
func (s *Service) ConfirmPayment(ctx context.Context, reference string, outcome PaymentStatus) (*Request, error) {
	if !outcome.Settled() {
		return nil, fmt.Errorf("%w: outcome must be paid or failed", ErrInvalidRequest)
	}
	found, err := s.store.GetByPaymentReference(ctx, reference)
	if err != nil {
		return nil, err
	}

	changed := false
	r, err := s.mutate(ctx, "confirm_payment", found.ID, func(r *Request) (bool, error) {
		if r.Payment.Reference != reference {
			return false, ErrNotFound
		}
		if r.Payment.Status.Settled() {
			return false, nil
		}
		if r.Status.IsTerminal() {
			return false, fmt.Errorf("%w: payment confirmation for %s request", ErrInvalidTransition, r.Status)
		}
		now := s.now()
		r.Payment.Status = outcome
		r.Payment.UpdatedAt = &now
		if outcome == PaymentPaid {
			st, err := s.engine.Hold(ctx, r.claim())
			if err != nil {
				return false, err
			}
			r.Escrow = st
		}
		changed = true
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		observePayment(r.Payment.Method, outcome)
		event := notify.PaymentConfirmed
		if outcome == PaymentFailed {
			event = notify.PaymentFailed
		}
		s.emit(ctx, event, r, map[string]any{"reference": reference})
	}
	return r, nil
}

// mutate loads the request under its lock, applies fn, and persists the
// result when fn reports a change. fn works on a private copy, so an error
// leaves the stored request untouched.
func (s *Service) mutate(ctx context.Context, op, id string, fn func(r *Request) (bool, error)) (*Request, error) {
	ctx, span := traces.StartSpan(ctx, "requests."+op, traces.RequestID(id))
	r, err := s.doMutate(ctx, op, id, fn)
	if r != nil {
		span.SetAttributes(traces.Status(string(r.Status)))
	}
	traces.End(span, err)
	return r, err
}

func (s *Service) doMutate(ctx context.Context, op, id string, fn func(r *Request) (bool, error)) (*Request, error) {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	before := r.Escrow
	changed, err := fn(r)
	if err != nil {
		return nil, err
	}
	if !changed {
		return r, nil
	}

	r.EscrowCleared = r.Escrow.Cleared
	r.UpdatedAt = s.stamp(r.UpdatedAt)
	if err := s.store.Update(ctx, r); err != nil {
		if escrowMoved(before, r.Escrow) {
			// Funds moved but the request does not say so. A retry replays
			// the movement against the same ledger reference.
			logging.L(ctx).Error("CRITICAL: escrow moved but request not persisted",
				"request_id", id, "op", op, "amount", money.Format(r.EscrowAmount()), "error", err)
		}
		return nil, err
	}
	return r, nil
}

// advance sets the new status and appends its movement entry.
func (s *Service) advance(r *Request, to Status, actorID, location, notes string) {
	r.Status = to
	r.MovementTracking = append(r.MovementTracking, Movement{
		Status:    to,
		Location:  strings.TrimSpace(location),
		Notes:     strings.TrimSpace(notes),
		ActorID:   actorID,
		Timestamp: s.now(),
	})
}

// stamp returns a timestamp strictly after prev.
func (s *Service) stamp(prev time.Time) time.Time {
	now := s.now()
	if !now.After(prev) {
		now = prev.Add(time.Microsecond)
	}
	return now
}

func (s *Service) releaseCapacity(ctx context.Context, requestID, tripID string, kg decimal.Decimal) {
	if err := s.trips.Release(ctx, tripID, kg); err != nil {
		logging.L(ctx).Error("trip capacity not released", "request_id", requestID, "trip_id", tripID,
			"kg", kg.String(), "error", err)
	}
}

func (s *Service) emit(ctx context.Context, typ notify.EventType, r *Request, data map[string]any) {
	ev := notify.Event{
		Type:       typ,
		RequestID:  r.ID,
		Recipients: []string{r.SenderID, r.TravelerID},
		Status:     string(r.Status),
		Data:       data,
	}
	if err := s.notifier.Notify(ctx, ev); err != nil {
		logging.L(ctx).Warn("notification dropped", "event", typ, "request_id", r.ID, "error", err)
	}
}

func escrowMoved(before, after escrow.State) bool {
	return before.Held != after.Held || before.Released != after.Released || before.Cleared != after.Cleared
}
