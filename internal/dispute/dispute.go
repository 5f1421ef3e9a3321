// Package dispute implements the dispute lifecycle attached to a delivery
// request: open → resolved | rejected. At most one dispute ever exists per
// request, and while it is open the request's escrow cannot be released.
package dispute

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrDisputeAlreadyExists = errors.New("a dispute already exists for this request")
	ErrDisputeNotOpen       = errors.New("dispute is not open")
	ErrNoDispute            = errors.New("request has no dispute")
	ErrRequestCancelled     = errors.New("cannot dispute a cancelled request")
	ErrRequestClosed        = errors.New("cannot dispute a completed or rejected request")
	ErrReasonRequired       = errors.New("dispute reason is required")
	ErrInvalidDecision      = errors.New("decision must be resolved or rejected")
)

// Status of a dispute.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
	StatusRejected Status = "rejected"
)

// Dispute is embedded in a delivery request.
type Dispute struct {
	RaisedBy       string     `json:"raisedBy"`
	Reason         string     `json:"reason"`
	Status         Status     `json:"status"`
	ResolutionNote string     `json:"resolutionNote,omitempty"`
	ResolvedBy     string     `json:"resolvedBy,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
}

// RequestState is the slice of a request the resolver needs.
type RequestState struct {
	Cancelled bool
	Closed    bool // completed or rejected
}

// Raise opens a dispute. existing is the request's current dispute, if any;
// any prior dispute, open or settled, blocks a new one.
func Raise(existing *Dispute, req RequestState, raisedBy, reason string, now time.Time) (*Dispute, error) {
	if existing != nil {
		return nil, ErrDisputeAlreadyExists
	}
	if req.Cancelled {
		return nil, ErrRequestCancelled
	}
	if req.Closed {
		return nil, ErrRequestClosed
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrReasonRequired
	}
	return &Dispute{
		RaisedBy:  raisedBy,
		Reason:    reason,
		Status:    StatusOpen,
		CreatedAt: now,
	}, nil
}

// Resolve closes an open dispute with the admin's decision. The input is
// not modified. Resolution never moves escrow by itself.
func Resolve(d *Dispute, decision Status, note, adminID string, now time.Time) (*Dispute, error) {
	if d == nil {
		return nil, ErrNoDispute
	}
	if decision != StatusResolved && decision != StatusRejected {
		return nil, ErrInvalidDecision
	}
	if d.Status != StatusOpen {
		return nil, ErrDisputeNotOpen
	}
	out := *d
	out.Status = decision
	out.ResolutionNote = strings.TrimSpace(note)
	out.ResolvedBy = adminID
	out.ResolvedAt = &now
	return &out, nil
}

// Blocks reports whether d prevents escrow release and completion.
func Blocks(d *Dispute) bool {
	return d != nil && d.Status == StatusOpen
}

// ParseDecision maps an API string to a closing status.
func ParseDecision(s string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusResolved:
		return StatusResolved, nil
	case StatusRejected:
		return StatusRejected, nil
	}
	return "", ErrInvalidDecision
}
