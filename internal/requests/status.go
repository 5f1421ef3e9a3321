package requests

import "strings"

// Status is a request lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAccepted   Status = "accepted"
	StatusPickedUp   Status = "picked_up"
	StatusInTransit  Status = "in_transit"
	StatusCustoms    Status = "customs"
	StatusDelivering Status = "delivering"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusRejected   Status = "rejected"
)

var aliases = map[string]Status{
	"intransit": StatusInTransit,
	"delivered": StatusCompleted,
}

// ParseStatus accepts canonical names and the legacy aliases.
func ParseStatus(s string) (Status, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if st, ok := aliases[s]; ok {
		return st, nil
	}
	st := Status(s)
	if _, ok := transitions[st]; !ok {
		return "", ErrInvalidStatus
	}
	return st, nil
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusRejected
}

// InFlight reports whether the package is with the traveler.
func (s Status) InFlight() bool {
	switch s {
	case StatusPickedUp, StatusInTransit, StatusCustoms, StatusDelivering:
		return true
	}
	return false
}

// transitions lists the forward moves. Cancellation is allowed from every
// non-terminal state and completion from every in-flight state; both are
// added by CanTransition.
var transitions = map[Status][]Status{
	StatusPending:    {StatusAccepted, StatusRejected},
	StatusAccepted:   {StatusPickedUp},
	StatusPickedUp:   {StatusInTransit},
	StatusInTransit:  {StatusCustoms, StatusDelivering},
	StatusCustoms:    {StatusDelivering},
	StatusDelivering: {},
	StatusCompleted:  {},
	StatusCancelled:  {},
	StatusRejected:   {},
}

// CanTransition reports whether from → to is an allowed move.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	switch to {
	case StatusCancelled:
		return true
	case StatusCompleted:
		return from.InFlight()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
