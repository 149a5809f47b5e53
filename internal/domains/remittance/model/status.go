package model

import (
	"errors"
	"strings"
)

// Status is the reconciled lifecycle state of a remittance.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusAdding
	StatusAdded
	StatusCollecting
	StatusCollected
	StatusReturning
	StatusReturned
)

var ErrInvalidStatus = errors.New("invalid remittance status")

var statusNames = map[Status]string{
	StatusAdding:     "Adding",
	StatusAdded:      "Added",
	StatusCollecting: "Collecting",
	StatusCollected:  "Collected",
	StatusReturning:  "Returning",
	StatusReturned:   "Returned",
}

// AllStatuses lists every valid status in lifecycle order.
var AllStatuses = []Status{
	StatusAdding,
	StatusAdded,
	StatusCollecting,
	StatusReturning,
	StatusCollected,
	StatusReturned,
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "Unknown"
}

func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// Rank orders statuses along the lifecycle graph. Collecting and Returning
// share a rank, as do the two terminal states.
func (s Status) Rank() int {
	switch s {
	case StatusAdding:
		return 1
	case StatusAdded:
		return 2
	case StatusCollecting, StatusReturning:
		return 3
	case StatusCollected, StatusReturned:
		return 4
	default:
		return 0
	}
}

func (s Status) Terminal() bool {
	return s == StatusCollected || s == StatusReturned
}

// Optimistic reports whether the status is only ever produced by a local submission.
func (s Status) Optimistic() bool {
	return s == StatusAdding || s == StatusCollecting || s == StatusReturning
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, ErrInvalidStatus
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(raw []byte) error {
	parsed, err := ParseStatus(string(raw))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func ParseStatus(raw string) (Status, error) {
	trimmed := strings.TrimSpace(raw)
	for status, name := range statusNames {
		if strings.EqualFold(name, trimmed) {
			return status, nil
		}
	}
	return StatusUnknown, ErrInvalidStatus
}
