package chat

import "fmt"

// Status is the delivery state of a message. The zero value is not a valid
// status; the defined values are ordered SENT < DELIVERED < READ.
type Status int

const (
	StatusSent      Status = 1
	StatusDelivered Status = 2
	StatusRead      Status = 3
)

func (s Status) String() string {
	switch s {
	case StatusSent:
		return "SENT"
	case StatusDelivered:
		return "DELIVERED"
	case StatusRead:
		return "READ"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	return s >= StatusSent && s <= StatusRead
}

// Advances reports whether moving from s to next is a forward transition.
// Transitions to the same or an earlier status are no-ops.
func (s Status) Advances(next Status) bool {
	return next.Valid() && next > s
}

// ParseStatus converts the wire name of a status back to a Status.
func ParseStatus(name string) (Status, error) {
	switch name {
	case "SENT":
		return StatusSent, nil
	case "DELIVERED":
		return StatusDelivered, nil
	case "READ":
		return StatusRead, nil
	}
	return 0, fmt.Errorf("chat: unknown status %q", name)
}

// MarshalText encodes the status as its upper-case name.
func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("chat: cannot marshal invalid status %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status from its upper-case name.
func (s *Status) UnmarshalText(text []byte) error {
	v, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
