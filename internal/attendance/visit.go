package attendance

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrMemberNotFound is returned when checking in an unknown USN without a registration payload.
	ErrMemberNotFound = errors.New("member not found")
	// ErrAlreadyCheckedIn is returned when the member already has an open visit.
	ErrAlreadyCheckedIn = errors.New("member already checked in")
	// ErrNoActiveVisit is returned when there is no open visit to close.
	ErrNoActiveVisit = errors.New("no active visit")
	// ErrInvalidRequest is returned for malformed check-in or check-out input.
	ErrInvalidRequest = errors.New("invalid request")
)

// Visit is one entry/exit pair. ExitTime and DurationMinutes are nil while the visit is open.
type Visit struct {
	ID              int64      `json:"id"`
	USN             string     `json:"usn"`
	ResourceTag     *string    `json:"resource_tag,omitempty"`
	EntryTime       time.Time  `json:"entry_time"`
	ExitTime        *time.Time `json:"exit_time,omitempty"`
	DurationMinutes *int       `json:"duration_minutes,omitempty"`
	Semester        int        `json:"semester"`
}

// Open reports whether the visit has not been closed.
func (v Visit) Open() bool { return v.ExitTime == nil }

// VisitWithMember is a visit joined with the member's display fields.
type VisitWithMember struct {
	Visit
	Name       string `json:"name"`
	Department string `json:"department"`
}

// Registration carries the member details used to auto-register an unknown USN on check-in.
type Registration struct {
	Name       string `json:"name" validate:"required,max=120"`
	Department string `json:"department" validate:"required,max=60"`
	Semester   int    `json:"semester" validate:"required,min=1,max=8"`
	Email      string `json:"email,omitempty" validate:"omitempty,email"`
	Phone      string `json:"phone,omitempty" validate:"omitempty,max=20"`
}

// CheckInRequest opens a visit for USN.
type CheckInRequest struct {
	USN          string        `json:"usn"`
	ResourceTag  string        `json:"resource_tag,omitempty"`
	Registration *Registration `json:"registration,omitempty"`
}

// TagPolicy controls how a check-out resource tag selects the visit to close.
type TagPolicy string

const (
	// TagFilter narrows to visits with the given tag when one is supplied.
	TagFilter TagPolicy = "filter"
	// TagIgnore always closes the most recent open visit.
	TagIgnore TagPolicy = "ignore"
	// TagExact requires the open visit's tag to equal the supplied tag; an empty tag matches untagged visits.
	TagExact TagPolicy = "exact"
)

// ParseTagPolicy maps a configuration value to a policy. Empty selects TagFilter.
func ParseTagPolicy(s string) (TagPolicy, error) {
	switch p := TagPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return TagFilter, nil
	case TagFilter, TagIgnore, TagExact:
		return p, nil
	}
	return "", errors.New("unknown checkout tag policy " + s)
}

// NormalizeUSN trims and upper-cases a member id.
func NormalizeUSN(usn string) string {
	return strings.ToUpper(strings.TrimSpace(usn))
}

// Visit event types published after commit.
const (
	EventCheckedIn  = "visit.checked_in"
	EventCheckedOut = "visit.checked_out"
)

// VisitEvent is the queue payload describing a state change.
type VisitEvent struct {
	VisitID         int64      `json:"visit_id"`
	USN             string     `json:"usn"`
	ResourceTag     *string    `json:"resource_tag,omitempty"`
	EntryTime       time.Time  `json:"entry_time"`
	ExitTime        *time.Time `json:"exit_time,omitempty"`
	DurationMinutes *int       `json:"duration_minutes,omitempty"`
	Registered      bool       `json:"registered,omitempty"`
}

func eventFor(v Visit, registered bool) VisitEvent {
	return VisitEvent{
		VisitID:         v.ID,
		USN:             v.USN,
		ResourceTag:     v.ResourceTag,
		EntryTime:       v.EntryTime,
		ExitTime:        v.ExitTime,
		DurationMinutes: v.DurationMinutes,
		Registered:      registered,
	}
}

func optionalString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
