// Package members owns the member registry: CRUD, term advancement, the
// cached prefix search, and the bulk upsert importer.
package members

import (
	"errors"
	"time"

	"libattend/internal/attendance"
)

var (
	// ErrMemberNotFound is shared with the ledger so callers test a single sentinel.
	ErrMemberNotFound = attendance.ErrMemberNotFound
	// ErrMemberExists is returned when creating a member whose USN is taken.
	ErrMemberExists = errors.New("member already exists")
	// ErrMemberHasOpenVisit blocks deleting a member who is checked in.
	ErrMemberHasOpenVisit = errors.New("member has an open visit")
	// ErrUnknownField is returned by Update for fields outside the allow-list.
	ErrUnknownField = errors.New("unknown field")
	// ErrInvalidField is returned by Update and Create for values of the wrong type or range.
	ErrInvalidField = errors.New("invalid field")
)

// MaxSemester is the final term; AdvanceTerms never moves past it.
const MaxSemester = 8

// Member is a registered library visitor. USN is immutable once created.
type Member struct {
	USN        string    `json:"usn" validate:"required,usn"`
	Name       string    `json:"name" validate:"required,max=120"`
	Department string    `json:"department" validate:"required,max=60"`
	Semester   int       `json:"semester" validate:"required,min=1,max=8"`
	Email      *string   `json:"email,omitempty" validate:"omitempty,email"`
	Phone      *string   `json:"phone,omitempty" validate:"omitempty,max=20"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

const memberColumns = `usn, name, department, semester, email, phone, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMember(row rowScanner) (Member, error) {
	var m Member
	var email, phone *string
	if err := row.Scan(&m.USN, &m.Name, &m.Department, &m.Semester, &email, &phone, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return Member{}, err
	}
	m.Email, m.Phone = email, phone
	m.CreatedAt, m.UpdatedAt = m.CreatedAt.UTC(), m.UpdatedAt.UTC()
	return m, nil
}
