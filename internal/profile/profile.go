// Package profile defines the roommate-seeker record and the store
// contract the recommender reads profiles through.
package profile

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a profile id does not exist.
	ErrNotFound = errors.New("profile: not found")

	// ErrEmailExists is returned by Create when the email is already registered.
	ErrEmailExists = errors.New("profile: email already registered")

	// ErrInvalidPair is returned when a profile is paired with itself.
	ErrInvalidPair = errors.New("profile: a profile cannot be paired with itself")
)

// Profile is one roommate-seeker's attribute record. Optional text fields
// use the empty string for "absent"; Cleanliness uses 0.
type Profile struct {
	ID    int64
	Name  string
	Email string
	Phone string

	SocialHandle string
	BirthDate    string // ISO-8601 date or date-time, may be malformed
	Gender       string
	Occupation   string
	Sports       string
	MaxBudget    float64
	Cleanliness  int // 1..5, 0 when unset
	WorkSchedule string

	HasPet        bool
	AcceptsPet    bool
	IsSmoker      bool
	AcceptsSmoker bool

	Interests           string // JSON list, e.g. ["cine","viajes"]
	RoommatePreferences string // JSON object, e.g. {"zona":"centro"}

	RegisteredAt time.Time
	UpdatedAt    time.Time
	Active       bool
}

// Store is the read contract the recommender depends on.
type Store interface {
	// ActiveProfiles returns every active profile ordered by id.
	ActiveProfiles(ctx context.Context) ([]*Profile, error)

	// Get returns the profile with the given id or ErrNotFound.
	Get(ctx context.Context, id int64) (*Profile, error)

	// Exists reports whether a profile with the given id is stored.
	Exists(ctx context.Context, id int64) (bool, error)
}
