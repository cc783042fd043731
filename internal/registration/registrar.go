// Package registration admits new profiles: it validates the submitted
// record, rejects an email that is already registered, stores the profile
// and gets it scored against every active profile.
//
// Scoring happens in one of two ways. With an Announcer the new id is
// published as a profile.created event and the running recommender service
// scores it. Without one the profile is scored synchronously.
package registration

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/roomie/recommender/internal/profile"
	"github.com/roomie/recommender/internal/recommend"
)

// ErrInvalidRequest wraps every validation failure.
var ErrInvalidRequest = errors.New("registration: invalid request")

// Request is a submitted profile.
type Request struct {
	Name         string  `json:"name" validate:"required"`
	Email        string  `json:"email" validate:"required,email"`
	Phone        string  `json:"phone"`
	SocialHandle string  `json:"social_handle"`
	BirthDate    string  `json:"birth_date"`
	Gender       string  `json:"gender"`
	Occupation   string  `json:"occupation"`
	Sports       string  `json:"sports"`
	MaxBudget    float64 `json:"max_budget" validate:"gte=0"`
	Cleanliness  int     `json:"cleanliness" validate:"omitempty,min=1,max=5"`
	WorkSchedule string  `json:"work_schedule"`

	HasPet        bool `json:"has_pet"`
	AcceptsPet    bool `json:"accepts_pet"`
	IsSmoker      bool `json:"is_smoker"`
	AcceptsSmoker bool `json:"accepts_smoker"`

	Interests           []string       `json:"interests"`
	RoommatePreferences map[string]any `json:"roommate_preferences"`
}

// Store is the write side of the profile store.
type Store interface {
	EmailExists(ctx context.Context, email string) (bool, error)
	Create(ctx context.Context, p profile.Profile) (int64, error)
}

// Announcer publishes profile.created events.
type Announcer interface {
	PublishProfileCreated(profileID int64) error
}

// Scorer scores one profile against all active profiles.
type Scorer interface {
	RecomputeForNewProfile(ctx context.Context, id int64) (*recommend.BatchResult, error)
}

// Result describes one admitted profile.
type Result struct {
	ProfileID int64
	Announced bool                   // handed to the service via profile.created
	Batch     *recommend.BatchResult // set when scored synchronously
}

// Registrar admits profiles.
type Registrar struct {
	store     Store
	scorer    Scorer
	announcer Announcer
	validate  *validator.Validate
	logger    zerolog.Logger
}

// New creates a Registrar. announcer may be nil.
func New(store Store, scorer Scorer, announcer Announcer, logger zerolog.Logger) *Registrar {
	return &Registrar{
		store:     store,
		scorer:    scorer,
		announcer: announcer,
		validate:  validator.New(),
		logger:    logger.With().Str("component", "registration").Logger(),
	}
}

// Register validates req, stores it as an active profile and gets it
// scored. A registered email yields profile.ErrEmailExists and nothing is
// stored. If the profile is stored but scoring or announcing fails, the
// Result still carries the new id alongside the error.
func (r *Registrar) Register(ctx context.Context, req Request) (*Result, error) {
	req.Email = strings.TrimSpace(req.Email)
	if err := r.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, describe(err))
	}

	exists, err := r.store.EmailExists(ctx, req.Email)
	if err != nil {
		return nil, fmt.Errorf("registration: check email: %w", err)
	}
	if exists {
		return nil, profile.ErrEmailExists
	}

	p, err := req.toProfile()
	if err != nil {
		return nil, err
	}
	id, err := r.store.Create(ctx, p)
	if err != nil {
		if errors.Is(err, profile.ErrEmailExists) {
			return nil, err
		}
		return nil, fmt.Errorf("registration: create: %w", err)
	}
	res := &Result{ProfileID: id}
	log := r.logger.With().Int64("profile_id", id).Logger()

	if r.announcer != nil {
		if err := r.announcer.PublishProfileCreated(id); err != nil {
			return res, fmt.Errorf("registration: announce %d: %w", id, err)
		}
		res.Announced = true
		log.Info().Msg("profile registered and announced")
		return res, nil
	}

	batch, err := r.scorer.RecomputeForNewProfile(ctx, id)
	res.Batch = batch
	if err != nil {
		return res, fmt.Errorf("registration: score %d: %w", id, err)
	}
	log.Info().Int("processed", batch.Processed).Int("failed", len(batch.Failures)).Msg("profile registered and scored")
	return res, nil
}

// DecodeRequests parses a JSON array of requests, or a single object.
func DecodeRequests(data []byte) ([]Request, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		var one Request
		if err := json.Unmarshal(data, &one); err != nil {
			return nil, fmt.Errorf("registration: decode request: %w", err)
		}
		return []Request{one}, nil
	}
	var many []Request
	if err := json.Unmarshal(data, &many); err != nil {
		return nil, fmt.Errorf("registration: decode requests: %w", err)
	}
	return many, nil
}

func (req Request) toProfile() (profile.Profile, error) {
	p := profile.Profile{
		Name:          req.Name,
		Email:         req.Email,
		Phone:         req.Phone,
		SocialHandle:  req.SocialHandle,
		BirthDate:     req.BirthDate,
		Gender:        req.Gender,
		Occupation:    req.Occupation,
		Sports:        req.Sports,
		MaxBudget:     req.MaxBudget,
		Cleanliness:   req.Cleanliness,
		WorkSchedule:  req.WorkSchedule,
		HasPet:        req.HasPet,
		AcceptsPet:    req.AcceptsPet,
		IsSmoker:      req.IsSmoker,
		AcceptsSmoker: req.AcceptsSmoker,
		Active:        true,
	}
	if len(req.Interests) > 0 {
		raw, err := json.Marshal(req.Interests)
		if err != nil {
			return p, fmt.Errorf("registration: encode interests: %w", err)
		}
		p.Interests = string(raw)
	}
	if len(req.RoommatePreferences) > 0 {
		raw, err := json.Marshal(req.RoommatePreferences)
		if err != nil {
			return p, fmt.Errorf("registration: encode preferences: %w", err)
		}
		p.RoommatePreferences = string(raw)
	}
	return p, nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
