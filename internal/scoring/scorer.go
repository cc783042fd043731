// Package scoring computes the roommate compatibility score of two profiles.
//
// The score is a sum of independent per-attribute terms. Some terms reward
// similarity, the pet and smoker terms can penalize incompatibility. Terms
// whose inputs are missing or malformed contribute zero instead of failing
// the whole score. The result is a relative ranking value: it is neither
// capped nor normalized and may be negative.
package scoring

import (
	"math"
	"strings"
	"time"

	"github.com/roomie/recommender/internal/profile"
	"github.com/roomie/recommender/internal/textmatch"
)

// ErrInvalidPair is returned when both arguments are the same profile.
var ErrInvalidPair = profile.ErrInvalidPair

// Term weights.
const (
	bothSocialBonus    = 0.6
	neitherSocialBonus = 0.5

	agePeak         = 2.0
	ageScaleYears   = 3.0
	daysPerYear     = 365.25
	genderBonus     = 1.0
	occupationBonus = 2.0
	sportsBonus     = 2.0

	budgetWindow = 100.0
	budgetBonus  = 1.0

	cleanlinessSame  = 1.0
	cleanlinessNear  = 0.8 // differ by 1
	cleanlinessClose = 0.4 // differ by 2

	scheduleBonus = 1.0

	habitPenalty  = -2.0 // has pet/smokes, other side does not accept
	habitAccepted = 0.5  // other side accepts
	habitAgree    = 1.0  // both accept, or both do not

	interestsBonus   = 2.0
	preferencesBonus = 2.0
)

// birthDateLayouts are tried in order when parsing BirthDate. Layouts
// without a zone are read as UTC.
var birthDateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// Contribution is the value one term added to a score.
type Contribution struct {
	Term  string
	Value float64
}

type term struct {
	name string
	fn   func(a, b *profile.Profile) float64
}

// terms are summed in this order.
var terms = []term{
	{"social", socialTerm},
	{"age", ageTerm},
	{"gender", genderTerm},
	{"occupation", occupationTerm},
	{"sports", sportsTerm},
	{"budget", budgetTerm},
	{"cleanliness", cleanlinessTerm},
	{"work_schedule", scheduleTerm},
	{"pets", petTerm},
	{"smoking", smokingTerm},
	{"interests", interestsTerm},
	{"roommate_preferences", preferencesTerm},
}

// Scorer computes pairwise compatibility. It holds no state and is safe
// for concurrent use.
type Scorer struct{}

// New returns a Scorer.
func New() *Scorer {
	return &Scorer{}
}

// Score returns the compatibility of a and b. Score(a, b) == Score(b, a).
func (s *Scorer) Score(a, b *profile.Profile) (float64, error) {
	if a.ID == b.ID {
		return 0, ErrInvalidPair
	}
	total := 0.0
	for _, t := range terms {
		total += t.fn(a, b)
	}
	return total, nil
}

// Explain returns every term's contribution to Score(a, b), in summation order.
func (s *Scorer) Explain(a, b *profile.Profile) ([]Contribution, error) {
	if a.ID == b.ID {
		return nil, ErrInvalidPair
	}
	out := make([]Contribution, 0, len(terms))
	for _, t := range terms {
		out = append(out, Contribution{Term: t.name, Value: t.fn(a, b)})
	}
	return out, nil
}

func socialTerm(a, b *profile.Profile) float64 {
	hasA, hasB := a.SocialHandle != "", b.SocialHandle != ""
	switch {
	case hasA && hasB:
		return bothSocialBonus
	case !hasA && !hasB:
		return neitherSocialBonus
	}
	return 0
}

// ageTerm is 2*exp(-|years|/3), where years counts whole days between the
// birth dates divided by 365.25.
func ageTerm(a, b *profile.Profile) float64 {
	ta, ok := parseBirthDate(a.BirthDate)
	if !ok {
		return 0
	}
	tb, ok := parseBirthDate(b.BirthDate)
	if !ok {
		return 0
	}
	return AgeKernel(ta.Sub(tb))
}

// AgeKernel maps a birth-date gap to the age term's contribution.
func AgeKernel(gap time.Duration) float64 {
	if gap < 0 {
		gap = -gap
	}
	days := math.Floor(gap.Hours() / 24)
	years := days / daysPerYear
	return agePeak * math.Exp(-years/ageScaleYears)
}

func parseBirthDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range birthDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func genderTerm(a, b *profile.Profile) float64 {
	if a.Gender != "" && a.Gender == b.Gender {
		return genderBonus
	}
	return 0
}

func occupationTerm(a, b *profile.Profile) float64 {
	if a.Occupation != "" && b.Occupation != "" && textmatch.HasCommonTokens(a.Occupation, b.Occupation) {
		return occupationBonus
	}
	return 0
}

func sportsTerm(a, b *profile.Profile) float64 {
	if a.Sports != "" && b.Sports != "" && textmatch.HasCommonTokens(a.Sports, b.Sports) {
		return sportsBonus
	}
	return 0
}

// budgetTerm has no presence check: an unset budget reads as 0.
func budgetTerm(a, b *profile.Profile) float64 {
	if math.Abs(a.MaxBudget-b.MaxBudget) < budgetWindow {
		return budgetBonus
	}
	return 0
}

// cleanlinessTerm evaluates its three rules independently rather than as a
// ranked choice. For any pair of values at most one of them holds.
func cleanlinessTerm(a, b *profile.Profile) float64 {
	if a.Cleanliness == 0 || b.Cleanliness == 0 {
		return 0
	}
	diff := a.Cleanliness - b.Cleanliness
	if diff < 0 {
		diff = -diff
	}

	v := 0.0
	if diff == 0 {
		v += cleanlinessSame
	}
	if diff == 1 {
		v += cleanlinessNear
	}
	if diff == 2 {
		v += cleanlinessClose
	}
	return v
}

func scheduleTerm(a, b *profile.Profile) float64 {
	if a.WorkSchedule != "" && a.WorkSchedule == b.WorkSchedule {
		return scheduleBonus
	}
	return 0
}

func petTerm(a, b *profile.Profile) float64 {
	return habitTerm(a.HasPet, a.AcceptsPet, b.HasPet, b.AcceptsPet)
}

func smokingTerm(a, b *profile.Profile) float64 {
	return habitTerm(a.IsSmoker, a.AcceptsSmoker, b.IsSmoker, b.AcceptsSmoker)
}

// habitTerm scores a has/accepts attribute pair. Each direction is checked
// on its own, so the sum is symmetric even though the rules are not.
func habitTerm(hasA, acceptsA, hasB, acceptsB bool) float64 {
	v := 0.0
	if hasA && !acceptsB {
		v += habitPenalty
	}
	if hasB && !acceptsA {
		v += habitPenalty
	}
	if acceptsA && hasB {
		v += habitAccepted
	}
	if acceptsB && hasA {
		v += habitAccepted
	}
	if acceptsA == acceptsB {
		v += habitAgree
	}
	return v
}

func interestsTerm(a, b *profile.Profile) float64 {
	return jsonOverlap(a.Interests, b.Interests, interestsBonus)
}

func preferencesTerm(a, b *profile.Profile) float64 {
	return jsonOverlap(a.RoommatePreferences, b.RoommatePreferences, preferencesBonus)
}

// jsonOverlap decodes two JSON attributes and awards bonus when their
// tokens intersect. Blank or undecodable values count as absent.
func jsonOverlap(rawA, rawB string, bonus float64) float64 {
	va, ok := textmatch.Decode(rawA)
	if !ok {
		return 0
	}
	vb, ok := textmatch.Decode(rawB)
	if !ok {
		return 0
	}
	if textmatch.HasCommonTokens(va, vb) {
		return bonus
	}
	return 0
}
