package ledger

import (
	"math"
	"time"

	"cowrite/api/internal/store"
)

// StatsPatch carries the fields a contribution analysis may overwrite.
// Nil fields are left as they are.
type StatsPatch struct {
	AIContribution    *float64
	HumanContribution *float64
	TotalEdits        *int
	AISuggestions     *int
	VersionsCreated   *int
}

// Bump is an additive update applied after a mutation.
type Bump struct {
	TotalEdits      int
	AIDelta         float64
	AISuggestions   int
	VersionsCreated int
}

func (b Bump) IsZero() bool {
	return b == Bump{}
}

// Normalize enforces human + ai == 100 with ai in [0,100], and keeps counters
// non-negative. Every stats write goes through here.
func Normalize(s store.Stats) store.Stats {
	ai := s.AIContribution
	if math.IsNaN(ai) {
		ai = 0
	}
	s.AIContribution = clamp(ai, 0, 100)
	s.HumanContribution = 100 - s.AIContribution
	s.TotalEdits = max(s.TotalEdits, 0)
	s.AISuggestions = max(s.AISuggestions, 0)
	s.VersionsCreated = max(s.VersionsCreated, 0)
	return s
}

func ApplyAIDelta(s store.Stats, delta float64) store.Stats {
	s.AIContribution += delta
	return Normalize(s)
}

func ApplyBump(s store.Stats, b Bump) store.Stats {
	s.TotalEdits += b.TotalEdits
	s.AISuggestions += b.AISuggestions
	s.VersionsCreated += b.VersionsCreated
	return ApplyAIDelta(s, b.AIDelta)
}

// Merge overlays the non-nil patch fields and stamps LastAnalyzed. A patch that
// only names the human share has the ai share derived from it.
func Merge(s store.Stats, p StatsPatch, now time.Time) store.Stats {
	switch {
	case p.AIContribution != nil:
		s.AIContribution = *p.AIContribution
	case p.HumanContribution != nil:
		s.AIContribution = 100 - *p.HumanContribution
	}
	if p.TotalEdits != nil {
		s.TotalEdits = *p.TotalEdits
	}
	if p.AISuggestions != nil {
		s.AISuggestions = *p.AISuggestions
	}
	if p.VersionsCreated != nil {
		s.VersionsCreated = *p.VersionsCreated
	}
	s.LastAnalyzed = now.UTC()
	return Normalize(s)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
