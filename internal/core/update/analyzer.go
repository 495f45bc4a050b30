// Package update decides whether cached artifacts and metadata are stale
// and persists the outcome of remote checks for future sessions.
package update

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/foundry/depot/internal/core/models"
)

// PolicyAnalyzer evaluates symbolic update policies against timestamps.
type PolicyAnalyzer struct {
	logger zerolog.Logger
}

// NewPolicyAnalyzer creates a PolicyAnalyzer.
func NewPolicyAnalyzer(logger zerolog.Logger) *PolicyAnalyzer {
	return &PolicyAnalyzer{logger: logger}
}

// IsUpdateRequired reports whether an item last modified at lastModified
// is stale at now under the given policy. Unknown policies behave like
// "daily" after a warning.
func (a *PolicyAnalyzer) IsUpdateRequired(now, lastModified time.Time, policy string) bool {
	switch {
	case policy == models.UpdateNever:
		return false
	case policy == "" || policy == models.UpdateAlways:
		return true
	case policy == models.UpdateDaily:
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		return lastModified.Before(midnight)
	case strings.HasPrefix(policy, models.UpdateIntervalPrefix):
		return now.Sub(lastModified) >= time.Duration(a.intervalMinutes(policy))*time.Minute
	default:
		a.logger.Warn().Str("policy", policy).Msg("unknown update policy, assuming daily")
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		return lastModified.Before(midnight)
	}
}

// EffectivePolicy returns the stricter of two policies, the one demanding
// more frequent updates.
func (a *PolicyAnalyzer) EffectivePolicy(policy1, policy2 string) string {
	if policy1 == policy2 {
		return policy1
	}
	if a.ordinal(policy1) < a.ordinal(policy2) {
		return policy1
	}
	return policy2
}

// ordinal maps a policy to the minutes between updates it implies; lower
// means more frequent.
func (a *PolicyAnalyzer) ordinal(policy string) int {
	switch {
	case policy == "" || policy == models.UpdateAlways:
		return 0
	case policy == models.UpdateDaily:
		return 24 * 60
	case strings.HasPrefix(policy, models.UpdateIntervalPrefix):
		return a.intervalMinutes(policy)
	default:
		return math.MaxInt
	}
}

func (a *PolicyAnalyzer) intervalMinutes(policy string) int {
	raw := policy[len(models.UpdateIntervalPrefix):]
	minutes, err := strconv.Atoi(raw)
	if err != nil || minutes <= 0 {
		a.logger.Warn().Str("policy", policy).Msg("invalid update interval, assuming 24h")
		return 24 * 60
	}
	return minutes
}
