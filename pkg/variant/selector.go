// Package variant picks the content variant of a playbook step for A/B tests.
//
// Selection is a pure function of the variant configuration and a key, so a
// run that is re-processed (retries, duplicate ticks, another worker) always
// lands on the same variant for the same step.
package variant

import (
	"errors"
	"math"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/dukex/outbound/pkg/models"
)

// ErrInvalidArgument is returned when there is nothing to select from or a
// weight is negative.
var ErrInvalidArgument = errors.New("invalid argument")

// Key builds the recommended reproducibility key for a run step.
func Key(runID string, stepIndex int) string {
	return runID + "-" + strconv.Itoa(stepIndex)
}

// Select returns one variant deterministically for key.
func Select(variants []models.Variant, key string) (models.Variant, error) {
	if len(variants) == 0 {
		return models.Variant{}, errors.Join(ErrInvalidArgument, errors.New("no variants"))
	}

	if len(variants) == 1 {
		return variants[0], nil
	}

	total := 0.0

	for _, v := range variants {
		if v.Weight < 0 || math.IsNaN(v.Weight) {
			return models.Variant{}, errors.Join(ErrInvalidArgument, models.ErrNegativeWeight)
		}

		total += v.Weight
	}

	u := unitInterval(key)

	if total == 0 {
		idx := int(u * float64(len(variants)))
		if idx >= len(variants) {
			idx = len(variants) - 1
		}

		return variants[idx], nil
	}

	cumulative := 0.0

	for _, v := range variants {
		cumulative += v.Weight / total
		if cumulative >= u && v.Weight > 0 {
			return v, nil
		}
	}

	// Floating point drift can leave the sum a hair below u.
	for i := len(variants) - 1; i >= 0; i-- {
		if variants[i].Weight > 0 {
			return variants[i], nil
		}
	}

	return variants[len(variants)-1], nil
}

// unitInterval maps key to a stable value in [0, 1).
func unitInterval(key string) float64 {
	// Top 53 bits fit a float64 mantissa exactly.
	return float64(xxhash.Sum64String(key)>>11) / (1 << 53)
}
