package analyzer

import (
	"buildfix/pkg/models"
)

// Sampler bounds the pattern set when error volume is large. Below the
// threshold the full pattern set passes through untouched, so downstream
// consumers see the same shape with a different completeness guarantee
// (exact vs top-K approximate).
type Sampler struct {
	Threshold  int
	SampleSize int
}

// NewSampler creates a sampler with the given activation threshold and
// sample size.
func NewSampler(threshold, sampleSize int) *Sampler {
	return &Sampler{Threshold: threshold, SampleSize: sampleSize}
}

// Apply trims the result to the top SampleSize patterns by frequency when
// TotalErrors exceeds the threshold, and marks the result as sampled.
// Patterns are already sorted by descending count, so the emitted set is
// exactly min(SampleSize, distinct codes).
func (s *Sampler) Apply(result *models.AnalysisResult) *models.AnalysisResult {
	if result.TotalErrors <= s.Threshold {
		result.SamplingEnabled = false
		return result
	}

	result.SamplingEnabled = true
	if len(result.Patterns) > s.SampleSize {
		result.Patterns = result.Patterns[:s.SampleSize]
	}
	return result
}
