package analyzer

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syntheticOutput produces total error lines spread across distinct codes.
func syntheticOutput(total, distinctCodes int) string {
	var b strings.Builder
	for i := 0; i < total; i++ {
		code := 1000 + i%distinctCodes
		fmt.Fprintf(&b, "error CS%04d: synthetic failure %d\n", code, i)
	}
	return b.String()
}

func TestSamplerActivatesAboveThreshold(t *testing.T) {
	raw := syntheticOutput(1500, 120)
	result := New().Analyze(raw, LangCSharp)
	require.Equal(t, 1500, result.TotalErrors)
	require.Len(t, result.Patterns, 120)

	sampled := NewSampler(1000, 100).Apply(result)

	assert.True(t, sampled.SamplingEnabled)
	assert.Len(t, sampled.Patterns, 100)
	for _, p := range sampled.Patterns {
		assert.LessOrEqual(t, len(p.Examples), 3)
	}
}

func TestSamplerEmitsMinOfSampleSizeAndDistinct(t *testing.T) {
	// Fewer distinct codes than the sample size: every code survives.
	raw := syntheticOutput(1200, 40)
	result := NewSampler(1000, 100).Apply(New().Analyze(raw, LangCSharp))

	assert.True(t, result.SamplingEnabled)
	assert.Len(t, result.Patterns, 40)
}

func TestSamplerTransparentBelowThreshold(t *testing.T) {
	raw := syntheticOutput(900, 150)
	result := NewSampler(1000, 100).Apply(New().Analyze(raw, LangCSharp))

	assert.False(t, result.SamplingEnabled)
	// No silent drops: every distinct code observed is present.
	assert.Len(t, result.Patterns, 150)
}

func TestSamplerKeepsHighestFrequencyCodes(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 1200; i++ {
		b.WriteString("error CS0246: dominant failure\n")
	}
	b.WriteString("error CS0101: rare failure\n")
	b.WriteString("error CS0535: rare failure\n")

	result := NewSampler(1000, 1).Apply(New().Analyze(b.String(), LangCSharp))

	require.Len(t, result.Patterns, 1)
	assert.Equal(t, "CS0246", result.Patterns[0].Code)
	assert.Equal(t, 1200, result.Patterns[0].Count)
}
