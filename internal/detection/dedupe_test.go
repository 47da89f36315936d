package detection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhizome/backend/internal/storage/models"
)

func conn(source, target, engine string, strength float64, explanation string) models.Connection {
	return models.Connection{
		SourceChunkID: source,
		TargetChunkID: target,
		Engine:        engine,
		Strength:      strength,
		Explanation:   explanation,
	}
}

func TestDeduplicateKeepsStrongestPerKey(t *testing.T) {
	now := time.Now()
	candidates := []Candidate{
		{Connection: conn("a", "b", "similarity", 0.70, "weak"), GeneratedAt: now},
		{Connection: conn("a", "b", "similarity", 0.90, "strong"), GeneratedAt: now},
		{Connection: conn("a", "b", "similarity", 0.80, "middle"), GeneratedAt: now},
	}

	delta := Deduplicate(candidates, nil)

	require.Len(t, delta, 1)
	assert.Equal(t, 0.90, delta[0].Strength)
	assert.Equal(t, "strong", delta[0].Explanation)
}

func TestDeduplicateUnorderedPairIsOneKey(t *testing.T) {
	now := time.Now()
	candidates := []Candidate{
		{Connection: conn("b", "a", "similarity", 0.75, "reversed"), GeneratedAt: now},
		{Connection: conn("a", "b", "similarity", 0.85, "forward"), GeneratedAt: now},
	}

	delta := Deduplicate(candidates, nil)

	require.Len(t, delta, 1)
	assert.Equal(t, "a", delta[0].SourceChunkID)
	assert.Equal(t, "b", delta[0].TargetChunkID)
	assert.Equal(t, 0.85, delta[0].Strength)
}

func TestDeduplicateEnginesDoNotCollide(t *testing.T) {
	now := time.Now()
	candidates := []Candidate{
		{Connection: conn("a", "b", "similarity", 0.8, ""), GeneratedAt: now},
		{Connection: conn("a", "b", "contradiction", 0.7, ""), GeneratedAt: now},
	}

	delta := Deduplicate(candidates, nil)

	assert.Len(t, delta, 2)
}

func TestDeduplicateTieGoesToLaterGeneration(t *testing.T) {
	early := time.Now()
	late := early.Add(time.Second)

	candidates := []Candidate{
		{Connection: conn("a", "b", "similarity", 0.8, "early"), GeneratedAt: early},
		{Connection: conn("a", "b", "similarity", 0.8, "late"), GeneratedAt: late},
	}

	delta := Deduplicate(candidates, nil)

	require.Len(t, delta, 1)
	assert.Equal(t, "late", delta[0].Explanation)
}

func TestDeduplicateFullTieIsOrderIndependent(t *testing.T) {
	now := time.Now()

	forward := []Candidate{
		{Connection: conn("a", "b", "similarity", 0.8, "xylophone"), GeneratedAt: now},
		{Connection: conn("a", "b", "similarity", 0.8, "apple"), GeneratedAt: now},
	}
	reversed := []Candidate{forward[1], forward[0]}

	d1 := Deduplicate(forward, nil)
	d2 := Deduplicate(reversed, nil)

	require.Len(t, d1, 1)
	require.Len(t, d2, 1)
	assert.Equal(t, "apple", d1[0].Explanation)
	assert.Equal(t, d1[0].Explanation, d2[0].Explanation)
}

func TestDeduplicateSkipsWeakerThanStored(t *testing.T) {
	now := time.Now()
	existing := []models.Connection{conn("a", "b", "similarity", 0.9, "stored")}

	candidates := []Candidate{
		{Connection: conn("a", "b", "similarity", 0.85, "weaker"), GeneratedAt: now},
	}

	delta := Deduplicate(candidates, existing)

	assert.Empty(t, delta)
}

func TestDeduplicateEqualStrengthDoesNotReplaceStored(t *testing.T) {
	now := time.Now()
	existing := []models.Connection{conn("a", "b", "similarity", 0.8, "stored")}

	candidates := []Candidate{
		{Connection: conn("a", "b", "similarity", 0.8, "rerun"), GeneratedAt: now},
	}

	delta := Deduplicate(candidates, existing)

	assert.Empty(t, delta, "re-running with identical scores must be a no-op")
}

func TestDeduplicateStrongerReplacesStored(t *testing.T) {
	now := time.Now()
	existing := []models.Connection{conn("b", "a", "similarity", 0.7, "stored")}

	candidates := []Candidate{
		{Connection: conn("a", "b", "similarity", 0.75, "improved"), GeneratedAt: now},
	}

	delta := Deduplicate(candidates, existing)

	require.Len(t, delta, 1)
	assert.Equal(t, "improved", delta[0].Explanation)
}

func TestDeduplicateIdempotentOverReruns(t *testing.T) {
	now := time.Now()
	candidates := []Candidate{
		{Connection: conn("a", "b", "similarity", 0.8, "one"), GeneratedAt: now},
		{Connection: conn("c", "d", "contradiction", 0.7, "two"), GeneratedAt: now},
	}

	first := Deduplicate(candidates, nil)
	require.Len(t, first, 2)

	// The first run's delta becomes the stored state of the second run.
	second := Deduplicate(candidates, first)
	assert.Empty(t, second)
}
