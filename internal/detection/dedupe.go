package detection

import (
	"time"

	"github.com/rhizome/backend/internal/storage/models"
)

// Candidate is a connection produced by an engine during the current run,
// stamped with the moment its engine result was collected. The stamp
// breaks strength ties in favor of later engines in the same run.
type Candidate struct {
	Connection  models.Connection
	GeneratedAt time.Time
}

// Deduplicate merges the run's candidates against the previously stored
// connections touching the run's chunk set and returns the delta to
// persist.
//
// Per identity key the highest strength wins; ties go to the most recent
// generation time, then to the lexicographically smallest explanation, so
// the outcome never depends on slice order. A candidate replaces a stored
// connection only with strictly greater strength, which keeps re-runs
// idempotent and strength monotonic.
func Deduplicate(candidates []Candidate, existing []models.Connection) []models.Connection {
	winners := make(map[string]Candidate)
	var order []string

	for _, cand := range candidates {
		cand.Connection = normalize(cand.Connection)
		key := identityKey(cand.Connection)

		current, ok := winners[key]
		if !ok {
			winners[key] = cand
			order = append(order, key)
			continue
		}
		if beats(cand, current) {
			winners[key] = cand
		}
	}

	stored := make(map[string]models.Connection, len(existing))
	for _, conn := range existing {
		conn = normalize(conn)
		stored[identityKey(conn)] = conn
	}

	delta := make([]models.Connection, 0, len(winners))
	for _, key := range order {
		winner := winners[key].Connection
		if prev, ok := stored[key]; ok && winner.Strength <= prev.Strength {
			continue
		}
		delta = append(delta, winner)
	}

	return delta
}

func beats(a, b Candidate) bool {
	if a.Connection.Strength != b.Connection.Strength {
		return a.Connection.Strength > b.Connection.Strength
	}
	if !a.GeneratedAt.Equal(b.GeneratedAt) {
		return a.GeneratedAt.After(b.GeneratedAt)
	}
	return a.Connection.Explanation < b.Connection.Explanation
}

// normalize stores every pair in canonical (low, high) direction so the
// identity key matches no matter which side an engine reported first.
func normalize(conn models.Connection) models.Connection {
	lo, hi := canonicalPair(conn.SourceChunkID, conn.TargetChunkID)
	conn.SourceChunkID = lo
	conn.TargetChunkID = hi
	return conn
}
