package track

import (
	"math"
	"time"

	"github.com/google/uuid"

	"skydiff/internal/imaging"
	"skydiff/internal/sky"
)

// State represents the lifecycle state of an event track.
type State string

const (
	StateNew       State = "NEW"       // single detection, awaiting a second
	StateConfirmed State = "CONFIRMED" // linked across at least HitsToConfirm pairs
	StateValidated State = "VALIDATED" // cross-matched against the catalog
	StateRejected  State = "REJECTED"  // matched an artifact pattern
	StateExpired   State = "EXPIRED"   // confirmed, then silent longer than the gap
)

// Pending reports whether the state still awaits validation.
func (s State) Pending() bool { return s == StateNew || s == StateConfirmed }

// Terminal reports whether the state can no longer change.
func (s State) Terminal() bool {
	return s == StateValidated || s == StateRejected || s == StateExpired
}

// Outcome of a catalog cross-match.
type Outcome string

const (
	OutcomeNone        Outcome = ""
	OutcomeMatched     Outcome = "MATCHED"
	OutcomeUnmatched   Outcome = "UNMATCHED"
	OutcomeUnavailable Outcome = "UNAVAILABLE"
)

// Validation records the catalog lookup for one track.
type Validation struct {
	Outcome          Outcome `json:"outcome"`
	MatchID          string  `json:"match_id,omitempty"`
	MatchClass       string  `json:"match_class,omitempty"`
	SeparationArcsec float64 `json:"separation_arcsec,omitempty"`
	Error            string  `json:"error,omitempty"`
}

var trackNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("skydiff:event-track"))

// TrackID derives the deterministic id of a track from its first candidate.
func TrackID(firstCandidateID string) string {
	return uuid.NewSHA1(trackNamespace, []byte(firstCandidateID)).String()
}

// EventTrack groups candidates believed to be the same physical event.
// Candidates are kept in non-decreasing time order and every one lies within
// the link tolerance of Coord.
type EventTrack struct {
	ID           string
	Coord        sky.Coord
	Candidates   []imaging.Candidate
	First        time.Time
	Last         time.Time
	State        State
	Confidence   float64
	RejectReason string
	Validation   Validation
	Partition    string

	closed  bool
	created int
	vec     [3]float64
	weight  float64
}

func newTrack(c imaging.Candidate, created int, partition string) *EventTrack {
	t := &EventTrack{
		ID:        TrackID(c.ID),
		State:     StateNew,
		First:     c.Time,
		Partition: partition,
		created:   created,
	}
	t.add(c)
	return t
}

func candidateWeight(c imaging.Candidate) float64 {
	w := math.Abs(c.Flux)
	if w == 0 || math.IsNaN(w) || math.IsInf(w, 0) {
		return 1
	}
	return w
}

// centroidWith returns the flux-weighted centroid after adding c.
func (t *EventTrack) centroidWith(c imaging.Candidate) ([3]float64, float64, sky.Coord) {
	w := candidateWeight(c)
	v := c.Coord.Vector()
	sum := t.vec
	for k := range sum {
		sum[k] += w * v[k]
	}
	return sum, t.weight + w, sky.FromVector(sum)
}

func (t *EventTrack) add(c imaging.Candidate) {
	t.vec, t.weight, t.Coord = t.centroidWith(c)
	t.Candidates = append(t.Candidates, c)
	if c.Time.After(t.Last) {
		t.Last = c.Time
	}
}

// accepts reports whether c can join without pushing any member outside
// tolArcsec of the updated centroid.
func (t *EventTrack) accepts(c imaging.Candidate, tolArcsec float64) bool {
	_, _, centroid := t.centroidWith(c)
	if sky.SeparationArcsec(centroid, c.Coord) > tolArcsec {
		return false
	}
	for _, m := range t.Candidates {
		if sky.SeparationArcsec(centroid, m.Coord) > tolArcsec {
			return false
		}
	}
	return true
}

// Detections is the number of linked candidates.
func (t *EventTrack) Detections() int { return len(t.Candidates) }

// Pairs is the number of distinct image pairs among the linked candidates.
func (t *EventTrack) Pairs() int {
	seen := make(map[string]struct{}, len(t.Candidates))
	for _, c := range t.Candidates {
		seen[c.PairID] = struct{}{}
	}
	return len(seen)
}

// Closed reports whether the track stopped accepting candidates.
func (t *EventTrack) Closed() bool { return t.closed }

// MeanSignificance averages the candidates' peak significance.
func (t *EventTrack) MeanSignificance() float64 {
	if len(t.Candidates) == 0 {
		return 0
	}
	var sum float64
	for _, c := range t.Candidates {
		sum += c.PeakSignificance
	}
	return sum / float64(len(t.Candidates))
}

// SpreadArcsec is the RMS distance of the candidates from the centroid.
func (t *EventTrack) SpreadArcsec() float64 {
	if len(t.Candidates) == 0 {
		return 0
	}
	var sum float64
	for _, c := range t.Candidates {
		d := sky.SeparationArcsec(t.Coord, c.Coord)
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(t.Candidates)))
}

// Score computes confidence in [0,1]: more detections and higher mean
// significance relative to the detection threshold both raise it.
func Score(t *EventTrack, threshold float64) float64 {
	if t.State == StateRejected || len(t.Candidates) == 0 {
		return 0
	}
	if threshold <= 0 {
		threshold = 1
	}
	n := float64(len(t.Candidates))
	s := t.MeanSignificance()
	return (1 - math.Pow(2, -n)) * (s / (s + threshold))
}

// Restore rebuilds a track from stored state, used when revalidating a
// batch that was persisted earlier.
func Restore(id string, state State, cands []imaging.Candidate) *EventTrack {
	t := &EventTrack{ID: id, State: state}
	for i, c := range cands {
		if i == 0 {
			t.First = c.Time
		}
		t.add(c)
	}
	t.closed = true
	return t
}
