package experiment

import (
	"math"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// bucketCount splits the 0-100 allocation space into hundredths of a percent.
const bucketCount = 10000

// Bucket maps an identity to a stable position in [0, 100) for the given
// experiment. The same inputs always yield the same bucket, across
// processes and restarts.
func Bucket(experimentID, identity string) float64 {
	h := xxhash.Sum64String(experimentID + ":" + identity)
	return float64(h%bucketCount) / (bucketCount / 100)
}

// Allocate picks the variant whose cumulative allocation range contains the
// identity's bucket. Variants with zero allocation never receive traffic.
func Allocate(e *Experiment, identity string) (*Variant, bool) {
	if len(e.Variants) == 0 {
		return nil, false
	}
	b := Bucket(e.ID, identity)

	cumulative := 0.0
	last := -1
	for i := range e.Variants {
		alloc := e.Variants[i].TrafficAllocation
		if alloc <= 0 {
			continue
		}
		last = i
		cumulative += alloc
		if b < cumulative {
			return &e.Variants[i], true
		}
	}
	// Allocations within tolerance of 100 can leave a sliver at the top.
	if last >= 0 {
		return &e.Variants[last], true
	}
	return nil, false
}

// Overlaps reports whether two experiments would mutate the same page
// element. An empty element means the experiment owns the whole page.
// Experiments with neither a page nor an element declare no surface (feature
// flags, server-side redirects) and never overlap anything.
func Overlaps(a, b *Experiment) bool {
	if untargeted(a) || untargeted(b) {
		return false
	}
	if normalizePage(a.Targeting.Page) != normalizePage(b.Targeting.Page) {
		return false
	}
	ea := strings.TrimSpace(a.Targeting.Element)
	eb := strings.TrimSpace(b.Targeting.Element)
	if ea == "" || eb == "" {
		return true
	}
	return ea == eb
}

func untargeted(e *Experiment) bool {
	return strings.TrimSpace(e.Targeting.Page) == "" && strings.TrimSpace(e.Targeting.Element) == ""
}

func normalizePage(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	if p == "" {
		return "/"
	}
	return p
}

// EvenSplit spreads 100% across variants in hundredths. The last variant
// takes the rounding remainder so the total is exact.
func EvenSplit(vs []Variant) {
	if len(vs) == 0 {
		return
	}
	share := math.Floor(10000/float64(len(vs))) / 100
	rest := 100.0
	for i := range vs {
		if i == len(vs)-1 {
			vs[i].TrafficAllocation = math.Round(rest*100) / 100
			return
		}
		vs[i].TrafficAllocation = share
		rest -= share
	}
}
