package rings

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"tomofista/internal/models"
	"tomofista/pkg/tomoerr"
)

// madScale turns a median absolute deviation into a standard deviation
// estimate for normally distributed data.
const madScale = 1.4826

// GroupHuber holds robust per-detector weights for stripe suppression.
//
// Each (slice, detector) column of the sinogram forms a group. Residuals are
// observed during an iteration; at the end of the iteration the root mean
// square residual of every group is compared against a robust threshold
// learned from all groups, and groups above it are down-weighted. Weights
// start at 1 and always stay within [0, 1].
type GroupHuber struct {
	detectors  int
	slices     int
	lambda     float64
	accelerate int
	step       int

	weights []float64
	sums    []float64
	counts  []int
}

// NewGroupHuber creates the weight state for a sinogram with the given
// number of detectors and slices.
//
// Parameters:
//   - detectors, slices: Sinogram dimensions the weights are kept for
//   - lambda: Learning rate, must be non-negative
//   - accelerate: Multiplier cap applied to the learning rate during early iterations, at least 1
func NewGroupHuber(detectors, slices int, lambda float64, accelerate int) (*GroupHuber, error) {
	if detectors <= 0 || slices <= 0 {
		return nil, tomoerr.Configf("group weights need a positive shape, got %dx%d", detectors, slices)
	}
	if lambda < 0 || math.IsNaN(lambda) || math.IsInf(lambda, 0) {
		return nil, tomoerr.Configf("ringGH_lambda must be finite and non-negative, got %g", lambda)
	}
	if accelerate < 1 {
		return nil, tomoerr.Configf("ringGH_accelerate must be at least 1, got %d", accelerate)
	}

	n := detectors * slices
	g := &GroupHuber{
		detectors:  detectors,
		slices:     slices,
		lambda:     lambda,
		accelerate: accelerate,
		weights:    make([]float64, n),
		sums:       make([]float64, n),
		counts:     make([]int, n),
	}
	for i := range g.weights {
		g.weights[i] = 1
	}
	return g, nil
}

// SetWeights replaces the current weights, e.g. with the weights of an
// earlier run. Values are clamped to [0, 1].
func (g *GroupHuber) SetWeights(w []float64) error {
	if len(w) != len(g.weights) {
		return tomoerr.Configf("expected %d group weights, got %d", len(g.weights), len(w))
	}
	for i, v := range w {
		if math.IsNaN(v) {
			return tomoerr.Configf("group weight %d is NaN", i)
		}
		g.weights[i] = math.Min(math.Max(v, 0), 1)
	}
	return nil
}

// Weights returns a copy of the weights laid out as [slice][detector]
func (g *GroupHuber) Weights() []float64 {
	out := make([]float64, len(g.weights))
	copy(out, g.weights)
	return out
}

// Weight returns the weight of one group
func (g *GroupHuber) Weight(slice, det int) float64 {
	return g.weights[slice*g.detectors+det]
}

// Step returns the number of completed updates
func (g *GroupHuber) Step() int { return g.step }

// Observe accumulates the squared residual of every group
func (g *GroupHuber) Observe(res *models.Sinogram) error {
	if err := g.check(res); err != nil {
		return err
	}
	for k := 0; k < res.Slices; k++ {
		base := k * g.detectors
		for a := 0; a < res.Angles; a++ {
			for d, r := range res.Row(k, a) {
				g.sums[base+d] += r * r
				g.counts[base+d]++
			}
		}
	}
	return nil
}

// Apply scales every residual sample by the weight of its group in place
func (g *GroupHuber) Apply(res *models.Sinogram) error {
	if err := g.check(res); err != nil {
		return err
	}
	for k := 0; k < res.Slices; k++ {
		w := g.weights[k*g.detectors : (k+1)*g.detectors]
		for a := 0; a < res.Angles; a++ {
			row := res.Row(k, a)
			for d := range row {
				row[d] *= w[d]
			}
		}
	}
	return nil
}

// Update blends the weights towards the targets computed from the residuals
// observed since the previous update and clears the accumulators. Groups
// that were never observed keep their weight.
func (g *GroupHuber) Update() {
	defer g.reset()

	norms := make([]float64, 0, len(g.sums))
	for i, s := range g.sums {
		if g.counts[i] > 0 {
			norms = append(norms, math.Sqrt(s/float64(g.counts[i])))
		}
	}
	eta := math.Min(g.lambda*float64(min(g.step+1, g.accelerate)), 1)
	g.step++
	if len(norms) == 0 || eta == 0 {
		return
	}

	tau := robustThreshold(norms)
	for i, s := range g.sums {
		if g.counts[i] == 0 {
			continue
		}
		e := math.Sqrt(s / float64(g.counts[i]))
		target := 1.0
		if tau > 0 && e > tau {
			target = tau / e
		}
		g.weights[i] = (1-eta)*g.weights[i] + eta*target
	}
}

func (g *GroupHuber) reset() {
	for i := range g.sums {
		g.sums[i] = 0
		g.counts[i] = 0
	}
}

func (g *GroupHuber) check(res *models.Sinogram) error {
	if res.Detectors != g.detectors || res.Slices != g.slices {
		return tomoerr.Configf("residual has %d detectors and %d slices, weights expect %d and %d",
			res.Detectors, res.Slices, g.detectors, g.slices)
	}
	return nil
}

// robustThreshold returns median(e) + 3 * 1.4826 * MAD(e)
func robustThreshold(e []float64) float64 {
	sorted := make([]float64, len(e))
	copy(sorted, e)
	sort.Float64s(sorted)
	med := stat.Quantile(0.5, stat.Empirical, sorted, nil)

	dev := make([]float64, len(e))
	for i, v := range sorted {
		dev[i] = math.Abs(v - med)
	}
	sort.Float64s(dev)
	mad := stat.Quantile(0.5, stat.Empirical, dev, nil)

	return med + 3*madScale*mad
}
