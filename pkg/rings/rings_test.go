package rings

import (
	"errors"
	"math"
	"testing"

	"golang.org/x/exp/rand"

	"tomofista/internal/models"
	"tomofista/pkg/tomoerr"
)

// stripedResidual returns a smooth residual with a constant offset added to
// one detector column
func stripedResidual(detectors, angles, slices, column int, offset float64) *models.Sinogram {
	res := models.NewSinogram(detectors, angles, slices)
	for k := 0; k < slices; k++ {
		for a := 0; a < angles; a++ {
			row := res.Row(k, a)
			for d := range row {
				row[d] = 0.01 * float64(d)
				if d == column {
					row[d] += offset
				}
			}
		}
	}
	return res
}

// TestHalfsizesValidate verifies the half window checks
func TestHalfsizesValidate(t *testing.T) {
	tests := []struct {
		name  string
		h     Halfsizes
		valid bool
	}{
		{"detector window", Halfsizes{Detectors: 9, Angles: 7}, true},
		{"slice window", Halfsizes{Slices: 2}, true},
		{"angles only", Halfsizes{Angles: 3}, false},
		{"negative", Halfsizes{Detectors: -1, Angles: 2}, false},
	}
	for _, tc := range tests {
		err := tc.h.Validate()
		if tc.valid && err != nil {
			t.Errorf("%s: expected valid, got %v", tc.name, err)
		}
		if !tc.valid && !errors.Is(err, tomoerr.ErrConfiguration) {
			t.Errorf("%s: expected configuration error, got %v", tc.name, err)
		}
	}
}

// TestEstimateIsolatesStripe verifies that the stripe column stands out and
// a smooth background is suppressed
func TestEstimateIsolatesStripe(t *testing.T) {
	res := stripedResidual(32, 20, 1, 15, 5)
	est, err := Estimate(res, Halfsizes{Detectors: 4, Angles: 3})
	if err != nil {
		t.Fatalf("Estimate failed: %v", err)
	}

	for a := 0; a < est.Angles; a++ {
		row := est.Row(0, a)
		if math.Abs(row[15]-5) > 0.05 {
			t.Errorf("Expected stripe estimate near 5 at angle %d, got %f", a, row[15])
		}
		for d := 5; d < 27; d++ {
			if d == 15 {
				continue
			}
			if math.Abs(row[d]) > 0.05 {
				t.Errorf("Expected near-zero estimate at detector %d, got %f", d, row[d])
			}
		}
	}
}

// TestEstimateIgnoresSingleAngleSpike verifies that the angular median
// removes features that do not persist across angles
func TestEstimateIgnoresSingleAngleSpike(t *testing.T) {
	res := models.NewSinogram(16, 11, 1)
	res.Data[res.Index(0, 5, 8)] = 100

	est, err := Estimate(res, Halfsizes{Detectors: 3, Angles: 2})
	if err != nil {
		t.Fatalf("Estimate failed: %v", err)
	}
	if v := est.Data[est.Index(0, 5, 8)]; v != 0 {
		t.Errorf("Expected spike to be filtered out, got %f", v)
	}
}

// TestEstimateSliceWindow verifies the slice-only background on a 3D residual
func TestEstimateSliceWindow(t *testing.T) {
	res := models.NewSinogram(8, 4, 5)
	for a := 0; a < 4; a++ {
		res.Data[res.Index(2, a, 3)] = 2
	}
	est, err := Estimate(res, Halfsizes{Slices: 1})
	if err != nil {
		t.Fatalf("Estimate failed: %v", err)
	}
	if v := est.Data[est.Index(2, 0, 3)]; math.Abs(v-2) > 1e-12 {
		t.Errorf("Expected stripe value 2, got %f", v)
	}
	if v := est.Data[est.Index(1, 0, 3)]; v != 0 {
		t.Errorf("Expected zero on neighbouring slice, got %f", v)
	}
}

// TestEstimatePinnedValues verifies the estimate on a small hand-worked
// residual: the angular median of each column minus the detector median of
// the raw row
func TestEstimatePinnedValues(t *testing.T) {
	res := models.NewSinogram(3, 3, 1)
	copy(res.Data, []float64{
		0, 5, 9,
		9, 0, 0,
		0, 9, 5,
	})
	est, err := Estimate(res, Halfsizes{Detectors: 1, Angles: 1})
	if err != nil {
		t.Fatalf("Estimate failed: %v", err)
	}
	want := []float64{-9, 5, 5}
	for d, w := range want {
		if got := est.Data[est.Index(0, 1, d)]; math.Abs(got-w) > 1e-12 {
			t.Errorf("Detector %d: expected %f, got %f", d, w, got)
		}
	}
}

// TestEstimateIgnoresSliceWindowIn2D verifies that a slice window has no
// effect on a single-slice residual
func TestEstimateIgnoresSliceWindowIn2D(t *testing.T) {
	res := models.NewSinogram(5, 2, 1)
	for a := 0; a < 2; a++ {
		res.Data[res.Index(0, a, 2)] = 4
	}

	withSlices, err := Estimate(res, Halfsizes{Detectors: 1, Slices: 2})
	if err != nil {
		t.Fatalf("Estimate failed: %v", err)
	}
	plain, err := Estimate(res, Halfsizes{Detectors: 1})
	if err != nil {
		t.Fatalf("Estimate failed: %v", err)
	}
	for i := range plain.Data {
		if withSlices.Data[i] != plain.Data[i] {
			t.Errorf("Sample %d: expected %f, got %f", i, plain.Data[i], withSlices.Data[i])
		}
	}
	if v := withSlices.Data[withSlices.Index(0, 1, 2)]; v != 4 {
		t.Errorf("Expected stripe value 4, got %f", v)
	}

	if _, err := Estimate(res, Halfsizes{Angles: 3, Slices: 2}); !errors.Is(err, tomoerr.ErrConfiguration) {
		t.Errorf("Expected configuration error for a slice-only window in 2D, got %v", err)
	}
}

// TestNewGroupHuberValidation verifies parameter checks
func TestNewGroupHuberValidation(t *testing.T) {
	if _, err := NewGroupHuber(8, 1, -0.1, 1); !errors.Is(err, tomoerr.ErrConfiguration) {
		t.Errorf("Expected configuration error for negative lambda, got %v", err)
	}
	if _, err := NewGroupHuber(8, 1, 0.1, 0); !errors.Is(err, tomoerr.ErrConfiguration) {
		t.Errorf("Expected configuration error for accelerate 0, got %v", err)
	}
	g, err := NewGroupHuber(8, 2, 0.1, 1)
	if err != nil {
		t.Fatalf("NewGroupHuber failed: %v", err)
	}
	for i, w := range g.Weights() {
		if w != 1 {
			t.Errorf("Expected initial weight 1 at %d, got %f", i, w)
		}
	}
}

// TestGroupHuberDownweightsStripe verifies that an outlying column loses weight
func TestGroupHuberDownweightsStripe(t *testing.T) {
	g, err := NewGroupHuber(32, 1, 0.5, 1)
	if err != nil {
		t.Fatalf("NewGroupHuber failed: %v", err)
	}
	res := stripedResidual(32, 10, 1, 7, 50)

	for i := 0; i < 5; i++ {
		if err := g.Observe(res); err != nil {
			t.Fatalf("Observe failed: %v", err)
		}
		g.Update()
	}

	if w := g.Weight(0, 7); w >= 0.5 {
		t.Errorf("Expected stripe column weight below 0.5, got %f", w)
	}
	if w := g.Weight(0, 20); w != 1 {
		t.Errorf("Expected regular column weight 1, got %f", w)
	}
	if g.Step() != 5 {
		t.Errorf("Expected 5 updates, got %d", g.Step())
	}
}

// TestGroupHuberWeightsBounded verifies that weights stay in [0,1] for any
// non-negative learning rate
func TestGroupHuberWeightsBounded(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for _, lambda := range []float64{0, 0.0025, 0.3, 1, 7, 1e6} {
		g, err := NewGroupHuber(16, 2, lambda, 100)
		if err != nil {
			t.Fatalf("NewGroupHuber failed: %v", err)
		}
		res := models.NewSinogram(16, 6, 2)
		for it := 0; it < 10; it++ {
			for i := range res.Data {
				res.Data[i] = rng.NormFloat64() * math.Pow(10, float64(rng.Intn(4)))
			}
			if err := g.Observe(res); err != nil {
				t.Fatalf("Observe failed: %v", err)
			}
			g.Update()
			for i, w := range g.Weights() {
				if w < 0 || w > 1 || math.IsNaN(w) {
					t.Fatalf("lambda %g: weight %d out of range: %f", lambda, i, w)
				}
			}
		}
	}
}

// TestGroupHuberApply verifies the per-column scaling
func TestGroupHuberApply(t *testing.T) {
	g, err := NewGroupHuber(4, 1, 0.1, 1)
	if err != nil {
		t.Fatalf("NewGroupHuber failed: %v", err)
	}
	if err := g.SetWeights([]float64{1, 0.5, 2, -1}); err != nil {
		t.Fatalf("SetWeights failed: %v", err)
	}
	res := models.NewSinogram(4, 2, 1)
	for i := range res.Data {
		res.Data[i] = 2
	}
	if err := g.Apply(res); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	want := []float64{2, 1, 2, 0}
	for a := 0; a < 2; a++ {
		for d, v := range res.Row(0, a) {
			if v != want[d] {
				t.Errorf("Expected %f at angle %d detector %d, got %f", want[d], a, d, v)
			}
		}
	}

	if err := g.Apply(models.NewSinogram(5, 2, 1)); !errors.Is(err, tomoerr.ErrConfiguration) {
		t.Errorf("Expected configuration error for wrong shape, got %v", err)
	}
}
