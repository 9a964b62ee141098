package reconstruction

import (
	"context"
	"errors"
	"math"
	"testing"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"tomofista/internal/models"
	"tomofista/pkg/fidelity"
	"tomofista/pkg/projector"
	"tomofista/pkg/regulariser"
	"tomofista/pkg/tomoerr"
)

// blobPhantom returns a smooth test object made of Gaussian blobs that fit
// inside the inscribed circle of the grid
func blobPhantom(size int) *models.Volume {
	vol := models.NewVolume(size, size, 1)
	c := float64(size-1) / 2
	blobs := []struct{ x, y, sigma, amp float64 }{
		{0, 0, 0.25, 1},
		{-0.3, -0.2, 0.12, 0.6},
		{0.25, 0.3, 0.1, -0.4},
		{0.35, -0.25, 0.08, 0.5},
	}
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			u := (float64(x) - c) / c
			v := (float64(y) - c) / c
			var val float64
			for _, b := range blobs {
				d2 := (u-b.x)*(u-b.x) + (v-b.y)*(v-b.y)
				val += b.amp * math.Exp(-d2/(2*b.sigma*b.sigma))
			}
			if u*u+v*v > 0.8 {
				val = 0
			}
			vol.Data[vol.Index(x, y, 0)] = val
		}
	}
	return vol
}

func relativeError(got, want *models.Volume) float64 {
	return floats.Distance(got.Data, want.Data, 2) / floats.Norm(want.Data, 2)
}

// parallelBeamProblem builds the 64x64, 90 angle test problem
func parallelBeamProblem(t *testing.T) (*projector.ParallelBeam, *models.Volume, *models.Sinogram, float64) {
	t.Helper()
	geom := models.Geometry{ObjSize: 64, Detectors: 91, Slices: 1, Angles: models.Degrees(0, 179, 90)}
	p, err := projector.New(geom, models.CPU, nil)
	if err != nil {
		t.Fatalf("Failed to create projector: %v", err)
	}
	truth := blobPhantom(64)
	data, err := p.Forward(truth, nil)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	l, err := EstimateLipschitz(context.Background(), p, PowerMethodOptions{})
	if err != nil {
		t.Fatalf("EstimateLipschitz failed: %v", err)
	}
	return p, truth, data, l
}

// denseProblem builds a small well conditioned random system
func denseProblem(t *testing.T) (*projector.Matrix, *models.Sinogram, *mat.VecDense, float64) {
	t.Helper()
	geom := models.Geometry{ObjSize: 5, Detectors: 9, Slices: 1, Angles: models.Degrees(0, 150, 16)}
	rows := geom.Detectors * len(geom.Angles)
	cols := geom.ObjSize * geom.ObjSize

	rng := rand.New(rand.NewSource(21))
	a := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			a.Set(i, j, rng.NormFloat64())
		}
	}
	m, err := projector.NewMatrix(geom, a, nil)
	if err != nil {
		t.Fatalf("NewMatrix failed: %v", err)
	}

	data := geom.NewSinogram(len(geom.Angles))
	for i := range data.Data {
		data.Data[i] = rng.NormFloat64()
	}

	var ls mat.VecDense
	if err := ls.SolveVec(a, mat.NewVecDense(rows, data.Data)); err != nil {
		t.Fatalf("Least squares solve failed: %v", err)
	}

	var ata mat.SymDense
	ata.SymOuterK(1, a.T())
	var eig mat.EigenSym
	if !eig.Factorize(&ata, false) {
		t.Fatal("Eigen decomposition failed")
	}
	values := eig.Values(nil)
	return m, data, &ls, floats.Max(values)
}

func lsModel(t *testing.T, geom models.Geometry) *fidelity.Model {
	t.Helper()
	m, err := fidelity.New(fidelity.Config{Kind: fidelity.LeastSquares}, geom)
	if err != nil {
		t.Fatalf("fidelity.New failed: %v", err)
	}
	return m
}

// TestFISTAEndToEnd reconstructs a smooth phantom from noise-free data
func TestFISTAEndToEnd(t *testing.T) {
	p, truth, data, l := parallelBeamProblem(t)
	opt, err := NewOptimizer(p, lsModel(t, p.Geometry()), Options{Iterations: 50, Lipschitz: l})
	if err != nil {
		t.Fatalf("NewOptimizer failed: %v", err)
	}
	res, err := opt.Run(context.Background(), data)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if res.State != MaxIterReached {
		t.Errorf("Expected state %s, got %s", MaxIterReached, res.State)
	}
	if res.Iterations != 50 || len(res.Objective) != 50 || len(res.Change) != 50 {
		t.Errorf("Expected 50 recorded iterations, got %d/%d/%d", res.Iterations, len(res.Objective), len(res.Change))
	}
	if e := relativeError(res.Volume, truth); e >= 0.05 {
		t.Errorf("Expected relative error below 0.05, got %f", e)
	}
	if res.Objective[49] >= res.Objective[0] {
		t.Errorf("Expected objective to decrease, got %g then %g", res.Objective[0], res.Objective[49])
	}
	if obj, change, ok := res.Final(); !ok || obj != res.Objective[49] || change != res.Change[49] {
		t.Errorf("Expected final values %g and %g, got %g and %g (%v)", res.Objective[49], res.Change[49], obj, change, ok)
	}
	if _, _, ok := (&Result{}).Final(); ok {
		t.Error("Expected no final values without iterations")
	}
}

// TestFISTAOrderedSubsets verifies that 9 subsets reach a comparable
// estimate in 10 iterations
func TestFISTAOrderedSubsets(t *testing.T) {
	p, truth, data, l := parallelBeamProblem(t)
	opt, err := NewOptimizer(p, lsModel(t, p.Geometry()), Options{Iterations: 10, Lipschitz: l, Subsets: 9})
	if err != nil {
		t.Fatalf("NewOptimizer failed: %v", err)
	}
	if len(opt.Subsets()) != 9 {
		t.Fatalf("Expected 9 subsets, got %d", len(opt.Subsets()))
	}
	res, err := opt.Run(context.Background(), data)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if e := relativeError(res.Volume, truth); e >= 0.1 {
		t.Errorf("Expected relative error below 0.1, got %f", e)
	}
}

// TestFISTAConvergesToLeastSquares verifies convergence on a dense operator
func TestFISTAConvergesToLeastSquares(t *testing.T) {
	m, data, ls, lmax := denseProblem(t)
	opt, err := NewOptimizer(m, lsModel(t, m.Geometry()), Options{Iterations: 2000, Lipschitz: lmax, Tolerance: 1e-12})
	if err != nil {
		t.Fatalf("NewOptimizer failed: %v", err)
	}
	res, err := opt.Run(context.Background(), data)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	diff := floats.Distance(res.Volume.Data, ls.RawVector().Data, 2) / floats.Norm(ls.RawVector().Data, 2)
	if diff > 1e-4 {
		t.Errorf("Expected FISTA to reach the least squares solution, relative difference %g", diff)
	}
	if res.State != Converged && res.State != MaxIterReached {
		t.Errorf("Unexpected final state %s", res.State)
	}
}

// TestFISTAToleranceStops verifies the relative change stop criterion
func TestFISTAToleranceStops(t *testing.T) {
	m, data, _, lmax := denseProblem(t)
	opt, _ := NewOptimizer(m, lsModel(t, m.Geometry()), Options{Iterations: 5000, Lipschitz: lmax, Tolerance: 1e-6})
	res, err := opt.Run(context.Background(), data)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.State != Converged {
		t.Errorf("Expected state %s, got %s", Converged, res.State)
	}
	if res.Iterations >= 5000 {
		t.Errorf("Expected early stop, ran %d iterations", res.Iterations)
	}
	if last := res.Change[len(res.Change)-1]; last >= 1e-6 {
		t.Errorf("Expected last change below tolerance, got %g", last)
	}
}

// TestFISTAIsDeterministic verifies that two runs give identical results
func TestFISTAIsDeterministic(t *testing.T) {
	m, data, _, lmax := denseProblem(t)
	model := lsModel(t, m.Geometry())
	opt, _ := NewOptimizer(m, model, Options{Iterations: 20, Lipschitz: lmax, Subsets: 4})

	a, err := opt.Run(context.Background(), data)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	b, err := opt.Run(context.Background(), data)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !floats.Equal(a.Volume.Data, b.Volume.Data) {
		t.Error("Expected identical results for repeated runs")
	}
}

// TestFISTANonnegativity verifies the clamp
func TestFISTANonnegativity(t *testing.T) {
	m, data, _, lmax := denseProblem(t)
	opt, _ := NewOptimizer(m, lsModel(t, m.Geometry()), Options{Iterations: 50, Lipschitz: lmax, Nonnegativity: true})
	res, err := opt.Run(context.Background(), data)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if lowest := floats.Min(res.Volume.Data); lowest < 0 {
		t.Errorf("Expected a non-negative estimate, got minimum %f", lowest)
	}
}

// TestFISTARegularised verifies that the TV proximal step smooths the estimate
func TestFISTARegularised(t *testing.T) {
	p, _, data, l := parallelBeamProblem(t)
	reg, err := regulariser.New(regulariser.FGPTV, regulariser.Options{})
	if err != nil {
		t.Fatalf("regulariser.New failed: %v", err)
	}

	plain, _ := NewOptimizer(p, lsModel(t, p.Geometry()), Options{Iterations: 10, Lipschitz: l})
	tv, err := NewOptimizer(p, lsModel(t, p.Geometry()), Options{
		Iterations: 10, Lipschitz: l,
		Regulariser: reg, RegStrength: 0.05, RegIterations: 50, Device: models.GPU,
	})
	if err != nil {
		t.Fatalf("NewOptimizer failed: %v", err)
	}

	a, err := plain.Run(context.Background(), data)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	b, err := tv.Run(context.Background(), data)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if regulariser.TotalVariation(b.Volume) >= regulariser.TotalVariation(a.Volume) {
		t.Error("Expected the regularised estimate to have lower total variation")
	}
}

type failingRegulariser struct{}

func (failingRegulariser) Proximal(*models.Volume, float64, int, models.Device) (*models.Volume, error) {
	return nil, errors.New("out of device memory")
}

type shrinkingRegulariser struct{}

func (shrinkingRegulariser) Proximal(*models.Volume, float64, int, models.Device) (*models.Volume, error) {
	return models.NewVolume(2, 2, 1), nil
}

// TestFISTARegulariserWrongShape verifies that a regulariser output of the
// wrong shape is reported against the regulariser
func TestFISTARegulariserWrongShape(t *testing.T) {
	m, data, _, lmax := denseProblem(t)
	opt, err := NewOptimizer(m, lsModel(t, m.Geometry()), Options{
		Iterations: 3, Lipschitz: lmax,
		Regulariser: shrinkingRegulariser{}, RegStrength: 0.1, RegIterations: 5,
	})
	if err != nil {
		t.Fatalf("NewOptimizer failed: %v", err)
	}
	res, err := opt.Run(context.Background(), data)
	if !errors.Is(err, tomoerr.ErrCollaborator) {
		t.Fatalf("Expected collaborator error, got %v", err)
	}
	if errors.Is(err, tomoerr.ErrConfiguration) {
		t.Errorf("Expected no configuration error, got %v", err)
	}
	if res == nil || res.State != Failed {
		t.Errorf("Expected a failed result, got %+v", res)
	}
}

// TestFISTACollaboratorFailure verifies that a failing regulariser aborts the
// run with the last valid estimate
func TestFISTACollaboratorFailure(t *testing.T) {
	m, data, _, lmax := denseProblem(t)
	initial := m.Geometry().NewVolume()
	for i := range initial.Data {
		initial.Data[i] = 0.5
	}
	opt, err := NewOptimizer(m, lsModel(t, m.Geometry()), Options{
		Iterations: 10, Lipschitz: lmax, Initial: initial,
		Regulariser: failingRegulariser{}, RegStrength: 0.1, RegIterations: 5,
	})
	if err != nil {
		t.Fatalf("NewOptimizer failed: %v", err)
	}
	res, err := opt.Run(context.Background(), data)
	if !errors.Is(err, tomoerr.ErrCollaborator) {
		t.Fatalf("Expected collaborator error, got %v", err)
	}
	if res == nil || res.State != Failed || res.Iterations != 0 {
		t.Fatalf("Expected a failed result after 0 iterations, got %+v", res)
	}
	if !floats.Equal(res.Volume.Data, initial.Data) {
		t.Error("Expected the last valid estimate to be the initial volume")
	}
}

// TestFISTACancellation verifies that cancellation between iterations keeps
// the completed iterations
func TestFISTACancellation(t *testing.T) {
	m, data, _, lmax := denseProblem(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opt, _ := NewOptimizer(m, lsModel(t, m.Geometry()), Options{
		Iterations: 100, Lipschitz: lmax,
		Progress: func(p Progress) {
			if p.Iteration == 3 {
				cancel()
			}
		},
	})
	res, err := opt.Run(ctx, data)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if res.State != Cancelled || res.Iterations != 3 {
		t.Errorf("Expected cancelled after 3 iterations, got %s after %d", res.State, res.Iterations)
	}
	if floats.Norm(res.Volume.Data, 2) == 0 {
		t.Error("Expected a non-trivial partial estimate")
	}
}

// TestFISTADivergenceIsReported verifies that a grossly under-estimated
// Lipschitz constant surfaces as a numerical error instead of NaN output
func TestFISTADivergenceIsReported(t *testing.T) {
	m, data, _, lmax := denseProblem(t)
	opt, _ := NewOptimizer(m, lsModel(t, m.Geometry()), Options{Iterations: 2000, Lipschitz: lmax * 1e-3})
	res, err := opt.Run(context.Background(), data)
	if !errors.Is(err, tomoerr.ErrNumerical) {
		t.Fatalf("Expected numerical error, got %v", err)
	}
	for _, v := range res.Volume.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatal("Expected the returned estimate to be finite")
		}
	}
}

// TestNewOptimizerValidation verifies option checks
func TestNewOptimizerValidation(t *testing.T) {
	m, _, _, lmax := denseProblem(t)
	model := lsModel(t, m.Geometry())
	tests := []struct {
		name string
		opts Options
	}{
		{"zero lipschitz", Options{Iterations: 10}},
		{"negative lipschitz", Options{Iterations: 10, Lipschitz: -1}},
		{"zero iterations", Options{Lipschitz: lmax}},
		{"too many subsets", Options{Iterations: 10, Lipschitz: lmax, Subsets: 17}},
		{"regulariser without iterations", Options{Iterations: 10, Lipschitz: lmax, Regulariser: failingRegulariser{}}},
		{"wrong initial shape", Options{Iterations: 10, Lipschitz: lmax, Initial: models.NewVolume(4, 4, 1)}},
	}
	for _, tc := range tests {
		if _, err := NewOptimizer(m, model, tc.opts); !errors.Is(err, tomoerr.ErrConfiguration) {
			t.Errorf("%s: expected configuration error, got %v", tc.name, err)
		}
	}

	opt, _ := NewOptimizer(m, model, Options{Iterations: 1, Lipschitz: lmax})
	if _, err := opt.Run(context.Background(), models.NewSinogram(9, 3, 1)); !errors.Is(err, tomoerr.ErrConfiguration) {
		t.Errorf("Expected configuration error for mismatched data, got %v", err)
	}
}

// TestFISTAGroupHuberThreadsWeights verifies that ring weights are returned
// and can seed the next run
func TestFISTAGroupHuberThreadsWeights(t *testing.T) {
	p, _, data, l := parallelBeamProblem(t)
	striped := data.Clone()
	for a := 0; a < striped.Angles; a++ {
		striped.Data[striped.Index(0, a, 40)] += 100
	}
	model, err := fidelity.New(fidelity.Config{Kind: fidelity.GroupHuber, GHLambda: 0.2, GHAccelerate: 5}, p.Geometry())
	if err != nil {
		t.Fatalf("fidelity.New failed: %v", err)
	}

	opt, _ := NewOptimizer(p, model, Options{Iterations: 5, Lipschitz: l})
	res, err := opt.Run(context.Background(), striped)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(res.RingWeights) != p.Geometry().Detectors {
		t.Fatalf("Expected %d ring weights, got %d", p.Geometry().Detectors, len(res.RingWeights))
	}
	if w := res.RingWeights[40]; w >= 1 {
		t.Errorf("Expected the striped detector to be down-weighted, got %f", w)
	}
	for i, w := range res.RingWeights {
		if w < 0 || w > 1 {
			t.Errorf("Expected weight %d in [0,1], got %f", i, w)
		}
	}

	fresh, _ := NewOptimizer(p, model, Options{Iterations: 1, Lipschitz: l})
	first, err := fresh.Run(context.Background(), striped)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	seeded, _ := NewOptimizer(p, model, Options{Iterations: 1, Lipschitz: l, RingWeights: res.RingWeights})
	next, err := seeded.Run(context.Background(), striped)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if next.RingWeights[40] >= first.RingWeights[40] {
		t.Errorf("Expected seeded weights below a fresh start, got %f and %f", next.RingWeights[40], first.RingWeights[40])
	}
}
