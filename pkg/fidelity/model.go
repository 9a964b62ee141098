package fidelity

import (
	"math"

	"tomofista/internal/models"
	"tomofista/pkg/projector"
	"tomofista/pkg/rings"
	"tomofista/pkg/tomoerr"
)

// Model evaluates the gradient of a data fidelity term.
//
// A Model carries the Group-Huber weight state when that kind is selected,
// so it must not be shared between concurrent runs.
type Model struct {
	cfg   Config
	geom  models.Geometry
	group *rings.GroupHuber
}

// New validates the configuration and creates a fidelity model
func New(cfg Config, geom models.Geometry) (*Model, error) {
	if err := geom.Validate(); err != nil {
		return nil, tomoerr.Configf("fidelity geometry: %v", err)
	}
	if err := cfg.Validate(geom); err != nil {
		return nil, err
	}
	if cfg.Kind == GroupHuber && cfg.GHAccelerate == 0 {
		cfg.GHAccelerate = 1
	}

	m := &Model{cfg: cfg, geom: geom}
	if err := m.Reset(nil); err != nil {
		return nil, err
	}
	return m, nil
}

// Kind returns the fidelity kind
func (m *Model) Kind() Kind { return m.cfg.Kind }

// Config returns the validated configuration
func (m *Model) Config() Config { return m.cfg }

// Weights returns the PWLS weights, or nil for the other kinds
func (m *Model) Weights() *models.Sinogram {
	if m.cfg.Kind != WeightedLeastSquares {
		return nil
	}
	return m.cfg.RawData
}

// Reset restores the ring state to its initial value. For Group-Huber the
// weights start from initial when given, otherwise from 1.
func (m *Model) Reset(initial []float64) error {
	if m.cfg.Kind != GroupHuber {
		return nil
	}
	g, err := rings.NewGroupHuber(m.geom.Detectors, m.geom.Slices, m.cfg.GHLambda, m.cfg.GHAccelerate)
	if err != nil {
		return err
	}
	if initial != nil {
		if err := g.SetWeights(initial); err != nil {
			return err
		}
	}
	m.group = g
	return nil
}

// RingWeights returns a copy of the Group-Huber weights laid out as
// [slice][detector], or nil for the other kinds
func (m *Model) RingWeights() []float64 {
	if m.group == nil {
		return nil
	}
	return m.group.Weights()
}

// Gradient returns A_s^T g(A_s x - b_s) and the fidelity value on the subset.
//
// The residual transforms are applied in a fixed order: PWLS weighting, the
// median stripe model, Group-Huber weighting and finally Huber clipping.
//
// Parameters:
//   - p: Projector used for the forward and back projection
//   - x: Point at which the gradient is evaluated, not modified
//   - data: Full measured sinogram, not modified
//   - subset: Angle indices of the subset, nil for all angles
func (m *Model) Gradient(p projector.Projector, x *models.Volume, data *models.Sinogram, subset []int) (*models.Volume, float64, error) {
	if data.Detectors != m.geom.Detectors || data.Angles != len(m.geom.Angles) || data.Slices != m.geom.Slices {
		return nil, 0, tomoerr.Configf("data is %dx%dx%d, expected %dx%dx%d",
			data.Detectors, data.Angles, data.Slices, m.geom.Detectors, len(m.geom.Angles), m.geom.Slices)
	}

	res, err := p.Forward(x, subset)
	if err != nil {
		return nil, 0, tomoerr.Collaborator("forward projection", err)
	}
	measured := data
	if subset != nil {
		measured = data.Rows(subset)
	}
	if !res.SameShape(measured) {
		return nil, 0, tomoerr.Collaboratorf("forward projection: projector returned %dx%dx%d rows, expected %dx%dx%d",
			res.Detectors, res.Angles, res.Slices, measured.Detectors, measured.Angles, measured.Slices)
	}
	for i, b := range measured.Data {
		res.Data[i] -= b
	}

	loss, err := m.transform(res, subset)
	if err != nil {
		return nil, 0, err
	}

	grad, err := p.Back(res, subset)
	if err != nil {
		return nil, 0, tomoerr.Collaborator("back projection", err)
	}
	for i, v := range grad.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, 0, tomoerr.Numericalf("non-finite gradient at voxel %d", i)
		}
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return nil, 0, tomoerr.Numericalf("non-finite fidelity value")
	}
	return grad, loss, nil
}

// transform turns the residual into the back-projected quantity in place and
// returns the fidelity value
func (m *Model) transform(r *models.Sinogram, subset []int) (float64, error) {
	var loss float64

	switch m.cfg.Kind {
	case LeastSquares:
		for _, v := range r.Data {
			loss += 0.5 * v * v
		}
	case WeightedLeastSquares:
		w := m.cfg.RawData.Data
		if subset != nil {
			w = models.RowsOf(w, m.geom.Detectors, len(m.geom.Angles), m.geom.Slices, subset)
		}
		for i, v := range r.Data {
			loss += 0.5 * w[i] * v * v
			r.Data[i] = w[i] * v
		}
	case Huber:
		for _, v := range r.Data {
			loss += huberLoss(v, m.cfg.HuberThreshold)
		}
	case GroupHuber:
		if err := m.group.Observe(r); err != nil {
			return 0, err
		}
		for k := 0; k < r.Slices; k++ {
			for a := 0; a < r.Angles; a++ {
				for d, v := range r.Row(k, a) {
					w := m.group.Weight(k, d)
					if m.cfg.HuberThreshold > 0 {
						loss += w * huberLoss(v, m.cfg.HuberThreshold)
					} else {
						loss += 0.5 * w * v * v
					}
				}
			}
		}
		if err := m.group.Apply(r); err != nil {
			return 0, err
		}
	}

	// The stripe model is rejected for Group-Huber, so running it after the
	// kind-specific weighting keeps the PWLS, ring, group, Huber order.
	if m.cfg.RingThreshold > 0 {
		stripes, err := rings.Estimate(r, m.cfg.RingHalfsizes)
		if err != nil {
			return 0, err
		}
		tau := m.cfg.RingThreshold
		for i, s := range stripes.Data {
			if a := math.Abs(s); a > tau {
				r.Data[i] *= tau / a
			}
		}
	}

	if m.cfg.HuberThreshold > 0 {
		tau := m.cfg.HuberThreshold
		for i, v := range r.Data {
			switch {
			case v > tau:
				r.Data[i] = tau
			case v < -tau:
				r.Data[i] = -tau
			}
		}
	}
	return loss, nil
}

// EndIteration applies the ring state update accumulated during the
// iteration. It is a no-op for kinds without persistent ring state.
func (m *Model) EndIteration() {
	if m.group != nil {
		m.group.Update()
	}
}

func huberLoss(r, tau float64) float64 {
	a := math.Abs(r)
	if a <= tau {
		return 0.5 * r * r
	}
	return tau*a - 0.5*tau*tau
}
