// Package fidelity implements the data fidelity terms minimised by the
// reconstruction: least squares, penalised weighted least squares, Huber and
// Group-Huber, with an optional median stripe model.
package fidelity

import (
	"fmt"
	"math"
	"strings"

	"tomofista/internal/models"
	"tomofista/pkg/rings"
	"tomofista/pkg/tomoerr"
)

// Kind selects the data fidelity. Exactly one kind is active per run.
type Kind int

const (
	LeastSquares Kind = iota
	WeightedLeastSquares
	Huber
	GroupHuber
)

func (k Kind) String() string {
	switch k {
	case LeastSquares:
		return "LS"
	case WeightedLeastSquares:
		return "PWLS"
	case Huber:
		return "Huber"
	case GroupHuber:
		return "GH"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind converts a configuration name into a Kind
func ParseKind(s string) (Kind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LS":
		return LeastSquares, nil
	case "PWLS":
		return WeightedLeastSquares, nil
	case "HUBER":
		return Huber, nil
	case "GH", "GROUPHUBER", "GROUP_HUBER":
		return GroupHuber, nil
	default:
		return 0, tomoerr.Configf("unknown fidelity %q (must be LS, PWLS, Huber or GH)", s)
	}
}

// Config holds the fidelity kind and its parameters. Zero values mean
// "not set" for every optional parameter.
type Config struct {
	Kind Kind

	// RawData holds the per-sample PWLS weights (typically raw detector
	// counts) in the layout of the full sinogram
	RawData *models.Sinogram

	// HuberThreshold is the residual magnitude above which the gradient is clipped
	HuberThreshold float64

	// RingThreshold enables the median stripe model when positive
	RingThreshold float64

	// RingHalfsizes are the median windows of the stripe model
	RingHalfsizes rings.Halfsizes

	// GHLambda is the Group-Huber learning rate
	GHLambda float64

	// GHAccelerate caps the early learning rate multiplier; 0 means 1
	GHAccelerate int
}

func (c Config) hasGroupParams() bool {
	return c.GHLambda != 0 || c.GHAccelerate != 0
}

func (c Config) hasRingModel() bool {
	return c.RingThreshold != 0 || c.RingHalfsizes != (rings.Halfsizes{})
}

// Validate checks the configuration against the geometry and rejects
// conflicting parameter combinations
func (c Config) Validate(geom models.Geometry) error {
	if c.HuberThreshold < 0 || math.IsNaN(c.HuberThreshold) {
		return tomoerr.Configf("huber_threshold must be positive, got %g", c.HuberThreshold)
	}

	switch c.Kind {
	case LeastSquares:
		if c.RawData != nil {
			return tomoerr.Configf("LS fidelity does not take raw data weights (use PWLS)")
		}
		if c.HuberThreshold != 0 {
			return tomoerr.Configf("LS fidelity does not take huber_threshold (use Huber)")
		}
		if c.hasGroupParams() {
			return tomoerr.Configf("LS fidelity does not take Group-Huber parameters (use GH)")
		}
	case WeightedLeastSquares:
		if c.RawData == nil {
			return tomoerr.Configf("PWLS fidelity requires raw data weights")
		}
		if c.HuberThreshold != 0 {
			return tomoerr.Configf("PWLS fidelity does not take huber_threshold")
		}
		if c.hasGroupParams() {
			return tomoerr.Configf("PWLS fidelity does not take Group-Huber parameters")
		}
		if err := checkRawData(c.RawData, geom); err != nil {
			return err
		}
	case Huber:
		if c.HuberThreshold <= 0 {
			return tomoerr.Configf("Huber fidelity requires a positive huber_threshold")
		}
		if c.RawData != nil {
			return tomoerr.Configf("Huber fidelity does not take raw data weights")
		}
		if c.hasGroupParams() {
			return tomoerr.Configf("Huber fidelity does not take Group-Huber parameters")
		}
	case GroupHuber:
		if c.GHLambda < 0 || math.IsNaN(c.GHLambda) || math.IsInf(c.GHLambda, 0) {
			return tomoerr.Configf("ringGH_lambda must be finite and non-negative, got %g", c.GHLambda)
		}
		if c.GHAccelerate < 0 {
			return tomoerr.Configf("ringGH_accelerate must be at least 1, got %d", c.GHAccelerate)
		}
		if c.RawData != nil {
			return tomoerr.Configf("GH fidelity does not take raw data weights")
		}
		if c.hasRingModel() {
			return tomoerr.Configf("GH fidelity cannot be combined with the median ring model")
		}
	default:
		return tomoerr.Configf("unknown fidelity kind %d", int(c.Kind))
	}

	if c.hasRingModel() {
		if c.RingThreshold <= 0 || math.IsNaN(c.RingThreshold) {
			return tomoerr.Configf("ring_weights_threshold must be positive, got %g", c.RingThreshold)
		}
		if err := c.RingHalfsizes.ForSlices(geom.Slices).Validate(); err != nil {
			return err
		}
	}
	return nil
}

func checkRawData(raw *models.Sinogram, geom models.Geometry) error {
	if raw.Detectors != geom.Detectors || raw.Angles != len(geom.Angles) || raw.Slices != geom.Slices {
		return tomoerr.Configf("raw data is %dx%dx%d, expected %dx%dx%d",
			raw.Detectors, raw.Angles, raw.Slices, geom.Detectors, len(geom.Angles), geom.Slices)
	}
	if len(raw.Data) != raw.Len() {
		return tomoerr.Configf("raw data length %d, expected %d", len(raw.Data), raw.Len())
	}
	for i, v := range raw.Data {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return tomoerr.Configf("raw data sample %d is %g, weights must be finite and non-negative", i, v)
		}
	}
	return nil
}
