package projector

import (
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"tomofista/internal/models"
	"tomofista/pkg/tomoerr"
)

// Matrix is a projector backed by an explicit dense system matrix.
//
// Rows follow the sinogram layout [slice][angle][detector] over the full
// angle set and columns follow the volume layout [z][y][x]. It is meant for
// small problems where the exact least-squares solution is of interest.
type Matrix struct {
	geom   models.Geometry
	a      *mat.Dense
	logger *logrus.Logger
}

// NewMatrix wraps a dense system matrix for the geometry
func NewMatrix(geom models.Geometry, a *mat.Dense, logger *logrus.Logger) (*Matrix, error) {
	if err := geom.Validate(); err != nil {
		return nil, tomoerr.Configf("matrix geometry: %v", err)
	}
	if a == nil {
		return nil, tomoerr.Configf("system matrix is nil")
	}
	rows, cols := a.Dims()
	wantRows := geom.Detectors * len(geom.Angles) * geom.Slices
	wantCols := geom.ObjSize * geom.ObjSize * geom.Slices
	if rows != wantRows || cols != wantCols {
		return nil, tomoerr.Configf("system matrix is %dx%d, expected %dx%d", rows, cols, wantRows, wantCols)
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Matrix{geom: geom, a: a, logger: logger}, nil
}

// Assemble builds the dense system matrix of another projector by projecting
// every unit voxel. The cost is one forward projection per voxel.
func Assemble(p Projector) (*mat.Dense, error) {
	geom := p.Geometry()
	vol := geom.NewVolume()
	rows := geom.Detectors * len(geom.Angles) * geom.Slices
	a := mat.NewDense(rows, vol.Len(), nil)
	for j := range vol.Data {
		vol.Data[j] = 1
		sino, err := p.Forward(vol, nil)
		if err != nil {
			return nil, err
		}
		a.SetCol(j, sino.Data)
		vol.Data[j] = 0
	}
	return a, nil
}

// Geometry returns the projector geometry
func (m *Matrix) Geometry() models.Geometry { return m.geom }

// Dense returns the underlying system matrix
func (m *Matrix) Dense() *mat.Dense { return m.a }

// Forward multiplies the volume by the system matrix and keeps the subset rows
func (m *Matrix) Forward(vol *models.Volume, subset []int) (*models.Sinogram, error) {
	if err := checkVolume(m.geom, vol); err != nil {
		return nil, err
	}
	subset, err := resolveSubset(m.geom, subset)
	if err != nil {
		return nil, err
	}

	rows, _ := m.a.Dims()
	var y mat.VecDense
	y.MulVec(m.a, mat.NewVecDense(len(vol.Data), vol.Data))

	full := &models.Sinogram{
		Data:      make([]float64, rows),
		Detectors: m.geom.Detectors,
		Angles:    len(m.geom.Angles),
		Slices:    m.geom.Slices,
	}
	for i := range full.Data {
		full.Data[i] = y.AtVec(i)
	}
	return full.Rows(subset), nil
}

// Back scatters the subset rows into a full sinogram and multiplies by the transpose
func (m *Matrix) Back(sino *models.Sinogram, subset []int) (*models.Volume, error) {
	subset, err := resolveSubset(m.geom, subset)
	if err != nil {
		return nil, err
	}
	if err := checkSinogram(m.geom, sino, len(subset)); err != nil {
		return nil, err
	}

	full := m.geom.NewSinogram(len(m.geom.Angles))
	for k := 0; k < sino.Slices; k++ {
		for i, a := range subset {
			dst := full.Row(k, a)
			for d, v := range sino.Row(k, i) {
				dst[d] += v
			}
		}
	}

	var x mat.VecDense
	x.MulVec(m.a.T(), mat.NewVecDense(len(full.Data), full.Data))

	out := m.geom.NewVolume()
	for i := range out.Data {
		out.Data[i] = x.AtVec(i)
	}
	return out, nil
}

// FBP solves the least-squares problem directly. For a wide matrix the
// minimum-norm solution is returned. A poorly conditioned system is logged
// and the solution is still returned.
func (m *Matrix) FBP(sino *models.Sinogram) (*models.Volume, error) {
	if err := checkSinogram(m.geom, sino, len(m.geom.Angles)); err != nil {
		return nil, fmt.Errorf("FBP needs the full sinogram: %w", err)
	}

	var x mat.VecDense
	err := x.SolveVec(m.a, mat.NewVecDense(len(sino.Data), sino.Data))
	if err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, tomoerr.Collaborator("matrix solve", err)
		}
		m.logger.WithField("condition", float64(cond)).Warn("System matrix is ill-conditioned")
	}

	out := m.geom.NewVolume()
	for i := range out.Data {
		out.Data[i] = x.AtVec(i)
	}
	return out, nil
}
