// Package visualization exports reconstructed volumes and sinograms as
// grayscale images for inspection.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gonum.org/v1/gonum/floats"

	"tomofista/internal/models"
)

// Viewer extracts 2D slices from a reconstructed volume. Voxel values are
// mapped linearly from the display window [low, high] to the full gray range.
type Viewer struct {
	vol *models.Volume

	// display window, initialised to the volume range
	low  float64
	high float64
}

// NewViewer creates a viewer whose display window spans the value range of vol
func NewViewer(vol *models.Volume) *Viewer {
	v := &Viewer{vol: vol}
	if len(vol.Data) > 0 {
		v.low, v.high = floats.Min(vol.Data), floats.Max(vol.Data)
	}
	return v
}

// SetWindow sets the display window. Values at or below low are black and
// values at or above high are white.
func (v *Viewer) SetWindow(low, high float64) error {
	if !(high > low) {
		return fmt.Errorf("window high %g must exceed low %g", high, low)
	}
	v.low, v.high = low, high
	return nil
}

// Window returns the display window
func (v *Viewer) Window() (low, high float64) { return v.low, v.high }

func (v *Viewer) gray(value float64) color.Gray16 {
	return toGray(value, v.low, v.high)
}

func toGray(value, low, high float64) color.Gray16 {
	if !(high > low) || math.IsNaN(value) {
		return color.Gray16{}
	}
	s := (value - low) / (high - low)
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, s*65535)))}
}

// ExtractSlice extracts a 2D slice from the volume along the specified axis
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	vol := v.vol
	var img *image.Gray16

	switch axis {
	case "x", "X":
		// YZ plane
		if position >= vol.Width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, vol.Width)
		}
		img = image.NewGray16(image.Rect(0, 0, vol.Depth, vol.Height))
		for y := 0; y < vol.Height; y++ {
			for z := 0; z < vol.Depth; z++ {
				img.SetGray16(z, y, v.gray(vol.Data[vol.Index(position, y, z)]))
			}
		}

	case "y", "Y":
		// XZ plane
		if position >= vol.Height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, vol.Height)
		}
		img = image.NewGray16(image.Rect(0, 0, vol.Width, vol.Depth))
		for z := 0; z < vol.Depth; z++ {
			for x := 0; x < vol.Width; x++ {
				img.SetGray16(x, z, v.gray(vol.Data[vol.Index(x, position, z)]))
			}
		}

	case "z", "Z":
		// XY plane
		if position >= vol.Depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, vol.Depth)
		}
		img = image.NewGray16(image.Rect(0, 0, vol.Width, vol.Height))
		for y := 0; y < vol.Height; y++ {
			for x := 0; x < vol.Width; x++ {
				img.SetGray16(x, y, v.gray(vol.Data[vol.Index(x, y, position)]))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// ExtractRegion extracts a 3D subregion from the volume
func (v *Viewer) ExtractRegion(startX, startY, startZ, sizeX, sizeY, sizeZ int) (*models.Volume, error) {
	if startX < 0 || startY < 0 || startZ < 0 {
		return nil, fmt.Errorf("start coordinates must be non-negative")
	}
	if sizeX <= 0 || sizeY <= 0 || sizeZ <= 0 {
		return nil, fmt.Errorf("size dimensions must be positive")
	}
	if startX+sizeX > v.vol.Width || startY+sizeY > v.vol.Height || startZ+sizeZ > v.vol.Depth {
		return nil, fmt.Errorf("region extends beyond volume boundaries")
	}

	region := models.NewVolume(sizeX, sizeY, sizeZ)
	for z := 0; z < sizeZ; z++ {
		for y := 0; y < sizeY; y++ {
			src := v.vol.Index(startX, startY+y, startZ+z)
			copy(region.Data[region.Index(0, y, z):region.Index(0, y, z)+sizeX], v.vol.Data[src:src+sizeX])
		}
	}
	return region, nil
}

// SinogramImage renders the sinogram of one slice with angles as rows and
// detectors as columns, windowed to the slice's value range
func SinogramImage(sino *models.Sinogram, slice int) (image.Image, error) {
	if slice < 0 || slice >= sino.Slices {
		return nil, fmt.Errorf("slice %d out of range [0,%d)", slice, sino.Slices)
	}
	n := sino.Detectors * sino.Angles
	data := sino.Data[slice*n : (slice+1)*n]
	low, high := floats.Min(data), floats.Max(data)

	img := image.NewGray16(image.Rect(0, 0, sino.Detectors, sino.Angles))
	for a := 0; a < sino.Angles; a++ {
		for d, value := range sino.Row(slice, a) {
			img.SetGray16(d, a, toGray(value, low, high))
		}
	}
	return img, nil
}

// SaveSlice saves an image as PNG when the filename ends in .png and as
// JPEG otherwise
func SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	if strings.EqualFold(filepath.Ext(filename), ".png") {
		return png.Encode(file, img)
	}
	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveSliceSequence extracts and saves every slice along the specified axis
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.vol.Width
	case "y", "Y":
		maxPos = v.vol.Height
	case "z", "Z":
		maxPos = v.vol.Depth
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.png", axis, pos))
		if err := SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}
