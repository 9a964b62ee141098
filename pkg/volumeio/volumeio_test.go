package volumeio

import (
	"bytes"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"tomofista/internal/models"
)

// TestVolumeRoundTrip verifies that a volume survives a write and read
func TestVolumeRoundTrip(t *testing.T) {
	vol := models.NewVolume(7, 5, 3)
	for i := range vol.Data {
		vol.Data[i] = math.Sin(float64(i)) * 1e3
	}
	vol.Data[4] = math.Inf(-1)

	path := filepath.Join(t.TempDir(), "volume.tomo")
	if err := SaveVolume(path, vol); err != nil {
		t.Fatalf("SaveVolume failed: %v", err)
	}
	got, err := LoadVolume(path)
	if err != nil {
		t.Fatalf("LoadVolume failed: %v", err)
	}
	if !got.SameShape(vol) {
		t.Fatalf("Expected %dx%dx%d, got %dx%dx%d", vol.Width, vol.Height, vol.Depth, got.Width, got.Height, got.Depth)
	}
	for i := range vol.Data {
		if got.Data[i] != vol.Data[i] {
			t.Fatalf("Sample %d: expected %v, got %v", i, vol.Data[i], got.Data[i])
		}
	}
}

// TestSinogramRoundTrip verifies that a sinogram survives a write and read
func TestSinogramRoundTrip(t *testing.T) {
	sino := models.NewSinogram(9, 4, 2)
	for i := range sino.Data {
		sino.Data[i] = float64(i) / 3
	}

	var buf bytes.Buffer
	if err := WriteSinogram(&buf, sino); err != nil {
		t.Fatalf("WriteSinogram failed: %v", err)
	}
	got, err := ReadSinogram(&buf)
	if err != nil {
		t.Fatalf("ReadSinogram failed: %v", err)
	}
	if !got.SameShape(sino) {
		t.Fatalf("Expected %dx%dx%d, got %dx%dx%d", sino.Detectors, sino.Angles, sino.Slices, got.Detectors, got.Angles, got.Slices)
	}
	for i := range sino.Data {
		if got.Data[i] != sino.Data[i] {
			t.Fatalf("Sample %d: expected %v, got %v", i, sino.Data[i], got.Data[i])
		}
	}
}

// TestCompression verifies that constant data is stored compactly
func TestCompression(t *testing.T) {
	vol := models.NewVolume(64, 64, 4)
	var buf bytes.Buffer
	if err := WriteVolume(&buf, vol); err != nil {
		t.Fatalf("WriteVolume failed: %v", err)
	}
	if raw := 8 * vol.Len(); buf.Len() >= raw/10 {
		t.Errorf("Expected fewer than %d bytes for a zero volume, got %d", raw/10, buf.Len())
	}
}

// TestReadRejectsInvalid verifies the container checks
func TestReadRejectsInvalid(t *testing.T) {
	sino := models.NewSinogram(3, 2, 1)
	var buf bytes.Buffer
	if err := WriteSinogram(&buf, sino); err != nil {
		t.Fatalf("WriteSinogram failed: %v", err)
	}
	valid := buf.Bytes()

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"bad magic", append([]byte("NOPE"), valid[4:]...)},
		{"wrong kind", append(append([]byte(magic), kindVolume), valid[5:]...)},
		{"zero dimension", append(append([]byte{}, valid[:5]...), 0, 0, 0, 0)},
		{"truncated samples", valid[:17]},
	}

	for _, tc := range tests {
		if _, err := ReadSinogram(bytes.NewReader(tc.data)); !errors.Is(err, ErrFormat) {
			t.Errorf("%s: expected format error, got %v", tc.name, err)
		}
	}
}

// TestWriteRejectsMismatch verifies that inconsistent shapes are not written
func TestWriteRejectsMismatch(t *testing.T) {
	vol := &models.Volume{Data: make([]float64, 5), Width: 2, Height: 2, Depth: 2}
	var buf bytes.Buffer
	if err := WriteVolume(&buf, vol); err == nil {
		t.Error("Expected error for mismatched volume, got nil")
	}
}
