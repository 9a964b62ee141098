// Package volumeio reads and writes volumes and sinograms in a small
// zstd-compressed container.
//
// A container starts with an uncompressed header:
//
//	magic  "TOMO"  4 bytes
//	kind   'V' or 'S'
//	dims   3 x uint32 big endian (width, height, depth) or (detectors, angles, slices)
//
// followed by a zstd stream holding the samples as little-endian float64
// in the in-memory order of models.Volume or models.Sinogram.
package volumeio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"

	"tomofista/internal/models"
)

const magic = "TOMO"

const (
	kindVolume   byte = 'V'
	kindSinogram byte = 'S'
)

// maxSamples bounds the header dimensions before allocation
const maxSamples = 1 << 31

// ErrFormat is returned for input that is not a valid container
var ErrFormat = errors.New("volumeio: invalid container")

func writeHeader(w io.Writer, kind byte, dims [3]int) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(magic); err != nil {
		return err
	}
	if err := bw.WriteByte(kind); err != nil {
		return err
	}
	for _, d := range dims {
		if err := binary.Write(bw, binary.BigEndian, uint32(d)); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func readHeader(r io.Reader, want byte) ([3]int, error) {
	var dims [3]int
	head := make([]byte, len(magic)+1)
	if _, err := io.ReadFull(r, head); err != nil {
		return dims, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if string(head[:len(magic)]) != magic {
		return dims, fmt.Errorf("%w: bad magic %q", ErrFormat, head[:len(magic)])
	}
	if head[len(magic)] != want {
		return dims, fmt.Errorf("%w: container holds kind %q, expected %q", ErrFormat, head[len(magic)], want)
	}

	total := 1
	for i := range dims {
		var d uint32
		if err := binary.Read(r, binary.BigEndian, &d); err != nil {
			return dims, fmt.Errorf("%w: %v", ErrFormat, err)
		}
		if d == 0 {
			return dims, fmt.Errorf("%w: dimension %d is zero", ErrFormat, i)
		}
		dims[i] = int(d)
		total *= dims[i]
		if total > maxSamples {
			return dims, fmt.Errorf("%w: %v exceeds %d samples", ErrFormat, dims, maxSamples)
		}
	}
	return dims, nil
}

func writeSamples(w io.Writer, data []float64) error {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("zstd encode: %w", err)
	}
	if err := binary.Write(enc, binary.LittleEndian, data); err != nil {
		_ = enc.Close()
		return fmt.Errorf("zstd encode: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("zstd encode: %w", err)
	}
	return nil
}

func readSamples(r io.Reader, data []float64) error {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("zstd decode: %w", err)
	}
	defer dec.Close()
	if err := binary.Read(dec, binary.LittleEndian, data); err != nil {
		return fmt.Errorf("%w: zstd decode: %v", ErrFormat, err)
	}
	return nil
}

// WriteVolume writes vol to w
func WriteVolume(w io.Writer, vol *models.Volume) error {
	if len(vol.Data) != vol.Len() || vol.Len() == 0 {
		return fmt.Errorf("volume %dx%dx%d holds %d samples", vol.Width, vol.Height, vol.Depth, len(vol.Data))
	}
	if err := writeHeader(w, kindVolume, [3]int{vol.Width, vol.Height, vol.Depth}); err != nil {
		return err
	}
	return writeSamples(w, vol.Data)
}

// ReadVolume reads a volume written by WriteVolume
func ReadVolume(r io.Reader) (*models.Volume, error) {
	dims, err := readHeader(r, kindVolume)
	if err != nil {
		return nil, err
	}
	vol := models.NewVolume(dims[0], dims[1], dims[2])
	if err := readSamples(r, vol.Data); err != nil {
		return nil, err
	}
	return vol, nil
}

// WriteSinogram writes sino to w
func WriteSinogram(w io.Writer, sino *models.Sinogram) error {
	if len(sino.Data) != sino.Len() || sino.Len() == 0 {
		return fmt.Errorf("sinogram %dx%dx%d holds %d samples", sino.Detectors, sino.Angles, sino.Slices, len(sino.Data))
	}
	if err := writeHeader(w, kindSinogram, [3]int{sino.Detectors, sino.Angles, sino.Slices}); err != nil {
		return err
	}
	return writeSamples(w, sino.Data)
}

// ReadSinogram reads a sinogram written by WriteSinogram
func ReadSinogram(r io.Reader) (*models.Sinogram, error) {
	dims, err := readHeader(r, kindSinogram)
	if err != nil {
		return nil, err
	}
	sino := models.NewSinogram(dims[0], dims[1], dims[2])
	if err := readSamples(r, sino.Data); err != nil {
		return nil, err
	}
	return sino, nil
}

// SaveVolume writes vol to the named file
func SaveVolume(filename string, vol *models.Volume) error {
	return create(filename, func(w io.Writer) error { return WriteVolume(w, vol) })
}

// LoadVolume reads a volume from the named file
func LoadVolume(filename string) (*models.Volume, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	vol, err := ReadVolume(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return vol, nil
}

// SaveSinogram writes sino to the named file
func SaveSinogram(filename string, sino *models.Sinogram) error {
	return create(filename, func(w io.Writer) error { return WriteSinogram(w, sino) })
}

// LoadSinogram reads a sinogram from the named file
func LoadSinogram(filename string) (*models.Sinogram, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	sino, err := ReadSinogram(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return sino, nil
}

func create(filename string, write func(io.Writer) error) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("%s: %w", filename, err)
	}
	return f.Close()
}
