package align

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"iter"
	"math"
	"os"
)

// DefaultSigmaScale inflates hit errors before they reach the fitter.
const DefaultSigmaScale = 10.0

// MilleWriter serializes observation rows as Millepede-II binary records.
// Rows are buffered with Add and written as one record by End.
//
// Record layout: int32 word count (2 × entries), then the float32 values,
// then the int32 indices. Entry 0 is (0, 0); each row contributes
// (residual, 0), (local derivative, local index)…, (sigma, 0),
// (global derivative, label)….
type MilleWriter struct {
	w          *bufio.Writer
	SigmaScale float64
	KeepZeros  bool // also write zero derivatives

	floats []float32
	ints   []int32
	rows   int
}

// NewMilleWriter wraps w; Close (or Flush) must be called to drain buffers.
func NewMilleWriter(w io.Writer, sigmaScale float64) *MilleWriter {
	if sigmaScale <= 0 {
		sigmaScale = DefaultSigmaScale
	}
	return &MilleWriter{w: bufio.NewWriter(w), SigmaScale: sigmaScale}
}

// Add appends one row to the current record.
func (mw *MilleWriter) Add(obs Observation) error {
	sigma := obs.Sigma * mw.SigmaScale
	if !(sigma > 0) || math.IsInf(sigma, 0) {
		return fmt.Errorf("%w: sigma %v for track %d", ErrInvalidInput, obs.Sigma, obs.Track)
	}
	if len(mw.floats) == 0 {
		mw.floats = append(mw.floats, 0)
		mw.ints = append(mw.ints, 0)
	}

	mw.floats = append(mw.floats, float32(obs.Residual))
	mw.ints = append(mw.ints, 0)
	for i, v := range obs.Local {
		if v != 0 || mw.KeepZeros {
			mw.floats = append(mw.floats, float32(v))
			mw.ints = append(mw.ints, int32(i+1))
		}
	}

	mw.floats = append(mw.floats, float32(sigma))
	mw.ints = append(mw.ints, 0)
	for j, v := range obs.Global {
		if v != 0 || mw.KeepZeros {
			plane, param := j/ParamsPerPlane, j%ParamsPerPlane
			mw.floats = append(mw.floats, float32(v))
			mw.ints = append(mw.ints, int32(GlobalLabel(obs.Sector, plane, param)))
		}
	}
	mw.rows++
	return nil
}

// End writes the buffered rows as one record. It is a no-op when nothing
// was added.
func (mw *MilleWriter) End() error {
	if mw.rows == 0 {
		return nil
	}
	words := int32(2 * len(mw.floats))
	if err := binary.Write(mw.w, binary.LittleEndian, words); err != nil {
		return fmt.Errorf("writing mille record: %w", err)
	}
	if err := binary.Write(mw.w, binary.LittleEndian, mw.floats); err != nil {
		return fmt.Errorf("writing mille record: %w", err)
	}
	if err := binary.Write(mw.w, binary.LittleEndian, mw.ints); err != nil {
		return fmt.Errorf("writing mille record: %w", err)
	}
	mw.floats = mw.floats[:0]
	mw.ints = mw.ints[:0]
	mw.rows = 0
	return nil
}

// Flush ends any open record and flushes the underlying writer.
func (mw *MilleWriter) Flush() error {
	if err := mw.End(); err != nil {
		return err
	}
	return mw.w.Flush()
}

// WriteObservations writes one record per track and returns the number of
// records written.
func (mw *MilleWriter) WriteObservations(rows iter.Seq2[Observation, error]) (int, error) {
	records := 0
	track := -1
	for obs, err := range rows {
		if err != nil {
			return records, err
		}
		if obs.Track != track && mw.rows > 0 {
			if err := mw.End(); err != nil {
				return records, err
			}
			records++
		}
		track = obs.Track
		if err := mw.Add(obs); err != nil {
			return records, err
		}
	}
	if mw.rows > 0 {
		records++
	}
	return records, mw.Flush()
}

// WriteMilleFile writes the rows of every sector into a single binary file.
func WriteMilleFile(path string, rows iter.Seq2[Observation, error], sigmaScale float64) (int, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("creating mille file: %w", err)
	}
	defer f.Close()

	records, err := NewMilleWriter(f, sigmaScale).WriteObservations(rows)
	if err != nil {
		return records, err
	}
	if err := f.Close(); err != nil {
		return records, fmt.Errorf("closing mille file: %w", err)
	}
	return records, nil
}
