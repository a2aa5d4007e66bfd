package align

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"sort"
	"time"

	"gonum.org/v1/gonum/spatial/r3"
)

const (
	pairHeaderDoubles = 6
	pairRecordDoubles = 7
)

// ReadPairFile reads a binary hit-pair file.
func ReadPairFile(path string) ([]HitPair, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening pair file: %w", err)
	}
	defer f.Close()

	pairs, err := DecodePairs(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return pairs, nil
}

// DecodePairs decodes the pair format: a header of six little-endian
// float64 values followed by records of seven (x1 y1 z1 x2 y2 z2 dist).
func DecodePairs(r io.Reader) ([]HitPair, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading pairs: %w", err)
	}
	const headerLen = pairHeaderDoubles * 8
	const recordLen = pairRecordDoubles * 8
	if len(data) < headerLen {
		return nil, fmt.Errorf("%w: pair file has %d bytes, shorter than its header", ErrMalformedData, len(data))
	}
	body := data[headerLen:]
	if len(body)%recordLen != 0 {
		return nil, fmt.Errorf("%w: pair data length %d is not a multiple of %d", ErrMalformedData, len(body), recordLen)
	}

	values := make([]float64, len(body)/8)
	if err := binary.Read(bytes.NewReader(body), binary.LittleEndian, values); err != nil {
		return nil, fmt.Errorf("%w: decoding pairs: %v", ErrMalformedData, err)
	}

	pairs := make([]HitPair, 0, len(values)/pairRecordDoubles)
	for i := 0; i+pairRecordDoubles <= len(values); i += pairRecordDoubles {
		v := values[i : i+pairRecordDoubles]
		pairs = append(pairs, HitPair{
			P1:   r3.Vec{X: v[0], Y: v[1], Z: v[2]},
			P2:   r3.Vec{X: v[3], Y: v[4], Z: v[5]},
			Dist: v[6],
		})
	}
	return pairs, nil
}

// EncodePairs writes pairs in the format read by DecodePairs, with a zero
// header.
func EncodePairs(w io.Writer, pairs []HitPair) error {
	values := make([]float64, pairHeaderDoubles, pairHeaderDoubles+len(pairs)*pairRecordDoubles)
	for _, p := range pairs {
		values = append(values, p.P1.X, p.P1.Y, p.P1.Z, p.P2.X, p.P2.Y, p.P2.Z, p.Dist)
	}
	if err := binary.Write(w, binary.LittleEndian, values); err != nil {
		return fmt.Errorf("encoding pairs: %w", err)
	}
	return nil
}

// WritePairFile writes pairs to path.
func WritePairFile(path string, pairs []HitPair) error {
	var buf bytes.Buffer
	if err := EncodePairs(&buf, pairs); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("writing pair file: %w", err)
	}
	return nil
}

// DynamicCut removes the cutPercent% of pairs whose displacement deviates
// most from the mean displacement in the x-y plane. Distances are
// recomputed on the retained pairs, which are then shuffled so a fitter
// never sees them ordered by residual. A nil rng is seeded from the clock.
// cutPercent = 0 returns the input unchanged.
func DynamicCut(pairs []HitPair, cutPercent float64, rng *rand.Rand) ([]HitPair, error) {
	if cutPercent < 0 || cutPercent >= 100 || math.IsNaN(cutPercent) {
		return nil, fmt.Errorf("%w: cut percent %v outside [0, 100)", ErrInvalidInput, cutPercent)
	}
	if cutPercent == 0 || len(pairs) == 0 {
		return pairs, nil
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	var mean r3.Vec
	for _, p := range pairs {
		mean = r3.Add(mean, r3.Sub(p.P2, p.P1))
	}
	mean = r3.Scale(1/float64(len(pairs)), mean)

	type scored struct {
		pair HitPair
		dist float64
	}
	work := make([]scored, len(pairs))
	for i, p := range pairs {
		c := r3.Sub(r3.Sub(p.P2, p.P1), mean)
		work[i] = scored{pair: p, dist: c.X*c.X + c.Y*c.Y}
	}
	sort.SliceStable(work, func(i, j int) bool { return work[i].dist < work[j].dist })

	drop := int(math.Floor(float64(len(pairs)) * cutPercent / 100))
	kept := make([]HitPair, 0, len(pairs)-drop)
	for _, s := range work[:len(work)-drop] {
		p := s.pair
		p.Dist = p.planarDist2()
		kept = append(kept, p)
	}

	rng.Shuffle(len(kept), func(i, j int) { kept[i], kept[j] = kept[j], kept[i] })
	return kept, nil
}

// PairsToFrame expresses both hits of every pair in the frame whose nominal
// placement is m, i.e. applies m⁻¹ to each point.
func PairsToFrame(pairs []HitPair, m Matrix) ([]HitPair, error) {
	inv, err := m.Inverse()
	if err != nil {
		return nil, err
	}
	out := make([]HitPair, len(pairs))
	for i, p := range pairs {
		var q HitPair
		if q.P1, err = inv.ApplyPoint(p.P1); err != nil {
			return nil, fmt.Errorf("pair %d: %w", i, err)
		}
		if q.P2, err = inv.ApplyPoint(p.P2); err != nil {
			return nil, fmt.Errorf("pair %d: %w", i, err)
		}
		q.Dist = q.planarDist2()
		out[i] = q
	}
	return out, nil
}
