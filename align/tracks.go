package align

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"gonum.org/v1/gonum/spatial/r3"
)

type rawTrackFile struct {
	Events []rawEvent `json:"events"`
}

type rawEvent struct {
	TrkPos   []float64   `json:"trkPos"`
	TrkMom   []float64   `json:"trkMom"`
	RecoHits []rawRecHit `json:"recoHits"`
}

type rawRecHit struct {
	Index    int       `json:"index"`
	Pos      []float64 `json:"pos"`
	Err      []float64 `json:"err"`
	SensorID int       `json:"sensorID"`
}

// ReadTracks reads a processed-tracks JSON file.
func ReadTracks(path string) ([]Track, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening tracks file: %w", err)
	}
	defer f.Close()

	tracks, err := ParseTracks(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return tracks, nil
}

// ParseTracks decodes processed tracks. The momentum is normalized into the
// track direction; a zero momentum is malformed.
func ParseTracks(r io.Reader) ([]Track, error) {
	var raw rawTrackFile
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: parsing tracks: %v", ErrMalformedData, err)
	}

	tracks := make([]Track, 0, len(raw.Events))
	for i, ev := range raw.Events {
		origin, err := vec3(ev.TrkPos)
		if err != nil {
			return nil, fmt.Errorf("event %d trkPos: %w", i, err)
		}
		mom, err := vec3(ev.TrkMom)
		if err != nil {
			return nil, fmt.Errorf("event %d trkMom: %w", i, err)
		}
		if r3.Norm(mom) == 0 {
			return nil, fmt.Errorf("%w: event %d has zero momentum", ErrMalformedData, i)
		}

		trk := Track{Origin: origin, Dir: r3.Unit(mom), Hits: make([]Hit, 0, len(ev.RecoHits))}
		for j, rh := range ev.RecoHits {
			pos, err := vec3(rh.Pos)
			if err != nil {
				return nil, fmt.Errorf("event %d hit %d pos: %w", i, j, err)
			}
			if len(rh.Err) < 2 {
				return nil, fmt.Errorf("%w: event %d hit %d has %d error components", ErrMalformedData, i, j, len(rh.Err))
			}
			trk.Hits = append(trk.Hits, Hit{
				Index:    rh.Index,
				Pos:      pos,
				Err:      [2]float64{rh.Err[0], rh.Err[1]},
				SensorID: rh.SensorID,
			})
		}
		tracks = append(tracks, trk)
	}
	return tracks, nil
}

func vec3(v []float64) (r3.Vec, error) {
	if len(v) != 3 {
		return r3.Vec{}, fmt.Errorf("%w: want 3 components, got %d", ErrMalformedData, len(v))
	}
	return r3.Vec{X: v[0], Y: v[1], Z: v[2]}, nil
}

// trackInFrame expresses a track in the frame whose inverse placement is
// inv. The direction is carried as a free vector and re-normalized.
func trackInFrame(trk Track, inv Matrix) (origin, dir r3.Vec, err error) {
	if origin, err = inv.ApplyPoint(trk.Origin); err != nil {
		return r3.Vec{}, r3.Vec{}, err
	}
	dir = inv.ApplyVector(trk.Dir)
	if r3.Norm(dir) == 0 {
		return r3.Vec{}, r3.Vec{}, fmt.Errorf("%w: track direction vanished in target frame", ErrDegenerateInput)
	}
	return origin, r3.Unit(dir), nil
}
