package align

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// MatrixMap maps detector paths to flattened 4x4 correction or placement
// matrices, the exchange format consumed by reconstruction.
type MatrixMap map[string]Matrix

// LoadMatrixMap reads a path → [16]float64 JSON file.
func LoadMatrixMap(path string) (MatrixMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading matrices file: %w", err)
	}

	var mm MatrixMap
	if err := json.Unmarshal(data, &mm); err != nil {
		return nil, fmt.Errorf("parsing matrices file %s: %w", path, err)
	}
	return mm, nil
}

// SaveMatrixMap writes the map as indented JSON, creating parent directories.
func SaveMatrixMap(path string, mm MatrixMap) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	data, err := json.MarshalIndent(mm, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling matrices: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing matrices file: %w", err)
	}
	return nil
}

// MergeMatrixMaps unions the maps in order; later maps win on shared keys.
func MergeMatrixMaps(maps ...MatrixMap) MatrixMap {
	merged := make(MatrixMap)
	for _, mm := range maps {
		for path, m := range mm {
			merged[path] = m
		}
	}
	return merged
}

// Paths returns the keys in sorted order.
func (mm MatrixMap) Paths() []string {
	paths := make([]string, 0, len(mm))
	for p := range mm {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
