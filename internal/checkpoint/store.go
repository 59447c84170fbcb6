package checkpoint

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
)

// Store provides read access to a decoded snapshot.
type Store struct {
	raw     []byte
	entries map[string]storeEntry
	names   []string
}

type storeEntry struct {
	DType string
	Shape []int64
	Start int
	End   int
}

// Open reads and indexes a snapshot file.
func Open(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read %s: %w", path, err)
	}

	return OpenBytes(data)
}

// OpenBytes indexes an in-memory snapshot.
func OpenBytes(data []byte) (*Store, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("checkpoint: snapshot too short (%d bytes)", len(data))
	}

	headerLen := binary.LittleEndian.Uint64(data[:8])

	headerEnd := 8 + int(headerLen)
	if headerLen > uint64(len(data)) || headerEnd > len(data) {
		return nil, fmt.Errorf("checkpoint: header length %d exceeds snapshot size %d", headerLen, len(data))
	}

	var header map[string]headerEntry
	if err := json.Unmarshal(data[8:headerEnd], &header); err != nil {
		return nil, fmt.Errorf("checkpoint: parse header: %w", err)
	}

	entries := make(map[string]storeEntry, len(header))
	names := make([]string, 0, len(header))

	for name, h := range header {
		dtype := strings.ToUpper(h.DType)

		elemBytes, err := dtypeBytes(dtype)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: entry %q: %w", name, err)
		}

		elemCount, err := shapeElementCount(h.Shape)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: entry %q: %w", name, err)
		}

		start := headerEnd + h.Offsets[0]

		end := headerEnd + h.Offsets[1]
		if h.Offsets[0] < 0 || end < start || end > len(data) {
			return nil, fmt.Errorf("checkpoint: entry %q data [%d:%d] exceeds snapshot size %d", name, start, end, len(data))
		}

		if end-start != int(elemCount)*elemBytes {
			return nil, fmt.Errorf("checkpoint: entry %q needs %d bytes but has %d", name, int(elemCount)*elemBytes, end-start)
		}

		entries[name] = storeEntry{DType: dtype, Shape: append([]int64(nil), h.Shape...), Start: start, End: end}
		names = append(names, name)
	}

	if len(entries) == 0 {
		return nil, errors.New("checkpoint: no entries found")
	}

	sort.Strings(names)

	return &Store{raw: data, entries: entries, names: names}, nil
}

func (s *Store) Names() []string {
	return append([]string(nil), s.names...)
}

func (s *Store) Has(name string) bool {
	_, ok := s.entries[name]
	return ok
}

// ShapeOf returns the declared shape of a named entry.
func (s *Store) ShapeOf(name string) ([]int64, error) {
	entry, ok := s.entries[name]
	if !ok {
		return nil, fmt.Errorf("checkpoint: entry %q not found (available: %s)", name, summarizeNames(s.names))
	}

	return append([]int64(nil), entry.Shape...), nil
}

// Floats returns the F32 entry with the given name, verifying its shape.
func (s *Store) Floats(name string, wantShape []int64) ([]float32, error) {
	entry, err := s.lookup(name, dtypeF32, wantShape)
	if err != nil {
		return nil, err
	}

	raw := s.raw[entry.Start:entry.End]

	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}

	return out, nil
}

// Ints returns the I64 entry with the given name, verifying its shape.
func (s *Store) Ints(name string, wantShape []int64) ([]int64, error) {
	entry, err := s.lookup(name, dtypeI64, wantShape)
	if err != nil {
		return nil, err
	}

	raw := s.raw[entry.Start:entry.End]

	out := make([]int64, len(raw)/8)
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(raw[i*8:]))
	}

	return out, nil
}

func (s *Store) lookup(name, wantDType string, wantShape []int64) (storeEntry, error) {
	entry, ok := s.entries[name]
	if !ok {
		return storeEntry{}, fmt.Errorf("checkpoint: entry %q not found (available: %s)", name, summarizeNames(s.names))
	}

	if entry.DType != wantDType {
		return storeEntry{}, fmt.Errorf("checkpoint: entry %q has dtype %s, want %s", name, entry.DType, wantDType)
	}

	if wantShape != nil && !equalShape(entry.Shape, wantShape) {
		return storeEntry{}, fmt.Errorf("checkpoint: entry %q shape %v does not match expected %v", name, entry.Shape, wantShape)
	}

	return entry, nil
}

func equalShape(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

func summarizeNames(names []string) string {
	if len(names) == 0 {
		return "none"
	}

	const maxNames = 8
	if len(names) <= maxNames {
		return strings.Join(names, ", ")
	}

	return strings.Join(names[:maxNames], ", ") + ", ..."
}
