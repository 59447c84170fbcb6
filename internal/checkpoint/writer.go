package checkpoint

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Encode serializes entries into the snapshot wire format.
func Encode(entries []Entry) ([]byte, error) {
	if len(entries) == 0 {
		return nil, errors.New("checkpoint: no entries to encode")
	}

	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Name < sorted[j].Name
	})

	header := make(map[string]headerEntry, len(sorted))

	var raw []byte

	for _, entry := range sorted {
		name := strings.TrimSpace(entry.Name)
		if name == "" {
			return nil, errors.New("checkpoint: entry name must not be empty")
		}

		if _, exists := header[name]; exists {
			return nil, fmt.Errorf("checkpoint: duplicate entry name %q", name)
		}

		dtype, err := entry.dtype()
		if err != nil {
			return nil, err
		}

		elemCount, err := shapeElementCount(entry.Shape)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: entry %q: %w", name, err)
		}

		if int64(entry.elemCount()) != elemCount {
			return nil, fmt.Errorf("checkpoint: entry %q shape %v expects %d elements, got %d", name, entry.Shape, elemCount, entry.elemCount())
		}

		start := len(raw)

		switch dtype {
		case dtypeF32:
			raw = append(raw, make([]byte, len(entry.Data)*4)...)
			for i, v := range entry.Data {
				binary.LittleEndian.PutUint32(raw[start+i*4:], math.Float32bits(v))
			}
		case dtypeI64:
			raw = append(raw, make([]byte, len(entry.Ints)*8)...)
			for i, v := range entry.Ints {
				binary.LittleEndian.PutUint64(raw[start+i*8:], uint64(v))
			}
		}

		header[name] = headerEntry{
			DType:   dtype,
			Shape:   append([]int64(nil), entry.Shape...),
			Offsets: [2]int{start, len(raw)},
		}
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: encode header: %w", err)
	}

	out := make([]byte, 0, 8+len(headerJSON)+len(raw))
	lenPrefix := make([]byte, 8)
	binary.LittleEndian.PutUint64(lenPrefix, uint64(len(headerJSON)))
	out = append(out, lenPrefix...)
	out = append(out, headerJSON...)
	out = append(out, raw...)

	return out, nil
}

// WriteAtomic encodes entries and writes them under dir/filename through a
// uniquely-named temporary file in the same directory, renamed onto the
// canonical name on success. The canonical file is never written directly,
// so a reader can never observe a partial snapshot; the temporary file is
// removed on any failure.
func WriteAtomic(dir, filename string, entries []Entry) error {
	data, err := Encode(entries)
	if err != nil {
		return err
	}

	tmpPath := filepath.Join(dir, uuid.NewString()+".tmp")
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("checkpoint: write %s: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, filepath.Join(dir, filename)); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("checkpoint: rename %s: %w", tmpPath, err)
	}

	return nil
}
