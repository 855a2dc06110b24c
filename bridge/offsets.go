package bridge

import (
	"fmt"
	"maps"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/wippyai/nep-sign/errors"
)

// Operation names.
const (
	OpPost = "post"
	OpGet  = "get"
)

// Offsets maps an operation name to a function offset from the module base.
type Offsets map[string]uint32

// String renders the offsets in hex, ordered by operation name.
func (o Offsets) String() string {
	ops := make([]string, 0, len(o))
	for op := range o {
		ops = append(ops, op)
	}
	sort.Strings(ops)

	parts := make([]string, len(ops))
	for i, op := range ops {
		parts[i] = fmt.Sprintf("%s=%#x", op, o[op])
	}
	return strings.Join(parts, " ")
}

// OffsetTable holds offsets for known module builds, keyed by build ID.
//
//	[builds."bafkrei..."]
//	post = 0x200b0c
//	get  = 0x20068c
type OffsetTable struct {
	Builds map[string]Offsets `toml:"builds"`
}

// Offset sources reported by Select.
const (
	SourceTable  = "table"
	SourceConfig = "config"
)

// LoadOffsetTable reads an offset table file.
func LoadOffsetTable(path string) (*OffsetTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindNotFound, err, "read offset table "+path)
	}
	t, err := ParseOffsetTable(data)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidData, err, "parse offset table "+path)
	}
	return t, nil
}

// ParseOffsetTable decodes an offset table.
func ParseOffsetTable(data []byte) (*OffsetTable, error) {
	var t OffsetTable
	if err := toml.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	if t.Builds == nil {
		t.Builds = make(map[string]Offsets)
	}
	return &t, nil
}

// Select returns the offsets for buildID, or fallback when the table has no
// entry for it. A nil table always yields the fallback.
func (t *OffsetTable) Select(buildID string, fallback Offsets) (Offsets, string) {
	if t != nil {
		if o, ok := t.Builds[buildID]; ok {
			return maps.Clone(o), SourceTable
		}
	}
	return maps.Clone(fallback), SourceConfig
}
