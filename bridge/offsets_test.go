package bridge

import (
	"os"
	"path/filepath"
	"testing"

	nepsign "github.com/wippyai/nep-sign"
	"github.com/wippyai/nep-sign/errors"
)

const offsetTableTOML = `
[builds."bafkreiaaaa"]
post = 0x200b0c
get  = 0x20068c

[builds."bafkreibbbb"]
post = 0x1000
`

func TestParseOffsetTable(t *testing.T) {
	table, err := ParseOffsetTable([]byte(offsetTableTOML))
	if err != nil {
		t.Fatalf("ParseOffsetTable failed: %v", err)
	}
	if len(table.Builds) != 2 {
		t.Fatalf("expected 2 builds, got %d", len(table.Builds))
	}

	got := table.Builds["bafkreiaaaa"]
	if got[OpPost] != 0x200b0c || got[OpGet] != 0x20068c {
		t.Errorf("offsets = %v", got)
	}
	if s := got.String(); s != "get=0x20068c post=0x200b0c" {
		t.Errorf("String() = %q", s)
	}
}

func TestParseOffsetTable_Invalid(t *testing.T) {
	tests := []string{
		`[builds."x"]` + "\npost = \"0x10\"",
		`[builds."x"]` + "\npost = 0x1_0000_0000",
		"not toml = = =",
	}
	for _, data := range tests {
		if _, err := ParseOffsetTable([]byte(data)); err == nil {
			t.Errorf("expected error for %q", data)
		}
	}

	empty, err := ParseOffsetTable(nil)
	if err != nil || empty.Builds == nil {
		t.Errorf("empty table = %+v, %v", empty, err)
	}
}

func TestOffsetTable_Select(t *testing.T) {
	table, err := ParseOffsetTable([]byte(offsetTableTOML))
	if err != nil {
		t.Fatal(err)
	}
	fallback := Offsets{OpPost: 1, OpGet: 2}

	got, src := table.Select("bafkreibbbb", fallback)
	if src != SourceTable || got[OpPost] != 0x1000 {
		t.Errorf("known build = %v from %s", got, src)
	}
	if _, ok := got[OpGet]; ok {
		t.Error("a table entry replaces the fallback, it does not merge")
	}

	got, src = table.Select("unknown", fallback)
	if src != SourceConfig || got[OpPost] != 1 {
		t.Errorf("unknown build = %v from %s", got, src)
	}
	got[OpPost] = 99
	if fallback[OpPost] != 1 {
		t.Error("Select must return a copy")
	}

	var none *OffsetTable
	if _, src := none.Select("bafkreiaaaa", fallback); src != SourceConfig {
		t.Errorf("nil table source = %s", src)
	}
}

func TestLoadOffsetTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offsets.toml")
	if err := os.WriteFile(path, []byte(offsetTableTOML), 0o600); err != nil {
		t.Fatal(err)
	}
	table, err := LoadOffsetTable(path)
	if err != nil {
		t.Fatalf("LoadOffsetTable failed: %v", err)
	}
	if len(table.Builds) != 2 {
		t.Errorf("builds = %d", len(table.Builds))
	}

	_, err = LoadOffsetTable(filepath.Join(t.TempDir(), "missing.toml"))
	if !errors.Is(err, errors.Category(errors.PhaseConfig, errors.KindNotFound)) {
		t.Errorf("missing file: %v", err)
	}
}

func TestResolver(t *testing.T) {
	r := NewResolver(nepsign.Module{Base: 0x40000000, Size: 0x300000}, Offsets{OpPost: 0x200b0c})

	addr, err := r.Resolve(OpPost)
	if err != nil {
		t.Fatal(err)
	}
	if addr != 0x40200b0c {
		t.Errorf("address = %#x, want 0x40200b0c", addr)
	}

	_, err = r.Resolve(OpGet)
	if !errors.Is(err, errors.Category(errors.PhaseResolve, errors.KindNotFound)) {
		t.Errorf("missing offset: %v", err)
	}
}
