package wireschema

import (
	"encoding/json"
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/user/acctcore/internal/record"
)

func mkEntry(src, dst string, bytes uint64) *record.Entry {
	return &record.Entry{
		Primitive: record.Primitive{
			SrcAddr: netip.MustParseAddr(src),
			DstAddr: netip.MustParseAddr(dst),
		},
		Counters: record.Counters{Bytes: bytes, Packets: 1, Flows: 1},
		State:    record.Committed,
		Basetime: 1700000000,
	}
}

func TestBuildDerivesFieldsFromMask(t *testing.T) {
	what := record.CountSrcHost | record.CountDstPort
	s, err := Build(what)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	var names []string
	for _, f := range s.Fields {
		names = append(names, f.name)
	}
	wantPresent := map[string]bool{"src_host": true, "dst_port": true, "bytes": true}
	for name := range wantPresent {
		found := false
		for _, n := range names {
			if n == name {
				found = true
			}
		}
		if !found {
			t.Fatalf("field %q missing from derived schema, got %v", name, names)
		}
	}
	for _, absent := range []string{"dst_host", "src_port"} {
		for _, n := range names {
			if n == absent {
				t.Fatalf("field %q should not be present for mask %v", absent, what)
			}
		}
	}
}

func TestComposeTextualAttachesWriterIdentity(t *testing.T) {
	c, err := NewComposer(record.CountSrcHost | record.CountDstHost)
	if err != nil {
		t.Fatalf("NewComposer: %v", err)
	}
	e := mkEntry("10.0.0.1", "10.0.0.2", 500)

	obj := c.ComposeTextual(e, "acctexport", 4242)
	if obj["src_host"] != "10.0.0.1" {
		t.Fatalf("src_host = %v, want 10.0.0.1", obj["src_host"])
	}
	if obj["writer_name"] != "acctexport" || obj["writer_pid"] != 4242 {
		t.Fatalf("writer identity missing: %v", obj)
	}
	if obj["bytes"] != int64(500) {
		t.Fatalf("bytes = %v, want 500", obj["bytes"])
	}
}

func TestComposeBinaryRoundTripsThroughAvro(t *testing.T) {
	c, err := NewComposer(record.CountSrcHost)
	if err != nil {
		t.Fatalf("NewComposer: %v", err)
	}
	e := mkEntry("192.168.1.1", "192.168.1.2", 100)

	b, err := c.ComposeBinary(e)
	if err != nil {
		t.Fatalf("ComposeBinary: %v", err)
	}
	if len(b) == 0 {
		t.Fatalf("ComposeBinary returned empty bytes")
	}
}

func TestDumpToFileWritesValidJSON(t *testing.T) {
	s, err := Build(record.CountSrcHost)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	path := filepath.Join(t.TempDir(), "schema.json")
	if err := DumpToFile(path, s); err != nil {
		t.Fatalf("DumpToFile: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("dumped schema is not valid JSON: %v", err)
	}
	if m["type"] != "record" {
		t.Fatalf("dumped schema type = %v, want record", m["type"])
	}
}
