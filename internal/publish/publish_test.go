package publish

import (
	"context"
	"encoding/json"
	"net/netip"
	"testing"

	"github.com/user/acctcore"
	"github.com/user/acctcore/internal/record"
	"github.com/user/acctcore/pkg/wireschema"
)

// fakeProducer records every message handed to Produce, standing in
// for a real broker client without dialing out.
type fakeProducer struct {
	msgs   []acctcore.BrokerMessage
	closed bool
}

func (f *fakeProducer) Produce(_ context.Context, msg acctcore.BrokerMessage) error {
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeProducer) Close() error {
	f.closed = true
	return nil
}

func mkCommittedEntry(src string, bytes uint64) *record.Entry {
	return &record.Entry{
		Primitive: record.Primitive{SrcAddr: netip.MustParseAddr(src)},
		Counters:  record.Counters{Bytes: bytes, Packets: 1, Flows: 1},
		State:     record.Committed,
	}
}

func TestFlushTextualCleanIngestSingleBatch(t *testing.T) {
	composer, err := wireschema.NewComposer(record.CountSrcHost)
	if err != nil {
		t.Fatalf("NewComposer: %v", err)
	}
	eng, err := New(Config{
		ContentType:  Textual,
		TopicMode:    StaticTopic,
		Topic:        "flows",
		PrintMarkers: true,
		WriterName:   "acctexport",
		WriterPID:    1,
	}, composer, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	queue := []*record.Entry{
		mkCommittedEntry("10.0.0.1", 10),
		mkCommittedEntry("10.0.0.2", 20),
		mkCommittedEntry("10.0.0.3", 30),
	}

	fp := &fakeProducer{}
	res, err := eng.Flush(context.Background(), fp, queue)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if res.QN != 3 || res.EntriesSeen != 3 {
		t.Fatalf("Result = %+v, want QN=3 EntriesSeen=3", res)
	}
	// 1 start marker + 3 records + 1 end marker.
	if len(fp.msgs) != 5 {
		t.Fatalf("published %d messages, want 5", len(fp.msgs))
	}
	if !fp.closed {
		t.Fatalf("broker client was not closed")
	}

	var start map[string]interface{}
	if err := json.Unmarshal(fp.msgs[0].Value, &start); err != nil {
		t.Fatalf("start marker not valid JSON: %v", err)
	}
	if start["event"] != "purge_init" {
		t.Fatalf("first message event = %v, want purge_init", start["event"])
	}

	var end map[string]interface{}
	if err := json.Unmarshal(fp.msgs[4].Value, &end); err != nil {
		t.Fatalf("end marker not valid JSON: %v", err)
	}
	if end["event"] != "purge_close" || end["qn"] != float64(3) {
		t.Fatalf("end marker = %v, want purge_close qn=3", end)
	}
}

func TestFlushTextualMultiValuesBatches(t *testing.T) {
	composer, _ := wireschema.NewComposer(record.CountSrcHost)
	eng, err := New(Config{
		ContentType: Textual,
		TopicMode:   StaticTopic,
		Topic:       "flows",
		MultiValues: 2,
	}, composer, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	queue := []*record.Entry{
		mkCommittedEntry("10.0.0.1", 1),
		mkCommittedEntry("10.0.0.2", 2),
		mkCommittedEntry("10.0.0.3", 3),
		mkCommittedEntry("10.0.0.4", 4),
	}

	fp := &fakeProducer{}
	res, err := eng.Flush(context.Background(), fp, queue)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if res.QN != 4 {
		t.Fatalf("QN = %d, want 4", res.QN)
	}
	if len(fp.msgs) != 2 {
		t.Fatalf("published %d messages, want 2 arrays of 2", len(fp.msgs))
	}
	for _, m := range fp.msgs {
		var arr []map[string]interface{}
		if err := json.Unmarshal(m.Value, &arr); err != nil {
			t.Fatalf("batch not a JSON array: %v", err)
		}
		if len(arr) != 2 {
			t.Fatalf("batch size = %d, want 2", len(arr))
		}
	}
}

func TestFlushBinaryBufferFullRestartsSameIndex(t *testing.T) {
	composer, _ := wireschema.NewComposer(record.CountSrcHost)
	// Determine one encoded value's size up front so the buffer can be
	// sized to hold exactly two values with one byte of slack left over,
	// using this schema's actual encoded width instead of a fixed guess.
	// The one byte of slack keeps the third value's remaining-space
	// check strictly below its size (not equal to it), so this test
	// exercises the buffer-exhausted restart, not the exact-fit boundary
	// (see TestFlushBinaryExactRemainingClosesBeforeAppending for that).
	probe := mkCommittedEntry("10.0.0.1", 1)
	val, err := composer.ComposeBinary(probe)
	if err != nil {
		t.Fatalf("ComposeBinary probe: %v", err)
	}
	packedSize := len(val) * 2
	bufSize := packedSize + 1

	eng, err := New(Config{
		ContentType: Binary,
		TopicMode:   StaticTopic,
		Topic:       "flows-bin",
		BufferSize:  bufSize,
		MultiValues: 1000, // batch by buffer_full only, matching the original plugin's avro path
	}, composer, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	queue := []*record.Entry{
		mkCommittedEntry("10.0.0.1", 1),
		mkCommittedEntry("10.0.0.2", 2),
		mkCommittedEntry("10.0.0.3", 3),
		mkCommittedEntry("10.0.0.4", 4),
	}

	fp := &fakeProducer{}
	res, err := eng.Flush(context.Background(), fp, queue)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if res.QN != 4 || res.EntriesSeen != 4 {
		t.Fatalf("Result = %+v, want QN=4 EntriesSeen=4", res)
	}
	if len(fp.msgs) != 2 {
		t.Fatalf("published %d messages, want 2 (two values per buffer)", len(fp.msgs))
	}
	for _, m := range fp.msgs {
		if len(m.Value) != packedSize {
			t.Fatalf("message size = %d, want exactly %d (two packed values)", len(m.Value), packedSize)
		}
	}
}

// TestFlushBinaryExactRemainingClosesBeforeAppending covers the
// boundary the restart test above deliberately avoids: a value whose
// size exactly equals the nonzero space left in the buffer must close
// and reprocess into a fresh buffer rather than being packed into the
// same one.
func TestFlushBinaryExactRemainingClosesBeforeAppending(t *testing.T) {
	composer, _ := wireschema.NewComposer(record.CountSrcHost)
	probe := mkCommittedEntry("10.0.0.1", 1)
	val, err := composer.ComposeBinary(probe)
	if err != nil {
		t.Fatalf("ComposeBinary probe: %v", err)
	}
	// Sized for exactly two values: after the first is appended, the
	// remaining space (bufSize - len(val)) equals len(val) exactly.
	bufSize := len(val) * 2

	eng, err := New(Config{
		ContentType: Binary,
		TopicMode:   StaticTopic,
		Topic:       "flows-bin",
		BufferSize:  bufSize,
		MultiValues: 1000,
	}, composer, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	queue := []*record.Entry{
		mkCommittedEntry("10.0.0.1", 1),
		mkCommittedEntry("10.0.0.2", 2),
	}

	fp := &fakeProducer{}
	res, err := eng.Flush(context.Background(), fp, queue)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if res.QN != 2 || res.EntriesSeen != 2 {
		t.Fatalf("Result = %+v, want QN=2 EntriesSeen=2", res)
	}
	// Each value exactly fills the space left after the previous one,
	// so each must close its own buffer instead of being packed two to
	// a message.
	if len(fp.msgs) != 2 {
		t.Fatalf("published %d messages, want 2 (one value per buffer)", len(fp.msgs))
	}
	for _, m := range fp.msgs {
		if len(m.Value) != len(val) {
			t.Fatalf("message size = %d, want exactly %d (one value, not packed)", len(m.Value), len(val))
		}
	}
}

func TestFlushDynamicTopicSubstitutesPerEntry(t *testing.T) {
	composer, _ := wireschema.NewComposer(record.CountSrcHost)
	eng, err := New(Config{
		ContentType: Textual,
		TopicMode:   DynamicTopic,
		Topic:       "flows.$peer_src_ip",
	}, composer, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	queue := []*record.Entry{
		mkCommittedEntry("10.0.0.1", 1),
		mkCommittedEntry("10.0.0.2", 2),
	}
	fp := &fakeProducer{}
	if _, err := eng.Flush(context.Background(), fp, queue); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(fp.msgs) != 2 {
		t.Fatalf("published %d messages, want 2", len(fp.msgs))
	}
	if fp.msgs[0].Topic != "flows.10.0.0.1" || fp.msgs[1].Topic != "flows.10.0.0.2" {
		t.Fatalf("topics = %q, %q, want per-entry substitution", fp.msgs[0].Topic, fp.msgs[1].Topic)
	}
}

func TestNewRejectsDynamicTopicWithMultiValues(t *testing.T) {
	composer, _ := wireschema.NewComposer(record.CountSrcHost)
	_, err := New(Config{ContentType: Textual, TopicMode: DynamicTopic, Topic: "a.$x", MultiValues: 2}, composer, nil)
	if err == nil {
		t.Fatalf("expected incompatible-config error for dynamic topic + multi_values")
	}
}

func TestFlushZeroEntryWithMarkersProducesTwoMessages(t *testing.T) {
	composer, _ := wireschema.NewComposer(record.CountSrcHost)
	eng, err := New(Config{ContentType: Textual, TopicMode: StaticTopic, Topic: "flows", PrintMarkers: true}, composer, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	fp := &fakeProducer{}
	res, err := eng.Flush(context.Background(), fp, nil)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if res.QN != 0 {
		t.Fatalf("QN = %d, want 0", res.QN)
	}
	if len(fp.msgs) != 2 {
		t.Fatalf("published %d messages, want exactly 2 (start+end markers)", len(fp.msgs))
	}
}

func TestRunSchemaTaskPublishesSchemaJSON(t *testing.T) {
	composer, _ := wireschema.NewComposer(record.CountSrcHost)
	fp := &fakeProducer{}
	if err := RunSchemaTask(context.Background(), fp, "schema-topic", composer.Schema()); err != nil {
		t.Fatalf("RunSchemaTask: %v", err)
	}
	if len(fp.msgs) != 1 || fp.msgs[0].Topic != "schema-topic" {
		t.Fatalf("expected exactly one message on schema-topic, got %+v", fp.msgs)
	}
	if !fp.closed {
		t.Fatalf("schema task client was not closed")
	}
}
