// Package wireschema builds the two wire composers of the publication
// engine: a textual self-describing object composer and a binary
// schema-governed composer backed by an Avro schema, wrapping
// hamba/avro the same way the project's other schema-governed sinks do.
package wireschema

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/hamba/avro/v2"

	"github.com/user/acctcore/internal/record"
)

// fieldSpec is one field of the derived schema: the wire name plus the
// counting-mask bit that turns it on. maskFields lists them in a fixed
// order of its own, which is not the order record.Compute concatenates
// fingerprint bytes in.
type fieldSpec struct {
	name string
	bit  record.WhatToCount // zero means "always present"
	typ  string              // avro primitive type name
}

var maskFields = []fieldSpec{
	{"src_host", record.CountSrcHost, "string"},
	{"dst_host", record.CountDstHost, "string"},
	{"src_port", record.CountSrcPort, "int"},
	{"dst_port", record.CountDstPort, "int"},
	{"proto", record.CountProto, "int"},
	{"src_as", record.CountSrcAS, "long"},
	{"dst_as", record.CountDstAS, "long"},
	{"src_net", record.CountSrcNet, "string"},
	{"dst_net", record.CountDstNet, "string"},
	{"vlan", record.CountVLAN, "int"},
	{"mpls_label", record.CountMPLSLabel, "long"},
	{"src_mac", record.CountSrcMAC, "string"},
	{"dst_mac", record.CountDstMAC, "string"},
	{"pkt_len_distrib", record.CountPktLenDistrib, "string"},
}

// always-present counter/stitch/basetime fields, appended after the
// mask-derived fields in every schema.
var counterFields = []fieldSpec{
	{"bytes", 0, "long"},
	{"packets", 0, "long"},
	{"flows", 0, "long"},
	{"first_seen", 0, "long"},
	{"last_seen", 0, "long"},
	{"basetime", 0, "long"},
}

// Schema is the derived wire schema for one what_to_count mask: the
// ordered field list plus its parsed Avro form for binary mode.
type Schema struct {
	What   record.WhatToCount
	Fields []fieldSpec
	avro   avro.Schema
	raw    string
}

// Build derives the wire schema from a counting mask: field names are
// derived from the active counting mask.
func Build(what record.WhatToCount) (*Schema, error) {
	s := &Schema{What: what}
	for _, f := range maskFields {
		if f.bit == 0 || what&f.bit != 0 {
			s.Fields = append(s.Fields, f)
		}
	}
	s.Fields = append(s.Fields, counterFields...)

	raw, err := s.buildAvroJSON()
	if err != nil {
		return nil, fmt.Errorf("wireschema: build avro schema: %w", err)
	}
	parsed, err := avro.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("wireschema: parse avro schema: %w", err)
	}
	s.raw = raw
	s.avro = parsed
	return s, nil
}

type avroField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type avroRecord struct {
	Type   string      `json:"type"`
	Name   string      `json:"name"`
	Fields []avroField `json:"fields"`
}

func (s *Schema) buildAvroJSON() (string, error) {
	rec := avroRecord{Type: "record", Name: "acctrecord"}
	for _, f := range s.Fields {
		rec.Fields = append(rec.Fields, avroField{Name: f.name, Type: f.typ})
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// JSON returns the schema's JSON text, used both by DumpToFile and by
// the periodic schema-publication task.
func (s *Schema) JSON() string { return s.raw }

// DumpToFile writes the schema's JSON form to path exactly once, for
// the `avro_schema_output_file` option. Failure is fatal to the
// process.
func DumpToFile(path string, s *Schema) error {
	if err := os.WriteFile(path, []byte(s.JSON()), 0o644); err != nil {
		return fmt.Errorf("wireschema: dump schema to %s: %w", path, err)
	}
	return nil
}

// fieldValues extracts the wire-ready field->value map for an entry,
// shared by both composers so that the textual and binary outputs
// always agree on which fields are present: composing then parsing
// yields field values equal to the original primitives and counters.
func fieldValues(e *record.Entry, what record.WhatToCount) map[string]interface{} {
	p := &e.Primitive
	v := make(map[string]interface{}, len(maskFields)+len(counterFields))

	if what&record.CountSrcHost != 0 {
		v["src_host"] = p.SrcAddr.String()
	}
	if what&record.CountDstHost != 0 {
		v["dst_host"] = p.DstAddr.String()
	}
	if what&record.CountSrcPort != 0 {
		v["src_port"] = int(p.SrcPort)
	}
	if what&record.CountDstPort != 0 {
		v["dst_port"] = int(p.DstPort)
	}
	if what&record.CountProto != 0 {
		v["proto"] = int(p.Proto)
	}
	if what&record.CountSrcAS != 0 && p.BGP != nil {
		v["src_as"] = int64(p.BGP.SrcAS)
	} else if what&record.CountSrcAS != 0 {
		v["src_as"] = int64(0)
	}
	if what&record.CountDstAS != 0 && p.BGP != nil {
		v["dst_as"] = int64(p.BGP.DstAS)
	} else if what&record.CountDstAS != 0 {
		v["dst_as"] = int64(0)
	}
	if what&record.CountSrcNet != 0 {
		v["src_net"] = p.SrcNetLabel
	}
	if what&record.CountDstNet != 0 {
		v["dst_net"] = p.DstNetLabel
	}
	if what&record.CountVLAN != 0 {
		v["vlan"] = int(p.VLAN)
	}
	if what&record.CountMPLSLabel != 0 && p.MPLS != nil {
		v["mpls_label"] = int64(p.MPLS.Label)
	} else if what&record.CountMPLSLabel != 0 {
		v["mpls_label"] = int64(0)
	}
	if what&record.CountSrcMAC != 0 {
		v["src_mac"] = macString(p.SrcMAC)
	}
	if what&record.CountDstMAC != 0 {
		v["dst_mac"] = macString(p.DstMAC)
	}
	if what&record.CountPktLenDistrib != 0 {
		v["pkt_len_distrib"] = p.LengthBin
	}

	v["bytes"] = int64(e.Counters.Bytes)
	v["packets"] = int64(e.Counters.Packets)
	v["flows"] = int64(e.Counters.Flows)
	v["first_seen"] = e.Stitch.FirstSeen
	v["last_seen"] = e.Stitch.LastSeen
	v["basetime"] = e.Basetime

	return v
}

func macString(mac [6]byte) string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
}

// Composer builds wire records in both content-type modes against a
// single derived Schema.
type Composer struct {
	schema *Schema
}

// NewComposer builds a Composer for the given counting mask.
func NewComposer(what record.WhatToCount) (*Composer, error) {
	s, err := Build(what)
	if err != nil {
		return nil, err
	}
	return &Composer{schema: s}, nil
}

// Schema exposes the composer's derived schema, needed by the
// schema-publication task.
func (c *Composer) Schema() *Schema { return c.schema }

// ComposeTextual builds the self-describing object for one entry,
// additionally attaching writer_name and writer_pid.
func (c *Composer) ComposeTextual(e *record.Entry, writerName string, writerPID int) map[string]interface{} {
	v := fieldValues(e, c.schema.What)
	v["writer_name"] = writerName
	v["writer_pid"] = writerPID
	return v
}

// ComposeBinary Avro-encodes one entry's value under the composer's
// schema. The returned bytes are what the publish engine packs into
// the backing buffer.
func (c *Composer) ComposeBinary(e *record.Entry) ([]byte, error) {
	v := fieldValues(e, c.schema.What)
	b, err := avro.Marshal(c.schema.avro, v)
	if err != nil {
		return nil, fmt.Errorf("wireschema: avro encode: %w", err)
	}
	return b, nil
}
