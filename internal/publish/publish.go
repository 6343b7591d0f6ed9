// Package publish implements the publication engine: per-flush setup,
// the per-entry compose/batch loop with its two distinct batch-closing
// policies, topic resolution, start/end markers, and the independent
// schema-publication task.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/user/acctcore"
	"github.com/user/acctcore/internal/pluginmetrics"
	"github.com/user/acctcore/internal/record"
	"github.com/user/acctcore/internal/scheduler"
	"github.com/user/acctcore/pkg/wireschema"
)

func marshalJSON(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// ContentType selects the wire format (`message_broker_output`).
type ContentType int

const (
	Textual ContentType = iota
	Binary
)

// TopicMode selects how the per-message topic is resolved.
type TopicMode int

const (
	StaticTopic TopicMode = iota
	DynamicTopic
	RoundRobinTopic
)

// flushState is an explicit state machine, modeled here rather than
// hidden in control flow. It is tracked in a local variable inside
// Flush and is not exposed outside the engine.
type flushState int

const (
	stateIdle flushState = iota
	stateComposing
	stateBatching
	statePublishing
)

// Config carries everything the engine needs to run one flush, mapped
// 1:1 from the recognized options this component consumes.
type Config struct {
	ContentType ContentType
	TopicMode   TopicMode
	Topic       string   // static topic, or the `$`-template for dynamic/round-robin
	RRTopics    []string // round-robin topic list, when TopicMode == RoundRobinTopic
	Partition   int
	MultiValues int // sql_multi_values; 0 disables batching
	BufferSize  int // avro_buffer_size, binary mode only
	PrintMarkers bool
	WriterName  string
	WriterPID   int
	TriggerExec string // sql_trigger_exec, run after every flush
}

// Engine is the publication engine: stateless across flushes except
// for the round-robin topic counter, which persists across flushes
// rather than resetting with each one.
type Engine struct {
	cfg      Config
	composer *wireschema.Composer
	logger   acctcore.Logger

	rrIndex int
}

// New builds an Engine bound to one composer (and therefore one
// what_to_count mask) for its lifetime; a config change that alters
// the mask requires a new Engine, matching the C original's "schema is
// fixed for the life of the plugin process" assumption.
func New(cfg Config, composer *wireschema.Composer, logger acctcore.Logger) (*Engine, error) {
	if cfg.TopicMode == DynamicTopic && cfg.MultiValues > 0 {
		return nil, fmt.Errorf("publish: incompatible config: dynamic topic with multi_values batching")
	}
	if cfg.TopicMode == DynamicTopic && len(cfg.RRTopics) > 0 {
		return nil, fmt.Errorf("publish: incompatible config: dynamic topic with round-robin topics")
	}
	if cfg.ContentType == Binary && cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("publish: binary mode requires a positive avro_buffer_size")
	}
	return &Engine{cfg: cfg, composer: composer, logger: logger}, nil
}

// Result summarizes one flush: QN never exceeds EntriesSeen.
type Result struct {
	QN          int
	EntriesSeen int
}

// Flush runs one flush end to end: start marker, per-entry
// compose+batch, topic resolution, publish, end marker. client is
// opened fresh by the caller for this flush alone and closed here on
// every exit path.
func (e *Engine) Flush(ctx context.Context, client acctcore.BrokerProducer, queue []*record.Entry) (Result, error) {
	defer client.Close()

	state := stateIdle
	started := time.Now()
	res := Result{}
	defer func() {
		pluginmetrics.EntriesSeen.Add(float64(res.EntriesSeen))
		pluginmetrics.QN.Add(float64(res.QN))
		pluginmetrics.FlushDuration.Observe(time.Since(started).Seconds())
	}()

	state = stateComposing
	if e.cfg.PrintMarkers && e.cfg.ContentType == Textual {
		if err := e.publishMarker(ctx, client, "purge_init", 0, 0, 0); err != nil {
			return res, fmt.Errorf("publish: start marker: %w", err)
		}
	}

	switch e.cfg.ContentType {
	case Textual:
		err := e.flushTextual(ctx, client, queue, &res, &state)
		if err != nil {
			return res, err
		}
	case Binary:
		err := e.flushBinary(ctx, client, queue, &res, &state)
		if err != nil {
			return res, err
		}
	default:
		return res, fmt.Errorf("publish: unsupported content type %v", e.cfg.ContentType)
	}

	state = stateIdle
	if e.cfg.PrintMarkers && e.cfg.ContentType == Textual {
		dur := time.Since(started).Seconds()
		if err := e.publishMarker(ctx, client, "purge_close", res.QN, res.EntriesSeen, dur); err != nil {
			return res, fmt.Errorf("publish: end marker: %w", err)
		}
	}

	e.triggerExec()
	return res, nil
}

func (e *Engine) flushTextual(ctx context.Context, client acctcore.BrokerProducer, queue []*record.Entry, res *Result, state *flushState) error {
	*state = stateBatching
	var batch []map[string]interface{}

	for _, ent := range queue {
		if ent.State != record.Committed {
			continue
		}
		res.EntriesSeen++
		obj := e.composer.ComposeTextual(ent, e.cfg.WriterName, e.cfg.WriterPID)

		if e.cfg.MultiValues <= 0 {
			topic := e.resolveTopic(ent)
			if err := e.publishJSON(ctx, client, topic, obj); err != nil {
				return err
			}
			res.QN++
			continue
		}

		batch = append(batch, obj)
		if len(batch) >= e.cfg.MultiValues {
			topic := e.resolveTopic(ent)
			*state = statePublishing
			if err := e.publishJSONArray(ctx, client, topic, batch); err != nil {
				return err
			}
			res.QN += len(batch)
			batch = batch[:0]
			*state = stateBatching
		}
	}

	if len(batch) > 0 {
		topic := e.staticOrLastTopic(queue)
		*state = statePublishing
		if err := e.publishJSONArray(ctx, client, topic, batch); err != nil {
			return err
		}
		res.QN += len(batch)
	}
	return nil
}

func (e *Engine) flushBinary(ctx context.Context, client acctcore.BrokerProducer, queue []*record.Entry, res *Result, state *flushState) error {
	*state = stateBatching
	buf := make([]byte, 0, e.cfg.BufferSize)
	var lastEntry *record.Entry
	var valuesInBuf int

	i := 0
	for i < len(queue) {
		ent := queue[i]
		if ent.State != record.Committed {
			i++
			continue
		}

		val, err := e.composer.ComposeBinary(ent)
		if err != nil {
			return fmt.Errorf("publish: compose binary entry: %w", err)
		}
		if len(val) > e.cfg.BufferSize {
			return fmt.Errorf("publish: binary value of %d bytes exceeds buffer size %d", len(val), e.cfg.BufferSize)
		}

		bufferFull := len(buf) > 0 && len(val) >= e.cfg.BufferSize-len(buf)
		if bufferFull {
			*state = statePublishing
			topic := e.resolveTopic(lastEntry)
			if err := e.publishRaw(ctx, client, topic, buf); err != nil {
				return err
			}
			res.QN += valuesInBuf
			buf = buf[:0]
			valuesInBuf = 0
			*state = stateBatching
			continue // reprocess the same index against the fresh buffer
		}

		buf = append(buf, val...)
		valuesInBuf++
		lastEntry = ent
		res.EntriesSeen++
		i++

		closeNow := e.cfg.MultiValues <= 0 || valuesInBuf >= e.cfg.MultiValues
		if closeNow {
			*state = statePublishing
			topic := e.resolveTopic(lastEntry)
			if err := e.publishRaw(ctx, client, topic, buf); err != nil {
				return err
			}
			res.QN += valuesInBuf
			buf = buf[:0]
			valuesInBuf = 0
			*state = stateBatching
		}
	}

	if valuesInBuf > 0 {
		*state = statePublishing
		topic := e.resolveTopic(lastEntry)
		if err := e.publishRaw(ctx, client, topic, buf); err != nil {
			return err
		}
		res.QN += valuesInBuf
	}
	return nil
}

// resolveTopic picks the destination topic for one outbound message.
func (e *Engine) resolveTopic(ent *record.Entry) string {
	switch e.cfg.TopicMode {
	case DynamicTopic:
		return substituteTopic(e.cfg.Topic, ent)
	case RoundRobinTopic:
		if len(e.cfg.RRTopics) == 0 {
			return e.cfg.Topic
		}
		t := e.cfg.RRTopics[e.rrIndex%len(e.cfg.RRTopics)]
		e.rrIndex++
		return t
	default:
		return e.cfg.Topic
	}
}

// staticOrLastTopic resolves a topic for the trailing partial textual
// batch, which has no single owning entry: the next round-robin topic in
// round-robin mode, the static topic otherwise. No entry is consulted,
// since dynamic mode never batches (enforced at New time).
func (e *Engine) staticOrLastTopic(queue []*record.Entry) string {
	if e.cfg.TopicMode == RoundRobinTopic && len(e.cfg.RRTopics) > 0 {
		t := e.cfg.RRTopics[e.rrIndex%len(e.cfg.RRTopics)]
		e.rrIndex++
		return t
	}
	return e.cfg.Topic
}

func substituteTopic(template string, ent *record.Entry) string {
	replacer := strings.NewReplacer(
		"$peer_src_ip", ent.Primitive.SrcAddr.String(),
		"$peer_dst_ip", ent.Primitive.DstAddr.String(),
	)
	return replacer.Replace(template)
}

func (e *Engine) publishMarker(ctx context.Context, client acctcore.BrokerProducer, event string, qn, entriesSeen int, durSeconds float64) error {
	obj := map[string]interface{}{
		"event":       event,
		"writer_name": e.cfg.WriterName,
		"writer_pid":  e.cfg.WriterPID,
	}
	if event == "purge_close" {
		obj["qn"] = qn
		obj["entries_seen"] = entriesSeen
		obj["duration_seconds"] = durSeconds
	}
	return e.publishJSON(ctx, client, e.cfg.Topic, obj)
}

func (e *Engine) publishJSON(ctx context.Context, client acctcore.BrokerProducer, topic string, obj map[string]interface{}) error {
	b, err := marshalJSON(obj)
	if err != nil {
		return fmt.Errorf("publish: marshal textual record: %w", err)
	}
	return e.produce(ctx, client, topic, b)
}

func (e *Engine) publishJSONArray(ctx context.Context, client acctcore.BrokerProducer, topic string, batch []map[string]interface{}) error {
	b, err := marshalJSON(batch)
	if err != nil {
		return fmt.Errorf("publish: marshal textual batch: %w", err)
	}
	return e.produce(ctx, client, topic, b)
}

func (e *Engine) publishRaw(ctx context.Context, client acctcore.BrokerProducer, topic string, b []byte) error {
	cp := make([]byte, len(b))
	copy(cp, b)
	return e.produce(ctx, client, topic, cp)
}

func (e *Engine) produce(ctx context.Context, client acctcore.BrokerProducer, topic string, value []byte) error {
	msg := acctcore.BrokerMessage{Topic: topic, Partition: e.cfg.Partition, Value: value}
	if err := client.Produce(ctx, msg); err != nil {
		pluginmetrics.PublishErrors.Inc()
		return fmt.Errorf("publish: broker produce to %s: %w", topic, err)
	}
	return nil
}

// triggerExec runs the configured post-flush hook (`sql_trigger_exec`),
// non-fatal on failure.
func (e *Engine) triggerExec() {
	if e.cfg.TriggerExec == "" {
		return
	}
	cmd := exec.Command("/bin/sh", "-c", e.cfg.TriggerExec)
	if err := cmd.Run(); err != nil && e.logger != nil {
		e.logger.Warn("trigger exec failed", "command", e.cfg.TriggerExec, "error", err)
	}
}

// RunSchemaTask is independently driven by its own deadline: it
// publishes the current schema's JSON form as one textual message to
// schemaTopic, regardless of flush cadence.
func RunSchemaTask(ctx context.Context, client acctcore.BrokerProducer, schemaTopic string, schema *wireschema.Schema) error {
	defer client.Close()
	msg := acctcore.BrokerMessage{Topic: schemaTopic, Value: []byte(schema.JSON())}
	if err := client.Produce(ctx, msg); err != nil {
		return fmt.Errorf("publish: schema publication to %s: %w", schemaTopic, err)
	}
	return nil
}

// NextSchemaDeadline is a thin pass-through kept here (rather than
// duplicated in cmd/acctexport) so the ingest loop can fold the schema
// task's deadline into its single wait timeout alongside the flush and
// reconnect deadlines.
func NextSchemaDeadline(d scheduler.Deadline, now time.Time) scheduler.Deadline {
	if d.Elapsed(now) {
		return d.Advance(now)
	}
	return d
}
