// Package config loads and validates the plugin's recognized options:
// a nested-struct-with-yaml-tags shape, a `${VAR}` / `${VAR:-default}`
// environment-substitution pass before unmarshaling, and a "try YAML,
// then JSON" decode fallback.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/user/acctcore/internal/cache"
	"github.com/user/acctcore/internal/record"
)

// Config is the full set of recognized options, constructed once at
// startup and threaded explicitly through every collaborator rather
// than read from a process-wide global.
type Config struct {
	Broker      BrokerConfig      `yaml:"broker"`
	Output      OutputConfig      `yaml:"output"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Ring        RingConfig        `yaml:"ring"`
	Fallback    FallbackConfig    `yaml:"fallback"`
	Tables      TablesConfig      `yaml:"tables"`
	Aggregation AggregationConfig `yaml:"aggregation"`
}

// AggregationConfig selects the cache's insert policy and the
// fingerprint mask used to key it. Not one of the publication-facing
// options; this core still needs a concrete way to select it, so it is
// modeled as its own config section.
type AggregationConfig struct {
	Policy      string   `yaml:"aggregation_policy"` // sum_host, sum_net, sum_port, sum_as, sum_mac, or "" (per-fingerprint, default)
	WhatToCount []string `yaml:"what_to_count"`      // field names selected into the fingerprint
}

// BrokerConfig covers sql_host/kafka_broker_port and the topic/
// partition fields the broker clients consume.
type BrokerConfig struct {
	Type           string `yaml:"message_broker_type"` // "kafka" (default) or "amqp"
	Host           string `yaml:"sql_host"`
	Port           int    `yaml:"kafka_broker_port"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	Table          string `yaml:"sql_table"`          // topic/routing key, or a `$`-template
	RoutingKeyRR   int    `yaml:"amqp_routing_key_rr"` // round-robin period across topic/routing-key list
	Partition      int    `yaml:"kafka_partition"`
	PartitionKeyed bool   `yaml:"kafka_partition_key"`
	AMQPURL        string `yaml:"amqp_broker_url"`
	AMQPExchange   string `yaml:"amqp_exchange"`
}

// OutputConfig covers message_broker_output and the batching/schema
// fields the publication engine consumes.
type OutputConfig struct {
	BrokerOutput       string `yaml:"message_broker_output"` // "textual" (default) or "binary"
	MultiValues        int    `yaml:"sql_multi_values"`
	AvroSchemaTopic    string `yaml:"kafka_avro_schema_topic"`
	AvroSchemaRefresh  string `yaml:"kafka_avro_schema_refresh_time"`
	AvroSchemaOutFile  string `yaml:"avro_schema_output_file"`
	AvroBufferSize     int    `yaml:"avro_buffer_size"`
	PrintMarkers       bool   `yaml:"print_markers"`
	SQLTriggerExec     string `yaml:"sql_trigger_exec"`
}

// ScheduleConfig covers the refresh-deadline cadence fields consumed
// by internal/scheduler.
type ScheduleConfig struct {
	RefreshTime      string `yaml:"sql_refresh_time"`
	StartupDelay     string `yaml:"sql_startup_delay"`
	HistoryRoundoff  string `yaml:"sql_history_roundoff"` // "s", "m", "h", "d", "monthly"
	History          bool   `yaml:"sql_history"`
	HistoryHowMany   int    `yaml:"sql_history_howmany"`
}

// RingConfig sizes the shared-memory ring consumer (internal/ringbuf).
type RingConfig struct {
	BufSz            uint32 `yaml:"ring_bufsz"`
	MaxErrBeforeWarn int    `yaml:"ring_max_err_before_warn"`
	PipeCheckCorePID bool   `yaml:"pipe_check_core_pid"`
}

// FallbackConfig covers the secondary-transport (RabbitMQ) path.
type FallbackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	URL        string `yaml:"amqp_url"`
	Queue      string `yaml:"amqp_queue"`
	Compressed bool   `yaml:"amqp_zstd_payloads"`
}

// TablesConfig covers the decorator chain's side-table inputs.
type TablesConfig struct {
	NetworksFile       string `yaml:"networks_file"`
	PortsFile          string `yaml:"ports_file"`
	PktLenDistribBins  string `yaml:"pkt_len_distrib_bins_str"`
}

// Default sizing, mirroring the original plugin's LARGEBUFLEN fallback
// for avro_buffer_size when left unset.
const DefaultAvroBufferSize = 1 << 16

// Load reads, environment-substitutes, and unmarshals the config file
// at path, then runs startup validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	content := SubstituteEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		if jsonErr := json.Unmarshal([]byte(content), &cfg); jsonErr != nil {
			return nil, fmt.Errorf("config: decode %s (tried YAML and JSON): %w", path, err)
		}
	}

	if cfg.Output.AvroBufferSize <= 0 {
		cfg.Output.AvroBufferSize = DefaultAvroBufferSize
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces known option incompatibilities as fatal startup
// errors.
func (c *Config) Validate() error {
	dynamicTopic := strings.Contains(c.Broker.Table, "$")

	if dynamicTopic && c.Output.MultiValues > 0 {
		return fmt.Errorf("config: incompatible: dynamic topic (%q) with sql_multi_values batching", c.Broker.Table)
	}
	if dynamicTopic && c.Broker.RoutingKeyRR > 0 {
		return fmt.Errorf("config: incompatible: dynamic topic (%q) with round-robin topics", c.Broker.Table)
	}
	switch c.Output.BrokerOutput {
	case "", "textual":
	case "binary":
		if c.Output.AvroBufferSize <= 0 {
			return fmt.Errorf("config: binary output requires a positive avro_buffer_size")
		}
	default:
		return fmt.Errorf("config: unsupported message_broker_output %q", c.Output.BrokerOutput)
	}
	switch c.Broker.Type {
	case "", "kafka", "amqp":
	default:
		return fmt.Errorf("config: unsupported message_broker_type %q", c.Broker.Type)
	}
	return nil
}

// ParseDuration is a small helper around time.ParseDuration: it tries
// Go duration syntax first, falling back to the bare-integer-seconds
// style the original plugin's config keys use.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	var secs int64
	if _, err := fmt.Sscanf(s, "%d", &secs); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return 0, fmt.Errorf("config: cannot parse duration %q", s)
}

var fieldBits = map[string]record.WhatToCount{
	"src_host":        record.CountSrcHost,
	"dst_host":        record.CountDstHost,
	"src_port":        record.CountSrcPort,
	"dst_port":        record.CountDstPort,
	"proto":           record.CountProto,
	"src_as":          record.CountSrcAS,
	"dst_as":          record.CountDstAS,
	"src_net":         record.CountSrcNet,
	"dst_net":         record.CountDstNet,
	"vlan":            record.CountVLAN,
	"mpls_label":      record.CountMPLSLabel,
	"src_mac":         record.CountSrcMAC,
	"dst_mac":         record.CountDstMAC,
	"pkt_len_distrib": record.CountPktLenDistrib,
}

// WhatToCountMask builds the fingerprint mask from the configured
// field name list, defaulting to src/dst host when unset so the cache
// always has a well-defined fingerprint.
func (a AggregationConfig) WhatToCountMask() record.WhatToCount {
	if len(a.WhatToCount) == 0 {
		return record.CountSrcHost | record.CountDstHost
	}
	var mask record.WhatToCount
	for _, name := range a.WhatToCount {
		mask |= fieldBits[name]
	}
	return mask
}

// CachePolicy maps the configured aggregation_policy string to a cache
// InsertPolicy: the five named sum policies plus the per-fingerprint
// default.
func (a AggregationConfig) CachePolicy() cache.InsertPolicy {
	switch a.Policy {
	case "sum_host":
		return cache.SumHost
	case "sum_net":
		return cache.SumNet
	case "sum_port":
		return cache.SumPort
	case "sum_as":
		return cache.SumAS
	case "sum_mac":
		return cache.SumMAC
	default:
		return cache.PerFingerprint
	}
}

var envRegex = regexp.MustCompile(`\${(\w+)(?::-([^}]*))?}`)

// SubstituteEnvVars replaces `${VAR}` / `${VAR:-default}` occurrences
// in a config file's raw text before it is unmarshaled.
func SubstituteEnvVars(input string) string {
	return envRegex.ReplaceAllStringFunc(input, func(m string) string {
		matches := envRegex.FindStringSubmatch(m)
		if len(matches) < 2 {
			return m
		}
		name := matches[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		if len(matches) > 2 && strings.Contains(m, ":-") {
			return matches[2]
		}
		return m
	})
}
