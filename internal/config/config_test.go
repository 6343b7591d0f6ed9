package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plugin.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadSubstitutesEnvVars(t *testing.T) {
	t.Setenv("ACCT_HOST", "broker.example.com")
	path := writeTemp(t, "broker:\n  sql_host: \"${ACCT_HOST}\"\n  kafka_broker_port: 9092\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker.Host != "broker.example.com" {
		t.Fatalf("Host = %q, want substituted value", cfg.Broker.Host)
	}
}

func TestLoadAppliesDefaultWithFallback(t *testing.T) {
	path := writeTemp(t, "broker:\n  sql_host: \"${ACCT_MISSING:-localhost}\"\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker.Host != "localhost" {
		t.Fatalf("Host = %q, want fallback localhost", cfg.Broker.Host)
	}
}

func TestValidateRejectsDynamicTopicWithMultiValues(t *testing.T) {
	path := writeTemp(t, "broker:\n  sql_table: \"flows.$peer_src_ip\"\noutput:\n  sql_multi_values: 10\n")

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected incompatible-config error")
	}
}

func TestValidateRejectsUnsupportedOutputMode(t *testing.T) {
	path := writeTemp(t, "output:\n  message_broker_output: xml\n")

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected unsupported output mode error")
	}
}

func TestValidateRejectsUnsupportedBrokerType(t *testing.T) {
	path := writeTemp(t, "broker:\n  message_broker_type: rocketmq\n")

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected unsupported message_broker_type error")
	}
}

func TestLoadDefaultsAvroBufferSize(t *testing.T) {
	path := writeTemp(t, "output:\n  message_broker_output: textual\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Output.AvroBufferSize != DefaultAvroBufferSize {
		t.Fatalf("AvroBufferSize = %d, want default %d", cfg.Output.AvroBufferSize, DefaultAvroBufferSize)
	}
}
