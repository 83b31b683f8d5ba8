package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/orneryd/nornicqe/pkg/replication"
	"github.com/orneryd/nornicqe/pkg/storage"
)

// =============================================================================
// parseMemorySize Tests
// =============================================================================

func TestParseMemorySize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int64
	}{
		{"bytes numeric", "1024", 1024},
		{"bytes with B suffix", "1024B", 1024},
		{"kilobytes KB", "1KB", 1024},
		{"kilobytes lowercase", "512kb", 512 * 1024},
		{"megabytes M", "1M", 1024 * 1024},
		{"megabytes lowercase", "512mb", 512 * 1024 * 1024},
		{"gigabytes G", "2G", 2 * 1024 * 1024 * 1024},
		{"terabytes TB", "1TB", 1024 * 1024 * 1024 * 1024},
		{"zero", "0", 0},
		{"unlimited", "Unlimited", 0},
		{"empty string", "", 0},
		{"whitespace", "  2GB  ", 2 * 1024 * 1024 * 1024},
		{"invalid chars", "abc", 0},
		// Negative values parse; Validate rejects them
		{"negative", "-1GB", -1 * 1024 * 1024 * 1024},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseMemorySize(tt.input); got != tt.want {
				t.Errorf("parseMemorySize(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestFormatMemorySize(t *testing.T) {
	tests := []struct {
		input int64
		want  string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1.00 KB"},
		{1536, "1.50 KB"},
		{1024 * 1024, "1.00 MB"},
		{2 * 1024 * 1024 * 1024, "2.00 GB"},
		{1024 * 1024 * 1024 * 1024, "1.00 TB"},
	}

	for _, tt := range tests {
		if got := FormatMemorySize(tt.input); got != tt.want {
			t.Errorf("FormatMemorySize(%d) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

// =============================================================================
// Loading Tests
// =============================================================================

func TestLoadFromEnv_Defaults(t *testing.T) {
	cfg := LoadFromEnv()

	if cfg.Server.BoltPort != 7687 {
		t.Errorf("BoltPort = %d, want 7687", cfg.Server.BoltPort)
	}
	if cfg.Database.DefaultDatabase != "neo4j" {
		t.Errorf("DefaultDatabase = %q, want neo4j", cfg.Database.DefaultDatabase)
	}
	if cfg.Server.AdvertisedAddress != "localhost:7687" {
		t.Errorf("AdvertisedAddress = %q, want localhost:7687", cfg.Server.AdvertisedAddress)
	}
	if cfg.Memory.QueryMemoryLimit != 0 {
		t.Errorf("QueryMemoryLimit = %d, want 0 (unlimited)", cfg.Memory.QueryMemoryLimit)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	t.Setenv("NEO4J_AUTH", "neo4j/supersecret")
	t.Setenv("NEO4J_dbms_connector_bolt_listen__address_port", "7999")
	t.Setenv("NEO4J_dbms_transaction_timeout", "45")
	t.Setenv("NORNICQE_QUERY_MEMORY_LIMIT", "512MB")
	t.Setenv("NORNICQE_DEFAULT_ISOLATION", "READ_COMMITTED")
	t.Setenv("NORNICQE_IN_MEMORY", "yes")

	cfg := LoadFromEnv()

	if !cfg.Auth.Enabled || cfg.Auth.InitialUsername != "neo4j" || cfg.Auth.InitialPassword != "supersecret" {
		t.Errorf("auth = %+v, want enabled neo4j/supersecret", cfg.Auth)
	}
	if cfg.Server.BoltPort != 7999 {
		t.Errorf("BoltPort = %d, want 7999", cfg.Server.BoltPort)
	}
	if cfg.Database.TransactionTimeout != 45*time.Second {
		t.Errorf("TransactionTimeout = %v, want 45s", cfg.Database.TransactionTimeout)
	}
	if cfg.Memory.QueryMemoryLimit != 512*1024*1024 {
		t.Errorf("QueryMemoryLimit = %d, want 512MB", cfg.Memory.QueryMemoryLimit)
	}
	if !cfg.Database.InMemory {
		t.Error("InMemory should be true")
	}
	iso, err := cfg.Database.Isolation()
	if err != nil || iso != storage.ReadCommitted {
		t.Errorf("Isolation() = %v, %v; want READ COMMITTED", iso, err)
	}
}

func TestLoadFromEnv_AuthNone(t *testing.T) {
	t.Setenv("NEO4J_AUTH", "none")
	if cfg := LoadFromEnv(); cfg.Auth.Enabled {
		t.Error("NEO4J_AUTH=none should disable auth")
	}
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nornicqe.yaml")
	yml := `
database:
  default_database: graph
  transaction_timeout: 10s
server:
  bolt_port: 7700
  workers: 4
memory:
  query_memory_limit: 1GB
replication:
  replicas:
    - name: r1
      endpoint: http://r1:7688
      mode: ASYNC
`
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("NEO4J_dbms_connector_bolt_listen__address_port", "7800")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.DefaultDatabase != "graph" {
		t.Errorf("DefaultDatabase = %q, want graph", cfg.Database.DefaultDatabase)
	}
	if cfg.Database.TransactionTimeout != 10*time.Second {
		t.Errorf("TransactionTimeout = %v, want 10s", cfg.Database.TransactionTimeout)
	}
	if cfg.Server.BoltPort != 7800 {
		t.Errorf("env should win over file: BoltPort = %d", cfg.Server.BoltPort)
	}
	if cfg.Server.Workers != 4 {
		t.Errorf("Workers = %d, want 4", cfg.Server.Workers)
	}
	if cfg.Memory.QueryMemoryLimit != 1024*1024*1024 {
		t.Errorf("QueryMemoryLimit = %d, want 1GB", cfg.Memory.QueryMemoryLimit)
	}
	// Unset in the file, so the default survives
	if cfg.Memory.PlanCacheSize != 1000 {
		t.Errorf("PlanCacheSize = %d, want 1000", cfg.Memory.PlanCacheSize)
	}
	if len(cfg.Replication.Replicas) != 1 {
		t.Fatalf("replicas = %d, want 1", len(cfg.Replication.Replicas))
	}
	r := cfg.Replication.Replicas[0]
	if r.Mode != replication.ModeAsync || r.CheckFrequency != time.Second {
		t.Errorf("replica = %+v", r)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestParseReplicas(t *testing.T) {
	got, err := parseReplicas("a=http://host-a:7688:SYNC, b=http://host-b:7688:async,c=http://host-c:7688")
	if err != nil {
		t.Fatalf("parseReplicas() error = %v", err)
	}
	want := []replication.ReplicaConfig{
		{Name: "a", Endpoint: "http://host-a:7688", Mode: replication.ModeSync},
		{Name: "b", Endpoint: "http://host-b:7688", Mode: replication.ModeAsync},
		{Name: "c", Endpoint: "http://host-c:7688"},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d replicas, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("replica %d = %+v, want %+v", i, got[i], want[i])
		}
	}

	if _, err := parseReplicas("nobody"); err == nil {
		t.Error("expected error for entry without '='")
	}
}

// =============================================================================
// Validation Tests
// =============================================================================

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"short password", func(c *Config) {
			c.Auth.Enabled = true
			c.Auth.InitialPassword = "short"
		}},
		{"bad port", func(c *Config) { c.Server.BoltPort = 70000 }},
		{"no workers", func(c *Config) { c.Server.Workers = 0 }},
		{"empty default db", func(c *Config) { c.Database.DefaultDatabase = "" }},
		{"bad isolation", func(c *Config) { c.Database.DefaultIsolation = "SERIALIZABLE" }},
		{"negative memory", func(c *Config) {
			c.Memory.QueryMemoryLimitStr = "-1GB"
			c.Memory.QueryMemoryLimit = -1 << 30
		}},
		{"block size not power of two", func(c *Config) { c.Memory.PoolMaxBlockSize = 1000 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "LOUD" }},
		{"encrypted in-memory", func(c *Config) {
			c.Database.InMemory = true
			c.Database.EncryptionPassword = "hunter22"
		}},
		{"duplicate replica", func(c *Config) {
			r := replication.ReplicaConfig{Name: "r", Endpoint: "http://r", Mode: replication.ModeSync}
			c.Replication.Replicas = []replication.ReplicaConfig{r, r}
		}},
		{"bad replica mode", func(c *Config) {
			c.Replication.Replicas = []replication.ReplicaConfig{{Name: "r", Endpoint: "http://r", Mode: "STRICT"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestString_HidesPassword(t *testing.T) {
	cfg := Default()
	cfg.Auth.InitialPassword = "do-not-print"
	cfg.Database.EncryptionPassword = "also-secret"
	if s := cfg.String(); s == "" || strings.Contains(s, "do-not-print") || strings.Contains(s, "also-secret") {
		t.Errorf("String() = %q", s)
	}
}
