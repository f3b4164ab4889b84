package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"sealog/internal/domain"
)

const sample = `
http:
  addr: ":9090"
  admin_api_key: s3cret
log:
  level: debug
crypto:
  master_key_hex: "0101010101010101010101010101010101010101010101010101010101010101"
tenants:
  - id: demo-kafe
    sign_interval: 30s
    batch_size: 50
    encrypt_at_rest: true
    canonical_version: 2
    rate_limit: 600
tsa:
  backends:
    - id: primary
      url: https://tsa.example/rfc3161
      root_pem: /etc/sealog/root.pem
      auth: bearer
      token_env: TSA_TOKEN
      priority: 1
retention:
  - tenant: demo-kafe
    target_store: local
archive:
  local_path: /var/lib/sealog/archive
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sealog.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func noEnv(string) string { return "" }

func TestLoadFileAndDefaults(t *testing.T) {
	cfg, errs := load(writeConfig(t, sample), noEnv)
	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if cfg.HTTP.Addr != ":9090" || cfg.Log.Level != "debug" {
		t.Fatalf("file values not applied: %+v", cfg.HTTP)
	}
	if len(cfg.Tenants) != 1 {
		t.Fatalf("expected one tenant, got %d", len(cfg.Tenants))
	}
	tenant := cfg.Tenants[0].Tenant()
	if tenant.SignInterval != 30*time.Second || tenant.BatchSize != 50 || tenant.CanonicalVersion != 2 || tenant.Slug != "demo-kafe" {
		t.Fatalf("unexpected tenant: %+v", tenant)
	}
	b := cfg.TSA.Backends[0]
	if b.Kind != string(domain.BackendPrimary) || b.Timeout != 30*time.Second || b.RetryBudget != 3 {
		t.Fatalf("backend defaults not applied: %+v", b)
	}
	if cfg.TSA.CoolDown != 300*time.Second || cfg.TSA.Tolerance != time.Hour {
		t.Fatalf("tsa defaults not applied: %+v", cfg.TSA)
	}
	p := cfg.Retention[0].Policy()
	if p.Class != domain.ClassAccessLog || p.Days != domain.DefaultAccessLogRetentionDays || p.Cadence != domain.CadenceDaily || !p.Enabled {
		t.Fatalf("unexpected policy: %+v", p)
	}
	if cfg.Signer.MaxAttempts != 3 || cfg.Signer.RetryBase != 300*time.Second || cfg.Signer.FailureCap != 5 {
		t.Fatalf("signer defaults not applied: %+v", cfg.Signer)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	env := map[string]string{
		"SEALOG_HTTP_ADDR":        ":7070",
		"SEALOG_SIGNER_TICK":      "2s",
		"SEALOG_KAFKA_BROKERS":    "k1:9092, k2:9092",
		"SEALOG_KAFKA_TOPIC":      "sealog.events",
		"SEALOG_VERIFY_PAGE_SIZE": "25",
	}
	cfg, errs := load(writeConfig(t, sample), func(k string) string { return env[k] })
	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if cfg.HTTP.Addr != ":7070" {
		t.Fatalf("expected env addr, got %q", cfg.HTTP.Addr)
	}
	if cfg.Signer.Tick != 2*time.Second {
		t.Fatalf("expected tick 2s, got %s", cfg.Signer.Tick)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers: %v", cfg.Kafka.Brokers)
	}
	if cfg.Verify.PageSize != 25 {
		t.Fatalf("expected page size 25, got %d", cfg.Verify.PageSize)
	}
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, errs := load("", noEnv)
	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if cfg.HTTP.Addr != ":8080" || cfg.Postgres.DSN != "" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	body := `
log:
  level: loud
kafka:
  brokers: [k1:9092]
crypto:
  master_key_hex: "abcd"
tenants:
  - id: a
    canonical_version: 3
  - id: a
tsa:
  backends:
    - id: p
      kind: tertiary
      auth: basic
retention:
  - tenant: nobody
    target_store: tape
`
	_, errs := load(writeConfig(t, body), noEnv)
	want := []string{
		"log.level",
		"kafka",
		"crypto.master_key_hex",
		"canonical_version",
		"duplicate id \"a\"",
		"url is required",
		"root_pem is required",
		"unknown kind",
		"username_env",
		"unknown tenant",
		"target store \"tape\"",
	}
	joined := ""
	for _, err := range errs {
		joined += err.Error() + "\n"
	}
	for _, w := range want {
		if !strings.Contains(joined, w) {
			t.Errorf("missing %q in:\n%s", w, joined)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, errs := load(filepath.Join(t.TempDir(), "absent.yaml"), noEnv)
	if len(errs) != 1 {
		t.Fatalf("expected a single load error, got %v", errs)
	}
}
