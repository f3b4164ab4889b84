// Package config loads daemon configuration from an optional YAML file with SEALOG_* environment
// overrides for scalar keys.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"sealog/internal/domain"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "SEALOG_"

type Config struct {
	HTTP      HTTPConfig     `koanf:"http"`
	Log       LogConfig      `koanf:"log"`
	Postgres  PostgresConfig `koanf:"postgres"`
	Redis     RedisConfig    `koanf:"redis"`
	Kafka     KafkaConfig    `koanf:"kafka"`
	OTLP      OTLPConfig     `koanf:"otlp"`
	Crypto    CryptoConfig   `koanf:"crypto"`
	Tenants   []TenantConfig `koanf:"tenants"`
	TSA       TSAConfig      `koanf:"tsa"`
	Signer    SignerConfig   `koanf:"signer"`
	Retention []PolicyConfig `koanf:"retention"`
	Archive   ArchiveConfig  `koanf:"archive"`
	Flow      FlowConfig     `koanf:"flow"`
	Verify    VerifyConfig   `koanf:"verify"`
}

type HTTPConfig struct {
	Addr        string `koanf:"addr"`
	AdminAPIKey string `koanf:"admin_api_key"`

	RateLimitWindow     time.Duration `koanf:"rate_limit_window"`
	RateLimitFailClosed bool          `koanf:"rate_limit_fail_closed"`
	RateLimitMaxKeys    int           `koanf:"rate_limit_max_keys"`
}

type LogConfig struct {
	Level string `koanf:"level"`
}

// PostgresConfig selects the durable store; an empty DSN runs on the in-memory store.
type PostgresConfig struct {
	DSN         string `koanf:"dsn"`
	AutoMigrate bool   `koanf:"auto_migrate"`
}

// RedisConfig enables distributed sign-locks and rate limits when Addr is set.
type RedisConfig struct {
	Addr      string        `koanf:"addr"`
	Password  string        `koanf:"password"`
	DB        int           `koanf:"db"`
	LockLease time.Duration `koanf:"lock_lease"`
}

type KafkaConfig struct {
	Brokers  []string `koanf:"brokers"`
	Topic    string   `koanf:"topic"`
	ClientID string   `koanf:"client_id"`
}

type OTLPConfig struct {
	Endpoint    string `koanf:"endpoint"`
	Insecure    bool   `koanf:"insecure"`
	ServiceName string `koanf:"service_name"`
}

// CryptoConfig holds the hex master key for tenant column keys and optional per-tenant keys
// that replace the derived one.
type CryptoConfig struct {
	MasterKeyHex string            `koanf:"master_key_hex"`
	TenantKeys   map[string]string `koanf:"tenant_keys"`
}

type TenantConfig struct {
	ID               string        `koanf:"id"`
	Slug             string        `koanf:"slug"`
	SignInterval     time.Duration `koanf:"sign_interval"`
	BatchSize        int           `koanf:"batch_size"`
	DedupWindow      time.Duration `koanf:"dedup_window"`
	EncryptAtRest    bool          `koanf:"encrypt_at_rest"`
	CanonicalVersion int           `koanf:"canonical_version"`
	TSAPolicy        string        `koanf:"tsa_policy"`
	// RateLimit caps ingested records per producer within http.rate_limit_window; zero is unlimited.
	RateLimit int `koanf:"rate_limit"`
}

type TSAConfig struct {
	Backends      []BackendConfig `koanf:"backends"`
	CoolDown      time.Duration   `koanf:"cool_down"`
	ProbeInterval time.Duration   `koanf:"probe_interval"`
	Tolerance     time.Duration   `koanf:"tolerance"`
	// PolicyBundle is a directory of rego files; empty uses the built-in selection policy.
	PolicyBundle string `koanf:"policy_bundle"`
}

// BackendConfig names credentials by environment variable so secrets stay out of the file.
type BackendConfig struct {
	ID          string        `koanf:"id"`
	Kind        string        `koanf:"kind"`
	URL         string        `koanf:"url"`
	Auth        string        `koanf:"auth"`
	TokenEnv    string        `koanf:"token_env"`
	UsernameEnv string        `koanf:"username_env"`
	PasswordEnv string        `koanf:"password_env"`
	RootPEM     string        `koanf:"root_pem"`
	Timeout     time.Duration `koanf:"timeout"`
	RetryBudget int           `koanf:"retry_budget"`
	Priority    int           `koanf:"priority"`
	Disabled    bool          `koanf:"disabled"`
}

type SignerConfig struct {
	Tick          time.Duration `koanf:"tick"`
	MaxAttempts   int           `koanf:"max_attempts"`
	RetryBase     time.Duration `koanf:"retry_base"`
	FailureCap    int           `koanf:"failure_cap"`
	BatchesPerRun int           `koanf:"batches_per_run"`
	Parallelism   int           `koanf:"parallelism"`
}

type PolicyConfig struct {
	Tenant       string `koanf:"tenant"`
	Class        string `koanf:"class"`
	Years        int    `koanf:"years"`
	Months       int    `koanf:"months"`
	Days         int    `koanf:"days"`
	ArchiveAfter int    `koanf:"archive_after_days"`
	TargetStore  string `koanf:"target_store"`
	Cadence      string `koanf:"cadence"`
	Disabled     bool   `koanf:"disabled"`
}

type ArchiveConfig struct {
	LocalPath  string        `koanf:"local_path"`
	WORMPath   string        `koanf:"worm_path"`
	TapeDevice string        `koanf:"tape_device"`
	S3         S3Config      `koanf:"s3"`
	Interval   time.Duration `koanf:"interval"`
}

type S3Config struct {
	Bucket          string `koanf:"bucket"`
	Region          string `koanf:"region"`
	Endpoint        string `koanf:"endpoint"`
	AccessKeyID     string `koanf:"access_key_id"`
	SecretAccessKey string `koanf:"secret_access_key"`
	Prefix          string `koanf:"prefix"`
	PathStyle       bool   `koanf:"path_style"`
}

type FlowConfig struct {
	SampleInterval  time.Duration `koanf:"sample_interval"`
	BaselineSamples int           `koanf:"baseline_samples"`
}

type VerifyConfig struct {
	PageSize      int           `koanf:"page_size"`
	Interval      time.Duration `koanf:"interval"`
	GuardInterval time.Duration `koanf:"guard_interval"`
}

// envKeys lists the scalar keys that SEALOG_<KEY> may override, with dots as underscores.
var envKeys = []string{
	"http.addr",
	"http.admin_api_key",
	"http.rate_limit_window",
	"http.rate_limit_fail_closed",
	"http.rate_limit_max_keys",
	"log.level",
	"postgres.dsn",
	"postgres.auto_migrate",
	"redis.addr",
	"redis.password",
	"redis.db",
	"redis.lock_lease",
	"kafka.brokers",
	"kafka.topic",
	"kafka.client_id",
	"otlp.endpoint",
	"otlp.insecure",
	"otlp.service_name",
	"crypto.master_key_hex",
	"tsa.cool_down",
	"tsa.probe_interval",
	"tsa.tolerance",
	"tsa.policy_bundle",
	"signer.tick",
	"signer.max_attempts",
	"signer.retry_base",
	"signer.failure_cap",
	"signer.batches_per_run",
	"signer.parallelism",
	"archive.local_path",
	"archive.worm_path",
	"archive.tape_device",
	"archive.interval",
	"archive.s3.bucket",
	"archive.s3.region",
	"archive.s3.endpoint",
	"archive.s3.access_key_id",
	"archive.s3.secret_access_key",
	"archive.s3.prefix",
	"archive.s3.path_style",
	"flow.sample_interval",
	"flow.baseline_samples",
	"verify.page_size",
	"verify.interval",
	"verify.guard_interval",
}

// EnvName returns the environment variable that overrides key.
func EnvName(key string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// Load reads path (optional) and the environment. The returned errors cover both loading and
// validation; the config is usable only when the slice is empty.
func Load(path string) (Config, []error) {
	return load(path, os.Getenv)
}

func load(path string, getenv func(string) string) (Config, []error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, []error{fmt.Errorf("load config file %s: %w", path, err)}
		}
	}
	for _, key := range envKeys {
		val := getenv(EnvName(key))
		if val == "" {
			continue
		}
		if key == "kafka.brokers" {
			if err := k.Set(key, splitList(val)); err != nil {
				return Config{}, []error{fmt.Errorf("%s: %w", EnvName(key), err)}
			}
			continue
		}
		if err := k.Set(key, val); err != nil {
			return Config{}, []error{fmt.Errorf("%s: %w", EnvName(key), err)}
		}
	}
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, []error{fmt.Errorf("decode config: %w", err)}
	}
	cfg.applyDefaults()
	return cfg, cfg.Validate()
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) applyDefaults() {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.HTTP.RateLimitWindow <= 0 {
		c.HTTP.RateLimitWindow = time.Minute
	}
	if c.HTTP.RateLimitMaxKeys <= 0 {
		c.HTTP.RateLimitMaxKeys = 10000
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Redis.LockLease <= 0 {
		c.Redis.LockLease = 5 * time.Minute
	}
	if c.Kafka.ClientID == "" {
		c.Kafka.ClientID = "sealogd"
	}
	if c.OTLP.ServiceName == "" {
		c.OTLP.ServiceName = "sealogd"
	}
	if c.TSA.CoolDown <= 0 {
		c.TSA.CoolDown = 300 * time.Second
	}
	if c.TSA.ProbeInterval <= 0 {
		c.TSA.ProbeInterval = 300 * time.Second
	}
	if c.TSA.Tolerance <= 0 {
		c.TSA.Tolerance = time.Hour
	}
	for i := range c.TSA.Backends {
		b := &c.TSA.Backends[i]
		if b.Kind == "" {
			b.Kind = string(domain.BackendPrimary)
		}
		if b.Auth == "" {
			b.Auth = string(domain.AuthNone)
		}
		if b.Timeout <= 0 {
			b.Timeout = 30 * time.Second
		}
		if b.RetryBudget <= 0 {
			b.RetryBudget = 3
		}
	}
	if c.Signer.Tick <= 0 {
		c.Signer.Tick = 5 * time.Second
	}
	if c.Signer.MaxAttempts <= 0 {
		c.Signer.MaxAttempts = 3
	}
	if c.Signer.RetryBase <= 0 {
		c.Signer.RetryBase = 300 * time.Second
	}
	if c.Signer.FailureCap <= 0 {
		c.Signer.FailureCap = 5
	}
	for i := range c.Retention {
		p := &c.Retention[i]
		if p.Class == "" {
			p.Class = string(domain.ClassAccessLog)
		}
		if p.Cadence == "" {
			p.Cadence = string(domain.CadenceDaily)
		}
		if p.Years+p.Months+p.Days == 0 && p.Class == string(domain.ClassAccessLog) {
			p.Days = domain.DefaultAccessLogRetentionDays
		}
	}
	if c.Archive.Interval <= 0 {
		c.Archive.Interval = time.Hour
	}
	if c.Flow.SampleInterval <= 0 {
		c.Flow.SampleInterval = time.Minute
	}
	if c.Verify.PageSize <= 0 {
		c.Verify.PageSize = 500
	}
	if c.Verify.Interval <= 0 {
		c.Verify.Interval = 30 * time.Second
	}
	if c.Verify.GuardInterval <= 0 {
		c.Verify.GuardInterval = time.Minute
	}
}

// Validate reports every problem at once.
func (c Config) Validate() []error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("log.level: unknown level %q", c.Log.Level)
	}
	if (len(c.Kafka.Brokers) == 0) != (c.Kafka.Topic == "") {
		add("kafka: brokers and topic must be set together")
	}
	if c.Crypto.MasterKeyHex != "" {
		if _, err := decodeKey(c.Crypto.MasterKeyHex); err != nil {
			add("crypto.master_key_hex: %v", err)
		}
	}
	for id, key := range c.Crypto.TenantKeys {
		if _, err := decodeKey(key); err != nil {
			add("crypto.tenant_keys.%s: %v", id, err)
		}
	}

	tenants := make(map[string]bool, len(c.Tenants))
	for i, t := range c.Tenants {
		if t.ID == "" {
			add("tenants[%d]: id is required", i)
			continue
		}
		if tenants[t.ID] {
			add("tenants[%d]: duplicate id %q", i, t.ID)
		}
		tenants[t.ID] = true
		if t.CanonicalVersion != 0 && t.CanonicalVersion != 1 && t.CanonicalVersion != 2 {
			add("tenants[%d]: canonical_version must be 1 or 2", i)
		}
		if t.BatchSize < 0 || t.RateLimit < 0 {
			add("tenants[%d]: batch_size and rate_limit must not be negative", i)
		}
		if t.EncryptAtRest && c.Crypto.MasterKeyHex == "" && c.Crypto.TenantKeys[t.ID] == "" {
			add("tenants[%d]: encrypt_at_rest needs crypto.master_key_hex or a tenant key", i)
		}
	}

	backends := make(map[string]bool, len(c.TSA.Backends))
	for i, b := range c.TSA.Backends {
		if b.ID == "" {
			add("tsa.backends[%d]: id is required", i)
		} else if backends[b.ID] {
			add("tsa.backends[%d]: duplicate id %q", i, b.ID)
		}
		backends[b.ID] = true
		if b.URL == "" {
			add("tsa.backends[%d]: url is required", i)
		}
		if b.RootPEM == "" {
			add("tsa.backends[%d]: root_pem is required", i)
		}
		switch domain.BackendKind(b.Kind) {
		case domain.BackendPrimary, domain.BackendSecondary, domain.BackendLocalFallback:
		default:
			add("tsa.backends[%d]: unknown kind %q", i, b.Kind)
		}
		switch domain.AuthStyle(b.Auth) {
		case domain.AuthNone:
		case domain.AuthBearer:
			if b.TokenEnv == "" {
				add("tsa.backends[%d]: bearer auth needs token_env", i)
			}
		case domain.AuthBasic:
			if b.UsernameEnv == "" {
				add("tsa.backends[%d]: basic auth needs username_env", i)
			}
		default:
			add("tsa.backends[%d]: unknown auth %q", i, b.Auth)
		}
	}

	stores := c.Archive.Stores()
	for i, p := range c.Retention {
		if !tenants[p.Tenant] {
			add("retention[%d]: unknown tenant %q", i, p.Tenant)
		}
		if p.Class == string(domain.ClassAccessLog) && !stores[domain.StoreKind(p.TargetStore)] {
			add("retention[%d]: target store %q is not configured", i, p.TargetStore)
		}
	}
	if c.Archive.S3.Bucket != "" && (c.Archive.S3.AccessKeyID == "" || c.Archive.S3.SecretAccessKey == "") {
		add("archive.s3: credentials are required with a bucket")
	}
	if c.Signer.MaxAttempts < 1 || c.Signer.FailureCap < 1 {
		add("signer: max_attempts and failure_cap must be positive")
	}
	return errs
}

// Stores reports which archive target stores are configured.
func (a ArchiveConfig) Stores() map[domain.StoreKind]bool {
	return map[domain.StoreKind]bool{
		domain.StoreLocal:  a.LocalPath != "",
		domain.StoreWORM:   a.WORMPath != "",
		domain.StoreTape:   a.TapeDevice != "",
		domain.StoreObject: a.S3.Bucket != "",
	}
}

// MasterKey decodes the master key, or returns nil when none is configured.
func (c CryptoConfig) MasterKey() ([]byte, error) {
	if c.MasterKeyHex == "" {
		return nil, nil
	}
	return decodeKey(c.MasterKeyHex)
}

func (c CryptoConfig) Overrides() (map[string][]byte, error) {
	out := make(map[string][]byte, len(c.TenantKeys))
	for id, v := range c.TenantKeys {
		key, err := decodeKey(v)
		if err != nil {
			return nil, fmt.Errorf("tenant key %s: %w", id, err)
		}
		out[id] = key
	}
	return out, nil
}

func decodeKey(v string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(v))
	if err != nil {
		return nil, errors.New("not hex")
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("need 32 bytes, got %d", len(key))
	}
	return key, nil
}

func (t TenantConfig) Tenant() domain.Tenant {
	slug := t.Slug
	if slug == "" {
		slug = t.ID
	}
	return domain.Tenant{
		ID:               t.ID,
		Slug:             slug,
		SignInterval:     t.SignInterval,
		BatchSize:        t.BatchSize,
		DedupWindow:      t.DedupWindow,
		EncryptAtRest:    t.EncryptAtRest,
		CanonicalVersion: t.CanonicalVersion,
		TSAPolicy:        t.TSAPolicy,
	}
}

func (p PolicyConfig) Policy() domain.RetentionPolicy {
	return domain.RetentionPolicy{
		TenantID:     p.Tenant,
		Class:        domain.RetentionClass(p.Class),
		Years:        p.Years,
		Months:       p.Months,
		Days:         p.Days,
		ArchiveAfter: p.ArchiveAfter,
		TargetStore:  domain.StoreKind(p.TargetStore),
		Cadence:      domain.Cadence(p.Cadence),
		Enabled:      !p.Disabled,
	}
}
