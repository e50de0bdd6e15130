// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file and are namespaced under a single
// prefix, LLM_GATEWAY, with "__" standing in for the "." that separates
// nested keys (e.g. LLM_GATEWAY__SERVER__PORT=9090 sets server.port).
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// EnvPrefix is the single env var namespace for all config overrides.
const EnvPrefix = "LLM_GATEWAY"

// Kind identifies a provider family sharing URL/auth rules.
type Kind string

const (
	KindOpenAI    Kind = "openai"
	KindAnthropic Kind = "anthropic"
	KindGemini    Kind = "gemini"
	KindAzure     Kind = "azure"
	KindBedrock   Kind = "bedrock"
	KindCustom    Kind = "custom"
)

// AuthMode selects how a provider instance authenticates upstream.
type AuthMode string

const (
	AuthBearer        AuthMode = "bearer"
	AuthXAPIKey       AuthMode = "x-api-key"
	AuthAPIKeyHeader  AuthMode = "api-key-header"
	AuthQueryParam    AuthMode = "query-param"
	AuthOAuth         AuthMode = "oauth"
	AuthSigV4         AuthMode = "sigv4"
)

// Config is the immutable, validated top-level configuration snapshot. A new
// Config is built wholesale on every Load/reload; nothing mutates one in
// place once it's published.
type Config struct {
	Server        ServerConfig
	APIKeys       []APIKeyConfig
	Routing       RoutingConfig
	Providers     map[Kind][]ProviderInstanceConfig
	OAuthProviders map[string]OAuthProviderConfig
	Observability ObservabilityConfig
	Redis         RedisConfig
	ClickHouse    ClickHouseConfig
	RateLimit     RateLimitConfig
	CORSOrigins   []string
	LogLevel      string
}

// RedisConfig is the optional distributed sticky-session backend. It is
// unused when URL is empty.
type RedisConfig struct {
	URL string
	// StickySessions, when true, backs the balancer's sticky-session map
	// with Redis instead of the in-process striped map, so sessions survive
	// a process restart and are shared across gateway replicas.
	StickySessions bool
}

// ClickHouseConfig is the optional durable RequestEvent sink. Disabled when
// Addr is empty.
type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

// RateLimitConfig holds the configured per-API-key requests-per-minute
// value. It is loaded with the rest of the config, but no component reads
// it: the gateway applies no rate limit.
type RateLimitConfig struct {
	RPMLimit int
}

// ServerConfig is the listener's bind address.
type ServerConfig struct {
	Host string
	Port int
}

// APIKeyConfig is one accepted client credential.
type APIKeyConfig struct {
	// KeyMaterial is either a literal bearer token or a SHA-256 hex digest of
	// the expected token, tried hash-first then literal per request.
	KeyMaterial  string
	FriendlyName string
	Enabled      bool
}

// RoutingConfig is the ordered model-prefix -> provider id table plus an
// optional fallback.
type RoutingConfig struct {
	// Rules is already sorted by decreasing prefix length by Load.
	Rules          []RoutingRule
	DefaultProvider string
}

// RoutingRule binds one model-name prefix to a provider id.
type RoutingRule struct {
	Prefix     string
	ProviderID string
}

// ProviderInstanceConfig is the uniform per-instance view every provider
// kind shares, plus the kind-specific fields consumed by individual kinds.
type ProviderInstanceConfig struct {
	// Name is unique within its Kind; it's the instance identifier used by
	// the balancer, sessions, and RequestEvent.Instance.
	Name    string
	Kind    Kind
	Enabled bool

	BaseURL               string
	TimeoutSeconds        int
	Priority              int
	FailureTimeoutSeconds int
	Weight                int

	AuthMode        AuthMode
	APIKey          string
	OAuthProviderID string

	CustomHeaders map[string]string

	// custom provider id, e.g. "custom:my-vllm"; only set for KindCustom.
	CustomProviderID string

	// azure
	APIVersion        string
	ResourceName      string
	DeploymentName    string
	ModelDeployments  map[string]string

	// bedrock
	Region           string
	AccessKeyID      string
	SecretAccessKey  string
	SessionToken     string
	ModelIDMapping   map[string]string

	Cache CacheHintConfig
}

// CacheHintConfig drives the translators' auto-caching post-pass.
type CacheHintConfig struct {
	AutoCacheSystem bool
	AutoCacheTools  bool
	MinSystemTokens int
}

// OAuthProviderConfig is a definition the core reads but does not drive; the
// authorization-code flow itself happens out-of-band, ahead of time.
type OAuthProviderConfig struct {
	ProviderID   string
	TokenFile    string
	ClientID     string
	ClientSecret string
	TokenURL     string
}

// ObservabilityConfig toggles RequestEvent body logging.
type ObservabilityConfig struct {
	// Mode is "off", "simple" (delta extraction only), or "full" (redacted,
	// truncated full body).
	Mode             string
	RedactionPatterns []string
	TruncationLimit  int
}

const (
	defaultTimeoutSeconds        = 30
	defaultFailureTimeoutSeconds = 30
	defaultWeight                = 100
)

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	_ = v.ReadInConfig()

	// viper joins prefix and key with one "_"; the extra "_" here yields
	// the LLM_GATEWAY__ form, matching the "__" key separator below.
	v.SetEnvPrefix(EnvPrefix + "_")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("observability.mode", "simple")
	v.SetDefault("observability.truncation_limit", 4096)
	v.SetDefault("clickhouse.table", "request_events")
	v.SetDefault("cors_origins", []string{"*"})

	cfg := &Config{
		Server: ServerConfig{
			Host: v.GetString("server.host"),
			Port: v.GetInt("server.port"),
		},
		LogLevel:  strings.ToLower(v.GetString("log_level")),
		Providers: map[Kind][]ProviderInstanceConfig{},
		OAuthProviders: map[string]OAuthProviderConfig{},
		Observability: ObservabilityConfig{
			Mode:              strings.ToLower(v.GetString("observability.mode")),
			RedactionPatterns: v.GetStringSlice("observability.redaction_patterns"),
			TruncationLimit:   v.GetInt("observability.truncation_limit"),
		},
		Redis: RedisConfig{
			URL:            v.GetString("redis.url"),
			StickySessions: v.GetBool("redis.sticky_sessions"),
		},
		ClickHouse: ClickHouseConfig{
			Addr:     v.GetString("clickhouse.addr"),
			Database: v.GetString("clickhouse.database"),
			Username: v.GetString("clickhouse.username"),
			Password: v.GetString("clickhouse.password"),
			Table:    v.GetString("clickhouse.table"),
		},
		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("rate_limit.rpm_limit"),
		},
		CORSOrigins: v.GetStringSlice("cors_origins"),
	}

	var rawKeys []map[string]any
	if err := v.UnmarshalKey("api_keys", &rawKeys); err != nil {
		return nil, fmt.Errorf("config: api_keys: %w", err)
	}
	for _, k := range rawKeys {
		cfg.APIKeys = append(cfg.APIKeys, APIKeyConfig{
			KeyMaterial:  stringField(k, "key_material"),
			FriendlyName: stringField(k, "friendly_name"),
			Enabled:      boolField(k, "enabled", true),
		})
	}

	var rawRules []map[string]any
	if err := v.UnmarshalKey("routing.rules", &rawRules); err != nil {
		return nil, fmt.Errorf("config: routing.rules: %w", err)
	}
	for _, r := range rawRules {
		cfg.Routing.Rules = append(cfg.Routing.Rules, RoutingRule{
			Prefix:     stringField(r, "prefix"),
			ProviderID: stringField(r, "provider_id"),
		})
	}
	sortRulesByPrefixLenDesc(cfg.Routing.Rules)
	cfg.Routing.DefaultProvider = v.GetString("routing.default_provider")

	for _, kind := range []Kind{KindOpenAI, KindAnthropic, KindGemini, KindAzure, KindBedrock, KindCustom} {
		var rawInstances []map[string]any
		key := fmt.Sprintf("providers.%s", kind)
		if err := v.UnmarshalKey(key, &rawInstances); err != nil {
			return nil, fmt.Errorf("config: %s: %w", key, err)
		}
		for _, raw := range rawInstances {
			inst, err := decodeInstance(kind, raw)
			if err != nil {
				return nil, err
			}
			cfg.Providers[kind] = append(cfg.Providers[kind], inst)
		}
	}

	var rawOAuth []map[string]any
	if err := v.UnmarshalKey("oauth_providers", &rawOAuth); err != nil {
		return nil, fmt.Errorf("config: oauth_providers: %w", err)
	}
	for _, o := range rawOAuth {
		id := stringField(o, "provider_id")
		cfg.OAuthProviders[id] = OAuthProviderConfig{
			ProviderID:   id,
			TokenFile:    stringField(o, "token_file"),
			ClientID:     stringField(o, "client_id"),
			ClientSecret: stringField(o, "client_secret"),
			TokenURL:     stringField(o, "token_url"),
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeInstance(kind Kind, raw map[string]any) (ProviderInstanceConfig, error) {
	inst := ProviderInstanceConfig{
		Kind:                  kind,
		Name:                  stringField(raw, "name"),
		Enabled:               boolField(raw, "enabled", true),
		BaseURL:               stringField(raw, "base_url"),
		TimeoutSeconds:        intField(raw, "timeout_seconds", defaultTimeoutSeconds),
		Priority:              intField(raw, "priority", 0),
		FailureTimeoutSeconds: intField(raw, "failure_timeout_seconds", defaultFailureTimeoutSeconds),
		Weight:                intField(raw, "weight", defaultWeight),
		AuthMode:              AuthMode(stringFieldDefault(raw, "auth_mode", string(defaultAuthMode(kind)))),
		APIKey:                stringField(raw, "api_key"),
		OAuthProviderID:       stringField(raw, "oauth_provider_id"),
		CustomHeaders:         stringMapField(raw, "custom_headers"),

		APIVersion:       stringField(raw, "api_version"),
		ResourceName:     stringField(raw, "resource_name"),
		DeploymentName:   stringField(raw, "deployment_name"),
		ModelDeployments: stringMapField(raw, "model_deployments"),

		Region:          stringField(raw, "region"),
		AccessKeyID:     stringField(raw, "access_key_id"),
		SecretAccessKey: stringField(raw, "secret_access_key"),
		SessionToken:    stringField(raw, "session_token"),
		ModelIDMapping:  stringMapField(raw, "model_id_mapping"),

		Cache: CacheHintConfig{
			AutoCacheSystem: boolField(raw, "auto_cache_system", false),
			AutoCacheTools:  boolField(raw, "auto_cache_tools", false),
			MinSystemTokens: intField(raw, "min_system_tokens", 1024),
		},
	}
	if kind == KindCustom {
		inst.CustomProviderID = stringField(raw, "provider_id")
		if inst.CustomProviderID == "" {
			inst.CustomProviderID = inst.Name
		}
	}
	if inst.Name == "" {
		return inst, fmt.Errorf("config: providers.%s: instance missing name", kind)
	}
	return inst, nil
}

func defaultAuthMode(kind Kind) AuthMode {
	switch kind {
	case KindAnthropic:
		return AuthXAPIKey
	case KindAzure:
		return AuthAPIKeyHeader
	case KindGemini:
		return AuthQueryParam
	case KindBedrock:
		return AuthSigV4
	default:
		return AuthBearer
	}
}

// KindID returns the provider id a registry entry for this instance's kind
// should register under. Custom instances get one independent id each.
func (c ProviderInstanceConfig) KindID() string {
	if c.Kind == KindCustom {
		return fmt.Sprintf("custom:%s", c.CustomProviderID)
	}
	return string(c.Kind)
}

func stringField(m map[string]any, key string) string {
	return stringFieldDefault(m, key, "")
}

func stringFieldDefault(m map[string]any, key, def string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

func boolField(m map[string]any, key string, def bool) bool {
	if v, ok := m[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

func intField(m map[string]any, key string, def int) int {
	if v, ok := m[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return def
}

func stringMapField(m map[string]any, key string) map[string]string {
	out := map[string]string{}
	v, ok := m[key]
	if !ok {
		return out
	}
	raw, ok := v.(map[string]any)
	if !ok {
		return out
	}
	for k, val := range raw {
		if s, ok := val.(string); ok {
			out[k] = s
		}
	}
	return out
}

func sortRulesByPrefixLenDesc(rules []RoutingRule) {
	for i := 1; i < len(rules); i++ {
		for j := i; j > 0 && len(rules[j].Prefix) > len(rules[j-1].Prefix); j-- {
			rules[j], rules[j-1] = rules[j-1], rules[j]
		}
	}
}

var modelNamePattern = regexp.MustCompile(`^[A-Za-z0-9._/-]{1,256}$`)

// ValidModelName reports whether a model name satisfies the router's
// allowed character class and length bound.
func ValidModelName(name string) bool {
	return modelNamePattern.MatchString(name)
}

// validate checks all semantic constraints that cannot be expressed as
// defaults.
func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid log_level %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	switch c.Observability.Mode {
	case "off", "simple", "full":
	default:
		return fmt.Errorf("config: invalid observability.mode %q; must be one of: off, simple, full", c.Observability.Mode)
	}

	if !c.AtLeastOneProviderInstance() {
		return errors.New("config: at least one enabled provider instance is required across all kinds")
	}

	for kind, instances := range c.Providers {
		seen := map[string]bool{}
		for _, inst := range instances {
			if seen[inst.Name] {
				return fmt.Errorf("config: providers.%s: duplicate instance name %q", kind, inst.Name)
			}
			seen[inst.Name] = true
			if inst.Enabled && inst.BaseURL == "" && kind != KindAzure && kind != KindBedrock {
				return fmt.Errorf("config: providers.%s.%s: base_url is required", kind, inst.Name)
			}
		}
	}

	return nil
}

// AtLeastOneProviderInstance returns true if at least one instance, across
// any kind, is enabled.
func (c *Config) AtLeastOneProviderInstance() bool {
	for _, instances := range c.Providers {
		for _, inst := range instances {
			if inst.Enabled {
				return true
			}
		}
	}
	return false
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
