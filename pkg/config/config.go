// Package config loads otto-bgp configuration from YAML with environment
// overlay and validates it before anything else starts.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/otto-bgp/otto-bgp/pkg/util"
)

// DefaultPath is consulted when no --config flag is given.
const DefaultPath = "/etc/otto-bgp/config.yml"

type Config struct {
	SSH        SSHConfig       `koanf:"ssh"`
	HostKeys   HostKeyConfig   `koanf:"host_keys"`
	Database   DatabaseConfig  `koanf:"database"`
	Cache      CacheConfig     `koanf:"cache"`
	IRRProxy   IRRProxyConfig  `koanf:"irr_proxy"`
	BGPq4      BGPq4Config     `koanf:"bgpq4"`
	RPKI       RPKIConfig      `koanf:"rpki"`
	Guardrails GuardrailConfig `koanf:"guardrails"`
	Output     OutputConfig    `koanf:"output"`
	Rollout    RolloutConfig   `koanf:"rollout"`
	Server     ServerConfig    `koanf:"server"`
	Log        LogConfig       `koanf:"log"`
}

type SSHConfig struct {
	Username              string `koanf:"username"`
	KeyPath               string `koanf:"key_path"`
	PasswordEnv           string `koanf:"password_env"`
	ConnectTimeoutSeconds int    `koanf:"connect_timeout_seconds" validate:"gt=0"`
	CommandTimeoutSeconds int    `koanf:"command_timeout_seconds" validate:"gt=0"`
	MaxWorkers            int    `koanf:"max_workers" validate:"gt=0"`
}

type HostKeyConfig struct {
	KnownHosts string `koanf:"known_hosts"`
	SetupMode  bool   `koanf:"setup_mode"`
}

type DatabaseConfig struct {
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns" validate:"gt=0"`
	MinConns int32  `koanf:"min_conns" validate:"gte=0"`
}

type CacheConfig struct {
	TTLHours  int    `koanf:"ttl_hours" validate:"gt=0"`
	RedisAddr string `koanf:"redis_addr"`
	RedisDB   int    `koanf:"redis_db" validate:"gte=0"`
}

type IRRProxyConfig struct {
	Enabled     bool   `koanf:"enabled"`
	TunnelsFile string `koanf:"tunnels_file"`
}

type BGPq4Config struct {
	Command   string `koanf:"command" validate:"required"`
	IRRServer string `koanf:"irr_server"`
	IPv4      bool   `koanf:"ipv4"`
	IPv6      bool   `koanf:"ipv6"`
	Workers   int    `koanf:"workers" validate:"gt=0"`
}

type RPKIConfig struct {
	Enabled        bool   `koanf:"enabled"`
	VRPCachePath   string `koanf:"vrp_cache_path"`
	FailClosed     bool   `koanf:"fail_closed"`
	MaxVRPAgeHours int    `koanf:"max_vrp_age_hours" validate:"gt=0"`
	AllowlistPath  string `koanf:"allowlist_path"`
	Workers        int    `koanf:"workers" validate:"gte=0"`
}

type GuardrailConfig struct {
	Mode           string   `koanf:"mode" validate:"oneof=manual autonomous"`
	Strictness     string   `koanf:"strictness" validate:"oneof=low medium high strict"`
	EnabledRules   []string `koanf:"enabled_rules"`
	ThresholdsFile string   `koanf:"thresholds_file"`
}

type OutputConfig struct {
	PolicyDir    string `koanf:"policy_dir" validate:"required"`
	ReportDir    string `koanf:"report_dir" validate:"required"`
	DiscoveryDir string `koanf:"discovery_dir" validate:"required"`
	CombinedFile bool   `koanf:"combined_file"`
	SeparateFile bool   `koanf:"separate_files"`
}

type RolloutConfig struct {
	DefaultConcurrency int    `koanf:"default_concurrency" validate:"gt=0"`
	InitiatedBy        string `koanf:"initiated_by"`
}

type ServerConfig struct {
	Listen string `koanf:"listen"`
}

type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=text json"`
}

// Load reads the YAML file at path (optional), overlays OTTO_BGP_ environment
// variables, applies the flat legacy variables, and validates the result.
// Environment mapping: OTTO_BGP_RPKI__FAIL_CLOSED -> rpki.fail_closed.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, util.WrapError(util.KindConfiguration, "load config", path, err)
		}
	}

	if err := k.Load(env.Provider("OTTO_BGP_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "OTTO_BGP_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, util.WrapError(util.KindConfiguration, "load env config", "OTTO_BGP_", err)
	}

	cfg := Defaults()

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, util.WrapError(util.KindConfiguration, "unmarshal config", path, err)
	}

	applyLegacyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Defaults returns a Config populated with shipping defaults.
func Defaults() *Config {
	return &Config{
		SSH: SSHConfig{
			Username:              "otto-bgp",
			ConnectTimeoutSeconds: 30,
			CommandTimeoutSeconds: 60,
			MaxWorkers:            5,
		},
		HostKeys: HostKeyConfig{
			KnownHosts: "/var/lib/otto-bgp/ssh-keys/known_hosts",
		},
		Database: DatabaseConfig{
			MaxConns: 10,
			MinConns: 1,
		},
		Cache: CacheConfig{
			TTLHours: 24,
		},
		BGPq4: BGPq4Config{
			Command: "bgpq4",
			IPv4:    true,
			Workers: 4,
		},
		RPKI: RPKIConfig{
			Enabled:        true,
			VRPCachePath:   "/var/lib/otto-bgp/rpki/vrp_cache.json",
			FailClosed:     true,
			MaxVRPAgeHours: 24,
		},
		Guardrails: GuardrailConfig{
			Mode:         "manual",
			Strictness:   "medium",
			EnabledRules: []string{"prefix_count", "bogon_check", "rpki_validation", "session_impact"},
		},
		Output: OutputConfig{
			PolicyDir:    "policies",
			ReportDir:    "reports",
			DiscoveryDir: "discovered",
			SeparateFile: true,
		},
		Rollout: RolloutConfig{
			DefaultConcurrency: 1,
		},
		Server: ServerConfig{
			Listen: ":8443",
		},
		Log: LogConfig{
			Level:  "warn",
			Format: "text",
		},
	}
}

// applyLegacyEnv maps the flat environment names that predate the
// section__key convention onto their config fields.
func applyLegacyEnv(cfg *Config) {
	if v := os.Getenv("SSH_KNOWN_HOSTS"); v != "" {
		cfg.HostKeys.KnownHosts = v
	}
	if v := os.Getenv("OTTO_DB_PATH"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("OTTO_BGP_SETUP_MODE"); v != "" {
		cfg.HostKeys.SetupMode = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("OTTO_BGP_SSH_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SSH.MaxWorkers = n
		} else {
			util.Warnf("ignoring invalid OTTO_BGP_SSH_MAX_WORKERS=%q", v)
		}
	}
}

// Validate checks field constraints and cross-field rules. A failure here is
// fatal at startup.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		var invalid validator.ValidationErrors
		msgs := []string{}
		if ok := isValidationErrors(err, &invalid); ok {
			for _, fe := range invalid {
				msgs = append(msgs, fmt.Sprintf("%s fails %q", strings.ToLower(fe.Namespace()), fe.Tag()))
			}
		} else {
			msgs = append(msgs, err.Error())
		}
		return util.WrapError(util.KindConfiguration, "validate config", "", util.NewValidationError(msgs...))
	}

	// RPKI enabled demands the rpki_validation guardrail; silently running
	// without it would defeat fail-closed semantics.
	if c.RPKI.Enabled && !c.Guardrails.RuleEnabled("rpki_validation") {
		return util.NewPipelineError(util.KindConfiguration, "validate config", "guardrails.enabled_rules",
			"rpki.enabled requires the rpki_validation rule to be active")
	}

	if c.IRRProxy.Enabled && c.IRRProxy.TunnelsFile == "" {
		return util.NewPipelineError(util.KindConfiguration, "validate config", "irr_proxy.tunnels_file",
			"irr_proxy.enabled requires a tunnels file")
	}

	return nil
}

func isValidationErrors(err error, target *validator.ValidationErrors) bool {
	ve, ok := err.(validator.ValidationErrors)
	if ok {
		*target = ve
	}
	return ok
}

// RuleEnabled reports whether a guardrail rule name is in the active set.
func (g *GuardrailConfig) RuleEnabled(name string) bool {
	for _, r := range g.EnabledRules {
		if r == name {
			return true
		}
	}
	return false
}

// RedactedDSN hides the password portion of the database DSN for logging.
func (d *DatabaseConfig) RedactedDSN() string {
	dsn := d.DSN
	if i := strings.Index(dsn, "://"); i >= 0 {
		rest := dsn[i+3:]
		if at := strings.Index(rest, "@"); at >= 0 {
			if colon := strings.Index(rest[:at], ":"); colon >= 0 {
				return dsn[:i+3] + rest[:colon] + ":****" + rest[at:]
			}
		}
	}
	return dsn
}
