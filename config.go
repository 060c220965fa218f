package chainvault

import (
	"fmt"
	"os"

	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"

	"southwinds.dev/chainvault/audit"
	"southwinds.dev/chainvault/persist"
)

// Config is the file- and environment-loadable configuration for a vault and
// its collaborators. Layering order (lowest to highest precedence):
// defaults, YAML file, environment variables prefixed with CHAINVAULT_.
//
// Secrets never travel through Config: the passphrase is referenced by
// environment variable name only and resolved at vault construction.
type Config struct {
	// VaultName scopes the persisted log inside the chosen storage backend.
	VaultName string `koanf:"vault_name" yaml:"vault_name"`

	// EnvPassphraseVar names the environment variable holding the
	// derivation passphrase. See Options.EnvPassphraseVar.
	EnvPassphraseVar string `koanf:"env_passphrase_var" yaml:"env_passphrase_var"`

	// EnableMemoryLock requests process memory locking. See
	// Options.EnableMemoryLock.
	EnableMemoryLock bool `koanf:"enable_memory_lock" yaml:"enable_memory_lock"`

	// RevokePolicy selects the already-revoked behavior: "log-always" or
	// "strict".
	RevokePolicy string `koanf:"revoke_policy" yaml:"revoke_policy"`

	// UserID attributes audit events to a principal.
	UserID string `koanf:"user_id" yaml:"user_id"`

	// Store configures the persistence backend for snapshots.
	Store StoreSettings `koanf:"store" yaml:"store"`

	// Audit configures the audit trail backend.
	Audit AuditSettings `koanf:"audit" yaml:"audit"`
}

// StoreSettings selects and configures a persistence backend.
type StoreSettings struct {
	Type   string                 `koanf:"type" yaml:"type"`
	Config map[string]interface{} `koanf:"config" yaml:"config"`
}

// AuditSettings selects and configures an audit backend.
type AuditSettings struct {
	Enabled bool                   `koanf:"enabled" yaml:"enabled"`
	Type    string                 `koanf:"type" yaml:"type"`
	Options map[string]interface{} `koanf:"options" yaml:"options"`
}

// DefaultConfig holds the values used when neither file nor environment
// provides an override.
var DefaultConfig = Config{
	VaultName:        "default",
	EnvPassphraseVar: "CHAINVAULT_PASSPHRASE",
	EnableMemoryLock: false,
	RevokePolicy:     string(RevokeLogAlways),
	Store: StoreSettings{
		Type:   string(persist.StoreTypeFileSystem),
		Config: map[string]interface{}{"base_path": "./data"},
	},
	Audit: AuditSettings{
		Enabled: false,
	},
}

// envKeyMap routes CHAINVAULT_ environment variables to config keys. Only
// scalar settings are mapped; backend-specific maps are file-only.
var envKeyMap = map[string]string{
	"CHAINVAULT_VAULT_NAME":         "vault_name",
	"CHAINVAULT_ENV_PASSPHRASE_VAR": "env_passphrase_var",
	"CHAINVAULT_ENABLE_MEMORY_LOCK": "enable_memory_lock",
	"CHAINVAULT_REVOKE_POLICY":      "revoke_policy",
	"CHAINVAULT_USER_ID":            "user_id",
	"CHAINVAULT_STORE_TYPE":         "store.type",
	"CHAINVAULT_STORE_BASE_PATH":    "store.config.base_path",
	"CHAINVAULT_AUDIT_ENABLED":      "audit.enabled",
	"CHAINVAULT_AUDIT_TYPE":         "audit.type",
}

// Loader hooks, swapped out in tests.
var (
	defaultLoader = func(k *koanf.Koanf) error {
		return k.Load(structs.Provider(DefaultConfig, "koanf"), nil)
	}

	fileLoader = func(k *koanf.Koanf, path string) error {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		// Seed with defaults so settings absent from the file keep their
		// default values when the struct is layered back in. The maps are
		// copied so decoding never mutates DefaultConfig.
		fileCfg := DefaultConfig
		fileCfg.Store.Config = copyConfigMap(DefaultConfig.Store.Config)
		fileCfg.Audit.Options = copyConfigMap(DefaultConfig.Audit.Options)
		if err = yaml.Unmarshal(data, &fileCfg); err != nil {
			return fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		return k.Load(structs.Provider(fileCfg, "koanf"), nil)
	}

	envLoader = func(k *koanf.Koanf) error {
		return k.Load(env.Provider(".", env.Opt{
			Prefix: "CHAINVAULT_",
			TransformFunc: func(key, value string) (string, any) {
				mapped, ok := envKeyMap[key]
				if !ok {
					return "", nil // unmapped variables are ignored
				}
				switch value {
				case "true":
					return mapped, true
				case "false":
					return mapped, false
				}
				return mapped, value
			},
		}), nil)
	}
)

func copyConfigMap(src map[string]interface{}) map[string]interface{} {
	if src == nil {
		return nil
	}
	dst := make(map[string]interface{}, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// LoadConfig builds a Config from defaults, an optional YAML file, and the
// CHAINVAULT_ environment. Pass an empty path to skip file loading.
func LoadConfig(path string) (*Config, error) {
	k := koanf.New(".")

	if err := defaultLoader(k); err != nil {
		return nil, fmt.Errorf("failed to load config defaults: %w", err)
	}
	if path != "" {
		if err := fileLoader(k, path); err != nil {
			return nil, err
		}
	}
	if err := envLoader(k); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the loaded configuration for internal consistency.
func (c *Config) Validate() error {
	switch RevokePolicy(c.RevokePolicy) {
	case "", RevokeLogAlways, RevokeStrict:
	default:
		return fmt.Errorf("invalid revoke policy: %s", c.RevokePolicy)
	}

	switch persist.StoreType(c.Store.Type) {
	case "", persist.StoreTypeFileSystem, persist.StoreTypeS3, persist.StoreTypeBadger:
	default:
		return fmt.Errorf("invalid store type: %s", c.Store.Type)
	}

	if c.Audit.Enabled {
		switch audit.ConfigType(c.Audit.Type) {
		case audit.FileAuditType, audit.SyslogAuditType:
		default:
			return fmt.Errorf("invalid audit type: %s", c.Audit.Type)
		}
	}
	return nil
}

// VaultOptions translates the configuration into vault Options. The
// passphrase stays behind the environment variable reference.
func (c *Config) VaultOptions() Options {
	return Options{
		EnvPassphraseVar: c.EnvPassphraseVar,
		EnableMemoryLock: c.EnableMemoryLock,
		RevokePolicy:     RevokePolicy(c.RevokePolicy),
		UserID:           c.UserID,
	}
}

// StoreConfig translates the configuration into a persist.StoreConfig for
// persist.NewStore.
func (c *Config) StoreConfig() persist.StoreConfig {
	return persist.StoreConfig{
		Type:   persist.StoreType(c.Store.Type),
		Config: c.Store.Config,
	}
}

// AuditConfig translates the configuration into an audit.Config bound to the
// given vault identity. Returns a disabled config when auditing is off.
func (c *Config) AuditConfig(vaultID string) *audit.Config {
	return &audit.Config{
		Enabled: c.Audit.Enabled,
		VaultID: vaultID,
		Type:    audit.ConfigType(c.Audit.Type),
		Options: c.Audit.Options,
	}
}
