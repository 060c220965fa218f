package chainvault

import (
	"fmt"
	"os"
	"regexp"

	"github.com/go-playground/validator/v10"

	"southwinds.dev/chainvault/internal/misc"
)

// RevokePolicy controls how the vault treats a revoke request for a record
// that is already revoked.
type RevokePolicy string

const (
	// RevokeLogAlways appends a revoke transaction even when the record is
	// already revoked. The transaction log keeps a complete trail of every
	// revocation request, which matters for audit-driven deployments. This
	// is the default.
	RevokeLogAlways RevokePolicy = "log-always"

	// RevokeStrict rejects a revoke for an already-revoked record with
	// ErrRecordAlreadyRevoked. Use this when callers must be told their
	// view of the record state is stale.
	RevokeStrict RevokePolicy = "strict"
)

// Options configures a vault instance.
//
// SECURITY CHARACTERISTICS:
// The sensitive fields (DerivationPassphrase, DerivationSalt) are excluded
// from JSON serialization so an Options value can be safely embedded in
// configuration management output, logs, and diagnostics without leaking key
// material. Passphrases should preferably be delivered through
// EnvPassphraseVar rather than embedded in code or configuration files.
type Options struct {
	// DerivationPassphrase is the master passphrase used together with
	// DerivationSalt to derive the vault's encryption key.
	//
	// Security Requirements:
	// - Minimum length of 12 characters, recommended 20+ characters
	// - Unique to the vault instance and not reused across systems
	// - Never logged, displayed, or included in error messages
	//
	// The json:"-" tag prevents inclusion in JSON serialization. Prefer
	// EnvPassphraseVar for deployments where configuration is rendered
	// from templates or stored in version control.
	DerivationPassphrase string `json:"-" validate:"omitempty,min=12"`

	// EnvPassphraseVar names an environment variable containing the vault
	// passphrase. When set and DerivationPassphrase is empty, the
	// passphrase is read from the named variable during initialization.
	// This avoids passphrase exposure through process arguments and
	// configuration files, and integrates with container orchestration
	// secret delivery (Docker secrets, Kubernetes, CI/CD pipelines).
	//
	// Example values: "VAULT_MASTER_PASSPHRASE", "APP_VAULT_PASSPHRASE".
	EnvPassphraseVar string `json:"env_passphrase_var,omitempty" validate:"omitempty,env_var_name"`

	// DerivationSalt provides cryptographic uniqueness for key derivation
	// and prevents precomputed (rainbow table) attacks. It must be
	// cryptographically random and at least 16 bytes. Loss of the salt
	// renders previously exported logs permanently undecryptable, so it
	// must be backed up with the same care as the log itself.
	//
	// The json:"-" tag prevents inclusion in JSON serialization.
	DerivationSalt []byte `json:"-"`

	// EnableMemoryLock controls locking of process memory to prevent
	// sensitive data from being paged to disk.
	//
	// Operating System Integration:
	// - Unix/Linux: uses mlockall(); may require CAP_IPC_LOCK or an
	//   appropriate RLIMIT_MEMLOCK setting
	// - Windows: page locking is managed per-allocation by the secure
	//   memory layer; a process-wide lock is not available
	//
	// When the platform grants only partial locking the vault continues
	// with the protection level it could obtain.
	EnableMemoryLock bool `json:"enable_memory_lock"`

	// RevokePolicy selects the behavior for revoking an already-revoked
	// record. Empty means RevokeLogAlways.
	RevokePolicy RevokePolicy `json:"revoke_policy,omitempty" validate:"omitempty,oneof=log-always strict"`

	// UserID identifies the principal operating this vault instance. It is
	// attached to every audit event for attribution.
	UserID string `json:"-"`
}

var envVarNameRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// validEnvVarName rejects strings that cannot be environment variable names,
// catching configuration typos before the vault silently reads an empty
// passphrase.
func validEnvVarName(fl validator.FieldLevel) bool {
	return envVarNameRegex.MatchString(fl.Field().String())
}

// registerValidators installs the custom validations used by Options. Swapped
// out in tests.
var registerValidators = func(v *validator.Validate) error {
	return v.RegisterValidation("env_var_name", validEnvVarName)
}

// Validate checks the Options configuration. It runs the declarative
// struct-tag validations first and then the checks that cannot be expressed
// as tags.
func (o Options) Validate() error {
	v := validator.New()
	if err := registerValidators(v); err != nil {
		return fmt.Errorf("failed to register option validators: %w", err)
	}
	if err := v.Struct(o); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}

	// At least one passphrase source must be provided.
	if o.DerivationPassphrase == "" && o.EnvPassphraseVar == "" {
		return fmt.Errorf("either DerivationPassphrase or EnvPassphraseVar must be provided")
	}

	if len(o.DerivationSalt) > 0 && len(o.DerivationSalt) < misc.SaltSize {
		return fmt.Errorf("derivation salt must be at least %d bytes, got %d", misc.SaltSize, len(o.DerivationSalt))
	}

	return nil
}

// resolvePassphrase returns the passphrase from the options, falling back to
// the environment variable named by EnvPassphraseVar. The result is never
// retained by the vault past key derivation.
func (o Options) resolvePassphrase() (string, error) {
	if o.DerivationPassphrase != "" {
		return o.DerivationPassphrase, nil
	}
	if o.EnvPassphraseVar != "" {
		passphrase := os.Getenv(o.EnvPassphraseVar)
		if passphrase == "" {
			return "", fmt.Errorf("environment variable %s is not set or empty", o.EnvPassphraseVar)
		}
		if len(passphrase) < 12 {
			return "", fmt.Errorf("passphrase from %s is shorter than 12 characters", o.EnvPassphraseVar)
		}
		return passphrase, nil
	}
	return "", fmt.Errorf("no passphrase source configured")
}

// revokePolicy returns the effective policy, applying the default.
func (o Options) revokePolicy() RevokePolicy {
	if o.RevokePolicy == "" {
		return RevokeLogAlways
	}
	return o.RevokePolicy
}
