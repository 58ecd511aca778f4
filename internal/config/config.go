// Package config loads and saves nearbyupgrade's on-disk configuration: the
// local endpoint's identity, its medium preferences and retry policy, ICE
// server list, and the presence credentials it scans and advertises with.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

// DefaultSTUNServers are the public STUN servers used when none are configured.
var DefaultSTUNServers = []string{
	"stun:stun.cloudflare.com:3478",
	"stun:stun.l.google.com:19302",
}

// DefaultMediumOrder is the medium preference order used when none is
// configured.
var DefaultMediumOrder = []string{"wifi_lan", "wifi_direct", "wifi_hotspot", "webrtc", "bluetooth"}

// DefaultConfigDir is the system-wide config directory for nearbyupgrade.
const DefaultConfigDir = "/etc/nearbyupgrade"

// secretsFileName is the name of the secrets file within the config directory.
const secretsFileName = "secrets.toml"

// Config is the top-level configuration for nearbyupgrade.
// It is persisted as a TOML file at DefaultConfigPath().
type Config struct {
	Endpoint EndpointConfig `toml:"endpoint"`
	Mediums  MediumsConfig  `toml:"mediums"`
	Retry    RetryConfig    `toml:"retry"`
	STUN     STUNConfig     `toml:"stun"`
	WebRTC   WebRTCConfig   `toml:"webrtc"`
	Presence PresenceConfig `toml:"presence"`
}

// EndpointConfig identifies this device within a service.
type EndpointConfig struct {
	// ID is this device's endpoint ID, advertised to peers during discovery.
	ID string `toml:"id"`

	// ServiceID scopes which endpoints this device will upgrade connections
	// with; only endpoints advertising the same service ID are considered.
	ServiceID string `toml:"service_id"`
}

// MediumsConfig controls which upgrade mediums are available and how they
// are ranked against each other.
type MediumsConfig struct {
	// Enabled lists the mediums this device can upgrade to, in descending
	// preference order (chooseBestUpgradeMedium picks the first one with a
	// registered handler and available connectivity).
	Enabled []string `toml:"enabled"`

	// MultiMediumUpgrades governs the disconnect path. When false (the
	// default), a disconnecting endpoint's initiator-side listener interest
	// on its medium is always released; when true, it is released only if at
	// most one other endpoint remains connected.
	MultiMediumUpgrades bool `toml:"multi_medium_upgrades,omitempty"`
}

// RetryConfig controls the backoff schedule for a failed upgrade attempt.
type RetryConfig struct {
	// InitialDelaySeconds is the delay before the first retry.
	InitialDelaySeconds int `toml:"initial_delay_seconds"`

	// MaxDelaySeconds caps the backoff schedule.
	MaxDelaySeconds int `toml:"max_delay_seconds"`

	// MaxAttempts is the number of retries before an endpoint's upgrade is
	// abandoned. Zero means unlimited.
	MaxAttempts int `toml:"max_attempts,omitempty"`
}

// STUNConfig lists the STUN servers used for ICE NAT traversal.
type STUNConfig struct {
	// Servers is a list of STUN server URIs (e.g. "stun:stun.cloudflare.com:3478").
	Servers []string `toml:"servers"`
}

// WebRTCConfig controls the webrtc medium's data channel and ICE behavior.
type WebRTCConfig struct {
	// Ordered controls whether the data channel delivers messages in order.
	Ordered bool `toml:"ordered"`

	// MaxRetransmits is the maximum number of retransmission attempts for the
	// data channel.
	MaxRetransmits int `toml:"max_retransmits"`

	// ICEServers additionally lists turn:/turns: URIs to offer pion, beyond
	// the plain STUN servers above.
	ICEServers []string `toml:"ice_servers,omitempty"`

	// TURNSecret, when set, mints a fresh short-lived username/password pair
	// per dial via internal/turn.GenerateCredentials for every turn:/turns:
	// entry in ICEServers, instead of using a single static shared password.
	TURNSecret string `toml:"turn_secret,omitempty"`
}

// PresenceConfig lists the shared credentials a presence scanner holds for
// trial decryption, plus this device's own local credential for advertising.
type PresenceConfig struct {
	Credentials []CredentialConfig    `toml:"credentials,omitempty"`
	Local       *LocalCredentialConfig `toml:"local,omitempty"`
}

// CredentialConfig is the TOML representation of a credential.SharedCredential.
type CredentialConfig struct {
	ID                       string `toml:"id"`
	IdentityType             string `toml:"identity_type"`
	KeySeed                  Key    `toml:"key_seed"`
	MetadataEncryptionKeyTag Key    `toml:"metadata_encryption_key_tag"`
}

// LocalCredentialConfig additionally carries the metadata key this device
// includes in the clear when it advertises under CredentialConfig's identity.
type LocalCredentialConfig struct {
	CredentialConfig
	MetadataKey MetadataKey `toml:"metadata_key"`
}

// configFile is the TOML representation for config.toml (world-readable, no secrets).
type configFile struct {
	Endpoint EndpointConfig `toml:"endpoint"`
	Mediums  MediumsConfig  `toml:"mediums"`
	Retry    RetryConfig    `toml:"retry"`
	STUN     STUNConfig     `toml:"stun"`
	WebRTC   webrtcFile     `toml:"webrtc"`
}

type webrtcFile struct {
	Ordered        bool     `toml:"ordered"`
	MaxRetransmits int      `toml:"max_retransmits"`
	ICEServers     []string `toml:"ice_servers,omitempty"`
}

// secretsFile is the TOML representation for secrets.toml (0660, root + invoking user).
type secretsFile struct {
	TURNSecret string         `toml:"turn_secret,omitempty"`
	Presence   PresenceConfig `toml:"presence,omitempty"`
}

// toConfigFile extracts the non-secret fields from a Config for config.toml.
func toConfigFile(cfg *Config) *configFile {
	return &configFile{
		Endpoint: cfg.Endpoint,
		Mediums:  cfg.Mediums,
		Retry:    cfg.Retry,
		STUN:     cfg.STUN,
		WebRTC: webrtcFile{
			Ordered:        cfg.WebRTC.Ordered,
			MaxRetransmits: cfg.WebRTC.MaxRetransmits,
			ICEServers:     cfg.WebRTC.ICEServers,
		},
	}
}

// toSecretsFile extracts the secret fields from a Config for secrets.toml:
// the TURN REST API secret and every presence credential's key material.
func toSecretsFile(cfg *Config) *secretsFile {
	return &secretsFile{
		TURNSecret: cfg.WebRTC.TURNSecret,
		Presence:   cfg.Presence,
	}
}

// mergeSecrets overlays secret fields from a secretsFile onto a Config.
func mergeSecrets(cfg *Config, s *secretsFile) {
	cfg.WebRTC.TURNSecret = s.TURNSecret
	cfg.Presence = s.Presence
}

// DefaultConfig returns a Config populated with sensible defaults.
// Endpoint-specific fields (id, service_id) are left empty and must be
// filled in by the caller.
func DefaultConfig() *Config {
	return &Config{
		Mediums: MediumsConfig{
			Enabled: append([]string(nil), DefaultMediumOrder...),
		},
		STUN: STUNConfig{
			Servers: append([]string(nil), DefaultSTUNServers...),
		},
		WebRTC: WebRTCConfig{
			Ordered:        false,
			MaxRetransmits: 0,
		},
	}
}

// DefaultConfigPath returns the default path for the nearbyupgrade config file.
func DefaultConfigPath() (string, error) {
	return filepath.Join(DefaultConfigDir, "config.toml"), nil
}

// DefaultSecretsPath returns the default path for the nearbyupgrade secrets file.
func DefaultSecretsPath() string {
	return filepath.Join(DefaultConfigDir, secretsFileName)
}

// SecretsPathFromConfig derives the secrets.toml path from a config.toml path.
func SecretsPathFromConfig(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), secretsFileName)
}

// LoadConfig reads config.toml and secrets.toml from the config directory,
// merging them into a single Config. If config.toml does not exist, it
// returns an error wrapping fs.ErrNotExist. If secrets.toml does not exist,
// the secret fields are left at their zero values.
//
// For commands that explicitly do not need secrets (and should work without
// root), use LoadPublicConfig instead.
func LoadConfig(path string) (*Config, error) {
	cfg, err := LoadPublicConfig(path)
	if err != nil {
		return nil, err
	}

	secretsPath := SecretsPathFromConfig(path)
	var sec secretsFile
	if _, err := toml.DecodeFile(secretsPath, &sec); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading secrets file %s: %w", secretsPath, err)
		}
		// secrets.toml missing — leave secret fields at zero values.
	} else {
		mergeSecrets(cfg, &sec)
	}

	return cfg, nil
}

// LoadPublicConfig reads only config.toml (the world-readable, non-secret
// portion of the configuration). Use this for commands that do not need
// secrets and should work without root (e.g. "nearbyupgrade simulate").
func LoadPublicConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %w", err)
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// SaveConfig writes both config.toml and secrets.toml to the directory
// containing path. Parent directories are created with mode 0755 if they
// don't exist.
//
// When running via sudo, both files are chowned to root:<invoking-user-gid>
// so the invoking user can read and write them without sudo:
//   - config.toml:  0664 (world-readable, group-writable — no secrets)
//   - secrets.toml: 0660 (group-readable + group-writable — contains secrets)
func SaveConfig(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}
	if err := os.Chmod(dir, 0755); err != nil {
		return fmt.Errorf("setting directory permissions on %s: %w", dir, err)
	}

	if err := writeFile(path, 0664, toConfigFile(cfg)); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	applyUserOwnership(path)

	secretsPath := SecretsPathFromConfig(path)
	if err := writeFile(secretsPath, 0660, toSecretsFile(cfg)); err != nil {
		return fmt.Errorf("writing secrets file: %w", err)
	}
	applyUserOwnership(secretsPath)

	return nil
}

// SaveSecrets writes only the secrets.toml file for the given config path.
// Use this when only secret fields have changed (e.g. a new presence
// credential) and re-writing config.toml is unnecessary.
func SaveSecrets(configPath string, cfg *Config) error {
	secretsPath := SecretsPathFromConfig(configPath)
	if err := writeFile(secretsPath, 0660, toSecretsFile(cfg)); err != nil {
		return fmt.Errorf("writing secrets file: %w", err)
	}
	applyUserOwnership(secretsPath)
	return nil
}

// applyUserOwnership sets group ownership on a config file so the user who
// ran sudo can read and write it without elevation. When running as root via
// sudo, the SUDO_GID environment variable identifies the invoking user's
// primary group. The file is chowned to root:<sudo-gid>.
//
// This is a best-effort operation — errors are silently ignored because the
// file is already written successfully and root can always access it.
func applyUserOwnership(path string) {
	if os.Getuid() != 0 {
		return
	}

	gidStr := os.Getenv("SUDO_GID")
	if gidStr == "" {
		return
	}

	gid, err := strconv.Atoi(gidStr)
	if err != nil {
		return
	}

	_ = os.Chown(path, 0, gid)
}

// writeFile encodes v as TOML and writes it to path with the given file mode.
// If the file already exists with different permissions, the permissions are
// corrected.
func writeFile(path string, mode os.FileMode, v interface{}) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("encoding TOML: %w", err)
	}

	if err := os.WriteFile(path, buf.Bytes(), mode); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	if err := os.Chmod(path, mode); err != nil {
		return fmt.Errorf("setting permissions on %s: %w", path, err)
	}

	return nil
}

// FixPermissions ensures the config directory and files have the correct
// permissions for the split config model. This should be called from
// commands that run as root to fix permissions from older versions.
func FixPermissions(configPath string) error {
	dir := filepath.Dir(configPath)

	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		if err := os.Chmod(dir, 0755); err != nil {
			return fmt.Errorf("setting directory permissions on %s: %w", dir, err)
		}
	}

	if _, err := os.Stat(configPath); err == nil {
		_ = os.Chmod(configPath, 0664)
		applyUserOwnership(configPath)
	}
	secretsPath := SecretsPathFromConfig(configPath)
	if _, err := os.Stat(secretsPath); err == nil {
		_ = os.Chmod(secretsPath, 0660)
		applyUserOwnership(secretsPath)
	}

	return nil
}

// applyDefaults fills in default values for optional fields that are
// zero-valued after TOML decoding.
func applyDefaults(cfg *Config) {
	if len(cfg.Mediums.Enabled) == 0 {
		cfg.Mediums.Enabled = append([]string(nil), DefaultMediumOrder...)
	}
	if len(cfg.STUN.Servers) == 0 {
		cfg.STUN.Servers = append([]string(nil), DefaultSTUNServers...)
	}
}
