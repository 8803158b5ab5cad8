// Package config loads claw-relay's runtime configuration from environment
// variables, with an optional YAML file providing local overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/clawrelay/clawrelay/internal/logger"
)

// ICEServer is a STUN/TURN server used by the supplemental P2P migration
// feature (internal/p2pmigrate).
type ICEServer struct {
	URLs       []string `yaml:"urls" json:"urls"`
	Username   string   `yaml:"username,omitempty" json:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty" json:"credential,omitempty"`
}

// Config is every runtime option the hub, agent, and launcher consume.
type Config struct {
	// Bearer tokens. AuthToken guards the client endpoints, AgentToken the
	// federation endpoint, and ClientP2PToken the agent's own P2P client
	// listener — three separate keys so that compromising one surface does
	// not open the others. Load falls back to AuthToken for an unset
	// ClientP2PToken, in which case those two surfaces share one key.
	AuthToken      string `envconfig:"CLAWRELAY_AUTH_TOKEN" required:"true"`
	AgentToken     string `envconfig:"CLAWRELAY_AGENT_TOKEN"`
	ClientP2PToken string `envconfig:"CLAWRELAY_CLIENT_P2P_TOKEN"`

	// Optional ES256 handoff signing. When HandoffKey is set on the hub,
	// list_machines responses carry a short-lived JWT per remote machine;
	// an agent configured with the matching HandoffPubKey accepts that JWT
	// on its P2P listener, so browsers never need the static P2P token.
	HandoffKey    string `envconfig:"CLAWRELAY_HANDOFF_KEY"`
	HandoffPubKey string `envconfig:"CLAWRELAY_HANDOFF_PUBKEY"`

	// Listener.
	Host        string `envconfig:"CLAWRELAY_HOST" default:"0.0.0.0"`
	Port        int    `envconfig:"CLAWRELAY_PORT" default:"8443"`
	TLSCertPath string `envconfig:"CLAWRELAY_TLS_CERT"`
	TLSKeyPath  string `envconfig:"CLAWRELAY_TLS_KEY"`

	// Reverse-proxy prefix, e.g. "/cnm". Empty means none.
	PathPrefix string `envconfig:"CLAWRELAY_PATH_PREFIX"`

	// Projects.
	ProjectsDir string `envconfig:"CLAWRELAY_PROJECTS_DIR"`

	// Uploads.
	UploadEnabled bool  `envconfig:"CLAWRELAY_UPLOAD_ENABLED" default:"true"`
	MaxUploadSize int64 `envconfig:"CLAWRELAY_MAX_UPLOAD_SIZE" default:"10485760"`

	// PTY default geometry.
	DefaultCols int `envconfig:"CLAWRELAY_DEFAULT_COLS" default:"120"`
	DefaultRows int `envconfig:"CLAWRELAY_DEFAULT_ROWS" default:"30"`

	// SessionCommand is the CLI agent binary each launcher spawns inside
	// its PTY. Opaque at this layer; named here only so
	// create_session/start_folder_session know what to run.
	SessionCommand string `envconfig:"CLAWRELAY_SESSION_CMD" default:"bash"`
	// SessionBinary is the path to the cmd/clawrelay-session binary the
	// hub/agent spawn as a detached child for each new session.
	SessionBinary string `envconfig:"CLAWRELAY_SESSION_BINARY" default:"clawrelay-session"`

	// Optional webhook.
	WebhookSecret string `envconfig:"CLAWRELAY_WEBHOOK_SECRET"`

	// Home directory for the session registry and hub store; defaults to
	// "<userHome>/.claude-relay".
	Home string `envconfig:"CLAWRELAY_HOME"`

	// Agent-only.
	HubURL       string `envconfig:"CLAWRELAY_HUB_URL"`
	MachineID    string `envconfig:"CLAWRELAY_MACHINE_ID"`
	AgentP2PAddr string `envconfig:"CLAWRELAY_AGENT_P2P_ADDR"`
	AgentP2PPort int    `envconfig:"CLAWRELAY_AGENT_P2P_PORT" default:"8444"`

	// Supplemental P2P DataChannel migration (internal/p2pmigrate), default off.
	EnableP2PMigrate bool        `envconfig:"CLAWRELAY_ENABLE_P2P_MIGRATE" default:"false"`
	ICEServers       []ICEServer `yaml:"ice_servers,omitempty"`
}

// override is the shape of the optional YAML file; only fields unwieldy
// as a single env var live here.
type override struct {
	ICEServers  []ICEServer `yaml:"ice_servers,omitempty"`
	ProjectsDir string      `yaml:"projects_dir,omitempty"`
}

// Load reads env vars into a Config, then applies an optional YAML override
// file at <home>/config.yaml if present. Env vars always take priority for
// scalar fields also present in the override file, since the override file
// is for the handful of settings (ICE servers) that are unwieldy as a
// single env var.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if cfg.Home == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve user home: %w", err)
		}
		cfg.Home = filepath.Join(homeDir, ".claude-relay")
	}

	overridePath := filepath.Join(cfg.Home, "config.yaml")
	if data, err := os.ReadFile(overridePath); err == nil {
		var ov override
		if err := yaml.Unmarshal(data, &ov); err != nil {
			return nil, fmt.Errorf("parse %s: %w", overridePath, err)
		}
		if len(ov.ICEServers) > 0 {
			cfg.ICEServers = ov.ICEServers
		}
		if cfg.ProjectsDir == "" && ov.ProjectsDir != "" {
			cfg.ProjectsDir = ov.ProjectsDir
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", overridePath, err)
	}

	if cfg.ProjectsDir == "" {
		cfg.ProjectsDir = filepath.Join(cfg.Home, "projects")
	}
	if cfg.ClientP2PToken == "" {
		cfg.ClientP2PToken = cfg.AuthToken
	}
	if cfg.AgentToken != "" && cfg.ClientP2PToken == cfg.AgentToken {
		logger.Warn("agent token and client P2P token are identical; consider setting CLAWRELAY_CLIENT_P2P_TOKEN separately")
	}

	return &cfg, nil
}

// SessionsDir is the Session Registry directory, <home>/sessions.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.Home, "sessions")
}

// StoreDBPath is the path to the hub's persistent bookkeeping database.
func (c *Config) StoreDBPath() string {
	return filepath.Join(c.Home, "hub.db")
}
