package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "COLLABNOTES"
	defaultHTTPAddress       = "127.0.0.1:8787"
	defaultDatabasePath      = "collabnotes.db"
	defaultDevicePath        = "collabnotes-device"
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultRemoteBackend     = RemoteBackendMemory
	defaultRemoteTimeout     = 10 * time.Second
	defaultHeartbeatInterval = 5 * time.Second
	defaultPresenceTimeout   = 30 * time.Second
	defaultSessionIssuer     = "tauth"
	defaultCookieName        = "app_session"
	minPresenceTimeoutRatio  = 5
)

// Remote backends.
const (
	RemoteBackendMemory    = "memory"
	RemoteBackendFirestore = "firestore"
)

// AppConfig captures runtime configuration for the notes client.
type AppConfig struct {
	HTTPAddress             string
	AllowedOrigins          []string
	DatabasePath            string
	DevicePath              string
	LogLevel                string
	LogFormat               string
	RemoteBackend           string
	FirebaseProjectID       string
	FirebaseCredentialsFile string
	RemoteTimeout           time.Duration
	HeartbeatInterval       time.Duration
	PresenceTimeout         time.Duration
	SessionSigningSecret    string
	SessionIssuer           string
	SessionCookieName       string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("device.path", defaultDevicePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("remote.backend", defaultRemoteBackend)
	configViper.SetDefault("firebase.project_id", "")
	configViper.SetDefault("firebase.credentials_file", "")
	configViper.SetDefault("sync.remote_timeout", defaultRemoteTimeout)
	configViper.SetDefault("presence.heartbeat_interval", defaultHeartbeatInterval)
	configViper.SetDefault("presence.timeout", defaultPresenceTimeout)
	configViper.SetDefault("auth.session_signing_secret", "")
	configViper.SetDefault("auth.session_issuer", defaultSessionIssuer)
	configViper.SetDefault("auth.session_cookie", defaultCookieName)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:             configViper.GetString("http.address"),
		AllowedOrigins:          splitList(configViper.GetStringSlice("http.allowed_origins")),
		DatabasePath:            configViper.GetString("database.path"),
		DevicePath:              configViper.GetString("device.path"),
		LogLevel:                configViper.GetString("log.level"),
		LogFormat:               configViper.GetString("log.format"),
		RemoteBackend:           strings.ToLower(strings.TrimSpace(configViper.GetString("remote.backend"))),
		FirebaseProjectID:       strings.TrimSpace(configViper.GetString("firebase.project_id")),
		FirebaseCredentialsFile: strings.TrimSpace(configViper.GetString("firebase.credentials_file")),
		RemoteTimeout:           configViper.GetDuration("sync.remote_timeout"),
		HeartbeatInterval:       configViper.GetDuration("presence.heartbeat_interval"),
		PresenceTimeout:         configViper.GetDuration("presence.timeout"),
		SessionSigningSecret:    configViper.GetString("auth.session_signing_secret"),
		SessionIssuer:           configViper.GetString("auth.session_issuer"),
		SessionCookieName:       configViper.GetString("auth.session_cookie"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// SessionsEnabled reports whether TAuth session sign-in is configured.
func (c AppConfig) SessionsEnabled() bool {
	return strings.TrimSpace(c.SessionSigningSecret) != ""
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.DevicePath) == "" {
		return fmt.Errorf("device.path is required")
	}
	switch c.RemoteBackend {
	case RemoteBackendMemory:
	case RemoteBackendFirestore:
		if c.FirebaseProjectID == "" {
			return fmt.Errorf("firebase.project_id is required for the firestore backend")
		}
	default:
		return fmt.Errorf("remote.backend %q is not supported", c.RemoteBackend)
	}
	if c.RemoteTimeout <= 0 {
		return fmt.Errorf("sync.remote_timeout must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("presence.heartbeat_interval must be positive")
	}
	if c.PresenceTimeout < c.HeartbeatInterval*minPresenceTimeoutRatio {
		return fmt.Errorf("presence.timeout must be at least %d heartbeat intervals", minPresenceTimeoutRatio)
	}
	if c.SessionsEnabled() {
		if strings.TrimSpace(c.SessionIssuer) == "" {
			return fmt.Errorf("auth.session_issuer is required")
		}
		if strings.TrimSpace(c.SessionCookieName) == "" {
			return fmt.Errorf("auth.session_cookie is required")
		}
	}
	return nil
}

// splitList accepts both list values and a single comma separated string from env.
func splitList(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
