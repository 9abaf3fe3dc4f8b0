package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/petervdpas/goopsync/internal/listen"
	"github.com/petervdpas/goopsync/internal/proto"
	"github.com/petervdpas/goopsync/internal/transport"
	"github.com/petervdpas/goopsync/internal/util"
	"github.com/petervdpas/goopsync/internal/wire"
)

// FileName is the config file inside a peer directory.
const FileName = "goopsync.json"

// Transport kinds.
const (
	TransportMQTT   = "mqtt"
	TransportP2P    = "p2p"
	TransportMemory = "memory"
)

type Config struct {
	Profile   Profile   `json:"profile"`
	Paths     Paths     `json:"paths"`
	Transport Transport `json:"transport"`
	Session   Session   `json:"session"`
	Resolver  Resolver  `json:"resolver"`
	Viewer    Viewer    `json:"viewer"`
	Log       Log       `json:"log"`
}

type Profile struct {
	DisplayName string `json:"display_name" env:"DISPLAY_NAME"`
}

type Paths struct {
	DataDir string `json:"data_dir" env:"DATA_DIR"`
	KeyFile string `json:"key_file" env:"KEY_FILE"`
}

type Transport struct {
	Kind     string `json:"kind" env:"KIND"`
	Endpoint string `json:"endpoint" env:"ENDPOINT"`
	Username string `json:"username" env:"USERNAME"`
	Password string `json:"password" env:"PASSWORD"`
	QoS      int    `json:"qos" env:"QOS"`

	ConnectTimeoutSec int  `json:"connect_timeout_seconds" env:"CONNECT_TIMEOUT_SECONDS"`
	Reconnect         bool `json:"reconnect" env:"RECONNECT"`

	// Reconnect gives up after this many seconds; 0 keeps trying until leave.
	ReconnectMaxSec int `json:"reconnect_max_seconds" env:"RECONNECT_MAX_SECONDS"`

	// p2p only
	ListenPort int      `json:"listen_port" env:"LISTEN_PORT"`
	MdnsTag    string   `json:"mdns_tag" env:"MDNS_TAG"`
	Relays     []string `json:"relays" env:"RELAYS"`
}

type Session struct {
	TopicPrefix      string `json:"topic_prefix" env:"TOPIC_PREFIX"`
	WireFormat       string `json:"wire_format" env:"WIRE_FORMAT"`
	CodeAlphabet     string `json:"code_alphabet" env:"CODE_ALPHABET"`
	CodeLength       int    `json:"code_length" env:"CODE_LENGTH"`
	DriftThresholdMs int    `json:"drift_threshold_ms" env:"DRIFT_THRESHOLD_MS"`
	MaxBatchSize     int    `json:"max_batch_size" env:"MAX_BATCH_SIZE"`
	HistorySize      int    `json:"history_size" env:"HISTORY_SIZE"`
}

type Resolver struct {
	// Empty disables remote resolution; only the local store is used.
	URL         string `json:"url" env:"URL"`
	Token       string `json:"token" env:"TOKEN"`
	TimeoutSec  int    `json:"timeout_seconds" env:"TIMEOUT_SECONDS"`
	MaxRetries  int    `json:"max_retries" env:"MAX_RETRIES"`
	Concurrency int    `json:"concurrency" env:"CONCURRENCY"`
	CacheSize   int    `json:"cache_size" env:"CACHE_SIZE"`
}

type Viewer struct {
	HTTPAddr string `json:"http_addr" env:"HTTP_ADDR"`
}

type Log struct {
	Level string `json:"level" env:"LEVEL"`
}

func Default() Config {
	return Config{
		Profile: Profile{
			DisplayName: "listener",
		},
		Paths: Paths{
			DataDir: "data",
			KeyFile: "data/identity.key",
		},
		Transport: Transport{
			Kind:              TransportMQTT,
			Endpoint:          "tcp://127.0.0.1:1883",
			QoS:               int(transport.AtLeastOnce),
			ConnectTimeoutSec: 3,
			Reconnect:         true,
			MdnsTag:           proto.MdnsTag,
		},
		Session: Session{
			TopicPrefix:      proto.SessionTopicPrefix,
			WireFormat:       string(wire.FormatBinary),
			CodeAlphabet:     proto.DefaultCodeAlphabet,
			CodeLength:       proto.DefaultCodeLength,
			DriftThresholdMs: int(proto.DefaultDriftThreshold / time.Millisecond),
			MaxBatchSize:     50,
			HistorySize:      128,
		},
		Resolver: Resolver{
			TimeoutSec:  10,
			MaxRetries:  3,
			Concurrency: 4,
			CacheSize:   1024,
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:8790",
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	// Profile
	if strings.TrimSpace(c.Profile.DisplayName) == "" {
		return errors.New("profile.display_name is required")
	}

	// Paths
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir is required")
	}

	// Transport
	switch c.Transport.Kind {
	case TransportMQTT:
		if err := validateBrokerURL(c.Transport.Endpoint); err != nil {
			return fmt.Errorf("transport.endpoint: %w", err)
		}
	case TransportP2P:
		if strings.TrimSpace(c.Paths.KeyFile) == "" {
			return errors.New("paths.key_file is required for the p2p transport")
		}
		if strings.TrimSpace(c.Transport.MdnsTag) == "" {
			return errors.New("transport.mdns_tag is required for the p2p transport")
		}
	case TransportMemory:
	default:
		return fmt.Errorf("transport.kind must be %s, %s or %s", TransportMQTT, TransportP2P, TransportMemory)
	}
	if _, err := transport.ParseGuarantee(c.Transport.QoS); err != nil {
		return fmt.Errorf("transport.qos: %w", err)
	}
	if c.Transport.ListenPort < 0 || c.Transport.ListenPort > 65535 {
		return errors.New("transport.listen_port must be 0..65535")
	}
	if c.Transport.ConnectTimeoutSec <= 0 {
		return errors.New("transport.connect_timeout_seconds must be > 0")
	}
	if c.Transport.ReconnectMaxSec < 0 {
		return errors.New("transport.reconnect_max_seconds must be >= 0")
	}

	// Session
	if strings.TrimSpace(c.Session.TopicPrefix) == "" {
		return errors.New("session.topic_prefix is required")
	}
	if _, err := wire.ForFormat(wire.Format(c.Session.WireFormat)); err != nil {
		return fmt.Errorf("session.wire_format: %w", err)
	}
	if err := listen.ValidateCodeSpec(c.Session.CodeAlphabet, c.Session.CodeLength); err != nil {
		return fmt.Errorf("session.code_alphabet/code_length: %w", err)
	}
	if c.Session.DriftThresholdMs <= 0 {
		return errors.New("session.drift_threshold_ms must be > 0")
	}
	if c.Session.MaxBatchSize <= 0 {
		return errors.New("session.max_batch_size must be > 0")
	}
	if c.Session.HistorySize <= 0 {
		return errors.New("session.history_size must be > 0")
	}

	// Resolver
	if u := strings.TrimSpace(c.Resolver.URL); u != "" {
		if err := validateHTTPURL(u); err != nil {
			return fmt.Errorf("resolver.url: %w", err)
		}
		if c.Resolver.TimeoutSec <= 0 {
			return errors.New("resolver.timeout_seconds must be > 0")
		}
		if c.Resolver.Concurrency <= 0 {
			return errors.New("resolver.concurrency must be > 0")
		}
		if c.Resolver.MaxRetries < 0 {
			return errors.New("resolver.max_retries must be >= 0")
		}
	}

	// Log
	if _, ok := levels[strings.ToLower(c.Log.Level)]; !ok {
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}

	return nil
}

var levels = map[string]struct{}{"debug": {}, "info": {}, "warn": {}, "error": {}}

func validateBrokerURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	switch u.Scheme {
	case "tcp", "ssl", "tls", "ws", "wss", "mqtt", "mqtts":
	default:
		return errors.New("scheme must be tcp, ssl, tls, ws, wss, mqtt or mqtts")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// DriftThreshold returns session.drift_threshold_ms as a duration.
func (c Config) DriftThreshold() time.Duration {
	return time.Duration(c.Session.DriftThresholdMs) * time.Millisecond
}

// Guarantee returns the parsed transport.qos.
func (c Config) Guarantee() transport.Guarantee {
	g, _ := transport.ParseGuarantee(c.Transport.QoS)
	return g
}

// Credentials returns the broker credentials, or nil when none are set.
func (c Config) Credentials() *transport.Credentials {
	if c.Transport.Username == "" && c.Transport.Password == "" {
		return nil
	}
	return &transport.Credentials{Username: c.Transport.Username, Password: c.Transport.Password}
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file and applies environment overrides
// without validation.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays GOOPSYNC_<SECTION>_<FIELD> variables, for example
// GOOPSYNC_TRANSPORT_ENDPOINT or GOOPSYNC_LOG_LEVEL.
func applyEnv(cfg *Config) error {
	sections := []struct {
		prefix string
		v      any
	}{
		{"PROFILE_", &cfg.Profile},
		{"PATHS_", &cfg.Paths},
		{"TRANSPORT_", &cfg.Transport},
		{"SESSION_", &cfg.Session},
		{"RESOLVER_", &cfg.Resolver},
		{"VIEWER_", &cfg.Viewer},
		{"LOG_", &cfg.Log},
	}
	for _, s := range sections {
		if err := env.ParseWithOptions(s.v, env.Options{Prefix: EnvPrefix + s.prefix}); err != nil {
			return fmt.Errorf("env overrides: %w", err)
		}
	}
	return nil
}

// EnvPrefix starts every environment override.
const EnvPrefix = "GOOPSYNC_"

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, false, err
	}
	return cfg, true, cfg.Validate()
}
