package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport names accepted by Config.Transport.
const (
	TransportLog  = "log"
	TransportHTTP = "http"
	// TransportMQTT publishes on the embedded broker.
	TransportMQTT = "mqtt"
	// TransportMQTTExternal publishes on the broker at TransportURL.
	TransportMQTTExternal = "mqtt-external"
)

// Config lists the tunable parameters for the dispatch service.
type Config struct {
	HTTPPort        int    `yaml:"http_port"`
	MQTTBindAddress string `yaml:"mqtt_bind"`
	MetricsPort     int    `yaml:"metrics_port"`
	DatabasePath    string `yaml:"database_path"`
	LogLevel        string `yaml:"log_level"`
	LogFormat       string `yaml:"log_format"`

	Transport        string        `yaml:"transport"`
	TransportURL     string        `yaml:"transport_url"`
	TransportToken   string        `yaml:"transport_token"`
	TransportTimeout time.Duration `yaml:"transport_timeout"`
	MQTTClientID     string        `yaml:"mqtt_client_id"`

	RendererURL     string        `yaml:"renderer_url"`
	RenderTimeout   time.Duration `yaml:"render_timeout"`
	ArtifactDir     string        `yaml:"artifact_dir"`
	ArtifactReuse   time.Duration `yaml:"artifact_reuse"`
	ArtifactHorizon time.Duration `yaml:"artifact_horizon"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`

	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	FullResyncEvery   int           `yaml:"full_resync_every"`
	FloodLimit        int           `yaml:"flood_limit"`

	PerSubscriberRate float64       `yaml:"per_subscriber_rate"`
	GlobalRate        float64       `yaml:"global_rate"`
	QueueSize         int           `yaml:"queue_size"`
	MailboxSize       int           `yaml:"mailbox_size"`
	DedupTTL          time.Duration `yaml:"dedup_ttl"`

	MDNS         bool   `yaml:"mdns"`
	MDNSInstance string `yaml:"mdns_instance"`
	VersionNotes string `yaml:"version_notes"`
}

const (
	defaultHTTPPort        = 8080
	defaultMQTTBindAddress = ":1883"
	defaultMetricsPort     = 9090
	defaultDatabasePath    = "data/pokify.db"
	defaultLogLevel        = "info"
	defaultLogFormat       = "text"
	defaultArtifactDir     = "data/artifacts"
)

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTPPort:          defaultHTTPPort,
		MQTTBindAddress:   defaultMQTTBindAddress,
		MetricsPort:       defaultMetricsPort,
		DatabasePath:      defaultDatabasePath,
		LogLevel:          defaultLogLevel,
		LogFormat:         defaultLogFormat,
		Transport:         TransportLog,
		TransportTimeout:  10 * time.Second,
		MQTTClientID:      "pokify",
		RenderTimeout:     10 * time.Second,
		ArtifactDir:       defaultArtifactDir,
		ArtifactReuse:     10 * time.Minute,
		ArtifactHorizon:   24 * time.Hour,
		SweepInterval:     time.Hour,
		ReconcileInterval: 60 * time.Second,
		FullResyncEvery:   10,
		FloodLimit:        400,
		PerSubscriberRate: 1,
		GlobalRate:        30,
		QueueSize:         64,
		MailboxSize:       128,
		DedupTTL:          time.Hour,
		MDNS:              true,
		MDNSInstance:      "pokify",
	}
}

// Load starts from Default, overlays the YAML file named by
// POKIFY_CONFIG_FILE when set, then applies POKIFY_* environment variables.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv("POKIFY_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.loadEnv(); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() error {
	strs := map[string]*string{
		"POKIFY_MQTT_BIND":       &c.MQTTBindAddress,
		"POKIFY_DATABASE_PATH":   &c.DatabasePath,
		"POKIFY_LOG_LEVEL":       &c.LogLevel,
		"POKIFY_LOG_FORMAT":      &c.LogFormat,
		"POKIFY_TRANSPORT":       &c.Transport,
		"POKIFY_TRANSPORT_URL":   &c.TransportURL,
		"POKIFY_TRANSPORT_TOKEN": &c.TransportToken,
		"POKIFY_MQTT_CLIENT_ID":  &c.MQTTClientID,
		"POKIFY_RENDERER_URL":    &c.RendererURL,
		"POKIFY_ARTIFACT_DIR":    &c.ArtifactDir,
		"POKIFY_MDNS_INSTANCE":   &c.MDNSInstance,
		"POKIFY_VERSION_NOTES":   &c.VersionNotes,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"POKIFY_HTTP_PORT":         &c.HTTPPort,
		"POKIFY_METRICS_PORT":      &c.MetricsPort,
		"POKIFY_FULL_RESYNC_EVERY": &c.FullResyncEvery,
		"POKIFY_FLOOD_LIMIT":       &c.FloodLimit,
		"POKIFY_QUEUE_SIZE":        &c.QueueSize,
		"POKIFY_MAILBOX_SIZE":      &c.MailboxSize,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"POKIFY_TRANSPORT_TIMEOUT":  &c.TransportTimeout,
		"POKIFY_RENDER_TIMEOUT":     &c.RenderTimeout,
		"POKIFY_ARTIFACT_REUSE":     &c.ArtifactReuse,
		"POKIFY_ARTIFACT_HORIZON":   &c.ArtifactHorizon,
		"POKIFY_SWEEP_INTERVAL":     &c.SweepInterval,
		"POKIFY_RECONCILE_INTERVAL": &c.ReconcileInterval,
		"POKIFY_DEDUP_TTL":          &c.DedupTTL,
	}
	for key, dst := range durations {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = d
		}
	}

	floats := map[string]*float64{
		"POKIFY_PER_SUBSCRIBER_RATE": &c.PerSubscriberRate,
		"POKIFY_GLOBAL_RATE":         &c.GlobalRate,
	}
	for key, dst := range floats {
		if v := os.Getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = f
		}
	}

	if v := os.Getenv("POKIFY_MDNS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid POKIFY_MDNS: %w", err)
		}
		c.MDNS = b
	}

	return nil
}

// Validate reports every invalid setting joined into one error.
func (c Config) Validate() error {
	var errs []error
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("http port %d out of range", c.HTTPPort))
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		errs = append(errs, fmt.Errorf("metrics port %d out of range", c.MetricsPort))
	}
	switch c.Transport {
	case TransportLog, TransportMQTT:
	case TransportHTTP, TransportMQTTExternal:
		if c.TransportURL == "" {
			errs = append(errs, fmt.Errorf("transport %q needs a transport url", c.Transport))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	if c.PerSubscriberRate <= 0 || c.GlobalRate <= 0 {
		errs = append(errs, errors.New("rates must be positive"))
	}
	if c.ReconcileInterval <= 0 || c.FullResyncEvery <= 0 {
		errs = append(errs, errors.New("reconcile interval and full resync cadence must be positive"))
	}
	return errors.Join(errs...)
}
