package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	LogFile      string `yaml:"log_file"`
	LogMaxSizeMB int    `yaml:"log_max_size_mb"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	StdoutTraces bool   `yaml:"stdout_traces"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Endpoint    EndpointConfig  `yaml:"endpoint"`
	Capture     CaptureConfig   `yaml:"capture"`
	Bus         BusConfig       `yaml:"bus"`
	Journal     JournalConfig   `yaml:"journal"`
	Console     ConsoleConfig   `yaml:"console"`
}

// EndpointConfig selects the work server. Target picks between the
// development and production base addresses.
type EndpointConfig struct {
	Target         string `yaml:"target"` // development, production
	DevelopmentURL string `yaml:"development_url"`
	ProductionURL  string `yaml:"production_url"`
	TimeoutMS      int    `yaml:"timeout_ms"`
}

type CaptureConfig struct {
	Device      string `yaml:"device"` // synthetic, exec, portaudio
	Command     string `yaml:"command"`
	MimeType    string `yaml:"mime_type"`
	SampleRate  int    `yaml:"sample_rate"`
	Channels    int    `yaml:"channels"`
	FrameMS     int    `yaml:"frame_ms"`
	TimesliceMS int    `yaml:"timeslice_ms"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type JournalConfig struct {
	RetentionMode string `yaml:"retention_mode"` // ephemeral, session
	MaxEvents     int    `yaml:"max_events"`
}

type ConsoleConfig struct {
	Enabled bool `yaml:"enabled"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-recorder",
		Environment: "development",
		HTTP: HTTPConfig{
			Enabled: true,
			Bind:    "127.0.0.1",
			Port:    8090,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			LogMaxSizeMB: 20,
			OTLPInsecure: true,
		},
		Endpoint: EndpointConfig{
			Target:         "development",
			DevelopmentURL: "http://localhost:4000",
			TimeoutMS:      30000,
		},
		Capture: CaptureConfig{
			Device:      "exec",
			Command:     "arecord -q -t raw -f S16_LE -r {sample_rate} -c {channels}",
			MimeType:    "audio/wav",
			SampleRate:  22050,
			Channels:    1,
			FrameMS:     20,
			TimesliceMS: 1000,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Journal: JournalConfig{
			RetentionMode: "session",
			MaxEvents:     1000,
		},
		Console: ConsoleConfig{
			Enabled: true,
		},
	}
}

// BaseURL returns the work server address for the configured target.
func (e EndpointConfig) BaseURL() string {
	if e.Target == "production" {
		return e.ProductionURL
	}
	return e.DevelopmentURL
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideBool(&cfg.HTTP.Enabled, "LOQA_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFile, "LOQA_TELEMETRY_LOG_FILE")
	overrideInt(&cfg.Telemetry.LogMaxSizeMB, "LOQA_TELEMETRY_LOG_MAX_SIZE_MB")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "LOQA_TELEMETRY_STDOUT_TRACES")
	overrideString(&cfg.Endpoint.Target, "LOQA_ENDPOINT_TARGET")
	overrideString(&cfg.Endpoint.DevelopmentURL, "LOQA_ENDPOINT_DEVELOPMENT_URL")
	overrideString(&cfg.Endpoint.ProductionURL, "LOQA_ENDPOINT_PRODUCTION_URL")
	overrideInt(&cfg.Endpoint.TimeoutMS, "LOQA_ENDPOINT_TIMEOUT_MS")
	overrideString(&cfg.Capture.Device, "LOQA_CAPTURE_DEVICE")
	overrideString(&cfg.Capture.Command, "LOQA_CAPTURE_COMMAND")
	overrideString(&cfg.Capture.MimeType, "LOQA_CAPTURE_MIME_TYPE")
	overrideInt(&cfg.Capture.SampleRate, "LOQA_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "LOQA_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.FrameMS, "LOQA_CAPTURE_FRAME_MS")
	overrideInt(&cfg.Capture.TimesliceMS, "LOQA_CAPTURE_TIMESLICE_MS")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Journal.RetentionMode, "LOQA_JOURNAL_RETENTION_MODE")
	overrideInt(&cfg.Journal.MaxEvents, "LOQA_JOURNAL_MAX_EVENTS")
	overrideBool(&cfg.Console.Enabled, "LOQA_CONSOLE_ENABLED")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch cfg.Endpoint.Target {
	case "development", "production":
	default:
		return errors.New("endpoint.target must be one of development|production")
	}
	if strings.TrimSpace(cfg.Endpoint.BaseURL()) == "" {
		return fmt.Errorf("endpoint.%s_url must be set when target=%s", cfg.Endpoint.Target, cfg.Endpoint.Target)
	}
	if cfg.Endpoint.TimeoutMS < 0 {
		return errors.New("endpoint.timeout_ms must be >= 0")
	}
	switch cfg.Capture.Device {
	case "synthetic", "exec", "portaudio":
	default:
		return errors.New("capture.device must be one of synthetic|exec|portaudio")
	}
	if cfg.Capture.Device == "synthetic" && cfg.Endpoint.Target == "production" {
		return errors.New("capture.device=synthetic records a test tone and must not submit to the production target")
	}
	if cfg.Capture.Device == "exec" && strings.TrimSpace(cfg.Capture.Command) == "" {
		return errors.New("capture.command must be set when device=exec")
	}
	if cfg.Capture.MimeType != "audio/wav" {
		return errors.New("capture.mime_type must be audio/wav")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.Channels <= 0 {
		return errors.New("capture.channels must be positive")
	}
	if cfg.Capture.FrameMS <= 0 {
		return errors.New("capture.frame_ms must be positive")
	}
	if cfg.Capture.TimesliceMS < 0 {
		return errors.New("capture.timeslice_ms must be >= 0")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.Journal.RetentionMode {
	case "ephemeral", "session":
	default:
		return errors.New("journal.retention_mode must be one of ephemeral|session")
	}
	if cfg.Journal.MaxEvents < 0 {
		return errors.New("journal.max_events must be >= 0")
	}
	return nil
}
