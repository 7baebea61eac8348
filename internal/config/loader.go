package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Format identifies the encoding of a configuration file.
type Format string

const (
	FormatJSON Format = "json"
	FormatTOML Format = "toml"
)

// LoadConfig reads, decodes, defaults and validates the configuration file at path.
// The format is taken from the file extension (.json, .toml); any other
// extension is auto-detected from the content.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("configuration file path cannot be empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %s: %w", path, err)
	}

	var format Format
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		format = FormatJSON
	case ".toml":
		format = FormatTOML
	default:
		format = detectFormat(data)
	}

	cfg, err := ParseConfig(data, format)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %s: %w", path, err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return cfg, nil
}

// detectFormat guesses JSON when the first non-space byte opens an object.
func detectFormat(data []byte) Format {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return FormatJSON
	}
	return FormatTOML
}

// ParseConfig decodes data in the given format without applying defaults.
func ParseConfig(data []byte, format Format) (*Config, error) {
	cfg := &Config{}
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("json: %w", err)
		}
	case FormatTOML:
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("toml: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("toml: unknown configuration keys: %v", undecoded)
		}
	default:
		return nil, fmt.Errorf("unsupported configuration format %q", format)
	}
	return cfg, nil
}

// Default returns a fully defaulted configuration.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills every unset field with its default value.
func ApplyDefaults(cfg *Config) {
	if cfg.Server == nil {
		cfg.Server = &ServerConfig{}
	}
	s := cfg.Server
	if s.Address == nil {
		s.Address = strPtr(DefaultAddress)
	}
	if s.Port == nil {
		s.Port = intPtr(0)
	}
	if s.ServerInfo == "" {
		s.ServerInfo = DefaultServerInfo
	}
	if s.AcceptorThreads == nil {
		s.AcceptorThreads = intPtr(DefaultAcceptorThreads)
	}
	if s.IOThreads == nil {
		s.IOThreads = intPtr(0)
	}
	if s.DispatchWorkers == nil {
		s.DispatchWorkers = intPtr(DefaultDispatchWorkers)
	}
	if s.DispatchQueue == nil {
		s.DispatchQueue = intPtr(DefaultDispatchQueue)
	}
	if s.NativePoller == nil {
		s.NativePoller = boolPtr(true)
	}
	if s.ShutdownTimeout == nil {
		s.ShutdownTimeout = strPtr(DefaultShutdownTimeout)
	}
	if s.ReadRecheckInterval == nil {
		s.ReadRecheckInterval = strPtr(DefaultReadRecheckInterval)
	}
	if s.MaxHeaderBytes == nil {
		s.MaxHeaderBytes = intPtr(DefaultMaxHeaderBytes)
	}
	if s.MaxChunkSize == nil {
		s.MaxChunkSize = intPtr(DefaultMaxChunkSize)
	}
	if s.ResponseBufferSize == nil {
		s.ResponseBufferSize = intPtr(DefaultResponseBufferSize)
	}

	if cfg.Logging == nil {
		cfg.Logging = &LoggingConfig{}
	}
	l := cfg.Logging
	if l.LogLevel == "" {
		l.LogLevel = LogLevelInfo
	}
	if l.ErrorLog == nil {
		l.ErrorLog = &ErrorLogConfig{}
	}
	if l.ErrorLog.Target == "" {
		l.ErrorLog.Target = "stderr"
	}
	if l.ErrorLog.Format == "" {
		l.ErrorLog.Format = LogFormatJSON
	}
	if l.AccessLog == nil {
		l.AccessLog = &AccessLogConfig{}
	}
	if l.AccessLog.Enabled == nil {
		l.AccessLog.Enabled = boolPtr(true)
	}
	if l.AccessLog.Target == "" {
		l.AccessLog.Target = "stdout"
	}
	if l.AccessLog.Format == "" {
		l.AccessLog.Format = LogFormatJSON
	}
}

// Validate checks a defaulted configuration for semantic errors.
func Validate(cfg *Config) error {
	if cfg == nil || cfg.Server == nil || cfg.Logging == nil {
		return fmt.Errorf("configuration must be defaulted before validation")
	}
	s := cfg.Server

	if port := IntValue(s.Port, 0); port < 0 || port > 65535 {
		return fmt.Errorf("server.port %d out of range [0, 65535]", port)
	}
	if s.ContextPath != "" {
		if !strings.HasPrefix(s.ContextPath, "/") || strings.HasSuffix(s.ContextPath, "/") {
			return fmt.Errorf("server.context_path %q must start with '/' and must not end with '/'", s.ContextPath)
		}
	}
	if IntValue(s.AcceptorThreads, 0) < 1 {
		return fmt.Errorf("server.acceptor_threads must be at least 1")
	}
	if IntValue(s.IOThreads, 0) < 0 {
		return fmt.Errorf("server.io_threads must not be negative")
	}
	if IntValue(s.DispatchWorkers, 0) < 1 {
		return fmt.Errorf("server.dispatch_workers must be at least 1")
	}
	if IntValue(s.DispatchQueue, 0) < 1 {
		return fmt.Errorf("server.dispatch_queue must be at least 1")
	}
	if s.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections must not be negative")
	}
	for name, v := range map[string]*string{
		"server.shutdown_timeout":      s.ShutdownTimeout,
		"server.read_recheck_interval": s.ReadRecheckInterval,
	} {
		d, err := time.ParseDuration(StringValue(v, ""))
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	for name, v := range map[string]*int{
		"server.max_header_bytes":     s.MaxHeaderBytes,
		"server.max_chunk_size":       s.MaxChunkSize,
		"server.response_buffer_size": s.ResponseBufferSize,
	} {
		if IntValue(v, 0) < 256 {
			return fmt.Errorf("%s must be at least 256 bytes", name)
		}
	}

	l := cfg.Logging
	switch l.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
	default:
		return fmt.Errorf("logging.log_level %q is not one of DEBUG, INFO, WARNING, ERROR", l.LogLevel)
	}
	if err := validateTarget("logging.error_log.target", l.ErrorLog.Target); err != nil {
		return err
	}
	if err := validateFormat("logging.error_log.format", l.ErrorLog.Format); err != nil {
		return err
	}
	if BoolValue(l.AccessLog.Enabled, true) {
		if err := validateTarget("logging.access_log.target", l.AccessLog.Target); err != nil {
			return err
		}
		if err := validateFormat("logging.access_log.format", l.AccessLog.Format); err != nil {
			return err
		}
	}
	return nil
}

func validateTarget(name, target string) error {
	if IsFilePath(target) && !filepath.IsAbs(target) {
		return fmt.Errorf("%s %q must be stdout, stderr or an absolute file path", name, target)
	}
	return nil
}

func validateFormat(name, format string) error {
	if format != LogFormatJSON && format != LogFormatConsole {
		return fmt.Errorf("%s %q must be %q or %q", name, format, LogFormatJSON, LogFormatConsole)
	}
	return nil
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }
func boolPtr(b bool) *bool    { return &b }
