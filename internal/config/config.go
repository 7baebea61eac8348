package config

import (
	"time"
)

// LogLevel defines the minimum severity for error logs.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

// Log output formats.
const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
)

// Default values applied by ApplyDefaults.
const (
	DefaultAddress             = "0.0.0.0"
	DefaultServerInfo          = "bridgehttp"
	DefaultAcceptorThreads     = 1
	DefaultDispatchWorkers     = 50
	DefaultDispatchQueue       = 1024
	DefaultShutdownTimeout     = "15s"
	DefaultMaxHeaderBytes      = 8192
	DefaultMaxChunkSize        = 8192
	DefaultReadRecheckInterval = "100ms"
	DefaultResponseBufferSize  = 8192

	// Ports picked for Port == 0 fall in [EphemeralPortMin, EphemeralPortMax).
	EphemeralPortMin = 1024
	EphemeralPortMax = 65535
)

// Config is the top-level configuration structure for the container.
type Config struct {
	Server  *ServerConfig  `json:"server,omitempty" toml:"server,omitempty"`
	Logging *LoggingConfig `json:"logging,omitempty" toml:"logging,omitempty"`
}

// ServerConfig holds the container lifecycle settings.
type ServerConfig struct {
	Address     *string `json:"address,omitempty" toml:"address,omitempty"`
	Port        *int    `json:"port,omitempty" toml:"port,omitempty"` // 0 picks a random high port
	ContextPath string  `json:"context_path,omitempty" toml:"context_path,omitempty"`
	ServerInfo  string  `json:"server_info,omitempty" toml:"server_info,omitempty"`

	// Neither is supported; enabling them only produces a warning.
	RegisterDefaultServlet bool `json:"register_default_servlet,omitempty" toml:"register_default_servlet,omitempty"`
	RegisterJspServlet     bool `json:"register_jsp_servlet,omitempty" toml:"register_jsp_servlet,omitempty"`

	AcceptorThreads *int  `json:"acceptor_threads,omitempty" toml:"acceptor_threads,omitempty"`
	IOThreads       *int  `json:"io_threads,omitempty" toml:"io_threads,omitempty"` // 0 means 2 x NumCPU
	DispatchWorkers *int  `json:"dispatch_workers,omitempty" toml:"dispatch_workers,omitempty"`
	DispatchQueue   *int  `json:"dispatch_queue,omitempty" toml:"dispatch_queue,omitempty"`
	NativePoller    *bool `json:"native_poller,omitempty" toml:"native_poller,omitempty"`
	MaxConnections  int   `json:"max_connections,omitempty" toml:"max_connections,omitempty"` // 0 is unlimited

	ShutdownTimeout     *string `json:"shutdown_timeout,omitempty" toml:"shutdown_timeout,omitempty"`           // e.g. "15s"
	ReadRecheckInterval *string `json:"read_recheck_interval,omitempty" toml:"read_recheck_interval,omitempty"` // e.g. "100ms"

	MaxHeaderBytes     *int `json:"max_header_bytes,omitempty" toml:"max_header_bytes,omitempty"`
	MaxChunkSize       *int `json:"max_chunk_size,omitempty" toml:"max_chunk_size,omitempty"`
	ResponseBufferSize *int `json:"response_buffer_size,omitempty" toml:"response_buffer_size,omitempty"`
	Compression        bool `json:"compression,omitempty" toml:"compression,omitempty"`
}

// LoggingConfig holds logging configurations.
type LoggingConfig struct {
	LogLevel  LogLevel         `json:"log_level,omitempty" toml:"log_level,omitempty"`
	AccessLog *AccessLogConfig `json:"access_log,omitempty" toml:"access_log,omitempty"`
	ErrorLog  *ErrorLogConfig  `json:"error_log,omitempty" toml:"error_log,omitempty"`
}

// AccessLogConfig configures access logging.
type AccessLogConfig struct {
	Enabled        *bool    `json:"enabled,omitempty" toml:"enabled,omitempty"`
	Target         string   `json:"target,omitempty" toml:"target,omitempty"`
	Format         string   `json:"format,omitempty" toml:"format,omitempty"`
	TrustedProxies []string `json:"trusted_proxies,omitempty" toml:"trusted_proxies,omitempty"`
	RealIPHeader   *string  `json:"real_ip_header,omitempty" toml:"real_ip_header,omitempty"`
}

// ErrorLogConfig configures error logging.
type ErrorLogConfig struct {
	Target string `json:"target,omitempty" toml:"target,omitempty"`
	Format string `json:"format,omitempty" toml:"format,omitempty"`
}

// IsFilePath reports whether a log target names a file rather than a standard stream.
func IsFilePath(target string) bool {
	return target != "" && target != "stdout" && target != "stderr"
}

// ShutdownTimeoutDuration returns the parsed shutdown timeout. Validate must
// have accepted the config first; a malformed value falls back to the default.
func (s *ServerConfig) ShutdownTimeoutDuration() time.Duration {
	return parseDurationOr(s.ShutdownTimeout, DefaultShutdownTimeout)
}

// ReadRecheckIntervalDuration returns the bridge re-check period.
func (s *ServerConfig) ReadRecheckIntervalDuration() time.Duration {
	return parseDurationOr(s.ReadRecheckInterval, DefaultReadRecheckInterval)
}

func parseDurationOr(v *string, def string) time.Duration {
	if v != nil {
		if d, err := time.ParseDuration(*v); err == nil {
			return d
		}
	}
	d, _ := time.ParseDuration(def)
	return d
}

// IntValue dereferences an optional int.
func IntValue(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

// BoolValue dereferences an optional bool.
func BoolValue(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// StringValue dereferences an optional string.
func StringValue(p *string, def string) string {
	if p == nil {
		return def
	}
	return *p
}
