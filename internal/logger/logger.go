package logger

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"example.com/bridgehttp/v2/internal/config"
)

// LogFields carries structured key/value pairs attached to a log entry.
type LogFields map[string]interface{}

// parsedProxiesContainer holds pre-parsed trusted proxy IP addresses and CIDR blocks.
type parsedProxiesContainer struct {
	cidrs []*net.IPNet
	ips   []net.IP
}

// AccessEntry describes one completed exchange for the access log.
type AccessEntry struct {
	RemoteAddr    string
	Header        http.Header
	Proto         string
	Method        string
	URI           string
	Status        int
	ResponseBytes int64
	Duration      time.Duration
	ConnID        uint64
}

// AccessLogger handles access logging.
type AccessLogger struct {
	mu            sync.Mutex
	zl            zerolog.Logger
	config        config.AccessLogConfig
	output        io.WriteCloser
	parsedProxies parsedProxiesContainer
}

// ErrorLogger handles error (application) logging.
type ErrorLogger struct {
	mu     sync.Mutex
	zl     zerolog.Logger
	config config.ErrorLogConfig
	output io.WriteCloser
}

// Logger is a general logger that contains specific loggers for access and errors.
type Logger struct {
	accessLog      *AccessLogger
	errorLog       *ErrorLogger
	globalLogLevel config.LogLevel
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// NewLogger creates and configures a new Logger instance.
func NewLogger(cfg *config.LoggingConfig) (*Logger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logging configuration cannot be nil")
	}
	level := cfg.LogLevel
	if level == "" {
		level = config.LogLevelInfo
	}
	l := &Logger{globalLogLevel: level}

	errCfg := config.ErrorLogConfig{Target: "stderr", Format: config.LogFormatJSON}
	if cfg.ErrorLog != nil {
		errCfg = *cfg.ErrorLog
	}
	errOut, err := openTarget(errCfg.Target, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to open error log target: %w", err)
	}
	l.errorLog = &ErrorLogger{
		zl:     newZerolog(errOut, errCfg.Format, level),
		config: errCfg,
		output: errOut,
	}

	if cfg.AccessLog != nil && (cfg.AccessLog.Enabled == nil || *cfg.AccessLog.Enabled) {
		parsedProxies, errP := preParseTrustedProxies(cfg.AccessLog.TrustedProxies)
		if errP != nil {
			l.CloseLogFiles()
			return nil, fmt.Errorf("failed to parse trusted proxies for access log: %w", errP)
		}
		accessOut, errOpen := openTarget(cfg.AccessLog.Target, os.Stdout)
		if errOpen != nil {
			l.CloseLogFiles()
			return nil, fmt.Errorf("failed to open access log target: %w", errOpen)
		}
		// Access entries are always emitted regardless of the error log level.
		l.accessLog = &AccessLogger{
			zl:            newZerolog(accessOut, cfg.AccessLog.Format, config.LogLevelDebug),
			config:        *cfg.AccessLog,
			output:        accessOut,
			parsedProxies: parsedProxies,
		}
	}
	return l, nil
}

// NewTestLogger returns a debug-level JSON logger writing both streams to w.
func NewTestLogger(w io.Writer) *Logger {
	out := nopCloser{w}
	return &Logger{
		globalLogLevel: config.LogLevelDebug,
		errorLog: &ErrorLogger{
			zl:     newZerolog(out, config.LogFormatJSON, config.LogLevelDebug),
			config: config.ErrorLogConfig{Target: "stderr", Format: config.LogFormatJSON},
			output: out,
		},
		accessLog: &AccessLogger{
			zl:     newZerolog(out, config.LogFormatJSON, config.LogLevelDebug),
			config: config.AccessLogConfig{Target: "stdout", Format: config.LogFormatJSON},
			output: out,
		},
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return NewTestLogger(io.Discard)
}

func openTarget(target string, def *os.File) (io.WriteCloser, error) {
	switch target {
	case "":
		return def, nil
	case "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	}
	if !config.IsFilePath(target) {
		return nil, fmt.Errorf("invalid log target: %s", target)
	}
	f, err := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", target, err)
	}
	return f, nil
}

func newZerolog(w io.Writer, format string, level config.LogLevel) zerolog.Logger {
	var out io.Writer = w
	if format == config.LogFormatConsole {
		out = zerolog.ConsoleWriter{Out: w, NoColor: true, TimeFormat: "2006-01-02T15:04:05.000Z07:00"}
	}
	return zerolog.New(out).Level(toZerologLevel(level)).With().Timestamp().Logger()
}

func toZerologLevel(level config.LogLevel) zerolog.Level {
	switch level {
	case config.LogLevelDebug:
		return zerolog.DebugLevel
	case config.LogLevelWarning:
		return zerolog.WarnLevel
	case config.LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// preParseTrustedProxies converts string representations of IPs and CIDRs
// into net.IP and *net.IPNet objects for efficient checking.
func preParseTrustedProxies(proxyStrings []string) (parsedProxiesContainer, error) {
	var container parsedProxiesContainer
	for _, pStr := range proxyStrings {
		pStr = strings.TrimSpace(pStr)
		if pStr == "" {
			continue
		}
		if strings.Contains(pStr, "/") {
			_, ipNet, err := net.ParseCIDR(pStr)
			if err != nil {
				return parsedProxiesContainer{}, fmt.Errorf("invalid CIDR string in trusted_proxies '%s': %w", pStr, err)
			}
			container.cidrs = append(container.cidrs, ipNet)
			continue
		}
		ip := net.ParseIP(pStr)
		if ip == nil {
			return parsedProxiesContainer{}, fmt.Errorf("invalid IP string in trusted_proxies '%s'", pStr)
		}
		container.ips = append(container.ips, ip)
	}
	return container, nil
}

// isIPTrusted checks if a given IP address is in the list of trusted proxies.
func isIPTrusted(ip net.IP, trustedProxies parsedProxiesContainer) bool {
	if ip == nil {
		return false
	}
	for _, trustedCIDR := range trustedProxies.cidrs {
		if trustedCIDR.Contains(ip) {
			return true
		}
	}
	for _, trustedIP := range trustedProxies.ips {
		if trustedIP.Equal(ip) {
			return true
		}
	}
	return false
}

// getRealClientIP determines the client's IP from the direct peer address and,
// when configured, the right-most untrusted entry of realIPHeaderName.
func getRealClientIP(remoteAddr string, headers http.Header, realIPHeaderName string, trustedProxies parsedProxiesContainer) string {
	directPeer := remoteAddr
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		directPeer = host
	} else if ip := net.ParseIP(remoteAddr); ip != nil {
		directPeer = ip.String()
	}

	if realIPHeaderName == "" || headers == nil {
		return directPeer
	}
	headerValue := headers.Get(realIPHeaderName)
	if headerValue == "" {
		return directPeer
	}

	// X-Forwarded-For is "client, proxy1, proxy2"; walk it right to left.
	ipsInHeader := strings.Split(headerValue, ",")
	for i := len(ipsInHeader) - 1; i >= 0; i-- {
		ipStr := strings.TrimSpace(ipsInHeader[i])
		if ipStr == "" {
			continue
		}
		ip := net.ParseIP(ipStr)
		if ip == nil {
			// A malformed entry makes the chain unreliable.
			return directPeer
		}
		if !isIPTrusted(ip, trustedProxies) {
			return ipStr
		}
	}
	return directPeer
}

// LogAccess writes an access log entry.
func (al *AccessLogger) LogAccess(e AccessEntry) {
	if al == nil {
		return
	}
	_, clientPort, err := net.SplitHostPort(e.RemoteAddr)
	if err != nil {
		clientPort = "0"
	}
	realIPHeaderName := ""
	if al.config.RealIPHeader != nil {
		realIPHeaderName = *al.config.RealIPHeader
	}

	al.mu.Lock()
	defer al.mu.Unlock()
	ev := al.zl.Log().
		Str("remote_addr", getRealClientIP(e.RemoteAddr, e.Header, realIPHeaderName, al.parsedProxies)).
		Str("remote_port", clientPort).
		Str("protocol", e.Proto).
		Str("method", e.Method).
		Str("uri", e.URI).
		Int("status", e.Status).
		Int64("resp_bytes", e.ResponseBytes).
		Int64("duration_ms", e.Duration.Milliseconds()).
		Uint64("conn_id", e.ConnID)
	if e.Header != nil {
		if ua := e.Header.Get("User-Agent"); ua != "" {
			ev = ev.Str("user_agent", ua)
		}
		if ref := e.Header.Get("Referer"); ref != "" {
			ev = ev.Str("referer", ref)
		}
	}
	ev.Send()
}

// LogError writes an error log entry if level passes the configured threshold.
func (el *ErrorLogger) LogError(level config.LogLevel, msg string, fields ...LogFields) {
	if el == nil {
		return
	}
	el.mu.Lock()
	defer el.mu.Unlock()
	ev := el.zl.WithLevel(toZerologLevel(level))
	if ev == nil {
		return
	}
	for _, f := range fields {
		for k, v := range f {
			if err, ok := v.(error); ok {
				ev = ev.AnErr(k, err)
				continue
			}
			ev = ev.Interface(k, v)
		}
	}
	ev.Msg(msg)
}

func (l *Logger) Info(msg string, fields ...LogFields) {
	if l != nil {
		l.errorLog.LogError(config.LogLevelInfo, msg, fields...)
	}
}

func (l *Logger) Error(msg string, fields ...LogFields) {
	if l != nil {
		l.errorLog.LogError(config.LogLevelError, msg, fields...)
	}
}

func (l *Logger) Debug(msg string, fields ...LogFields) {
	if l != nil {
		l.errorLog.LogError(config.LogLevelDebug, msg, fields...)
	}
}

func (l *Logger) Warn(msg string, fields ...LogFields) {
	if l != nil {
		l.errorLog.LogError(config.LogLevelWarning, msg, fields...)
	}
}

// Access records a completed exchange when access logging is enabled.
func (l *Logger) Access(e AccessEntry) {
	if l != nil && l.accessLog != nil {
		l.accessLog.LogAccess(e)
	}
}

// CloseLogFiles closes any open log files. Standard streams are left open.
func (l *Logger) CloseLogFiles() error {
	var firstErr error
	closeOut := func(out io.WriteCloser) {
		f, ok := out.(*os.File)
		if !ok || f == os.Stdout || f == os.Stderr {
			return
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if l.accessLog != nil {
		closeOut(l.accessLog.output)
	}
	if l.errorLog != nil {
		closeOut(l.errorLog.output)
	}
	return firstErr
}

// ReopenLogFiles closes and reopens file-based targets, for log rotation on SIGHUP.
func (l *Logger) ReopenLogFiles() error {
	if l.errorLog != nil && config.IsFilePath(l.errorLog.config.Target) {
		el := l.errorLog
		el.mu.Lock()
		out, err := reopen(el.output, el.config.Target)
		if err == nil {
			el.output = out
			el.zl = newZerolog(out, el.config.Format, l.globalLogLevel)
		}
		el.mu.Unlock()
		if err != nil {
			return err
		}
	}
	if l.accessLog != nil && config.IsFilePath(l.accessLog.config.Target) {
		al := l.accessLog
		al.mu.Lock()
		out, err := reopen(al.output, al.config.Target)
		if err == nil {
			al.output = out
			al.zl = newZerolog(out, al.config.Format, config.LogLevelDebug)
		}
		al.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

func reopen(old io.WriteCloser, path string) (io.WriteCloser, error) {
	_ = old.Close()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to reopen log file %s: %w", path, err)
	}
	return f, nil
}
