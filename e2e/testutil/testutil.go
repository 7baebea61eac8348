package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"

	"example.com/bridgehttp/v2/internal/config"
)

// ServerInstance is a running server binary.
type ServerInstance struct {
	Cmd        *exec.Cmd
	Address    string // host:port the server listens on
	ConfigPath string
	Logs       *SyncBuffer // combined stdout and stderr

	mu      sync.Mutex
	waitErr error
	exited  chan struct{}
	cancel  context.CancelFunc
}

// SyncBuffer is a bytes.Buffer safe for one writer and many readers.
type SyncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *SyncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *SyncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// GetFreePort asks the kernel for a free open port that is ready to use.
func GetFreePort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// WriteConfig writes cfg to dir in the given format ("json" or "toml") and
// returns the file path.
func WriteConfig(dir string, cfg *config.Config, format string) (string, error) {
	var data []byte
	var err error
	switch strings.ToLower(format) {
	case "json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case "toml":
		buf := new(bytes.Buffer)
		if err = toml.NewEncoder(buf).Encode(cfg); err == nil {
			data = buf.Bytes()
		}
	default:
		err = fmt.Errorf("unsupported config format: %s", format)
	}
	if err != nil {
		return "", fmt.Errorf("failed to marshal config to %s: %w", format, err)
	}
	path := filepath.Join(dir, "server."+strings.ToLower(format))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write config file: %w", err)
	}
	return path, nil
}

// BuildServer compiles ./cmd/server from the module root into dir.
func BuildServer(moduleRoot, dir string) (string, error) {
	bin := filepath.Join(dir, "bridgehttp")
	cmd := exec.Command("go", "build", "-o", bin, "./cmd/server")
	cmd.Dir = moduleRoot
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("building server: %w\n%s", err, out)
	}
	return bin, nil
}

// StartTestServer launches the binary with --config configFile and waits
// until address accepts connections.
func StartTestServer(binary, configFile, address string, extraArgs ...string) (*ServerInstance, error) {
	ctx, cancel := context.WithCancel(context.Background())
	args := append([]string{"--config", configFile}, extraArgs...)
	cmd := exec.CommandContext(ctx, binary, args...)
	logs := &SyncBuffer{}
	cmd.Stdout = logs
	cmd.Stderr = logs

	s := &ServerInstance{
		Cmd:        cmd,
		Address:    address,
		ConfigPath: configFile,
		Logs:       logs,
		exited:     make(chan struct{}),
		cancel:     cancel,
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start server process %s: %w", binary, err)
	}
	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		s.waitErr = err
		s.mu.Unlock()
		close(s.exited)
	}()

	deadline := time.Now().Add(10 * time.Second)
	for {
		conn, err := net.DialTimeout("tcp", address, 200*time.Millisecond)
		if err == nil {
			conn.Close()
			return s, nil
		}
		select {
		case <-s.exited:
			cancel()
			return nil, fmt.Errorf("server exited before listening: %v\nLogs:\n%s", s.ExitErr(), logs.String())
		default:
		}
		if time.Now().After(deadline) {
			_ = s.Stop()
			return nil, fmt.Errorf("server not ready at %s: %v\nLogs:\n%s", address, err, logs.String())
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// Exited is closed when the process has exited.
func (s *ServerInstance) Exited() <-chan struct{} { return s.exited }

// ExitErr returns the process exit error once it has exited.
func (s *ServerInstance) ExitErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waitErr
}

// Stop sends SIGINT and waits for a graceful exit, killing the process if
// it does not exit within 5 seconds. It returns the exit error.
func (s *ServerInstance) Stop() error {
	defer s.cancel()
	select {
	case <-s.exited:
		return s.ExitErr()
	default:
	}
	if err := s.Cmd.Process.Signal(syscall.SIGINT); err == nil {
		select {
		case <-s.exited:
			return s.ExitErr()
		case <-time.After(5 * time.Second):
		}
	}
	_ = s.Cmd.Process.Kill()
	<-s.exited
	return fmt.Errorf("server did not exit after SIGINT: %w", s.ExitErr())
}

// RunServer runs the binary to completion, for invocations expected to fail
// fast. It gives up after timeout.
func RunServer(binary string, timeout time.Duration, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, binary, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if ctx.Err() != nil {
		return out.String(), fmt.Errorf("server still running after %v", timeout)
	}
	return out.String(), err
}
