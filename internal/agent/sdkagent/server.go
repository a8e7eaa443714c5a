package sdkagent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ETdoFresh/webedt-main-app-sub001/internal/common/logger"
)

// portPattern matches the line the Copilot CLI prints in server mode.
var portPattern = regexp.MustCompile(`listening on port (\d+)`)

const maxStartupLines = 64

type serverConfig struct {
	Path    string
	Args    []string
	Dir     string
	Env     []string
	Timeout time.Duration
}

// server is a Copilot CLI started in server mode for one turn, so the turn's
// environment overrides reach only that process.
type server struct {
	cmd    *exec.Cmd
	addr   string
	logger *logger.Logger

	once    sync.Once
	drained chan struct{}
}

// startServer spawns the CLI and waits until it reports its listening port.
func startServer(ctx context.Context, cfg serverConfig, log *logger.Logger) (*server, error) {
	cmd := exec.Command(cfg.Path, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = cfg.Env
	cmd.Stderr = io.Discard

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cfg.Path, err)
	}

	s := &server{cmd: cmd, logger: log, drained: make(chan struct{})}
	port, scanner, err := waitForPort(ctx, stdout, cfg.Timeout, log)
	if err != nil {
		s.kill()
		return nil, err
	}
	s.addr = fmt.Sprintf("localhost:%d", port)

	// Keep reading so the CLI never blocks on a full pipe.
	go func() {
		defer close(s.drained)
		for scanner.Scan() {
		}
	}()

	log.Debug("copilot server ready", zap.String("addr", s.addr), zap.Int("pid", cmd.Process.Pid))
	return s, nil
}

// Addr is the host:port the SDK client connects to.
func (s *server) Addr() string { return s.addr }

// Close stops the server process.
func (s *server) Close() {
	s.once.Do(func() {
		s.kill()
		<-s.drained
	})
}

func (s *server) kill() {
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.cmd.Wait()
}

func waitForPort(ctx context.Context, r io.Reader, timeout time.Duration, log *logger.Logger) (int, *bufio.Scanner, error) {
	scanner := bufio.NewScanner(r)
	portCh := make(chan int, 1)
	errCh := make(chan error, 1)

	go func() {
		var captured []string
		for scanner.Scan() {
			line := scanner.Text()
			log.Debug("copilot server output", zap.String("line", line))
			if len(captured) < maxStartupLines {
				captured = append(captured, line)
			}
			if m := portPattern.FindStringSubmatch(line); m != nil {
				port, err := strconv.Atoi(m[1])
				if err != nil {
					errCh <- fmt.Errorf("invalid port number %q: %w", m[1], err)
					return
				}
				portCh <- port
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errCh <- fmt.Errorf("read server output: %w", err)
			return
		}
		detail := ""
		if n := len(captured); n > 0 {
			start := max(0, n-12)
			detail = ": " + strings.Join(captured[start:], " | ")
		}
		errCh <- fmt.Errorf("copilot server exited before printing its port%s", detail)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case port := <-portCh:
		return port, scanner, nil
	case err := <-errCh:
		return 0, nil, err
	case <-timer.C:
		return 0, nil, fmt.Errorf("timeout (%s) waiting for copilot server port", timeout)
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}
