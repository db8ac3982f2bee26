package hostproc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ProcessConfig describes how to launch the assistant host process.
type ProcessConfig struct {
	Command        string
	Args           []string
	Env            []string
	Dir            string
	RequestTimeout time.Duration
	Logger         zerolog.Logger
	// OnStderr, when set, receives each host stderr line. Stderr is
	// diagnostics only and is never parsed as protocol.
	OnStderr func(line string)
}

// StartProcess launches the host and returns a connected Client. The
// process is owned by the client: Close kills it, and its exit (for any
// reason) closes the client and fails all pending requests.
func StartProcess(ctx context.Context, cfg ProcessConfig) (*Client, error) {
	if cfg.Command == "" {
		return nil, errors.New("host command is required")
	}
	log := cfg.Logger.With().Str("component", "hostproc").Logger()

	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = append(os.Environ(), cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cfg.Command, err)
	}
	log.Info().Str("command", cfg.Command).Strs("args", cfg.Args).Int("pid", cmd.Process.Pid).Msg("host process started")

	c := newClient(stdin, stdout, cfg.RequestTimeout, log, func() {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	})

	go monitorStderr(stderr, log, cfg.OnStderr)
	go func() {
		err := cmd.Wait()
		if err != nil {
			log.Error().Err(err).Msg("host process exited")
			c.closeWithErr(fmt.Errorf("host process exited: %v: %w", err, ErrClosed))
			return
		}
		log.Info().Msg("host process exited")
		c.closeWithErr(fmt.Errorf("host process exited: %w", ErrClosed))
	}()

	return c, nil
}

func monitorStderr(r io.Reader, log zerolog.Logger, hook func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		log.Debug().Str("stream", "stderr").Msg(line)
		if hook != nil {
			hook(line)
		}
	}
}
