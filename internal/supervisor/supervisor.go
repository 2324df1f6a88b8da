// Package supervisor owns the external agent-loop process.
//
// DESIGN: Crash-only recovery. The loop process is launched with the run
// directory handed through the environment, its output piped line-by-line
// into the gateway log with a distinguishing prefix, and relaunched
// unconditionally on any exit — success or failure — until an orderly
// shutdown is requested. Shutdown asks the process to terminate gracefully
// and kills it if it lingers.
package supervisor

import (
	"bufio"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// RunDirEnv is the environment variable carrying the run directory handle.
const RunDirEnv = "GATEWAY_RUN_DIR"

// DefaultRestartDelay is the pause between an exit and the relaunch.
const DefaultRestartDelay = 1 * time.Second

// DefaultKillGrace is how long a terminating process gets before SIGKILL.
const DefaultKillGrace = 3 * time.Second

// Supervisor launches and restarts one external process.
type Supervisor struct {
	Command      []string
	RunDir       string
	RestartDelay time.Duration
	KillGrace    time.Duration

	mu       sync.Mutex
	proc     *exec.Cmd
	shutdown chan struct{}
	stopOnce sync.Once
}

// New creates a supervisor for command (program plus args).
func New(command []string, runDir string) *Supervisor {
	return &Supervisor{
		Command:      command,
		RunDir:       runDir,
		RestartDelay: DefaultRestartDelay,
		KillGrace:    DefaultKillGrace,
		shutdown:     make(chan struct{}),
	}
}

// Start runs the supervise loop in a goroutine. No-op for an empty command.
func (s *Supervisor) Start() {
	if len(s.Command) == 0 {
		log.Info().Msg("supervisor: no command configured")
		return
	}
	go s.loop()
}

func (s *Supervisor) loop() {
	for {
		select {
		case <-s.shutdown:
			return
		default:
		}

		if err := s.runOnce(); err != nil {
			log.Error().Err(err).Msg("supervisor: launch failed")
		}

		select {
		case <-s.shutdown:
			return
		case <-time.After(s.RestartDelay):
		}
	}
}

// runOnce launches the process, pipes its output, and waits for exit.
func (s *Supervisor) runOnce() error {
	cmd := exec.Command(s.Command[0], s.Command[1:]...)
	cmd.Env = append(os.Environ(), RunDirEnv+"="+s.RunDir)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	s.mu.Lock()
	s.proc = cmd
	s.mu.Unlock()

	log.Info().Str("cmd", s.Command[0]).Int("pid", cmd.Process.Pid).Msg("supervisor: loop started")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); pipeLines(stdout, "loop.out") }()
	go func() { defer wg.Done(); pipeLines(stderr, "loop.err") }()
	wg.Wait()

	err = cmd.Wait()
	s.mu.Lock()
	s.proc = nil
	s.mu.Unlock()

	if err != nil {
		log.Warn().Err(err).Msg("supervisor: loop exited")
	} else {
		log.Info().Msg("supervisor: loop exited (0)")
	}
	return nil
}

// pipeLines re-logs a child stream line-by-line with a source prefix.
func pipeLines(r io.Reader, source string) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := sc.Text(); line != "" {
			log.Info().Str("proc", source).Msg(line)
		}
	}
}

// Running reports whether a supervised process is currently alive.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc != nil
}

// Stop requests an orderly shutdown: no further restarts, graceful
// termination of the current process, then a kill if it is still present.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.shutdown) })

	s.mu.Lock()
	cmd := s.proc
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}

	_ = cmd.Process.Signal(os.Interrupt)

	deadline := time.After(s.KillGrace)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			_ = cmd.Process.Kill()
			return
		case <-tick.C:
			s.mu.Lock()
			gone := s.proc == nil
			s.mu.Unlock()
			if gone {
				return
			}
		}
	}
}
