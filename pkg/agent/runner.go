// Package agent starts and supervises containerized agent processes. One
// process serves one group at a time; prompts go in over stdin and results
// come back as line-delimited JSON records on stdout.
package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatbridge/pkg/logx"
)

const (
	dockerCommand = "docker"
	podmanCommand = "podman"

	containerPrefix = "chatbridge-agent-"

	// How long docker stop waits before SIGKILL.
	stopGraceSeconds = "10"
)

// Outcome classifies a finished run.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
)

// Result is the terminal classification of one agent process.
type Result struct {
	Outcome   Outcome
	ErrorText string
}

// StartRequest describes one agent process launch.
type StartRequest struct {
	// GroupFolder is the workspace-relative directory mounted at /workspace.
	GroupFolder string

	// SessionID resumes a previous conversation when non-empty.
	SessionID string

	// Prompt is written to stdin immediately after start.
	Prompt string

	// IdleTimeout closes stdin after this long with no records. The process
	// is never killed on idle; it exits on its own once stdin is closed.
	IdleTimeout time.Duration

	// OnRecord receives every parsed record as it streams.
	OnRecord func(Record)

	// OnIdleTimeout, when set, handles idle expiry instead of the process
	// closing its own stdin. The caller owns the close path then.
	OnIdleTimeout func()
}

// Runner launches agent containers via the docker CLI.
type Runner struct {
	logger        *logx.Logger
	image         string
	dockerCmd     string
	workspaceRoot string
	active        map[string]*Process
	mu            sync.Mutex
}

// NewRunner creates a runner for the given image. Podman is used when docker
// is not on PATH.
func NewRunner(image, workspaceRoot string) *Runner {
	dockerCmd := dockerCommand
	if _, err := exec.LookPath(podmanCommand); err == nil {
		if _, err := exec.LookPath(dockerCommand); err != nil {
			dockerCmd = podmanCommand
		}
	}

	return &Runner{
		logger:        logx.NewLogger("agent"),
		image:         image,
		dockerCmd:     dockerCmd,
		workspaceRoot: workspaceRoot,
		active:        make(map[string]*Process),
	}
}

// Available reports whether the container daemon responds.
func (r *Runner) Available() bool {
	if _, err := exec.LookPath(r.dockerCmd); err != nil {
		r.logger.Debug("container command not found: %v", err)
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := exec.CommandContext(ctx, r.dockerCmd, "ps", "-q").Run(); err != nil {
		r.logger.Debug("container daemon not available: %v", err)
		return false
	}
	return true
}

// Start launches an agent process and writes the initial prompt to stdin.
func (r *Runner) Start(ctx context.Context, req StartRequest) (*Process, error) {
	name := containerPrefix + uuid.NewString()[:8]
	hostDir := filepath.Join(r.workspaceRoot, req.GroupFolder)

	args := []string{
		"run", "-i", "--rm", "--name", name,
		"-v", hostDir + ":/workspace",
		"-w", "/workspace",
		r.image,
	}
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}

	cmd := exec.CommandContext(ctx, r.dockerCmd, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}

	p := &Process{
		name:      name,
		dockerCmd: r.dockerCmd,
		cmd:       cmd,
		stdin:     stdin,
		logger:    r.logger,
		done:      make(chan struct{}),
	}
	cmd.Stderr = &p.stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent container %s: %w", name, err)
	}
	r.logger.Info("Started agent %s for group %s (resume=%v)", name, req.GroupFolder, req.SessionID != "")

	r.mu.Lock()
	r.active[name] = p
	r.mu.Unlock()

	if req.IdleTimeout > 0 {
		p.idleTimeout = req.IdleTimeout
		p.idle = time.AfterFunc(req.IdleTimeout, func() {
			r.logger.Info("Agent %s idle for %s, closing stdin", name, req.IdleTimeout)
			if req.OnIdleTimeout != nil {
				req.OnIdleTimeout()
				return
			}
			_ = p.CloseStdin()
		})
	}

	go p.consume(stdout, req.OnRecord)
	go func() {
		p.waitAndClassify()
		r.mu.Lock()
		delete(r.active, name)
		r.mu.Unlock()
	}()

	if err := p.SendPrompt(req.Prompt); err != nil {
		_ = p.Stop(ctx)
		return nil, fmt.Errorf("failed to write initial prompt: %w", err)
	}
	return p, nil
}

// StopAll stops every active container, used during shutdown.
func (r *Runner) StopAll(ctx context.Context) {
	r.mu.Lock()
	procs := make([]*Process, 0, len(r.active))
	for _, p := range r.active {
		procs = append(procs, p)
	}
	r.mu.Unlock()

	for _, p := range procs {
		if err := p.Stop(ctx); err != nil {
			r.logger.Warn("Failed to stop agent %s: %v", p.name, err)
		}
	}
}

// Process is one running agent container.
type Process struct {
	name        string
	dockerCmd   string
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	idle        *time.Timer
	idleTimeout time.Duration
	logger      *logx.Logger
	stderr      bytes.Buffer

	mu          sync.Mutex
	stdinClosed bool
	hadOutput   bool
	lastError   string

	done   chan struct{}
	result Result
}

// Name returns the container name.
func (p *Process) Name() string {
	return p.name
}

// SendPrompt writes one prompt to the agent's stdin. Prompts are newline
// terminated; the agent treats each line as a separate turn.
func (p *Process) SendPrompt(prompt string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stdinClosed {
		return fmt.Errorf("agent %s stdin already closed", p.name)
	}
	// Inner newlines would split the prompt into multiple turns.
	line := strings.ReplaceAll(prompt, "\n", "\\n") + "\n"
	if _, err := io.WriteString(p.stdin, line); err != nil {
		return fmt.Errorf("failed to write prompt to agent %s: %w", p.name, err)
	}
	p.resetIdleLocked()
	return nil
}

// CloseStdin closes the agent's stdin, signalling no further prompts. The
// process keeps running until it exits on its own.
func (p *Process) CloseStdin() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stdinClosed {
		return nil
	}
	p.stdinClosed = true
	if p.idle != nil {
		p.idle.Stop()
	}
	return p.stdin.Close()
}

// Stop forcefully stops the container.
func (p *Process) Stop(ctx context.Context) error {
	_ = p.CloseStdin()
	cmd := exec.CommandContext(ctx, p.dockerCmd, "stop", "-t", stopGraceSeconds, p.name)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("docker stop %s failed: %w (output: %s)", p.name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Wait blocks until the process exits or ctx is cancelled.
func (p *Process) Wait(ctx context.Context) (Result, error) {
	select {
	case <-p.done:
		return p.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Done returns a channel closed when the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

func (p *Process) consume(stdout io.Reader, onRecord func(Record)) {
	parser := NewRecordParser(func(rec Record) {
		p.mu.Lock()
		p.resetIdleLocked()
		switch {
		case rec.Status == StatusError:
			p.lastError = rec.Error
		case rec.Result != "":
			// Only a non-empty result counts as user-visible output; a bare
			// success record must not mask a dirty exit.
			p.hadOutput = true
		}
		p.mu.Unlock()

		if onRecord != nil {
			onRecord(rec)
		}
	}, func(line string) {
		p.logger.Debug("Agent %s non-record output: %s", p.name, line)
	})

	if err := parser.ParseReader(stdout); err != nil {
		p.logger.Warn("Agent %s stdout read failed: %v", p.name, err)
	}
}

// waitAndClassify reaps the process and decides the run outcome. A non-zero
// exit after user-visible output already streamed still counts as success;
// the user got their answer and the exit code is container cleanup noise.
func (p *Process) waitAndClassify() {
	exitErr := p.cmd.Wait()

	p.mu.Lock()
	defer func() {
		p.mu.Unlock()
		close(p.done)
	}()
	p.stdinClosed = true
	if p.idle != nil {
		p.idle.Stop()
	}

	switch {
	case p.hadOutput:
		p.result = Result{Outcome: OutcomeSuccess}
	case p.lastError != "":
		p.result = Result{Outcome: OutcomeError, ErrorText: p.lastError}
	case exitErr != nil:
		p.result = Result{Outcome: OutcomeError, ErrorText: p.exitDetail(exitErr)}
	default:
		p.result = Result{Outcome: OutcomeSuccess}
	}

	if p.result.Outcome == OutcomeError {
		p.logger.Warn("Agent %s finished with error: %s", p.name, p.result.ErrorText)
	} else {
		p.logger.Info("Agent %s finished", p.name)
	}
}

func (p *Process) exitDetail(exitErr error) string {
	detail := exitErr.Error()
	if tail := tailLines(p.stderr.String(), 5); tail != "" {
		detail += ": " + tail
	}
	return detail
}

func tailLines(s string, n int) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func (p *Process) resetIdleLocked() {
	if p.idle != nil && !p.stdinClosed {
		p.idle.Reset(p.idleTimeout)
	}
}
