package sandbox

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	defaultCommandTimeoutMs    = 300000
	defaultBackgroundTimeoutMs = 120000
	pidCheckInterval           = 2 * time.Second
	diedTailLimit              = 2000
)

// ExecResult is the outcome of one command inside the sandbox. Exec transport
// errors surface as ExitCode -1 with the error text in Stderr; they never
// abort the mission by themselves.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// LogSink receives every output chunk streamed from the sandbox
type LogSink func(chunk string, isError bool)

// Instance is one mission's isolated workspace: a host directory bind-mounted
// into a dedicated container.
type Instance struct {
	id          string
	missionID   string
	containerID string
	workspace   string
	repoDir     string
	shell       string
	cli         *client.Client
	logger      *log.Logger

	mu    sync.Mutex
	onLog LogSink
}

// ID returns the instance identifier used for teardown
func (i *Instance) ID() string { return i.id }

// RepoPath returns the host-side repository directory
func (i *Instance) RepoPath() string { return i.repoDir }

// StreamLogs registers the single sink that receives exec output chunks
func (i *Instance) StreamLogs(sink LogSink) {
	i.mu.Lock()
	i.onLog = sink
	i.mu.Unlock()
}

func (i *Instance) emit(chunk string, isError bool) {
	i.mu.Lock()
	sink := i.onLog
	i.mu.Unlock()
	if sink != nil && chunk != "" {
		sink(chunk, isError)
	}
}

// Init detects the container shell, best-effort installs the base tooling and
// initialises the git workspace. A failed git init is fatal.
func (i *Instance) Init(ctx context.Context) error {
	if res := i.exec(ctx, []string{"sh", "-c", "command -v bash"}, "", 15000, nil); res.ExitCode == 0 {
		i.shell = "bash"
	}

	// Tool presence is best effort; slim images differ in package manager
	i.exec(ctx, []string{i.shell, "-lc",
		"(apk add --no-cache git curl wget procps || (apt-get update && apt-get install -y git curl wget procps)) >/dev/null 2>&1 || true"},
		"", 180000, nil)

	res := i.exec(ctx, []string{i.shell, "-lc",
		`git init && git config user.email "openjules@local" && git config user.name "OpenJules"`},
		"/workspace/repo", 30000, nil)
	if res.ExitCode != 0 {
		return fmt.Errorf("git init failed (exit %d): %s", res.ExitCode, res.Stderr)
	}

	i.emit(fmt.Sprintf("sandbox ready: container %.12s, shell %s, workspace /workspace/repo\n", i.containerID, i.shell), false)
	return nil
}

// containerWorkdir translates a host path under the workspace to its
// container-side mount path.
func (i *Instance) containerWorkdir(workdir string) string {
	if workdir == "" {
		return "/workspace/repo"
	}
	if strings.HasPrefix(workdir, "/workspace") {
		return workdir
	}
	if rel, err := filepath.Rel(i.workspace, workdir); err == nil && !strings.HasPrefix(rel, "..") {
		return filepath.Join("/workspace", rel)
	}
	return "/workspace/repo"
}

type chunkWriter struct {
	inst    *Instance
	isError bool
	mu      *sync.Mutex
	buf     *strings.Builder
	onChunk func()
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	w.buf.Write(p)
	w.mu.Unlock()
	w.inst.emit(string(p), w.isError)
	if w.onChunk != nil {
		w.onChunk()
	}
	return len(p), nil
}

// exec runs argv in the container, demultiplexes stdout/stderr and returns
// the collected result. onChunk, when set, fires after every output chunk.
func (i *Instance) exec(ctx context.Context, argv []string, workdir string, timeoutMs int, onChunk func()) *ExecResult {
	if timeoutMs <= 0 {
		timeoutMs = defaultCommandTimeoutMs
	}
	execCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	created, err := i.cli.ContainerExecCreate(execCtx, i.containerID, container.ExecOptions{
		Cmd:          argv,
		WorkingDir:   workdir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return &ExecResult{ExitCode: -1, Stderr: fmt.Sprintf("exec create failed: %v", err)}
	}

	attach, err := i.cli.ContainerExecAttach(execCtx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return &ExecResult{ExitCode: -1, Stderr: fmt.Sprintf("exec attach failed: %v", err)}
	}
	defer attach.Close()

	var mu sync.Mutex
	var stdout, stderr strings.Builder
	outW := &chunkWriter{inst: i, mu: &mu, buf: &stdout, onChunk: onChunk}
	errW := &chunkWriter{inst: i, isError: true, mu: &mu, buf: &stderr, onChunk: onChunk}

	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(outW, errW, attach.Reader)
		done <- err
	}()

	select {
	case <-execCtx.Done():
		attach.Close()
		<-done
		mu.Lock()
		defer mu.Unlock()
		return &ExecResult{
			Stdout:   stdout.String(),
			Stderr:   stderr.String() + fmt.Sprintf("\ncommand timed out after %dms", timeoutMs),
			ExitCode: -1,
		}
	case copyErr := <-done:
		mu.Lock()
		out, errOut := stdout.String(), stderr.String()
		mu.Unlock()
		if copyErr != nil {
			return &ExecResult{Stdout: out, Stderr: errOut + fmt.Sprintf("\nexec stream error: %v", copyErr), ExitCode: -1}
		}
		inspect, err := i.cli.ContainerExecInspect(context.WithoutCancel(ctx), created.ID)
		if err != nil {
			return &ExecResult{Stdout: out, Stderr: errOut, ExitCode: -1}
		}
		return &ExecResult{Stdout: out, Stderr: errOut, ExitCode: inspect.ExitCode}
	}
}

// Command runs a foreground shell command with a timeout
func (i *Instance) Command(ctx context.Context, cmd, workdir string, timeoutMs int) *ExecResult {
	return i.exec(ctx, []string{i.shell, "-lc", cmd}, i.containerWorkdir(workdir), timeoutMs, nil)
}

// BackgroundCommand launches cmd detached and waits until readyPattern
// (case-insensitive) matches its combined output. The pid check and the
// overall timeout race against the pattern match; the first to fire wins.
// A successful match leaves the process running.
func (i *Instance) BackgroundCommand(ctx context.Context, cmd, readyPattern string, timeoutMs int) *ExecResult {
	if timeoutMs <= 0 {
		timeoutMs = defaultBackgroundTimeoutMs
	}
	re, err := regexp.Compile("(?i)" + readyPattern)
	if err != nil {
		return &ExecResult{ExitCode: -1, Stderr: fmt.Sprintf("invalid ready pattern %q: %v", readyPattern, err)}
	}

	logPath := fmt.Sprintf("/tmp/bg-%s.log", randHex(8))
	escaped := strings.ReplaceAll(cmd, "'", `'\''`)
	launch := fmt.Sprintf("nohup %s -c '%s' > %s 2>&1 & echo $! > %s.pid", i.shell, escaped, logPath, logPath)
	if res := i.Command(ctx, launch, "", 15000); res.ExitCode != 0 {
		return &ExecResult{ExitCode: -1, Stderr: fmt.Sprintf("failed to launch background command: %s", res.Stderr)}
	}

	tailCtx, cancelTail := context.WithCancel(ctx)
	defer cancelTail()

	var mu sync.Mutex
	var scratch strings.Builder
	matched := make(chan struct{}, 1)
	onChunk := func() {
		mu.Lock()
		hit := re.MatchString(scratch.String())
		mu.Unlock()
		if hit {
			select {
			case matched <- struct{}{}:
			default:
			}
		}
	}

	tailDone := make(chan struct{})
	go func() {
		defer close(tailDone)
		i.execInto(tailCtx, []string{i.shell, "-lc", "tail -n +1 -f " + logPath}, &mu, &scratch, onChunk)
	}()

	died := make(chan string, 1)
	ticker := time.NewTicker(pidCheckInterval)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-tailCtx.Done():
				return
			case <-ticker.C:
				check := i.exec(tailCtx, []string{i.shell, "-lc", fmt.Sprintf("kill -0 $(cat %s.pid)", logPath)}, "", 10000, nil)
				if check.ExitCode != 0 && tailCtx.Err() == nil {
					mu.Lock()
					tail := scratch.String()
					mu.Unlock()
					if len(tail) > diedTailLimit {
						tail = tail[len(tail)-diedTailLimit:]
					}
					select {
					case died <- tail:
					default:
					}
					return
				}
			}
		}
	}()

	timeout := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
	defer timeout.Stop()

	collect := func() string {
		mu.Lock()
		defer mu.Unlock()
		return scratch.String()
	}

	select {
	case <-matched:
		return &ExecResult{Stdout: collect(), ExitCode: 0}
	case tail := <-died:
		return &ExecResult{Stdout: collect(), Stderr: "Background process died unexpectedly:\n" + tail, ExitCode: -1}
	case <-timeout.C:
		return &ExecResult{
			Stdout:   collect(),
			Stderr:   fmt.Sprintf("Timeout: ready pattern %q did not match within %dms", readyPattern, timeoutMs),
			ExitCode: -1,
		}
	case <-ctx.Done():
		return &ExecResult{Stdout: collect(), Stderr: "cancelled while waiting for ready pattern", ExitCode: -1}
	}
}

// execInto runs argv streaming both output channels into one shared buffer,
// for the background tail where ordering matters more than separation.
func (i *Instance) execInto(ctx context.Context, argv []string, mu *sync.Mutex, buf *strings.Builder, onChunk func()) {
	created, err := i.cli.ContainerExecCreate(ctx, i.containerID, container.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return
	}
	attach, err := i.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return
	}
	defer attach.Close()

	w := &chunkWriter{inst: i, mu: mu, buf: buf, onChunk: onChunk}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = stdcopy.StdCopy(w, w, attach.Reader)
	}()
	select {
	case <-ctx.Done():
		attach.Close()
		<-done
	case <-done:
	}
}

// repoFile resolves a repository-relative path on the host side, rejecting
// anything that escapes the repo root.
func (i *Instance) repoFile(path string) (string, error) {
	full := filepath.Join(i.repoDir, path)
	rel, err := filepath.Rel(i.repoDir, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the repository root", path)
	}
	return full, nil
}

// WriteFile writes a repository file through the host-side mount
func (i *Instance) WriteFile(path string, data []byte) error {
	full, err := i.repoFile(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return err
	}
	return os.WriteFile(full, data, 0644)
}

// ReadFile reads a repository file through the host-side mount
func (i *Instance) ReadFile(path string) ([]byte, error) {
	full, err := i.repoFile(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(full)
}

// CreatePatch returns the diff of all workspace changes, including files the
// mission created, against the initial git state.
func (i *Instance) CreatePatch(ctx context.Context) (string, error) {
	add := exec.CommandContext(ctx, "git", "-C", i.repoDir, "add", "-A", "-N", ".")
	if out, err := add.CombinedOutput(); err != nil {
		return "", fmt.Errorf("git add: %v: %s", err, out)
	}
	diff := exec.CommandContext(ctx, "git", "-C", i.repoDir, "diff", "--no-color", "--", ".")
	out, err := diff.Output()
	if err != nil {
		return "", fmt.Errorf("git diff: %w", err)
	}
	return string(out), nil
}

// Destroy stops the container with a short grace period. Teardown removes it.
func (i *Instance) Destroy(ctx context.Context) error {
	grace := 1
	if err := i.cli.ContainerStop(ctx, i.containerID, container.StopOptions{Timeout: &grace}); err != nil {
		i.logger.Printf("stopping container %.12s: %v", i.containerID, err)
	}
	return nil
}
