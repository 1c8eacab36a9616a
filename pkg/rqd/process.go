package rqd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/cueflow/pkg/errs"
	"github.com/cuemby/cueflow/pkg/log"
)

// maxLogBackups is the highest rotation suffix kept for a frame's log file.
const maxLogBackups = 100

// ShellRunnerConfig collects the process.go ProcessRunner's filesystem and
// policy knobs, the non-containerized counterpart to container.go's image
// map.
type ShellRunnerConfig struct {
	EntrypointDir string // where per-frame entrypoint shell scripts are written
	ExitFileDir   string // where wrapper-reported exit codes are written
	LogDir        string
	DesktopMode   bool // nice the child when true
	TimestampLogs bool
}

// ShellRunner is the ProcessRunner that spawns a frame as a plain OS
// process via a generated shell entrypoint.
type ShellRunner struct {
	cfg ShellRunnerConfig

	mu   sync.Mutex
	cmds map[string]*exec.Cmd // resource_id -> running command, for Kill
}

// NewShellRunner builds a ShellRunner over cfg.
func NewShellRunner(cfg ShellRunnerConfig) *ShellRunner {
	return &ShellRunner{cfg: cfg, cmds: make(map[string]*exec.Cmd)}
}

// entrypointPath returns the per-frame entrypoint script path.
func (r *ShellRunner) entrypointPath(resourceID string) string {
	return filepath.Join(r.cfg.EntrypointDir, resourceID+".sh")
}

func (r *ShellRunner) exitFilePath(resourceID string) string {
	return filepath.Join(r.cfg.ExitFileDir, resourceID+".exit")
}

func (r *ShellRunner) logPath(frame *RunningFrame) string {
	if frame.LogPath != "" {
		return frame.LogPath
	}
	return filepath.Join(r.cfg.LogDir, frame.FrameName+".log")
}

// BuildEntrypoint renders the per-frame shell script: optional
// useradd+su, TERM/INT/HUP forwarding that writes the child's exit code to
// exitFilePath before the wrapper itself exits, then the frame command —
// wrapped in taskset when thread affinity was granted and nice in desktop
// mode (both no-ops on macOS).
func BuildEntrypoint(frame *RunningFrame, exitFilePath string, desktopMode bool) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	b.WriteString("set -u\n\n")

	command := frame.Command
	if runtime.GOOS == "linux" {
		if len(frame.ThreadIDs) > 0 {
			command = fmt.Sprintf("taskset -c %s %s", threadList(frame.ThreadIDs), command)
		}
		if desktopMode {
			command = "nice " + command
		}
	}

	if frame.UID != 0 {
		b.WriteString(fmt.Sprintf("useradd -u %d -g %d -M frame_%s 2>/dev/null || true\n", frame.UID, frame.GID, frame.ResourceID))
		command = fmt.Sprintf("su -s /bin/sh -c %s frame_%s", shellQuote(command), frame.ResourceID)
	}

	b.WriteString("CHILD_PID=\n")
	b.WriteString("forward() {\n  if [ -n \"$CHILD_PID\" ]; then kill -\"$1\" \"$CHILD_PID\" 2>/dev/null; fi\n}\n")
	b.WriteString("trap 'forward TERM' TERM\n")
	b.WriteString("trap 'forward INT' INT\n")
	b.WriteString("trap 'forward HUP' HUP\n\n")

	b.WriteString(fmt.Sprintf("%s &\n", command))
	b.WriteString("CHILD_PID=$!\n")
	b.WriteString("echo $CHILD_PID\n")
	b.WriteString("wait $CHILD_PID\n")
	b.WriteString("STATUS=$?\n")
	b.WriteString(fmt.Sprintf("echo $STATUS > %s\n", shellQuote(exitFilePath)))
	b.WriteString("exit $STATUS\n")

	return b.String()
}

func threadList(threadIDs []int32) string {
	parts := make([]string, len(threadIDs))
	for i, t := range threadIDs {
		parts[i] = strconv.Itoa(int(t))
	}
	return strings.Join(parts, ",")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Spawn writes the frame's entrypoint, chmods it 755, starts it, and
// captures the child's pid from the first line the wrapper prints.
func (r *ShellRunner) Spawn(ctx context.Context, frame *RunningFrame) (int32, error) {
	if err := os.MkdirAll(r.cfg.EntrypointDir, 0755); err != nil {
		return 0, errs.Wrap(errs.KindAborted, "create entrypoint dir", err)
	}
	if err := os.MkdirAll(r.cfg.ExitFileDir, 0755); err != nil {
		return 0, errs.Wrap(errs.KindAborted, "create exit file dir", err)
	}

	script := BuildEntrypoint(frame, r.exitFilePath(frame.ResourceID), r.cfg.DesktopMode)
	path := r.entrypointPath(frame.ResourceID)
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		return 0, errs.Wrap(errs.KindAborted, "write entrypoint", err)
	}

	if err := rotateLog(r.logPath(frame), maxLogBackups); err != nil {
		log.Logger.Warn().Err(err).Str("resource_id", frame.ResourceID).Msg("log rotation failed")
	}

	// Deliberately not CommandContext: the spawn ctx is the launch RPC's
	// and cancels as soon as the RPC returns, while the frame process must
	// outlive it. Kill/kill-monitor own termination.
	cmd := exec.Command("/bin/sh", path)
	cmd.Env = envSlice(frame.Environment)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, errs.Wrap(errs.KindAborted, "open stdout pipe", err)
	}
	logFile, err := os.OpenFile(r.logPath(frame), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return 0, errs.Wrap(errs.KindAborted, "open frame log", err)
	}
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return 0, errs.Wrap(errs.KindAborted, "start entrypoint", err)
	}

	reader := bufio.NewReader(stdout)
	line, err := reader.ReadString('\n')
	if err != nil {
		logFile.Close()
		_ = cmd.Process.Kill()
		return 0, errs.Wrap(errs.KindAborted, "read pid line from wrapper", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		logFile.Close()
		_ = cmd.Process.Kill()
		return 0, errs.Wrap(errs.KindAborted, "parse pid line from wrapper", err)
	}

	go streamLog(reader, logFile, r.cfg.TimestampLogs)

	r.mu.Lock()
	r.cmds[frame.ResourceID] = cmd
	r.mu.Unlock()

	go func() {
		_ = cmd.Wait()
		logFile.Close()
	}()

	return int32(pid), nil
}

// Kill signals the frame's session leader, escalating to SIGKILL when
// force is requested.
func (r *ShellRunner) Kill(ctx context.Context, frame *RunningFrame, force bool) error {
	r.mu.Lock()
	cmd, ok := r.cmds[frame.ResourceID]
	r.mu.Unlock()
	if !ok || cmd.Process == nil {
		return errs.New(errs.KindReservationNotFound, "no tracked process for resource_id")
	}
	return killSession(cmd.Process.Pid, force)
}

// killSession sends a signal to the process group led by pid: SIGTERM
// normally, SIGKILL when force is set.
func killSession(pid int, force bool) error {
	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}
	return syscall.Kill(-pid, sig)
}

// sessionAlive reports whether pid's process still exists, by probing with
// signal 0 (delivers no signal, only does the existence/permission check).
func sessionAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

// Wait reports whether frame's process has exited by probing frame.PID (the
// child pid the wrapper echoed at spawn), reading the wrapper-written exit file on the first observed exit
// (same convention on every OS here, rather than splitting a
// process-wait-status path from a macOS-only exit-file path, since the
// wrapper always writes one).
func (r *ShellRunner) Wait(ctx context.Context, frame *RunningFrame) (int32, bool, error) {
	if sessionAlive(int(frame.PID)) {
		return 0, false, nil
	}

	path := r.exitFilePath(frame.ResourceID)
	data, err := os.ReadFile(path)
	if err != nil {
		// the wrapper may not have flushed the exit file yet; treat as
		// still-running and let the next tick retry.
		return 0, false, nil
	}
	status, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, true, errs.Wrap(errs.KindAborted, "parse frame exit file", err)
	}
	_ = os.Remove(path)
	return int32(status), true, nil
}

// forceKillLineage sends SIGKILL to every pid in lineage individually,
// used by the kill monitor when a session-level kill didn't clear the
// process within its timeout.
func forceKillLineage(lineage []int32) {
	for _, pid := range lineage {
		_ = syscall.Kill(int(pid), syscall.SIGKILL)
	}
}

func envSlice(env map[string]string) []string {
	out := os.Environ()
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// rotateLog shifts path -> path.1 -> path.2 ... up to maxBackups, dropping
// the oldest, before a fresh log is opened for a new run.
func rotateLog(path string, maxBackups int) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	oldest := fmt.Sprintf("%s.%d", path, maxBackups)
	_ = os.Remove(oldest)
	for n := maxBackups - 1; n >= 1; n-- {
		from := fmt.Sprintf("%s.%d", path, n)
		to := fmt.Sprintf("%s.%d", path, n+1)
		if _, err := os.Stat(from); err == nil {
			_ = os.Rename(from, to)
		}
	}
	return os.Rename(path, path+".1")
}

func streamLog(r *bufio.Reader, w *os.File, timestamped bool) {
	for {
		line, err := r.ReadString('\n')
		if len(line) > 0 {
			if timestamped {
				w.WriteString(timestampPrefix() + line)
			} else {
				w.WriteString(line)
			}
		}
		if err != nil {
			return
		}
	}
}

func timestampPrefix() string {
	return "[" + time.Now().UTC().Format(time.RFC3339) + "] "
}
