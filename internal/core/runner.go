package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kballard/go-shellquote"
)

// LaunchFailureExitCode is reported when the external process could not be started.
const LaunchFailureExitCode = 999

const (
	runLogName      = "run.log"
	messageFileName = "message.txt"
	deliveryLogName = "rubika_message_log.csv"
	resultFileName  = "result.json"
)

// RunnerConfig describes how the external messaging client is launched.
type RunnerConfig struct {
	Executable    string
	Script        string
	WorkDir       string
	RunsDir       string
	CredentialEnv string
	BatchSize     int
	Workers       int
	BatchDelay    time.Duration
	MaxDuration   time.Duration
	KillGrace     time.Duration
}

// Invocation is a fully resolved request for one external process run.
type Invocation struct {
	RunID        string
	Mode         Mode
	Credential   string
	SnapshotPath string
	ServiceID    string
	FileID       string
	MessageText  string
	TestNumber   string
	MediaPath    string
	MediaType    string
}

// UploadResult is the structured file written by the external process in upload mode.
type UploadResult struct {
	OK     bool   `json:"ok"`
	FileID string `json:"file_id,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Outcome is the normalized result of one invocation. It is returned for every
// failure the runner can observe; callers never need to recover from a panic.
type Outcome struct {
	ExitCode        int           `json:"returncode"`
	RunDir          string        `json:"run_dir"`
	LogPath         string        `json:"log_path"`
	DeliveryLogPath string        `json:"log_csv,omitempty"`
	ResultPath      string        `json:"result_path,omitempty"`
	Result          *UploadResult `json:"result,omitempty"`
	TimedOut        bool          `json:"timed_out,omitempty"`
	Error           string        `json:"error,omitempty"`
}

// Succeeded reports a clean zero exit.
func (o Outcome) Succeeded() bool {
	return o.ExitCode == 0 && !o.TimedOut
}

// Runner executes the external messaging client.
type Runner interface {
	Execute(ctx context.Context, inv Invocation) Outcome
	RunDir(runID string) string
	LogPath(runID string) string
}

// ProcessRunner launches the external client as a child process.
type ProcessRunner struct {
	cfg    RunnerConfig
	logger *slog.Logger
}

// NewProcessRunner creates a runner with the given launch settings.
func NewProcessRunner(cfg RunnerConfig, logger *slog.Logger) *ProcessRunner {
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 5 * time.Second
	}
	return &ProcessRunner{cfg: cfg, logger: logger}
}

// RunDir returns the directory holding every artifact of the run.
func (r *ProcessRunner) RunDir(runID string) string {
	return filepath.Join(r.cfg.RunsDir, runID)
}

// LogPath returns the combined stdout/stderr log of the run.
func (r *ProcessRunner) LogPath(runID string) string {
	return filepath.Join(r.RunDir(runID), runLogName)
}

// Execute runs the external process synchronously and waits for it to exit.
func (r *ProcessRunner) Execute(ctx context.Context, inv Invocation) Outcome {
	runDir := r.RunDir(inv.RunID)
	out := Outcome{
		ExitCode: LaunchFailureExitCode,
		RunDir:   runDir,
		LogPath:  r.LogPath(inv.RunID),
	}
	if inv.Mode == ModeUploadMedia {
		out.ResultPath = filepath.Join(runDir, resultFileName)
	} else {
		out.DeliveryLogPath = DeliveryLogPath(runDir)
	}

	if err := os.MkdirAll(runDir, 0o755); err != nil {
		out.Error = fmt.Sprintf("create run dir: %v", err)
		return out
	}

	argv, err := r.buildArgs(inv, runDir)
	if err != nil {
		return r.launchFailed(out, err)
	}

	logFile, err := os.OpenFile(out.LogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		out.Error = fmt.Sprintf("open log file: %v", err)
		return out
	}
	defer logFile.Close()

	if _, err := fmt.Fprintf(logFile, "COMMAND:\n%s\n\n", shellquote.Join(argv...)); err != nil {
		return r.launchFailed(out, fmt.Errorf("write command line: %w", err))
	}
	if err := ctx.Err(); err != nil {
		return r.launchFailed(out, fmt.Errorf("run not started: %w", err))
	}

	logWriter := &syncWriter{w: logFile}
	cmd := exec.Command(argv[0], argv[1:]...) // #nosec G204
	cmd.Dir = r.cfg.WorkDir
	cmd.Env = childEnv(os.Environ(), r.cfg.CredentialEnv, inv.Credential)
	cmd.Stdout = logWriter
	cmd.Stderr = logWriter
	// Grandchildren may hold the output pipe after the child exits.
	cmd.WaitDelay = r.cfg.KillGrace
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return r.launchFailed(out, fmt.Errorf("start command: %w", err))
	}

	var timedOut atomic.Bool
	var watchdog *time.Timer
	if r.cfg.MaxDuration > 0 {
		duration := r.cfg.MaxDuration
		watchdog = time.AfterFunc(duration, func() {
			timedOut.Store(true)
			r.logger.Warn("run exceeded maximum duration, sending termination", "run_id", inv.RunID, "mode", inv.Mode, "max_duration", duration)
			terminateProcessGroup(cmd.Process)
			time.AfterFunc(r.cfg.KillGrace, func() {
				killProcessGroup(cmd.Process)
			})
		})
	}

	waitErr := cmd.Wait()
	if watchdog != nil {
		watchdog.Stop()
	}
	// Nothing the client started may keep delivering after the run is recorded.
	killProcessGroup(cmd.Process)

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		out.ExitCode = 0
	case errors.As(waitErr, &exitErr):
		out.ExitCode = exitErr.ExitCode()
	default:
		return r.launchFailed(out, fmt.Errorf("wait command: %w", waitErr))
	}

	if timedOut.Load() {
		out.TimedOut = true
		out.Error = "run exceeded maximum duration"
		fmt.Fprintf(logWriter, "\n\n=== RUNNER TIMEOUT ===\nterminated after %s\n", r.cfg.MaxDuration)
	}

	if inv.Mode == ModeUploadMedia {
		out.Result = readUploadResult(out.ResultPath)
	}
	return out
}

func (r *ProcessRunner) buildArgs(inv Invocation, runDir string) ([]string, error) {
	argv := []string{r.cfg.Executable}
	if r.cfg.Script != "" {
		argv = append(argv, r.cfg.Script)
	}

	switch inv.Mode {
	case ModeTestSend, ModeSend:
		messagePath := filepath.Join(runDir, messageFileName)
		if err := os.WriteFile(messagePath, []byte(inv.MessageText), 0o644); err != nil {
			return nil, fmt.Errorf("write message file: %w", err)
		}
		modeFlag := "send"
		if inv.Mode == ModeTestSend {
			modeFlag = "test"
		}
		argv = append(argv,
			"--mode", modeFlag,
			"--snapshot", inv.SnapshotPath,
			"--service_id", inv.ServiceID,
			"--message_file", messagePath,
			"--log_csv", DeliveryLogPath(runDir),
			"--batch_size", strconv.Itoa(r.cfg.BatchSize),
			"--workers", strconv.Itoa(r.cfg.Workers),
			"--sleep_sec", strconv.FormatFloat(r.cfg.BatchDelay.Seconds(), 'f', -1, 64),
		)
		if inv.FileID != "" {
			argv = append(argv, "--file_id", inv.FileID)
		}
		if inv.Mode == ModeTestSend && inv.TestNumber != "" {
			argv = append(argv, "--test_number", inv.TestNumber)
		}
	case ModeUploadMedia:
		argv = append(argv,
			"--mode", "upload_media",
			"--media_path", inv.MediaPath,
			"--media_type", inv.MediaType,
			"--result_json", filepath.Join(runDir, resultFileName),
		)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, inv.Mode)
	}
	return argv, nil
}

func (r *ProcessRunner) launchFailed(out Outcome, err error) Outcome {
	r.logger.Error("external process failed to launch", "log_path", out.LogPath, "err", err)
	out.ExitCode = LaunchFailureExitCode
	out.Error = err.Error()
	if logErr := AppendRunLog(out.LogPath, "RUNNER ERROR", err.Error()); logErr != nil {
		r.logger.Error("append runner error to log", "log_path", out.LogPath, "err", logErr)
	}
	return out
}

// AppendRunLog appends a titled section to a run log, creating the file and its
// directory if needed.
func AppendRunLog(path, title, message string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "\n\n=== %s ===\n%s\n", title, message)
	return err
}

// daemonEnvPrefix marks settings of this daemon that the client must not inherit.
const daemonEnvPrefix = "CAMPAIGND_"

// childEnv returns base without daemon settings or a stale credential,
// followed by the credential for this invocation.
func childEnv(base []string, credentialEnv, credential string) []string {
	env := make([]string, 0, len(base)+1)
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, daemonEnvPrefix) || key == credentialEnv {
			continue
		}
		env = append(env, kv)
	}
	return append(env, credentialEnv+"="+credential)
}

// CreateRunLog makes sure an empty run log exists so readers can follow it
// before the process starts writing.
func CreateRunLog(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// DeliveryLogPath is the per-recipient CSV the client writes inside a run directory.
func DeliveryLogPath(runDir string) string {
	return filepath.Join(runDir, deliveryLogName)
}

// ReadRunLog returns the run log, or only its last tail lines when tail > 0.
func ReadRunLog(path string, tail int) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return TailLines(data, tail), nil
}

// TailLines keeps the last n lines of data. n <= 0 keeps everything.
func TailLines(data []byte, n int) []byte {
	if n <= 0 || len(data) == 0 {
		return data
	}
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return []byte(strings.Join(lines, "\n") + "\n")
}

func readUploadResult(path string) *UploadResult {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var result UploadResult
	if err := json.Unmarshal(data, &result); err != nil {
		return &UploadResult{OK: false, Error: "could not parse result.json"}
	}
	return &result
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
