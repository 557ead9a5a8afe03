package core

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not available on windows")
	}
	path := filepath.Join(t.TempDir(), "client.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func newTestRunner(t *testing.T, script string) *ProcessRunner {
	t.Helper()
	return NewProcessRunner(RunnerConfig{
		Executable:    "/bin/sh",
		Script:        script,
		WorkDir:       t.TempDir(),
		RunsDir:       t.TempDir(),
		CredentialEnv: "RUBICA_TOKEN",
		BatchSize:     1000,
		Workers:       5,
		BatchDelay:    200 * time.Millisecond,
		KillGrace:     time.Second,
	}, discardLogger())
}

func sendInvocation(runID string) Invocation {
	return Invocation{
		RunID:        runID,
		Mode:         ModeSend,
		Credential:   "super-secret-token",
		SnapshotPath: "/data/audience.xlsx",
		ServiceID:    "svc-42",
		MessageText:  "Hello 'world'\nsecond line",
	}
}

func commandLine(t *testing.T, logPath string) string {
	t.Helper()
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	content := string(data)
	require.True(t, strings.HasPrefix(content, "COMMAND:\n"))
	header, _, found := strings.Cut(strings.TrimPrefix(content, "COMMAND:\n"), "\n\n")
	require.True(t, found)
	return header
}

func TestProcessRunner_CredentialOnlyInEnvironment(t *testing.T) {
	script := writeScript(t, `echo "token=$RUBICA_TOKEN"`)
	r := newTestRunner(t, script)

	out := r.Execute(context.Background(), sendInvocation("run-1"))

	require.Equal(t, 0, out.ExitCode)
	assert.True(t, out.Succeeded())
	data, err := os.ReadFile(out.LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "token=super-secret-token")

	header := commandLine(t, out.LogPath)
	assert.NotContains(t, header, "super-secret-token")
	assert.Contains(t, header, "--mode send")
	assert.Contains(t, header, "--service_id svc-42")
	assert.Contains(t, header, "--batch_size 1000")
	assert.Contains(t, header, "--workers 5")
	assert.Contains(t, header, "--sleep_sec 0.2")
	assert.NotContains(t, header, "--test_number")
}

func TestProcessRunner_DaemonSettingsNotInherited(t *testing.T) {
	t.Setenv("CAMPAIGND_CREDENTIAL_KEY", "sealing-key")
	t.Setenv("CAMPAIGND_AUTH_TOKEN", "api-token")
	t.Setenv("RUBICA_TOKEN", "stale-token")
	script := writeScript(t, `env > env.dump`)
	r := newTestRunner(t, script)

	out := r.Execute(context.Background(), sendInvocation("run-env"))

	require.Equal(t, 0, out.ExitCode)
	data, err := os.ReadFile(filepath.Join(r.cfg.WorkDir, "env.dump"))
	require.NoError(t, err)
	env := string(data)
	assert.NotContains(t, env, "CAMPAIGND_CREDENTIAL_KEY")
	assert.NotContains(t, env, "sealing-key")
	assert.NotContains(t, env, "CAMPAIGND_AUTH_TOKEN")
	assert.NotContains(t, env, "stale-token")
	assert.Contains(t, env, "RUBICA_TOKEN=super-secret-token")
}

func TestChildEnv(t *testing.T) {
	env := childEnv([]string{"PATH=/bin", "CAMPAIGND_STATE_DIR=/s", "TOKEN=old", "HOME=/root"}, "TOKEN", "new")
	assert.Equal(t, []string{"PATH=/bin", "HOME=/root", "TOKEN=new"}, env)
}

func TestProcessRunner_MessageWrittenToFile(t *testing.T) {
	script := writeScript(t, `exit 0`)
	r := newTestRunner(t, script)
	inv := sendInvocation("run-msg")
	inv.Mode = ModeTestSend
	inv.TestNumber = "989000000000"
	inv.FileID = "file-9"

	out := r.Execute(context.Background(), inv)

	require.Equal(t, 0, out.ExitCode)
	message, err := os.ReadFile(filepath.Join(out.RunDir, "message.txt"))
	require.NoError(t, err)
	assert.Equal(t, inv.MessageText, string(message))

	header := commandLine(t, out.LogPath)
	assert.NotContains(t, header, "second line")
	assert.Contains(t, header, "--mode test")
	assert.Contains(t, header, "--test_number 989000000000")
	assert.Contains(t, header, "--file_id file-9")
	assert.Equal(t, filepath.Join(out.RunDir, "rubika_message_log.csv"), out.DeliveryLogPath)
}

func TestProcessRunner_NonZeroExit(t *testing.T) {
	script := writeScript(t, `echo failing >&2; exit 7`)
	r := newTestRunner(t, script)

	out := r.Execute(context.Background(), sendInvocation("run-7"))

	assert.Equal(t, 7, out.ExitCode)
	assert.False(t, out.Succeeded())
	data, err := os.ReadFile(out.LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "failing")
}

func TestProcessRunner_LaunchFailure(t *testing.T) {
	r := NewProcessRunner(RunnerConfig{
		Executable:    filepath.Join(t.TempDir(), "missing-interpreter"),
		RunsDir:       t.TempDir(),
		CredentialEnv: "RUBICA_TOKEN",
	}, discardLogger())

	out := r.Execute(context.Background(), sendInvocation("run-missing"))

	assert.Equal(t, LaunchFailureExitCode, out.ExitCode)
	assert.NotEmpty(t, out.Error)
	data, err := os.ReadFile(out.LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "=== RUNNER ERROR ===")
}

func TestProcessRunner_UploadResult(t *testing.T) {
	tests := []struct {
		name string
		body string
		want *UploadResult
	}{
		{
			name: "valid result",
			body: `while [ $# -gt 0 ]; do if [ "$1" = "--result_json" ]; then out="$2"; fi; shift; done
printf '{"ok":true,"file_id":"remote-1"}' > "$out"`,
			want: &UploadResult{OK: true, FileID: "remote-1"},
		},
		{
			name: "unparsable result",
			body: `while [ $# -gt 0 ]; do if [ "$1" = "--result_json" ]; then out="$2"; fi; shift; done
printf 'not json' > "$out"`,
			want: &UploadResult{OK: false, Error: "could not parse result.json"},
		},
		{
			name: "no result",
			body: `exit 0`,
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRunner(t, writeScript(t, tt.body))
			out := r.Execute(context.Background(), Invocation{
				RunID:      "upload",
				Mode:       ModeUploadMedia,
				Credential: "tok",
				MediaPath:  "/tmp/banner.png",
				MediaType:  "Image",
			})
			require.Equal(t, 0, out.ExitCode)
			assert.Equal(t, tt.want, out.Result)
			assert.Contains(t, commandLine(t, out.LogPath), "--mode upload_media")
		})
	}
}

func TestProcessRunner_Timeout(t *testing.T) {
	script := writeScript(t, `exec sleep 30`)
	r := newTestRunner(t, script)
	r.cfg.MaxDuration = 200 * time.Millisecond

	start := time.Now()
	out := r.Execute(context.Background(), sendInvocation("run-slow"))

	assert.Less(t, time.Since(start), 10*time.Second)
	assert.True(t, out.TimedOut)
	assert.False(t, out.Succeeded())
	data, err := os.ReadFile(out.LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "=== RUNNER TIMEOUT ===")
}

func TestProcessRunner_TimeoutStopsBackgroundWorkers(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the background worker deadline")
	}
	script := writeScript(t, `(sleep 2; echo delivered > marker) &
wait`)
	r := newTestRunner(t, script)
	r.cfg.MaxDuration = 200 * time.Millisecond

	out := r.Execute(context.Background(), sendInvocation("run-workers"))
	require.True(t, out.TimedOut)

	time.Sleep(3 * time.Second)
	_, err := os.Stat(filepath.Join(r.cfg.WorkDir, "marker"))
	assert.True(t, os.IsNotExist(err), "background worker outlived the run")
}

func TestProcessRunner_CanceledBeforeLaunch(t *testing.T) {
	script := writeScript(t, `touch started`)
	r := newTestRunner(t, script)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := r.Execute(ctx, sendInvocation("run-canceled"))

	assert.Equal(t, LaunchFailureExitCode, out.ExitCode)
	_, err := os.Stat(filepath.Join(r.cfg.WorkDir, "started"))
	assert.True(t, os.IsNotExist(err))
}

func TestProcessRunner_DistinctRunDirectories(t *testing.T) {
	script := writeScript(t, `echo ran`)
	r := newTestRunner(t, script)

	first := r.Execute(context.Background(), sendInvocation("run-a"))
	second := r.Execute(context.Background(), sendInvocation("run-b"))

	assert.NotEqual(t, first.RunDir, second.RunDir)
	assert.FileExists(t, first.LogPath)
	assert.FileExists(t, second.LogPath)
}

func TestTailLines(t *testing.T) {
	data := []byte("one\ntwo\nthree\n")
	assert.Equal(t, "two\nthree\n", string(TailLines(data, 2)))
	assert.Equal(t, "one\ntwo\nthree\n", string(TailLines(data, 10)))
	assert.Equal(t, string(data), string(TailLines(data, 0)))
	assert.Empty(t, TailLines([]byte{}, 3))
}
