package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"curator/internal/config"
	"curator/internal/sessions"
	"curator/internal/testsupport"
)

type cliTestEnv struct {
	baseDir    string
	configPath string
	dataRoot   string
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.RecordsDir = filepath.Join(base, "records")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	dataRoot := filepath.Join(base, "instruments", "sem1")
	cfg.Instruments = []config.Instrument{{
		ID:       "SEM1",
		Name:     "Scanning electron microscope 1",
		DataRoot: dataRoot,
		Include:  []string{"**/*"},
	}}

	if err := os.MkdirAll(dataRoot, 0o755); err != nil {
		t.Fatalf("mkdir data root: %v", err)
	}

	encoded, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	configPath := filepath.Join(base, "config.toml")
	if err := os.WriteFile(configPath, encoded, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	return &cliTestEnv{
		baseDir:    base,
		configPath: configPath,
		dataRoot:   dataRoot,
	}
}

func runCLI(t *testing.T, env *cliTestEnv, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--config", env.configPath}, args...))

	err := cmd.Execute()
	return stdout.String(), err
}

func TestCLISessionLifecycle(t *testing.T) {
	env := setupCLITestEnv(t)
	start := time.Date(2024, 4, 22, 9, 0, 0, 0, time.UTC)

	out, err := runCLI(t, env, "session", "submit",
		"--instrument", "SEM1",
		"--start", start.Format(time.RFC3339),
		"--end", start.Add(time.Hour).Format(time.RFC3339),
		"--user", "jdoe")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !strings.Contains(out, "Submitted session") {
		t.Fatalf("unexpected submit output: %q", out)
	}
	id := submittedID(t, out)

	out, err = runCLI(t, env, "session", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, id) || !strings.Contains(out, "pending") {
		t.Fatalf("list output missing session: %q", out)
	}

	out, err = runCLI(t, env, "session", "list", "--active")
	if err != nil {
		t.Fatalf("list --active: %v", err)
	}
	if !strings.Contains(out, id) {
		t.Fatalf("pending session missing from active list: %q", out)
	}

	out, err = runCLI(t, env, "session", "show", id)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out, "SEM1") || !strings.Contains(out, "jdoe") {
		t.Fatalf("show output missing details: %q", out)
	}
}

func TestCLIUnknownSessionID(t *testing.T) {
	env := setupCLITestEnv(t)

	for _, args := range [][]string{
		{"session", "show", "no-such-id"},
		{"session", "remove", "no-such-id"},
		{"reconcile", "no-such-id"},
		{"record", "build", "no-such-id"},
		{"record", "show", "no-such-id"},
		{"record", "serialize", "no-such-id"},
	} {
		_, err := runCLI(t, env, args...)
		if err == nil || !strings.Contains(err.Error(), "not found") {
			t.Fatalf("%v: expected a not-found error, got %v", args, err)
		}
	}
}

func TestCLIRemoveRefusesMidStageSession(t *testing.T) {
	env := setupCLITestEnv(t)
	start := time.Date(2024, 4, 22, 9, 0, 0, 0, time.UTC)

	out, err := runCLI(t, env, "session", "submit",
		"--instrument", "SEM1",
		"--start", start.Format(time.RFC3339),
		"--end", start.Add(time.Hour).Format(time.RFC3339))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	id := submittedID(t, out)

	cfg, _, _, err := config.Load(env.configPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	store, err := sessions.Open(cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	session, err := store.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	session.Status = sessions.StatusExtracting
	if err := store.Update(context.Background(), session); err != nil {
		t.Fatalf("update: %v", err)
	}
	store.Close()

	if _, err := runCLI(t, env, "session", "remove", id); err == nil || !strings.Contains(err.Error(), "mid-stage") {
		t.Fatalf("expected a mid-stage refusal, got %v", err)
	}

	// Once the stage completes the session can be removed.
	store, err = sessions.Open(cfg)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	session.Status = sessions.StatusFailed
	if err := store.Update(context.Background(), session); err != nil {
		t.Fatalf("update: %v", err)
	}
	store.Close()

	if out, err := runCLI(t, env, "session", "remove", id); err != nil || !strings.Contains(out, "Removed session") {
		t.Fatalf("remove after stage end: out=%q err=%v", out, err)
	}
}

func TestCLISubmitRejectsInvertedWindow(t *testing.T) {
	env := setupCLITestEnv(t)
	start := time.Date(2024, 4, 22, 9, 0, 0, 0, time.UTC)

	_, err := runCLI(t, env, "session", "submit",
		"--instrument", "SEM1",
		"--start", start.Format(time.RFC3339),
		"--end", start.Add(-time.Hour).Format(time.RFC3339))
	if err == nil {
		t.Fatal("expected error for end before start")
	}
}

func TestCLISubmitRejectsUnknownInstrument(t *testing.T) {
	env := setupCLITestEnv(t)
	start := time.Date(2024, 4, 22, 9, 0, 0, 0, time.UTC)

	_, err := runCLI(t, env, "session", "submit",
		"--instrument", "TEM9",
		"--start", start.Format(time.RFC3339),
		"--end", start.Add(time.Hour).Format(time.RFC3339))
	if err == nil || !strings.Contains(err.Error(), "unknown instrument") {
		t.Fatalf("expected unknown instrument error, got %v", err)
	}
}

func TestCLIRecordBuildAndSerialize(t *testing.T) {
	env := setupCLITestEnv(t)
	start := time.Date(2024, 4, 22, 9, 0, 0, 0, time.UTC)

	dataPath := filepath.Join(env.dataRoot, "scan.tif")
	if err := os.WriteFile(dataPath, feiTIFFTestBytes(t), 0o644); err != nil {
		t.Fatalf("write data file: %v", err)
	}
	mtime := start.Add(10 * time.Minute)
	if err := os.Chtimes(dataPath, mtime, mtime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	out, err := runCLI(t, env, "session", "submit",
		"--instrument", "SEM1",
		"--start", start.Format(time.RFC3339),
		"--end", start.Add(time.Hour).Format(time.RFC3339),
		"--user", "jdoe")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	id := submittedID(t, out)

	out, err = runCLI(t, env, "reconcile", id)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !strings.Contains(out, "scan.tif") || !strings.Contains(out, "1 file(s) in window") {
		t.Fatalf("reconcile output: %q", out)
	}

	out, err = runCLI(t, env, "record", "build", id)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.Contains(out, "Complete: yes") {
		t.Fatalf("build output: %q", out)
	}

	out, err = runCLI(t, env, "record", "serialize", id)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if !strings.Contains(out, "<record") || !strings.Contains(out, "scan.tif") {
		t.Fatalf("serialize output: %q", out)
	}

	out, err = runCLI(t, env, "record", "show", id)
	if err != nil {
		t.Fatalf("record show: %v", err)
	}
	if !strings.Contains(out, "complete: yes") || !strings.Contains(out, "Activity 0") {
		t.Fatalf("record show output: %q", out)
	}

	out, err = runCLI(t, env, "session", "show", id)
	if err != nil {
		t.Fatalf("session show: %v", err)
	}
	if !strings.Contains(out, "completed") {
		t.Fatalf("session should be completed after build: %q", out)
	}
}

func TestCLIRecordSerializeWithoutRecord(t *testing.T) {
	env := setupCLITestEnv(t)
	start := time.Date(2024, 4, 22, 9, 0, 0, 0, time.UTC)

	out, err := runCLI(t, env, "session", "submit",
		"--instrument", "SEM1",
		"--start", start.Format(time.RFC3339),
		"--end", start.Add(time.Hour).Format(time.RFC3339))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	id := submittedID(t, out)

	if _, err := runCLI(t, env, "record", "serialize", id); err == nil {
		t.Fatal("expected error for session without a record")
	}
}

func TestCLIDaemonStatusNotRunning(t *testing.T) {
	env := setupCLITestEnv(t)

	out, err := runCLI(t, env, "daemon", "status")
	if err != nil {
		t.Fatalf("daemon status: %v", err)
	}
	if !strings.Contains(out, "Daemon: not running") {
		t.Fatalf("status output: %q", out)
	}
	if !strings.Contains(out, "Mid-stage sessions: 0") {
		t.Fatalf("status output missing in-flight count: %q", out)
	}
}

func TestCLIHealth(t *testing.T) {
	env := setupCLITestEnv(t)

	out, err := runCLI(t, env, "health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if !strings.Contains(out, "Status: ready") {
		t.Fatalf("health output: %q", out)
	}
}

func TestCLIConfigInit(t *testing.T) {
	env := setupCLITestEnv(t)
	target := filepath.Join(env.baseDir, "fresh", "config.toml")

	out, err := runCLI(t, env, "config", "init", "--path", target)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	if !strings.Contains(out, "Wrote sample configuration") {
		t.Fatalf("init output: %q", out)
	}
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("sample config missing: %v", err)
	}

	if _, err := runCLI(t, env, "config", "init", "--path", target); err == nil {
		t.Fatal("expected error without --overwrite")
	}
	if _, err := runCLI(t, env, "config", "init", "--path", target, "--overwrite"); err != nil {
		t.Fatalf("config init --overwrite: %v", err)
	}
}

func TestCLIJSONOutput(t *testing.T) {
	env := setupCLITestEnv(t)
	start := time.Date(2024, 4, 22, 9, 0, 0, 0, time.UTC)

	out, err := runCLI(t, env, "--json", "session", "submit",
		"--instrument", "SEM1",
		"--start", start.Format(time.RFC3339),
		"--end", start.Add(time.Hour).Format(time.RFC3339))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !strings.Contains(out, `"instrument": "SEM1"`) || !strings.Contains(out, `"status": "pending"`) {
		t.Fatalf("json output: %q", out)
	}
}

// submittedID pulls the session identifier out of the submit confirmation.
func submittedID(t *testing.T, out string) string {
	t.Helper()
	fields := strings.Fields(out)
	for i, field := range fields {
		if field == "session" && i+1 < len(fields) {
			return fields[i+1]
		}
	}
	t.Fatalf("no session id in output: %q", out)
	return ""
}

func feiTIFFTestBytes(t *testing.T) []byte {
	t.Helper()
	data := testsupport.FEITIFFBytes(8, 8)
	if len(data) == 0 {
		t.Fatal("empty test image")
	}
	return data
}
