package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ionhpc/ion/internal/version"
)

const sampleTraceText = `# darshan log version: 3.41
# exe: /apps/ior -a POSIX
# uid: 1001
# jobid: 4242
# start_time: 1000.0
# nprocs: 2
# run time: 12.5
# metadata: lib_ver = 3.4.4
# POSIX module: 0.00 KiB, ver=4
# DXT_POSIX module data
# DXT, file_id: 6301063301082038805, file_name: /scratch/ior/data.0
# DXT, rank: 0, hostname: nid00001
# Module    Rank  Wt/Rd  Segment          Offset       Length    Start(s)      End(s)  [OST]
 X_POSIX       0  write        0               0         1048576      0.1000      0.2000  [  3]
 X_POSIX       0  write        1         1048576         1048576      0.2000      0.3000  [  4]
 X_POSIX       0   read        0               0         1048576      0.4000      0.5000  [  3]

# DXT, file_id: 6301063301082038805, file_name: /scratch/ior/data.0
# DXT, rank: 1, hostname: nid00002
 X_POSIX       1  write        0         2097152         1048576      0.1500      0.2500  [  5]
 X_POSIX       1  write        1         4194304         1048576      0.3500      0.4500  [  6]
`

const missingStartTimeTraceText = `# DXT, file_id: 1, file_name: /a
# DXT, rank: 0
 X_POSIX 0 write 0 0 10 0.1 0.2
`

type testConfigPaths struct {
	ConfigPath string
	DBPath     string
	ExportDir  string
}

// writeTestConfig writes a sqlite-backed config into a fresh temp dir.
// Logging is set to error so that command stderr only carries output.
func writeTestConfig(t *testing.T, extra string) testConfigPaths {
	t.Helper()

	dir := t.TempDir()
	paths := testConfigPaths{
		ConfigPath: filepath.Join(dir, "ion.yaml"),
		DBPath:     filepath.Join(dir, "data", "ion.db"),
		ExportDir:  filepath.Join(dir, "out"),
	}
	body := "storage:\n" +
		"  driver: sqlite\n" +
		"  path: " + paths.DBPath + "\n" +
		"export:\n" +
		"  dir: " + paths.ExportDir + "\n" +
		"log:\n" +
		"  level: error\n" +
		extra
	if err := os.WriteFile(paths.ConfigPath, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return paths
}

func TestRunWithoutArgumentsPrintsUsage(t *testing.T) {
	t.Parallel()

	if code := run(nil); code != 2 {
		t.Fatalf("run(nil) code=%d, want 2", code)
	}
	if code := run([]string{"unknown-command"}); code != 2 {
		t.Fatalf("run(unknown) code=%d, want 2", code)
	}
}

func TestRunVersionText(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	if code := runVersion(nil, &stdout, &stderr); code != 0 {
		t.Fatalf("runVersion() code=%d, stderr=%q", code, stderr.String())
	}
	if got := strings.TrimSpace(stdout.String()); got != version.String() {
		t.Fatalf("stdout=%q, want %q", got, version.String())
	}
}

func TestRunVersionJSON(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	if code := runVersion([]string{"--json"}, &stdout, &stderr); code != 0 {
		t.Fatalf("runVersion(--json) code=%d, stderr=%q", code, stderr.String())
	}
	var info version.Info
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		t.Fatalf("decode version json: %v\nbody=%s", err, stdout.String())
	}
	if info.Version != version.Version {
		t.Fatalf("version=%q, want %q", info.Version, version.Version)
	}
	if info.GoVersion == "" {
		t.Fatalf("go_version is empty")
	}
}

func TestRunConfigValidate(t *testing.T) {
	t.Parallel()

	paths := writeTestConfig(t, "")

	var stdout, stderr bytes.Buffer
	code := runConfig([]string{"validate", "--config", paths.ConfigPath}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("runConfig(validate) code=%d, stderr=%q", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "config is valid") {
		t.Fatalf("stdout=%q, want validity message", stdout.String())
	}
}

func TestRunConfigValidateRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	paths := writeTestConfig(t, "parse:\n  workers: 0\n")

	var stdout, stderr bytes.Buffer
	code := runConfig([]string{"validate", "--config", paths.ConfigPath}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("runConfig(validate) code=%d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "parse.workers") {
		t.Fatalf("stderr=%q, want parse.workers error", stderr.String())
	}
}

func TestRunConfigUsageErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
	}{
		{name: "no subcommand", args: nil},
		{name: "unknown subcommand", args: []string{"show"}},
		{name: "positional argument", args: []string{"validate", "extra"}},
		{name: "unknown flag", args: []string{"validate", "--nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var stdout, stderr bytes.Buffer
			if code := runConfig(tt.args, &stdout, &stderr); code != 2 {
				t.Fatalf("runConfig(%v) code=%d, want 2", tt.args, code)
			}
		})
	}
}
