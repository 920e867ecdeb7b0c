package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-dbbackup/pkg/compression"
	"github.com/paulschiretz/pgl-dbbackup/pkg/config"
	"github.com/paulschiretz/pgl-dbbackup/pkg/dbbackup"
	"github.com/paulschiretz/pgl-dbbackup/pkg/flagparse"
	"github.com/paulschiretz/pgl-dbbackup/pkg/plog"
)

func TestMain(m *testing.M) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		plog.SetOutput(io.Discard)
	}
	os.Exit(m.Run())
}

// TestHelperProcess stands in for mysqldump.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for i, arg := range args {
		if arg == "--" {
			args = args[i+1:]
			break
		}
	}
	fmt.Fprintf(os.Stdout, "-- dump of %s by %s\n", args[len(args)-1], args[0])
	os.Exit(0)
}

func helperCommand(ctx context.Context, name string, arg ...string) *exec.Cmd {
	cs := append([]string{"-test.run=TestHelperProcess", "--", name}, arg...)
	cmd := exec.CommandContext(ctx, os.Args[0], cs...)
	cmd.Env = []string{"GO_WANT_HELPER_PROCESS=1"}
	return cmd
}

const testConnections = `
connections:
  default:
    driver: mysql
    username: backup
    password: ${DB_PASSWORD:-secret}
    database: shop
`

// setupBackupDir prepares a backup directory with a connections file and
// fakes the clock and the dump binary.
func setupBackupDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, config.DefaultConnectionsFile), []byte(testConnections), 0600); err != nil {
		t.Fatal(err)
	}

	origCommand, origNow := commandContext, now
	commandContext = helperCommand
	now = func() time.Time { return time.Date(2024, 3, 1, 23, 0, 0, 0, time.Local) }
	t.Cleanup(func() {
		commandContext, now = origCommand, origNow
		plog.SetLevel(plog.LevelInfo)
	})
	return dir
}

func countBackups(t *testing.T, dir, prefix string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) {
			names = append(names, e.Name())
		}
	}
	return names
}

func TestRunBackup(t *testing.T) {
	dir := setupBackupDir(t)
	for _, old := range []string{"nightly_2024-02-27.sql.gz", "nightly_2024-02-28.sql.gz", "other_2024-01-01.sql"} {
		if err := os.WriteFile(filepath.Join(dir, old), []byte("old"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	flagMap := map[string]interface{}{
		"path":         dir,
		"stemname":     "nightly",
		"compress":     true,
		"keepnfiles":   2,
		"metrics-file": "nightly.prom",
	}
	if err := RunBackup(context.Background(), flagMap); err != nil {
		t.Fatalf("RunBackup failed: %v", err)
	}

	target := filepath.Join(dir, "nightly_2024-03-01.sql.gz")
	r, err := compression.OpenReader(target, compression.Gzip)
	if err != nil {
		t.Fatalf("backup file missing: %v", err)
	}
	content, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(content), "-- dump of shop by mysqldump") {
		t.Errorf("unexpected dump content %q", content)
	}

	if names := countBackups(t, dir, "nightly_"); len(names) != 2 {
		t.Errorf("expected 2 kept backups, got %v", names)
	}
	if _, err := os.Stat(filepath.Join(dir, "other_2024-01-01.sql")); err != nil {
		t.Error("other stems must not be pruned")
	}
	if names := countBackups(t, dir, ".~"); len(names) != 0 {
		t.Errorf("lock files left behind: %v", names)
	}

	metrics, err := os.ReadFile(filepath.Join(dir, "nightly.prom"))
	if err != nil {
		t.Fatalf("metrics file missing: %v", err)
	}
	if !bytes.Contains(metrics, []byte(`pgl_dbbackup_last_run_success{connection="default",stem="nightly"} 1`)) {
		t.Errorf("unexpected metrics:\n%s", metrics)
	}
}

func TestRunBackupConflict(t *testing.T) {
	dir := setupBackupDir(t)
	existing := filepath.Join(dir, "nightly_2024-03-01.sql")
	if err := os.WriteFile(existing, []byte("keep me"), 0644); err != nil {
		t.Fatal(err)
	}

	err := RunBackup(context.Background(), map[string]interface{}{"path": dir, "stemname": "nightly"})
	if !errors.Is(err, dbbackup.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if data, _ := os.ReadFile(existing); string(data) != "keep me" {
		t.Error("existing backup was modified")
	}

	// --overwrite replaces it.
	if err := RunBackup(context.Background(), map[string]interface{}{"path": dir, "stemname": "nightly", "overwrite": true}); err != nil {
		t.Fatalf("overwrite run failed: %v", err)
	}
	if data, _ := os.ReadFile(existing); !strings.Contains(string(data), "dump of shop") {
		t.Errorf("backup not replaced: %q", data)
	}
}

func TestRunBackupConfigErrors(t *testing.T) {
	dir := setupBackupDir(t)
	testCases := []struct {
		name    string
		flagMap map[string]interface{}
	}{
		{"Missing Stem", map[string]interface{}{"path": dir}},
		{"Stem With Slash", map[string]interface{}{"path": dir, "stemname": "a/b"}},
		{"Missing Path", map[string]interface{}{"stemname": "nightly"}},
		{"Unknown Connection", map[string]interface{}{"path": dir, "stemname": "nightly", "connection": "nope"}},
		{"Missing Directory Without Create", map[string]interface{}{"path": filepath.Join(dir, "missing"), "stemname": "nightly", "create-dir": false, "connections-file": filepath.Join(dir, config.DefaultConnectionsFile)}},
		{"Bad Cron Time", map[string]interface{}{"path": dir, "stemname": "nightly", "crontime": "whenever"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if err := RunBackup(context.Background(), tc.flagMap); !errors.Is(err, dbbackup.ErrConfig) {
				t.Errorf("expected ErrConfig, got %v", err)
			}
		})
	}
}

func TestRunBackupCreatesMissingDir(t *testing.T) {
	dir := setupBackupDir(t)
	target := filepath.Join(dir, "a", "b")
	_, flagMap, err := flagparse.Parse([]string{
		"backup", target, "nightly",
		"--connections-file", filepath.Join(dir, config.DefaultConnectionsFile),
	})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if err := RunBackup(context.Background(), flagMap); err != nil {
		t.Fatalf("RunBackup failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(target, "nightly_2024-03-01.sql")); err != nil {
		t.Errorf("backup not written: %v", err)
	}
}

func TestRunInstall(t *testing.T) {
	dir := setupBackupDir(t)
	cronDir := t.TempDir()
	origExecutable := executable
	executable = func() (string, error) { return "/usr/local/bin/pgl-dbbackup", nil }
	t.Cleanup(func() { executable = origExecutable })

	_, flagMap, err := flagparse.Parse([]string{
		"backup", dir, "nightly", "--install", "--keepnfiles=5",
		"--cronpath", cronDir, "--crontime=30 2 * * *", "--cronprefix=db.",
	})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if err := RunBackup(context.Background(), flagMap); err != nil {
		t.Fatalf("install failed: %v", err)
	}

	path := filepath.Join(cronDir, "db_pgl-dbbackup_nightly")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("cron file missing: %v", err)
	}
	want := "30 2 * * * root /usr/local/bin/pgl-dbbackup backup " + dir + " nightly --compress --overwrite --keepnfiles=5\n"
	if string(data) != want {
		t.Errorf("cron file =\n%q\nwant\n%q", data, want)
	}
	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0644 {
		t.Errorf("cron file mode = %v", info.Mode().Perm())
	}
	if names := countBackups(t, dir, "nightly_"); len(names) != 0 {
		t.Errorf("install must not run a backup, found %v", names)
	}
}

func TestCronCommandLineKeepsCreateDirOptOut(t *testing.T) {
	_, flagMap, err := flagparse.Parse([]string{"backup", "/var/backups", "db", "--install", "--create-dir=false"})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	replay := flagMap[flagparse.ReplayKey].(flagparse.Replay)
	got := cronCommandLine("/usr/local/bin/pgl-dbbackup", "/var/backups", "db", replay)
	want := "/usr/local/bin/pgl-dbbackup backup /var/backups db --compress --overwrite --create-dir=false"
	if got != want {
		t.Errorf("cronCommandLine() = %q, want %q", got, want)
	}
}

func TestCronCommandLine(t *testing.T) {
	got := cronCommandLine("/opt/my tools/pgl-dbbackup", "/var/backups", "db", flagparse.Replay{})
	want := "'/opt/my tools/pgl-dbbackup' backup /var/backups db --compress --overwrite"
	if got != want {
		t.Errorf("cronCommandLine() = %q, want %q", got, want)
	}
	if q := shellQuote("it's"); q != `'it'\''s'` {
		t.Errorf("shellQuote() = %s", q)
	}
}

func TestRunCron(t *testing.T) {
	testCases := []struct {
		name    string
		flagMap map[string]interface{}
		want    []string
		wantErr bool
	}{
		{
			name:    "No Match",
			flagMap: map[string]interface{}{"crontime": "* 15 * * *", "at": "2010-08-10T22:02:00Z"},
			want:    []string{`"* 15 * * *" does not match 2010-08-10T22:02:00Z`},
		},
		{
			name:    "Match",
			flagMap: map[string]interface{}{"crontime": "2 22 10 8 2", "at": "2010-08-10T22:02:00Z"},
			want:    []string{"matches"},
		},
		{
			name:    "Next Runs For Full Syntax",
			flagMap: map[string]interface{}{"crontime": "*/30 * * * *", "at": "2010-08-10T22:02:00Z", "next": 2},
			want:    []string{"next: 2010-08-10T22:30:00Z", "next: 2010-08-10T23:00:00Z"},
		},
		{
			name:    "Full Syntax Without Next",
			flagMap: map[string]interface{}{"crontime": "*/30 * * * *"},
			wantErr: true,
		},
		{
			name:    "Missing Schedule",
			flagMap: map[string]interface{}{},
			wantErr: true,
		},
		{
			name:    "Bad Time",
			flagMap: map[string]interface{}{"crontime": "* * * * *", "at": "yesterday"},
			wantErr: true,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			err := RunCron(tc.flagMap, &out)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("RunCron failed: %v", err)
			}
			for _, w := range tc.want {
				if !strings.Contains(out.String(), w) {
					t.Errorf("output %q does not contain %q", out.String(), w)
				}
			}
		})
	}
}

func TestRunPrune(t *testing.T) {
	dir := setupBackupDir(t)
	for _, name := range []string{"db_2024-01-01.sql", "db_2024-01-02.sql", "db_2024-01-03.sql", "db2_2024-01-01.sql"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0644); err != nil {
			t.Fatal(err)
		}
	}

	flagMap := map[string]interface{}{"path": dir, "stemname": "db", "keepnfiles": 1, "force": true}
	if err := RunPrune(context.Background(), flagMap); err != nil {
		t.Fatalf("RunPrune failed: %v", err)
	}
	if names := countBackups(t, dir, "db_"); len(names) != 1 {
		t.Errorf("expected one file left, got %v", names)
	}
	if _, err := os.Stat(filepath.Join(dir, "db2_2024-01-01.sql")); err != nil {
		t.Error("a different stem sharing the prefix was pruned")
	}

	// Unlimited retention is a no-op.
	if err := RunPrune(context.Background(), map[string]interface{}{"path": dir, "stemname": "db2"}); err != nil {
		t.Fatalf("unlimited prune failed: %v", err)
	}

	if err := RunPrune(context.Background(), map[string]interface{}{"path": filepath.Join(dir, "missing"), "stemname": "db", "keepnfiles": 1}); !errors.Is(err, dbbackup.ErrConfig) {
		t.Errorf("expected ErrConfig for a missing directory, got %v", err)
	}
}

func TestRunVersion(t *testing.T) {
	var out bytes.Buffer
	if err := RunVersion(&out, "PGL-DBBackup", "1.2.3"); err != nil {
		t.Fatal(err)
	}
	if out.String() != "PGL-DBBackup version 1.2.3\n" {
		t.Errorf("RunVersion() printed %q", out.String())
	}
}
