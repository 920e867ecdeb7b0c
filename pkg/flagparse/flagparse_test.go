package flagparse

import (
	"bytes"
	"io"
	"os"
	"testing"

	"github.com/paulschiretz/pgl-dbbackup/pkg/optstring"
)

func TestMain(m *testing.M) {
	usageOutput = io.Discard
	os.Exit(m.Run())
}

// equalSlices is a helper to compare two string slices for equality.
func equalSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i, v := range a {
		if v != b[i] {
			return false
		}
	}
	return true
}

func TestParseCommand(t *testing.T) {
	for _, s := range []string{"backup", "prune", "cron", "init", "version"} {
		c, err := ParseCommand(s)
		if err != nil {
			t.Fatalf("ParseCommand(%q) failed: %v", s, err)
		}
		if c.String() != s {
			t.Errorf("round trip of %q gave %q", s, c)
		}
	}
	for _, s := range []string{"none", "restore", ""} {
		if _, err := ParseCommand(s); err == nil {
			t.Errorf("expected error for %q", s)
		}
	}
}

func TestParseBackup(t *testing.T) {
	args := []string{"backup", "/var/backups/db", "nightly", "--keepnfiles=5", "--compress", "--connection", "main", "--dump-args=--single-transaction,--quick"}
	cmd, flagMap, err := Parse(args)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cmd != Backup {
		t.Fatalf("expected backup, got %v", cmd)
	}
	if flagMap["path"] != "/var/backups/db" || flagMap["stemname"] != "nightly" {
		t.Errorf("positional args not captured: %v", flagMap)
	}
	if flagMap["keepnfiles"] != 5 || flagMap["compress"] != true || flagMap["connection"] != "main" {
		t.Errorf("flags not captured: %v", flagMap)
	}
	if _, ok := flagMap["overwrite"]; ok {
		t.Error("unset flags must not be in the map")
	}
	if got := flagMap["dump-args"].([]string); !equalSlices(got, []string{"--single-transaction", "--quick"}) {
		t.Errorf("dump-args = %v", got)
	}

	replay, ok := flagMap[ReplayKey].(Replay)
	if !ok {
		t.Fatal("expected replay values for the backup command")
	}
	got := optstring.Render(replay.Values.Without("dump-args"), replay.Schema)
	if got != " --compress --keepnfiles=5 --connection=main" {
		t.Errorf("replay rendered %q", got)
	}
}

func TestParseErrors(t *testing.T) {
	testCases := []struct {
		name string
		args []string
	}{
		{"Unknown Command", []string{"restore"}},
		{"Missing Stem", []string{"backup", "/tmp"}},
		{"Too Many Args", []string{"init", "/tmp", "extra"}},
		{"Unknown Flag", []string{"prune", "/tmp", "db", "--bogus"}},
		{"Bad Keep", []string{"prune", "/tmp", "db", "--keepnfiles=-2"}},
		{"Not A Number", []string{"prune", "/tmp", "db", "--keepnfiles=many"}},
		{"Negative Next", []string{"cron", "--crontime=* * * * *", "--next=-1"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := Parse(tc.args); err == nil {
				t.Errorf("expected error for %v", tc.args)
			}
		})
	}
}

func TestParseHelpAndVersion(t *testing.T) {
	var buf bytes.Buffer
	usageOutput = &buf
	t.Cleanup(func() { usageOutput = io.Discard })

	for _, args := range [][]string{nil, {"help"}, {"--help"}, {"backup", "--help"}} {
		buf.Reset()
		cmd, flagMap, err := Parse(args)
		if err != nil || cmd != None || flagMap != nil {
			t.Errorf("Parse(%v) = %v, %v, %v", args, cmd, flagMap, err)
		}
		if buf.Len() == 0 {
			t.Errorf("Parse(%v) printed no usage", args)
		}
	}

	cmd, _, err := Parse([]string{"version"})
	if err != nil || cmd != Version {
		t.Errorf("expected version command, got %v, %v", cmd, err)
	}
}

func TestParseCron(t *testing.T) {
	cmd, flagMap, err := Parse([]string{"cron", "--crontime=* 15 * * *", "--at=2010-08-10T22:02:00Z", "--next=3"})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cmd != Cron || flagMap["crontime"] != "* 15 * * *" || flagMap["at"] != "2010-08-10T22:02:00Z" || flagMap["next"] != 3 {
		t.Errorf("unexpected result %v %v", cmd, flagMap)
	}
	if _, ok := flagMap[ReplayKey]; ok {
		t.Error("only backup records replay values")
	}
}

func TestParseNameList(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected []string
	}{
		{"Simple List", "a,b,c", []string{"a", "b", "c"}},
		{"List with Spaces", " a , b, c ", []string{"a", "b", "c"}},
		{"Empty String", "", nil},
		{"Quoted Item with Spaces", "'item with spaces',b", []string{"item with spaces", "b"}},
		{"Quoted Item with Comma", "'a,b',c", []string{"a,b", "c"}},
		{"Unmatched Quote", "'a,b", []string{"a,b"}},
		{"Nested Quotes", "\"it's a test\",d", []string{"it's a test", "d"}},
		{"Option With Value", "--where=id > 5,--quick", []string{"--where=id > 5", "--quick"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result := ParseNameList(tc.input)
			if len(tc.expected) == 0 && len(result) == 0 {
				return
			}
			if !equalSlices(result, tc.expected) {
				t.Errorf("expected %v, but got %v", tc.expected, result)
			}
		})
	}
}

func TestParseCmdList(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected []string
	}{
		{"Simple List", "cmd1,cmd2", []string{"cmd1", "cmd2"}},
		{"Quoted Item with Spaces", "'echo hello',cmd2", []string{"'echo hello'", "cmd2"}},
		{"Quoted Item with Comma", "'echo a,b',c", []string{"'echo a,b'", "c"}},
		{"Mixed Single and Double Quotes", "'a b',\"c,d\",e", []string{"'a b'", "\"c,d\"", "e"}},
		{"Escaped Comma Outside Quotes", "a\\,b,c", []string{"a\\,b", "c"}},
		{"Escaped Backslash", "'a\\\\b',c", []string{"'a\\\\b'", "c"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result := ParseCmdList(tc.input)
			if len(tc.expected) == 0 && len(result) == 0 {
				return
			}
			if !equalSlices(result, tc.expected) {
				t.Errorf("expected %v, but got %v", tc.expected, result)
			}
		})
	}
}
