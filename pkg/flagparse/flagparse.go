package flagparse

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"

	"github.com/paulschiretz/pgl-dbbackup/pkg/buildinfo"
	"github.com/paulschiretz/pgl-dbbackup/pkg/optstring"
)

// ReplayKey holds, for the backup command, the flags exactly as typed so the
// run can be replayed from cron.
const ReplayKey = "_replay"

// Replay is the value stored under ReplayKey.
type Replay struct {
	Values optstring.Values
	Schema optstring.Schema
}

// usageOutput is where help text goes. Swapped in tests.
var usageOutput io.Writer = os.Stderr

// cliFlags holds pointers to all possible command-line flags.
// Fields are pointers so we can distinguish between "not registered for this command" (nil)
// and "registered but not set by user" (non-nil pointer to zero value).
type cliFlags struct {
	// Global
	LogLevel    *string
	DryRun      *bool
	MetricsFile *string

	// Shared: Backup / Init
	Compress          *bool
	CompressionFormat *string
	CompressionLevel  *string
	Overwrite         *bool
	CreateDir         *bool
	ConnectionsFile   *string
	EnvFile           *string
	DumpCommand       *string
	DumpArgs          *string
	DumpTimeout       *int
	FailFast          *bool
	PreBackupHooks    *string
	PostBackupHooks   *string

	// Shared: Backup / Init / Prune
	KeepNFiles    *int
	Connection    *string
	DeleteWorkers *int

	// Shared: Backup / Init / Cron
	CronTime   *string
	CronPath   *string
	CronPrefix *string
	CronUser   *string

	// Backup specific
	Install    *bool
	CronPeriod *string

	// Cron specific
	At   *string
	Next *int

	// Init / Prune specific
	Force   *bool
	Default *bool
}

func newFlagSet(command Command) *pflag.FlagSet {
	fs := pflag.NewFlagSet(command.String(), pflag.ContinueOnError)
	fs.SortFlags = false
	fs.SetOutput(usageOutput)
	return fs
}

func registerGlobalFlags(fs *pflag.FlagSet, f *cliFlags) {
	f.LogLevel = fs.String("log-level", "info", "Set the logging level: 'debug', 'notice', 'info', 'warn', 'error'.")
	f.DryRun = fs.Bool("dry-run", false, "Show what would be done without making any changes.")
	f.MetricsFile = fs.String("metrics-file", "", "Write run metrics in Prometheus text format to this file.")
}

func registerDumpFlags(fs *pflag.FlagSet, f *cliFlags) {
	f.Compress = fs.Bool("compress", false, "Compress the dump after it has been written.")
	f.CompressionFormat = fs.String("compression-format", "", "Compression format: 'gzip' or 'zstd'.")
	f.CompressionLevel = fs.String("compression-level", "", "Compression level: 'default', 'fastest', 'better', 'best'.")
	f.Overwrite = fs.Bool("overwrite", false, "Replace a backup file that already exists for today.")
	f.KeepNFiles = fs.Int("keepnfiles", -1, "Number of backup files to keep for this stem name (-1 keeps all).")
	f.Connection = fs.String("connection", "", "Name of the database connection to back up.")
	f.ConnectionsFile = fs.String("connections-file", "", "YAML file defining the database connections.")
	f.EnvFile = fs.String("env-file", "", "Dotenv file providing variables for the connections file.")
	f.CreateDir = fs.Bool("create-dir", true, "Create the backup directory if it does not exist. Use --create-dir=false to fail instead.")
	f.DumpCommand = fs.String("dump-command", "", "Dump program to run instead of mysqldump or pg_dump.")
	f.DumpArgs = fs.String("dump-args", "", "Comma-separated list of extra arguments for the dump program.")
	f.DumpTimeout = fs.Int("dump-timeout", 0, "Seconds after which a running dump is killed.")
	f.DeleteWorkers = fs.Int("delete-workers", 0, "Number of worker goroutines for deleting outdated backups.")
	f.FailFast = fs.Bool("fail-fast", false, "Stop running hooks on the first failing command.")
	f.PreBackupHooks = fs.String("pre-backup-hooks", "", "Comma-separated list of commands to run before the backup.")
	f.PostBackupHooks = fs.String("post-backup-hooks", "", "Comma-separated list of commands to run after the backup.")
}

func registerCronFlags(fs *pflag.FlagSet, f *cliFlags) {
	f.CronTime = fs.String("crontime", "", "Cron schedule, e.g. '0 23 * * *'.")
	f.CronPath = fs.String("cronpath", "", "Directory the cron file is written to.")
	f.CronPrefix = fs.String("cronprefix", "", "Prefix for the cron file name.")
	f.CronUser = fs.String("cronuser", "", "User the cron job runs as.")
}

func registerBackupFlags(fs *pflag.FlagSet, f *cliFlags) {
	registerDumpFlags(fs, f)
	f.Install = fs.Bool("install", false, "Install a cron job for this backup instead of running it.")
	registerCronFlags(fs, f)
	f.CronPeriod = fs.String("cronperiod", "", "Install into /etc/cron.<period> ('hourly', 'daily', 'weekly', 'monthly') instead of /etc/cron.d.")
}

func registerInitFlags(fs *pflag.FlagSet, f *cliFlags) {
	registerDumpFlags(fs, f)
	registerCronFlags(fs, f)
	f.Force = fs.Bool("force", false, "Bypass confirmation prompts.")
	f.Default = fs.Bool("default", false, "Overwrite existing configuration with defaults.")
}

func registerPruneFlags(fs *pflag.FlagSet, f *cliFlags) {
	f.KeepNFiles = fs.Int("keepnfiles", -1, "Number of backup files to keep for this stem name (-1 keeps all).")
	f.DeleteWorkers = fs.Int("delete-workers", 0, "Number of worker goroutines for deleting outdated backups.")
	f.Force = fs.Bool("force", false, "Bypass confirmation prompts.")
}

func registerCronCheckFlags(fs *pflag.FlagSet, f *cliFlags) {
	f.CronTime = fs.String("crontime", "", "Cron schedule to check. (Required)")
	f.At = fs.String("at", "", "RFC 3339 timestamp to match against (default: now).")
	f.Next = fs.Int("next", 0, "Also print the next N run times.")
}

// subcommand describes how one command is parsed.
type subcommand struct {
	desc       string
	positional []string
	register   func(fs *pflag.FlagSet, f *cliFlags)
}

var subcommands = map[Command]subcommand{
	Backup: {"Dump a database to <path>/<stemname>_YYYY-MM-DD.sql.", []string{"path", "stemname"}, registerBackupFlags},
	Prune:  {"Delete old backup files of a stem name beyond the retention count.", []string{"path", "stemname"}, registerPruneFlags},
	Init:   {"Write a configuration file into the backup directory.", []string{"path"}, registerInitFlags},
	Cron:   {"Check whether a cron schedule matches a point in time.", nil, registerCronCheckFlags},
}

// Parse parses the provided arguments (usually os.Args[1:]) and returns the action and config map.
func Parse(args []string) (Command, map[string]interface{}, error) {
	// If no arguments provided, print help and exit.
	if len(args) == 0 {
		printTopLevelUsage(usageOutput)
		return None, nil, nil
	}

	cmdStr := strings.ToLower(args[0])
	if cmdStr == "help" || cmdStr == "-h" || cmdStr == "-help" || cmdStr == "--help" {
		printTopLevelUsage(usageOutput)
		return None, nil, nil
	}

	command, err := ParseCommand(cmdStr)
	if err != nil {
		return None, nil, err
	}
	if command == Version {
		return command, nil, nil
	}

	sub := subcommands[command]
	f := &cliFlags{}
	fs := newFlagSet(command)
	registerGlobalFlags(fs, f)
	sub.register(fs, f)
	fs.Usage = func() {
		printSubcommandUsage(usageOutput, command, sub, fs)
	}

	if err := fs.Parse(args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return None, nil, nil
		}
		return command, nil, err
	}

	if fs.NArg() != len(sub.positional) {
		return command, nil, fmt.Errorf("the %s command expects %d argument(s) (%s), got %d",
			command, len(sub.positional), positionalUsage(sub.positional), fs.NArg())
	}

	flagMap, err := flagsToMap(fs, f)
	if err != nil {
		return command, nil, err
	}
	for i, name := range sub.positional {
		flagMap[name] = fs.Arg(i)
	}
	if command == Backup {
		values, schema := optstring.FromFlagSet(fs)
		flagMap[ReplayKey] = Replay{Values: values, Schema: schema}
	}
	return command, flagMap, nil
}

func flagsToMap(fs *pflag.FlagSet, f *cliFlags) (map[string]interface{}, error) {
	// Only flags explicitly set by the user end up in the map, so they can
	// selectively override the loaded configuration.
	flagMap := make(map[string]any)

	addIfUsed(fs, flagMap, "log-level", f.LogLevel)
	addIfUsed(fs, flagMap, "dry-run", f.DryRun)
	addIfUsed(fs, flagMap, "metrics-file", f.MetricsFile)

	addIfUsed(fs, flagMap, "compress", f.Compress)
	addIfUsed(fs, flagMap, "compression-format", f.CompressionFormat)
	addIfUsed(fs, flagMap, "compression-level", f.CompressionLevel)
	addIfUsed(fs, flagMap, "overwrite", f.Overwrite)
	addIfUsed(fs, flagMap, "keepnfiles", f.KeepNFiles)
	addIfUsed(fs, flagMap, "connection", f.Connection)
	addIfUsed(fs, flagMap, "connections-file", f.ConnectionsFile)
	addIfUsed(fs, flagMap, "env-file", f.EnvFile)
	addIfUsed(fs, flagMap, "create-dir", f.CreateDir)
	addIfUsed(fs, flagMap, "dump-command", f.DumpCommand)
	addIfUsed(fs, flagMap, "dump-timeout", f.DumpTimeout)
	addIfUsed(fs, flagMap, "delete-workers", f.DeleteWorkers)
	addIfUsed(fs, flagMap, "fail-fast", f.FailFast)

	addIfUsed(fs, flagMap, "install", f.Install)
	addIfUsed(fs, flagMap, "crontime", f.CronTime)
	addIfUsed(fs, flagMap, "cronpath", f.CronPath)
	addIfUsed(fs, flagMap, "cronprefix", f.CronPrefix)
	addIfUsed(fs, flagMap, "cronuser", f.CronUser)
	addIfUsed(fs, flagMap, "cronperiod", f.CronPeriod)

	addIfUsed(fs, flagMap, "at", f.At)
	addIfUsed(fs, flagMap, "next", f.Next)

	addIfUsed(fs, flagMap, "force", f.Force)
	addIfUsed(fs, flagMap, "default", f.Default)

	// Handle flags that require parsing.
	addParsedIfUsed(fs, flagMap, "dump-args", f.DumpArgs, ParseNameList)
	addParsedIfUsed(fs, flagMap, "pre-backup-hooks", f.PreBackupHooks, ParseCmdList)
	addParsedIfUsed(fs, flagMap, "post-backup-hooks", f.PostBackupHooks, ParseCmdList)

	if v, ok := flagMap["keepnfiles"].(int); ok && v < -1 {
		return nil, fmt.Errorf("invalid --keepnfiles=%d: must be -1 (keep all) or a non-negative number", v)
	}
	if v, ok := flagMap["next"].(int); ok && v < 0 {
		return nil, fmt.Errorf("invalid --next=%d: must not be negative", v)
	}
	return flagMap, nil
}

// addIfUsed adds the value of ptr to flagMap if ptr is not nil and the flag was set.
func addIfUsed[T any](fs *pflag.FlagSet, flagMap map[string]interface{}, name string, ptr *T) {
	if ptr != nil && fs.Changed(name) {
		flagMap[name] = *ptr
	}
}

// addParsedIfUsed adds the parsed value of ptr to flagMap if ptr is not nil and the flag was set.
func addParsedIfUsed(fs *pflag.FlagSet, flagMap map[string]interface{}, name string, ptr *string, parser func(string) []string) {
	if ptr != nil && fs.Changed(name) {
		flagMap[name] = parser(*ptr)
	}
}

func positionalUsage(names []string) string {
	if len(names) == 0 {
		return "none"
	}
	return "<" + strings.Join(names, "> <") + ">"
}

// printTopLevelUsage prints the main help message.
func printTopLevelUsage(w io.Writer) {
	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(w, "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(w, "Dated database dumps with retention and cron installation.\n\n")
	fmt.Fprintf(w, "Usage: %s <command> [arguments] [flags]\n\n", execName)
	fmt.Fprintf(w, "Commands:\n")
	fmt.Fprintf(w, "  backup      Dump a database, or install a cron job for it with --install\n")
	fmt.Fprintf(w, "  prune       Delete old backup files beyond the retention count\n")
	fmt.Fprintf(w, "  cron        Check a cron schedule against a point in time\n")
	fmt.Fprintf(w, "  init        Write a configuration file into a backup directory\n")
	fmt.Fprintf(w, "  version     Print the application version\n")
	fmt.Fprintf(w, "\nRun '%s <command> --help' for more information on a command.\n", execName)
}

// printSubcommandUsage prints the help message for a specific subcommand.
func printSubcommandUsage(w io.Writer, command Command, sub subcommand, fs *pflag.FlagSet) {
	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(w, "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(w, "Dated database dumps with retention and cron installation.\n\n")
	args := ""
	if len(sub.positional) > 0 {
		args = " " + positionalUsage(sub.positional)
	}
	fmt.Fprintf(w, "Usage of the %s command: %s %s%s [flags]\n\n", command, execName, command, args)
	fmt.Fprintf(w, "%s\n\n", sub.desc)
	fmt.Fprintf(w, "Flags:\n")
	fmt.Fprint(w, fs.FlagUsages())
}

// ParseCmdList parses a comma-separated list of shell-like commands.
// It preserves quotes and handles backslash escapes so they can be interpreted by the shell.
func ParseCmdList(s string) []string {
	return parseListInternal(s, true, true)
}

// ParseNameList parses a comma-separated list of plain names.
// It removes quotes, as they are only used for grouping items with spaces.
func ParseNameList(s string) []string {
	return parseListInternal(s, false, false)
}

// parseListInternal is the core implementation for parsing a comma-separated list. It supports
// both single (') and double (") quotes to allow items to contain commas or spaces.
// - `keepQuotes`: Preserves quote characters in the output.
// - `handleEscapes`: Treats backslashes as escape characters.
func parseListInternal(s string, keepQuotes, handleEscapes bool) []string {
	var list []string
	var current strings.Builder
	var quoteChar rune

	appendItem := func() {
		trimmed := strings.TrimSpace(current.String())
		if trimmed != "" {
			list = append(list, trimmed)
		}
		current.Reset()
	}

	var isEscaped bool
	for _, r := range s {
		if isEscaped {
			current.WriteRune(r)
			isEscaped = false
			continue
		}

		switch {
		case r == '\\' && handleEscapes:
			isEscaped = true
			// Commands keep the backslash for the shell to interpret.
			current.WriteRune(r)
		case r == '\'' || r == '"':
			if quoteChar == 0 {
				quoteChar = r
				if keepQuotes {
					current.WriteRune(r)
				}
			} else if quoteChar == r {
				quoteChar = 0
				if keepQuotes {
					current.WriteRune(r)
				}
			} else {
				current.WriteRune(r)
			}
		case r == ',' && quoteChar == 0:
			appendItem()
		default:
			current.WriteRune(r)
		}
	}
	appendItem()
	return list
}
