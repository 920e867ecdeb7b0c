package buildinfo

// Version holds the application's version string.
// It's a `var` so it can be set at compile time using ldflags.
// Example: go build -ldflags="-X github.com/paulschiretz/pgl-dbbackup/pkg/buildinfo.Version=1.0.0"
var Version = "dev"

// Name is the canonical name of the application used for logging.
var Name = "PGL-DBBackup"

// ExecName is the name of the installed binary. It is used when a command line
// has to be rebuilt for unattended execution (cron).
var ExecName = "pgl-dbbackup"
