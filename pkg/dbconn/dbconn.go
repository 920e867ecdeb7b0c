// Package dbconn resolves a named connection into the parameters a dump tool
// needs. Connections live in a YAML file; values may reference ${VAR} or
// ${VAR:-default}, looked up in an optional env file first and then the
// process environment.
//
//	connections:
//	  default:
//	    dsn: "mysql:host=db.internal;port=3306;dbname=shop"
//	    username: backup
//	    password: ${SHOP_DB_PASSWORD}
//	  analytics:
//	    dsn: "postgres://reader@pg.internal:5432/analytics?sslmode=disable"
//	    password: ${PG_PASSWORD:-}
package dbconn

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/paulschiretz/pgl-dbbackup/pkg/util"
)

// Driver selects the dump tool.
type Driver string

const (
	MySQL    Driver = "mysql"
	Postgres Driver = "postgres"
)

// ParseDriver normalizes driver aliases.
func ParseDriver(s string) (Driver, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mysql", "mariadb":
		return MySQL, nil
	case "postgres", "postgresql", "pgsql":
		return Postgres, nil
	}
	return "", fmt.Errorf("unsupported database driver %q: must be 'mysql' or 'postgres'", s)
}

// ErrUnknownConnection is returned when a name is not defined in the connections file.
var ErrUnknownConnection = errors.New("unknown connection")

// Params are the resolved connection parameters.
type Params struct {
	Name     string
	Driver   Driver
	Host     string
	Port     int
	Socket   string
	User     string
	Password string
	Database string
	// Options holds driver specific settings such as sslmode or charset.
	Options map[string]string
}

// Validate checks the parameters are complete enough to run a dump.
func (p Params) Validate() error {
	if p.Driver != MySQL && p.Driver != Postgres {
		return fmt.Errorf("connection %q: unsupported driver %q", p.Name, p.Driver)
	}
	if p.Database == "" {
		return fmt.Errorf("connection %q: database name is required", p.Name)
	}
	if p.Port < 0 || p.Port > 65535 {
		return fmt.Errorf("connection %q: invalid port %d", p.Name, p.Port)
	}
	return nil
}

// LogValue keeps the password out of log output.
func (p Params) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("name", p.Name),
		slog.String("driver", string(p.Driver)),
		slog.String("database", p.Database),
	}
	if p.Host != "" {
		attrs = append(attrs, slog.String("host", p.Host))
	}
	if p.Port != 0 {
		attrs = append(attrs, slog.Int("port", p.Port))
	}
	if p.Socket != "" {
		attrs = append(attrs, slog.String("socket", p.Socket))
	}
	if p.User != "" {
		attrs = append(attrs, slog.String("user", p.User))
	}
	if p.Password != "" {
		attrs = append(attrs, slog.String("password", "***"))
	}
	return slog.GroupValue(attrs...)
}

type connectionEntry struct {
	Driver   string            `yaml:"driver,omitempty"`
	DSN      string            `yaml:"dsn,omitempty"`
	Host     string            `yaml:"host,omitempty"`
	Port     int               `yaml:"port,omitempty"`
	Socket   string            `yaml:"socket,omitempty"`
	Username string            `yaml:"username,omitempty"`
	Password string            `yaml:"password,omitempty"`
	Database string            `yaml:"database,omitempty"`
	Options  map[string]string `yaml:"options,omitempty"`
}

type connectionsFile struct {
	Connections map[string]connectionEntry `yaml:"connections"`
}

// Registry holds the connections defined in a file.
type Registry struct {
	path    string
	entries map[string]connectionEntry
}

// Load reads the connections file at path. envFile, if not empty, is read with
// godotenv and consulted before the process environment.
func Load(path, envFile string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read connections file %s: %w", path, err)
	}

	lookup := os.LookupEnv
	if envFile != "" {
		vars, err := godotenv.Read(envFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read env file %s: %w", envFile, err)
		}
		lookup = func(key string) (string, bool) {
			if v, ok := vars[key]; ok {
				return v, true
			}
			return os.LookupEnv(key)
		}
	}

	expanded, err := expandEnv(raw, lookup)
	if err != nil {
		return nil, fmt.Errorf("failed to expand variables in %s: %w", path, err)
	}

	var cf connectionsFile
	if err := yaml.Unmarshal(expanded, &cf); err != nil {
		return nil, fmt.Errorf("failed to parse connections file %s: %w", path, err)
	}
	if len(cf.Connections) == 0 {
		return nil, fmt.Errorf("connections file %s defines no connections", path)
	}
	return &Registry{path: path, entries: cf.Connections}, nil
}

const templateHeader = `# Database connections for pgl-dbbackup.
# Values may reference ${VAR} or ${VAR:-default}; variables come from the
# configured env file first, then from the process environment.
# A "dsn" (mysql:host=..;dbname=.., postgres://.. or key=value) may replace
# the individual fields. Explicit fields override the DSN.
`

// WriteTemplate creates a starter connections file at path. An existing file
// is left untouched and os.ErrExist is returned.
func WriteTemplate(path string) error {
	cf := connectionsFile{Connections: map[string]connectionEntry{
		"default": {
			Driver:   string(MySQL),
			Host:     "localhost",
			Port:     3306,
			Username: "backup",
			Password: "${DB_PASSWORD}",
			Database: "mydb",
			Options:  map[string]string{"charset": "utf8mb4"},
		},
	}}
	body, err := yaml.Marshal(&cf)
	if err != nil {
		return fmt.Errorf("failed to render connections template: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, util.PrivateFilePerms)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(templateHeader + string(body)); err != nil {
		f.Close()
		return fmt.Errorf("failed to write connections template %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write connections template %s: %w", path, err)
	}
	return nil
}

// Names returns the defined connection names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the validated parameters for name. Explicit fields override
// whatever the DSN specifies.
func (r *Registry) Resolve(name string) (Params, error) {
	e, ok := r.entries[name]
	if !ok {
		return Params{}, fmt.Errorf("%w %q in %s (defined: %s)", ErrUnknownConnection, name, r.path, strings.Join(r.Names(), ", "))
	}

	var p Params
	if e.DSN != "" {
		var err error
		if p, err = ParseDSN(e.DSN); err != nil {
			return Params{}, fmt.Errorf("connection %q: %w", name, err)
		}
	}
	p.Name = name

	if e.Driver != "" {
		d, err := ParseDriver(e.Driver)
		if err != nil {
			return Params{}, fmt.Errorf("connection %q: %w", name, err)
		}
		p.Driver = d
	}
	override(&p.Host, e.Host)
	override(&p.Socket, e.Socket)
	override(&p.User, e.Username)
	override(&p.Password, e.Password)
	override(&p.Database, e.Database)
	if e.Port != 0 {
		p.Port = e.Port
	}
	for k, v := range e.Options {
		if p.Options == nil {
			p.Options = make(map[string]string)
		}
		p.Options[k] = v
	}

	if err := p.Validate(); err != nil {
		return Params{}, err
	}
	return p, nil
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// envPattern matches ${VAR} and ${VAR:-default} expressions.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-((?:[^}\\]|\\.)*))?\}`)

// expandEnv replaces ${VAR} and ${VAR:-default}. Every unresolved variable is reported.
func expandEnv(raw []byte, lookup func(string) (string, bool)) ([]byte, error) {
	var errs []error

	result := envPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		subs := envPattern.FindSubmatch(match)
		name := string(subs[1])
		if value, ok := lookup(name); ok {
			return []byte(value)
		}
		if subs[2] != nil {
			return subs[2]
		}
		errs = append(errs, fmt.Errorf("unresolved variable: %s", name))
		return match
	})

	return result, errors.Join(errs...)
}
