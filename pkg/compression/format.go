package compression

import (
	"encoding/json"
	"fmt"

	"github.com/paulschiretz/pgl-dbbackup/pkg/util"
)

// Format is the single-stream codec applied to a dump file.
type Format string

const (
	Gzip Format = "gzip"
	Zstd Format = "zstd"
)

var formatToString = map[Format]string{
	Gzip: "gzip",
	Zstd: "zstd",
}

var formatToExt = map[Format]string{
	Gzip: ".gz",
	Zstd: ".zst",
}

var stringToFormat map[string]Format

func init() {
	stringToFormat = util.InvertMap(formatToString)
}

func (f Format) String() string {
	if str, ok := formatToString[f]; ok {
		return str
	}
	return fmt.Sprintf("unknown_compression_format(%s)", string(f))
}

// Ext is the file suffix the format appends, including the dot.
func (f Format) Ext() string {
	if ext, ok := formatToExt[f]; ok {
		return ext
	}
	return ".gz"
}

// ParseFormat parses a format name. Empty means gzip.
func ParseFormat(s string) (Format, error) {
	if s == "" {
		return Gzip, nil
	}
	if format, ok := stringToFormat[s]; ok {
		return format, nil
	}
	return "", fmt.Errorf("invalid compression format: %q. Must be 'gzip' or 'zstd'", s)
}

// MarshalJSON implements the json.Marshaler interface for Format.
func (f Format) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for Format.
func (f *Format) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("compression format should be a string, got %s", data)
	}
	format, err := ParseFormat(s)
	if err != nil {
		return err
	}
	*f = format
	return nil
}
