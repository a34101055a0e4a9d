// Package config loads agent and collector configuration.
//
// Files are YAML, or JSON with comments when the name ends in .json or
// .jsonc. JSON documents are decoded through the YAML decoder, so both
// formats share the yaml struct tags and duration strings such as "30s".
// An optional .env file is loaded first and MMM_* variables then override
// selected fields.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

var osGetenv = os.Getenv

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// EnvPrefix prefixes every override variable.
const EnvPrefix = "MMM_"

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// LoadEnv loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is
// not an error.
func LoadEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// decodeFile reads path into v, choosing the format by extension.
func decodeFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	return decode(data, filepath.Ext(path), v)
}

func decode(data []byte, ext string, v any) error {
	switch strings.ToLower(ext) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	case ".yaml", ".yml", "":
	default:
		return invalid("unsupported config format %q", ext)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// lookup returns the override for name, if set and non-empty.
func lookup(getenv func(string) string, name string) (string, bool) {
	v := getenv(EnvPrefix + name)
	return v, v != ""
}

// envKey turns a destination name into the fragment used in its override
// variable: "Primary-Collector" becomes "PRIMARY_COLLECTOR".
func envKey(name string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
