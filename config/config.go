// Package config loads the local setup of a run: the EROS account credentials
// and the list of datasets to query.
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultDatasets is the built-in dataset list, used when no dataset config is given
var DefaultDatasets = []string{"WORLDVIEW-1", "WORLDVIEW-2", "WORLDVIEW-3"}

// ConfigError is a bad local setup. It aborts the run before any network call.
type ConfigError struct {
	Reason string
	Err    error
}

func (e ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config: %s: %v", e.Reason, e.Err)
	}
	return "config: " + e.Reason
}

func (e ConfigError) Unwrap() error { return e.Err }

// Credentials of the EROS account. Loaded once at startup, immutable, never logged.
type Credentials struct {
	Username string
	Password string
}

// LoadCredentials reads the EROS account from the environment, loading envFile
// first when given (a missing .env file is not an error: the variables may
// already be set in the environment).
func LoadCredentials(envFile string) (Credentials, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return Credentials{}, ConfigError{Reason: "load " + envFile, Err: err}
		}
	} else {
		_ = godotenv.Load()
	}
	creds := Credentials{
		Username: firstEnv("EROS_USER", "EROS_user"),
		Password: firstEnv("EROS_PASSWORD", "EROS_password"),
	}
	// Do not echo anything about the values themselves.
	if creds.Username == "" || creds.Password == "" {
		return Credentials{}, ConfigError{Reason: "missing EROS_USER or EROS_PASSWORD"}
	}
	return creds, nil
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// LoadDatasets reads the dataset identifiers from a YAML config file.
// A missing or empty file yields DefaultDatasets; malformed content is a ConfigError.
func LoadDatasets(path string) ([]string, error) {
	if path == "" {
		return DefaultDatasets, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultDatasets, nil
		}
		return nil, ConfigError{Reason: "read " + path, Err: err}
	}

	var cfg struct {
		Datasets []string `yaml:"datasets"`
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		// the file may also be a bare list of identifiers
		if e := yaml.Unmarshal(b, &cfg.Datasets); e != nil {
			return nil, ConfigError{Reason: "parse " + path, Err: err}
		}
	}

	datasets := dedup(cfg.Datasets)
	if len(datasets) == 0 {
		return DefaultDatasets, nil
	}
	return datasets, nil
}

// dedup removes duplicates, preserving order
func dedup(names []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, n := range names {
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
