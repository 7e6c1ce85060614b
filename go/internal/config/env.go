package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPathEnv names the optional YAML file when --config is not given.
const ConfigPathEnv = "CAPTIMER_CONFIG"

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// ConfigPath returns flagValue, or the path from the environment.
func ConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return getEnv(ConfigPathEnv, "")
}

// envReader overrides fields from set environment variables and keeps the
// first parse error.
type envReader struct {
	err error
}

func (r *envReader) fail(key string, err error) {
	if r.err == nil {
		r.err = &Error{Field: key, Err: err}
	}
}

func (r *envReader) string(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func (r *envReader) int(key string, dst *int) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		r.fail(key, err)
		return
	}
	*dst = n
}

func (r *envReader) bool(key string, dst *bool) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		r.fail(key, err)
		return
	}
	*dst = b
}

func (r *envReader) duration(key string, dst *time.Duration) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		r.fail(key, err)
		return
	}
	*dst = d
}

func (r *envReader) ints(key string, dst *[]int) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	list, err := ParseIntList(v)
	if err != nil {
		r.fail(key, err)
		return
	}
	*dst = list
}

// ParseIntList parses "35,25,20".
func ParseIntList(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	list := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", p)
		}
		list = append(list, n)
	}
	return list, nil
}

func loadFile(path string, dst any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return &Error{Field: "config file", Err: fmt.Errorf("failed to read config file: %w", err)}
	}
	if err := yaml.Unmarshal(data, dst); err != nil {
		return &Error{Field: "config file", Err: fmt.Errorf("failed to parse config: %w", err)}
	}
	return nil
}
