// Package config implements the ambient JSON configuration layer: one
// file read at startup, environment-variable substitution applied to
// every string field, and a process-wide Cfg handle the rest of the
// packages consult. Grounded on the teacher's config.Config (JSON +
// reflect-walked ${VAR} substitution), generalized from GNUnet service
// endpoints to the bus's own device path / audit DSN / admin endpoint.
package config

import (
	"encoding/json"
	"os"
	"reflect"
	"regexp"
	"strings"

	"github.com/bfix/gospel/logger"
)

// DeviceConfig describes how to reach the kernel transport driver.
type DeviceConfig struct {
	Path string `json:"path"` // empty selects the implementation default, e.g. /dev/bus1
}

// AuditConfig configures the optional lifecycle-event sink (spec.md
// §9 supplement; empty DSN disables auditing).
type AuditConfig struct {
	DSN string `json:"dsn"` // e.g. "sqlite3+./audit.db", "mysql+user:pass@tcp(host)/db", "redis+localhost:6379++0"
}

// AdminConfig configures the introspection surface.
type AdminConfig struct {
	Endpoint string `json:"endpoint"` // e.g. "127.0.0.1:8090", empty disables the admin server
}

// Environ holds the substitution dictionary applied to every string
// field at parse time (teacher's config.Environ).
type Environ map[string]string

// Config is the aggregated process configuration.
type Config struct {
	Env      Environ       `json:"environ"`
	LogLevel string        `json:"logLevel"` // DBG/INFO/WARN/ERROR/CRIT, gospel/logger names
	Device   *DeviceConfig `json:"device"`
	Audit    *AuditConfig  `json:"audit"`
	Admin    *AdminConfig  `json:"admin"`
}

// Cfg is the process-wide parsed configuration, set by ParseConfig.
var Cfg *Config

// defaults returns a Config usable without any file on disk, so a
// library consumer is never forced to maintain a JSON file just to get
// going.
func defaults() *Config {
	return &Config{
		Env:      Environ{},
		LogLevel: "INFO",
		Device:   &DeviceConfig{},
		Audit:    &AuditConfig{},
		Admin:    &AdminConfig{},
	}
}

// ParseConfig reads and parses a JSON configuration file from path,
// applying environment-variable substitution to every string field.
func ParseConfig(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return ParseConfigBytes(data)
}

// ParseConfigBytes parses an in-memory JSON document, layering it over
// the built-in defaults.
func ParseConfigBytes(data []byte) error {
	c := defaults()
	if err := json.Unmarshal(data, c); err != nil {
		return err
	}
	applySubstitutions(c, c.Env)
	Cfg = c
	applyLogLevel(c.LogLevel)
	return nil
}

func applyLogLevel(name string) {
	levels := map[string]int{
		"CRIT":  logger.CRITICAL,
		"ERROR": logger.ERROR,
		"WARN":  logger.WARN,
		"INFO":  logger.INFO,
		"DBG":   logger.DBG,
		"ALL":   logger.ALL,
	}
	if lvl, ok := levels[strings.ToUpper(name)]; ok {
		logger.SetLogLevel(lvl)
	}
}

var substPattern = regexp.MustCompile(`\$\{([^}]*)\}`)

// substString replaces every ${KEY} occurrence with env[KEY], leaving
// unknown keys untouched (teacher's config.substString).
func substString(s string, env map[string]string) string {
	matches := substPattern.FindAllStringSubmatch(s, -1)
	for _, m := range matches {
		if m[1] == "" {
			continue
		}
		if v, ok := env[m[1]]; ok {
			s = strings.ReplaceAll(s, "${"+m[1]+"}", v)
		}
	}
	return s
}

// applySubstitutions walks x by reflection, repeatedly substituting
// ${VAR} in every string field until it stops changing (teacher's
// config.applySubstitutions).
func applySubstitutions(x any, env map[string]string) {
	var process func(v reflect.Value)
	process = func(v reflect.Value) {
		for i := 0; i < v.NumField(); i++ {
			fld := v.Field(i)
			if !fld.CanSet() {
				continue
			}
			switch fld.Kind() {
			case reflect.String:
				s := fld.String()
				for {
					s1 := substString(s, env)
					if s1 == s {
						break
					}
					logger.Printf(logger.DBG, "[config] %s --> %s", s, s1)
					s = s1
				}
				fld.SetString(s)
			case reflect.Struct:
				process(fld)
			case reflect.Ptr:
				if e := fld.Elem(); e.IsValid() && e.Kind() == reflect.Struct {
					process(e)
				}
			}
		}
	}
	v := reflect.ValueOf(x)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() == reflect.Struct {
		process(v)
	}
}
