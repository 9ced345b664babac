package config

import (
	"fmt"
	"os"
)

// ValidationResult separates fatal errors (block startup / reject the seat)
// from warnings (logged, startup continues) — the tiered policy §7 assigns
// to ConfigError.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

// HasFatals reports whether any fatal errors were recorded.
func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// ValidateTiered validates the whole configuration, global settings plus
// every seat.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	if len(c.Seats) == 0 {
		r.Fatals = append(r.Fatals, fmt.Errorf("no seats configured"))
	}

	seenNames := make(map[string]bool)
	for i := range c.Seats {
		sr := c.Seats[i].validateTiered()
		r.Fatals = append(r.Fatals, sr.Fatals...)
		r.Warnings = append(r.Warnings, sr.Warnings...)

		name := c.Seats[i].Name
		if name == "" {
			r.Fatals = append(r.Fatals, fmt.Errorf("seat %d: name is required", i))
		} else if seenNames[name] {
			r.Fatals = append(r.Fatals, fmt.Errorf("seat %d: duplicate seat name %q", i, name))
		}
		seenNames[name] = true
	}

	if c.LogLevel != "" && !validLogLevels[c.LogLevel] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}
	if c.LogMaxSizeMB < 0 {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_max_size_mb %d is negative, clamping to 0 (unbounded)", c.LogMaxSizeMB))
		c.LogMaxSizeMB = 0
	}

	return r
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validateTiered validates one seat's configuration. Its only caller is
// ValidateTiered, which folds every seat's Fatals and Warnings into the
// daemon-wide result, so a fatal error in one seat fails the whole
// configuration. DisplayManager.AddSeat does not validate a seat on its
// own, so no single seat is rejected at add-seat time.
func (s *SeatConfig) validateTiered() ValidationResult {
	var r ValidationResult

	switch s.Type {
	case "", "xlocal", "xremote", "vnc", "xdmcp", "test":
	default:
		r.Warnings = append(r.Warnings, fmt.Errorf("seat %q: unknown type %q, defaulting to xlocal behavior", s.Name, s.Type))
	}

	if s.AutologinUser != "" && s.AutologinGuest {
		r.Fatals = append(r.Fatals, fmt.Errorf("seat %q: autologin_user and autologin_guest are mutually exclusive", s.Name))
	}

	if s.AutologinSessionTimeout < 0 {
		r.Warnings = append(r.Warnings, fmt.Errorf("seat %q: autologin_session_timeout %d is negative, clamping to 0", s.Name, s.AutologinSessionTimeout))
		s.AutologinSessionTimeout = 0
	}

	for _, path := range []struct {
		name  string
		value string
	}{
		{"display_setup_script", s.DisplaySetupScript},
		{"greeter_setup_script", s.GreeterSetupScript},
		{"session_setup_script", s.SessionSetupScript},
		{"session_cleanup_script", s.SessionCleanupScript},
	} {
		if path.value == "" {
			continue
		}
		if !isAbsExecutable(path.value) {
			r.Fatals = append(r.Fatals, fmt.Errorf("seat %q: %s %q must be an absolute, executable, regular file", s.Name, path.name, path.value))
		}
	}

	return r
}

// isAbsExecutable checks the static shape of a hook-script path: absolute,
// and if it exists, a regular file with some executable bit set. A
// not-yet-present path (e.g. validated before provisioning) is treated as
// acceptable at config-parse time; the scripthook runner re-checks at
// execution time (§6).
func isAbsExecutable(path string) bool {
	if len(path) == 0 || path[0] != '/' {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		return true
	}
	if !info.Mode().IsRegular() {
		return false
	}
	return info.Mode().Perm()&0111 != 0
}
