// Package config loads and validates the daemon's configuration: global
// daemon settings plus one SeatConfig per configured seat (§6 "Configuration
// recognized at the core").
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/lightseat/logind-core/internal/logging"
)

var log = logging.L("config")

// Config is the top-level daemon configuration.
type Config struct {
	PIDFile  string `mapstructure:"pid_file"`
	RunDir   string `mapstructure:"run_dir"`

	// TestMode runs the daemon unprivileged: hook scripts are skipped,
	// session open/close/setup-credentials become no-ops, and the
	// guest-account provisioner and notifier default to their no-op
	// implementations. See §4.1, §4.4.
	TestMode bool `mapstructure:"test_mode"`

	// DBusEnabled is a seam for an external bus adapter (§6); the core
	// never starts a bus server itself.
	DBusEnabled bool `mapstructure:"dbus_enabled"`

	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`

	AuditEnabled    bool `mapstructure:"audit_enabled"`
	AuditMaxSizeMB  int  `mapstructure:"audit_max_size_mb"`
	AuditMaxBackups int  `mapstructure:"audit_max_backups"`

	// PAMService is the service name AuthSession starts transactions
	// against (§4.1, §6's "service_name"), e.g. "lightdm" or "login".
	PAMService string `mapstructure:"pam_service"`

	// GreeterCommand is the greeter subprocess's argv (§6's greeter pipe
	// contract needs something concrete to spawn — not a §6-listed
	// property itself, since the greeter binary is an external
	// collaborator, but the daemon needs to know how to start one).
	GreeterCommand []string `mapstructure:"greeter_command"`
	// GreeterUser is the unprivileged account the greeter subprocess runs
	// as before it authenticates anyone.
	GreeterUser string `mapstructure:"greeter_user"`

	Seats []SeatConfig `mapstructure:"seats"`
}

// SeatConfig carries exactly the property keys §6 enumerates, as typed
// fields with mapstructure tags — the "typed accessors parse on demand"
// invariant of §3 is implemented by reading from this struct rather than
// from a raw map<string,string>, since Viper already gives us typed
// unmarshaling for free.
type SeatConfig struct {
	Name string `mapstructure:"name"`
	Type string `mapstructure:"type"`

	AutologinUser           string `mapstructure:"autologin_user"`
	AutologinGuest          bool   `mapstructure:"autologin_guest"`
	AutologinSessionTimeout int    `mapstructure:"autologin_session_timeout"`

	AllowGuest bool `mapstructure:"allow_guest"`

	GreeterSession        string `mapstructure:"greeter_session"`
	GreeterHideUsers      bool   `mapstructure:"greeter_hide_users"`
	GreeterAllowGuest     bool   `mapstructure:"greeter_allow_guest"`
	GreeterShowManualLogin bool  `mapstructure:"greeter_show_manual_login"`
	GreeterShowRemoteLogin bool  `mapstructure:"greeter_show_remote_login"`

	UserSession    string `mapstructure:"user_session"`
	SessionWrapper string `mapstructure:"session_wrapper"`

	DisplaySetupScript   string `mapstructure:"display_setup_script"`
	GreeterSetupScript   string `mapstructure:"greeter_setup_script"`
	SessionSetupScript   string `mapstructure:"session_setup_script"`
	SessionCleanupScript string `mapstructure:"session_cleanup_script"`

	ExitOnFailure bool `mapstructure:"exit_on_failure"`
}

// Default returns a Config with sane defaults for a single local seat.
func Default() *Config {
	return &Config{
		PIDFile:         "/run/logind-core.pid",
		RunDir:          "/run/logind-core",
		LogLevel:        "info",
		LogFormat:       "text",
		LogMaxSizeMB:    50,
		LogMaxBackups:   3,
		AuditEnabled:    true,
		AuditMaxSizeMB:  50,
		AuditMaxBackups: 3,
		PAMService:      "logind-core",
		GreeterCommand:  []string{"/usr/libexec/logind-core-greeter"},
		GreeterUser:     "logind-greeter",
		Seats: []SeatConfig{
			{
				Name:                   "seat0",
				Type:                   "xlocal",
				GreeterSession:         "greeter-session",
				UserSession:            "default",
				GreeterShowManualLogin: true,
			},
		},
	}
}

// Load reads configuration from cfgFile (or the standard search path if
// empty), validates it, and returns the result. A fatal validation error
// blocks startup entirely, per §7's ConfigError policy ("terminates the
// daemon" at startup).
func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("logind-core")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("LOGIND_CORE")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	result := cfg.ValidateTiered()
	for _, w := range result.Warnings {
		log.Warn("config validation", "error", w)
	}
	if result.HasFatals() {
		for _, f := range result.Fatals {
			log.Error("config validation fatal", "error", f)
		}
		return nil, fmt.Errorf("config has fatal validation errors: %v", result.Fatals[0])
	}

	return cfg, nil
}

// EnsureRunDir creates the daemon's runtime directory (greeter pipes, guest
// account lock files) if it does not already exist.
func (c *Config) EnsureRunDir() error {
	if c.RunDir == "" {
		return nil
	}
	return os.MkdirAll(c.RunDir, 0755)
}

// SeatByName returns the configured seat with the given name, or nil.
func (c *Config) SeatByName(name string) *SeatConfig {
	for i := range c.Seats {
		if c.Seats[i].Name == name {
			return &c.Seats[i]
		}
	}
	return nil
}

func configDir() string {
	return filepath.Join(string(filepath.Separator), "etc", "logind-core")
}
