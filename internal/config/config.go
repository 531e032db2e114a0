// Package config resolves the gateway settings.
// Precedence: CLI flags > SIPCONNECTOR_* env vars > ini file > defaults.
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"

	ini "gopkg.in/ini.v1"
)

// Config holds all runtime configuration for the gateway.
type Config struct {
	ConfigFile string

	SIPLocalAddr   string
	SIPLocalPort   int
	SIPRemoteAddr  string
	SIPRemotePort  int
	SIPTransport   string // "udp" or "tcp"
	SIPUsername    string // digest credentials for challenged INVITEs
	SIPPassword    string
	SIPInviteRate  float64 // new inbound INVITEs per second
	SIPInviteBurst int

	MNCCSocket      string
	UseIMSI         bool
	EmergencyNumber string // called number for emergency setups without one

	HTTPPort      int // 0 disables the API
	HTTPRateLimit int // requests per second per client, 0 disables

	DataDir        string // empty disables call history
	HistoryMaxDays int    // 0 keeps history forever

	LogLevel  string
	LogFormat string // "text" or "json"
	LogFile   string
}

const (
	defaultSIPLocalAddr    = "127.0.0.1"
	defaultSIPPort         = 5060
	defaultSIPRemoteAddr   = "pbx"
	defaultSIPTransport    = "udp"
	defaultInviteRate      = 20
	defaultInviteBurst     = 40
	defaultMNCCSocket      = "/tmp/msc_mncc"
	defaultEmergencyNumber = "emergency"
	defaultHTTPPort        = 8080
	defaultHTTPRateLimit   = 20
	defaultLogLevel        = "info"
	defaultLogFormat       = "text"
)

// envPrefix is the prefix for all gateway environment variables.
const envPrefix = "SIPCONNECTOR_"

// setting ties a flag to its env var and ini key. An empty section means
// the value cannot come from the ini file.
type setting struct {
	flag    string
	section string
	key     string
}

var settings = []setting{
	{"config", "", ""},
	{"sip-local-addr", "sip", "local_addr"},
	{"sip-local-port", "sip", "local_port"},
	{"sip-remote-addr", "sip", "remote_addr"},
	{"sip-remote-port", "sip", "remote_port"},
	{"sip-transport", "sip", "transport"},
	{"sip-username", "sip", "username"},
	{"sip-password", "sip", "password"},
	{"sip-invite-rate", "sip", "invite_rate"},
	{"sip-invite-burst", "sip", "invite_burst"},
	{"mncc-socket", "mncc", "socket_path"},
	{"use-imsi", "app", "use_imsi"},
	{"emergency-number", "app", "emergency_number"},
	{"data-dir", "app", "data_dir"},
	{"history-max-days", "app", "history_max_days"},
	{"http-port", "http", "port"},
	{"http-rate-limit", "http", "rate_limit"},
	{"log-level", "log", "level"},
	{"log-format", "log", "format"},
	{"log-file", "log", "file"},
}

// envName returns the env var for a flag, e.g. sip-local-addr becomes
// SIPCONNECTOR_SIP_LOCAL_ADDR.
func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// Load parses args (without the program name) and resolves every setting.
func Load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("sipconnector", flag.ContinueOnError)

	fs.StringVar(&cfg.ConfigFile, "config", "", "path to an ini configuration file")
	fs.StringVar(&cfg.SIPLocalAddr, "sip-local-addr", defaultSIPLocalAddr, "local SIP address to bind and advertise")
	fs.IntVar(&cfg.SIPLocalPort, "sip-local-port", defaultSIPPort, "local SIP port")
	fs.StringVar(&cfg.SIPRemoteAddr, "sip-remote-addr", defaultSIPRemoteAddr, "address of the SIP peer calls are sent to")
	fs.IntVar(&cfg.SIPRemotePort, "sip-remote-port", defaultSIPPort, "port of the SIP peer")
	fs.StringVar(&cfg.SIPTransport, "sip-transport", defaultSIPTransport, "SIP transport (udp, tcp)")
	fs.StringVar(&cfg.SIPUsername, "sip-username", "", "digest username for challenged INVITEs")
	fs.StringVar(&cfg.SIPPassword, "sip-password", "", "digest password for challenged INVITEs")
	fs.Float64Var(&cfg.SIPInviteRate, "sip-invite-rate", defaultInviteRate, "new inbound INVITEs accepted per second")
	fs.IntVar(&cfg.SIPInviteBurst, "sip-invite-burst", defaultInviteBurst, "burst of new inbound INVITEs")
	fs.StringVar(&cfg.MNCCSocket, "mncc-socket", defaultMNCCSocket, "path of the MSC's MNCC socket")
	fs.BoolVar(&cfg.UseIMSI, "use-imsi", false, "route mobile originated calls by IMSI instead of the calling number")
	fs.StringVar(&cfg.EmergencyNumber, "emergency-number", defaultEmergencyNumber, "called number used for emergency setups that carry none")
	fs.StringVar(&cfg.DataDir, "data-dir", "", "directory for the call history database (empty disables history)")
	fs.IntVar(&cfg.HistoryMaxDays, "history-max-days", 0, "days of call history to keep (0 keeps everything)")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP API listen port (0 disables)")
	fs.IntVar(&cfg.HTTPRateLimit, "http-rate-limit", defaultHTTPRateLimit, "API requests per second per client (0 disables)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.LogFile, "log-file", "", "also write logs to this rotated file")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	if !set["config"] {
		if v, ok := os.LookupEnv(envName("config")); ok && v != "" {
			cfg.ConfigFile = v
		}
	}
	if cfg.ConfigFile != "" {
		if err := applyFile(fs, set, cfg.ConfigFile); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(fs, set); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyFile sets every flag not given on the command line from the ini file.
func applyFile(fs *flag.FlagSet, set map[string]bool, path string) error {
	f, err := ini.Load(path)
	if err != nil {
		return fmt.Errorf("loading config file: %w", err)
	}
	for _, s := range settings {
		if s.section == "" || set[s.flag] {
			continue
		}
		sec, err := f.GetSection(s.section)
		if err != nil || !sec.HasKey(s.key) {
			continue
		}
		if err := fs.Set(s.flag, sec.Key(s.key).String()); err != nil {
			return fmt.Errorf("config file [%s] %s: %w", s.section, s.key, err)
		}
	}
	return nil
}

// applyEnv sets every flag not given on the command line from its env var.
// Env vars override the ini file.
func applyEnv(fs *flag.FlagSet, set map[string]bool) error {
	for _, s := range settings {
		if s.flag == "config" || set[s.flag] {
			continue
		}
		name := envName(s.flag)
		val, ok := os.LookupEnv(name)
		if !ok || val == "" {
			continue
		}
		if err := fs.Set(s.flag, val); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.SIPLocalPort < 1 || c.SIPLocalPort > 65535 {
		return fmt.Errorf("sip-local-port must be between 1 and 65535, got %d", c.SIPLocalPort)
	}
	if c.SIPRemotePort < 1 || c.SIPRemotePort > 65535 {
		return fmt.Errorf("sip-remote-port must be between 1 and 65535, got %d", c.SIPRemotePort)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 0 and 65535, got %d", c.HTTPPort)
	}
	if c.SIPRemoteAddr == "" {
		return fmt.Errorf("sip-remote-addr must not be empty")
	}
	if c.MNCCSocket == "" {
		return fmt.Errorf("mncc-socket must not be empty")
	}

	c.SIPTransport = strings.ToLower(c.SIPTransport)
	if c.SIPTransport != "udp" && c.SIPTransport != "tcp" {
		return fmt.Errorf("sip-transport must be one of udp, tcp; got %q", c.SIPTransport)
	}
	if c.SIPInviteRate <= 0 {
		return fmt.Errorf("sip-invite-rate must be positive, got %v", c.SIPInviteRate)
	}
	if c.SIPInviteBurst < 1 {
		return fmt.Errorf("sip-invite-burst must be at least 1, got %d", c.SIPInviteBurst)
	}
	if c.HTTPRateLimit < 0 {
		return fmt.Errorf("http-rate-limit must not be negative, got %d", c.HTTPRateLimit)
	}
	if c.HistoryMaxDays < 0 {
		return fmt.Errorf("history-max-days must not be negative, got %d", c.HistoryMaxDays)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}
