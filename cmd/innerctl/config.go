package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/RecadoCampbell/fastotv/internal/inner"
	"github.com/RecadoCampbell/fastotv/internal/observability"
	"github.com/RecadoCampbell/fastotv/internal/protocol/session"
)

var ErrInvalidConfig = errors.New("innerctl: invalid config")

const defaultAddress = "127.0.0.1:6317"

type fileConfig struct {
	Address            string `toml:"address"`
	Login              string `toml:"login"`
	Password           string `toml:"password"`
	DeviceID           string `toml:"device_id"`
	KeepaliveInterval  string `toml:"keepalive_interval"`
	ConnectTimeout     string `toml:"connect_timeout"`
	WriteTimeout       string `toml:"write_timeout"`
	RequestTimeout     string `toml:"request_timeout"`
	MaxLineBytes       int    `toml:"max_line_bytes"`
	BandwidthDuration  string `toml:"bandwidth_duration"`
	BandwidthByteLimit int64  `toml:"bandwidth_byte_limit"`
	Reconnect          bool   `toml:"reconnect"`
	ReconnectMaxDelay  string `toml:"reconnect_max_delay"`
	AdminAddr          string `toml:"admin_addr"`
	TracingExporter    string `toml:"tracing_exporter"`

	SecurityMode          string `toml:"security_mode"`
	TLSEnabled            bool   `toml:"tls_enabled"`
	TLSCAFile             string `toml:"tls_ca_file"`
	TLSCertFile           string `toml:"tls_cert_file"`
	TLSKeyFile            string `toml:"tls_key_file"`
	TLSServerName         string `toml:"tls_server_name"`
	TLSInsecureSkipVerify bool   `toml:"tls_insecure_skip_verify"`
}

type appConfig struct {
	Inner     inner.Config
	Reconnect bool
	AdminAddr string
	// TraceExporter is "none" or "stdout".
	TraceExporter string
}

func defaultAppConfig() appConfig {
	cfg := session.DefaultConfig()
	cfg.Address = defaultAddress
	return appConfig{
		Inner:         inner.Config{Session: cfg},
		Reconnect:     true,
		TraceExporter: observability.TraceExporterNone,
	}
}

func loadAppConfig(path string) (appConfig, error) {
	cfg := defaultAppConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return appConfig{}, fmt.Errorf("load innerctl config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return appConfig{}, fmt.Errorf("%w: unknown key %q", ErrInvalidConfig, undecoded[0].String())
	}

	s := &cfg.Inner.Session
	if meta.IsDefined("address") {
		s.Address = strings.TrimSpace(raw.Address)
	}
	if meta.IsDefined("login") {
		cfg.Inner.Auth.Login = strings.TrimSpace(raw.Login)
	}
	if meta.IsDefined("password") {
		cfg.Inner.Auth.Password = raw.Password
	}
	if meta.IsDefined("device_id") {
		cfg.Inner.Auth.DeviceID = strings.TrimSpace(raw.DeviceID)
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"keepalive_interval", raw.KeepaliveInterval, &s.KeepaliveInterval},
		{"connect_timeout", raw.ConnectTimeout, &s.ConnectTimeout},
		{"write_timeout", raw.WriteTimeout, &s.WriteTimeout},
		{"request_timeout", raw.RequestTimeout, &s.RequestTimeout},
		{"bandwidth_duration", raw.BandwidthDuration, &s.Bandwidth.Duration},
		{"reconnect_max_delay", raw.ReconnectMaxDelay, &s.Reconnect.MaxDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return appConfig{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("max_line_bytes") {
		s.Limits.MaxLineBytes = raw.MaxLineBytes
	}
	if meta.IsDefined("bandwidth_byte_limit") {
		if raw.BandwidthByteLimit < 0 {
			return appConfig{}, fmt.Errorf("%w: bandwidth_byte_limit must not be negative", ErrInvalidConfig)
		}
		s.Bandwidth.ByteLimit = uint64(raw.BandwidthByteLimit)
	}
	if meta.IsDefined("reconnect") {
		cfg.Reconnect = raw.Reconnect
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("tracing_exporter") {
		cfg.TraceExporter = strings.ToLower(strings.TrimSpace(raw.TracingExporter))
	}
	if meta.IsDefined("security_mode") {
		s.SecurityMode = session.SecurityMode(raw.SecurityMode)
	}
	if meta.IsDefined("tls_enabled") {
		s.TLS.Enabled = raw.TLSEnabled
	}
	if meta.IsDefined("tls_ca_file") {
		s.TLS.CAFile = strings.TrimSpace(raw.TLSCAFile)
	}
	if meta.IsDefined("tls_cert_file") {
		s.TLS.CertFile = strings.TrimSpace(raw.TLSCertFile)
	}
	if meta.IsDefined("tls_key_file") {
		s.TLS.KeyFile = strings.TrimSpace(raw.TLSKeyFile)
	}
	if meta.IsDefined("tls_server_name") {
		s.TLS.ServerName = strings.TrimSpace(raw.TLSServerName)
	}
	if meta.IsDefined("tls_insecure_skip_verify") {
		s.TLS.InsecureSkipVerify = raw.TLSInsecureSkipVerify
	}

	return cfg, nil
}

func (c appConfig) validate() error {
	if strings.TrimSpace(c.Inner.Session.Address) == "" {
		return fmt.Errorf("%w: address is required", ErrInvalidConfig)
	}
	if err := c.Inner.Auth.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := c.Inner.Session.ValidateTransport(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	switch c.TraceExporter {
	case "", observability.TraceExporterNone, observability.TraceExporterStdout:
	default:
		return fmt.Errorf("%w: tracing_exporter %q", ErrInvalidConfig, c.TraceExporter)
	}
	return nil
}
