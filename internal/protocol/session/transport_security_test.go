package session

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/RecadoCampbell/fastotv/internal/testutil/testlog"
	"github.com/RecadoCampbell/fastotv/internal/testutil/tlstest"
)

func TestValidateTransport(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name string
		cfg  Config
		want error
	}{
		{name: "plain development", cfg: Config{}},
		{name: "unknown mode", cfg: Config{SecurityMode: "staging"}, want: ErrInvalidSecurityMode},
		{name: "production needs tls", cfg: Config{SecurityMode: SecurityModeProduction}, want: ErrTLSRequired},
		{
			name: "production rejects insecure",
			cfg:  Config{SecurityMode: " Production ", TLS: TLSConfig{Enabled: true, InsecureSkipVerify: true}},
			want: ErrTLSInsecureSkipNotAllow,
		},
		{
			name: "production needs ca",
			cfg:  Config{SecurityMode: SecurityModeProduction, TLS: TLSConfig{Enabled: true}},
			want: ErrTLSCAFileRequired,
		},
		{name: "cert without key", cfg: Config{TLS: TLSConfig{Enabled: true, CertFile: "c.pem"}}, want: ErrTLSKeyFileRequired},
		{name: "key without cert", cfg: Config{TLS: TLSConfig{Enabled: true, KeyFile: "k.pem"}}, want: ErrTLSCertFileRequired},
		{name: "development system roots", cfg: Config{TLS: TLSConfig{Enabled: true}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.ValidateTransport()
			if tc.want == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("got=%v want=%v", err, tc.want)
			}
		})
	}
}

func TestClientTLS(t *testing.T) {
	testlog.Start(t)
	if cfg, err := (Config{}).ClientTLS(); err != nil || cfg != nil {
		t.Fatalf("disabled tls got cfg=%v err=%v", cfg, err)
	}

	cfg, err := Config{TLS: TLSConfig{Enabled: true, ServerName: "inner.local", InsecureSkipVerify: true}}.ClientTLS()
	if err != nil {
		t.Fatalf("client tls: %v", err)
	}
	if cfg.ServerName != "inner.local" || !cfg.InsecureSkipVerify || cfg.RootCAs != nil {
		t.Fatalf("unexpected tls config: %+v", cfg)
	}

	bad := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(bad, []byte("not a certificate"), 0o600); err != nil {
		t.Fatalf("write ca: %v", err)
	}
	if _, err := (Config{TLS: TLSConfig{Enabled: true, CAFile: bad}}).ClientTLS(); !errors.Is(err, ErrTLSCAFileRequired) {
		t.Fatalf("expected ErrTLSCAFileRequired, got %v", err)
	}
	if _, err := (Config{TLS: TLSConfig{Enabled: true, CAFile: filepath.Join(t.TempDir(), "missing.pem")}}).ClientTLS(); err == nil {
		t.Fatalf("expected missing ca file error")
	}
}

func TestClientTLSLoadsAuthorityAndClientPair(t *testing.T) {
	testlog.Start(t)
	ca := tlstest.NewAuthority(t)
	certPath, keyPath := ca.ClientCert(t, "device-1")
	cfg, err := Config{
		SecurityMode: SecurityModeProduction,
		TLS:          TLSConfig{Enabled: true, CAFile: ca.CAFile(), CertFile: certPath, KeyFile: keyPath},
	}.ClientTLS()
	if err != nil {
		t.Fatalf("client tls: %v", err)
	}
	if cfg.RootCAs == nil || len(cfg.Certificates) != 1 {
		t.Fatalf("expected roots and one client pair: %+v", cfg)
	}
}
