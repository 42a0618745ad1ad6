package app

import (
	"fmt"

	"chatstream/pkg/config"
)

// validateConfig rejects configurations the server cannot start with.
func validateConfig(eff config.EffectiveConfigResult) error {
	if eff.Config == nil {
		return fmt.Errorf("no configuration resolved")
	}
	if eff.Addr == "" {
		return fmt.Errorf("no listen address configured")
	}
	if eff.DBPath == "" {
		return fmt.Errorf("no database path configured")
	}
	cfg := eff.Config
	if cfg.Stream.PageSize < 0 {
		return fmt.Errorf("stream.page_size must be positive")
	}
	tls := cfg.Server.TLS
	if (tls.CertFile == "") != (tls.KeyFile == "") {
		return fmt.Errorf("tls requires both cert_file and key_file")
	}
	if cfg.Retention.Enabled && cfg.Retention.Period.Duration() <= 0 {
		return fmt.Errorf("retention.period required when retention is enabled")
	}
	return nil
}
