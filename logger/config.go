package logger

import "agent-interceptor/config"

// ConfigAdapter exposes the interceptor config through the LoggerConfig
// interface: verbose lowers the minimum level to DEBUG, quiet raises it
// to ERROR, and API-key masking follows the redaction flag.
type ConfigAdapter struct {
	cfg *config.Config
}

// NewConfigAdapter wraps a config for use by the context logger.
func NewConfigAdapter(cfg *config.Config) *ConfigAdapter {
	return &ConfigAdapter{cfg: cfg}
}

func (a *ConfigAdapter) GetMinLogLevel() Level {
	switch {
	case a.cfg.Quiet:
		return ERROR
	case a.cfg.Verbose:
		return DEBUG
	default:
		return INFO
	}
}

func (a *ConfigAdapter) ShouldMaskAPIKeys() bool {
	return a.cfg.RedactAPIKeys
}
