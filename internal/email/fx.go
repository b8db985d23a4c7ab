package email

import (
	"github.com/careledger/careledger/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("email",
	fx.Provide(NewFromConfig),
)

// NewFromConfig returns the SMTP provider, or a no-op when SMTP is not
// configured (local development).
func NewFromConfig(cfg config.Config) Provider {
	if cfg.SMTPHost == "" {
		return NoOpProvider{}
	}
	return NewSMTP(Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	})
}
