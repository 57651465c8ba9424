package mailer

import (
	"fmt"

	"github.com/rs/zerolog"
)

// New builds the Sender selected by cfg.Driver.
func New(cfg Config, log zerolog.Logger) (Sender, error) {
	switch cfg.Driver {
	case "", "smtp":
		signer, err := NewSigner(cfg.DKIM)
		if err != nil {
			return nil, err
		}
		if signer != nil {
			log.Info().
				Str("selector", signer.selector).
				Str("domain", signer.domain).
				Msg("dkim signing enabled")
		}
		return NewSMTPSender(cfg, signer, log)
	case "stdout":
		log.Warn().Msg("stdout mail driver selected; messages will not be delivered")
		return NewStdout(cfg), nil
	default:
		return nil, fmt.Errorf("unknown mail driver: %s", cfg.Driver)
	}
}
