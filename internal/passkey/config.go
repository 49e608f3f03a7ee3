// Package passkey wraps the WebAuthn relying-party configuration and the
// cryptographic verification primitive used by the ceremony flows.
package passkey

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config controls WebAuthn relying party settings.
type Config struct {
	RPDisplayName string        `env:"KEYGATE_WEBAUTHN_RP_DISPLAY_NAME" envDefault:"keygate"`
	RPID          string        `env:"KEYGATE_WEBAUTHN_RP_ID"           envDefault:"localhost"`
	RPOrigin      string        `env:"KEYGATE_WEBAUTHN_RP_ORIGIN"       envDefault:"http://localhost:3000"`
	ChallengeTTL  time.Duration `env:"KEYGATE_WEBAUTHN_CHALLENGE_TTL"   envDefault:"5m"`
	Timeout       time.Duration `env:"KEYGATE_WEBAUTHN_TIMEOUT"         envDefault:"60s"`
}

// LoadConfigFromEnv returns passkey configuration with defaults.
func LoadConfigFromEnv() Config {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{
			RPDisplayName: "keygate",
			RPID:          "localhost",
			RPOrigin:      "http://localhost:3000",
			ChallengeTTL:  5 * time.Minute,
			Timeout:       60 * time.Second,
		}
	}
	return cfg
}

// TimeoutMillis reports the ceremony timeout in the milliseconds unit the
// client options use.
func (c Config) TimeoutMillis() int {
	return int(c.Timeout / time.Millisecond)
}
