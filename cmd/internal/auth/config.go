package auth

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"strings"
	"time"
)

// minSecretBytes is the minimum HMAC secret length accepted.
const minSecretBytes = 32

// Config holds Session Gate token settings.
type Config struct {
	// Secret is the HMAC signing secret (>= 32 bytes).
	Secret []byte

	// Issuer is embedded into issued tokens and enforced on verification.
	Issuer string

	// AccessTTL bounds token lifetime.
	AccessTTL time.Duration

	// ClockSkew is the verification leeway for exp/nbf/iat.
	ClockSkew time.Duration

	// Ephemeral marks a generated secret; tokens die with the process.
	Ephemeral bool
}

// LoadConfigFromEnv reads token configuration from the environment.
//
// When QUAD_AUTH_SECRET is unset, an ephemeral random secret is generated so
// dev mode works out of the box. A set but short secret is a hard error.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		Issuer:    envStringAuth("QUAD_AUTH_ISSUER", "quad"),
		AccessTTL: envDurationAuth("QUAD_AUTH_ACCESS_TTL", 15*time.Minute),
		ClockSkew: envDurationAuth("QUAD_AUTH_CLOCK_SKEW", 30*time.Second),
	}

	secret := envStringAuth("QUAD_AUTH_SECRET", "")
	switch {
	case secret == "":
		b := make([]byte, minSecretBytes)
		if _, err := rand.Read(b); err != nil {
			return Config{}, ErrConfig
		}
		cfg.Secret = []byte(hex.EncodeToString(b))
		cfg.Ephemeral = true
	case len(secret) < minSecretBytes:
		return Config{}, ErrConfig
	default:
		cfg.Secret = []byte(secret)
	}

	return cfg, nil
}

func envStringAuth(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envDurationAuth(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
