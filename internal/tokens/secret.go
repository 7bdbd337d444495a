package tokens

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// ResolveSecret picks the master secret: explicit bytes first, then the
// base64 value of CSRF_SECRET_KEY, then a random secret. A random secret
// invalidates outstanding pairs on every restart and across replicas, so it
// is logged as a warning. Malformed explicit or env secrets are errors.
func ResolveSecret(explicit []byte, envValue string, log zerolog.Logger) ([]byte, error) {
	if len(explicit) > 0 {
		if len(explicit) != SecretSize {
			return nil, fmt.Errorf("%w: explicit secret is %d bytes", ErrInvalidSecret, len(explicit))
		}
		return append([]byte(nil), explicit...), nil
	}

	if v := strings.TrimSpace(envValue); v != "" {
		decoded, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("%w: CSRF_SECRET_KEY is not base64: %v", ErrInvalidSecret, err)
		}
		if len(decoded) != SecretSize {
			return nil, fmt.Errorf("%w: CSRF_SECRET_KEY decodes to %d bytes", ErrInvalidSecret, len(decoded))
		}
		return decoded, nil
	}

	secret := make([]byte, SecretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	log.Warn().Msg("csrf secret not configured; using a random secret, tokens will not survive restarts (generate one with `openssl rand -base64 32`)")
	return secret, nil
}
