package bridge

import (
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/time/rate"

	"clawdeck/internal/domain"
)

// authenticator guards every browser-facing endpoint. Two credential forms
// are accepted: a bearer token compared in constant time, and a basic-auth
// password verified against an argon2id hash. Failed attempts share one rate
// limiter so a single tab cannot brute-force either form.
type authenticator struct {
	token        string
	passwordHash string
	failures     *rate.Limiter
}

func newAuthenticator(token, passwordHash string, failuresPerMin int) *authenticator {
	return &authenticator{
		token:        token,
		passwordHash: passwordHash,
		failures:     rate.NewLimiter(rate.Limit(float64(failuresPerMin)/60.0), failuresPerMin),
	}
}

// enabled reports whether any credential is configured. With none, the
// bridge refuses to start rather than serving unauthenticated.
func (a *authenticator) enabled() bool {
	return a.token != "" || a.passwordHash != ""
}

func (a *authenticator) authenticate(r *http.Request) error {
	header := r.Header.Get("Authorization")
	// Browsers cannot set headers on EventSource or WebSocket requests, so
	// the token may ride in a query parameter for those endpoints.
	if header == "" {
		if tok := r.URL.Query().Get("token"); tok != "" {
			header = "Bearer " + tok
		}
	}
	if header == "" {
		return domain.ErrAuthInvalid
	}

	switch {
	case strings.HasPrefix(header, "Bearer "):
		tok := strings.TrimPrefix(header, "Bearer ")
		if a.token != "" && subtle.ConstantTimeCompare([]byte(tok), []byte(a.token)) == 1 {
			return nil
		}
	case strings.HasPrefix(header, "Basic "):
		if _, password, ok := r.BasicAuth(); ok && a.passwordHash != "" {
			ok, err := verifyArgon2id(password, a.passwordHash)
			if err == nil && ok {
				return nil
			}
		}
	}

	if !a.failures.Allow() {
		return fmt.Errorf("too many failed attempts: %w", domain.ErrAuthInvalid)
	}
	return domain.ErrAuthInvalid
}

// require wraps a handler with authentication. 401 on bad credentials, 429
// once too many failures have accumulated.
func (a *authenticator) require(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := a.authenticate(r); err != nil {
			status := http.StatusUnauthorized
			if strings.Contains(err.Error(), "too many") {
				status = http.StatusTooManyRequests
			}
			http.Error(w, "unauthorized", status)
			return
		}
		next(w, r)
	}
}

// verifyArgon2id checks a password against an encoded argon2id hash of the
// form $argon2id$v=19$m=65536,t=1,p=4$<salt-b64>$<hash-b64>.
func verifyArgon2id(password, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, fmt.Errorf("malformed argon2id hash")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, fmt.Errorf("malformed argon2id version: %w", err)
	}
	if version != argon2.Version {
		return false, fmt.Errorf("unsupported argon2 version %d", version)
	}

	var memory, iterations uint32
	var parallelism uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism); err != nil {
		return false, fmt.Errorf("malformed argon2id params: %w", err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("malformed argon2id salt: %w", err)
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, fmt.Errorf("malformed argon2id hash: %w", err)
	}

	got := argon2.IDKey([]byte(password), salt, iterations, memory, parallelism, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// HashPassword produces an encoded argon2id hash suitable for the config
// file. Exposed for the hash-password CLI subcommand.
func HashPassword(password string, salt []byte) string {
	const (
		memory      = 64 * 1024
		iterations  = 1
		parallelism = 4
		keyLen      = 32
	)
	hash := argon2.IDKey([]byte(password), salt, iterations, memory, parallelism, keyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, memory, iterations, parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash))
}
