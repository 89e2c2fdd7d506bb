// Package auth implements the credential authority: bearer-token
// verification with zero-downtime secret rotation, the HTTP middleware
// enforcing it, and per-source rate limiting.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is the single rejection returned for any credential
// failure. It is deliberately opaque: callers never learn which secret
// almost matched or whether a rotation is in progress.
var ErrInvalidToken = errors.New("auth: invalid or missing credential")

// TokenEpoch holds the secrets valid at a point in time. At most two
// secrets are valid simultaneously: Active, and Next during a rotation
// window. At or after RotationDeadline, Active is retired and Next
// becomes the sole valid secret (promotion is implicit).
type TokenEpoch struct {
	Active           string
	Next             string
	RotationDeadline *time.Time
}

// Verifier checks bearer tokens against the configured epoch.
type Verifier struct {
	enforce bool
	epoch   TokenEpoch
	clock   func() time.Time
}

// NewVerifier creates a verifier.
//
// Legacy single-secret mode: epoch.Active set, Next empty, no deadline.
// Dual-secret mode: Active plus optional Next and RotationDeadline.
// If enforce is false and no secret is configured, all callers are
// accepted (explicit dev-mode escape hatch).
func NewVerifier(enforce bool, epoch TokenEpoch) *Verifier {
	return &Verifier{enforce: enforce, epoch: epoch, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (v *Verifier) WithClock(clock func() time.Time) *Verifier {
	v.clock = clock
	return v
}

// validSecrets returns the secrets accepted right now.
func (v *Verifier) validSecrets() []string {
	now := v.clock()
	if v.epoch.RotationDeadline != nil && !now.Before(*v.epoch.RotationDeadline) {
		if v.epoch.Next != "" {
			return []string{v.epoch.Next}
		}
		// Deadline passed with no successor configured; the active
		// secret stays valid rather than locking everyone out.
		return []string{v.epoch.Active}
	}
	secrets := make([]string, 0, 2)
	if v.epoch.Active != "" {
		secrets = append(secrets, v.epoch.Active)
	}
	if v.epoch.Next != "" {
		secrets = append(secrets, v.epoch.Next)
	}
	return secrets
}

// Verify checks a presented token. The token may be the raw shared
// secret or an HS256 JWT signed with a currently valid secret. Returns
// the authenticated subject ("token" for raw secrets) or ErrInvalidToken.
func (v *Verifier) Verify(token string) (string, error) {
	secrets := v.validSecrets()

	if len(secrets) == 0 {
		if !v.enforce {
			return "anonymous", nil
		}
		return "", ErrInvalidToken
	}

	if token == "" {
		return "", ErrInvalidToken
	}

	// Raw shared-secret form. Compare against every candidate in
	// constant time so timing never reveals which one was close.
	matched := false
	for _, s := range secrets {
		if subtle.ConstantTimeCompare([]byte(token), []byte(s)) == 1 {
			matched = true
		}
	}
	if matched {
		return "token", nil
	}

	// Signed-token form.
	if strings.Count(token, ".") == 2 {
		if sub, err := v.verifyJWT(token, secrets); err == nil {
			return sub, nil
		}
	}

	return "", ErrInvalidToken
}

func (v *Verifier) verifyJWT(token string, secrets []string) (string, error) {
	for _, s := range secrets {
		claims := &jwt.RegisteredClaims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(s), nil
		}, jwt.WithTimeFunc(v.clock))
		if err != nil || !parsed.Valid {
			continue
		}
		if claims.Subject == "" {
			continue
		}
		return claims.Subject, nil
	}
	return "", ErrInvalidToken
}
