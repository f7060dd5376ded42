// auth.go
package realtime

import (
	"net/http"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/juju/clock"
	"github.com/juju/errors"
)

// JWTAuthenticator accepts HS256 tokens and uses the subject claim as the
// identity. The token is read from the Authorization bearer header, or from
// the token query parameter for browsers that cannot set websocket headers.
type JWTAuthenticator struct {
	Secret []byte
	Clock  clock.Clock
}

// Authenticate implements Authenticator.
func (a *JWTAuthenticator) Authenticate(r *http.Request) (string, error) {
	token := ""
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, value, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return "", errors.Unauthorizedf("authorization scheme")
		}
		token = strings.TrimSpace(value)
	} else {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return "", errors.Unauthorizedf("missing token")
	}
	return a.Verify(token)
}

// Verify checks a token and returns its subject.
func (a *JWTAuthenticator) Verify(token string) (string, error) {
	parser := gojwt.NewParser(
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
		gojwt.WithTimeFunc(a.Clock.Now),
		gojwt.WithExpirationRequired(),
	)
	parsed, err := parser.ParseWithClaims(token, &gojwt.RegisteredClaims{}, func(*gojwt.Token) (any, error) {
		return a.Secret, nil
	})
	if err != nil {
		return "", errors.Unauthorizedf("invalid token: %v", err)
	}
	subject, err := parsed.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", errors.Unauthorizedf("token without subject")
	}
	return subject, nil
}

// IssueToken signs a token for identity valid for ttl from now. Session
// issuance belongs to the host application; this is for tools and tests.
func IssueToken(secret []byte, identity string, now time.Time, ttl time.Duration) (string, error) {
	claims := gojwt.RegisteredClaims{
		Subject:   identity,
		IssuedAt:  gojwt.NewNumericDate(now),
		ExpiresAt: gojwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(secret)
	return signed, errors.Trace(err)
}
