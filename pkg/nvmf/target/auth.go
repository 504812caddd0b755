package target

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/io-engine/io-engine/pkg/ioerr"
)

// bearerClaims is the minimal claim set a connecting initiator's token must
// carry: just enough to identify who issued it, per config.BearerAuthConfig.
type bearerClaims struct {
	jwt.RegisteredClaims
}

// bearerValidator validates the optional bearer token required in front of
// the allowed-host NQN check (config.BearerAuthConfig), for deployments
// where the replica port is reachable beyond a trusted fabric. Only
// HMAC-signed tokens are accepted.
type bearerValidator struct {
	secret string
	issuer string
}

func newBearerValidator(secret, issuer string) *bearerValidator {
	return &bearerValidator{secret: secret, issuer: issuer}
}

func (v *bearerValidator) validate(tokenString string) error {
	if tokenString == "" {
		return ioerr.New(ioerr.FailedPrecondition, "missing bearer token")
	}

	token, err := jwt.ParseWithClaims(tokenString, &bearerClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(v.secret), nil
	})
	if err != nil {
		return ioerr.Wrap(ioerr.FailedPrecondition, err, "invalid bearer token")
	}

	claims, ok := token.Claims.(*bearerClaims)
	if !ok || !token.Valid {
		return ioerr.New(ioerr.FailedPrecondition, "invalid bearer token")
	}
	if v.issuer != "" && claims.Issuer != v.issuer {
		return ioerr.New(ioerr.FailedPrecondition, "bearer token issuer %q does not match expected %q", claims.Issuer, v.issuer)
	}
	return nil
}
