package security

import (
	"fmt"
	"strings"
	"time"

	"marketsync/tools/errs"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// Options controls signing and token lifetime.
// An empty Secret means the credential is only decoded, not verified; the
// backend stays the authority on validity.
type Options struct {
	Secret []byte
	Alg    string        // HS256/HS384/HS512 (default HS256)
	TTL    time.Duration // default 2h
}

// Identity is what the sync core needs from a session credential.
type Identity struct {
	UserID    string
	Role      string
	Scopes    []string
	ExpiresAt time.Time
}

func DefaultOptions(secret []byte) Options {
	return Options{Secret: secret, Alg: "HS256", TTL: 2 * time.Hour}
}

// Generate signs a credential for userID. Used by tooling and tests.
func Generate(opts Options, userID, role string, scopes []string) (string, time.Time, error) {
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return "", time.Time{}, err
	}
	if opts.TTL <= 0 {
		opts.TTL = 2 * time.Hour
	}
	now := time.Now()
	exp := now.Add(opts.TTL)

	claims := jwtlib.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": exp.Unix(),
	}
	if role != "" {
		claims["role"] = role
	}
	if len(scopes) > 0 {
		claims["scope"] = scopes
	}

	signed, err := jwtlib.NewWithClaims(method, claims).SignedString(opts.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// ParseIdentity extracts the identity from a credential. With a secret the
// signature and expiry are checked; without one the claims are read as-is.
func ParseIdentity(opts Options, token string) (Identity, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return Identity{}, errs.ErrUnrecoverable.WrapMsg("no session credential")
	}

	var claims jwtlib.MapClaims
	if len(opts.Secret) > 0 {
		method, err := signingMethod(opts.Alg)
		if err != nil {
			return Identity{}, err
		}
		parsed, err := jwtlib.Parse(token, func(t *jwtlib.Token) (interface{}, error) {
			return opts.Secret, nil
		}, jwtlib.WithValidMethods([]string{method.Alg()}))
		if err != nil {
			return Identity{}, errs.ErrAuth.WrapMsg(err.Error())
		}
		c, ok := parsed.Claims.(jwtlib.MapClaims)
		if !ok {
			return Identity{}, errs.ErrAuth.WrapMsg("claims type mismatch")
		}
		claims = c
	} else {
		parsed, _, err := jwtlib.NewParser().ParseUnverified(token, jwtlib.MapClaims{})
		if err != nil {
			return Identity{}, errs.ErrAuth.WrapMsg(err.Error())
		}
		claims = parsed.Claims.(jwtlib.MapClaims)
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		// some backends put the id under a custom claim
		if v, ok := claims["userId"]; ok {
			sub = fmt.Sprint(v)
		}
	}
	if sub == "" {
		return Identity{}, errs.ErrAuth.WrapMsg("credential has no subject")
	}

	id := Identity{UserID: sub}
	if r, ok := claims["role"].(string); ok {
		id.Role = r
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		id.ExpiresAt = exp.Time
	}
	if raw, ok := claims["scope"].([]interface{}); ok {
		for _, s := range raw {
			id.Scopes = append(id.Scopes, fmt.Sprint(s))
		}
	}
	return id, nil
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported alg: %s (use HS256/HS384/HS512)", alg)
	}
}
