package collab

import (
	"errors"
	"fmt"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

type Action string

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
)

var ErrUnauthenticated = errors.New("Unauthenticated")

type Identity struct {
	Subject string
	Scopes  []Action
	// path prefixes the identity may access. Empty allows all paths.
	Paths []string
}

type Permission interface {
	// resolves the bearer token of a connection
	Identify(token string) (*Identity, error)
	Check(identity *Identity, key ResourceKey, action Action) bool
}

type allowAll struct {
}

func AllowAll() Permission {
	return &allowAll{}
}

func (self *allowAll) Identify(token string) (*Identity, error) {
	return &Identity{
		Subject: "anonymous",
		Scopes:  []Action{ActionRead, ActionWrite},
	}, nil
}

func (self *allowAll) Check(identity *Identity, key ResourceKey, action Action) bool {
	return true
}

// hmac signed tokens with claims:
//   sub   identity subject
//   scope space separated actions, e.g. "read write"
//   paths optional list of path prefixes
type JwtPermission struct {
	secret []byte
}

func NewJwtPermission(secret []byte) *JwtPermission {
	return &JwtPermission{
		secret: secret,
	}
}

func (self *JwtPermission) Identify(token string) (*Identity, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}
	parser := gojwt.NewParser(gojwt.WithValidMethods([]string{
		gojwt.SigningMethodHS256.Alg(),
		gojwt.SigningMethodHS512.Alg(),
	}))
	parsed, err := parser.Parse(token, func(t *gojwt.Token) (any, error) {
		return self.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnauthenticated, err)
	}
	claims, ok := parsed.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, ErrUnauthenticated
	}

	identity := &Identity{}
	if sub, err := claims.GetSubject(); err == nil {
		identity.Subject = sub
	}
	if scope, ok := claims["scope"].(string); ok {
		for _, s := range strings.Fields(scope) {
			identity.Scopes = append(identity.Scopes, Action(s))
		}
	}
	if paths, ok := claims["paths"].([]any); ok {
		for _, path := range paths {
			if pathStr, ok := path.(string); ok {
				identity.Paths = append(identity.Paths, pathStr)
			}
		}
	}
	return identity, nil
}

func (self *JwtPermission) Check(identity *Identity, key ResourceKey, action Action) bool {
	if identity == nil {
		return false
	}
	allowed := false
	for _, scope := range identity.Scopes {
		// write implies read
		if scope == action || (scope == ActionWrite && action == ActionRead) {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}
	if len(identity.Paths) == 0 {
		return true
	}
	for _, prefix := range identity.Paths {
		if strings.HasPrefix(key.Path, prefix) {
			return true
		}
	}
	return false
}

// Sign mints a token for `subject`. Used by tooling and tests.
func (self *JwtPermission) Sign(subject string, scopes []Action, paths []string, ttl time.Duration) (string, error) {
	scopeStrs := make([]string, len(scopes))
	for i, scope := range scopes {
		scopeStrs[i] = string(scope)
	}
	claims := gojwt.MapClaims{
		"sub":   subject,
		"scope": strings.Join(scopeStrs, " "),
		"iat":   time.Now().Unix(),
	}
	if 0 < ttl {
		claims["exp"] = time.Now().Add(ttl).Unix()
	}
	if 0 < len(paths) {
		claims["paths"] = paths
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(self.secret)
}
