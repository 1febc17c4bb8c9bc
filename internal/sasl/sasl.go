// Package sasl provides the server side of the SASL mechanisms the
// IMAP and submission listeners advertise.
package sasl

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/golang-jwt/jwt/v5"

	"aox/internal/models"
)

// VerifyFunc checks a login/secret pair against the store and returns
// the user on success.
type VerifyFunc func(login, secret string) (*models.User, error)

// LookupFunc resolves a login without checking a secret, for token
// mechanisms.
type LookupFunc func(login string) (*models.User, error)

// Mechanisms lists what the server advertises, in preference order.
func Mechanisms(haveJWT bool) []string {
	m := []string{"PLAIN", "LOGIN"}
	if haveJWT {
		m = append(m, "OAUTHBEARER")
	}
	return m
}

// Session is one SASL exchange. Next consumes a client response and
// produces the next challenge; when done, User returns the
// authenticated principal.
type Session struct {
	server sasl.Server
	user   *models.User
	mech   string
}

// New starts an exchange for the named mechanism.
func New(mech string, verify VerifyFunc, lookup LookupFunc, jwtSecret []byte) (*Session, error) {
	s := &Session{mech: strings.ToUpper(mech)}
	switch s.mech {
	case "PLAIN":
		s.server = sasl.NewPlainServer(func(identity, username, password string) error {
			if identity != "" && identity != username {
				return fmt.Errorf("authorization identity not permitted")
			}
			u, err := verify(username, password)
			if err != nil {
				return err
			}
			s.user = u
			return nil
		})
	case "LOGIN":
		s.server = sasl.NewLoginServer(func(username, password string) error {
			u, err := verify(username, password)
			if err != nil {
				return err
			}
			s.user = u
			return nil
		})
	case "OAUTHBEARER":
		if len(jwtSecret) == 0 {
			return nil, fmt.Errorf("OAUTHBEARER is not configured")
		}
		s.server = &oauthBearerServer{session: s, lookup: lookup, secret: jwtSecret}
	default:
		return nil, fmt.Errorf("unsupported mechanism %s", mech)
	}
	return s, nil
}

// Next feeds one decoded client response to the mechanism.
func (s *Session) Next(response []byte) (challenge []byte, done bool, err error) {
	return s.server.Next(response)
}

// User returns the authenticated user after a successful exchange.
func (s *Session) User() *models.User { return s.user }

// Mechanism returns the canonical mechanism name.
func (s *Session) Mechanism() string { return s.mech }

// oauthBearerServer validates RFC 7628 OAUTHBEARER responses whose
// bearer token is a JWT signed with the configured secret. The subject
// claim names the user.
type oauthBearerServer struct {
	session *Session
	lookup  LookupFunc
	secret  []byte
	started bool
}

func (o *oauthBearerServer) Next(response []byte) ([]byte, bool, error) {
	if response == nil && !o.started {
		o.started = true
		return []byte{}, false, nil
	}

	token, err := parseOAuthBearer(response)
	if err != nil {
		return nil, false, err
	}

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return o.secret, nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("invalid bearer token: %w", err)
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, false, fmt.Errorf("bearer token has no subject")
	}
	u, err := o.lookup(sub)
	if err != nil {
		return nil, false, err
	}
	o.session.user = u
	return nil, true, nil
}

// parseOAuthBearer extracts the access token from the gs2-framed
// OAUTHBEARER initial response.
func parseOAuthBearer(response []byte) (string, error) {
	i := bytes.IndexByte(response, 0x01)
	if i < 0 {
		return "", fmt.Errorf("malformed OAUTHBEARER response")
	}
	for _, kv := range bytes.Split(response[i+1:], []byte{0x01}) {
		if len(kv) == 0 {
			continue
		}
		parts := bytes.SplitN(kv, []byte("="), 2)
		if len(parts) != 2 {
			continue
		}
		if string(parts[0]) == "auth" {
			v := string(parts[1])
			if !strings.HasPrefix(v, "Bearer ") {
				return "", fmt.Errorf("auth value is not a bearer token")
			}
			return strings.TrimPrefix(v, "Bearer "), nil
		}
	}
	return "", fmt.Errorf("OAUTHBEARER response has no auth value")
}
