package smtpd

import (
	"encoding/base64"
	"fmt"
	"log"
	"strings"

	"aox/internal/models"
	"aox/internal/sasl"
)

func (s *Session) handleAuth(args string) {
	if s.dialect != Submit {
		s.sendResponse(503, "5.5.1 AUTH is only offered on the submission port")
		return
	}
	if s.user != nil {
		s.sendResponse(503, "5.5.1 Already authenticated")
		return
	}
	if s.server.tlsConfig != nil && !s.tlsStarted {
		s.sendResponse(538, "5.7.11 Use STARTTLS first")
		return
	}

	fields := strings.Fields(args)
	if len(fields) == 0 {
		s.sendResponse(501, "5.5.4 AUTH requires a mechanism")
		return
	}
	mech := fields[0]

	session, err := sasl.New(mech, s.verifyLogin, s.lookupLogin,
		[]byte(s.server.cfg.JWTSecret))
	if err != nil {
		s.sendResponse(504, "5.5.4 Mechanism %s not supported", mech)
		return
	}

	var response []byte
	if len(fields) > 1 {
		if fields[1] == "=" {
			response = []byte{}
		} else {
			response, err = base64.StdEncoding.DecodeString(fields[1])
			if err != nil {
				s.sendResponse(501, "5.5.2 Bad base64 in initial response")
				return
			}
		}
	}

	for {
		challenge, done, err := session.Next(response)
		if err != nil {
			log.Printf("[%s] Authentication failed: %v", s.logID, err)
			s.sendResponse(535, "5.7.8 Authentication failed")
			return
		}
		if done {
			break
		}
		s.sendRaw("334 " + base64.StdEncoding.EncodeToString(challenge))

		line, rerr := s.readLine()
		if rerr != nil {
			return
		}
		if line == "*" {
			s.sendResponse(501, "5.7.0 Authentication aborted")
			return
		}
		response, err = base64.StdEncoding.DecodeString(line)
		if err != nil {
			s.sendResponse(501, "5.5.2 Bad base64 in response")
			return
		}
	}

	s.authenticated(session.User(), session.Mechanism())
	s.sendResponse(235, "2.7.0 Authentication successful")
}

// authenticated records the user and starts loading the address list
// the user may use as MAIL FROM.
func (s *Session) authenticated(u *models.User, mechanism string) {
	s.user = u
	log.Printf("[%s] Authenticated as %s using %s", s.logID, u.Login, mechanism)

	s.permitted = []*models.Address{u.Address}
	rows, err := s.server.store.DB().Query(
		`select distinct a.localpart, a.domain
		   from addresses a
		   join aliases al on (a.id = al.address)
		   join mailboxes mb on (al.mailbox = mb.id)
		  where mb.owner = $1 or mb.id in
		        (select mailbox from permissions
		          where rights ilike '%p%'
		            and (identifier = 'anyone' or identifier = $2))`,
		u.ID, u.Login)
	if err != nil {
		log.Printf("[%s] Cannot load permitted addresses: %v", s.logID, err)
		return
	}
	defer rows.Close()
	for rows.Next() {
		var localpart, domain string
		if err := rows.Scan(&localpart, &domain); err != nil {
			log.Printf("[%s] Cannot load permitted addresses: %v", s.logID, err)
			return
		}
		s.permitted = append(s.permitted, models.NewAddress("", localpart, domain))
	}
}

// addressPermitted checks a submission MAIL FROM against the
// authenticated user's address list. With security off, everything is
// permitted.
func (s *Session) addressPermitted(a *models.Address) bool {
	if !s.server.cfg.Security {
		return true
	}
	for _, p := range s.permitted {
		if p == nil {
			continue
		}
		if strings.EqualFold(p.Localpart, a.Localpart) &&
			strings.EqualFold(p.Domain, a.Domain) {
			return true
		}
	}
	return false
}

func (s *Session) verifyLogin(login, secret string) (*models.User, error) {
	var u models.User
	var addrID int64
	err := s.server.store.DB().QueryRow(
		`select u.id, u.login, coalesce(u.inbox, 0), coalesce(u.address, 0)
		   from users u where u.login = $1 and u.secret = crypt($2, u.secret)`,
		login, secret).Scan(&u.ID, &u.Login, &u.InboxID, &addrID)
	if err != nil {
		return nil, fmt.Errorf("authentication failed")
	}
	u.Address = s.addressByID(addrID)
	return &u, nil
}

func (s *Session) lookupLogin(login string) (*models.User, error) {
	var u models.User
	var addrID int64
	err := s.server.store.DB().QueryRow(
		`select u.id, u.login, coalesce(u.inbox, 0), coalesce(u.address, 0)
		   from users u where u.login = $1`,
		login).Scan(&u.ID, &u.Login, &u.InboxID, &addrID)
	if err != nil {
		return nil, fmt.Errorf("no such user")
	}
	u.Address = s.addressByID(addrID)
	return &u, nil
}

func (s *Session) addressByID(id int64) *models.Address {
	if id == 0 {
		return nil
	}
	var name, localpart, domain string
	err := s.server.store.DB().QueryRow(
		"select name, localpart, domain from addresses where id = $1",
		id).Scan(&name, &localpart, &domain)
	if err != nil {
		return nil
	}
	a := models.NewAddress(name, localpart, domain)
	a.ID = id
	return a
}
