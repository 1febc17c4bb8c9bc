package smtpd

import (
	"fmt"
	"strings"

	"aox/internal/models"
)

// parsePath parses the argument of MAIL FROM / RCPT TO: the keyword,
// a colon, an angle-bracketed path and optional ESMTP parameters. The
// empty path <> yields the bounce address.
func parsePath(args, keyword string) (*models.Address, map[string]string, error) {
	rest := strings.TrimSpace(args)
	if len(rest) < len(keyword)+1 ||
		!strings.EqualFold(rest[:len(keyword)], keyword) {
		return nil, nil, fmt.Errorf("expected %s:<address>", keyword)
	}
	rest = strings.TrimSpace(rest[len(keyword):])
	if !strings.HasPrefix(rest, ":") {
		return nil, nil, fmt.Errorf("expected %s:<address>", keyword)
	}
	rest = strings.TrimSpace(rest[1:])

	if !strings.HasPrefix(rest, "<") {
		return nil, nil, fmt.Errorf("address must be enclosed in angle brackets")
	}
	end := strings.Index(rest, ">")
	if end < 0 {
		return nil, nil, fmt.Errorf("unterminated address")
	}
	path := rest[1:end]
	rest = strings.TrimSpace(rest[end+1:])

	params := make(map[string]string)
	for _, p := range strings.Fields(rest) {
		kv := strings.SplitN(p, "=", 2)
		key := strings.ToUpper(kv[0])
		if len(kv) == 2 {
			params[key] = kv[1]
		} else {
			params[key] = ""
		}
	}

	addr, err := parseAddress(path)
	if err != nil {
		return nil, nil, err
	}
	return addr, params, nil
}

// parseAddress splits localpart@domain, honoring a quoted localpart
// and dropping any source route.
func parseAddress(path string) (*models.Address, error) {
	if path == "" {
		return models.NewAddress("", "", ""), nil
	}

	// Strip an RFC 5321 source route ("@a,@b:user@dom").
	if strings.HasPrefix(path, "@") {
		colon := strings.Index(path, ":")
		if colon < 0 {
			return nil, fmt.Errorf("bad source route in %q", path)
		}
		path = path[colon+1:]
	}

	var localpart string
	rest := path
	if strings.HasPrefix(path, `"`) {
		end := -1
		for i := 1; i < len(path); i++ {
			if path[i] == '\\' {
				i++
				continue
			}
			if path[i] == '"' {
				end = i
				break
			}
		}
		if end < 0 {
			return nil, fmt.Errorf("unterminated quoted localpart in %q", path)
		}
		localpart = path[1:end]
		rest = path[end+1:]
		if !strings.HasPrefix(rest, "@") {
			return nil, fmt.Errorf("missing domain in %q", path)
		}
		rest = rest[1:]
	} else {
		at := strings.LastIndex(path, "@")
		if at <= 0 || at == len(path)-1 {
			return nil, fmt.Errorf("bad address %q", path)
		}
		localpart = path[:at]
		rest = path[at+1:]
	}

	domain := rest
	if domain == "" || strings.ContainsAny(domain, " <>") {
		return nil, fmt.Errorf("bad domain in %q", path)
	}
	return models.NewAddress("", localpart, domain), nil
}
