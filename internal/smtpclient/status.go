package smtpclient

import (
	"strconv"
	"strings"
)

// enhancedStatus derives an RFC 3463 status triple from a reply line.
// If the server advertised ENHANCEDSTATUSCODES the triple embedded in
// the reply is used; otherwise a default is derived from the reply
// code.
func enhancedStatus(line string, enhanced bool, state State) string {
	if enhanced && len(line) > 5 &&
		line[4] >= '2' && line[4] <= '5' && line[5] == '.' {
		rest := line[4:]
		if i := strings.IndexByte(rest, ' '); i > 1 {
			return rest[:i]
		}
	}

	code, err := strconv.Atoi(strings.TrimSpace(line[:min(3, len(line))]))
	if err != nil || code < 200 || code >= 600 {
		return "4.0.0"
	}

	switch code {
	case 211, 214, 220, 221, 252, 354:
		return "2.0.0"
	case 250:
		if state == MailFrom || state == RcptTo {
			return "2.1.0"
		}
		return "2.0.0"
	case 251:
		return "2.1.0"
	case 421:
		return "4.3.0"
	case 450, 451, 452:
		return "4.2.0"
	case 500, 501, 502, 503, 504:
		return "4.3.0"
	case 550, 551, 553:
		return "5.2.0"
	case 552:
		return "5.3.0"
	case 554:
		return "5.0.0"
	}
	return strconv.Itoa(code/100) + ".0.0"
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
