package identity

import (
	"strconv"
	"strings"

	"github.com/npezzotti/message-lounge/internal/types"
)

// DisplayName is how user appears to other members of a room: the email
// without a known domain suffix, the raw email for other domains, the id
// when there is no email, and "Anon" when there is neither.
func DisplayName(user *types.User, knownDomains []string) string {
	if user == nil {
		return "Anon"
	}

	if email := user.EmailAddress; email != "" {
		for _, d := range knownDomains {
			if local, ok := strings.CutSuffix(email, "@"+d); ok && local != "" {
				return local
			}
		}
		return email
	}

	if user.Id != 0 {
		return strconv.Itoa(user.Id)
	}

	return "Anon"
}

// LoginEmail turns a bare username into an address under domain. Anything
// containing an @ is returned unchanged.
func LoginEmail(identifier, domain string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || strings.Contains(identifier, "@") {
		return identifier
	}
	return identifier + "@" + domain
}
