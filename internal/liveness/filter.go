package liveness

import (
	"strings"
	"unicode"
)

// Account is a user name reported by a remote host, with its logon domain
// when the mechanism provides one.
type Account struct {
	Name   string
	Domain string

	// Computer is the client machine of a network session, if known.
	Computer string
}

// FilterAccounts drops machine accounts, blank names, anonymous logons, the
// enumerating account and domains containing whitespace.
func FilterAccounts(accounts []Account, currentUser string) []Account {
	var out []Account
	for _, a := range accounts {
		name := strings.TrimSpace(a.Name)
		switch {
		case name == "":
			continue
		case strings.HasSuffix(name, "$"):
			continue
		case strings.EqualFold(name, "ANONYMOUS LOGON"):
			continue
		case currentUser != "" && strings.EqualFold(name, currentUser):
			continue
		case strings.IndexFunc(a.Domain, unicode.IsSpace) >= 0:
			continue
		}
		a.Name = name
		out = append(out, a)
	}
	return out
}
