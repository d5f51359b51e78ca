package hosting

import (
	"regexp"
	"strings"

	kerrors "github.com/fazt-sh/fazt/internal/errors"
)

// Reserved host labels that can never be claimed by a deploy.
var reservedSubdomains = map[string]struct{}{
	"www": {}, "api": {}, "admin": {}, "mail": {}, "ftp": {},
	"smtp": {}, "pop": {}, "imap": {}, "ns1": {}, "ns2": {},
	"localhost": {},
}

var subdomainPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// NormalizeSubdomain lowercases s and validates it as a deployable host
// label: 1-63 chars, letters/digits/hyphens, no leading or trailing
// hyphen, not reserved.
func NormalizeSubdomain(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) < 1 || len(s) > 63 {
		return "", kerrors.Validation("subdomain", "subdomain must be 1-63 characters, got %d", len(s))
	}
	if !subdomainPattern.MatchString(s) {
		return "", kerrors.Validation("subdomain", "invalid subdomain %q", s)
	}
	if IsReservedSubdomain(s) {
		return "", kerrors.Validation("subdomain", "subdomain %q is reserved", s)
	}
	return s, nil
}

// ValidateSubdomain reports whether s is a deployable subdomain.
func ValidateSubdomain(s string) error {
	_, err := NormalizeSubdomain(s)
	return err
}

// IsReservedSubdomain reports whether s is in the reserved label set.
func IsReservedSubdomain(s string) bool {
	_, ok := reservedSubdomains[strings.ToLower(s)]
	return ok
}
