package ldap

import (
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// NormalizeDNCase uppercases the attribute type descriptors of a DN to match
// Active Directory's canonical form. Values are left untouched.
//
// Input:  "cn=john,ou=users,dc=example,dc=com"
// Output: "CN=john,OU=users,DC=example,DC=com"
func NormalizeDNCase(dn string) (string, error) {
	dn = strings.TrimSpace(dn)
	if dn == "" {
		return "", nil
	}

	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return "", fmt.Errorf("invalid DN syntax: %w", err)
	}

	rdns := make([]string, 0, len(parsed.RDNs))
	for _, rdn := range parsed.RDNs {
		attrs := make([]string, 0, len(rdn.Attributes))
		for _, attr := range rdn.Attributes {
			attrs = append(attrs, strings.ToUpper(attr.Type)+"="+ldap.EscapeDN(attr.Value))
		}
		rdns = append(rdns, strings.Join(attrs, "+"))
	}
	return strings.Join(rdns, ","), nil
}

// ValidateDNSyntax checks that dn parses as an RFC 4514 distinguished name.
func ValidateDNSyntax(dn string) error {
	if dn == "" {
		return fmt.Errorf("DN cannot be empty")
	}

	if _, err := ldap.ParseDN(dn); err != nil {
		return fmt.Errorf("invalid DN syntax: %w", err)
	}
	return nil
}

// IsDNWithin reports whether dn equals base or sits beneath it, compared
// case-insensitively.
func IsDNWithin(dn, base string) (bool, error) {
	parsedDN, err := ldap.ParseDN(dn)
	if err != nil {
		return false, fmt.Errorf("invalid DN syntax: %w", err)
	}
	parsedBase, err := ldap.ParseDN(base)
	if err != nil {
		return false, fmt.Errorf("invalid base DN syntax: %w", err)
	}

	return parsedBase.EqualFold(parsedDN) || parsedBase.AncestorOfFold(parsedDN), nil
}
