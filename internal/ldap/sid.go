package ldap

import (
	"fmt"

	"github.com/bwmarrin/go-objectsid"
)

// SIDBinaryToString converts a binary objectSid to S-1-5-21-... form.
func SIDBinaryToString(binarySID []byte) (string, error) {
	// revision, sub-authority count, 6-byte authority, then 4 bytes per sub-authority
	if len(binarySID) < 8 {
		return "", fmt.Errorf("binary SID too short: %d bytes", len(binarySID))
	}
	if want := 8 + 4*int(binarySID[1]); len(binarySID) != want {
		return "", fmt.Errorf("binary SID length %d does not match %d sub-authorities", len(binarySID), binarySID[1])
	}

	return objectsid.Decode(binarySID).String(), nil
}
