package ldap

import (
	"fmt"

	"github.com/google/uuid"
)

// GUIDBytesLength is the size of a binary objectGUID.
const GUIDBytesLength = 16

// GUIDBytesToString converts an Active Directory objectGUID to its canonical
// string form. AD stores the first three fields little-endian, so they are
// swapped before the bytes are read as an RFC 4122 UUID.
func GUIDBytesToString(guidBytes []byte) (string, error) {
	if len(guidBytes) != GUIDBytesLength {
		return "", fmt.Errorf("invalid GUID byte length: expected %d, got %d", GUIDBytesLength, len(guidBytes))
	}

	id, err := uuid.FromBytes(swapGUIDEndian(guidBytes))
	if err != nil {
		return "", fmt.Errorf("invalid GUID bytes: %w", err)
	}
	return id.String(), nil
}

// StringToGUIDBytes converts a GUID string (hyphenated, braced, or compact)
// to the binary layout Active Directory expects in filters.
func StringToGUIDBytes(guidString string) ([]byte, error) {
	id, err := uuid.Parse(guidString)
	if err != nil {
		return nil, fmt.Errorf("invalid GUID %q: %w", guidString, err)
	}
	return swapGUIDEndian(id[:]), nil
}

// swapGUIDEndian converts between the mixed-endian AD layout and RFC 4122
// byte order. The transform is its own inverse.
func swapGUIDEndian(b []byte) []byte {
	out := make([]byte, GUIDBytesLength)
	out[0], out[1], out[2], out[3] = b[3], b[2], b[1], b[0]
	out[4], out[5] = b[5], b[4]
	out[6], out[7] = b[7], b[6]
	copy(out[8:], b[8:])
	return out
}
