package ldap

import (
	"context"
	"slices"
	"strings"

	"github.com/go-ldap/ldap/v3"

	"github.com/isometry/ad-dirsync/internal/dirsync"
	"github.com/isometry/ad-dirsync/internal/logging"
)

// Attributes with special handling on conversion.
const (
	AttrIsDeleted  = "isDeleted"
	AttrObjectGUID = "objectGUID"
	AttrObjectSID  = "objectSid"
)

// convertEntry turns a search result entry into a dirsync snapshot. Values
// are taken from ByteValues so binary attributes survive unchanged.
// Undecodable identifiers are logged and left blank rather than failing the
// poll.
func convertEntry(ctx context.Context, entry *ldap.Entry) dirsync.Entry {
	out := dirsync.Entry{
		DN:         entry.DN,
		Change:     dirsync.ChangeUpsert,
		Attributes: make([]dirsync.Attribute, 0, len(entry.Attributes)),
	}

	for _, attr := range entry.Attributes {
		values := make([][]byte, 0, len(attr.ByteValues))
		for _, v := range attr.ByteValues {
			values = append(values, slices.Clone(v))
		}
		out.Attributes = append(out.Attributes, dirsync.Attribute{Name: attr.Name, Values: values})
	}

	if strings.EqualFold(out.Value(AttrIsDeleted), "TRUE") {
		out.Change = dirsync.ChangeDelete
	}

	if raw := out.Values(AttrObjectGUID); len(raw) > 0 {
		guid, err := GUIDBytesToString(raw[0])
		if err != nil {
			logging.SubsystemWarn(ctx, logging.SubsystemLDAP, "Ignoring undecodable objectGUID", map[string]any{
				"dn":    entry.DN,
				"error": err.Error(),
			})
		}
		out.ObjectGUID = guid
	}

	if raw := out.Values(AttrObjectSID); len(raw) > 0 {
		sid, err := SIDBinaryToString(raw[0])
		if err != nil {
			logging.SubsystemWarn(ctx, logging.SubsystemLDAP, "Ignoring undecodable objectSid", map[string]any{
				"dn":    entry.DN,
				"error": err.Error(),
			})
		}
		out.ObjectSID = sid
	}

	return out
}
