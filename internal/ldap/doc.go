/*
Package ldap is the Active Directory side of ad-dirsync.

# Architecture Overview

  - Client: runs DirSync searches for dirsync cursors and reads server
    metadata (root DSE, WhoAmI)
  - ConnectionPool: pooled, authenticated connections with health checks
  - SRVDiscovery: domain controller lookup from DNS SRV records
  - Helpers: GUID and SID decoding, DN normalisation

# Connection Management

Servers come from explicit ldap:// or ldaps:// URLs, or from SRV discovery
(_ldaps, then _ldap with StartTLS, then _gc). Connections authenticate with a
simple bind, Kerberos (GSSAPI) or a TLS client certificate. The pool does not
retry dials; a failed checkout surfaces as a transient error and the cursor's
backoff decides when to try again.

# DirSync

Each Search attaches one DirSync request control with the session's flags
and the last committed cookie, and optionally the show-deleted control.
Entries are converted with their raw attribute bytes; an isDeleted value of
TRUE marks a deletion. The cookie and the more-data flag are read from the
DirSync response control.

# Error Handling

Failures are wrapped in LDAPError and then mapped by Classify onto the
dirsync error kinds: bad credentials or missing rights are authentication
failures, protocol errors against a presented cookie mean the cookie was
rejected, and a server that does not recognise the control is unsupported.
Anything else is transient.
*/
package ldap
