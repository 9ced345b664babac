// Package privilege reports whether the daemon is running with enough
// privilege to manage real sessions (spawn display servers, open PAM
// sessions, switch user identity) versus unprivileged test mode.
package privilege

// RequireRootReason explains, for a log line, why the daemon insists on
// running as root outside test mode.
const RequireRootReason = "opening host sessions and switching user identity requires root"
