package event

import (
	"regexp"
	"strconv"
	"strings"
)

// Extractors over rendered Windows-style event messages. They work purely on
// the message text; fields that are absent or dashed out come back empty.

var (
	accountNameRe = regexp.MustCompile(`Account Name:\s*([^\r\n\t]+)`)
	logonTypeRe   = regexp.MustCompile(`Logon Type:\s*(\d+)`)
	sourceAddrRe  = regexp.MustCompile(`Source Network Address:\s*([^\r\n\t ]+)`)
)

// ExtractAccountName recovers the account name, preferring the "New Logon"
// block when present (the subject block of a 4624 names the initiating
// account, not the one that logged on).
func ExtractAccountName(message string) string {
	section := message
	if idx := strings.Index(message, "New Logon"); idx >= 0 {
		section = message[idx:]
	}
	m := accountNameRe.FindStringSubmatch(section)
	if m == nil {
		// Fall back to the first account name anywhere in the message.
		m = accountNameRe.FindStringSubmatch(message)
		if m == nil {
			return ""
		}
	}
	name := strings.TrimSpace(m[1])
	if name == "-" {
		return ""
	}
	return name
}

// ExtractLogonType recovers the numeric logon type; -1 when absent.
func ExtractLogonType(message string) int {
	m := logonTypeRe.FindStringSubmatch(message)
	if m == nil {
		return -1
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return -1
	}
	return n
}

// ExtractSourceIP recovers the source network address; absent or "-" comes
// back empty.
func ExtractSourceIP(message string) string {
	m := sourceAddrRe.FindStringSubmatch(message)
	if m == nil {
		return ""
	}
	addr := strings.TrimSpace(m[1])
	if addr == "-" || addr == "::" {
		return ""
	}
	return addr
}
