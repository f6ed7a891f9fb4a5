// Package namesplit derives first/last name pairs from a single display-name
// string. The same rule is used by the sign-up metadata path and by the
// full_name backfill so that old and new rows agree.
package namesplit

import "strings"

// Split divides a display name into (first, last).
//
// The input is trimmed, then split on whitespace: the first field becomes the
// first name and the remaining fields are joined with single spaces into the
// last name. Runs of internal whitespace are normalized to one space, which
// keeps the function idempotent over already-split-and-rejoined values.
//
// Split is total: empty or all-whitespace input yields ("", ""), a single
// token yields (token, "").
func Split(full string) (first, last string) {
	fields := strings.Fields(full)
	switch len(fields) {
	case 0:
		return "", ""
	case 1:
		return fields[0], ""
	default:
		return fields[0], strings.Join(fields[1:], " ")
	}
}

// Join is the inverse used when a legacy full_name value has to be
// reconstructed from split parts (manual rollback tooling only).
func Join(first, last string) string {
	if last == "" {
		return first
	}
	if first == "" {
		return last
	}
	return first + " " + last
}
