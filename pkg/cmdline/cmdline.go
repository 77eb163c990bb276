// Package cmdline provides shared command-line token extraction used by
// the risk classifier, validator and preference store.
package cmdline

import "strings"

// HeadToken extracts the leading command word: a sudo prefix is stripped,
// everything right of the first pipe or redirect is dropped, and the first
// remaining word is returned.
func HeadToken(command string) string {
	command = strings.TrimSpace(command)

	if strings.HasPrefix(command, "sudo ") {
		command = strings.TrimSpace(command[5:])
	}

	if idx := strings.Index(command, "|"); idx >= 0 {
		command = strings.TrimSpace(command[:idx])
	}

	for _, redirect := range []string{">>", ">", "<"} {
		if idx := strings.Index(command, redirect); idx >= 0 {
			command = strings.TrimSpace(command[:idx])
		}
	}

	fields := strings.Fields(command)
	if len(fields) > 0 {
		return fields[0]
	}
	return ""
}

// Args returns the arguments after the head command, with a sudo prefix
// stripped first.
func Args(command string) []string {
	command = strings.TrimSpace(command)
	if strings.HasPrefix(command, "sudo ") {
		command = strings.TrimSpace(command[5:])
	}

	fields := strings.Fields(command)
	if len(fields) > 1 {
		return fields[1:]
	}
	return nil
}

// Normalize collapses runs of whitespace to single spaces. Preference
// fingerprints are computed over the normalized form.
func Normalize(command string) string {
	return strings.Join(strings.Fields(command), " ")
}
