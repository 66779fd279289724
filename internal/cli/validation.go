package cli

import (
	"fmt"
	"regexp"
	"strings"
)

var ticketIDPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]*-[A-Za-z0-9._-]+$`)

// validateTicketID checks that id looks like TYPE-suffix.
// Returns an error with helpful message if the ID appears to be a short ID.
func validateTicketID(id string) error {
	if id == "" {
		return fmt.Errorf("ticket id is required")
	}
	if ticketIDPattern.MatchString(id) {
		return nil
	}

	// Check if it looks like a short ID (just digits)
	if matched, _ := regexp.MatchString(`^\d+$`, id); matched {
		return fmt.Errorf("invalid ticket ID '%s'. Use the full ID including its type, e.g. FEAT-%s", id, id)
	}

	if strings.ContainsAny(id, `/\ `) {
		return fmt.Errorf("invalid ticket ID '%s'. IDs may not contain slashes or spaces", id)
	}

	// Generic invalid format
	return fmt.Errorf("invalid ticket ID '%s'. Expected format: TYPE-xxx", id)
}
