package storage

import (
	"fmt"
	"regexp"
)

var (
	queryIDPattern   = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9-]{0,63}$`)
	extensionPattern = regexp.MustCompile(`^[a-z0-9]{1,16}$`)
)

// ResultKey is the object key of a query result artifact. The engine writes
// the canonical result at ResultKey(id, "csv"); converted artifacts sit next
// to it under their own extension.
func ResultKey(queryID, extension string) (string, error) {
	if !queryIDPattern.MatchString(queryID) {
		return "", fmt.Errorf("invalid query id: %q", queryID)
	}
	if !extensionPattern.MatchString(extension) {
		return "", fmt.Errorf("invalid extension: %q", extension)
	}
	return queryID + "." + extension, nil
}
