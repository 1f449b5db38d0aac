package plan

import "regexp"

// MaxIDLength bounds plan IDs so they fit in a file name.
const MaxIDLength = 255

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// ValidID reports whether id can be used as a file name and a database key:
// an alphanumeric first character, then letters, digits, dots, dashes and
// underscores.
func ValidID(id string) bool {
	return id != "" && len(id) <= MaxIDLength && idPattern.MatchString(id)
}
