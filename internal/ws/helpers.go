package ws

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

var groupPattern = regexp.MustCompile(`^\w+$`)

func newConnID() string {
	return uuid.NewString()
}

// ValidGroup reports whether name can be used as a registry group.
func ValidGroup(name string) bool {
	return groupPattern.MatchString(name)
}

// parseBoundUserID reads the optional user_id query value. Absent and
// non-integer values both leave the connection unbound.
func parseBoundUserID(raw string) (*int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	id, err := strconv.Atoi(raw)
	if err != nil {
		return nil, err
	}
	return &id, nil
}
