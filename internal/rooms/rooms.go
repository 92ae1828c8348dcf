// Package rooms derives the group names used by the chat relay.
package rooms

import (
	"fmt"
	"regexp"
	"strconv"
)

var roomPattern = regexp.MustCompile(`^room_(\d+)_(\d+)$`)

// Canonical returns the room shared by two users, independent of argument order.
func Canonical(userA, userB int) string {
	if userA > userB {
		userA, userB = userB, userA
	}
	return fmt.Sprintf("room_%d_%d", userA, userB)
}

// Counterpart returns the participant of room that is not self.
func Counterpart(room string, self int) (int, bool) {
	match := roomPattern.FindStringSubmatch(room)
	if match == nil {
		return 0, false
	}
	first, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, false
	}
	second, err := strconv.Atoi(match[2])
	if err != nil {
		return 0, false
	}
	switch self {
	case first:
		return second, true
	case second:
		return first, true
	default:
		return 0, false
	}
}

// Personal returns the group mirroring every message addressed to userID.
func Personal(userID int) string {
	return "user_" + strconv.Itoa(userID)
}
