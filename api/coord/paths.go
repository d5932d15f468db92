package coord

import (
	"fmt"
	"strconv"
	"strings"
)

const groupsRoot = "/deployment-groups"

// GroupsRoot is the parent of every deployment group node.
func GroupsRoot() string {
	return groupsRoot
}

// GroupPath is the root of everything stored for a deployment group.
func GroupPath(name string) string {
	return groupsRoot + "/" + name
}

// StatusPath holds the group's DeploymentGroupStatus.
func StatusPath(name string) string {
	return GroupPath(name) + "/status"
}

// HistoryPath is the parent of the group's history events.
func HistoryPath(name string) string {
	return GroupPath(name) + "/history"
}

// HistoryEventPath is the node of one history event.
func HistoryEventPath(name, sequence string) string {
	return HistoryPath(name) + "/" + sequence
}

// FormatSequence renders a history sequence so that lexical order of node
// names equals numeric order.
func FormatSequence(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}

// ParseSequence is the inverse of FormatSequence.
func ParseSequence(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}

// Join builds a child path.
func Join(parent, child string) string {
	return strings.TrimSuffix(parent, "/") + "/" + strings.TrimPrefix(child, "/")
}
