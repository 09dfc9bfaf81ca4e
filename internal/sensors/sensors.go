// Package sensors derives named sensor values from Freescout API data.
//
// Two derivation paths exist: count probes and folder counts come straight
// from the API, while predicate sensors count conversations from the
// per-cycle snapshot. Predicates are pure functions so the derivation is
// trivially testable.
package sensors

import (
	"strings"

	"github.com/helpdesk-tools/freescout-sensors/internal/freescout"
)

// Built-in sensor keys.
const (
	KeyOpen       = "open_tickets"
	KeyPending    = "pending_tickets"
	KeyUnassigned = "unassigned_tickets"
	KeySnoozed    = "snoozed_tickets"
	KeyNew        = "new_tickets"
	KeyMyTickets  = "my_tickets"
)

const folderKeyPrefix = "folder_"

// Predicate decides whether a conversation counts toward a sensor.
type Predicate func(freescout.Conversation) bool

// WithStatus matches conversations with the given status.
func WithStatus(status string) Predicate {
	return func(c freescout.Conversation) bool {
		return c.Status == status
	}
}

// IsUnassigned matches conversations without an assignee.
func IsUnassigned() Predicate {
	return func(c freescout.Conversation) bool {
		return c.Unassigned()
	}
}

// AssignedTo matches conversations assigned to the given agent.
func AssignedTo(agentID int) Predicate {
	return func(c freescout.Conversation) bool {
		return c.Assignee != nil && c.Assignee.ID == agentID
	}
}

// All combines predicates; a conversation must satisfy every one.
func All(preds ...Predicate) Predicate {
	return func(c freescout.Conversation) bool {
		for _, p := range preds {
			if !p(c) {
				return false
			}
		}
		return true
	}
}

// Count returns how many conversations satisfy the predicate.
func Count(convs []freescout.Conversation, pred Predicate) int {
	n := 0
	for _, c := range convs {
		if pred(c) {
			n++
		}
	}
	return n
}

// CustomSpec is a user-defined predicate sensor. Zero-valued filters are
// not applied.
type CustomSpec struct {
	Name       string
	Status     string
	Unassigned bool
	AssigneeID int
}

// Predicate builds the conjunction of the configured filters.
func (s CustomSpec) Predicate() Predicate {
	preds := []Predicate{}
	if s.Status != "" {
		preds = append(preds, WithStatus(s.Status))
	}
	if s.Unassigned {
		preds = append(preds, IsUnassigned())
	}
	if s.AssigneeID != 0 {
		preds = append(preds, AssignedTo(s.AssigneeID))
	}
	return All(preds...)
}

// FolderKey turns a folder display name into a stable sensor key.
func FolderKey(name string) string {
	key := strings.ToLower(strings.TrimSpace(name))
	key = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, key)
	return folderKeyPrefix + key
}

// FolderCounts holds the per-type active counts aggregated across all
// polled mailboxes.
type FolderCounts struct {
	Unassigned int
	Snoozed    int
	// Custom maps sensor key to active count for type-185 folders,
	// aggregated by folder name across mailboxes.
	Custom map[string]int
	// CustomNames maps sensor key back to the folder display name.
	CustomNames map[string]string
}

// AggregateFolders sums folder counts by type. Folders with the same name
// in different mailboxes aggregate into one custom sensor.
func AggregateFolders(folders []freescout.Folder) FolderCounts {
	counts := FolderCounts{
		Custom:      make(map[string]int),
		CustomNames: make(map[string]string),
	}

	for _, f := range folders {
		switch f.Type {
		case freescout.FolderTypeUnassigned:
			counts.Unassigned += f.ActiveCount
		case freescout.FolderTypeSnoozed:
			counts.Snoozed += f.ActiveCount
		case freescout.FolderTypeCustom:
			key := FolderKey(f.Name)
			counts.Custom[key] += f.ActiveCount
			counts.CustomNames[key] = f.Name
		}
	}
	return counts
}
