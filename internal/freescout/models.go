package freescout

import "time"

// Conversation statuses used by the Freescout API.
const (
	StatusActive  = "active"
	StatusPending = "pending"
	StatusClosed  = "closed"
	StatusSpam    = "spam"
)

// Folder type constants from the Freescout PHP source.
const (
	FolderTypeUnassigned = 1
	FolderTypeSnoozed    = 180
	FolderTypeCustom     = 185
)

// Assignee is the agent a conversation is assigned to, if any.
type Assignee struct {
	ID        int    `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
}

// Conversation is a single ticket record as returned by the conversations
// endpoint. Assignee is nil for unassigned conversations.
type Conversation struct {
	ID        int       `json:"id"`
	Number    int       `json:"number"`
	Subject   string    `json:"subject"`
	Status    string    `json:"status"`
	MailboxID int       `json:"mailboxId"`
	Assignee  *Assignee `json:"assignee"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Preview   string    `json:"preview"`
}

// Unassigned reports whether the conversation has no assignee.
func (c Conversation) Unassigned() bool {
	return c.Assignee == nil
}

// Folder is a mailbox folder with its active conversation count.
type Folder struct {
	ID          int    `json:"id"`
	Type        int    `json:"type"`
	Name        string `json:"name"`
	ActiveCount int    `json:"activeCount"`
	TotalCount  int    `json:"totalCount"`
}

// Mailbox identifies one Freescout mailbox.
type Mailbox struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// pageInfo is the HAL paging block present on all list responses.
type pageInfo struct {
	Size          int `json:"size"`
	TotalElements int `json:"totalElements"`
	TotalPages    int `json:"totalPages"`
	Number        int `json:"number"`
}

type conversationsPage struct {
	Embedded struct {
		Conversations []Conversation `json:"conversations"`
	} `json:"_embedded"`
	Page pageInfo `json:"page"`
}

type foldersPage struct {
	Embedded struct {
		Folders []Folder `json:"folders"`
	} `json:"_embedded"`
	Page pageInfo `json:"page"`
}

type mailboxesPage struct {
	Embedded struct {
		Mailboxes []Mailbox `json:"mailboxes"`
	} `json:"_embedded"`
	Page pageInfo `json:"page"`
}
