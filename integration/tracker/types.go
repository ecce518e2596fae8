package tracker

import "time"

// PayloadType tags staged tracker pages for the normalizer.
const PayloadType = "work_items"

// Payload is the staged form of one search page.
type Payload struct {
	Type  string `json:"type"`
	Items []Item `json:"items"`
}

// Item is a work item as the tracker's search API returns it, with
// changelog and comments embedded.
type Item struct {
	Key                string        `json:"key"`
	ProjectKey         string        `json:"project_key"`
	ProjectName        string        `json:"project_name,omitempty"`
	Summary            string        `json:"summary"`
	Description        string        `json:"description,omitempty"`
	AcceptanceCriteria string        `json:"acceptance_criteria,omitempty"`
	Status             string        `json:"status"`
	Priority           string        `json:"priority,omitempty"`
	ItemType           string        `json:"item_type,omitempty"`
	Assignee           *Person       `json:"assignee,omitempty"`
	Reporter           *Person       `json:"reporter,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
	Changelog          []ChangeEvent `json:"changelog,omitempty"`
	Comments           []Comment     `json:"comments,omitempty"`
}

// Person is an external user reference.
type Person struct {
	AccountID   string `json:"account_id"`
	DisplayName string `json:"display_name,omitempty"`
	Email       string `json:"email,omitempty"`
}

// ChangeEvent is one changelog entry, most commonly a status move.
type ChangeEvent struct {
	At    time.Time `json:"at"`
	Field string    `json:"field"`
	From  string    `json:"from,omitempty"`
	To    string    `json:"to,omitempty"`
	By    string    `json:"by,omitempty"`
}

// Comment is one item comment.
type Comment struct {
	Author Person    `json:"author"`
	Body   string    `json:"body"`
	At     time.Time `json:"at"`
}

// searchResponse is the tracker's cursor-paginated search result.
type searchResponse struct {
	Items      []Item `json:"items"`
	NextCursor string `json:"next_cursor"`
	IsLast     bool   `json:"is_last"`
	Total      int    `json:"total"`
}

// Checkpoint is the tracker's resume state: the opaque server cursor
// plus the last item key it advanced past.
type Checkpoint struct {
	LastCursor string `json:"last_cursor,omitempty"`
	LastKey    string `json:"last_key,omitempty"`
	Processed  int    `json:"processed,omitempty"`
}
