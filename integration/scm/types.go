package scm

import "time"

// Staged payload types. One adapter batch kind covers them all; the
// payload's Type field routes to the right normalizer path.
const (
	PayloadTypePullRequests = "pull_requests"
	PayloadTypeCommits      = "commits"
	PayloadTypeReviews      = "reviews"
	PayloadTypeComments     = "comments"
	PayloadTypeThreads      = "threads"
)

// Payload is the staged form of one page. Exactly one of the slice
// fields is populated, matching Type.
type Payload struct {
	Type          string        `json:"type"`
	Repo          string        `json:"repo"`
	PullRequestID int64         `json:"pull_request_id,omitempty"`
	PullRequests  []PullRequest `json:"pull_requests,omitempty"`
	Commits       []Commit      `json:"commits,omitempty"`
	Reviews       []Review      `json:"reviews,omitempty"`
	Comments      []Comment     `json:"comments,omitempty"`
	Threads       []Thread      `json:"threads,omitempty"`
}

// PullRequest is a PR as the remote's list API returns it.
type PullRequest struct {
	ID           int64      `json:"id"`
	Number       int        `json:"number"`
	Repo         string     `json:"repo"`
	Title        string     `json:"title"`
	SourceBranch string     `json:"source_branch,omitempty"`
	Author       Person     `json:"author"`
	State        string     `json:"state"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	MergedAt     *time.Time `json:"merged_at,omitempty"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
}

// Commit is one commit on a PR.
type Commit struct {
	SHA     string    `json:"sha"`
	Message string    `json:"message"`
	Author  Person    `json:"author"`
	At      time.Time `json:"at"`
}

// Review is one review verdict.
type Review struct {
	ID       int64     `json:"id"`
	Reviewer Person    `json:"reviewer"`
	State    string    `json:"state"`
	At       time.Time `json:"at"`
}

// Comment is one PR-level comment.
type Comment struct {
	ID     int64     `json:"id"`
	Author Person    `json:"author"`
	Body   string    `json:"body"`
	At     time.Time `json:"at"`
}

// Thread is one review thread with its inline comments.
type Thread struct {
	ID       int64     `json:"id"`
	Resolved bool      `json:"resolved"`
	Comments []Comment `json:"comments,omitempty"`
}

// Person is an external user reference.
type Person struct {
	Login       string `json:"login"`
	DisplayName string `json:"display_name,omitempty"`
	Email       string `json:"email,omitempty"`
}

type repoListResponse struct {
	Repos []string `json:"repos"`
}

type prPageResponse struct {
	PullRequests []PullRequest `json:"pull_requests"`
	NextCursor   string        `json:"next_cursor"`
	IsLast       bool          `json:"is_last"`
}

// subPageResponse covers the four sub-stream endpoints; each populates
// only its own slice.
type subPageResponse struct {
	Commits    []Commit  `json:"commits,omitempty"`
	Reviews    []Review  `json:"reviews,omitempty"`
	Comments   []Comment `json:"comments,omitempty"`
	Threads    []Thread  `json:"threads,omitempty"`
	NextCursor string    `json:"next_cursor"`
	IsLast     bool      `json:"is_last"`
}

// Checkpoint is the composite resume state: the repo queue plus the
// in-progress repo's inner cursors. A restart mid-repo resumes at the
// exact sub-stream that was live.
type Checkpoint struct {
	ReposPlanned  bool     `json:"repos_planned,omitempty"`
	RepoQueue     []string `json:"repo_queue,omitempty"`
	CurrentRepo   string   `json:"current_repo,omitempty"`
	PRCursor      string   `json:"pr_cursor,omitempty"`
	PRsDone       bool     `json:"prs_done,omitempty"`
	PRQueue       []int64  `json:"pr_queue,omitempty"`
	CurrentPR     int64    `json:"current_pr,omitempty"`
	CurrentStream string   `json:"current_stream,omitempty"`
	CommitCursor  string   `json:"commit_cursor,omitempty"`
	ReviewCursor  string   `json:"review_cursor,omitempty"`
	CommentCursor string   `json:"comment_cursor,omitempty"`
	ThreadCursor  string   `json:"thread_cursor,omitempty"`
}
