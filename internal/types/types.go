// Package types holds the gateway's core entity definitions: the durable
// records (Directory, Conversation, Repository, Task, git snapshots) and
// the in-memory subscription/event shapes built on top of them.
package types

import "time"

// Scope is the tenant/user/workspace triple every record is scoped by.
type Scope struct {
	TenantID    string `json:"tenantId"`
	UserID      string `json:"userId"`
	WorkspaceID string `json:"workspaceId"`
}

// Matches reports whether s satisfies a filter scope: every non-empty
// field in filter must equal the corresponding field in s.
func (s Scope) Matches(filter Scope) bool {
	if filter.TenantID != "" && filter.TenantID != s.TenantID {
		return false
	}
	if filter.UserID != "" && filter.UserID != s.UserID {
		return false
	}
	if filter.WorkspaceID != "" && filter.WorkspaceID != s.WorkspaceID {
		return false
	}
	return true
}

// AgentType enumerates the kinds of conversation backend.
type AgentType string

const (
	AgentCodex    AgentType = "codex"
	AgentClaude   AgentType = "claude"
	AgentCursor   AgentType = "cursor"
	AgentTerminal AgentType = "terminal"
	AgentCritique AgentType = "critique"
)

// RuntimeStatus is the derived, telemetry-driven status of a conversation.
type RuntimeStatus string

const (
	StatusRunning    RuntimeStatus = "running"
	StatusNeedsInput RuntimeStatus = "needs-input"
	StatusCompleted  RuntimeStatus = "completed"
	StatusExited     RuntimeStatus = "exited"
)

// TaskStatus is the backlog-item lifecycle state.
type TaskStatus string

const (
	TaskDraft      TaskStatus = "draft"
	TaskReady      TaskStatus = "ready"
	TaskInProgress TaskStatus = "in-progress"
	TaskCompleted  TaskStatus = "completed"
)

// Directory is a workspace-rooted filesystem path.
type Directory struct {
	Scope
	DirectoryID string     `json:"directoryId"`
	Path        string     `json:"path"`
	CreatedAt   time.Time  `json:"createdAt"`
	ArchivedAt  *time.Time `json:"archivedAt,omitempty"`
}

// Conversation is an agent interaction bound to a directory.
//
// RuntimeStatus and RuntimeStatusModel are kept as two fields, per the
// source's own layout, but are only ever written together through
// store.Store.UpdateConversationRuntime (and set to the same initial value
// by CreateConversation) — see DESIGN.md.
type Conversation struct {
	Scope
	ConversationID    string        `json:"conversationId"`
	DirectoryID       string        `json:"directoryId"`
	Title             string        `json:"title"`
	AgentType         AgentType     `json:"agentType"`
	AdapterState      Value         `json:"adapterState"`
	RuntimeStatus     RuntimeStatus `json:"runtimeStatus"`
	RuntimeStatusModel RuntimeStatus `json:"runtimeStatusModel"`
	RuntimeLive       bool          `json:"runtimeLive"`
	CreatedAt         time.Time     `json:"createdAt"`
	ArchivedAt        *time.Time    `json:"archivedAt,omitempty"`
}

// Repository is a tracked remote/project.
type Repository struct {
	Scope
	RepositoryID  string     `json:"repositoryId"`
	Name          string     `json:"name"`
	RemoteURL     string     `json:"remoteUrl"`
	DefaultBranch string     `json:"defaultBranch"`
	Metadata      Value      `json:"metadata"`
	CreatedAt     time.Time  `json:"createdAt"`
	ArchivedAt    *time.Time `json:"archivedAt,omitempty"`
}

// Task is an ordered backlog item scoped to a repository or project.
type Task struct {
	Scope
	TaskID                string     `json:"taskId"`
	RepositoryID          string     `json:"repositoryId"`
	Title                 string     `json:"title"`
	Status                TaskStatus `json:"status"`
	OrderIndex            int        `json:"orderIndex"`
	ClaimedByControllerID string     `json:"claimedByControllerId,omitempty"`
	ClaimedByDirectoryID  string     `json:"claimedByDirectoryId,omitempty"`
	BranchName            string     `json:"branchName,omitempty"`
	BaseBranch            string     `json:"baseBranch,omitempty"`
	Linear                Value      `json:"linear,omitempty"`
	CreatedAt             time.Time  `json:"createdAt"`
	ArchivedAt            *time.Time `json:"archivedAt,omitempty"`
}

// IsClaimed reports whether a claiming controller id is recorded. The
// store keeps this true exactly when status is in-progress; the method
// itself does not check Status.
func (t Task) IsClaimed() bool {
	return t.ClaimedByControllerID != ""
}

// GitSummary is the cached working-tree summary for a directory.
type GitSummary struct {
	Branch       string `json:"branch"`
	ChangedFiles int    `json:"changedFiles"`
	Additions    int    `json:"additions"`
	Deletions    int    `json:"deletions"`
}

// RepositoryProbe is the inferred repository identity for a directory.
type RepositoryProbe struct {
	NormalizedRemoteURL string     `json:"normalizedRemoteUrl"`
	CommitCount         int        `json:"commitCount"`
	LastCommitAt        *time.Time `json:"lastCommitAt,omitempty"`
	ShortCommitHash     string     `json:"shortCommitHash"`
	InferredName        string     `json:"inferredName"`
	DefaultBranch       string     `json:"defaultBranch"`
}

// DirectoryGitSnapshot is a directory's cached git-status observation.
type DirectoryGitSnapshot struct {
	DirectoryID string          `json:"directoryId"`
	Summary     GitSummary      `json:"summary"`
	Repository  RepositoryProbe `json:"repository"`
	ObservedAt  time.Time       `json:"observedAt"`
}

// Equal compares the observable fields of two snapshots, ignoring
// ObservedAt, which is how the git-status monitor dedups.
func (s DirectoryGitSnapshot) Equal(other DirectoryGitSnapshot) bool {
	return s.DirectoryID == other.DirectoryID &&
		s.Summary == other.Summary &&
		s.Repository == other.Repository
}

// Subscription is a scope-filtered observer of durable-state events.
type Subscription struct {
	ID            string `json:"id"`
	ConnectionID  string `json:"connectionId"`
	Filter        ScopeFilter
	AfterCursor   int64 `json:"afterCursor"`
}

// ScopeFilter narrows a Subscription to the events it wants to observe.
// Zero-value fields are treated as "don't care".
type ScopeFilter struct {
	TenantID      string `json:"tenantId,omitempty"`
	UserID        string `json:"userId,omitempty"`
	WorkspaceID   string `json:"workspaceId,omitempty"`
	DirectoryID   string `json:"directoryId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	RepositoryID  string `json:"repositoryId,omitempty"`
	TaskID        string `json:"taskId,omitempty"`
	IncludeOutput bool   `json:"includeOutput,omitempty"`
}

// Event is an observed, durable-mutation-derived occurrence passed to
// the subscription bus for scope-filtered fan-out.
type Event struct {
	Cursor    int64     `json:"cursor"`
	Type      string    `json:"type"`
	Scope     Scope     `json:"-"`
	Output    bool      `json:"-"`
	Payload   Value     `json:"payload"`
	EmittedAt time.Time `json:"emittedAt"`
}

// Matches reports whether evt satisfies f: the scope triple must match,
// and any entity-id fields set on f must equal the corresponding field
// on evt's payload, when present there.
func (f ScopeFilter) Matches(evt Event) bool {
	if !evt.Scope.Matches(Scope{TenantID: f.TenantID, UserID: f.UserID, WorkspaceID: f.WorkspaceID}) {
		return false
	}
	if f.IncludeOutput != evt.Output && evt.Output {
		return false
	}
	if f.DirectoryID != "" && !payloadFieldEquals(evt.Payload, "directoryId", f.DirectoryID) {
		return false
	}
	if f.ConversationID != "" && !payloadFieldEquals(evt.Payload, "conversationId", f.ConversationID) {
		return false
	}
	if f.RepositoryID != "" && !payloadFieldEquals(evt.Payload, "repositoryId", f.RepositoryID) {
		return false
	}
	if f.TaskID != "" && !payloadFieldEquals(evt.Payload, "taskId", f.TaskID) {
		return false
	}
	return true
}

func payloadFieldEquals(v Value, key, want string) bool {
	field, ok := v.Field(key)
	if !ok {
		return true // payload doesn't carry this id: don't exclude on it
	}
	got, ok := field.String()
	return ok && got == want
}

// Event type names, as emitted by the durable store / registry.
const (
	EventDirectoryUpserted    = "directory-upserted"
	EventDirectoryArchived    = "directory-archived"
	EventConversationUpdated  = "conversation-updated"
	EventConversationArchived = "conversation-archived"
	EventSessionStatus        = "session-status"
	EventSessionKeyEvent      = "session-key-event"
	EventTaskReordered        = "task-reordered"
	EventDirectoryGitUpdated  = "directory-git-updated"
)

// TelemetryEvent is a normalized telemetry occurrence, independent of
// whether it arrived as an OTLP log/metric/trace or a history-file line.
type TelemetryEvent struct {
	Source           TelemetrySource `json:"source"`
	ObservedAt       time.Time       `json:"observedAt"`
	EventName        string          `json:"eventName"`
	Severity         string          `json:"severity,omitempty"`
	Summary          string          `json:"summary,omitempty"`
	ProviderThreadID string          `json:"providerThreadId,omitempty"`
	StatusHint       RuntimeStatus   `json:"statusHint,omitempty"`
	Payload          Value           `json:"payload,omitempty"`
}

// TelemetrySource enumerates the origin of a TelemetryEvent.
type TelemetrySource string

const (
	SourceOTLPLog    TelemetrySource = "otlp-log"
	SourceOTLPMetric TelemetrySource = "otlp-metric"
	SourceOTLPTrace  TelemetrySource = "otlp-trace"
	SourceHistory    TelemetrySource = "history"
)

// DedupKey identifies telemetry events for idempotent-ingest comparison.
func (e TelemetryEvent) DedupKey() string {
	return e.ObservedAt.String() + "|" + e.EventName + "|" + e.ProviderThreadID + "|" + e.Summary
}
