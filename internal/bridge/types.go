package bridge

import (
	"strings"
	"time"
	"unicode/utf8"
)

type ThreadStatus string

const (
	StatusIdle     ThreadStatus = "idle"
	StatusRunning  ThreadStatus = "running"
	StatusComplete ThreadStatus = "complete"
	StatusError    ThreadStatus = "error"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

type ThreadMessage struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"createdAt,omitempty"`
}

type Thread struct {
	ID                 string          `json:"id"`
	Title              string          `json:"title,omitempty"`
	Status             ThreadStatus    `json:"status"`
	CreatedAt          string          `json:"createdAt,omitempty"`
	UpdatedAt          string          `json:"updatedAt,omitempty"`
	StatusUpdatedAt    string          `json:"statusUpdatedAt,omitempty"`
	Messages           []ThreadMessage `json:"messages"`
	LastMessagePreview string          `json:"lastMessagePreview,omitempty"`
	Cwd                string          `json:"cwd,omitempty"`
	ModelProvider      string          `json:"modelProvider,omitempty"`
	SourceKind         string          `json:"sourceKind,omitempty"`
	LastRunStartedAt   string          `json:"lastRunStartedAt,omitempty"`
	LastRunFinishedAt  string          `json:"lastRunFinishedAt,omitempty"`
	LastRunDurationMs  int64           `json:"lastRunDurationMs,omitempty"`
	LastRunExitCode    *int            `json:"lastRunExitCode,omitempty"`
	LastRunTimedOut    bool            `json:"lastRunTimedOut,omitempty"`
	LastError          string          `json:"lastError,omitempty"`
}

// ThreadSummary is the Thread projection used for list views and
// thread.updated pushes; it carries everything except the messages.
type ThreadSummary struct {
	ID                 string       `json:"id"`
	Title              string       `json:"title,omitempty"`
	Status             ThreadStatus `json:"status"`
	CreatedAt          string       `json:"createdAt,omitempty"`
	UpdatedAt          string       `json:"updatedAt,omitempty"`
	StatusUpdatedAt    string       `json:"statusUpdatedAt,omitempty"`
	MessageCount       int          `json:"messageCount"`
	LastMessagePreview string       `json:"lastMessagePreview,omitempty"`
	Cwd                string       `json:"cwd,omitempty"`
	ModelProvider      string       `json:"modelProvider,omitempty"`
	SourceKind         string       `json:"sourceKind,omitempty"`
	LastRunStartedAt   string       `json:"lastRunStartedAt,omitempty"`
	LastRunFinishedAt  string       `json:"lastRunFinishedAt,omitempty"`
	LastRunDurationMs  int64        `json:"lastRunDurationMs,omitempty"`
	LastRunTimedOut    bool         `json:"lastRunTimedOut,omitempty"`
	LastError          string       `json:"lastError,omitempty"`
}

func (t Thread) Summary() ThreadSummary {
	return ThreadSummary{
		ID:                 t.ID,
		Title:              t.Title,
		Status:             t.Status,
		CreatedAt:          t.CreatedAt,
		UpdatedAt:          t.UpdatedAt,
		StatusUpdatedAt:    t.StatusUpdatedAt,
		MessageCount:       len(t.Messages),
		LastMessagePreview: t.LastMessagePreview,
		Cwd:                t.Cwd,
		ModelProvider:      t.ModelProvider,
		SourceKind:         t.SourceKind,
		LastRunStartedAt:   t.LastRunStartedAt,
		LastRunFinishedAt:  t.LastRunFinishedAt,
		LastRunDurationMs:  t.LastRunDurationMs,
		LastRunTimedOut:    t.LastRunTimedOut,
		LastError:          t.LastError,
	}
}

// Clone returns a deep copy; mutating the copy never touches store state.
func (t Thread) Clone() Thread {
	out := t
	out.Messages = append([]ThreadMessage(nil), t.Messages...)
	if t.LastRunExitCode != nil {
		code := *t.LastRunExitCode
		out.LastRunExitCode = &code
	}
	return out
}

func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func previewText(s string) string {
	s = strings.TrimSpace(s)
	const maxLen = 120
	if len(s) <= maxLen {
		return s
	}
	// back up to a rune boundary so the cut never emits invalid UTF-8
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func shortID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}
