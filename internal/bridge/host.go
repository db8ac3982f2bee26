package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// HostClient is the slice of the host RPC client the orchestrator needs.
type HostClient interface {
	Call(ctx context.Context, method string, params any, out any) error
	OnNotification(fn func(method string, params json.RawMessage)) func()
}

// Broadcaster fans push events out to connected clients.
type Broadcaster interface {
	Broadcast(method string, params any)
}

// Wire shapes of the host's thread/read response.
type hostThreadState struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Status        string     `json:"status"`
	Cwd           string     `json:"cwd"`
	ModelProvider string     `json:"modelProvider"`
	Source        string     `json:"source"`
	Items         []hostItem `json:"items"`
	Turns         []hostTurn `json:"turns"`
}

type hostItem struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Role      string `json:"role"`
	Text      string `json:"text"`
	CreatedAt string `json:"createdAt"`
}

type hostTurn struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// statusForThread maps the host's raw thread status plus the last turn's
// status onto the bridge status model. Precedence: a system error wins,
// then the last turn's outcome, then the host's own activity flag.
func statusForThread(hostStatus, lastTurnStatus string, turnCount int) ThreadStatus {
	switch {
	case hostStatus == "systemError":
		return StatusError
	case lastTurnStatus == "inProgress":
		return StatusRunning
	case lastTurnStatus == "failed" || lastTurnStatus == "interrupted":
		return StatusError
	case lastTurnStatus == "completed":
		return StatusComplete
	case hostStatus == "active":
		return StatusRunning
	case hostStatus == "idle" || hostStatus == "notLoaded" || hostStatus == "":
		if turnCount > 0 {
			return StatusComplete
		}
		return StatusIdle
	default:
		return StatusIdle
	}
}

func messagesFromItems(items []hostItem) []ThreadMessage {
	out := make([]ThreadMessage, 0, len(items))
	for _, it := range items {
		role := it.Role
		if role == "" {
			switch it.Type {
			case "agentMessage":
				role = RoleAssistant
			case "userMessage":
				role = RoleUser
			case "systemMessage":
				role = RoleSystem
			default:
				continue
			}
		}
		out = append(out, ThreadMessage{
			ID:        it.ID,
			Role:      role,
			Content:   it.Text,
			CreatedAt: it.CreatedAt,
		})
	}
	return out
}

// turnOutcome extracts the terminal status from a turn/completed
// notification scoped to (threadID, turnID). An empty turn id on the
// notification matches any turn; an empty status means completed.
func turnOutcome(params json.RawMessage, threadID, turnID string) (status, errText string, ok bool) {
	var evt struct {
		ThreadID string `json:"threadId"`
		TurnID   string `json:"turnId"`
		Turn     struct {
			ID     string `json:"id"`
			Status string `json:"status"`
			Error  *struct {
				Message string `json:"message"`
			} `json:"error"`
		} `json:"turn"`
	}
	if err := json.Unmarshal(params, &evt); err != nil {
		return "", "", false
	}
	if evt.ThreadID != "" && evt.ThreadID != threadID {
		return "", "", false
	}
	id := evt.TurnID
	if id == "" {
		id = evt.Turn.ID
	}
	if id != "" && turnID != "" && id != turnID {
		return "", "", false
	}
	status = strings.TrimSpace(evt.Turn.Status)
	if status == "" {
		status = "completed"
	}
	if evt.Turn.Error != nil {
		errText = evt.Turn.Error.Message
	}
	return status, errText, true
}

func (o *Orchestrator) readHostThread(ctx context.Context, threadID string) (hostThreadState, error) {
	var resp struct {
		Thread hostThreadState `json:"thread"`
	}
	if err := o.host.Call(ctx, "thread/read", map[string]any{"threadId": threadID}, &resp); err != nil {
		return hostThreadState{}, fmt.Errorf("thread/read: %w", err)
	}
	if resp.Thread.ID == "" {
		resp.Thread.ID = threadID
	}
	return resp.Thread, nil
}
