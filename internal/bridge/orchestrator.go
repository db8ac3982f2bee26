package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultTurnTimeout = 10 * time.Minute
	notifBuffer        = 4096
)

// Orchestrator drives conversational turns against the host process and
// keeps the thread store and connected clients in sync.
type Orchestrator struct {
	host        HostClient
	store       *ThreadStore
	events      Broadcaster
	log         zerolog.Logger
	turnTimeout time.Duration

	mu     sync.Mutex
	active map[string]bool
}

type OrchestratorConfig struct {
	TurnTimeout time.Duration
	Logger      zerolog.Logger
}

type CreateOptions struct {
	Cwd           string
	Title         string
	ModelProvider string
}

func NewOrchestrator(host HostClient, store *ThreadStore, events Broadcaster, cfg OrchestratorConfig) *Orchestrator {
	timeout := cfg.TurnTimeout
	if timeout <= 0 {
		timeout = defaultTurnTimeout
	}
	return &Orchestrator{
		host:        host,
		store:       store,
		events:      events,
		log:         cfg.Logger.With().Str("component", "orchestrator").Logger(),
		turnTimeout: timeout,
		active:      make(map[string]bool),
	}
}

// CreateThread starts a fresh thread on the host and caches it.
func (o *Orchestrator) CreateThread(ctx context.Context, opts CreateOptions) (Thread, error) {
	params := map[string]any{}
	if opts.Cwd != "" {
		params["cwd"] = opts.Cwd
	}
	var resp struct {
		Thread struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"thread"`
	}
	if err := o.host.Call(ctx, "thread/start", params, &resp); err != nil {
		return Thread{}, fmt.Errorf("thread/start: %w", err)
	}
	id := strings.TrimSpace(resp.Thread.ID)
	if id == "" {
		return Thread{}, errors.New("host returned an empty thread id")
	}
	title := opts.Title
	if title == "" {
		title = resp.Thread.Title
	}
	if title == "" {
		title = "Thread " + shortID(id)
	}
	now := nowStamp()
	th := Thread{
		ID:              id,
		Title:           title,
		Status:          StatusIdle,
		CreatedAt:       now,
		UpdatedAt:       now,
		StatusUpdatedAt: now,
		Messages:        []ThreadMessage{},
		Cwd:             opts.Cwd,
		ModelProvider:   opts.ModelProvider,
	}
	o.store.Put(th)
	o.events.Broadcast("thread.created", map[string]any{"thread": th.Summary()})
	o.log.Info().Str("threadId", id).Msg("thread created")
	return th, nil
}

// ListThreads serves summaries from the store, rebuilding the cache from
// the host after a bridge restart.
func (o *Orchestrator) ListThreads(ctx context.Context) ([]ThreadSummary, error) {
	if o.store.Len() > 0 {
		return o.store.List(), nil
	}
	var resp struct {
		Threads []struct {
			ID        string `json:"id"`
			Title     string `json:"title"`
			Status    string `json:"status"`
			CreatedAt string `json:"createdAt"`
		} `json:"threads"`
	}
	if err := o.host.Call(ctx, "thread/list", map[string]any{}, &resp); err != nil {
		return nil, fmt.Errorf("thread/list: %w", err)
	}
	for _, t := range resp.Threads {
		if t.ID == "" {
			continue
		}
		created := t.CreatedAt
		if created == "" {
			created = nowStamp()
		}
		o.store.Put(Thread{
			ID:              t.ID,
			Title:           t.Title,
			Status:          statusForThread(t.Status, "", 0),
			CreatedAt:       created,
			UpdatedAt:       created,
			StatusUpdatedAt: created,
			Messages:        []ThreadMessage{},
		})
	}
	return o.store.List(), nil
}

// GetThread returns the cached thread, re-reading it from the host when
// it is unknown or its running status has gone stale.
func (o *Orchestrator) GetThread(ctx context.Context, threadID string) (Thread, error) {
	if threadID == "" {
		return Thread{}, errors.New("threadId is required")
	}
	if th, ok := o.store.Get(threadID); ok {
		if th.Status != StatusRunning || o.runActive(threadID) {
			return th, nil
		}
	}
	return o.syncThread(ctx, threadID)
}

// SendMessage appends a user message to the thread and drives a host turn
// to completion, returning the refreshed thread snapshot.
func (o *Orchestrator) SendMessage(ctx context.Context, threadID, content string) (Thread, error) {
	content = strings.TrimSpace(content)
	if threadID == "" || content == "" {
		return Thread{}, errors.New("threadId and content are required")
	}

	th, ok := o.store.Get(threadID)
	if !ok {
		var err error
		th, err = o.syncThread(ctx, threadID)
		if err != nil {
			return Thread{}, err
		}
	}

	o.mu.Lock()
	if o.active[threadID] {
		o.mu.Unlock()
		return Thread{}, &BusyError{ThreadID: threadID}
	}
	if th.Status == StatusRunning {
		// Stored as running with no run in flight here. The host is the
		// source of truth, so re-read before deciding.
		o.mu.Unlock()
		synced, err := o.syncThread(ctx, threadID)
		if err != nil {
			return Thread{}, err
		}
		if synced.Status == StatusRunning {
			return Thread{}, &BusyError{ThreadID: threadID}
		}
		th = synced
		o.mu.Lock()
		if o.active[threadID] {
			o.mu.Unlock()
			return Thread{}, &BusyError{ThreadID: threadID}
		}
	}
	o.active[threadID] = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.active, threadID)
		o.mu.Unlock()
	}()

	// Re-read now that the slot is claimed: a turn that finished between
	// the first read and the claim must not be clobbered by a stale copy.
	if cur, ok := o.store.Get(threadID); ok {
		th = cur
	}

	now := nowStamp()
	userMsg := ThreadMessage{
		ID:        "msg-" + uuid.NewString(),
		Role:      RoleUser,
		Content:   content,
		CreatedAt: now,
	}
	placeholder := ThreadMessage{
		ID:        "msg-" + uuid.NewString(),
		Role:      RoleAssistant,
		CreatedAt: now,
	}
	th.Messages = append(th.Messages, userMsg, placeholder)
	th.Status = StatusRunning
	th.UpdatedAt = now
	th.StatusUpdatedAt = now
	th.LastMessagePreview = previewText(content)
	th.LastRunStartedAt = now
	th.LastRunFinishedAt = ""
	th.LastRunDurationMs = 0
	th.LastRunExitCode = nil
	th.LastRunTimedOut = false
	th.LastError = ""
	o.store.Put(th)
	o.events.Broadcast("thread.updated", map[string]any{"thread": th.Summary()})
	o.events.Broadcast("thread.message", map[string]any{"threadId": threadID, "message": userMsg})

	started := time.Now()
	runErr := o.runTurn(ctx, threadID, placeholder.ID, content, th.Cwd)
	finished := nowStamp()
	durationMs := time.Since(started).Milliseconds()

	if runErr != nil {
		cur, ok := o.store.Get(threadID)
		if !ok {
			cur = th
		}
		cur.Status = StatusError
		cur.UpdatedAt = finished
		cur.StatusUpdatedAt = finished
		cur.LastError = runErr.Error()
		cur.LastRunFinishedAt = finished
		cur.LastRunDurationMs = durationMs
		if errors.Is(runErr, ErrTurnTimeout) {
			cur.LastRunTimedOut = true
		}
		o.store.Put(cur)
		o.events.Broadcast("thread.updated", map[string]any{"thread": cur.Summary()})
		o.events.Broadcast("thread.run.event", map[string]any{
			"threadId": threadID,
			"type":     "run.failed",
			"message":  runErr.Error(),
		})
		o.log.Error().Err(runErr).Str("threadId", threadID).Msg("turn failed")
		return Thread{}, runErr
	}

	cur, ok := o.store.Get(threadID)
	if !ok {
		cur = th
	}
	cur.Status = StatusComplete
	cur.UpdatedAt = finished
	cur.StatusUpdatedAt = finished
	cur.LastError = ""
	cur.LastRunFinishedAt = finished
	cur.LastRunDurationMs = durationMs
	o.store.Put(cur)

	// The host owns the canonical transcript; refresh from it but keep
	// our run timing. A failed refresh does not fail a completed turn.
	refreshed := cur
	if ht, err := o.readHostThread(ctx, threadID); err != nil {
		o.log.Warn().Err(err).Str("threadId", threadID).Msg("post-turn refresh failed")
	} else {
		refreshed = o.overlayHostThread(ht, cur)
		o.store.Put(refreshed)
	}
	o.events.Broadcast("thread.updated", map[string]any{"thread": refreshed.Summary()})
	o.log.Info().
		Str("threadId", threadID).
		Int64("durationMs", durationMs).
		Msg("turn completed")
	return refreshed, nil
}

type hostNotif struct {
	method string
	params json.RawMessage
}

// runTurn resumes the thread, starts the turn, and consumes notifications
// until the turn reaches a terminal status or the wait window expires.
func (o *Orchestrator) runTurn(ctx context.Context, threadID, placeholderID, content, cwd string) error {
	notifCh := make(chan hostNotif, notifBuffer)
	unsub := o.host.OnNotification(func(method string, params json.RawMessage) {
		select {
		case notifCh <- hostNotif{method: method, params: params}:
		default:
		}
	})
	defer unsub()

	if err := o.host.Call(ctx, "thread/resume", map[string]any{"threadId": threadID}, nil); err != nil {
		return fmt.Errorf("thread/resume: %w", err)
	}

	params := map[string]any{
		"threadId": threadID,
		"input":    []map[string]any{{"type": "text", "text": content}},
	}
	if cwd != "" {
		params["cwd"] = cwd
	}
	var startResp struct {
		Turn struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"turn"`
	}
	if err := o.host.Call(ctx, "turn/start", params, &startResp); err != nil {
		return fmt.Errorf("turn/start: %w", err)
	}
	turnID := strings.TrimSpace(startResp.Turn.ID)
	o.log.Debug().Str("threadId", threadID).Str("turnId", turnID).Msg("turn started")

	timer := time.NewTimer(o.turnTimeout)
	defer timer.Stop()

	for {
		select {
		case n := <-notifCh:
			status, errText, done := o.handleTurnNotif(threadID, turnID, placeholderID, n)
			if !done {
				continue
			}
			if status == "failed" || status == "interrupted" {
				if errText == "" {
					errText = "turn " + status
				}
				return errors.New(errText)
			}
			return nil
		case <-timer.C:
			return fmt.Errorf("thread %s: %w", threadID, ErrTurnTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handleTurnNotif processes one host notification in the context of an
// in-flight turn. done is true once the turn reached a terminal status.
func (o *Orchestrator) handleTurnNotif(threadID, turnID, placeholderID string, n hostNotif) (status, errText string, done bool) {
	switch n.method {
	case "item/agentMessage/delta":
		var p struct {
			Delta    string `json:"delta"`
			ItemID   string `json:"itemId"`
			ThreadID string `json:"threadId"`
			TurnID   string `json:"turnId"`
		}
		if err := json.Unmarshal(n.params, &p); err != nil {
			return "", "", false
		}
		if p.ThreadID != "" && p.ThreadID != threadID {
			return "", "", false
		}
		if p.TurnID != "" && turnID != "" && p.TurnID != turnID {
			return "", "", false
		}
		if p.Delta == "" {
			return "", "", false
		}
		o.applyDelta(threadID, placeholderID, p.Delta)
		return "", "", false

	case "thread/status/changed":
		var p struct {
			ThreadID string `json:"threadId"`
			Status   string `json:"status"`
		}
		if err := json.Unmarshal(n.params, &p); err != nil {
			return "", "", false
		}
		if p.ThreadID != "" && p.ThreadID != threadID {
			return "", "", false
		}
		o.applyHostStatus(threadID, p.Status)
		return "", "", false

	case "item/completed":
		var p struct {
			ThreadID string          `json:"threadId"`
			TurnID   string          `json:"turnId"`
			Item     json.RawMessage `json:"item"`
		}
		if err := json.Unmarshal(n.params, &p); err != nil {
			return "", "", false
		}
		if p.ThreadID != "" && p.ThreadID != threadID {
			return "", "", false
		}
		if p.TurnID != "" && turnID != "" && p.TurnID != turnID {
			return "", "", false
		}
		var probe struct {
			Type string `json:"type"`
			ID   string `json:"id"`
		}
		if err := json.Unmarshal(p.Item, &probe); err != nil {
			return "", "", false
		}
		switch probe.Type {
		case "commandExecution", "fileChange", "mcpToolCall":
			o.events.Broadcast("thread.run.event", map[string]any{
				"threadId": threadID,
				"turnId":   turnID,
				"type":     probe.Type,
				"item":     p.Item,
			})
		}
		return "", "", false

	case "turn/completed":
		return turnOutcome(n.params, threadID, turnID)

	default:
		return "", "", false
	}
}

// applyDelta merges a streamed chunk into the placeholder message and
// pushes the raw delta to clients.
func (o *Orchestrator) applyDelta(threadID, placeholderID, delta string) {
	th, ok := o.store.Get(threadID)
	if !ok {
		return
	}
	for i := range th.Messages {
		if th.Messages[i].ID != placeholderID {
			continue
		}
		th.Messages[i].Content = mergeStreamingDelta(th.Messages[i].Content, delta)
		th.UpdatedAt = nowStamp()
		o.store.Put(th)
		o.events.Broadcast("thread.message.delta", map[string]any{
			"threadId":  threadID,
			"messageId": placeholderID,
			"delta":     delta,
		})
		return
	}
}

func (o *Orchestrator) applyHostStatus(threadID, hostStatus string) {
	th, ok := o.store.Get(threadID)
	if !ok {
		return
	}
	mapped := th.Status
	switch hostStatus {
	case "systemError":
		mapped = StatusError
	case "active":
		mapped = StatusRunning
	}
	if mapped == th.Status {
		return
	}
	now := nowStamp()
	th.Status = mapped
	th.UpdatedAt = now
	th.StatusUpdatedAt = now
	o.store.Put(th)
	o.events.Broadcast("thread.updated", map[string]any{"thread": th.Summary()})
}

func (o *Orchestrator) runActive(threadID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active[threadID]
}

// syncThread re-reads the thread from the host and replaces the cached
// copy, preserving local run bookkeeping.
func (o *Orchestrator) syncThread(ctx context.Context, threadID string) (Thread, error) {
	ht, err := o.readHostThread(ctx, threadID)
	if err != nil {
		return Thread{}, err
	}
	prev, _ := o.store.Get(threadID)
	th := o.overlayHostThread(ht, prev)
	o.store.Put(th)
	return th, nil
}

// overlayHostThread merges the host's canonical view over the cached
// thread. Host fields win where present; local run timing survives.
func (o *Orchestrator) overlayHostThread(ht hostThreadState, prev Thread) Thread {
	th := prev
	th.ID = ht.ID
	if th.CreatedAt == "" {
		th.CreatedAt = nowStamp()
	}
	if ht.Title != "" {
		th.Title = ht.Title
	}
	if ht.Cwd != "" {
		th.Cwd = ht.Cwd
	}
	if ht.ModelProvider != "" {
		th.ModelProvider = ht.ModelProvider
	}
	if ht.Source != "" {
		th.SourceKind = ht.Source
	}
	if msgs := messagesFromItems(ht.Items); len(msgs) > 0 {
		th.Messages = msgs
		th.LastMessagePreview = previewText(msgs[len(msgs)-1].Content)
	}
	if th.Messages == nil {
		th.Messages = []ThreadMessage{}
	}

	lastTurn := ""
	lastTurnErr := ""
	if n := len(ht.Turns); n > 0 {
		lastTurn = ht.Turns[n-1].Status
		if e := ht.Turns[n-1].Error; e != nil {
			lastTurnErr = e.Message
		}
	}
	status := statusForThread(ht.Status, lastTurn, len(ht.Turns))
	now := nowStamp()
	if status != th.Status {
		th.StatusUpdatedAt = now
	}
	th.Status = status
	th.UpdatedAt = now
	switch status {
	case StatusError:
		if lastTurnErr != "" {
			th.LastError = lastTurnErr
		}
	case StatusComplete, StatusIdle:
		th.LastError = ""
	}
	return th
}
