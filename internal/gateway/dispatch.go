package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/jmoyers/harness/internal/historypoll"
	"github.com/jmoyers/harness/internal/hooks"
	"github.com/jmoyers/harness/internal/ptysession"
	"github.com/jmoyers/harness/internal/registry"
	"github.com/jmoyers/harness/internal/store"
	"github.com/jmoyers/harness/internal/types"
	"github.com/jmoyers/harness/internal/wire"
)

// Error codes for command.error envelopes (spec.md §7).
const (
	codeNotFound   = "not-found"
	codeConflict   = "conflict"
	codeState      = "state"
	codeValidation = "validation"
	codeAuth       = "auth"
	codeCapacity   = "capacity"
	codeUpstream   = "upstream"
)

// dispatcher handles every envelope read from one connection. It holds
// no state of its own beyond its gateway and connection references;
// per-connection bookkeeping (subscriptions, attachments) lives on
// connState so it survives across dispatcher calls for the life of the
// connection.
type dispatcher struct {
	g  *Gateway
	cs *connState
}

// handle routes one envelope kind to its handler. Every reachable error
// becomes a command.error envelope (spec.md §7); dispatch itself never
// panics the connection.
func (d *dispatcher) handle(env wire.Envelope) {
	switch env.Kind {
	case wire.KindCommand:
		d.handleCommand(env)
	case wire.KindPtyInput:
		d.handlePtyInput(env)
	case wire.KindPtyResize:
		d.handlePtyResize(env)
	case wire.KindPtySignal:
		d.handlePtySignal(env)
	default:
		// Unknown/out-of-order kinds are ignored rather than destroying
		// the connection; only capacity overflow destroys it (spec.md §7).
	}
}

func (d *dispatcher) handlePtyInput(env wire.Envelope) {
	if err := d.g.registry.CheckController(env.SessionID, d.cs.id); err != nil {
		return
	}
	data, err := base64.StdEncoding.DecodeString(env.DataBase64)
	if err != nil {
		return
	}
	_ = d.g.registry.Input(env.SessionID, data)
}

func (d *dispatcher) handlePtyResize(env wire.Envelope) {
	if err := d.g.registry.CheckController(env.SessionID, d.cs.id); err != nil {
		return
	}
	_ = d.g.registry.Resize(env.SessionID, env.Cols, env.Rows)
}

func (d *dispatcher) handlePtySignal(env wire.Envelope) {
	if err := d.g.registry.CheckController(env.SessionID, d.cs.id); err != nil {
		return
	}
	_ = d.g.registry.Signal(env.SessionID, ptysession.SignalKind(env.SignalKind))
}

func (d *dispatcher) sendResult(requestID string, v interface{}) {
	raw, err := json.Marshal(v)
	if err != nil {
		d.sendError(requestID, codeUpstream, err.Error())
		return
	}
	_ = d.cs.conn.Send(wire.Envelope{Kind: wire.KindCommandResult, RequestID: requestID, Result: raw})
}

func (d *dispatcher) sendError(requestID, code, message string) {
	_ = d.cs.conn.Send(wire.Envelope{Kind: wire.KindCommandError, RequestID: requestID, ErrorCode: code, Message: message})
}

func (d *dispatcher) sendStoreError(requestID string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		d.sendError(requestID, codeNotFound, err.Error())
	case errors.Is(err, store.ErrConflict):
		d.sendError(requestID, codeConflict, err.Error())
	default:
		d.sendError(requestID, codeUpstream, err.Error())
	}
}

// handleCommand decodes env.Params into the command's param struct,
// executes it, and replies with command.result or command.error. The
// ctx passed to every store/registry call is background-scoped with a
// short timeout: commands must not block the connection's read loop
// indefinitely (spec.md §5).
func (d *dispatcher) handleCommand(env wire.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch env.Type {
	case "directory.upsert":
		d.directoryUpsert(ctx, env)
	case "directory.archive":
		d.directoryArchive(ctx, env)
	case "directory.list":
		d.directoryList(ctx, env)
	case "directory.git-status":
		d.directoryGitStatus(ctx, env)

	case "conversation.create":
		d.conversationCreate(ctx, env)
	case "conversation.update":
		d.conversationUpdate(ctx, env)
	case "conversation.archive":
		d.conversationArchive(ctx, env)
	case "conversation.delete":
		d.conversationDelete(ctx, env)
	case "conversation.list":
		d.conversationList(ctx, env)

	case "repository.upsert":
		d.repositoryUpsert(ctx, env)
	case "repository.archive":
		d.repositoryArchive(ctx, env)
	case "repository.list":
		d.repositoryList(ctx, env)

	case "task.create":
		d.taskCreate(ctx, env)
	case "task.ready":
		d.taskTransition(ctx, env, d.g.store.ReadyTask)
	case "task.queue":
		d.taskTransition(ctx, env, d.g.store.QueueTask)
	case "task.draft":
		d.taskTransition(ctx, env, d.g.store.DraftTask)
	case "task.complete":
		d.taskTransition(ctx, env, d.g.store.CompleteTask)
	case "task.claim":
		d.taskClaim(ctx, env)
	case "task.delete":
		d.taskDelete(ctx, env)
	case "task.reorder":
		d.taskReorder(ctx, env)
	case "task.list":
		d.taskList(ctx, env)

	case "pty.start":
		d.ptyStart(ctx, env)
	case "pty.attach":
		d.ptyAttach(ctx, env)
	case "pty.detach":
		d.ptyDetach(ctx, env)
	case "pty.close":
		d.ptyClose(ctx, env)

	case "session.list":
		d.sessionList(ctx, env)
	case "session.status":
		d.sessionStatus(ctx, env)
	case "session.snapshot":
		d.sessionSnapshot(ctx, env)
	case "session.respond":
		d.sessionRespond(ctx, env)
	case "session.interrupt":
		d.sessionInterrupt(ctx, env)
	case "session.claim":
		d.sessionClaim(ctx, env)
	case "session.release":
		d.sessionRelease(ctx, env)
	case "session.remove":
		d.sessionRemove(ctx, env)

	case "stream.subscribe":
		d.streamSubscribe(ctx, env)
	case "stream.unsubscribe":
		d.streamUnsubscribe(ctx, env)

	default:
		d.sendError(env.RequestID, codeValidation, fmt.Sprintf("unknown command type %q", env.Type))
	}
}

func decodeParams(env wire.Envelope, v interface{}) error {
	if len(env.Params) == 0 {
		return nil
	}
	return json.Unmarshal(env.Params, v)
}

// --- directory.* ---

func (d *dispatcher) directoryUpsert(ctx context.Context, env wire.Envelope) {
	var p struct {
		types.Scope
		DirectoryID string `json:"directoryId"`
		Path        string `json:"path"`
	}
	if err := decodeParams(env, &p); err != nil {
		d.sendError(env.RequestID, codeValidation, err.Error())
		return
	}
	if p.DirectoryID == "" {
		p.DirectoryID = "dir-" + uuid.NewString()
	}
	dir, err := d.g.store.UpsertDirectory(ctx, types.Directory{Scope: p.Scope, DirectoryID: p.DirectoryID, Path: p.Path})
	if err != nil {
		d.sendStoreError(env.RequestID, err)
		return
	}
	d.sendResult(env.RequestID, dir)
}

func (d *dispatcher) directoryArchive(ctx context.Context, env wire.Envelope) {
	var p struct {
		DirectoryID string `json:"directoryId"`
	}
	if err := decodeParams(env, &p); err != nil {
		d.sendError(env.RequestID, codeValidation, err.Error())
		return
	}
	if err := d.g.store.ArchiveDirectory(ctx, p.DirectoryID); err != nil {
		d.sendStoreError(env.RequestID, err)
		return
	}
	d.sendResult(env.RequestID, map[string]string{"directoryId": p.DirectoryID})
}

func (d *dispatcher) directoryList(ctx context.Context, env wire.Envelope) {
	var p struct {
		types.Scope
		IncludeArchived bool `json:"includeArchived"`
	}
	_ = decodeParams(env, &p)
	dirs, err := d.g.store.ListDirectories(ctx, p.Scope, p.IncludeArchived)
	if err != nil {
		d.sendStoreError(env.RequestID, err)
		return
	}
	d.sendResult(env.RequestID, dirs)
}

func (d *dispatcher) directoryGitStatus(ctx context.Context, env wire.Envelope) {
	var p struct {
		DirectoryID string `json:"directoryId"`
	}
	if err := decodeParams(env, &p); err != nil {
		d.sendError(env.RequestID, codeValidation, err.Error())
		return
	}
	snap, err := d.g.store.ListDirectoryGitStatuses(ctx)
	if err != nil {
		d.sendStoreError(env.RequestID, err)
		return
	}
	for _, s := range snap {
		if s.DirectoryID == p.DirectoryID {
			d.sendResult(env.RequestID, s)
			return
		}
	}
	d.sendError(env.RequestID, codeNotFound, "no git status observed yet")
}

// --- conversation.* ---

func (d *dispatcher) conversationCreate(ctx context.Context, env wire.Envelope) {
	var p struct {
		types.Scope
		ConversationID string          `json:"conversationId"`
		DirectoryID    string          `json:"directoryId"`
		Title          string          `json:"title"`
		AgentType      types.AgentType `json:"agentType"`
	}
	if err := decodeParams(env, &p); err != nil {
		d.sendError(env.RequestID, codeValidation, err.Error())
		return
	}
	if p.ConversationID == "" {
		p.ConversationID = "conv-" + uuid.NewString()
	}
	conv, err := d.g.store.CreateConversation(ctx, types.Conversation{
		Scope:          p.Scope,
		ConversationID: p.ConversationID,
		DirectoryID:    p.DirectoryID,
		Title:          p.Title,
		AgentType:      p.AgentType,
	})
	if err != nil {
		d.sendStoreError(env.RequestID, err)
		return
	}
	d.sendResult(env.RequestID, conv)
}

func (d *dispatcher) conversationUpdate(ctx context.Context, env wire.Envelope) {
	var p struct {
		ConversationID string      `json:"conversationId"`
		Title          string      `json:"title"`
		AdapterState   types.Value `json:"adapterState"`
	}
	if err := decodeParams(env, &p); err != nil {
		d.sendError(env.RequestID, codeValidation, err.Error())
		return
	}
	if err := d.g.store.UpdateConversation(ctx, p.ConversationID, p.Title, p.AdapterState); err != nil {
		d.sendStoreError(env.RequestID, err)
		return
	}
	d.sendResult(env.RequestID, map[string]string{"conversationId": p.ConversationID})
}

func (d *dispatcher) conversationArchive(ctx context.Context, env wire.Envelope) {
	var p struct {
		ConversationID string `json:"conversationId"`
	}
	if err := decodeParams(env, &p); err != nil {
		d.sendError(env.RequestID, codeValidation, err.Error())
		return
	}
	if err := d.g.store.ArchiveConversation(ctx, p.ConversationID); err != nil {
		d.sendStoreError(env.RequestID, err)
		return
	}
	d.sendResult(env.RequestID, map[string]string{"conversationId": p.ConversationID})
}

func (d *dispatcher) conversationDelete(ctx context.Context, env wire.Envelope) {
	var p struct {
		ConversationID string `json:"conversationId"`
	}
	if err := decodeParams(env, &p); err != nil {
		d.sendError(env.RequestID, codeValidation, err.Error())
		return
	}
	if err := d.g.store.DeleteConversation(ctx, p.ConversationID); err != nil {
		d.sendStoreError(env.RequestID, err)
		return
	}
	d.sendResult(env.RequestID, map[string]string{"conversationId": p.ConversationID})
}

func (d *dispatcher) conversationList(ctx context.Context, env wire.Envelope) {
	var p struct {
		types.Scope
		DirectoryID     string `json:"directoryId"`
		IncludeArchived bool   `json:"includeArchived"`
	}
	_ = decodeParams(env, &p)
	convs, err := d.g.store.ListConversations(ctx, p.Scope, p.DirectoryID, p.IncludeArchived)
	if err != nil {
		d.sendStoreError(env.RequestID, err)
		return
	}
	d.sendResult(env.RequestID, convs)
}

// --- repository.* ---

func (d *dispatcher) repositoryUpsert(ctx context.Context, env wire.Envelope) {
	var p types.Repository
	if err := decodeParams(env, &p); err != nil {
		d.sendError(env.RequestID, codeValidation, err.Error())
		return
	}
	repo, err := d.g.store.UpsertRepository(ctx, p)
	if err != nil {
		d.sendStoreError(env.RequestID, err)
		return
	}
	d.sendResult(env.RequestID, repo)
}

func (d *dispatcher) repositoryArchive(ctx context.Context, env wire.Envelope) {
	var p struct {
		RepositoryID string `json:"repositoryId"`
	}
	if err := decodeParams(env, &p); err != nil {
		d.sendError(env.RequestID, codeValidation, err.Error())
		return
	}
	if err := d.g.store.ArchiveRepository(ctx, p.RepositoryID); err != nil {
		d.sendStoreError(env.RequestID, err)
		return
	}
	d.sendResult(env.RequestID, map[string]string{"repositoryId": p.RepositoryID})
}

func (d *dispatcher) repositoryList(ctx context.Context, env wire.Envelope) {
	var p struct {
		types.Scope
		IncludeArchived bool `json:"includeArchived"`
	}
	_ = decodeParams(env, &p)
	repos, err := d.g.store.ListRepositories(ctx, p.Scope, p.IncludeArchived)
	if err != nil {
		d.sendStoreError(env.RequestID, err)
		return
	}
	d.sendResult(env.RequestID, repos)
}

// --- task.* ---

func (d *dispatcher) taskCreate(ctx context.Context, env wire.Envelope) {
	var p types.Task
	if err := decodeParams(env, &p); err != nil {
		d.sendError(env.RequestID, codeValidation, err.Error())
		return
	}
	task, err := d.g.store.CreateTask(ctx, p)
	if err != nil {
		d.sendStoreError(env.RequestID, err)
		return
	}
	d.sendResult(env.RequestID, task)
}

func (d *dispatcher) taskTransition(ctx context.Context, env wire.Envelope, fn func(context.Context, string) error) {
	var p struct {
		TaskID string `json:"taskId"`
	}
	if err := decodeParams(env, &p); err != nil {
		d.sendError(env.RequestID, codeValidation, err.Error())
		return
	}
	if err := fn(ctx, p.TaskID); err != nil {
		d.sendStoreError(env.RequestID, err)
		return
	}
	d.sendResult(env.RequestID, map[string]string{"taskId": p.TaskID})
}

func (d *dispatcher) taskClaim(ctx context.Context, env wire.Envelope) {
	var p struct {
		TaskID        string `json:"taskId"`
		ControllerID  string `json:"controllerId"`
		DirectoryID   string `json:"directoryId"`
		BranchName    string `json:"branchName"`
		BaseBranch    string `json:"baseBranch"`
	}
	if err := decodeParams(env, &p); err != nil {
		d.sendError(env.RequestID, codeValidation, err.Error())
		return
	}
	if err := d.g.store.ClaimTask(ctx, p.TaskID, p.ControllerID, p.DirectoryID, p.BranchName, p.BaseBranch); err != nil {
		d.sendStoreError(env.RequestID, err)
		return
	}
	d.sendResult(env.RequestID, map[string]string{"taskId": p.TaskID})
}

func (d *dispatcher) taskDelete(ctx context.Context, env wire.Envelope) {
	var p struct {
		TaskID string `json:"taskId"`
	}
	if err := decodeParams(env, &p); err != nil {
		d.sendError(env.RequestID, codeValidation, err.Error())
		return
	}
	if err := d.g.store.DeleteTask(ctx, p.TaskID); err != nil {
		d.sendStoreError(env.RequestID, err)
		return
	}
	d.sendResult(env.RequestID, map[string]string{"taskId": p.TaskID})
}

func (d *dispatcher) taskReorder(ctx context.Context, env wire.Envelope) {
	var p struct {
		RepositoryID   string   `json:"repositoryId"`
		OrderedTaskIDs []string `json:"orderedTaskIds"`
	}
	if err := decodeParams(env, &p); err != nil {
		d.sendError(env.RequestID, codeValidation, err.Error())
		return
	}
	tasks, err := d.g.store.ReorderTasks(ctx, p.RepositoryID, p.OrderedTaskIDs)
	if err != nil {
		d.sendStoreError(env.RequestID, err)
		return
	}
	d.sendResult(env.RequestID, tasks)
}

func (d *dispatcher) taskList(ctx context.Context, env wire.Envelope) {
	var p struct {
		RepositoryID    string `json:"repositoryId"`
		IncludeArchived bool   `json:"includeArchived"`
	}
	if err := decodeParams(env, &p); err != nil {
		d.sendError(env.RequestID, codeValidation, err.Error())
		return
	}
	tasks, err := d.g.store.ListTasks(ctx, p.RepositoryID, p.IncludeArchived)
	if err != nil {
		d.sendStoreError(env.RequestID, err)
		return
	}
	d.sendResult(env.RequestID, tasks)
}

// --- pty.* ---

func (d *dispatcher) ptyStart(ctx context.Context, env wire.Envelope) {
	var p struct {
		types.Scope
		SessionID   string          `json:"sessionId"`
		DirectoryID string          `json:"directoryId"`
		AgentType   types.AgentType `json:"agentType"`
		Command     string          `json:"command"`
		Args        []string        `json:"args"`
		Env         []string        `json:"env"`
		Cols        int             `json:"cols"`
		Rows        int             `json:"rows"`
	}
	if err := decodeParams(env, &p); err != nil {
		d.sendError(env.RequestID, codeValidation, err.Error())
		return
	}
	if p.SessionID == "" {
		p.SessionID = uuid.NewString()
	}

	// Mint a per-session telemetry token and hand it to the child via
	// env, so OTLP exporters configured against the gateway's telemetry
	// listener can be bound back to this session (spec.md §4.5/§6.2).
	telemetryToken := uuid.NewString()
	childEnv := append(append([]string(nil), p.Env...), "HARNESS_TELEMETRY_TOKEN="+telemetryToken)

	plan := d.g.buildLaunchPlan(p.AgentType, p.Command, p.Args, telemetryToken)

	state, err := d.g.registry.Start(ctx, p.SessionID, p.DirectoryID, p.Scope, ptysession.StartOptions{
		Command: plan.Command,
		Args:    plan.Args,
		Env:     childEnv,
		Cols:    p.Cols,
		Rows:    p.Rows,
	})
	if err != nil {
		if errors.Is(err, registry.ErrSessionExists) {
			d.sendError(env.RequestID, codeConflict, err.Error())
			return
		}
		d.sendError(env.RequestID, codeUpstream, err.Error())
		return
	}
	d.g.ingestor.MintToken(telemetryToken, state.ID)

	extras := &sessionExtras{telemetryToken: telemetryToken}
	if p.AgentType == types.AgentCodex {
		poller := historypoll.New(d.g.historyFilePath(state.ID), 0, d.g.binder, d.g.log)
		extras.historyPoller = poller
		go poller.Run(context.Background())
	}
	d.g.registerSessionExtras(state.ID, extras)

	d.g.hooksD.Dispatch(context.Background(), trace.SpanFromContext(context.Background()), hooks.LifecycleEvent{
		Type:      "session.started",
		SessionID: state.ID,
	})

	d.sendResult(env.RequestID, state.Info())
}

func (d *dispatcher) ptyAttach(ctx context.Context, env wire.Envelope) {
	var p struct {
		SessionID    string `json:"sessionId"`
		SinceCursor  int64  `json:"sinceCursor"`
	}
	if err := decodeParams(env, &p); err != nil {
		d.sendError(env.RequestID, codeValidation, err.Error())
		return
	}
	attachmentID, ch, backlog, latestCursor, err := d.g.registry.Attach(p.SessionID, p.SinceCursor)
	if err != nil {
		d.sendError(env.RequestID, codeNotFound, err.Error())
		return
	}

	d.cs.mu.Lock()
	d.cs.attachments[attachmentID] = p.SessionID
	d.cs.mu.Unlock()

	go d.pumpOutput(p.SessionID, ch)

	d.sendResult(env.RequestID, struct {
		AttachmentID string                   `json:"attachmentId"`
		Backlog      []ptysession.OutputFrame `json:"backlog"`
		LatestCursor int64                    `json:"latestCursor"`
	}{AttachmentID: attachmentID, Backlog: backlog, LatestCursor: latestCursor})
}

// pumpOutput forwards one attachment's output frames as pty.output
// envelopes until the channel closes (session exit or Detach).
func (d *dispatcher) pumpOutput(sessionID string, ch <-chan ptysession.OutputFrame) {
	for frame := range ch {
		_ = d.cs.conn.Send(wire.Envelope{
			Kind:         wire.KindPtyOutput,
			SessionID:    sessionID,
			ChunkBase64:  base64.StdEncoding.EncodeToString(frame.Data),
			OutputCursor: frame.Cursor,
		})
	}
}

func (d *dispatcher) ptyDetach(_ context.Context, env wire.Envelope) {
	var p struct {
		SessionID    string `json:"sessionId"`
		AttachmentID string `json:"attachmentId"`
	}
	if err := decodeParams(env, &p); err != nil {
		d.sendError(env.RequestID, codeValidation, err.Error())
		return
	}
	d.g.registry.Detach(p.SessionID, p.AttachmentID)
	d.cs.mu.Lock()
	delete(d.cs.attachments, p.AttachmentID)
	d.cs.mu.Unlock()
	d.sendResult(env.RequestID, map[string]string{"attachmentId": p.AttachmentID})
}

func (d *dispatcher) ptyClose(ctx context.Context, env wire.Envelope) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodeParams(env, &p); err != nil {
		d.sendError(env.RequestID, codeValidation, err.Error())
		return
	}
	if err := d.g.registry.Signal(p.SessionID, ptysession.SignalTerminate); err != nil {
		d.sendError(env.RequestID, codeNotFound, err.Error())
		return
	}
	d.sendResult(env.RequestID, map[string]string{"sessionId": p.SessionID})
}

// --- session.* ---

func (d *dispatcher) sessionList(_ context.Context, env wire.Envelope) {
	infos := make([]registry.Info, 0)
	for _, s := range d.g.registry.List() {
		infos = append(infos, s.Info())
	}
	sortSessionsAttentionFirst(infos)
	d.sendResult(env.RequestID, infos)
}

// sortSessionsAttentionFirst implements spec.md §6.3's session.list
// ordering: needs-input first, then running, then everything else;
// within a bucket, lastEventAt desc (nulls last), then startedAt desc,
// then id asc — stable throughout.
func sortSessionsAttentionFirst(infos []registry.Info) {
	bucket := func(s types.RuntimeStatus) int {
		switch s {
		case types.StatusNeedsInput:
			return 0
		case types.StatusRunning:
			return 1
		default:
			return 2
		}
	}
	sort.SliceStable(infos, func(i, j int) bool {
		a, b := infos[i], infos[j]
		if ba, bb := bucket(a.Status), bucket(b.Status); ba != bb {
			return ba < bb
		}
		switch {
		case a.LastEventAt != nil && b.LastEventAt != nil && !a.LastEventAt.Equal(*b.LastEventAt):
			return a.LastEventAt.After(*b.LastEventAt)
		case a.LastEventAt != nil && b.LastEventAt == nil:
			return true
		case a.LastEventAt == nil && b.LastEventAt != nil:
			return false
		}
		if !a.StartedAt.Equal(b.StartedAt) {
			return a.StartedAt.After(b.StartedAt)
		}
		return a.ID < b.ID
	})
}

func (d *dispatcher) sessionStatus(_ context.Context, env wire.Envelope) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodeParams(env, &p); err != nil {
		d.sendError(env.RequestID, codeValidation, err.Error())
		return
	}
	state, ok := d.g.registry.Get(p.SessionID)
	if !ok {
		d.sendError(env.RequestID, codeNotFound, "no such session")
		return
	}
	d.sendResult(env.RequestID, state.Info())
}

func (d *dispatcher) sessionSnapshot(_ context.Context, env wire.Envelope) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodeParams(env, &p); err != nil {
		d.sendError(env.RequestID, codeValidation, err.Error())
		return
	}
	snap, ok := d.g.registry.TerminalSnapshot(p.SessionID)
	if !ok {
		d.sendError(env.RequestID, codeNotFound, "no such session or session has exited")
		return
	}
	d.sendResult(env.RequestID, snap)
}

func (d *dispatcher) sessionRespond(ctx context.Context, env wire.Envelope) {
	var p struct {
		SessionID string `json:"sessionId"`
		Text      string `json:"text"`
	}
	if err := decodeParams(env, &p); err != nil {
		d.sendError(env.RequestID, codeValidation, err.Error())
		return
	}
	if err := d.g.registry.CheckController(p.SessionID, d.cs.id); err != nil {
		d.sendError(env.RequestID, codeState, err.Error())
		return
	}
	if err := d.g.registry.Input(p.SessionID, []byte(p.Text)); err != nil {
		d.sendError(env.RequestID, codeUpstream, err.Error())
		return
	}
	_ = d.g.registry.NotifyUserInput(ctx, p.SessionID)
	d.sendResult(env.RequestID, map[string]string{"sessionId": p.SessionID})
}

func (d *dispatcher) sessionInterrupt(_ context.Context, env wire.Envelope) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodeParams(env, &p); err != nil {
		d.sendError(env.RequestID, codeValidation, err.Error())
		return
	}
	if err := d.g.registry.CheckController(p.SessionID, d.cs.id); err != nil {
		d.sendError(env.RequestID, codeState, err.Error())
		return
	}
	if err := d.g.registry.Signal(p.SessionID, ptysession.SignalInterrupt); err != nil {
		d.sendError(env.RequestID, codeUpstream, err.Error())
		return
	}
	d.sendResult(env.RequestID, map[string]string{"sessionId": p.SessionID})
}

func (d *dispatcher) sessionClaim(_ context.Context, env wire.Envelope) {
	var p struct {
		SessionID    string `json:"sessionId"`
		ControllerType string `json:"controllerType"`
		ControllerID string `json:"controllerId"`
		Takeover     bool   `json:"takeover"`
	}
	if err := decodeParams(env, &p); err != nil {
		d.sendError(env.RequestID, codeValidation, err.Error())
		return
	}
	err := d.g.registry.Claim(p.SessionID, registry.Controller{
		ConnectionID: d.cs.id,
		Type:         p.ControllerType,
		ID:           p.ControllerID,
	}, p.Takeover)
	if err != nil {
		if errors.Is(err, registry.ErrNoSuchSession) {
			d.sendError(env.RequestID, codeNotFound, err.Error())
			return
		}
		d.sendError(env.RequestID, codeConflict, err.Error())
		return
	}
	d.sendResult(env.RequestID, map[string]string{"sessionId": p.SessionID})
}

func (d *dispatcher) sessionRelease(_ context.Context, env wire.Envelope) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodeParams(env, &p); err != nil {
		d.sendError(env.RequestID, codeValidation, err.Error())
		return
	}
	released, err := d.g.registry.Release(p.SessionID, d.cs.id)
	if err != nil {
		d.sendError(env.RequestID, codeNotFound, err.Error())
		return
	}
	d.sendResult(env.RequestID, map[string]bool{"released": released})
}

func (d *dispatcher) sessionRemove(_ context.Context, env wire.Envelope) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodeParams(env, &p); err != nil {
		d.sendError(env.RequestID, codeValidation, err.Error())
		return
	}
	if err := d.g.registry.Remove(p.SessionID); err != nil {
		if errors.Is(err, registry.ErrNoSuchSession) {
			d.sendError(env.RequestID, codeNotFound, err.Error())
			return
		}
		d.sendError(env.RequestID, codeState, err.Error())
		return
	}
	d.sendResult(env.RequestID, map[string]string{"sessionId": p.SessionID})
}

// --- stream.* ---

func (d *dispatcher) streamSubscribe(_ context.Context, env wire.Envelope) {
	var p struct {
		Filter      types.ScopeFilter `json:"filter"`
		AfterCursor int64             `json:"afterCursor"`
		BufferSize  int               `json:"bufferSize"`
	}
	if err := decodeParams(env, &p); err != nil {
		d.sendError(env.RequestID, codeValidation, err.Error())
		return
	}

	subID := uuid.NewString()
	ch, replay := d.g.bus.Subscribe(subID, p.Filter, p.AfterCursor, p.BufferSize)

	d.cs.mu.Lock()
	d.cs.subscriptions[subID] = struct{}{}
	d.cs.mu.Unlock()

	go d.pumpEvents(subID, ch)

	for _, evt := range replay {
		d.sendStreamEvent(subID, evt)
	}
	d.sendResult(env.RequestID, map[string]string{"subscriptionId": subID})
}

func (d *dispatcher) pumpEvents(subID string, ch <-chan types.Event) {
	for evt := range ch {
		d.sendStreamEvent(subID, evt)
	}
}

func (d *dispatcher) sendStreamEvent(subID string, evt types.Event) {
	raw, err := json.Marshal(evt)
	if err != nil {
		return
	}
	_ = d.cs.conn.Send(wire.Envelope{
		Kind:           wire.KindStreamEvent,
		SubscriptionID: subID,
		Cursor:         evt.Cursor,
		Event:          raw,
	})
}

func (d *dispatcher) streamUnsubscribe(_ context.Context, env wire.Envelope) {
	var p struct {
		SubscriptionID string `json:"subscriptionId"`
	}
	if err := decodeParams(env, &p); err != nil {
		d.sendError(env.RequestID, codeValidation, err.Error())
		return
	}
	d.g.bus.Unsubscribe(p.SubscriptionID)
	d.cs.mu.Lock()
	delete(d.cs.subscriptions, p.SubscriptionID)
	d.cs.mu.Unlock()
	d.sendResult(env.RequestID, map[string]string{"subscriptionId": p.SubscriptionID})
}
