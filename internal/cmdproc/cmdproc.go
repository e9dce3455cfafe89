// Package cmdproc parses a raw user command, resolves its routing flags,
// and dispatches it through a handler specialized for that command's MI
// verb. Grounded on original_source/ddb/ddb/cmd_processor.py.
package cmdproc

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/usc-nsl/ddb/internal/ddberr"
	"github.com/usc-nsl/ddb/internal/protocol"
	"github.com/usc-nsl/ddb/internal/router"
	"github.com/usc-nsl/ddb/internal/state"
	"github.com/usc-nsl/ddb/internal/tracker"
)

// readyPollInterval is how often SendCommand rechecks readiness while
// waiting for every session to finish its handshake.
const readyPollInterval = 500 * time.Millisecond

// parentStoppedPollInterval is the remote-backtrace handler's busy-wait
// interval while it waits for a parent session's first thread to stop
// before hot-swapping its register context.
const parentStoppedPollInterval = 100 * time.Millisecond

// HandlerFunc specializes how one command prefix is routed. It receives
// the SingleCommand with its token assigned and its routing flags already
// resolved into ThreadID/SessionID (which the handler may override), and
// returns the CmdMeta to await, if any.
type HandlerFunc func(ctx context.Context, p *Processor, cmd protocol.SingleCommand) (*tracker.CmdMeta, error)

// Processor owns the command-prefix → handler registry and the shared
// remote-backtrace lock.
type Processor struct {
	router *router.Router
	state  *state.Manager
	out    chan<- protocol.SessionResponse

	gen      tracker.TokenGenerator
	handlers map[string]HandlerFunc

	remoteBtLock sync.Mutex

	// DetectDeadlocks enables the remote-backtrace handler's wait-for-graph
	// cycle check over each hop's "-get-lock-state" reply. Off by default,
	// matching original_source's ENABLE_DEADLOCK_DETECTION.
	DetectDeadlocks bool
}

// New returns a command processor with the default handler registry wired
// per original_source's CommandProcessor.__init__.
func New(r *router.Router, mgr *state.Manager, out chan<- protocol.SessionResponse) *Processor {
	p := &Processor{router: r, state: mgr, out: out}
	p.handlers = map[string]HandlerFunc{
		"-break-insert":       breakInsertHandler,
		"-thread-info":        threadInfoHandler,
		"-exec-continue":      continueHandler,
		"-exec-interrupt":     interruptHandler,
		"-file-list-lines":    listHandler,
		"-thread-select":      threadSelectHandler,
		"-bt-remote":          remoteBacktraceHandler,
		"-list-thread-groups": listGroupsHandler,
	}
	return p
}

// RegisterHandler lets callers add or override a handler for a set of
// command prefixes — e.g. an orchestrator plugin adding a new verb.
func (p *Processor) RegisterHandler(prefixes []string, h HandlerFunc) {
	for _, prefix := range prefixes {
		p.handlers[prefix] = h
	}
}

// SendCommand is the single entry point the REPL and any remote command
// source call. It blocks until every session is ready, resolves routing
// flags, and dispatches to the prefix's handler (or the base fan-out rule
// if none is registered).
func (p *Processor) SendCommand(ctx context.Context, raw string) (*tracker.CmdMeta, error) {
	for !p.router.AllReady() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(readyPollInterval):
		}
	}

	cmdNoToken, token, origin := p.router.PrependToken(strings.TrimSpace(raw))
	parts := strings.Fields(cmdNoToken)
	if len(parts) == 0 {
		return nil, nil
	}
	prefix := parts[0]

	rewritten, threadID, sessionID := p.parseRouting(cmdNoToken)
	cmd := protocol.SingleCommand{
		Token: token, OriginToken: origin, CommandNoToken: rewritten,
		ThreadID: threadID, SessionID: sessionID,
	}

	if handler, ok := p.handlers[prefix]; ok {
		return handler(ctx, p, cmd)
	}
	return p.dispatch(cmd)
}

// parseRouting strips --session (always) and resolves the thread target
// from a trailing --all, a --thread <gtid> (rewritten in place to the
// local tid so GDB's own --thread option still works), or the current
// selection as a fallback. --session takes precedence over thread routing
// at dispatch time regardless of evaluation order here.
func (p *Processor) parseRouting(cmdNoToken string) (rewritten string, threadID int64, sessionID int) {
	parts := strings.Fields(cmdNoToken)
	if len(parts) == 0 {
		return cmdNoToken, 0, 0
	}

	switch {
	case len(parts) >= 2 && parts[len(parts)-1] == "--all":
		threadID = protocol.BroadcastThread
		parts = parts[:len(parts)-1]
	case indexOf(parts, "--thread") >= 0 && indexOf(parts, "--thread") < len(parts)-1:
		idx := indexOf(parts, "--thread")
		gtid, err := strconv.ParseUint(parts[idx+1], 10, 64)
		if err == nil {
			if _, tid, err := p.state.GetSidTidByGtid(gtid); err == nil {
				threadID = int64(gtid)
				parts[idx+1] = strconv.Itoa(tid)
			}
		}
	default:
		if gtid, ok := p.state.GetCurrentGthread(); ok {
			threadID = int64(gtid)
		}
	}

	if idx := indexOf(parts, "--session"); idx >= 0 && idx < len(parts)-1 {
		if sid, err := strconv.Atoi(parts[idx+1]); err == nil {
			sessionID = sid
			parts = append(parts[:idx], parts[idx+2:]...)
		}
	}

	return strings.Join(parts, " "), threadID, sessionID
}

func indexOf(parts []string, needle string) int {
	for i, p := range parts {
		if p == needle {
			return i
		}
	}
	return -1
}

// dispatch is the base routing rule every handler falls through to once it
// has resolved ThreadID/SessionID: an explicit session wins, then
// broadcast, then a specific thread, then the first registered session.
func (p *Processor) dispatch(cmd protocol.SingleCommand) (*tracker.CmdMeta, error) {
	switch {
	case cmd.SessionID != 0:
		return p.router.SendToSession(cmd.Token, cmd.SessionID, cmd.CommandNoToken, cmd.Transformer)
	case cmd.ThreadID == protocol.BroadcastThread:
		return p.router.Broadcast(cmd.Token, cmd.CommandNoToken, cmd.Transformer), nil
	case cmd.ThreadID == 0:
		return p.router.SendToFirst(cmd.Token, cmd.CommandNoToken, cmd.Transformer)
	default:
		return p.router.SendToThread(cmd.Token, uint64(cmd.ThreadID), cmd.CommandNoToken, cmd.Transformer)
	}
}

func breakInsertHandler(_ context.Context, p *Processor, cmd protocol.SingleCommand) (*tracker.CmdMeta, error) {
	cmd.ThreadID = protocol.BroadcastThread
	return p.dispatch(cmd)
}

func threadInfoHandler(_ context.Context, p *Processor, cmd protocol.SingleCommand) (*tracker.CmdMeta, error) {
	cmd.ThreadID = protocol.BroadcastThread
	cmd.Transformer = &ThreadInfoTransformer{State: p.state}
	return p.dispatch(cmd)
}

func listGroupsHandler(_ context.Context, p *Processor, cmd protocol.SingleCommand) (*tracker.CmdMeta, error) {
	cmd.ThreadID = protocol.BroadcastThread
	cmd.Transformer = &ProcessGroupTransformer{State: p.state}
	return p.dispatch(cmd)
}

// listHandler hardcodes session 1, matching original_source's
// ListCmdHandler (-file-list-lines always targets the first session
// regardless of routing flags).
func listHandler(_ context.Context, p *Processor, cmd protocol.SingleCommand) (*tracker.CmdMeta, error) {
	cmd.SessionID = 1
	return p.dispatch(cmd)
}

// threadSelectHandler resolves the trailing gtid argument to a (sid, tid)
// pair and rewrites the command to the session-local tid, then routes
// straight to that session — the thread is already named explicitly in
// the command text, so this skips the extra "-thread-select" prefix
// SendToThread would otherwise add.
func threadSelectHandler(_ context.Context, p *Processor, cmd protocol.SingleCommand) (*tracker.CmdMeta, error) {
	parts := strings.Fields(cmd.CommandNoToken)
	if len(parts) > 1 {
		if gtid, err := strconv.ParseUint(parts[len(parts)-1], 10, 64); err == nil {
			if sid, tid, err := p.state.GetSidTidByGtid(gtid); err == nil {
				cmd.ThreadID = int64(gtid)
				cmd.SessionID = sid
				cmd.CommandNoToken = fmt.Sprintf("-thread-select %d", tid)
			}
		}
	}
	return p.dispatch(cmd)
}

// interruptHandler targets the first session with a running thread, per
// original_source's InterruptCmdHandler — a no-op if nothing is running.
func interruptHandler(_ context.Context, p *Processor, cmd protocol.SingleCommand) (*tracker.CmdMeta, error) {
	for _, sid := range p.state.Sids() {
		meta := p.state.SessionMeta(sid)
		if meta == nil {
			continue
		}
		for _, tid := range meta.ThreadIDs() {
			if status, ok := meta.ThreadStatus(tid); ok && status == state.ThreadRunning {
				cmd.SessionID = sid
				return p.dispatch(cmd)
			}
		}
	}
	return nil, nil
}

// continueHandler restores any session whose register context was
// hot-swapped by a remote backtrace before letting -exec-continue run,
// mirroring original_source's ContinueCmdHandler.
func continueHandler(ctx context.Context, p *Processor, cmd protocol.SingleCommand) (*tracker.CmdMeta, error) {
	cmd.ThreadID = protocol.BroadcastThread
	for _, sid := range p.state.Sids() {
		if err := p.restoreCustomContext(ctx, sid); err != nil {
			return nil, err
		}
	}
	return p.dispatch(cmd)
}

// restoreCustomContext writes back sid's saved register context if it's
// currently in a hot-swapped context, clearing the flag on success.
func (p *Processor) restoreCustomContext(ctx context.Context, sid int) error {
	p.remoteBtLock.Lock()
	defer p.remoteBtLock.Unlock()

	inCustom, saved, err := p.state.GetCustomContext(sid)
	if err != nil || !inCustom || saved == nil {
		return nil
	}

	token := p.router.Tracker().DedupToken(p.gen.Next())
	cmdText := fmt.Sprintf("-switch-context-custom %s", formatCtxSwitchArgs(saved.Registers))
	meta, err := p.router.SendToThread(token, saved.ThreadID, cmdText, protocol.NullTransformer{})
	if err != nil {
		return err
	}
	resps, err := meta.Wait(ctx)
	if err != nil {
		return err
	}
	if len(resps) != 1 || resps[0].String("message") != "success" {
		return &ddberr.Protocol{Command: "-switch-context-custom", Reason: "context restore failed"}
	}
	return p.state.SetCustomContext(sid, false, nil)
}

// remoteBacktraceHandler kicks off the cross-process backtrace walk and
// always emits whatever it collected, even on a mid-walk error — matching
// original_source's try/finally that prints the aggregated result
// unconditionally.
func remoteBacktraceHandler(ctx context.Context, p *Processor, cmd protocol.SingleCommand) (*tracker.CmdMeta, error) {
	p.remoteBacktrace(ctx, cmd)
	return nil, nil
}

type remoteMeta struct {
	Message   string
	CallerCtx map[string]uint64 // pc/sp/fp/lr register snapshot, architecture-agnostic aliases
	Tag       string            // "<ip>:-<pid>", per spec.md's session tag format
}

// ctxAliasOrder lists the architecture-agnostic register aliases
// -switch-context-custom accepts, in the order the extension's
// valid_aliases check uses (x86_64 has no lr; aarch64 does).
var ctxAliasOrder = []string{"pc", "sp", "fp", "lr"}

// extractRemoteMeta reads -get-remote-bt's reply. Register values live
// under metadata.caller_ctx, keyed by alias (pc/sp/fp/lr) rather than any
// concrete architecture's register names; metadata.caller_meta carries
// the parent session's identifying ip/pid for tag lookup.
func extractRemoteMeta(payload map[string]any) remoteMeta {
	metadata, _ := payload["metadata"].(map[string]any)
	callerCtx, _ := metadata["caller_ctx"].(map[string]any)
	callerMeta, _ := metadata["caller_meta"].(map[string]any)
	return remoteMeta{
		Message:   fmt.Sprint(payload["message"]),
		CallerCtx: parseRegisterStrings(callerCtx),
		Tag:       fmt.Sprintf("%v:-%v", callerMeta["ip"], callerMeta["pid"]),
	}
}

// parseRegisterStrings converts a payload's nested register-alias map
// (string leaves, per the MI payload contract) to numeric values.
func parseRegisterStrings(m map[string]any) map[string]uint64 {
	out := make(map[string]uint64, len(m))
	for alias, v := range m {
		s, _ := v.(string)
		if s == "" {
			continue
		}
		if n, err := strconv.ParseUint(s, 0, 64); err == nil {
			out[alias] = n
		}
	}
	return out
}

// oldCtx extracts the nested old_ctx map a successful
// -switch-context-custom reply returns: the register values it
// overwrote, keyed by the same aliases that were passed in.
func oldCtx(payload map[string]any) map[string]any {
	m, _ := payload["old_ctx"].(map[string]any)
	return m
}

// formatCtxSwitchArgs renders regs as -switch-context-custom's argument
// text: "alias=val" pairs, space separated, skipping any alias that's
// absent or zero — mirrors original_source's prepare_ctx_switch_args.
func formatCtxSwitchArgs(regs map[string]uint64) string {
	var parts []string
	for _, alias := range ctxAliasOrder {
		if v, ok := regs[alias]; ok && v != 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", alias, v))
		}
	}
	return strings.Join(parts, " ")
}

func annotateFrames(payload map[string]any, sid int, gtid int64) {
	stack, _ := payload["stack"].([]any)
	for _, f := range stack {
		if frame, ok := f.(map[string]any); ok {
			frame["session"] = sid
			frame["thread"] = gtid
		}
	}
}

func extendStack(dst, src map[string]any) {
	dstStack, _ := dst["stack"].([]any)
	srcStack, _ := src["stack"].([]any)
	dst["stack"] = append(dstStack, srcStack...)
}

// remoteBacktrace implements spec.md §4.H: walk the caller chain one
// cross-process hop at a time, resolving each parent session by its tag,
// hot-swapping its register context to the caller frame, and collecting
// every session's local stack into one merged frame list.
func (p *Processor) remoteBacktrace(ctx context.Context, cmd protocol.SingleCommand) {
	if cmd.ThreadID == 0 {
		return
	}

	var aggregated []map[string]any
	defer func() {
		if p.out == nil {
			return
		}
		p.out <- protocol.SessionResponse{
			Type: "console", Stream: "stdout", Message: "remote-backtrace",
			Payload: map[string]any{"frames": aggregated},
		}
	}()

	currentSid, currentTid, err := p.state.GetSidTidByGtid(uint64(cmd.ThreadID))
	if err != nil {
		log.Printf("[cmdproc] remote-bt: %v", err)
		return
	}

	detector := newDeadlockDetector()
	var callChain []string
	defer func() {
		if !p.DetectDeadlocks || len(callChain) < 2 {
			return
		}
		detector.addCallChain(callChain)
		if detector.detect() {
			log.Printf("[cmdproc] remote-bt: deadlock detected, call chain %v", callChain)
		}
	}()
	if p.DetectDeadlocks {
		if tag, ok := p.collectLockState(ctx, detector, currentSid, currentTid); ok {
			callChain = append(callChain, tag)
		}
	}

	firstToken := p.router.Tracker().DedupToken(p.gen.Next())
	firstMeta, err := p.router.SendToSession(firstToken, currentSid, fmt.Sprintf("-stack-list-frames --thread %d", currentTid), protocol.NullTransformer{})
	if err != nil {
		log.Printf("[cmdproc] remote-bt: %v", err)
		return
	}
	firstResps, err := firstMeta.Wait(ctx)
	if err != nil || len(firstResps) != 1 {
		log.Printf("[cmdproc] remote-bt: initial stack fetch failed: %v", err)
		return
	}
	firstPayload := firstResps[0].Payload
	annotateFrames(firstPayload, currentSid, cmd.ThreadID)
	aggregated = append(aggregated, firstPayload)

	btToken := p.router.Tracker().DedupToken(p.gen.Next())
	btMeta, err := p.router.SendToThread(btToken, uint64(cmd.ThreadID), "-get-remote-bt", protocol.NullTransformer{})
	if err != nil {
		log.Printf("[cmdproc] remote-bt: %v", err)
		return
	}
	btResps, err := btMeta.Wait(ctx)
	if err != nil || len(btResps) != 1 {
		log.Printf("[cmdproc] remote-bt: -get-remote-bt failed: %v", err)
		return
	}
	parent := extractRemoteMeta(btResps[0].Payload)

	for parent.Message == "success" {
		parentSid, err := p.state.GetSessionByTag(parent.Tag)
		if err != nil {
			log.Printf("[cmdproc] remote-bt: no session for tag %q: %v", parent.Tag, err)
			break
		}
		candidates := p.state.GetGtidsBySid(parentSid)
		if len(candidates) == 0 {
			log.Printf("[cmdproc] remote-bt: session %d has no live threads", parentSid)
			break
		}
		chosenGtid := candidates[0]

		if !p.hotSwapParentContext(ctx, parentSid, chosenGtid, parent) {
			break
		}
		if _, saved, err := p.state.GetCustomContext(parentSid); err == nil && saved != nil {
			chosenGtid = saved.ThreadID
		}
		if p.DetectDeadlocks {
			if _, parentTid, err := p.state.GetSidTidByGtid(chosenGtid); err == nil {
				if tag, ok := p.collectLockState(ctx, detector, parentSid, parentTid); ok {
					callChain = append(callChain, tag)
				}
			}
		}

		btToken2 := p.router.Tracker().DedupToken(p.gen.Next())
		btMeta2, err := p.router.SendToThread(btToken2, chosenGtid, "-get-remote-bt", protocol.NullTransformer{})
		if err != nil {
			log.Printf("[cmdproc] remote-bt: %v", err)
			break
		}
		btResps2, err := btMeta2.Wait(ctx)
		if err != nil || len(btResps2) != 1 {
			log.Printf("[cmdproc] remote-bt: parent -get-remote-bt failed: %v", err)
			break
		}

		stackToken := p.router.Tracker().DedupToken(p.gen.Next())
		stackMeta, err := p.router.SendToThread(stackToken, chosenGtid, "-stack-list-frames", protocol.NullTransformer{})
		if err != nil {
			log.Printf("[cmdproc] remote-bt: %v", err)
			break
		}
		stackResps, err := stackMeta.Wait(ctx)
		if err != nil || len(stackResps) != 1 {
			log.Printf("[cmdproc] remote-bt: parent stack fetch failed: %v", err)
			break
		}
		parentPayload := stackResps[0].Payload
		annotateFrames(parentPayload, parentSid, int64(chosenGtid))
		aggregated = append(aggregated, parentPayload)
		extendStack(firstPayload, parentPayload)

		parent = extractRemoteMeta(btResps2[0].Payload)
	}
}

// collectLockState issues "-get-lock-state" against (sid, tid), folds the
// reply into d, and returns the "tag:tid" node identifying this hop in the
// call chain. Only called when p.DetectDeadlocks is set.
func (p *Processor) collectLockState(ctx context.Context, d *deadlockDetector, sid, tid int) (string, bool) {
	tag, err := p.state.GetTagBySid(sid)
	if err != nil {
		log.Printf("[cmdproc] lock-state: no tag for sid %d: %v", sid, err)
		return "", false
	}
	token := p.router.Tracker().DedupToken(p.gen.Next())
	meta, err := p.router.SendToSession(token, sid, "-get-lock-state", protocol.NullTransformer{})
	if err != nil {
		log.Printf("[cmdproc] lock-state: %v", err)
		return "", false
	}
	resps, err := meta.Wait(ctx)
	if err != nil || len(resps) != 1 {
		log.Printf("[cmdproc] lock-state: -get-lock-state failed: %v", err)
		return "", false
	}
	d.addData(tag, resps[0].Payload)
	return fmt.Sprintf("%s:%d", tag, tid), true
}

// hotSwapParentContext waits for the parent session's first thread to
// stop, then issues -switch-context-custom onto chosenGtid and records the
// saved context, unless the session is already hot-swapped. Returns false
// on any failure so the caller aborts the walk.
func (p *Processor) hotSwapParentContext(ctx context.Context, parentSid int, chosenGtid uint64, parent remoteMeta) bool {
	p.remoteBtLock.Lock()
	defer p.remoteBtLock.Unlock()

	inCustom, _, err := p.state.GetCustomContext(parentSid)
	if err != nil {
		log.Printf("[cmdproc] remote-bt: %v", err)
		return false
	}
	if inCustom {
		return true
	}

	for {
		meta := p.state.SessionMeta(parentSid)
		if meta == nil {
			return false
		}
		if status, ok := meta.ThreadStatus(1); ok && status == state.ThreadStopped {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(parentStoppedPollInterval):
		}
	}

	token := p.router.Tracker().DedupToken(p.gen.Next())
	cmdText := fmt.Sprintf("-switch-context-custom %s", formatCtxSwitchArgs(parent.CallerCtx))
	meta, err := p.router.SendToThread(token, chosenGtid, cmdText, protocol.NullTransformer{})
	if err != nil {
		log.Printf("[cmdproc] remote-bt: %v", err)
		return false
	}
	resps, err := meta.Wait(ctx)
	if err != nil || len(resps) != 1 || resps[0].String("message") != "success" {
		log.Printf("[cmdproc] remote-bt: context switch failed: %v", err)
		return false
	}

	saved := &state.ThreadContext{
		Registers: parseRegisterStrings(oldCtx(resps[0].Payload)),
		ThreadID:  chosenGtid,
	}
	if err := p.state.SetCustomContext(parentSid, true, saved); err != nil {
		log.Printf("[cmdproc] remote-bt: %v", err)
		return false
	}
	return true
}
