// Package respproc is the single consumer of parsed SessionResponses: it
// drives state transitions on notify records, completes pending commands
// on result records, and republishes the records it accepts — with local
// ids rewritten to global ones — on its internal bus for the
// orchestrator's console printer and session activity log to consume.
// Results for untracked tokens and notify records whose state transition
// fails are not republished.
package respproc

import (
	"log"
	"strconv"
	"strings"

	"github.com/usc-nsl/ddb/internal/protocol"
	"github.com/usc-nsl/ddb/internal/state"
	"github.com/usc-nsl/ddb/internal/tracker"
)

// Processor is the single consumer task described in spec.md §4.E.
type Processor struct {
	state   *state.Manager
	tracker *tracker.Tracker
	bus     *Bus

	// OnSessionExit is invoked when a "stopped" record's reason contains
	// "exit" — the orchestrator removes the session in response (S5).
	OnSessionExit func(sid int)
}

// New returns a response processor wired to mgr and trk, publishing
// translated echoes on bus.
func New(mgr *state.Manager, trk *tracker.Tracker, bus *Bus) *Processor {
	return &Processor{state: mgr, tracker: trk, bus: bus}
}

// Run consumes in until it closes or done is closed.
func (p *Processor) Run(in <-chan protocol.SessionResponse, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case resp, ok := <-in:
			if !ok {
				return
			}
			p.handle(resp)
		}
	}
}

func (p *Processor) handle(resp protocol.SessionResponse) {
	switch resp.Type {
	case "result":
		p.handleResult(resp)
	case "notify":
		p.handleNotify(resp)
	default:
		p.bus.Publish(resp)
	}
}

// handleResult forwards to the tracker; an unmatched token means either a
// configure-phase reply nobody is tracking, or a response that arrived
// after its CmdMeta already completed/was forgotten — both dropped
// silently per the ShutdownRace/untracked-reply policy.
func (p *Processor) handleResult(resp protocol.SessionResponse) {
	if resp.Token == "" {
		p.bus.Publish(resp)
		return
	}
	if _, completed, known := p.tracker.RecvResponse(resp); known {
		if completed {
			log.Printf("[respproc] cmd token=%s complete", resp.Token)
		}
		p.bus.Publish(resp)
		return
	}
	log.Printf("[respproc] dropping result for untracked/expired token=%s sid=%d", resp.Token, resp.Sid)
}

// handleNotify drives the state machine transitions of spec.md §4.E's
// table, then republishes the record with every id field in Payload
// rewritten from local to global.
func (p *Processor) handleNotify(resp protocol.SessionResponse) {
	sid := resp.Sid
	switch resp.Message {
	case "thread-group-added":
		id := resp.String("id")
		if _, err := p.state.AddThreadGroup(sid, id); err != nil {
			log.Printf("[respproc] thread-group-added sid=%d id=%s: %v", sid, id, err)
			return
		}

	case "thread-group-started":
		id := resp.String("id")
		pid, _ := strconv.Atoi(resp.String("pid"))
		if err := p.state.StartThreadGroup(sid, id, pid); err != nil {
			log.Printf("[respproc] thread-group-started sid=%d id=%s: %v", sid, id, err)
			return
		}

	case "thread-group-exited", "thread-group-removed":
		id := resp.String("id")
		if _, err := p.state.ExitThreadGroup(sid, id); err != nil {
			log.Printf("[respproc] %s sid=%d id=%s: %v", resp.Message, sid, id, err)
			return
		}

	case "thread-created":
		id, _ := strconv.Atoi(resp.String("id"))
		groupID := resp.String("group-id")
		gtid, giid, err := p.state.CreateThread(sid, id, groupID)
		if err != nil {
			log.Printf("[respproc] thread-created sid=%d id=%d: %v", sid, id, err)
			return
		}
		resp.Payload = map[string]any{"id": strconv.FormatUint(gtid, 10), "group-id": strconv.FormatUint(giid, 10)}

	case "thread-exited":
		id, _ := strconv.Atoi(resp.String("id"))
		gtid, _ := p.state.GetGtid(sid, id)
		groupID := resp.String("group-id")
		giid, _ := p.state.GetGiid(sid, groupID)
		p.state.RemoveThread(sid, id)
		resp.Payload = map[string]any{"id": strconv.FormatUint(gtid, 10), "group-id": strconv.FormatUint(giid, 10)}

	case "running":
		p.handleRunning(sid, resp)

	case "stopped":
		p.handleStopped(sid, resp)
	}

	p.bus.Publish(resp)
}

func (p *Processor) handleRunning(sid int, resp protocol.SessionResponse) {
	if tidStr := resp.String("thread-id"); tidStr != "" && tidStr != "all" {
		tid, _ := strconv.Atoi(tidStr)
		if err := p.state.UpdateThreadStatus(sid, tid, state.ThreadRunning); err != nil {
			log.Printf("[respproc] running sid=%d tid=%d: %v", sid, tid, err)
		}
	} else {
		_ = p.state.UpdateAllThreadStatus(sid, state.ThreadRunning)
	}
}

// handleStopped implements S3/S5: an exit reason removes the session;
// otherwise the stopped thread(s) transition, and a breakpoint hit also
// sets the session's current thread and the global selected thread.
func (p *Processor) handleStopped(sid int, resp protocol.SessionResponse) {
	reason := resp.String("reason")
	if strings.Contains(reason, "exit") {
		if p.OnSessionExit != nil {
			p.OnSessionExit(sid)
		}
		return
	}

	if listVal, ok := resp.Value("stopped-threads"); ok {
		if list, ok := listVal.([]any); ok {
			for _, v := range list {
				if tidStr, ok := v.(string); ok {
					tid, _ := strconv.Atoi(tidStr)
					_ = p.state.UpdateThreadStatus(sid, tid, state.ThreadStopped)
				}
			}
		} else if s, ok := listVal.(string); ok && s == "all" {
			_ = p.state.UpdateAllThreadStatus(sid, state.ThreadStopped)
		}
	} else if tidStr := resp.String("thread-id"); tidStr != "" {
		tid, _ := strconv.Atoi(tidStr)
		_ = p.state.UpdateThreadStatus(sid, tid, state.ThreadStopped)
	} else {
		_ = p.state.UpdateAllThreadStatus(sid, state.ThreadStopped)
	}

	if reason == "breakpoint-hit" {
		if tidStr := resp.String("thread-id"); tidStr != "" {
			tid, _ := strconv.Atoi(tidStr)
			_ = p.state.SetCurrentTid(sid, tid)
			if gtid, err := p.state.GetGtid(sid, tid); err == nil {
				_ = p.state.SetCurrentGthread(gtid)
			}
		}
	}
}
