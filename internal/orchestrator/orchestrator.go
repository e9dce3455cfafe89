// Package orchestrator wires every other package into one running
// aggregator: from an already-parsed config it starts the configured
// sessions on a bounded worker pool, wires the discovery listener and
// status endpoint,
// and runs the REPL that feeds user commands to the command processor.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"
	"golang.org/x/sync/semaphore"

	"github.com/usc-nsl/ddb/internal/cmdproc"
	"github.com/usc-nsl/ddb/internal/config"
	"github.com/usc-nsl/ddb/internal/discovery"
	"github.com/usc-nsl/ddb/internal/protocol"
	"github.com/usc-nsl/ddb/internal/respproc"
	"github.com/usc-nsl/ddb/internal/router"
	"github.com/usc-nsl/ddb/internal/session"
	"github.com/usc-nsl/ddb/internal/sessionlog"
	"github.com/usc-nsl/ddb/internal/state"
	"github.com/usc-nsl/ddb/internal/status"
	"github.com/usc-nsl/ddb/internal/tracker"
	"github.com/usc-nsl/ddb/internal/transport"
)

// startupConcurrency bounds how many sessions start their handshake at
// once, per SPEC_FULL.md §5's worker-pool note.
const startupConcurrency = 5

// Orchestrator owns the full set of live packages for one debugging run.
type Orchestrator struct {
	cfg *config.Config

	mgr    *state.Manager
	trk    *tracker.Tracker
	rt     *router.Router
	bus    *respproc.Bus
	proc   *respproc.Processor
	cmdp   *cmdproc.Processor
	logs   *sessionlog.Registry
	respCh chan protocol.SessionResponse

	mu       sync.Mutex
	sessions map[int]*session.Session
	nextSid  int

	discoveryListener *discovery.Listener
	statusServer      *status.Server

	shutdownOnce sync.Once
}

// New wires every package together from a parsed Config. logDir is where
// per-session activity logs are written.
func New(cfg *config.Config, logDir string) *Orchestrator {
	mgr := state.New()
	trk := tracker.New()
	rt := router.New(mgr, trk)
	bus := respproc.NewBus()
	proc := respproc.New(mgr, trk, bus)

	o := &Orchestrator{
		cfg:      cfg,
		mgr:      mgr,
		trk:      trk,
		rt:       rt,
		bus:      bus,
		proc:     proc,
		logs:     sessionlog.NewRegistry(logDir),
		respCh:   make(chan protocol.SessionResponse, 256),
		sessions: make(map[int]*session.Session),
	}
	o.proc.OnSessionExit = o.removeSession
	o.cmdp = cmdproc.New(rt, mgr, o.respCh)
	return o
}

// Run starts the response processor, every configured session (bounded
// concurrency), the discovery listener if configured, and the status
// endpoint, then blocks in the REPL until the user exits.
// Returns the process exit code per spec.md §6 (0 normal, 130 interrupt).
func (o *Orchestrator) Run(ctx context.Context) int {
	done := make(chan struct{})
	go o.proc.Run(o.respCh, done)
	defer close(done)

	go o.consumeBus(o.bus.NewTap())

	if err := o.startConfiguredSessions(ctx); err != nil {
		log.Printf("[orchestrator] session startup error: %v", err)
	}

	if o.cfg.Broker != nil {
		l, err := discovery.Listen(o.cfg.Broker.Hostname, o.cfg.Broker.Port, o.onDiscoveredService)
		if err != nil {
			log.Printf("[orchestrator] discovery listener disabled: %v", err)
		} else {
			o.discoveryListener = l
			go l.Run(ctx)
		}
	}

	o.statusServer = status.New(o.mgr)
	go func() {
		if err := o.statusServer.Start(ctx, ":0"); err != nil {
			log.Printf("[orchestrator] status server stopped: %v", err)
		}
	}()

	code := o.repl(ctx)
	o.Shutdown()
	return code
}

// startConfiguredSessions launches one session per Components[] entry
// concurrently, bounded by a weighted semaphore — the pattern the network
// daemon teacher uses for bounded concurrent I/O (SPEC_FULL.md §5).
func (o *Orchestrator) startConfiguredSessions(ctx context.Context) error {
	sem := semaphore.NewWeighted(startupConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, comp := range o.cfg.Components {
		comp := comp
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			if comp.RunDelay > 0 {
				time.Sleep(time.Duration(comp.RunDelay) * time.Second)
			}
			if err := o.startSessionFromComponent(ctx, comp); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				log.Printf("[orchestrator] failed to start session %q: %v", comp.Tag, err)
			}
		}()
	}
	wg.Wait()
	return firstErr
}

func (o *Orchestrator) startSessionFromComponent(ctx context.Context, comp config.Component) error {
	startMode := state.StartBinary
	if comp.StartMode == "attach" {
		startMode = state.StartAttach
	}
	mode := state.ModeLocal
	if comp.Mode == "remote" {
		mode = state.ModeRemote
	}

	var tr transport.Transport
	commandLine := []string{"gdb", "--interpreter=mi2", "-q"}
	if mode == state.ModeRemote {
		cred := transport.Cred{Hostname: comp.Cred.Hostname, Port: comp.RemotePort, User: comp.Cred.User}
		tr = transport.NewSSH(cred, strings.Join(commandLine, " "), transport.DefaultBackoff())
	} else {
		tr = transport.NewLocal(commandLine)
	}

	sid := o.allocSid()
	onExit := session.Detach
	if o.cfg.Conf.OnExit == config.OnExitKill {
		onExit = session.Kill
	}

	scfg := session.Config{
		Sid: sid, Tag: comp.Tag, Mode: mode, StartMode: startMode,
		AttachPid: comp.Pid, Bin: comp.Bin, Args: comp.Args,
		Prerun: toNamedCmds(o.cfg.Prerun), Postrun: toNamedCmds(o.cfg.Postrun),
		DiscoverySignal: false, OnExit: onExit,
	}
	return o.startSession(ctx, scfg, tr)
}

// onDiscoveredService is the discovery listener's callback: it builds a
// remote-attach session for the newly announced process, tagged per
// original_source's "<ip>:-<pid>" convention.
func (o *Orchestrator) onDiscoveredService(info discovery.ServiceInfo) {
	tag := fmt.Sprintf("%s:-%d", info.IP, info.Pid)
	cred := transport.Cred{Hostname: info.IP, Port: o.cfg.SSH.Port, User: o.cfg.SSH.User}
	commandLine := "gdb --interpreter=mi2 -q"
	tr := transport.NewSSH(cred, commandLine, transport.DefaultBackoff())

	sid := o.allocSid()
	scfg := session.Config{
		Sid: sid, Tag: tag, Mode: state.ModeRemote, StartMode: state.StartAttach,
		AttachPid: info.Pid, Prerun: toNamedCmds(o.cfg.Prerun), Postrun: toNamedCmds(o.cfg.Postrun),
		DiscoverySignal: true, OnExit: session.Detach,
	}
	if o.cfg.Conf.OnExit == config.OnExitKill {
		scfg.OnExit = session.Kill
	}
	if err := o.startSession(context.Background(), scfg, tr); err != nil {
		log.Printf("[orchestrator] failed to start discovered session tag=%s: %v", tag, err)
	}
}

func (o *Orchestrator) startSession(ctx context.Context, scfg session.Config, tr transport.Transport) error {
	if _, err := o.mgr.RegisterSession(scfg.Sid, scfg.Tag, scfg.Mode, scfg.StartMode, scfg.AttachPid); err != nil {
		return err
	}
	slog := o.logs.Open(scfg.Sid, scfg.Tag)

	s := session.New(scfg, tr, o.respCh, func(sid int, reason error) {
		status := "closed"
		if reason != nil {
			status = "died"
		}
		o.logs.Close(sid, status)
		o.removeSession(sid)
	})

	if err := s.Start(ctx); err != nil {
		o.mgr.RemoveSession(scfg.Sid)
		o.logs.Close(scfg.Sid, "failed")
		return err
	}

	o.mu.Lock()
	o.sessions[scfg.Sid] = s
	o.mu.Unlock()
	o.rt.AddSession(scfg.Sid, s)

	slog.CommandSent("", "session started tag="+scfg.Tag)
	return nil
}

// removeSession tears a session out of every package's bookkeeping — the
// handler for both a "stopped"/exit notify (S5) and an unexpected
// transport death.
func (o *Orchestrator) removeSession(sid int) {
	o.mu.Lock()
	s, ok := o.sessions[sid]
	delete(o.sessions, sid)
	o.mu.Unlock()
	if !ok {
		return
	}
	o.rt.RemoveSession(sid)
	_ = s.Close()
	o.mgr.RemoveSession(sid)
}

func (o *Orchestrator) allocSid() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextSid++
	return o.nextSid
}

// repl runs the interactive command loop over chzyer/readline, per the
// teacher's REPL wiring. Returns 0 on a normal "exit"/-gdb-exit/EOF, or
// 130 as soon as readline reports an interrupt (Ctrl-C).
func (o *Orchestrator) repl(ctx context.Context) int {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "(gdb) ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		log.Printf("[orchestrator] readline init error: %v", err)
		return 1
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			return 130
		}
		if err != nil {
			return 0
		}
		cmd := strings.TrimSpace(line)
		if cmd == "" {
			continue
		}
		if cmd == "exit" || cmd == "-gdb-exit" {
			return 0
		}

		meta, err := o.cmdp.SendCommand(ctx, cmd)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		if meta == nil {
			continue
		}
		for sid := range meta.Target {
			o.logs.Get(sid).CommandSent(meta.Token, cmd)
		}
		waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		resps, err := meta.Wait(waitCtx)
		cancel()
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		for _, r := range resps {
			fmt.Printf("%s,%s\n", r.Type, r.Message)
		}
	}
}

// consumeBus drains a bus tap for the lifetime of the process: every
// notify/async record is printed to the console (result records are
// already printed synchronously by repl's meta.Wait) and every record is
// appended to its session's activity log.
func (o *Orchestrator) consumeBus(ch <-chan protocol.SessionResponse) {
	for resp := range ch {
		if sl := o.logs.Get(resp.Sid); sl != nil {
			sl.Response(resp.Stream, resp.Type, resp.Message)
		}
		if resp.Type == "result" {
			continue
		}
		fmt.Printf("%s,%s\n", resp.Type, resp.Message)
	}
}

// Shutdown closes every live session per its configured exit policy.
// Idempotent: safe to call multiple times or concurrently with Run's own
// call on REPL exit.
func (o *Orchestrator) Shutdown() {
	o.shutdownOnce.Do(func() {
		o.mu.Lock()
		sids := make([]int, 0, len(o.sessions))
		for sid := range o.sessions {
			sids = append(sids, sid)
		}
		o.mu.Unlock()
		for _, sid := range sids {
			o.removeSession(sid)
		}
		if o.discoveryListener != nil {
			_ = o.discoveryListener.Close()
		}
	})
}

func toNamedCmds(cmds []config.NamedCmd) []session.NamedCmd {
	out := make([]session.NamedCmd, len(cmds))
	for i, c := range cmds {
		out[i] = session.NamedCmd{Name: c.Name, Command: c.Command}
	}
	return out
}
