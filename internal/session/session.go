// Package session wraps one Transport+MI parser pair, runs the
// prerun/attach handshake, and forwards parsed records to the response
// pipeline.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/usc-nsl/ddb/internal/ddberr"
	"github.com/usc-nsl/ddb/internal/miparser"
	"github.com/usc-nsl/ddb/internal/protocol"
	"github.com/usc-nsl/ddb/internal/state"
	"github.com/usc-nsl/ddb/internal/transport"
)

// State is the session lifecycle state machine: Idle → Starting →
// Configuring → Ready → Closing → Closed.
type State int32

const (
	Idle State = iota
	Starting
	Configuring
	Ready
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Starting:
		return "Starting"
	case Configuring:
		return "Configuring"
	case Ready:
		return "Ready"
	case Closing:
		return "Closing"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// OnExit selects how Close tears down the debuggee.
type OnExit int

const (
	Detach OnExit = iota // default per spec.md §4.C
	Kill
)

// NamedCmd is one prerun/postrun entry from config.
type NamedCmd struct {
	Name    string
	Command string
}

// Config is everything a Session needs to run its handshake.
type Config struct {
	Sid       int
	Tag       string
	Mode      state.Mode
	StartMode state.StartMode
	AttachPid int

	Bin  string
	Args []string

	ExtensionPath   string
	Prerun          []NamedCmd
	Postrun         []NamedCmd
	InitCommands    []string
	DiscoverySignal bool // issue "signal SIG40" after attach, when discovery is active
	OnExit          OnExit
}

// Session owns one GDB/MI backend.
type Session struct {
	Config
	tr  transport.Transport
	out chan<- protocol.SessionResponse

	state   atomic.Int32
	parser  miparser.Parser
	onDeath func(sid int, reason error)

	closeOnce sync.Once
	doneCh    chan struct{}
}

// New returns a session bound to tr, forwarding parsed records to out.
// onDeath, if non-nil, is invoked once from the reader loop when the
// transport's read side ends — with a nil reason on a clean EOF, or the
// read error otherwise (signals the orchestrator to clean up).
func New(cfg Config, tr transport.Transport, out chan<- protocol.SessionResponse, onDeath func(sid int, reason error)) *Session {
	s := &Session{Config: cfg, tr: tr, out: out, onDeath: onDeath, doneCh: make(chan struct{})}
	s.state.Store(int32(Idle))
	return s
}

// State returns the session's current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// IsOpen reports whether the session is ready to accept commands.
func (s *Session) IsOpen() bool { return s.State() == Ready }

// Start runs Starting (transport connect) then Configuring (the
// prerun/attach handshake), then transitions to Ready and launches the
// background reader. All writes during Configuring ignore their replies
// beyond whatever the reader eventually logs once it starts — by the
// time it starts, the configuring replies are simply unescorted records
// with no tracked command awaiting them, so they are forwarded and
// dropped by the response processor like any other orphaned response.
func (s *Session) Start(ctx context.Context) error {
	s.setState(Starting)
	if err := s.tr.Start(ctx); err != nil {
		s.setState(Closed)
		return err
	}

	s.setState(Configuring)
	if err := s.configure(); err != nil {
		s.setState(Closed)
		_ = s.tr.Close()
		return err
	}

	s.setState(Ready)
	go s.readLoop()
	return nil
}

func (s *Session) configure() error {
	writes := []string{
		"-gdb-set logging enabled on\n",
		"-gdb-set mi-async on\n",
	}
	if s.ExtensionPath != "" {
		writes = append(writes, fmt.Sprintf("source %s\n", s.ExtensionPath))
	}
	for _, p := range s.Prerun {
		writes = append(writes, fmt.Sprintf("-interpreter-exec console %q\n", p.Command))
	}
	writes = append(writes, s.InitCommands...)

	switch s.StartMode {
	case state.StartAttach:
		writes = append(writes, fmt.Sprintf("-target-attach %d\n", s.AttachPid))
	case state.StartBinary:
		writes = append(writes, fmt.Sprintf("-file-exec-and-symbols %s\n", s.Bin))
		if len(s.Args) > 0 {
			writes = append(writes, fmt.Sprintf("-exec-arguments %s\n", strings.Join(s.Args, " ")))
		}
	}
	if s.DiscoverySignal {
		writes = append(writes, "-interpreter-exec console \"signal SIG40\"\n")
	}
	for _, p := range s.Postrun {
		writes = append(writes, fmt.Sprintf("-interpreter-exec console %q\n", p.Command))
	}

	for _, line := range writes {
		if err := s.tr.Write(line); err != nil {
			return err
		}
		log.Printf("[session %d] configure: %s", s.Sid, strings.TrimSuffix(line, "\n"))
	}
	return nil
}

// Write sends one already-tokenized command, failing fast if the session
// isn't Ready.
func (s *Session) Write(cmd protocol.SingleCommand) error {
	if s.State() != Ready {
		return &ddberr.Transport{Sid: s.Sid, Op: "write", Err: fmt.Errorf("session not ready (state=%s)", s.State())}
	}
	return s.tr.Write(cmd.Wire())
}

// WriteRaw sends a raw already-newline-terminated line, bypassing the
// SingleCommand envelope — used for internal housekeeping writes
// (-thread-select rewrite prefix, -switch-context-custom, etc.) that the
// command processor issues without going through the router.
func (s *Session) WriteRaw(line string) error {
	if s.State() != Ready {
		return &ddberr.Transport{Sid: s.Sid, Op: "write", Err: fmt.Errorf("session not ready (state=%s)", s.State())}
	}
	return s.tr.Write(line)
}

// readLoop is the background reader spawned on entering Ready: it loops
// transport.ReadLine → parser.Feed → dispatch, aggregating consecutive
// console records (across reads) into a single synthetic console record,
// forwarded when the next non-console record arrives or the read side ends.
func (s *Session) readLoop() {
	defer close(s.doneCh)
	var consoleAgg *strings.Builder

	flush := func() {
		if consoleAgg == nil {
			return
		}
		s.emit(protocol.SessionResponse{
			Sid: s.Sid, Tag: s.Tag, Stream: "stdout", Type: "console",
			Message: "console", Payload: map[string]any{"text": consoleAgg.String()},
		})
		consoleAgg = nil
	}

	for {
		line, err := s.tr.ReadLine()
		if err != nil {
			flush()
			if errors.Is(err, io.EOF) {
				s.die(nil)
			} else {
				s.die(err)
			}
			return
		}

		for _, rec := range s.parser.Feed([]byte(line)) {
			if rec.Class == miparser.ClassConsole {
				if consoleAgg == nil {
					consoleAgg = &strings.Builder{}
				}
				consoleAgg.WriteString(rec.Raw)
				continue
			}
			flush()
			if rec.Class == miparser.ClassPrompt {
				continue
			}
			s.emit(recordToResponse(s.Sid, s.Tag, rec))
		}
	}
}

func (s *Session) emit(resp protocol.SessionResponse) {
	select {
	case s.out <- resp:
	default:
		log.Printf("[session %d] WARNING: response queue full, blocking", s.Sid)
		s.out <- resp
	}
}

func recordToResponse(sid int, tag string, rec miparser.Record) protocol.SessionResponse {
	stream := "stdout"
	typ := "output"
	switch rec.Class {
	case miparser.ClassResult:
		typ = "result"
	case miparser.ClassExec, miparser.ClassNotify:
		typ = "notify"
	case miparser.ClassLog:
		stream = "stderr"
		typ = "log"
	case miparser.ClassTarget:
		typ = "target"
	}
	resp := protocol.SessionResponse{
		Sid: sid, Tag: tag, Token: rec.Token, Stream: stream, Type: typ, Message: rec.Message,
	}
	if rec.Payload != nil {
		resp.Payload = rec.Payload
	} else if rec.Raw != "" {
		resp.Payload = map[string]any{"text": rec.Raw}
	}
	return resp
}

func (s *Session) die(reason error) {
	s.setState(Closing)
	if s.onDeath != nil {
		s.onDeath(s.Sid, reason)
	}
	s.setState(Closed)
}

// Close tears the session down per the configured OnExit policy: kill or
// detach, then exit, then close the transport. Idempotent.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.setState(Closing)
		if s.tr != nil {
			if s.OnExit == Kill {
				_ = s.tr.Write("kill\n")
			} else {
				_ = s.tr.Write("detach\n")
			}
			_ = s.tr.Write("exit\n")
			err = s.tr.Close()
		}
		s.setState(Closed)
	})
	return err
}

// Wait blocks until the reader loop has exited (transport closed).
func (s *Session) Wait() { <-s.doneCh }
