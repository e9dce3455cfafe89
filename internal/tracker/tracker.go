// Package tracker correlates outstanding commands with the set of
// sessions they were sent to, completing a CmdMeta only once every
// target session has replied with a matching token.
package tracker

import (
	"context"
	"strconv"
	"sync"

	"github.com/usc-nsl/ddb/internal/protocol"
)

// TokenGenerator hands out monotonically increasing command tokens,
// independent of the state manager's gtid/giid counters.
type TokenGenerator struct {
	mu   sync.Mutex
	next uint64
}

// Next returns the next token as a string of decimal digits.
func (g *TokenGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return strconv.FormatUint(g.next, 10)
}

// CmdMeta is the per-outstanding-command future: it completes once every
// session in Target has replied with a matching-token result record.
type CmdMeta struct {
	Token  string
	Target map[int]struct{}

	mu        sync.Mutex
	finished  map[int]struct{}
	responses []protocol.SessionResponse
	transform protocol.Transformer
	done      chan struct{}
	completed bool
}

func newCmdMeta(token string, target []int, transformer protocol.Transformer) *CmdMeta {
	t := make(map[int]struct{}, len(target))
	for _, sid := range target {
		t[sid] = struct{}{}
	}
	if transformer == nil {
		transformer = protocol.NullTransformer{}
	}
	return &CmdMeta{
		Token:     token,
		Target:    t,
		finished:  make(map[int]struct{}),
		transform: transformer,
		done:      make(chan struct{}),
	}
}

// recv appends resp and reports whether this call completed the meta.
func (m *CmdMeta) recv(resp protocol.SessionResponse) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.completed {
		return false
	}
	m.responses = append(m.responses, resp)
	m.finished[resp.Sid] = struct{}{}
	if len(m.finished) < len(m.Target) {
		return false
	}
	for sid := range m.Target {
		if _, ok := m.finished[sid]; !ok {
			return false
		}
	}
	m.completed = true
	close(m.done)
	return true
}

// Wait blocks until every target session has replied (or ctx is done) and
// returns the transformed response set.
func (m *CmdMeta) Wait(ctx context.Context) ([]protocol.SessionResponse, error) {
	select {
	case <-m.done:
		m.mu.Lock()
		resps := append([]protocol.SessionResponse(nil), m.responses...)
		m.mu.Unlock()
		return m.transform.Transform(resps), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done returns the completion channel for select-based callers.
func (m *CmdMeta) Done() <-chan struct{} { return m.done }

// Responses returns a snapshot of responses received so far, whether or
// not the meta has completed.
func (m *CmdMeta) Responses() []protocol.SessionResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]protocol.SessionResponse(nil), m.responses...)
}

// Tracker owns every outstanding CmdMeta, keyed by the token actually sent
// on the wire, plus the origin-token reverse map for dedup.
type Tracker struct {
	gen TokenGenerator

	mu                sync.Mutex
	pending           map[string]*CmdMeta
	sentTokenToOrigin map[string]string
}

// New returns an empty command tracker.
func New() *Tracker {
	return &Tracker{
		pending:           make(map[string]*CmdMeta),
		sentTokenToOrigin: make(map[string]string),
	}
}

// DedupToken returns origin if it is not already outstanding, otherwise a
// freshly allocated token, recording the sent→origin mapping either way.
// Idempotent: DedupToken(DedupToken(t)) == DedupToken(t) because a token
// just minted by DedupToken is always unused when queried again within
// the same outstanding window.
func (t *Tracker) DedupToken(origin string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, busy := t.pending[origin]; !busy {
		t.sentTokenToOrigin[origin] = origin
		return origin
	}
	sent := t.gen.Next()
	t.sentTokenToOrigin[sent] = origin
	return sent
}

// OriginToken returns the user-facing token a sent token should be echoed
// back under.
func (t *Tracker) OriginToken(sentToken string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if origin, ok := t.sentTokenToOrigin[sentToken]; ok {
		return origin
	}
	return sentToken
}

// CreateCmd registers a new outstanding command and returns its CmdMeta.
func (t *Tracker) CreateCmd(token string, target []int, transformer protocol.Transformer) *CmdMeta {
	meta := newCmdMeta(token, target, transformer)
	t.mu.Lock()
	t.pending[token] = meta
	t.mu.Unlock()
	return meta
}

// GetCmdMeta returns the outstanding CmdMeta for token, if any.
func (t *Tracker) GetCmdMeta(token string) (*CmdMeta, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	meta, ok := t.pending[token]
	return meta, ok
}

// RecvResponse feeds a result record to its owning CmdMeta. Once the meta
// completes, it is removed from the pending table; a response for an
// unknown token is reported absent so the caller can drop it as a
// ShutdownRace.
func (t *Tracker) RecvResponse(resp protocol.SessionResponse) (meta *CmdMeta, completed bool, known bool) {
	t.mu.Lock()
	meta, known = t.pending[resp.Token]
	t.mu.Unlock()
	if !known {
		return nil, false, false
	}
	completed = meta.recv(resp)
	if completed {
		t.mu.Lock()
		delete(t.pending, resp.Token)
		delete(t.sentTokenToOrigin, resp.Token)
		t.mu.Unlock()
	}
	return meta, completed, true
}

// Forget drops a pending command's bookkeeping without waiting for
// completion. A CmdMeta that is forgotten before completing never
// completes; anyone still awaiting it returns only when their own
// context is done. Session removal does not call it.
func (t *Tracker) Forget(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, token)
	delete(t.sentTokenToOrigin, token)
}
