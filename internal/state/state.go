// Package state owns the single source of truth for sessions, thread and
// inferior lifecycles, and the (session, local-id) ↔ global-id
// bijections. Every method is safe for concurrent use; lookups by an
// unknown id fail explicitly rather than auto-creating state.
package state

import (
	"fmt"
	"sync"

	"github.com/usc-nsl/ddb/internal/ddberr"
)

// Mode is how a session's debuggee was reached.
type Mode int

const (
	ModeLocal Mode = iota
	ModeRemote
)

// StartMode is how the debuggee was put under the debugger.
type StartMode int

const (
	StartBinary StartMode = iota
	StartAttach
)

// ThreadStatus mirrors GDB's notion of thread liveness.
type ThreadStatus int

const (
	ThreadInit ThreadStatus = iota
	ThreadStopped
	ThreadRunning
)

// ThreadGroupStatus mirrors GDB's notion of inferior liveness.
type ThreadGroupStatus int

const (
	GroupInit ThreadGroupStatus = iota
	GroupRunning
	GroupExited
)

// ThreadContext is a captured register snapshot, keyed by
// architecture-agnostic aliases (pc, sp, fp, lr), plus the global thread
// whose registers it belongs to. Created when a remote backtrace first
// switches a callee session into a parent frame; cleared on resume.
type ThreadContext struct {
	Registers map[string]uint64
	ThreadID  uint64 // gtid whose registers this snapshot holds
}

// Clone returns a deep copy so callers can mutate the register map freely.
func (tc *ThreadContext) Clone() *ThreadContext {
	if tc == nil {
		return nil
	}
	regs := make(map[string]uint64, len(tc.Registers))
	for k, v := range tc.Registers {
		regs[k] = v
	}
	return &ThreadContext{Registers: regs, ThreadID: tc.ThreadID}
}

type threadGroupInfo struct {
	status ThreadGroupStatus
	pid    int
}

// SessionMeta is the per-session record the state manager maintains.
type SessionMeta struct {
	Sid       int
	Tag       string
	AttachPid int
	Mode      Mode
	StartMode StartMode

	mu           sync.RWMutex
	threads      map[int]ThreadStatus
	threadGroups map[string]*threadGroupInfo
	tidToTgid    map[int]string
	tgidToTids   map[string]map[int]struct{}

	CurrentTid      int // 0 = none selected
	InCustomContext bool
	SavedContext    *ThreadContext
}

func newSessionMeta(sid int, tag string, mode Mode, startMode StartMode, attachPid int) *SessionMeta {
	return &SessionMeta{
		Sid:          sid,
		Tag:          tag,
		AttachPid:    attachPid,
		Mode:         mode,
		StartMode:    startMode,
		threads:      make(map[int]ThreadStatus),
		threadGroups: make(map[string]*threadGroupInfo),
		tidToTgid:    make(map[int]string),
		tgidToTids:   make(map[string]map[int]struct{}),
	}
}

// ThreadIDs returns a snapshot of every local tid currently known on this
// session, regardless of status.
func (m *SessionMeta) ThreadIDs() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]int, 0, len(m.threads))
	for tid := range m.threads {
		ids = append(ids, tid)
	}
	return ids
}

// ThreadStatus returns the status of a local tid and whether it exists.
func (m *SessionMeta) ThreadStatus(tid int) (ThreadStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.threads[tid]
	return s, ok
}

// ThreadGroupCount returns the number of thread groups (inferiors) known
// on this session, regardless of status.
func (m *SessionMeta) ThreadGroupCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.threadGroups)
}

type sidTid struct {
	sid int
	tid int
}

type sidTgid struct {
	sid  int
	tgid string
}

// Manager is the state manager singleton. All of its methods are
// goroutine-safe; mutating methods never block on I/O or yield while
// holding the lock.
type Manager struct {
	mu sync.RWMutex

	sessions map[int]*SessionMeta
	tagToSid map[string]int

	nextGtid uint64
	nextGiid uint64

	gtidToSidTid map[uint64]sidTid
	sidTidToGtid map[sidTid]uint64

	giidToSidTgid map[uint64]sidTgid
	sidTgidToGiid map[sidTgid]uint64

	giidSeq map[uint64]int // per-inferior thread display-id sequence
	gtidSeq map[uint64]int // gtid -> the giidSeq value assigned to it at creation

	selectedGthread uint64 // 0 = unset
}

// New returns an empty state manager.
func New() *Manager {
	return &Manager{
		sessions:      make(map[int]*SessionMeta),
		tagToSid:      make(map[string]int),
		gtidToSidTid:  make(map[uint64]sidTid),
		sidTidToGtid:  make(map[sidTid]uint64),
		giidToSidTgid: make(map[uint64]sidTgid),
		sidTgidToGiid: make(map[sidTgid]uint64),
		giidSeq:       make(map[uint64]int),
		gtidSeq:       make(map[uint64]int),
	}
}

// RegisterSession adds a new session to the manager. Returns an error if
// sid is already registered.
func (m *Manager) RegisterSession(sid int, tag string, mode Mode, startMode StartMode, attachPid int) (*SessionMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[sid]; exists {
		return nil, fmt.Errorf("session %d already registered", sid)
	}
	meta := newSessionMeta(sid, tag, mode, startMode, attachPid)
	m.sessions[sid] = meta
	if tag != "" {
		m.tagToSid[tag] = sid
	}
	return meta, nil
}

// RemoveSession drops a session and every gtid/giid mapping that belonged
// to it. It does not touch selectedGthread if that gthread belonged to a
// different session.
func (m *Manager) RemoveSession(sid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.sessions[sid]
	if !ok {
		return
	}
	for tid := range meta.threads {
		key := sidTid{sid, tid}
		if gtid, ok := m.sidTidToGtid[key]; ok {
			delete(m.gtidToSidTid, gtid)
			delete(m.sidTidToGtid, key)
			delete(m.gtidSeq, gtid)
			if m.selectedGthread == gtid {
				m.selectedGthread = 0
			}
		}
	}
	for tgid := range meta.threadGroups {
		key := sidTgid{sid, tgid}
		if giid, ok := m.sidTgidToGiid[key]; ok {
			delete(m.giidToSidTgid, giid)
			delete(m.sidTgidToGiid, key)
			delete(m.giidSeq, giid)
		}
	}
	delete(m.sessions, sid)
	if meta.Tag != "" {
		delete(m.tagToSid, meta.Tag)
	}
}

// SessionCount returns the number of currently registered sessions.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// SessionMeta returns the session record for sid, or nil if unknown.
func (m *Manager) SessionMeta(sid int) *SessionMeta {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sid]
}

// Sids returns every currently registered session id, ascending.
func (m *Manager) Sids() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sids := make([]int, 0, len(m.sessions))
	for sid := range m.sessions {
		sids = append(sids, sid)
	}
	sortInts(sids)
	return sids
}

func sortInts(s []int) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// AddThreadGroup registers a new thread group (inferior) in Init state and
// allocates its giid.
func (m *Manager) AddThreadGroup(sid int, tgid string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.sessions[sid]
	if !ok {
		return 0, &ddberr.UnknownID{Kind: "sid", ID: fmt.Sprint(sid)}
	}
	meta.mu.Lock()
	meta.threadGroups[tgid] = &threadGroupInfo{status: GroupInit}
	meta.tgidToTids[tgid] = make(map[int]struct{})
	meta.mu.Unlock()

	key := sidTgid{sid, tgid}
	if giid, ok := m.sidTgidToGiid[key]; ok {
		return giid, nil
	}
	m.nextGiid++
	giid := m.nextGiid
	m.giidToSidTgid[giid] = key
	m.sidTgidToGiid[key] = giid
	return giid, nil
}

// StartThreadGroup transitions a thread group to Running and records its OS pid.
func (m *Manager) StartThreadGroup(sid int, tgid string, pid int) error {
	meta, err := m.mustSession(sid)
	if err != nil {
		return err
	}
	meta.mu.Lock()
	defer meta.mu.Unlock()
	g, ok := meta.threadGroups[tgid]
	if !ok {
		return &ddberr.UnknownID{Kind: "tgid", ID: tgid}
	}
	g.status = GroupRunning
	g.pid = pid
	return nil
}

// ExitThreadGroup transitions a thread group to Exited and releases every
// thread that belonged to it (and their global ids).
func (m *Manager) ExitThreadGroup(sid int, tgid string) (uint64, error) {
	meta, err := m.mustSession(sid)
	if err != nil {
		return 0, err
	}
	meta.mu.Lock()
	g, ok := meta.threadGroups[tgid]
	if !ok {
		meta.mu.Unlock()
		return 0, &ddberr.UnknownID{Kind: "tgid", ID: tgid}
	}
	g.status = GroupExited
	tids := meta.tgidToTids[tgid]
	var toRemove []int
	for tid := range tids {
		toRemove = append(toRemove, tid)
	}
	meta.mu.Unlock()

	for _, tid := range toRemove {
		m.RemoveThread(sid, tid)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	key := sidTgid{sid, tgid}
	giid := m.sidTgidToGiid[key]
	return giid, nil
}

// CreateThread allocates a gtid for a newly observed (sid, tid), assigns it
// to tgid, and returns the new gtid along with tgid's giid.
func (m *Manager) CreateThread(sid, tid int, tgid string) (gtid, giid uint64, err error) {
	meta, err := m.mustSession(sid)
	if err != nil {
		return 0, 0, err
	}

	m.mu.Lock()
	tgKey := sidTgid{sid, tgid}
	giid, ok := m.sidTgidToGiid[tgKey]
	if !ok {
		m.mu.Unlock()
		return 0, 0, &ddberr.UnknownID{Kind: "tgid", ID: tgid}
	}

	key := sidTid{sid, tid}
	if existing, ok := m.sidTidToGtid[key]; ok {
		m.mu.Unlock()
		return existing, giid, nil
	}
	m.nextGtid++
	gtid = m.nextGtid
	m.gtidToSidTid[gtid] = key
	m.sidTidToGtid[key] = gtid
	m.giidSeq[giid]++
	m.gtidSeq[gtid] = m.giidSeq[giid]
	m.mu.Unlock()

	meta.mu.Lock()
	meta.threads[tid] = ThreadInit
	meta.tidToTgid[tid] = tgid
	if meta.tgidToTids[tgid] == nil {
		meta.tgidToTids[tgid] = make(map[int]struct{})
	}
	meta.tgidToTids[tgid][tid] = struct{}{}
	meta.mu.Unlock()

	return gtid, giid, nil
}

// RemoveThread releases a thread's gtid mapping and its bookkeeping,
// atomically with respect to concurrent translations.
func (m *Manager) RemoveThread(sid, tid int) {
	meta := m.SessionMeta(sid)
	if meta == nil {
		return
	}
	meta.mu.Lock()
	tgid := meta.tidToTgid[tid]
	delete(meta.threads, tid)
	delete(meta.tidToTgid, tid)
	if tids := meta.tgidToTids[tgid]; tids != nil {
		delete(tids, tid)
	}
	meta.mu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	key := sidTid{sid, tid}
	if gtid, ok := m.sidTidToGtid[key]; ok {
		delete(m.gtidToSidTid, gtid)
		delete(m.sidTidToGtid, key)
		delete(m.gtidSeq, gtid)
		if m.selectedGthread == gtid {
			m.selectedGthread = 0
		}
	}
}

// UpdateThreadStatus sets the status of one local thread.
func (m *Manager) UpdateThreadStatus(sid, tid int, status ThreadStatus) error {
	meta, err := m.mustSession(sid)
	if err != nil {
		return err
	}
	meta.mu.Lock()
	defer meta.mu.Unlock()
	if _, ok := meta.threads[tid]; !ok {
		return &ddberr.UnknownID{Kind: "tid", ID: fmt.Sprint(tid)}
	}
	meta.threads[tid] = status
	return nil
}

// UpdateAllThreadStatus sets the status of every thread on a session, used
// for bare "running"/"stopped" notify records with no thread-id field.
func (m *Manager) UpdateAllThreadStatus(sid int, status ThreadStatus) error {
	meta, err := m.mustSession(sid)
	if err != nil {
		return err
	}
	meta.mu.Lock()
	defer meta.mu.Unlock()
	for tid := range meta.threads {
		meta.threads[tid] = status
	}
	return nil
}

// SetCurrentTid sets the session's focused local thread.
func (m *Manager) SetCurrentTid(sid, tid int) error {
	meta, err := m.mustSession(sid)
	if err != nil {
		return err
	}
	meta.mu.Lock()
	meta.CurrentTid = tid
	meta.mu.Unlock()
	return nil
}

// SetCurrentGthread sets the aggregator-wide selected global thread. Per
// the state manager invariant, gtid must already be a live mapping.
func (m *Manager) SetCurrentGthread(gtid uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.gtidToSidTid[gtid]; !ok {
		return &ddberr.UnknownID{Kind: "gtid", ID: fmt.Sprint(gtid)}
	}
	m.selectedGthread = gtid
	return nil
}

// GetCurrentGthread returns the selected global thread and whether one is set.
func (m *Manager) GetCurrentGthread() (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.selectedGthread, m.selectedGthread != 0
}

// GetSidTidByGtid translates a global thread id back to its origin.
func (m *Manager) GetSidTidByGtid(gtid uint64) (sid, tid int, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.gtidToSidTid[gtid]
	if !ok {
		return 0, 0, &ddberr.UnknownID{Kind: "gtid", ID: fmt.Sprint(gtid)}
	}
	return key.sid, key.tid, nil
}

// GetGtid translates a local (sid, tid) to its global thread id.
func (m *Manager) GetGtid(sid, tid int) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	gtid, ok := m.sidTidToGtid[sidTid{sid, tid}]
	if !ok {
		return 0, &ddberr.UnknownID{Kind: "tid", ID: fmt.Sprintf("%d:%d", sid, tid)}
	}
	return gtid, nil
}

// GetGiid translates a local (sid, tgid) to its global inferior id.
func (m *Manager) GetGiid(sid int, tgid string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	giid, ok := m.sidTgidToGiid[sidTgid{sid, tgid}]
	if !ok {
		return 0, &ddberr.UnknownID{Kind: "tgid", ID: fmt.Sprintf("%d:%s", sid, tgid)}
	}
	return giid, nil
}

// GetSessionByTag resolves a session by its "<ip>:-<pid>"-style tag.
func (m *Manager) GetSessionByTag(tag string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sid, ok := m.tagToSid[tag]
	if !ok {
		return 0, &ddberr.UnknownID{Kind: "tag", ID: tag}
	}
	return sid, nil
}

// GetTagBySid returns the "<ip>:-<pid>"-style tag a session was registered
// with.
func (m *Manager) GetTagBySid(sid int) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.sessions[sid]
	if !ok {
		return "", &ddberr.UnknownID{Kind: "sid", ID: fmt.Sprint(sid)}
	}
	return meta.Tag, nil
}

// GetGtidsBySid returns every live gtid belonging to sid, ascending by
// local tid — callers that want "the first thread" (e.g. remote-bt's
// parent-thread pick) should take index 0.
func (m *Manager) GetGtidsBySid(sid int) []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	type pair struct {
		tid  int
		gtid uint64
	}
	var pairs []pair
	for key, gtid := range m.sidTidToGtid {
		if key.sid == sid {
			pairs = append(pairs, pair{key.tid, gtid})
		}
	}
	for i := 1; i < len(pairs); i++ {
		for j := i; j > 0 && pairs[j-1].tid > pairs[j].tid; j-- {
			pairs[j-1], pairs[j] = pairs[j], pairs[j-1]
		}
	}
	out := make([]uint64, len(pairs))
	for i, p := range pairs {
		out[i] = p.gtid
	}
	return out
}

// DisplayID returns the "<giid>.<per-inf-seq>" identifier for a gtid, the
// format the merged MI stream shows the user in place of the bare gtid.
func (m *Manager) DisplayID(gtid uint64) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.gtidToSidTid[gtid]
	if !ok {
		return "", &ddberr.UnknownID{Kind: "gtid", ID: fmt.Sprint(gtid)}
	}
	meta := m.sessions[key.sid]
	if meta == nil {
		return "", &ddberr.UnknownID{Kind: "sid", ID: fmt.Sprint(key.sid)}
	}
	meta.mu.RLock()
	tgid := meta.tidToTgid[key.tid]
	meta.mu.RUnlock()
	giid := m.sidTgidToGiid[sidTgid{key.sid, tgid}]
	return fmt.Sprintf("%d.%d", giid, m.gtidSeq[gtid]), nil
}

// GetCustomContext reports whether sid currently has its register context
// hot-swapped for a remote backtrace, and the saved context if so.
func (m *Manager) GetCustomContext(sid int) (inCustom bool, ctx *ThreadContext, err error) {
	meta, err := m.mustSession(sid)
	if err != nil {
		return false, nil, err
	}
	meta.mu.RLock()
	defer meta.mu.RUnlock()
	return meta.InCustomContext, meta.SavedContext.Clone(), nil
}

// SetCustomContext records sid's hot-swapped register context, or clears it
// when ctx is nil.
func (m *Manager) SetCustomContext(sid int, inCustom bool, ctx *ThreadContext) error {
	meta, err := m.mustSession(sid)
	if err != nil {
		return err
	}
	meta.mu.Lock()
	defer meta.mu.Unlock()
	meta.InCustomContext = inCustom
	meta.SavedContext = ctx
	return nil
}

func (m *Manager) mustSession(sid int) (*SessionMeta, error) {
	m.mu.RLock()
	meta, ok := m.sessions[sid]
	m.mu.RUnlock()
	if !ok {
		return nil, &ddberr.UnknownID{Kind: "sid", ID: fmt.Sprint(sid)}
	}
	return meta, nil
}
