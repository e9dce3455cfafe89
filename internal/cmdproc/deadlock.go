package cmdproc

// deadlockDetector builds a cross-session wait-for graph from each
// session's "-get-lock-state" reply plus the remote-backtrace call
// chain, then checks it for a cycle. Grounded on
// original_source/ddb/iddb/extension/dl_detector.py's DeadlockDetector;
// disabled by default per original_source's ENABLE_DEADLOCK_DETECTION,
// here Processor.DetectDeadlocks.
type deadlockDetector struct {
	// waitFor maps a "tag:tid"-style node to what it's waiting on: a lock
	// it doesn't own (kind 1, resolved through lockOwners) or the next
	// node in a cross-process call chain (kind 2).
	waitFor map[string]waitEdge
	// lockOwners maps a "tag:lock-id" node to the "tag:tid" node that
	// currently owns it.
	lockOwners map[string]string
	startNode  string
}

type waitEdge struct {
	kind int // 1 = lock wait, 2 = call wait
	id   string
}

func newDeadlockDetector() *deadlockDetector {
	return &deadlockDetector{waitFor: make(map[string]waitEdge), lockOwners: make(map[string]string)}
}

// addData folds one session's "-get-lock-state" reply into the graph.
// The reply's thread_info entries (each a tid plus its wait list) become
// wait edges; its lock_info entries (each a lock id plus owning tid)
// become ownership edges. Both are namespaced by sessionTag so ids from
// different sessions never collide.
func (d *deadlockDetector) addData(sessionTag string, payload map[string]any) {
	threadInfo, _ := payload["thread_info"].([]any)
	for _, ti := range threadInfo {
		t, ok := ti.(map[string]any)
		if !ok {
			continue
		}
		tid := toString(t["tid"])
		waits, _ := t["wait"].([]any)
		for _, w := range waits {
			wm, ok := w.(map[string]any)
			if !ok {
				continue
			}
			d.waitFor[sessionTag+":"+tid] = waitEdge{kind: 1, id: sessionTag + ":" + toString(wm["id"])}
		}
	}

	lockInfo, _ := payload["lock_info"].([]any)
	for _, li := range lockInfo {
		lm, ok := li.(map[string]any)
		if !ok {
			continue
		}
		lockID := sessionTag + ":" + toString(lm["lid"])
		d.lockOwners[lockID] = sessionTag + ":" + toString(lm["owner_tid"])
	}
}

// addCallChain folds a remote-backtrace hop sequence into wait edges: each
// node in the chain is recorded as waiting on the node invoked before it,
// with the chain's innermost (first) node becoming the cycle-detection
// start point.
func (d *deadlockDetector) addCallChain(chain []string) {
	if len(chain) < 2 {
		return
	}
	caller := chain[len(chain)-1]
	for i := len(chain) - 2; i >= 0; i-- {
		callee := chain[i]
		d.waitFor[caller] = waitEdge{kind: 2, id: callee}
		caller = callee
	}
	d.startNode = caller
}

// detect runs a DFS from the start node (or an arbitrary waitFor entry if
// none was set) along wait edges, through lock ownership for kind-1
// edges, reporting whether it revisits a node.
func (d *deadlockDetector) detect() bool {
	start := d.startNode
	if start == "" {
		for k := range d.waitFor {
			start = k
			break
		}
	}
	if start == "" {
		return false
	}
	return d.visit(make(map[string]bool), start)
}

func (d *deadlockDetector) visit(visited map[string]bool, node string) bool {
	if visited[node] {
		return true
	}
	visited[node] = true
	edge, ok := d.waitFor[node]
	if !ok {
		return false
	}
	switch edge.kind {
	case 1:
		owner, ok := d.lockOwners[edge.id]
		if !ok {
			return false
		}
		return d.visit(visited, owner)
	case 2:
		return d.visit(visited, edge.id)
	default:
		return false
	}
}
