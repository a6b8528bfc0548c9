// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package dagqueue

import (
	"fmt"
	"sort"
	"sync"
)

// Graph is the in-memory dependency graph of jobs. It holds a projection
// of the jobs in the Backend (id, dependencies, status) and answers
// readiness queries incrementally. A Graph is safe for concurrent use.
//
// The edge set is acyclic at all times: every mutation that would close
// a cycle is rejected with a *CyclicDependencyError and leaves the graph
// unchanged.
type Graph struct {
	mu    sync.Mutex
	nodes map[string]*node
	ready map[string]struct{}
	seq   uint64
}

type node struct {
	id      string
	seq     uint64
	status  Status
	preds   []string
	succs   map[string]struct{}
	unmet   int  // number of predecessors not yet Completed
	blocked bool // a transitive predecessor failed or was cancelled
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodes: make(map[string]*node),
		ready: make(map[string]struct{}),
	}
}

// AddJob inserts a Pending node with edges from every id in dependsOn.
// All dependencies must already be in the graph.
func (g *Graph) AddJob(id string, dependsOn []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, found := g.nodes[id]; found {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	}
	deps := uniqueStrings(dependsOn)
	for _, dep := range deps {
		if dep == id {
			return &CyclicDependencyError{JobID: id, Cycle: []string{id, id}}
		}
		if _, found := g.nodes[dep]; !found {
			return &JobNotFoundError{ID: dep}
		}
	}

	g.seq++
	n := &node{
		id:     id,
		seq:    g.seq,
		status: Pending,
		succs:  make(map[string]struct{}),
	}
	g.nodes[id] = n
	g.link(n, deps)
	return nil
}

// AddDependencies adds edges from deps to the Pending job id. It fails
// with a *CyclicDependencyError if one of deps is reachable from id.
func (g *Graph) AddDependencies(id string, deps []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, found := g.nodes[id]
	if !found {
		return &JobNotFoundError{ID: id}
	}
	if n.status != Pending {
		return fmt.Errorf("%w: cannot add dependencies to job %s in status %s", ErrInvalidTransition, id, n.status)
	}
	var add []string
	for _, dep := range uniqueStrings(deps) {
		if dep == id {
			return &CyclicDependencyError{JobID: id, Cycle: []string{id, id}}
		}
		if _, found := g.nodes[dep]; !found {
			return &JobNotFoundError{ID: dep}
		}
		if containsString(n.preds, dep) {
			continue
		}
		if path := g.path(id, dep); path != nil {
			return &CyclicDependencyError{JobID: id, Cycle: append(path, id)}
		}
		add = append(add, dep)
	}
	g.link(n, add)
	return nil
}

// RemoveDependencies removes the edges from deps to id. It undoes a
// successful AddDependencies.
func (g *Graph) RemoveDependencies(id string, deps []string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, found := g.nodes[id]
	if !found {
		return
	}
	for _, dep := range deps {
		if !containsString(n.preds, dep) {
			continue
		}
		n.preds = removeString(n.preds, dep)
		if p, ok := g.nodes[dep]; ok {
			delete(p.succs, id)
			if p.status != Completed {
				n.unmet--
			}
		}
	}
	n.blocked = false
	for _, dep := range n.preds {
		if p, ok := g.nodes[dep]; ok && (p.blocked || p.status == Failed || p.status == Cancelled) {
			n.blocked = true
		}
	}
	g.updateReady(n)
}

// link adds edges from deps to n. Callers hold the lock and have
// verified that deps exist and close no cycle.
func (g *Graph) link(n *node, deps []string) {
	for _, dep := range deps {
		p := g.nodes[dep]
		n.preds = append(n.preds, dep)
		p.succs[n.id] = struct{}{}
		if p.status != Completed {
			n.unmet++
		}
		if p.blocked || p.status == Failed || p.status == Cancelled {
			n.blocked = true
		}
	}
	g.updateReady(n)
}

// path returns the path from one node to another following successor
// edges, or nil if to is not reachable from from.
func (g *Graph) path(from, to string) []string {
	prev := map[string]string{from: ""}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == to {
			var path []string
			for id := to; id != ""; id = prev[id] {
				path = append([]string{id}, path...)
			}
			return path
		}
		for _, succ := range g.sortedSuccs(g.nodes[cur]) {
			if _, seen := prev[succ]; !seen {
				prev[succ] = cur
				queue = append(queue, succ)
			}
		}
	}
	return nil
}

func (g *Graph) updateReady(n *node) {
	if n.status == Pending && n.unmet == 0 && !n.blocked {
		g.ready[n.id] = struct{}{}
	} else {
		delete(g.ready, n.id)
	}
}

// ReadyJobs returns the Pending jobs whose predecessors are all
// Completed, in insertion order.
func (g *Graph) ReadyJobs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, 0, len(g.ready))
	for id := range g.ready {
		ids = append(ids, id)
	}
	g.sortBySeq(ids)
	return ids
}

// MarkCompleted sets the job's status to Completed and returns the direct
// dependents that became ready.
func (g *Graph) MarkCompleted(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, found := g.nodes[id]
	if !found || n.status == Completed {
		return nil
	}
	n.status = Completed
	delete(g.ready, id)
	var newlyReady []string
	for succ := range n.succs {
		d := g.nodes[succ]
		d.unmet--
		g.updateReady(d)
		if _, ok := g.ready[succ]; ok && d.unmet == 0 {
			newlyReady = append(newlyReady, succ)
		}
	}
	g.sortBySeq(newlyReady)
	return newlyReady
}

// MarkFailed sets the job's status to Failed or Cancelled and blocks all
// transitive dependents. It returns the dependents that became blocked.
func (g *Graph) MarkFailed(id string, status Status) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, found := g.nodes[id]
	if !found {
		return nil
	}
	n.status = status
	delete(g.ready, id)
	blocked := g.block(n)
	g.sortBySeq(blocked)
	return blocked
}

func (g *Graph) block(from *node) []string {
	var blocked []string
	queue := []*node{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for succ := range cur.succs {
			d := g.nodes[succ]
			if d.blocked {
				continue
			}
			d.blocked = true
			delete(g.ready, succ)
			blocked = append(blocked, succ)
			queue = append(queue, d)
		}
	}
	return blocked
}

// SetStatus records a status change that does not affect readiness of
// other jobs, e.g. Pending to Ready or Ready to InProgress.
func (g *Graph) SetStatus(id string, status Status) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n, found := g.nodes[id]; found && !n.status.Terminal() {
		n.status = status
		g.updateReady(n)
	}
}

// Status returns the status of the job as known to the graph.
func (g *Graph) Status(id string) (Status, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, found := g.nodes[id]
	if !found {
		return "", false
	}
	return n.status, true
}

// Blocked reports whether a predecessor of the job failed or was cancelled.
func (g *Graph) Blocked(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, found := g.nodes[id]
	return found && n.blocked
}

// Has reports whether the job is in the graph.
func (g *Graph) Has(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, found := g.nodes[id]
	return found
}

// Dependents returns the direct successors of the job in insertion order.
func (g *Graph) Dependents(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, found := g.nodes[id]
	if !found {
		return nil
	}
	return g.sortedSuccs(n)
}

// Dependencies returns the direct predecessors of the job.
func (g *Graph) Dependencies(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, found := g.nodes[id]
	if !found {
		return nil
	}
	return append([]string(nil), n.preds...)
}

// Len returns the number of jobs in the graph.
func (g *Graph) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.nodes)
}

// Remove undoes a successful AddJob. A job that gained dependents in the
// meantime stays as a Cancelled node, and the dependents it blocks are
// returned.
func (g *Graph) Remove(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, found := g.nodes[id]
	if !found {
		return nil
	}
	if len(n.succs) == 0 {
		g.drop(n)
		return nil
	}
	n.status = Cancelled
	delete(g.ready, id)
	blocked := g.block(n)
	g.sortBySeq(blocked)
	return blocked
}

// Import adds a job read from the Backend that this graph does not know
// yet, e.g. one submitted by another process. Edges are added from the
// job's dependencies that are in the graph. Other dependencies are
// treated as completed, like Load does. Importing a known job is a no-op.
func (g *Graph) Import(job *Job) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, found := g.nodes[job.ID]; found {
		return
	}
	var deps []string
	for _, dep := range uniqueStrings(job.DependsOn) {
		if _, found := g.nodes[dep]; found && dep != job.ID {
			deps = append(deps, dep)
		}
	}
	g.seq++
	n := &node{
		id:     job.ID,
		seq:    g.seq,
		status: job.Status,
		succs:  make(map[string]struct{}),
	}
	g.nodes[job.ID] = n
	g.link(n, deps)
}

// Forget deletes the given jobs regardless of edges, e.g. after purging
// them from the Backend.
func (g *Graph) Forget(ids []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range ids {
		if n, found := g.nodes[id]; found {
			g.drop(n)
		}
	}
}

func (g *Graph) drop(n *node) {
	for _, dep := range n.preds {
		if p, ok := g.nodes[dep]; ok {
			delete(p.succs, n.id)
		}
	}
	for succ := range n.succs {
		if d, ok := g.nodes[succ]; ok {
			d.preds = removeString(d.preds, n.id)
		}
	}
	delete(g.ready, n.id)
	delete(g.nodes, n.id)
}

// Load replaces the graph with the projection of jobs, e.g. as read from
// the Backend after a restart. Dependencies on jobs not in the list are
// treated as completed. Load fails with a *CyclicDependencyError if the
// jobs do not form a DAG, and leaves the graph unchanged in that case.
func (g *Graph) Load(jobs []*Job) error {
	sorted := make([]*Job, len(jobs))
	copy(sorted, jobs)
	SortJobs(sorted)

	nodes := make(map[string]*node, len(sorted))
	var seq uint64
	for _, job := range sorted {
		seq++
		nodes[job.ID] = &node{
			id:     job.ID,
			seq:    seq,
			status: job.Status,
			succs:  make(map[string]struct{}),
		}
	}
	for _, job := range sorted {
		n := nodes[job.ID]
		for _, dep := range uniqueStrings(job.DependsOn) {
			p, found := nodes[dep]
			if !found {
				continue
			}
			n.preds = append(n.preds, dep)
			p.succs[n.id] = struct{}{}
			if p.status != Completed {
				n.unmet++
			}
		}
	}
	if cycle := findCycle(sorted, nodes); cycle != nil {
		return &CyclicDependencyError{JobID: cycle[0], Cycle: cycle}
	}

	fresh := &Graph{nodes: nodes, ready: make(map[string]struct{}), seq: seq}
	for _, job := range sorted {
		n := nodes[job.ID]
		if n.status == Failed || n.status == Cancelled {
			fresh.block(n)
		}
	}
	for _, n := range nodes {
		fresh.updateReady(n)
	}

	g.mu.Lock()
	g.nodes, g.ready, g.seq = fresh.nodes, fresh.ready, fresh.seq
	g.mu.Unlock()
	return nil
}

// findCycle runs a three-colour depth-first search over successor edges
// and returns the first cycle found, or nil.
func findCycle(jobs []*Job, nodes map[string]*node) []string {
	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)
	state := make(map[string]int, len(nodes))
	var stack []string
	var cycle []string

	var dfs func(n *node) bool
	dfs = func(n *node) bool {
		state[n.id] = visiting
		stack = append(stack, n.id)
		for succ := range n.succs {
			switch state[succ] {
			case visiting:
				for i, id := range stack {
					if id == succ {
						cycle = append(append([]string(nil), stack[i:]...), succ)
						break
					}
				}
				return true
			case unvisited:
				if dfs(nodes[succ]) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[n.id] = visited
		return false
	}

	for _, job := range jobs {
		if state[job.ID] == unvisited && dfs(nodes[job.ID]) {
			return cycle
		}
	}
	return nil
}

func (g *Graph) sortedSuccs(n *node) []string {
	ids := make([]string, 0, len(n.succs))
	for id := range n.succs {
		ids = append(ids, id)
	}
	g.sortBySeq(ids)
	return ids
}

func (g *Graph) sortBySeq(ids []string) {
	sort.Slice(ids, func(i, k int) bool {
		a, b := g.nodes[ids[i]], g.nodes[ids[k]]
		if a.seq != b.seq {
			return a.seq < b.seq
		}
		return a.id < b.id
	})
}

func uniqueStrings(list []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(list))
	for _, s := range list {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
