// Package analyser implements the C2 dependency analyser: readiness
// computation, blocker reports, and cycle analysis (Tarjan SCCs, header
// selection, reducibility, back-edges) over a graph.WorkGraph's forward
// ("after") edges.
package analyser

import (
	"sort"
	"time"

	"github.com/workgraph/workgraph/internal/graph"
	"github.com/workgraph/workgraph/internal/models"
)

// Analyse computes the CycleAnalysis for the current state of g. It is
// cheap enough to recompute from scratch whenever needed (sub-millisecond
// for realistic graphs), per the design note against caching derived state.
func Analyse(g *graph.WorkGraph) models.CycleAnalysis {
	tasks := g.Tasks()
	index := make(map[string]int, len(tasks))
	for i, t := range tasks {
		index[t.ID] = i
	}

	sccs := tarjanSCCs(tasks, index)

	analysis := models.CycleAnalysis{TaskToCycle: make(map[string]int)}

	for _, scc := range sccs {
		if !isNonTrivial(scc, tasks, index) {
			continue
		}
		header, reducible := selectHeader(scc, tasks, index)
		cyc := models.Cycle{Header: header, Members: append([]string(nil), scc...), Reducible: reducible}
		sort.Strings(cyc.Members)
		idx := len(analysis.Cycles)
		analysis.Cycles = append(analysis.Cycles, cyc)
		inSCC := make(map[string]bool, len(scc))
		for _, id := range scc {
			inSCC[id] = true
			analysis.TaskToCycle[id] = idx
		}
		for _, id := range scc {
			t := tasks[index[id]]
			for _, dep := range t.After {
				if dep == header && inSCC[dep] {
					analysis.BackEdges = append(analysis.BackEdges, models.BackEdge{From: id, To: dep})
				}
			}
		}
	}

	return analysis
}

func isNonTrivial(scc []string, tasks []*models.Task, index map[string]int) bool {
	if len(scc) >= 2 {
		return true
	}
	id := scc[0]
	t := tasks[index[id]]
	for _, dep := range t.After {
		if dep == id {
			return true
		}
	}
	return false
}

// selectHeader picks the cycle header per the rule: a single explicitly
// configured cycle_config member is authoritative; with several configured
// members, the lowest lexicographic of them is the header and the cycle is
// flagged irreducible; with none, the header is the unique dominator of the
// SCC reached from the graph's entry tasks; failing that, the lowest
// lexicographic id is the tie-broken header and the cycle is flagged
// irreducible.
func selectHeader(scc []string, tasks []*models.Task, index map[string]int) (string, bool) {
	var configured []string
	for _, id := range scc {
		if tasks[index[id]].CycleConfig != nil {
			configured = append(configured, id)
		}
	}
	sort.Strings(configured)

	if len(configured) == 1 {
		return configured[0], true
	}
	if len(configured) > 1 {
		return configured[0], false
	}

	if dominator, ok := findDominator(scc, tasks, index); ok {
		return dominator, true
	}

	sorted := append([]string(nil), scc...)
	sort.Strings(sorted)
	return sorted[0], false
}

// findDominator looks for a single member that dominates every other member
// of scc in the execution-flow graph (dependency -> dependent), rooted at
// the set of tasks with no prerequisites. A member m dominates the rest if
// removing m from the graph makes every other member unreachable from the
// entry set.
func findDominator(scc []string, tasks []*models.Task, index map[string]int) (string, bool) {
	fwd, rev := buildFlowGraph(tasks)
	entries := entryTasks(tasks)

	var found string
	count := 0
	for _, candidate := range scc {
		reach := reachableExcluding(fwd, entries, candidate)
		dominatesAll := true
		for _, other := range scc {
			if other == candidate {
				continue
			}
			if reach[other] {
				dominatesAll = false
				break
			}
		}
		if dominatesAll && reachableAtAll(rev, candidate, entries) {
			found = candidate
			count++
		}
	}
	if count == 1 {
		return found, true
	}
	return "", false
}

func entryTasks(tasks []*models.Task) []string {
	var out []string
	for _, t := range tasks {
		if len(t.After) == 0 {
			out = append(out, t.ID)
		}
	}
	return out
}

// buildFlowGraph returns forward (dependency -> dependent) and reverse
// (dependent -> dependency) adjacency derived from each task's After list.
func buildFlowGraph(tasks []*models.Task) (map[string][]string, map[string][]string) {
	fwd := make(map[string][]string)
	rev := make(map[string][]string)
	for _, t := range tasks {
		for _, dep := range t.After {
			fwd[dep] = append(fwd[dep], t.ID)
			rev[t.ID] = append(rev[t.ID], dep)
		}
	}
	return fwd, rev
}

func reachableExcluding(fwd map[string][]string, entries []string, excluded string) map[string]bool {
	seen := make(map[string]bool)
	var stack []string
	for _, e := range entries {
		if e != excluded {
			stack = append(stack, e)
		}
	}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == excluded || seen[n] {
			continue
		}
		seen[n] = true
		for _, nxt := range fwd[n] {
			if nxt != excluded && !seen[nxt] {
				stack = append(stack, nxt)
			}
		}
	}
	return seen
}

// reachableAtAll reports whether candidate can be reached from entries by
// walking the reverse (dependent -> dependency) graph backward from
// candidate toward any task whose own prerequisites are empty; used so a
// fully self-contained cycle (no path from any real entry) doesn't
// spuriously "dominate" by vacuous exclusion.
func reachableAtAll(rev map[string][]string, candidate string, entries []string) bool {
	entrySet := make(map[string]bool, len(entries))
	for _, e := range entries {
		entrySet[e] = true
	}
	if entrySet[candidate] {
		return true
	}
	seen := map[string]bool{candidate: true}
	stack := []string{candidate}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if entrySet[n] {
			return true
		}
		for _, dep := range rev[n] {
			if !seen[dep] {
				seen[dep] = true
				stack = append(stack, dep)
			}
		}
	}
	return false
}

// tarjanSCCs computes strongly connected components of the forward ("after")
// edge graph using a recursive Tarjan walk. Graphs in this domain are
// expected to hold hundreds of tasks, so recursion depth is not a concern.
func tarjanSCCs(tasks []*models.Task, index map[string]int) [][]string {
	n := len(tasks)
	indices := make([]int, n)
	lowlink := make([]int, n)
	onStack := make([]bool, n)
	for i := range indices {
		indices[i] = -1
	}

	var stack []int
	var result [][]string
	counter := 0

	var adj = make([][]int, n)
	for i, t := range tasks {
		for _, dep := range t.After {
			if j, ok := index[dep]; ok {
				adj[i] = append(adj[i], j)
			}
		}
	}

	var strongconnect func(v int)
	strongconnect = func(v int) {
		indices[v] = counter
		lowlink[v] = counter
		counter++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range adj[v] {
			if indices[w] == -1 {
				strongconnect(w)
				if lowlink[w] < lowlink[v] {
					lowlink[v] = lowlink[w]
				}
			} else if onStack[w] {
				if indices[w] < lowlink[v] {
					lowlink[v] = indices[w]
				}
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, tasks[w].ID)
				if w == v {
					break
				}
			}
			result = append(result, scc)
		}
	}

	for i := range tasks {
		if indices[i] == -1 {
			strongconnect(i)
		}
	}
	return result
}

// Ready returns the ids, in graph order, of tasks dispatchable as of now.
func Ready(g *graph.WorkGraph, analysis models.CycleAnalysis, now time.Time) []string {
	var out []string
	for _, t := range g.Tasks() {
		if ok, _ := isReady(t, g, analysis, now); ok {
			out = append(out, t.ID)
		}
	}
	return out
}

func isReady(t *models.Task, g *graph.WorkGraph, analysis models.CycleAnalysis, now time.Time) (bool, []string) {
	if t.Status != models.StatusOpen {
		return false, nil
	}
	if t.Paused {
		return false, []string{"paused"}
	}
	if t.ReadyAfter != nil && t.ReadyAfter.After(now) {
		return false, []string{"ready_after not yet elapsed"}
	}
	blockers := dispatchBlockers(t, g, analysis)
	return len(blockers) == 0, blockers
}

// dispatchBlockers returns the subset of t.After not satisfied under the
// ready-set rule: each dependency must be terminal, or be exempted by the
// header's back-edge into its own cycle. A dependency id with no matching
// node is treated as satisfied: archiving only ever removes Done tasks, so a
// missing dependency was terminal before it was removed from the graph.
func dispatchBlockers(t *models.Task, g *graph.WorkGraph, analysis models.CycleAnalysis) []string {
	var blockers []string
	for _, dep := range t.After {
		depTask := g.GetTask(dep)
		if depTask == nil || depTask.Status.IsTerminal() {
			continue
		}
		if headerExemption(t, dep, analysis) {
			continue
		}
		blockers = append(blockers, dep)
	}
	return blockers
}

// headerExemption implements the back-edge exemption: a cycle header is not
// blocked by its own forward edges into members of the same cycle, as long
// as the cycle hasn't exhausted its iterations. Without this, the header of
// any cycle could never run, because one of its predecessors is itself.
func headerExemption(t *models.Task, dep string, analysis models.CycleAnalysis) bool {
	idx, ok := analysis.TaskToCycle[t.ID]
	if !ok {
		return false
	}
	cyc := analysis.Cycles[idx]
	if cyc.Header != t.ID {
		return false
	}
	inCycle := false
	for _, m := range cyc.Members {
		if m == dep {
			inCycle = true
			break
		}
	}
	if !inCycle || t.CycleConfig == nil {
		return false
	}
	return t.LoopIteration < t.CycleConfig.MaxIterations
}

// DoneBlockers returns the subset of t.After that must be resolved before a
// `done` mutation on t succeeds: any dependency in the same cycle as t is
// exempt when t carries a cycle_config, regardless of whether t is that
// cycle's header. A missing dependency (archived) is always satisfied.
func DoneBlockers(t *models.Task, g *graph.WorkGraph, analysis models.CycleAnalysis) []string {
	sameCycle := make(map[string]bool)
	if t.CycleConfig != nil {
		if idx, ok := analysis.TaskToCycle[t.ID]; ok {
			for _, m := range analysis.Cycles[idx].Members {
				sameCycle[m] = true
			}
		}
	}

	var blockers []string
	for _, dep := range t.After {
		depTask := g.GetTask(dep)
		if depTask == nil || depTask.Status.IsTerminal() {
			continue
		}
		if sameCycle[dep] {
			continue
		}
		blockers = append(blockers, dep)
	}
	return blockers
}

// CheckReady reports whether t is dispatchable as of now and, if not, the
// blockers responsible. Exported so the mutation engine can reuse the exact
// rule Ready is built from when a caller's status gate differs from the
// plain Open-only dispatch rule (e.g. claim also accepts PendingReview).
func CheckReady(t *models.Task, g *graph.WorkGraph, analysis models.CycleAnalysis, now time.Time) (bool, []string) {
	return isReady(t, g, analysis, now)
}

// Blockers returns the dependency blockers dispatchBlockers computes for t,
// without the status/paused/ready_after gate isReady applies — for callers
// that enforce their own status policy (e.g. claim on PendingReview tasks).
func Blockers(t *models.Task, g *graph.WorkGraph, analysis models.CycleAnalysis) []string {
	return dispatchBlockers(t, g, analysis)
}

// ClassifyCycle labels a cycle as intentional, a likely-bug warning, or
// merely informational, per its length and tags.
func ClassifyCycle(cyc models.Cycle, g *graph.WorkGraph) (classification, reason string) {
	for _, id := range cyc.Members {
		t := g.GetTask(id)
		if t == nil {
			continue
		}
		for _, tag := range t.Tags {
			if tag == "recurring" || tag == "cycle:intentional" {
				return "intentional", "has 'recurring' or 'cycle:intentional' tag"
			}
		}
	}

	n := len(cyc.Members)
	switch {
	case n <= 2:
		return "warning", "short cycle without recurrence tag"
	case n >= 5:
		return "warning", "long cycle likely unintentional"
	default:
		return "info", "medium cycle needs review"
	}
}
