// ============================================================================
// Beaver-Sched Workflow Graph
// ============================================================================
//
// Package: internal/dag
// File: graph.go
// Function: Immutable DAG of job nodes for one plan version
//
// The graph is built once per PlanInfo version and only answers queries:
//
//	Origins()        nodes without predecessors
//	Lasts()          nodes without successors
//	Successors(id)   direct children
//	Predecessors(id) direct parents
//	Node(id)         the job definition
//
// Edges are declared on the child (WorkflowJob.Parents). Construction rejects
// unknown parents, duplicate ids, self loops, cycles and unknown job types.
// A graph is safe for concurrent reads.
//
// ============================================================================

package dag

import (
	"sort"

	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

// Graph is a validated workflow DAG.
type Graph struct {
	nodes    map[int64]*types.WorkflowJob
	order    []int64 // ascending ids
	children map[int64][]int64
	parents  map[int64][]int64
}

// New builds and validates a graph from job nodes.
func New(jobs []types.WorkflowJob) (*Graph, error) {
	if len(jobs) == 0 {
		return nil, invalidf("no jobs")
	}

	g := &Graph{
		nodes:    make(map[int64]*types.WorkflowJob, len(jobs)),
		children: make(map[int64][]int64, len(jobs)),
		parents:  make(map[int64][]int64, len(jobs)),
	}
	for i := range jobs {
		job := jobs[i]
		if _, exists := g.nodes[job.ID]; exists {
			return nil, invalidf("duplicate job id: %d", job.ID)
		}
		if !knownJobType(job.Type) {
			return nil, invalidf("job %d: unknown job type %q", job.ID, job.Type)
		}
		g.nodes[job.ID] = &job
		g.order = append(g.order, job.ID)
	}
	sort.Slice(g.order, func(i, j int) bool { return g.order[i] < g.order[j] })

	for _, id := range g.order {
		seen := make(map[int64]struct{})
		for _, p := range g.nodes[id].Parents {
			if p == id {
				return nil, invalidf("job %d: self loop", id)
			}
			if _, ok := g.nodes[p]; !ok {
				return nil, invalidf("job %d: unknown parent %d", id, p)
			}
			if _, dup := seen[p]; dup {
				return nil, invalidf("job %d: duplicate parent %d", id, p)
			}
			seen[p] = struct{}{}
			g.parents[id] = append(g.parents[id], p)
			g.children[p] = append(g.children[p], id)
		}
	}
	for _, id := range g.order {
		sortIDs(g.parents[id])
		sortIDs(g.children[id])
	}

	if path := g.findCycle(); path != nil {
		return nil, cycleError(path)
	}
	return g, nil
}

// Single wraps a single job plan as a one node graph.
func Single(job types.WorkflowJob) (*Graph, error) {
	job.Parents = nil
	return New([]types.WorkflowJob{job})
}

// FromPlanInfo builds the graph for a plan version.
func FromPlanInfo(info *types.PlanInfo) (*Graph, error) {
	if !info.Workflow {
		if len(info.Jobs) != 1 {
			return nil, invalidf("single job plan %d has %d jobs", info.PlanID, len(info.Jobs))
		}
		return Single(info.Jobs[0])
	}
	return New(info.Jobs)
}

// Node returns the job definition for id.
func (g *Graph) Node(id int64) (*types.WorkflowJob, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Origins returns nodes without predecessors.
func (g *Graph) Origins() []*types.WorkflowJob {
	var out []*types.WorkflowJob
	for _, id := range g.order {
		if len(g.parents[id]) == 0 {
			out = append(out, g.nodes[id])
		}
	}
	return out
}

// Lasts returns nodes without successors.
func (g *Graph) Lasts() []*types.WorkflowJob {
	var out []*types.WorkflowJob
	for _, id := range g.order {
		if len(g.children[id]) == 0 {
			out = append(out, g.nodes[id])
		}
	}
	return out
}

// Successors returns direct children of id.
func (g *Graph) Successors(id int64) []*types.WorkflowJob {
	return g.lookup(g.children[id])
}

// Predecessors returns direct parents of id.
func (g *Graph) Predecessors(id int64) []*types.WorkflowJob {
	return g.lookup(g.parents[id])
}

// IsLast reports whether id has no successors.
func (g *Graph) IsLast(id int64) bool {
	return len(g.children[id]) == 0
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.order)
}

func (g *Graph) lookup(ids []int64) []*types.WorkflowJob {
	out := make([]*types.WorkflowJob, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.nodes[id])
	}
	return out
}

// findCycle runs a colored DFS and returns one cycle path, or nil.
func (g *Graph) findCycle() []int64 {
	const (
		white = iota
		grey
		black
	)
	color := make(map[int64]int, len(g.order))
	var stack []int64
	var path []int64

	var visit func(id int64) bool
	visit = func(id int64) bool {
		color[id] = grey
		stack = append(stack, id)
		for _, c := range g.children[id] {
			switch color[c] {
			case grey:
				for i, s := range stack {
					if s == c {
						path = append(append([]int64{}, stack[i:]...), c)
						break
					}
				}
				return true
			case white:
				if visit(c) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range g.order {
		if color[id] == white && visit(id) {
			return path
		}
	}
	return nil
}

func knownJobType(t types.JobType) bool {
	switch t {
	case types.JobNormal, types.JobBroadcast, types.JobMap, types.JobMapReduce:
		return true
	}
	return false
}

func sortIDs(ids []int64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
