package translate

import (
	"fmt"
	"strings"
	"sync"
)

const (
	defaultMaxListedFailures = 3
	defaultRecentCompleted   = 3
)

// Aggregator consolidates the tool calls a sub-agent runs into a bounded
// rendering of the parent tool call's content. Running children are always
// listed. Failed children keep the first two plus the most recent few with
// a "k more failed" marker in between. Completed children collapse to a
// "k more completed" marker plus the most recent few. A trailing summary
// line counts everything. The rendered content replaces the parent's
// content wholesale on every update, so it never grows unbounded.
type Aggregator struct {
	mu      sync.Mutex
	parents map[string]*parentState

	maxListedFailures int
	recentCompleted   int
}

type parentState struct {
	children       map[string]*childEntry
	registerOrder  []string
	completedOrder []string
	failedOrder    []string
}

type childEntry struct {
	id     string
	title  string
	status string
}

// NewAggregator creates an aggregator with the given rendering bounds.
// Zero values select the defaults.
func NewAggregator(maxListedFailures, recentCompleted int) *Aggregator {
	if maxListedFailures <= 0 {
		maxListedFailures = defaultMaxListedFailures
	}
	if recentCompleted <= 0 {
		recentCompleted = defaultRecentCompleted
	}
	return &Aggregator{
		parents:           make(map[string]*parentState),
		maxListedFailures: maxListedFailures,
		recentCompleted:   recentCompleted,
	}
}

// RegisterChild records a new running child under the parent.
func (a *Aggregator) RegisterChild(parentID, childID, title string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p := a.parents[parentID]
	if p == nil {
		p = &parentState{children: make(map[string]*childEntry)}
		a.parents[parentID] = p
	}
	if _, exists := p.children[childID]; exists {
		return
	}
	p.children[childID] = &childEntry{id: childID, title: title, status: StatusInProgress}
	p.registerOrder = append(p.registerOrder, childID)
}

// CompleteChild marks a child finished. Unknown children and repeated
// completions are ignored.
func (a *Aggregator) CompleteChild(parentID, childID string, failed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p := a.parents[parentID]
	if p == nil {
		return
	}
	c := p.children[childID]
	if c == nil || c.status != StatusInProgress {
		return
	}
	if failed {
		c.status = StatusFailed
		p.failedOrder = append(p.failedOrder, childID)
	} else {
		c.status = StatusCompleted
		p.completedOrder = append(p.completedOrder, childID)
	}
}

// HasParent reports whether any child was registered under parentID.
func (a *Aggregator) HasParent(parentID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.parents[parentID]
	return ok
}

// Stats returns the child counts for a parent.
func (a *Aggregator) Stats(parentID string) (running, completed, failed int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := a.parents[parentID]
	if p == nil {
		return 0, 0, 0
	}
	for _, c := range p.children {
		switch c.status {
		case StatusInProgress:
			running++
		case StatusCompleted:
			completed++
		case StatusFailed:
			failed++
		}
	}
	return running, completed, failed
}

// Content renders the parent's consolidated content array. Returns nil when
// no children are registered.
func (a *Aggregator) Content(parentID string) []ContentItem {
	lines := a.renderLines(parentID)
	if len(lines) == 0 {
		return nil
	}
	return []ContentItem{TextContent(strings.Join(lines, "\n"))}
}

func (a *Aggregator) renderLines(parentID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	p := a.parents[parentID]
	if p == nil || len(p.registerOrder) == 0 {
		return nil
	}

	var lines []string

	// Completed: collapse the middle, keep the most recent few.
	completed := p.completedOrder
	if len(completed) > a.recentCompleted {
		hidden := len(completed) - a.recentCompleted
		lines = append(lines, fmt.Sprintf("… %d more completed", hidden))
		completed = completed[len(completed)-a.recentCompleted:]
	}
	for _, id := range completed {
		lines = append(lines, "✓ "+p.children[id].title)
	}

	// Failed: first two, a marker for the hidden middle, the most recent few.
	failed := p.failedOrder
	if len(failed) > 2+a.maxListedFailures {
		for _, id := range failed[:2] {
			lines = append(lines, "✗ "+p.children[id].title)
		}
		hidden := len(failed) - 2 - a.maxListedFailures
		lines = append(lines, fmt.Sprintf("… %d more failed", hidden))
		failed = failed[len(failed)-a.maxListedFailures:]
	}
	for _, id := range failed {
		lines = append(lines, "✗ "+p.children[id].title)
	}

	// Running children are always listed, in registration order.
	for _, id := range p.registerOrder {
		if c := p.children[id]; c.status == StatusInProgress {
			lines = append(lines, "→ "+c.title)
		}
	}

	lines = append(lines, a.summaryLine(p))
	return lines
}

func (a *Aggregator) summaryLine(p *parentState) string {
	var running, completed, failed int
	for _, c := range p.children {
		switch c.status {
		case StatusInProgress:
			running++
		case StatusCompleted:
			completed++
		case StatusFailed:
			failed++
		}
	}
	var parts []string
	if running > 0 {
		parts = append(parts, fmt.Sprintf("%d running", running))
	}
	if completed > 0 {
		parts = append(parts, fmt.Sprintf("%d completed", completed))
	}
	if failed > 0 {
		parts = append(parts, fmt.Sprintf("%d failed", failed))
	}
	done := completed + failed
	parts = append(parts, fmt.Sprintf("%d/%d done", done, running+done))
	return strings.Join(parts, " · ")
}

// Clear drops all parents. Called at the start of each prompt turn.
func (a *Aggregator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.parents = make(map[string]*parentState)
}
