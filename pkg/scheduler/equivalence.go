package scheduler

import (
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/cobalt-rm/cobalt/pkg/types"
)

// EquivClass is one queue equivalence class: a set of active queues whose
// partitions share physical node cards, plus the reservations touching
// that hardware. Scheduling runs per class, which bounds the end-time
// computation to jobs that could plausibly conflict.
type EquivClass struct {
	Queues       map[string]bool
	Reservations []string
}

// findQueueEquivalenceClasses partitions the active queues by shared
// node cards (including sharing induced by wiring conflicts) and attaches
// reservations whose named partitions touch each class's hardware.
func findQueueEquivalenceClasses(partitions []*types.Partition, reservations []*types.Reservation, active map[string]bool) []*EquivClass {
	byName := make(map[string]*types.Partition, len(partitions))
	for _, p := range partitions {
		byName[p.Name] = p
	}

	// Node card -> queues reachable through partitions serving them. A
	// partition's wiring conflicts extend its reach: scheduling on p
	// blocks its conflicting peers, so their cards count as shared.
	cardQueues := make(map[string][]string)
	for _, p := range partitions {
		queues := lo.Filter(strings.Split(p.Queue, ":"), func(q string, _ int) bool { return active[q] })
		if len(queues) == 0 {
			continue
		}
		cards := p.NodeCardIDs()
		for _, peer := range p.WiringConflicts {
			if pp, ok := byName[peer]; ok {
				for id := range pp.NodeCardIDs() {
					cards[id] = true
				}
			}
		}
		for id := range cards {
			cardQueues[id] = append(cardQueues[id], queues...)
		}
	}

	// Union queues that appear on the same card.
	parent := make(map[string]string)
	var find func(string) string
	find = func(q string) string {
		if parent[q] == q {
			return q
		}
		parent[q] = find(parent[q])
		return parent[q]
	}
	union := func(a, b string) { parent[find(a)] = find(b) }
	for q := range active {
		parent[q] = q
	}
	for _, queues := range cardQueues {
		for _, q := range queues[1:] {
			union(queues[0], q)
		}
	}

	classes := make(map[string]*EquivClass)
	for q := range active {
		root := find(q)
		c, ok := classes[root]
		if !ok {
			c = &EquivClass{Queues: make(map[string]bool)}
			classes[root] = c
		}
		c.Queues[q] = true
	}

	// Attach each reservation to the classes whose hardware it touches.
	for _, r := range reservations {
		cards := make(map[string]bool)
		for _, name := range r.Partitions {
			p, ok := byName[name]
			if !ok {
				continue
			}
			for id := range p.NodeCardIDs() {
				cards[id] = true
			}
			for _, peer := range p.WiringConflicts {
				if pp, ok := byName[peer]; ok {
					for id := range pp.NodeCardIDs() {
						cards[id] = true
					}
				}
			}
		}
		for _, c := range classes {
			touches := false
			for q := range c.Queues {
				if queueTouchesCards(q, partitions, cards) {
					touches = true
					break
				}
			}
			if touches {
				c.Reservations = append(c.Reservations, r.Name)
			}
		}
	}

	out := lo.Values(classes)
	sort.Slice(out, func(i, j int) bool { return classKey(out[i]) < classKey(out[j]) })
	return out
}

func queueTouchesCards(queue string, partitions []*types.Partition, cards map[string]bool) bool {
	for _, p := range partitions {
		if !lo.Contains(strings.Split(p.Queue, ":"), queue) {
			continue
		}
		for _, nc := range p.NodeCards {
			if cards[nc.ID] {
				return true
			}
		}
	}
	return false
}

func classKey(c *EquivClass) string {
	names := lo.Keys(c.Queues)
	sort.Strings(names)
	return strings.Join(names, ",")
}
