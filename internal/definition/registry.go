package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/statera-io/statera/model"
)

// snapshot is an immutable index of all active definitions. Rules are keyed
// by entity and hook and pre-sorted by ascending priority; workflows are
// keyed by their trigger key.
type snapshot struct {
	rules        map[string][]model.Rule
	machines     map[string][]model.StateMachine
	triggers     map[string][]model.Workflow
	workflowByID map[string]model.Workflow
	checksum     string
}

func ruleKey(entity, hook string) string {
	return entity + "/" + hook
}

// Registry is a read-optimized, thread-safe store of all loaded definitions.
// It uses atomic pointer swap for lock-free concurrent reads; any admin
// mutation replaces the whole snapshot, never patches it in place.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given bundles.
func NewRegistry(bundles []Bundle) *Registry {
	r := &Registry{}
	r.Replace(bundles)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given bundles. Inactive definitions are not indexed.
func (r *Registry) Replace(bundles []Bundle) {
	s := &snapshot{
		rules:        make(map[string][]model.Rule),
		machines:     make(map[string][]model.StateMachine),
		triggers:     make(map[string][]model.Workflow),
		workflowByID: make(map[string]model.Workflow),
	}

	var checksumParts []string

	for _, b := range bundles {
		checksumParts = append(checksumParts, b.Checksum)

		for _, rule := range b.Rules {
			if !rule.Active {
				continue
			}
			key := ruleKey(rule.Entity, rule.Hook)
			s.rules[key] = append(s.rules[key], rule)
		}
		for _, m := range b.StateMachines {
			if !m.Active {
				continue
			}
			s.machines[m.Entity] = append(s.machines[m.Entity], m)
		}
		for _, w := range b.Workflows {
			if !w.Active {
				continue
			}
			s.workflowByID[w.ID] = w
			key := w.Trigger.Key()
			s.triggers[key] = append(s.triggers[key], w)
		}
	}

	for key := range s.rules {
		rules := s.rules[key]
		sort.SliceStable(rules, func(i, j int) bool {
			return rules[i].Priority < rules[j].Priority
		})
	}

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// RulesFor returns the active rules for an entity and hook, sorted by
// ascending priority.
func (r *Registry) RulesFor(entity, hook string) []model.Rule {
	return r.current().rules[ruleKey(entity, hook)]
}

// MachinesFor returns the active state machines tracking fields of entity.
func (r *Registry) MachinesFor(entity string) []model.StateMachine {
	return r.current().machines[entity]
}

// WorkflowsForTrigger returns the active workflows whose trigger matches the
// given state change.
func (r *Registry) WorkflowsForTrigger(entity, field, toState string) []model.Workflow {
	return r.current().triggers[entity+":"+field+":"+toState]
}

// Workflow returns the active workflow with the given ID.
func (r *Registry) Workflow(id string) (model.Workflow, bool) {
	w, ok := r.current().workflowByID[id]
	return w, ok
}

// Entities returns the names of all entities with at least one active state
// machine, in no particular order.
func (r *Registry) Entities() []string {
	s := r.current()
	entities := make([]string, 0, len(s.machines))
	for e := range s.machines {
		entities = append(entities, e)
	}
	return entities
}

// Checksum returns the combined checksum of all loaded definitions.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
