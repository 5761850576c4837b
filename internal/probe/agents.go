package probe

import (
	"fmt"
	"sort"
	"strings"

	"github.com/chirino/dbhealth-service/internal/model"
)

// maxAgentsPerClass bounds the distinct application_name values reported per
// class so a misbehaving fleet cannot inflate snapshot payloads.
const maxAgentsPerClass = 25

// Catch-all classes: backends whose application_name matches no rule land in
// "other", backends with no application_name at all land in "unknown".
const (
	ClassOther   = "other"
	ClassUnknown = "unknown"
)

// ClassRule maps an application_name prefix to an agent class.
type ClassRule struct {
	Class  string
	Prefix string
}

// Classifier assigns backends to agent classes by application_name prefix.
// Rules are evaluated in declaration order; the first match wins.
type Classifier struct {
	rules []ClassRule
}

// ParseAgentClasses parses a comma-separated list of class=prefix pairs,
// e.g. "ai=supabase_ai_,edge=edge_function_".
func ParseAgentClasses(s string) (*Classifier, error) {
	var rules []ClassRule
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		idx := strings.IndexByte(pair, '=')
		if idx <= 0 || idx == len(pair)-1 {
			return nil, fmt.Errorf("invalid agent class %q: expected class=prefix", pair)
		}
		rules = append(rules, ClassRule{
			Class:  strings.TrimSpace(pair[:idx]),
			Prefix: strings.TrimSpace(pair[idx+1:]),
		})
	}
	return &Classifier{rules: rules}, nil
}

// Classify returns the agent class for an application_name, if any rule matches.
func (c *Classifier) Classify(applicationName string) (string, bool) {
	for _, r := range c.rules {
		if strings.HasPrefix(applicationName, r.Prefix) {
			return r.Class, true
		}
	}
	return "", false
}

// accumulator aggregates per-backend rows into per-class usage.
type agentAccumulator struct {
	classifier *Classifier
	byClass    map[string]*classCounts
}

type classCounts struct {
	connections       int
	idleInTransaction int
	agents            map[string]struct{}
}

func newAgentAccumulator(classifier *Classifier) *agentAccumulator {
	return &agentAccumulator{
		classifier: classifier,
		byClass:    map[string]*classCounts{},
	}
}

// observe records one backend. idleInTx marks idle-in-transaction states.
func (a *agentAccumulator) observe(applicationName string, idleInTx bool) {
	class, ok := a.classifier.Classify(applicationName)
	if !ok {
		if applicationName == "" {
			class = ClassUnknown
		} else {
			class = ClassOther
		}
	}
	counts := a.byClass[class]
	if counts == nil {
		counts = &classCounts{agents: map[string]struct{}{}}
		a.byClass[class] = counts
	}
	counts.connections++
	if idleInTx {
		counts.idleInTransaction++
	}
	if applicationName != "" && len(counts.agents) < maxAgentsPerClass {
		counts.agents[applicationName] = struct{}{}
	}
}

// usage returns the accumulated per-class accounting, sorted by class name.
func (a *agentAccumulator) usage() []model.AgentClassUsage {
	out := make([]model.AgentClassUsage, 0, len(a.byClass))
	for class, counts := range a.byClass {
		agents := make([]string, 0, len(counts.agents))
		for name := range counts.agents {
			agents = append(agents, name)
		}
		sort.Strings(agents)
		out = append(out, model.AgentClassUsage{
			Class:             class,
			Connections:       counts.connections,
			IdleInTransaction: counts.idleInTransaction,
			Agents:            agents,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Class < out[j].Class })
	return out
}
