package analytics

import (
	"slices"
	"strings"

	"github.com/lowhung/buswatch/core/ds"
	"github.com/lowhung/buswatch/core/snapshot"
)

// TopicFlow lists who writes and who reads one topic.
type TopicFlow struct {
	Topic   string   `json:"topic" yaml:"topic"`
	Writers []string `json:"writers" yaml:"writers"`
	Readers []string `json:"readers" yaml:"readers"`
}

// Edge connects two modules that exchange messages through shared topics.
// For a one-way edge messages flow From -> To. Bidirectional edges have
// From < To and carry the topics of both directions.
type Edge struct {
	From          string   `json:"from" yaml:"from"`
	To            string   `json:"to" yaml:"to"`
	Bidirectional bool     `json:"bidirectional" yaml:"bidirectional"`
	Topics        []string `json:"topics" yaml:"topics"`
}

// Arrow renders the edge as "->" or "<->".
func (e Edge) Arrow() string {
	if e.Bidirectional {
		return "<->"
	}
	return "->"
}

func (e Edge) String() string {
	return e.From + " " + e.Arrow() + " " + e.To + " [" + strings.Join(e.Topics, ", ") + "]"
}

// FlowGraph is the module relation derived from shared topic read/write sets.
type FlowGraph struct {
	Topics []TopicFlow `json:"topics" yaml:"topics"`
	Edges  []Edge      `json:"edges" yaml:"edges"`

	directed map[[2]string]bool
}

// BuildFlowGraph derives the flow graph of s. Self-loops are ignored.
func BuildFlowGraph(s snapshot.Snapshot) *FlowGraph {
	writers := map[string]*ds.StringSet{}
	readers := map[string]*ds.StringSet{}

	for _, name := range s.ModuleNames() {
		m := s.Modules[name]
		for topic := range m.Writes {
			setIn(writers, topic).Add(name)
		}
		for topic := range m.Reads {
			setIn(readers, topic).Add(name)
		}
	}

	topics := ds.NewStringSet()
	for topic := range writers {
		topics.Add(topic)
	}
	for topic := range readers {
		topics.Add(topic)
	}
	topicNames := ds.Sorted(topics)

	g := &FlowGraph{Topics: []TopicFlow{}, Edges: []Edge{}, directed: make(map[[2]string]bool)}
	via := map[[2]string]*ds.StringSet{}
	for _, topic := range topicNames {
		w, r := setIn(writers, topic), setIn(readers, topic)
		g.Topics = append(g.Topics, TopicFlow{Topic: topic, Writers: w.Values(), Readers: r.Values()})

		w.ForEach(func(from string) {
			r.ForEach(func(to string) {
				if from == to {
					return
				}
				pair := [2]string{from, to}
				g.directed[pair] = true
				setIn(via, pair).Add(topic)
			})
		})
	}

	pairs := make([][2]string, 0, len(g.directed))
	for pair := range g.directed {
		pairs = append(pairs, pair)
	}
	slices.SortFunc(pairs, func(a, b [2]string) int {
		if c := strings.Compare(a[0], b[0]); c != 0 {
			return c
		}
		return strings.Compare(a[1], b[1])
	})

	for _, pair := range pairs {
		from, to := pair[0], pair[1]
		reverse := [2]string{to, from}
		if g.directed[reverse] {
			if from > to {
				continue // emitted with the lexically smaller module first
			}
			topics := via[pair].Copy()
			topics.Merge(via[reverse])
			g.Edges = append(g.Edges, Edge{From: from, To: to, Bidirectional: true, Topics: ds.Sorted(topics)})
			continue
		}
		g.Edges = append(g.Edges, Edge{From: from, To: to, Topics: ds.Sorted(via[pair])})
	}
	return g
}

func setIn[K comparable](m map[K]*ds.StringSet, key K) *ds.StringSet {
	set, ok := m[key]
	if !ok {
		set = ds.NewStringSet()
		m[key] = set
	}
	return set
}

// Relation describes how a relates to b: "->" when a feeds b, "<-" when b
// feeds a, "<->" for both and "" when they share no topic.
func (g *FlowGraph) Relation(a, b string) string {
	if g == nil {
		return ""
	}
	out, in := g.directed[[2]string{a, b}], g.directed[[2]string{b, a}]
	switch {
	case out && in:
		return "<->"
	case out:
		return "->"
	case in:
		return "<-"
	default:
		return ""
	}
}

// Neighbors returns the modules sharing an edge with module, sorted.
func (g *FlowGraph) Neighbors(module string) []string {
	if g == nil {
		return nil
	}
	set := ds.NewStringSet()
	for pair := range g.directed {
		switch module {
		case pair[0]:
			set.Add(pair[1])
		case pair[1]:
			set.Add(pair[0])
		}
	}
	return ds.Sorted(set)
}

// Topic returns the flow of one topic.
func (g *FlowGraph) Topic(name string) (TopicFlow, bool) {
	if g == nil {
		return TopicFlow{}, false
	}
	i, ok := slices.BinarySearchFunc(g.Topics, name, func(tf TopicFlow, name string) int {
		return strings.Compare(tf.Topic, name)
	})
	if !ok {
		return TopicFlow{}, false
	}
	return g.Topics[i], true
}
