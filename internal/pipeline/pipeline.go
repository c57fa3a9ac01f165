package pipeline

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Pipeline runs its nodes once per tick in link order: every producer is
// processed before its consumers. Unlinked nodes keep insertion order.
type Pipeline struct {
	name  string
	nodes []Node
	index map[Node]int
	edges map[int][]int
	order []Node
}

func New(name string) *Pipeline {
	return &Pipeline{
		name:  name,
		index: make(map[Node]int),
		edges: make(map[int][]int),
	}
}

func (p *Pipeline) Name() string { return p.name }

// Add registers nodes. Adding a node twice is a no-op.
func (p *Pipeline) Add(nodes ...Node) {
	for _, n := range nodes {
		if _, ok := p.index[n]; ok {
			continue
		}
		p.index[n] = len(p.nodes)
		p.nodes = append(p.nodes, n)
	}
	p.order = nil
}

// Link adds a producer -> consumer edge. Both nodes must already be added.
func (p *Pipeline) Link(producer, consumer Node) error {
	from, ok := p.index[producer]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, producer.Name())
	}
	to, ok := p.index[consumer]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, consumer.Name())
	}
	for _, e := range p.edges[from] {
		if e == to {
			return nil
		}
	}
	p.edges[from] = append(p.edges[from], to)
	if _, err := p.sort(); err != nil {
		p.edges[from] = p.edges[from][:len(p.edges[from])-1]
		return fmt.Errorf("%w: %s -> %s", err, producer.Name(), consumer.Name())
	}
	p.order = nil
	return nil
}

func (p *Pipeline) sort() ([]Node, error) {
	indeg := make([]int, len(p.nodes))
	for _, tos := range p.edges {
		for _, to := range tos {
			indeg[to]++
		}
	}
	order := make([]Node, 0, len(p.nodes))
	done := make([]bool, len(p.nodes))
	for len(order) < len(p.nodes) {
		next := -1
		for i := range p.nodes {
			if !done[i] && indeg[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			return nil, ErrCycle
		}
		done[next] = true
		order = append(order, p.nodes[next])
		for _, to := range p.edges[next] {
			indeg[to]--
		}
	}
	return order, nil
}

// Nodes returns the nodes in processing order.
func (p *Pipeline) Nodes() []Node {
	if p.order == nil {
		order, err := p.sort()
		if err != nil {
			return nil
		}
		p.order = order
	}
	return p.order
}

// Process advances every node once. A disconnection stops the tick and is
// returned alone; other node errors are logged, the tick continues, and
// they are returned joined.
func (p *Pipeline) Process() error {
	var errs []error
	for _, n := range p.Nodes() {
		err := n.Process()
		if err == nil {
			continue
		}
		if IsDisconnection(err) {
			return err
		}
		log.Warn().Err(err).Str("pipeline", p.name).Str("node", n.Name()).Msg("node process failed")
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Deconfigure releases every node in reverse processing order and forgets
// the graph.
func (p *Pipeline) Deconfigure() error {
	nodes := p.Nodes()
	var errs []error
	for i := len(nodes) - 1; i >= 0; i-- {
		if err := nodes[i].Deconfigure(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", nodes[i].Name(), err))
		}
	}
	p.nodes = nil
	p.index = make(map[Node]int)
	p.edges = make(map[int][]int)
	p.order = nil
	return errors.Join(errs...)
}

func (p *Pipeline) Len() int { return len(p.nodes) }
