// RTLELSTER - A receiver for Elster EnergyAxis mesh meters operating in the 900MHz ISM band.
// Copyright (C) 2015 Douglas Hall
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package mesh reconstructs the mesh topology from path building frames.
package mesh

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/bemasher/rtlelster/parse"
)

// Node is everything known about a mesh member. Level 0 is a gatekeeper.
type Node struct {
	ID parse.MeterID

	Parent    parse.MeterID
	HasParent bool

	Level    uint8
	HasLevel bool

	Gatekeeper    parse.MeterID
	HasGatekeeper bool
}

func (n Node) String() string {
	parent, level, gatekeeper := "?", "?", "?"
	if n.HasParent {
		parent = n.Parent.String()
	}
	if n.HasLevel {
		level = fmt.Sprint(n.Level)
	}
	if n.HasGatekeeper {
		gatekeeper = n.Gatekeeper.String()
	}
	return fmt.Sprintf("{ID:%s Parent:%s Level:%s Gatekeeper:%s}", n.ID, parent, level, gatekeeper)
}

// Tracker accumulates nodes. Later observations overwrite earlier ones,
// including values that were only inferred. Nodes are never removed.
type Tracker struct {
	mu    sync.RWMutex
	nodes map[parse.MeterID]*Node
}

func NewTracker() *Tracker {
	return &Tracker{nodes: make(map[parse.MeterID]*Node)}
}

func (t *Tracker) node(id parse.MeterID) *Node {
	n, ok := t.nodes[id]
	if !ok {
		n = &Node{ID: id}
		t.nodes[id] = n
	}
	return n
}

// Observe folds a path building frame into the topology and reports whether
// msg was one. The parent is seeded as well, since it may never advertise
// itself.
func (t *Tracker) Observe(msg parse.Message) bool {
	p, ok := msg.(parse.PathBuilding)
	if !ok {
		return false
	}

	src, dst, parent, level := p.Gatekeeper(), p.Node(), p.Parent, p.Level

	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.node(dst)
	n.Parent, n.HasParent = parent, true
	n.Gatekeeper, n.HasGatekeeper = src, true
	n.Level, n.HasLevel = level, true

	pn := t.node(parent)
	if level == 2 {
		pn.Parent, pn.HasParent = src, true
	}
	if level >= 2 {
		pn.Gatekeeper, pn.HasGatekeeper = src, true
	}
	// A level 0 report has no level to give its parent, so it stays unset.
	if level >= 1 {
		pn.Level, pn.HasLevel = level-1, true
	} else {
		log.WithFields(log.Fields{"node": dst, "parent": parent}).Debug("path building at level 0")
	}

	gk := t.node(src)
	gk.Level, gk.HasLevel = 0, true

	return true
}

func (t *Tracker) Node(id parse.MeterID) (Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n, ok := t.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// Snapshot copies every node, ordered by id.
func (t *Tracker) Snapshot() []Node {
	t.mu.RLock()
	defer t.mu.RUnlock()

	nodes := make([]Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		nodes = append(nodes, *n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	return nodes
}

func levelName(level uint8, gatekeeper parse.MeterID) string {
	return fmt.Sprintf(`"Level %d\n(%s)"`, level, gatekeeper)
}

// WriteDot writes the topology as a Graphviz digraph. Edges point from
// child to parent. A parent whose own parent is unknown but whose level is 2
// or more hangs from a chain of placeholder levels under its gatekeeper.
func (t *Tracker) WriteDot(w io.Writer) error {
	nodes := t.Snapshot()
	byID := make(map[parse.MeterID]Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "digraph mesh {")
	fmt.Fprintln(bw, "\tranksep=2.0;")
	fmt.Fprintln(bw, "\trankdir=RL;")

	for _, n := range nodes {
		if !n.HasParent {
			continue
		}

		if n.Parent.IsCoordinator() {
			fmt.Fprintf(bw, "\t\"%s\" [color=red, rank=max];\n", n.Parent)
		}
		fmt.Fprintf(bw, "\t\"%s\" -> \"%s\";\n", n.ID, n.Parent)

		parent := byID[n.Parent]
		if !parent.HasLevel || parent.Level < 2 || parent.HasParent || !n.HasGatekeeper {
			continue
		}

		gk := n.Gatekeeper
		fmt.Fprintf(bw, "\t\"%s\" [color=red, rank=max];\n", gk)
		fmt.Fprintf(bw, "\t%s [color=gray];\n", levelName(1, gk))
		fmt.Fprintf(bw, "\t%s -> \"%s\";\n", levelName(1, gk), gk)
		for level := uint8(2); level < parent.Level; level++ {
			fmt.Fprintf(bw, "\t%s [color=gray];\n", levelName(level, gk))
			fmt.Fprintf(bw, "\t%s -> %s;\n", levelName(level, gk), levelName(level-1, gk))
		}
		fmt.Fprintf(bw, "\t\"%s\" -> %s;\n", n.Parent, levelName(parent.Level-1, gk))
	}

	fmt.Fprintln(bw, "}")

	return errors.Wrap(bw.Flush(), "write dot")
}
