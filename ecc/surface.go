package ecc

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"
)

// surfaceCode is the layout of a rotated distance-d surface-code patch under
// a bit-flip error model. Data qubit (r, c) has index r*d+c. Only Z-type
// checks are tracked since they are the ones that detect bit flips.
type surfaceCode struct {
	distance    int
	numQubits   int
	checks      [][]int
	qubitChecks [][]int

	// decoding graph: checks are nodes 0..len(checks)-1, boundary is the last node
	boundary  int
	dist      [][]int
	prevNode  [][]int
	prevQubit [][]int

	// logicalOne flips a whole row and readout is the parity of a column.
	logicalOne []int
	readout    []int
}

const surfaceCacheSize = 8

var layoutCache = mustNewCache(surfaceCacheSize)

func mustNewCache(size int) *lru.Cache {
	c, err := lru.New(size)
	if err != nil {
		panic(err)
	}
	return c
}

func surfaceCodeFor(d int) (*surfaceCode, error) {
	if v, ok := layoutCache.Get(d); ok {
		return v.(*surfaceCode), nil
	}
	if d < MinCodeDistance || d > MaxCodeDistance || d%2 == 0 {
		return nil, fmt.Errorf("%w: unsupported code distance %d", ErrInvalidParams, d)
	}
	code := newSurfaceCode(d)
	layoutCache.Add(d, code)
	return code, nil
}

func newSurfaceCode(d int) *surfaceCode {
	code := &surfaceCode{
		distance:    d,
		numQubits:   d * d,
		qubitChecks: make([][]int, d*d),
	}

	// Face (i, j) with 0 <= i, j <= d touches data qubits (i-1, j-1), (i-1, j),
	// (i, j-1) and (i, j) that lie on the lattice. Z faces are the bulk faces
	// with even i+j plus the top and bottom boundary faces with even i+j.
	for i := 0; i <= d; i++ {
		for j := 0; j <= d; j++ {
			if (i+j)%2 != 0 {
				continue
			}
			bulk := i >= 1 && i <= d-1 && j >= 1 && j <= d-1
			edge := (i == 0 || i == d) && j >= 1 && j <= d-1
			if !bulk && !edge {
				continue
			}
			var qubits []int
			for _, rc := range [4][2]int{{i - 1, j - 1}, {i - 1, j}, {i, j - 1}, {i, j}} {
				r, c := rc[0], rc[1]
				if r < 0 || r >= d || c < 0 || c >= d {
					continue
				}
				qubits = append(qubits, r*d+c)
			}
			idx := len(code.checks)
			code.checks = append(code.checks, qubits)
			for _, q := range qubits {
				code.qubitChecks[q] = append(code.qubitChecks[q], idx)
			}
		}
	}

	for c := 0; c < d; c++ {
		code.logicalOne = append(code.logicalOne, c)
	}
	for r := 0; r < d; r++ {
		code.readout = append(code.readout, r*d)
	}

	code.buildPaths()
	return code
}

type edge struct {
	to    int
	qubit int
}

// buildPaths runs a BFS from every node of the decoding graph. Every data
// qubit is an edge between its two checks, or between its only check and the
// boundary.
func (s *surfaceCode) buildPaths() {
	s.boundary = len(s.checks)
	nodes := s.boundary + 1
	adj := make([][]edge, nodes)
	for q, cs := range s.qubitChecks {
		switch len(cs) {
		case 1:
			adj[cs[0]] = append(adj[cs[0]], edge{to: s.boundary, qubit: q})
			adj[s.boundary] = append(adj[s.boundary], edge{to: cs[0], qubit: q})
		case 2:
			adj[cs[0]] = append(adj[cs[0]], edge{to: cs[1], qubit: q})
			adj[cs[1]] = append(adj[cs[1]], edge{to: cs[0], qubit: q})
		}
	}

	s.dist = make([][]int, nodes)
	s.prevNode = make([][]int, nodes)
	s.prevQubit = make([][]int, nodes)
	for src := 0; src < nodes; src++ {
		dist := make([]int, nodes)
		prevNode := make([]int, nodes)
		prevQubit := make([]int, nodes)
		for i := range dist {
			dist[i] = -1
			prevNode[i] = -1
			prevQubit[i] = -1
		}
		dist[src] = 0
		queue := []int{src}
		for len(queue) > 0 {
			n := queue[0]
			queue = queue[1:]
			for _, e := range adj[n] {
				if dist[e.to] >= 0 {
					continue
				}
				dist[e.to] = dist[n] + 1
				prevNode[e.to] = n
				prevQubit[e.to] = e.qubit
				queue = append(queue, e.to)
			}
		}
		s.dist[src] = dist
		s.prevNode[src] = prevNode
		s.prevQubit[src] = prevQubit
	}
}

// path returns the data qubits on a shortest path between two graph nodes.
func (s *surfaceCode) path(from, to int) []int {
	var qubits []int
	for n := to; n != from; n = s.prevNode[from][n] {
		qubits = append(qubits, s.prevQubit[from][n])
	}
	return qubits
}

// encode writes the logical bit into a fresh patch.
func (s *surfaceCode) encode(patch []byte, bit byte) {
	for i := range patch {
		patch[i] = 0
	}
	if bit == 1 {
		for _, q := range s.logicalOne {
			patch[q] = 1
		}
	}
}

func (s *surfaceCode) syndrome(patch []byte) []int {
	var defects []int
	for i, qubits := range s.checks {
		var parity byte
		for _, q := range qubits {
			parity ^= patch[q] & 1
		}
		if parity == 1 {
			defects = append(defects, i)
		}
	}
	return defects
}

// decode measures the syndrome, applies a minimum-weight correction and reads
// the logical bit. ok is false when the correction exceeds what the distance
// guarantees; weight is then a lower bound on the flips observed.
func (s *surfaceCode) decode(patch []byte) (bit byte, weight int, ok bool) {
	t := (s.distance - 1) / 2
	defects := s.syndrome(patch)
	if len(defects) == 0 {
		return s.readBit(patch, nil), 0, true
	}
	if len(defects) > 2*t {
		return 0, (len(defects) + 1) / 2, false
	}

	pairs, weight := s.match(defects)
	if weight > t {
		return 0, weight, false
	}

	flips := make(map[int]struct{})
	for _, p := range pairs {
		for _, q := range s.path(p[0], p[1]) {
			// a qubit used twice cancels out
			if _, seen := flips[q]; seen {
				delete(flips, q)
			} else {
				flips[q] = struct{}{}
			}
		}
	}
	return s.readBit(patch, flips), weight, true
}

func (s *surfaceCode) readBit(patch []byte, flips map[int]struct{}) byte {
	var parity byte
	for _, q := range s.readout {
		v := patch[q] & 1
		if _, ok := flips[q]; ok {
			v ^= 1
		}
		parity ^= v
	}
	return parity
}

// match finds an exact minimum-weight matching of the defects where any defect
// may instead be matched to the boundary. The search is a DP over subsets of
// defects, which stays small since at most d-1 defects reach it.
func (s *surfaceCode) match(defects []int) ([][2]int, int) {
	k := len(defects)
	full := 1<<k - 1
	cost := make([]int, full+1)
	partner := make([]int, full+1)
	for mask := 1; mask <= full; mask++ {
		i := lowestBit(mask)
		rest := mask &^ (1 << i)
		best := s.dist[defects[i]][s.boundary] + cost[rest]
		choice := -1
		for j := i + 1; j < k; j++ {
			if rest&(1<<j) == 0 {
				continue
			}
			c := s.dist[defects[i]][defects[j]] + cost[rest&^(1<<j)]
			if c < best {
				best = c
				choice = j
			}
		}
		cost[mask] = best
		partner[mask] = choice
	}

	var pairs [][2]int
	for mask := full; mask != 0; {
		i := lowestBit(mask)
		j := partner[mask]
		if j < 0 {
			pairs = append(pairs, [2]int{defects[i], s.boundary})
			mask &^= 1 << i
			continue
		}
		pairs = append(pairs, [2]int{defects[i], defects[j]})
		mask &^= 1<<i | 1<<j
	}
	return pairs, cost[full]
}

func lowestBit(mask int) int {
	i := 0
	for mask&1 == 0 {
		mask >>= 1
		i++
	}
	return i
}
