package mls

// Index calculus for the left-balanced binary trees that hold group members.
// Nodes live in a flat array: leaves at even positions (leaf n at 2n),
// parents at odd positions. A five-leaf group looks like
//
//                      X
//              X
//          X       X       X
//        X   X   X   X   X
//        0 1 2 3 4 5 6 7 8
//
// so relationships are computed from indices alone and a tree is stored as a
// plain slice.

type leafIndex uint32
type leafCount uint32
type nodeIndex uint32
type nodeCount uint32

func toNodeIndex(leaf leafIndex) nodeIndex {
	return nodeIndex(2 * leaf)
}

func toLeafIndex(node nodeIndex) leafIndex {
	return leafIndex(node >> 1)
}

func isLeaf(x nodeIndex) bool {
	return x&0x01 == 0
}

// position of the most significant 1 bit
func log2(x nodeCount) uint {
	if x == 0 {
		return 0
	}

	k := uint(0)
	for (x >> k) > 0 {
		k++
	}
	return k - 1
}

// position of the least significant 0 bit
func level(x nodeIndex) uint {
	if isLeaf(x) {
		return 0
	}

	k := uint(0)
	for (x>>k)&0x01 == 1 {
		k++
	}
	return k
}

func nodeWidth(n leafCount) nodeCount {
	if n == 0 {
		return 0
	}
	return nodeCount(2*(n-1) + 1)
}

func leafWidth(w nodeCount) leafCount {
	if w == 0 {
		return 0
	}
	return leafCount((w >> 1) + 1)
}

func root(n leafCount) nodeIndex {
	w := nodeWidth(n)
	return nodeIndex((1 << log2(w)) - 1)
}

func left(x nodeIndex) nodeIndex {
	if level(x) == 0 {
		return x
	}
	return x ^ (0x01 << (level(x) - 1))
}

func right(x nodeIndex, n leafCount) nodeIndex {
	if level(x) == 0 {
		return x
	}

	w := nodeIndex(nodeWidth(n))
	r := x ^ (0x03 << (level(x) - 1))
	for r >= w {
		r = left(r)
	}
	return r
}

// Immediate parent in an infinite tree; may fall outside a finite one.
func parentStep(x nodeIndex) nodeIndex {
	k := level(x)
	one := uint(1)
	return nodeIndex((uint(x) | (one << k)) & ^(one << (k + 1)))
}

func parent(x nodeIndex, n leafCount) nodeIndex {
	if x == root(n) {
		return x
	}

	w := nodeIndex(nodeWidth(n))
	p := parentStep(x)
	for p >= w {
		p = parentStep(p)
	}
	return p
}

func sibling(x nodeIndex, n leafCount) nodeIndex {
	p := parent(x, n)
	switch {
	case x < p:
		return right(p, n)
	case x > p:
		return left(p)
	}
	return p
}

// Ancestors of x from its parent up to and including the root.
func dirpath(x nodeIndex, n leafCount) []nodeIndex {
	d := []nodeIndex{}
	r := root(n)
	if x == r {
		return d
	}

	p := parent(x, n)
	for p != r {
		d = append(d, p)
		p = parent(p, n)
	}
	return append(d, r)
}

// Siblings of x and of each of its non-root ancestors, leaf to root.
func copath(x nodeIndex, n leafCount) []nodeIndex {
	r := root(n)
	if x == r {
		return []nodeIndex{}
	}

	d := append([]nodeIndex{x}, dirpath(x, n)...)
	c := make([]nodeIndex, 0, len(d)-1)
	for _, v := range d[:len(d)-1] {
		c = append(c, sibling(v, n))
	}
	return c
}

// Lowest node whose subtree holds both leaves.
func ancestor(l, r leafIndex) nodeIndex {
	ln, rn := toNodeIndex(l), toNodeIndex(r)
	if ln == rn {
		return ln
	}

	k := uint(0)
	for ln != rn {
		ln >>= 1
		rn >>= 1
		k++
	}

	prefix := uint(ln) << k
	return nodeIndex(prefix + (1 << (k - 1)) - 1)
}
