package rvnet

import "github.com/raven-engine/raven/rv/rvconsensus"

// FanoutTree arranges committee members into a broadcast tree where every
// non-leaf position has Branch children:
//
//	0 (L0)
//	1 2 3 (L1)
//	4 5 6 7 8 9 10 11 12 (L2)
//
// Positions are relative to an origin authority: the origin occupies
// position 0 and the remaining authorities follow in index order, wrapping
// around the committee. Each authority forwards a block to its children in
// the tree rooted at the block's author, so a block reaches all n
// authorities in O(log n) hops with per-hop fanout bounded by Branch.
//
// Methods use unchecked math; a non-positive branch factor or negative
// position is undefined behavior.
type FanoutTree struct {
	Branch int
}

// layerOf locates pos in the tree: its layer, the position where that
// layer starts, and the layer's width.
func (t FanoutTree) layerOf(pos int) (layer, start, width int) {
	width = 1
	for pos >= start+width {
		start += width
		width *= t.Branch
		layer++
	}
	return layer, start, width
}

// Parent returns the position whose forwarding set includes pos,
// or -1 for the root.
func (t FanoutTree) Parent(pos int) int {
	if pos == 0 {
		return -1
	}

	_, start, width := t.layerOf(pos)
	parentWidth := width / t.Branch
	return start - parentWidth + (pos-start)/t.Branch
}

// FirstChild returns the position of pos's first child. The tree does not
// track committee size, so the caller must bound the result itself;
// [FanoutTree.Children] does that bounding.
func (t FanoutTree) FirstChild(pos int) int {
	_, start, width := t.layerOf(pos)
	return start + width + (pos-start)*t.Branch
}

// Children returns the positions pos forwards to in a committee of size n.
func (t FanoutTree) Children(pos, n int) []int {
	first := t.FirstChild(pos)
	if first >= n {
		return nil
	}

	last := first + t.Branch
	if last > n {
		last = n
	}

	children := make([]int, 0, last-first)
	for c := first; c < last; c++ {
		children = append(children, c)
	}
	return children
}

// Layer returns the tree layer containing pos, with the root at layer 0.
func (t FanoutTree) Layer(pos int) int {
	layer, _, _ := t.layerOf(pos)
	return layer
}

// Position maps an authority to its position in the tree rooted at origin.
func Position(origin, authority rvconsensus.AuthorityIndex, n int) int {
	return (int(authority) - int(origin) + n) % n
}

// AuthorityAt maps a tree position back to the authority occupying it in
// the tree rooted at origin.
func AuthorityAt(origin rvconsensus.AuthorityIndex, pos, n int) rvconsensus.AuthorityIndex {
	return rvconsensus.AuthorityIndex((int(origin) + pos) % n)
}
