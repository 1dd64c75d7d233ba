// Package rvnet contains types for determining directional flow of block
// dissemination.
//
// The [FanoutTree] type arranges committee positions so that every
// non-root position has a fixed number of children, and the
// [Position] and [AuthorityAt] helpers rotate those positions around the
// block's author. Callers map positions onto their own slices of engines,
// peers, or addresses; this package never touches a concrete transport.
package rvnet
