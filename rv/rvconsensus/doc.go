// Package rvconsensus contains the domain types shared by every consensus
// package: committees and stake thresholds, blocks and their references,
// committed sub-DAGs, and the genesis layer.
//
// Types here are immutable values. Anything that mutates, accumulates, or
// decides lives in the packages that consume these types ([rvdag],
// [rvcommit], [rvschedule], [rvengine]).
package rvconsensus
