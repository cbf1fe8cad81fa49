// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"container/heap"
)

type indexHeap []int

func (h indexHeap) Len() int           { return len(h) }
func (h indexHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h indexHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *indexHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *indexHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topoOrder is Kahn's algorithm over n nodes identified by definition index.
//
// The ready set is a min-heap on index, so among nodes that become ready
// together the one defined first always goes first. The result is shorter
// than n when the graph has a cycle.
func topoOrder(n int, succ func(int) []int) []int {
	indeg := make([]int, n)
	for i := 0; i < n; i++ {
		for _, s := range succ(i) {
			indeg[s]++
		}
	}

	ready := &indexHeap{}
	for i := 0; i < n; i++ {
		if indeg[i] == 0 {
			heap.Push(ready, i)
		}
	}

	order := make([]int, 0, n)
	for ready.Len() > 0 {
		i := heap.Pop(ready).(int)
		order = append(order, i)
		for _, s := range succ(i) {
			indeg[s]--
			if indeg[s] == 0 {
				heap.Push(ready, s)
			}
		}
	}
	return order
}

// findCycle returns one cycle as a closed path [a, b, ..., a], found by a
// DFS that visits nodes and successors in definition order. Returns nil
// for an acyclic graph.
func findCycle(n int, succ func(int) []int) []int {
	const (
		white = iota
		gray
		black
	)
	color := make([]int, n)
	parent := make([]int, n)
	for i := range parent {
		parent[i] = -1
	}

	var cycle []int
	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		for _, w := range succ(u) {
			switch color[w] {
			case white:
				parent[w] = u
				if dfs(w) {
					return true
				}
			case gray:
				// Back edge u -> w closes the cycle w ... u -> w.
				path := []int{w}
				for cur := u; cur != w && cur != -1; cur = parent[cur] {
					path = append(path, cur)
				}
				path = append(path, w)
				for l, r := 0, len(path)-1; l < r; l, r = l+1, r-1 {
					path[l], path[r] = path[r], path[l]
				}
				cycle = path
				return true
			}
		}
		color[u] = black
		return false
	}

	for i := 0; i < n; i++ {
		if color[i] == white && dfs(i) {
			break
		}
	}
	return cycle
}
