/*
Copyright 2024 The Liveraid Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package posalloc implements the per-drive parity-position allocator.
//
// Each data drive owns an independent 32-bit position namespace. Position K
// on drive D names block K of that drive's files and the corresponding block
// in every parity file. Drives with nothing at position K contribute a zero
// block to parity.
//
// Free positions are tracked as a sorted slice of extents (start, count).
// Allocation is first-fit over the free list, falling back to a bump
// high-water mark (NextFree) when no extent is large enough. Adjacent
// extents are merged on free, and a trailing extent that comes to abut
// NextFree is reclaimed into the watermark.
package posalloc

import (
	"errors"
	"math"
)

// ErrNamespaceExhausted is returned by Allocate when bumping NextFree would
// overflow the 32-bit position namespace.
var ErrNamespaceExhausted = errors.New("posalloc: position namespace exhausted")

// Extent is a free run of positions [Start, Start+Count).
type Extent struct {
	Start uint32
	Count uint32
}

// Allocator is the per-drive allocator state. The zero value is a valid,
// empty allocator (NextFree == 0, no free extents).
type Allocator struct {
	NextFree uint32
	Extents  []Extent // sorted strictly by Start, never adjacent, never zero-count
}

// Allocate returns the start position of a contiguous run of count blocks.
// It searches the free extent list first-fit; on a miss it bumps NextFree.
// count == 0 is a pure probe: it returns NextFree with no side effect.
func (a *Allocator) Allocate(count uint32) (uint32, error) {
	if count == 0 {
		return a.NextFree, nil
	}

	for i := range a.Extents {
		if a.Extents[i].Count >= count {
			start := a.Extents[i].Start
			a.Extents[i].Start += count
			a.Extents[i].Count -= count
			if a.Extents[i].Count == 0 {
				a.Extents = append(a.Extents[:i], a.Extents[i+1:]...)
			}
			return start, nil
		}
	}

	if count > math.MaxUint32-a.NextFree {
		return 0, ErrNamespaceExhausted
	}
	start := a.NextFree
	a.NextFree += count
	return start, nil
}

// Free returns count positions starting at start to the free pool, merging
// with adjacent extents and reclaiming the watermark if the freed range (or
// its merge result) abuts NextFree. count == 0 is a no-op. Freeing a range
// that overlaps an already-free range is undefined but will not panic.
func (a *Allocator) Free(start, count uint32) {
	if count == 0 {
		return
	}

	i := 0
	for i < len(a.Extents) && a.Extents[i].Start <= start {
		i++
	}

	mergePrev := i > 0 && a.Extents[i-1].Start+a.Extents[i-1].Count == start
	mergeNext := i < len(a.Extents) && start+count == a.Extents[i].Start

	switch {
	case mergePrev && mergeNext:
		a.Extents[i-1].Count += count + a.Extents[i].Count
		a.Extents = append(a.Extents[:i], a.Extents[i+1:]...)
	case mergePrev:
		a.Extents[i-1].Count += count
	case mergeNext:
		a.Extents[i].Start = start
		a.Extents[i].Count += count
	default:
		a.Extents = append(a.Extents, Extent{})
		copy(a.Extents[i+1:], a.Extents[i:])
		a.Extents[i] = Extent{Start: start, Count: count}
	}

	if n := len(a.Extents); n > 0 {
		last := &a.Extents[n-1]
		if last.Start+last.Count == a.NextFree {
			a.NextFree = last.Start
			a.Extents = a.Extents[:n-1]
		}
	}
}
