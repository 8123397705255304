package x86

import (
	"fmt"
	"sort"
)

// HostLeafReader reads one leaf of the physical CPU's identification
// registers. Implementations live next to the hardware-virtualization
// layer; tests supply fakes.
type HostLeafReader interface {
	ReadLeaf(function, index uint32) (Entry, error)
}

// HostLeaves copies the physical CPU's leaves for one function, iterating
// sub-leaf index 0, 1, 2, ... until the host reports an error for an index
// or, when indexZeroOnly is set, after index 0.
func HostLeaves(r HostLeafReader, function uint32, indexZeroOnly bool) []Entry {
	var out []Entry
	for index := uint32(0); ; index++ {
		e, err := r.ReadLeaf(function, index)
		if err != nil {
			break
		}
		e.Function = function
		e.Index = index
		out = append(out, e)
		if indexZeroOnly {
			break
		}
	}
	return out
}

// ReplaceWithHostLeaves replaces a function's synthetic leaves with
// verbatim copies of the host's leaves for that function. The replacement
// is spliced where the function first appeared, or appended if it was
// absent.
func ReplaceWithHostLeaves(entries []Entry, r HostLeafReader, function uint32, indexZeroOnly bool) ([]Entry, error) {
	host := HostLeaves(r, function, indexZeroOnly)

	insertAt := -1
	kept := entries[:0:0]
	for _, e := range entries {
		if e.Function == function {
			if insertAt < 0 {
				insertAt = len(kept)
			}
			continue
		}
		kept = append(kept, e)
	}
	if insertAt < 0 {
		insertAt = len(kept)
	}

	out := make([]Entry, 0, len(kept)+len(host))
	out = append(out, kept[:insertAt]...)
	out = append(out, host...)
	out = append(out, kept[insertAt:]...)
	if len(out) > MaxEntries {
		return nil, fmt.Errorf("%w: %d entries", ErrTooManyEntries, len(out))
	}
	return out, nil
}

// DefaultTemplate returns the baseline leaf set for a vCPU when no host
// snapshot is supplied. Register values are zero until ProcessEntries
// stamps them.
func DefaultTemplate() []Entry {
	entries := []Entry{
		{Function: LeafFeatures},
		// Three cache descriptors: L1 data, L2, L3.
		{Function: LeafCacheParams, Index: 0, Eax: 1 << cacheLevelShift},
		{Function: LeafCacheParams, Index: 1, Eax: 2 << cacheLevelShift},
		{Function: LeafCacheParams, Index: 2, Eax: 3 << cacheLevelShift},
		// Legacy topology: thread, core, terminator.
		{Function: LeafExtTopology, Index: 0},
		{Function: LeafExtTopology, Index: 1},
		{Function: LeafExtTopology, Index: 2},
		// Superset topology: thread, core, die, terminator.
		{Function: LeafExtTopologyV2, Index: 0},
		{Function: LeafExtTopologyV2, Index: 1},
		{Function: LeafExtTopologyV2, Index: 5},
		{Function: LeafExtTopologyV2, Index: 6},
		{Function: LeafBrandString0},
		{Function: LeafBrandString1},
		{Function: LeafBrandString2},
	}
	return entries
}

// IdentityTable builds the ordered leaf table for one vCPU from a template
// (a host snapshot or DefaultTemplate).
func IdentityTable(spec VMSpec, template []Entry) ([]Entry, error) {
	if len(template) > MaxEntries {
		return nil, fmt.Errorf("%w: %d entries", ErrTooManyEntries, len(template))
	}
	entries := make([]Entry, len(template))
	copy(entries, template)
	if err := ProcessEntries(spec, entries); err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Function != entries[j].Function {
			return entries[i].Function < entries[j].Function
		}
		return entries[i].Index < entries[j].Index
	})
	return entries, nil
}
