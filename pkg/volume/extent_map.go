package volume

import (
	"sort"
)

type extent struct {
	vSliceStart uint64
	// pSlices holds one physical slice number per virtual slice in
	// the run. The run is contiguous in virtual slice numbers only;
	// its backing slices may be scattered across the device.
	pSlices []uint64
}

func (e *extent) vSliceEnd() uint64 {
	return e.vSliceStart + uint64(len(e.pSlices))
}

// ExtentMap tracks which virtual slices of a partition are backed by
// physical slices. Runs of consecutive virtual slices are coalesced
// into a single extent, so that sequential I/O against a partition
// only needs a single lookup per run. The map always holds the minimal
// number of extents for a given set of mappings, making its shape
// independent of the order in which mappings were added.
type ExtentMap struct {
	extents []*extent
}

// findPredecessor returns the index of the last extent starting at or
// before vSlice, or -1 if no such extent exists.
func (em *ExtentMap) findPredecessor(vSlice uint64) int {
	return sort.Search(len(em.extents), func(i int) bool {
		return em.extents[i].vSliceStart > vSlice
	}) - 1
}

// Lookup returns the physical slice backing a virtual slice.
func (em *ExtentMap) Lookup(vSlice uint64) (uint64, bool) {
	if i := em.findPredecessor(vSlice); i >= 0 {
		if e := em.extents[i]; vSlice < e.vSliceEnd() {
			return e.pSlices[vSlice-e.vSliceStart], true
		}
	}
	return 0, false
}

// Insert records that a virtual slice has become backed by a physical
// slice. The virtual slice must currently be unmapped.
func (em *ExtentMap) Insert(vSlice, pSlice uint64) {
	i := em.findPredecessor(vSlice)
	if i >= 0 && vSlice < em.extents[i].vSliceEnd() {
		panic("Attempted to insert a virtual slice that is already mapped")
	}
	if i >= 0 && em.extents[i].vSliceEnd() == vSlice {
		// The new slice extends the preceding run.
		em.extents[i].pSlices = append(em.extents[i].pSlices, pSlice)
	} else {
		// The new slice starts a run of its own.
		i++
		em.extents = append(em.extents, nil)
		copy(em.extents[i+1:], em.extents[i:])
		em.extents[i] = &extent{
			vSliceStart: vSlice,
			pSlices:     []uint64{pSlice},
		}
	}
	// The run may now abut its successor, in which case the two are
	// merged.
	if j := i + 1; j < len(em.extents) && em.extents[j].vSliceStart == em.extents[i].vSliceEnd() {
		em.extents[i].pSlices = append(em.extents[i].pSlices, em.extents[j].pSlices...)
		em.extents = append(em.extents[:j], em.extents[j+1:]...)
	}
}

// Remove unmaps a virtual slice, returning the physical slice that
// backed it. The virtual slice must currently be mapped.
func (em *ExtentMap) Remove(vSlice uint64) uint64 {
	i := em.findPredecessor(vSlice)
	if i < 0 || vSlice >= em.extents[i].vSliceEnd() {
		panic("Attempted to remove a virtual slice that is not mapped")
	}
	e := em.extents[i]
	if vSlice != e.vSliceEnd()-1 {
		// Unmapping in the middle of a run splits off the part
		// behind the removed slice, reducing the problem to
		// shortening the front part by its final element.
		tailStart := vSlice + 1 - e.vSliceStart
		tail := &extent{
			vSliceStart: vSlice + 1,
			pSlices:     append([]uint64(nil), e.pSlices[tailStart:]...),
		}
		e.pSlices = e.pSlices[:tailStart]
		em.extents = append(em.extents, nil)
		copy(em.extents[i+2:], em.extents[i+1:])
		em.extents[i+1] = tail
	}
	pSlice := e.pSlices[len(e.pSlices)-1]
	e.pSlices = e.pSlices[:len(e.pSlices)-1]
	if len(e.pSlices) == 0 {
		em.extents = append(em.extents[:i], em.extents[i+1:]...)
	}
	return pSlice
}

// RunLengthAt returns whether a virtual slice is mapped, together with
// the number of consecutive virtual slices starting there that share
// that state. For the unmapped region behind the last extent the
// returned length is zero, meaning the state extends to the end of the
// partition's address space.
func (em *ExtentMap) RunLengthAt(vSlice uint64) (bool, uint64) {
	i := em.findPredecessor(vSlice)
	if i >= 0 && vSlice < em.extents[i].vSliceEnd() {
		return true, em.extents[i].vSliceEnd() - vSlice
	}
	if j := i + 1; j < len(em.extents) {
		return false, em.extents[j].vSliceStart - vSlice
	}
	return false, 0
}

// WalkRuns calls fn for every extent in ascending virtual slice order,
// providing the run's first virtual slice and the physical slices
// backing it. fn must not mutate the map.
func (em *ExtentMap) WalkRuns(fn func(vSliceStart uint64, pSlices []uint64)) {
	for _, e := range em.extents {
		fn(e.vSliceStart, e.pSlices)
	}
}

// Clear drops all mappings.
func (em *ExtentMap) Clear() {
	em.extents = nil
}
