package crdt

import (
	"math/rand/v2"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
)

// ClientIDRegistry tracks the client ids in use by documents of this process.
// Generate never hands out an id that is still registered. It is safe for
// concurrent use.
type ClientIDRegistry struct {
	ids mapset.Set[uint64]
}

func NewClientIDRegistry() *ClientIDRegistry {
	return &ClientIDRegistry{ids: mapset.NewSet[uint64]()}
}

// DefaultClientIDRegistry is used by documents created without
// WithClientRegistry.
var DefaultClientIDRegistry = NewClientIDRegistry()

// Generate returns a fresh random 32 bit client id and registers it.
func (r *ClientIDRegistry) Generate() uint64 {
	for {
		id := uint64(rand.Uint32())
		if r.ids.Add(id) {
			return id
		}
	}
}

// Register marks id as used. It reports false if the id was already taken.
func (r *ClientIDRegistry) Register(id uint64) bool {
	return r.ids.Add(id)
}

func (r *ClientIDRegistry) Release(id uint64) {
	r.ids.Remove(id)
}

func (r *ClientIDRegistry) Contains(id uint64) bool {
	return r.ids.Contains(id)
}

// Snapshot returns the registered ids in ascending order.
func (r *ClientIDRegistry) Snapshot() []uint64 {
	ids := r.ids.ToSlice()
	slices.Sort(ids)
	return ids
}

func (r *ClientIDRegistry) Len() int {
	return r.ids.Cardinality()
}

func generateClientID(r *ClientIDRegistry) uint64 {
	if r == nil {
		return uint64(rand.Uint32())
	}
	return r.Generate()
}
