// Package onetoone implements Map, a strict one-to-one (bijective)
// correspondence between two key spaces, with forward and inverse lookup.
//
// The pipeline runtime uses it to translate between the compiler's value
// naming and a stage's physical parameter and gradient names, e.g. parameter
// name <-> output-gradient value name. Bijectivity is enforced on insertion:
// mapping a key or a value that already participates in the map panics, since
// it signals a bug in the dependency metadata rather than a recoverable
// condition.
package onetoone

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"golang.org/x/exp/maps"
)

// Map is a bijective map between keys of type K and values of type V.
//
// The zero value is not usable, use New (or FromMap).
type Map[K comparable, V comparable] struct {
	forward map[K]V
	inverse map[V]K
}

// New returns an empty bijective map.
func New[K comparable, V comparable]() *Map[K, V] {
	return &Map[K, V]{
		forward: make(map[K]V),
		inverse: make(map[V]K),
	}
}

// FromMap builds a bijective map from an ordinary map. It panics if the values
// are not unique.
func FromMap[K comparable, V comparable](m map[K]V) *Map[K, V] {
	bijection := New[K, V]()
	for k, v := range m {
		bijection.Add(k, v)
	}
	return bijection
}

// Add inserts the pair (key, value). It panics if either key or value already
// participates in a mapping: the map must remain a true bijection.
func (m *Map[K, V]) Add(key K, value V) {
	_, keyTaken := m.forward[key]
	_, valueTaken := m.inverse[value]
	if keyTaken || valueTaken {
		exceptions.Panicf("onetoone.Map.Add(%v, %v): not a one-to-one mapping, key taken=%v, value taken=%v",
			key, value, keyTaken, valueTaken)
	}
	m.forward[key] = value
	m.inverse[value] = key
}

// Get returns the value mapped to key. It panics if key is absent.
func (m *Map[K, V]) Get(key K) V {
	value, found := m.forward[key]
	if !found {
		exceptions.Panicf("onetoone.Map.Get(%v): key not present", key)
	}
	return value
}

// InvGet returns the key mapped to value. It panics if value is absent.
func (m *Map[K, V]) InvGet(value V) K {
	key, found := m.inverse[value]
	if !found {
		exceptions.Panicf("onetoone.Map.InvGet(%v): value not present", value)
	}
	return key
}

// Has returns whether key participates in the mapping.
func (m *Map[K, V]) Has(key K) bool {
	_, found := m.forward[key]
	return found
}

// InvHas returns whether value participates in the mapping.
func (m *Map[K, V]) InvHas(value V) bool {
	_, found := m.inverse[value]
	return found
}

// Len returns the number of pairs in the map.
func (m *Map[K, V]) Len() int { return len(m.forward) }

// Keys returns the keys of the map, in no particular order.
func (m *Map[K, V]) Keys() []K { return maps.Keys(m.forward) }

// Values returns the values of the map, in no particular order.
func (m *Map[K, V]) Values() []V { return maps.Keys(m.inverse) }

// Items calls fn for every (key, value) pair, in no particular order.
func (m *Map[K, V]) Items(fn func(key K, value V)) {
	for k, v := range m.forward {
		fn(k, v)
	}
}

// Apply composes this map with other: the result maps every key k of this map
// to other.Get(this.Get(k)). It panics if some value of this map is not a key
// of other.
func Apply[K comparable, V comparable, W comparable](m *Map[K, V], other *Map[V, W]) *Map[K, W] {
	composed := New[K, W]()
	m.Items(func(k K, v V) {
		composed.Add(k, other.Get(v))
	})
	return composed
}

// Inverse returns the swapped view of the map: values become keys and
// vice versa. The returned map is an independent copy.
func (m *Map[K, V]) Inverse() *Map[V, K] {
	inverted := New[V, K]()
	m.Items(func(k K, v V) {
		inverted.Add(v, k)
	})
	return inverted
}

// MapKeys returns a copy of dict with every key translated through the map.
// It panics if some key of dict is not present.
func MapKeys[K comparable, V comparable, T any](m *Map[K, V], dict map[K]T) map[V]T {
	translated := make(map[V]T, len(dict))
	for k, v := range dict {
		translated[m.Get(k)] = v
	}
	return translated
}

// String implements fmt.Stringer.
func (m *Map[K, V]) String() string {
	return fmt.Sprintf("onetoone.Map%v", m.forward)
}
