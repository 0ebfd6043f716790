package hub

import (
	"sync"
)

// Basic thread-safe (T -> U) map
type safeMap[T comparable, U any] struct {
	mutex sync.Mutex
	data  map[T]U
}

func newSafeMap[T comparable, U any]() *safeMap[T, U] {
	return &safeMap[T, U]{
		data: make(map[T]U),
	}
}

// Safely get a value of the map
func (sm *safeMap[T, U]) get(key T) (U, bool) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	val, exists := sm.data[key]
	return val, exists
}

// Safely set a value of the map, returns the new size
func (sm *safeMap[T, U]) set(key T, val U) int {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	sm.data[key] = val
	return len(sm.data)
}

// Safely delete a key, returns the new size
func (sm *safeMap[T, U]) delete(key T) int {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	delete(sm.data, key)
	return len(sm.data)
}

func (sm *safeMap[T, U]) len() int {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	return len(sm.data)
}

// Returns a snapshot of the values
func (sm *safeMap[T, U]) values() []U {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	out := make([]U, 0, len(sm.data))
	for _, val := range sm.data {
		out = append(out, val)
	}
	return out
}
