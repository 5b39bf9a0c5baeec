package prefs

// MemStore is an in-memory Store for tests and for running with persistence
// disabled. Not safe for concurrent use; the agent core runs on one thread.
type MemStore struct {
	ints    map[string]int64
	strings map[string]string
	bools   map[string]bool
}

// NewMem returns an empty in-memory store.
func NewMem() *MemStore {
	return &MemStore{
		ints:    make(map[string]int64),
		strings: make(map[string]string),
		bools:   make(map[string]bool),
	}
}

func (m *MemStore) GetInt64(key string) (int64, bool) {
	v, ok := m.ints[key]
	return v, ok
}

func (m *MemStore) SetInt64(key string, value int64) error {
	m.delete(key)
	m.ints[key] = value
	return nil
}

func (m *MemStore) GetString(key string) (string, bool) {
	v, ok := m.strings[key]
	return v, ok
}

func (m *MemStore) SetString(key, value string) error {
	m.delete(key)
	m.strings[key] = value
	return nil
}

func (m *MemStore) GetBool(key string) (bool, bool) {
	v, ok := m.bools[key]
	return v, ok
}

func (m *MemStore) SetBool(key string, value bool) error {
	m.delete(key)
	m.bools[key] = value
	return nil
}

func (m *MemStore) Exists(key string) bool {
	if _, ok := m.ints[key]; ok {
		return true
	}
	if _, ok := m.strings[key]; ok {
		return true
	}
	_, ok := m.bools[key]
	return ok
}

func (m *MemStore) Delete(key string) error {
	m.delete(key)
	return nil
}

func (m *MemStore) delete(key string) {
	delete(m.ints, key)
	delete(m.strings, key)
	delete(m.bools, key)
}
