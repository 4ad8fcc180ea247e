// Package keylock даёт мьютекс на ключ: операции над одним заказом выполняются
// последовательно, над разными - параллельно.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// KeyLock - набор мьютексов по ключу, неиспользуемые записи удаляются
type KeyLock struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New создаёт пустой KeyLock
func New() *KeyLock {
	return &KeyLock{entries: make(map[string]*entry)}
}

// Lock захватывает мьютекс ключа и возвращает функцию освобождения
func (k *KeyLock) Lock(key string) (unlock func()) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}

// Len - количество ключей, которые сейчас удерживаются или ожидаются
func (k *KeyLock) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
