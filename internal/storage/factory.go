package storage

import "fmt"

const (
	KindMemory = "memory"
	KindSQLite = "sqlite"
	KindDir    = "dir"
)

// NewStore selects a backend. path is the database file for sqlite and the
// checkpoint root for dir.
func NewStore(kind, path string) (Store, error) {
	switch kind {
	case "", KindMemory:
		return NewMemoryStore(), nil
	case KindSQLite:
		return NewSQLiteStore(path), nil
	case KindDir:
		return NewDirStore(path), nil
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", kind)
	}
}

func CloseIfSupported(store Store) error {
	closer, ok := store.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}
