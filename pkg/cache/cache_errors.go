package cache

import "fmt"

// InitializationError is returned when a cache cannot be opened.
type InitializationError struct {
	ClassName string
	Err       error
}

func NewInitializationError(className string, err error) *InitializationError {
	return &InitializationError{ClassName: className, Err: err}
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("creation of instance %s failed due to %s", e.ClassName, e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

// CacheCorruption reports an entry that cannot be decoded.
type CacheCorruption struct {
	Key string
	Err error
}

func NewCacheCorruption(key string, err error) *CacheCorruption {
	return &CacheCorruption{Key: key, Err: err}
}

func (e *CacheCorruption) Error() string {
	return fmt.Sprintf("%s is corrupt: %s", e.Key, e.Err)
}

func (e *CacheCorruption) Unwrap() error { return e.Err }
