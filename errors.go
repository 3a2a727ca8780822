package swr

import "errors"

var (
	// ErrKeyNotReady is returned internally when an args factory panics or
	// the resolved args are nil, signalling a conditional fetch that isn't
	// ready yet.
	ErrKeyNotReady = errors.New("swr: key not ready")

	// ErrNoEntry is returned by operations that require an already-live
	// entry (e.g. requestData against a key nobody has ever used).
	ErrNoEntry = errors.New("swr: no cache entry for key")

	// ErrStopped is returned by requestData for an entry whose terminal
	// fetch failure left it with no data; subscribers see the fetch error
	// itself, and the next Use call builds a fresh entry.
	ErrStopped = errors.New("swr: entry stopped")
)
