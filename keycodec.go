package swr

import "encoding/json"

// KeyCodec serializes a fetch-argument tuple into a deterministic string
// and back. Go's encoding/json already sorts map keys on Marshal, which is
// exactly the determinism a cache key needs, so a single canonical-JSON
// codec (rather than the teacher's msgpack, whose map ordering is
// unspecified) is the one piece of this engine that stays on the standard
// library — see DESIGN.md.
type KeyCodec struct{}

// Encode serializes args into a string key. Argument tuples are
// distinguished from a bare scalar by wrapping in a JSON array, so
// Encode([]any{"x"}) differs from Encode([]any{[]any{"x"}}).
func (KeyCodec) Encode(args []any) (string, error) {
	b, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Decode recovers the original argument tuple from a key produced by Encode.
func (KeyCodec) Decode(key string) ([]any, error) {
	var args []any
	if err := json.Unmarshal([]byte(key), &args); err != nil {
		return nil, err
	}
	return args, nil
}

// NormalizeArgs accepts a tuple, a single scalar (auto-wrapped), or a
// zero-arg factory returning either form, and resolves it to the []any
// tuple KeyCodec.Encode expects. A factory that panics signals "key not
// ready" per spec (e.g. a dependent key whose inputs aren't available yet).
func NormalizeArgs(args any) (resolved []any, err error) {
	defer func() {
		if r := recover(); r != nil {
			resolved, err = nil, ErrKeyNotReady
		}
	}()

	if factory, ok := args.(func() any); ok {
		args = factory()
	}
	if args == nil {
		return nil, ErrKeyNotReady
	}
	if tuple, ok := args.([]any); ok {
		return tuple, nil
	}
	return []any{args}, nil
}
