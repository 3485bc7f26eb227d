package kv

import (
	"context"
	"encoding/json"
	"fmt"
)

// Encode marshals v for storage.
func Encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode: %w", err)
	}
	return string(b), nil
}

// Decode unmarshals raw into a T and runs validate on it. Callers treat any
// error as "absent".
func Decode[T any](raw string, validate func(T) error) (T, error) {
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return v, fmt.Errorf("decode: %w", err)
	}
	if validate != nil {
		if err := validate(v); err != nil {
			var zero T
			return zero, fmt.Errorf("validate: %w", err)
		}
	}
	return v, nil
}

// DecodeError is returned by GetJSON when a stored value exists but cannot
// be used. The value should be treated as absent.
type DecodeError struct {
	Key string
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("corrupt value at %s: %v", e.Key, e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }

// GetJSON loads key and decodes it. The bool is false when the key is
// missing or its value is corrupt; in the corrupt case a *DecodeError is
// returned alongside so the caller can report it. Read failures are returned
// as plain errors.
func GetJSON[T any](ctx context.Context, s Store, key string, validate func(T) error) (T, bool, error) {
	var zero T
	raw, ok, err := s.Get(ctx, key)
	if err != nil {
		return zero, false, err
	}
	if !ok {
		return zero, false, nil
	}
	v, err := Decode(raw, validate)
	if err != nil {
		return zero, false, &DecodeError{Key: key, Err: err}
	}
	return v, true, nil
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := Encode(v)
	if err != nil {
		return err
	}
	return s.Set(ctx, key, raw)
}
