package repository

import "context"

// Setting is one runtime override row. Secret values are stored sealed and
// returned in plaintext by the repository.
type Setting struct {
	Key    string
	Value  string
	Secret bool
}

// Repository defines access to runtime setting overrides (app_settings).
type Repository interface {
	// All returns every override keyed by setting key. Secret values that cannot be
	// opened are omitted and reported through the returned error list.
	All(ctx context.Context) (map[string]string, []error, error)
	// Get returns the value for key and whether it is set.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set inserts or replaces the value for key, sealing it when secret is true.
	Set(ctx context.Context, s Setting) error
	// Delete removes the override for key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error
}
