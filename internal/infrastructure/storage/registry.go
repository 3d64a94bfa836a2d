// Package storage holds the vendor adapters behind the CloudStorageProvider
// interface and the registry that resolves them by name.
package storage

import (
	"errors"
	"fmt"
	"net/http"

	"dropgate/internal/domain/classify"
	"dropgate/internal/domain/storage"
)

// Registry resolves a provider adapter by its configured name.
type Registry struct {
	providers map[string]storage.CloudStorageProvider
}

func NewRegistry(providers []storage.CloudStorageProvider) *Registry {
	byName := make(map[string]storage.CloudStorageProvider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	return &Registry{providers: byName}
}

// Get returns the adapter for the provider name.
func (r *Registry) Get(name string) (storage.CloudStorageProvider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown storage provider %q", name)
	}
	return p, nil
}

func isNotFound(err error) bool {
	var statusErr *classify.StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound
}
