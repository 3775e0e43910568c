// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 StoryKit Contributors

// Package store provides namespaced key-value storage for extensions.
// Each extension reads and writes under its own namespace; the host
// never hands one extension another's namespace.
package store

import "context"

// Store is the persistence surface granted to extensions through their
// capability context. A missing key returns (nil, nil), not an error.
type Store interface {
	Get(ctx context.Context, namespace, key string) ([]byte, error)
	Set(ctx context.Context, namespace, key string, value []byte) error
	Delete(ctx context.Context, namespace, key string) error
	Keys(ctx context.Context, namespace string) ([]string, error)
}
