// Package meta describes registered entities: their Bun table mapping,
// identifier strategy, optimistic version field, natural ids, and the
// relations the cascade engine walks. Metadata is collected once at
// registration and shared by every session.
package meta
