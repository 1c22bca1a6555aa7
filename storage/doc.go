// Package storage provides interfaces and shared types for client and
// persisted-grant persistence.
//
// The storage package defines the core interfaces consumed by the engine:
//   - ClientStore: looks up registered relying parties and verifies secrets
//   - GrantStore: CRUD for persisted grants (authorization codes, refresh
//     tokens, device codes) including the atomic Consume and Rotate operations
//     the single-use guarantees depend on
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development, testing, and
//     single-instance deployments
package storage
