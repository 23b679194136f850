// Package connector groups the adapter layer that lets the export and
// import engines talk to vector stores.
//
// # Layout
//
//   - core: the Source and Target interfaces plus the optional capability
//     interfaces (page streaming, id listing, search, marking, parallel
//     upsert) that engines discover with a type assertion.
//
//   - base: retry and shrink policies and the progress reporter shared by
//     the engines.
//
//   - registry: slug-keyed factories. Backends register themselves from an
//     init function, so a blank import is enough to make one available.
//
//   - backends: the adapters themselves. memory is an in-process store used
//     by tests and demos; qdrant speaks gRPC; pgvector uses a pgx pool.
//
// # Writing a backend
//
// A backend implements core.Source, core.Target or both, and any capability
// interfaces it supports. Adapters whose capabilities depend on the server
// or on configuration also implement core.CapabilityGate. Errors should be
// classified into the pkg/errors taxonomy, because the engines decide
// between retrying, shrinking the batch, skipping a namespace and aborting
// the run by error type alone.
package connector
