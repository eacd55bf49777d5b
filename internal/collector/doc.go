// Package collector defines the core types and contracts for the property
// record harvesting engine: data sources, collection runs, the canonical
// Property record, and the interfaces implemented by collectors and their
// collaborators (fetching, markup parsing, persistence).
package collector
