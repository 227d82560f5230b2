// Package snapshot provides the sources a gateway reconciles against. A
// Source returns the complete desired set of end server descriptors each
// time it is fetched.
//
// Three implementations are provided: Static and Func for embedding, a
// FileSource that reads a tree of YAML files, and a DashboardSource that
// queries the dashboard's external API.
package snapshot
