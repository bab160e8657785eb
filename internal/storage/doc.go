// Package storage provides the persistence capabilities consumed by the
// runtime through the service container: key-value, event journal and
// secret storage, over a file or SQLite backend.
package storage
