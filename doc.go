// Package mssql implements the client-side command execution engine for a
// TDS (Tabular Data Stream) database connection: preparation, parameter
// marshalling, optional transparent parameter encryption, RPC dispatch,
// synchronous and asynchronous completion, cancellation and retry.
//
// The wire-level TDS parser, the connection pool, cryptographic key-store
// providers, the result reader and the public database/sql-facing API are
// external collaborators, reached only through the narrow interfaces in
// interfaces.go. This package never opens a socket itself.
package mssql
