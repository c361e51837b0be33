package mssql

import (
	"context"
	"time"
)

// The interfaces in this file are the external collaborators named in
// spec §6. The command execution engine only ever talks to the wire-level
// parser, the connection pool, key-store providers, the result reader, the
// retry-policy plug-in and the enclave-attestation collaborator through
// these narrow seams -- none of them is implemented in this package.

// WriteTask is the handle returned for an in-flight asynchronous write.
type WriteTask interface {
	// Wait blocks until the write has been fully flushed to the session,
	// or ctx is done.
	Wait(ctx context.Context) error
}

// Parser is the wire-level TDS parser collaborator.
type Parser interface {
	ExecuteSQLBatch(ctx context.Context, text string, timeout time.Duration, notification []byte, sess Session, sync bool, enclavePackage *EnclavePackage) (WriteTask, error)
	ExecuteRPC(ctx context.Context, cmd *Command, rpcs []*RPCRecord, timeout time.Duration, inSchema bool, notification []byte, sess Session, isProc bool, sync bool) (WriteTask, error)
	// TryRun pumps the session until the reader is satisfied or, for
	// RunBehaviorReturnImmediately, until the first suspension point. Every
	// return-value and return-status token it decodes along the way is
	// handed to sink rather than interpreted by the parser itself (spec
	// §4.6); the engine's OutputParameterBinder is the sink in production.
	TryRun(ctx context.Context, runBehavior RunBehavior, cmd *Command, reader Reader, sess Session, sink OutputSink) (OperationStatus, error)

	// NewReader constructs the token-stream reader for the most recent
	// write on sess. The engine never decodes column metadata or row
	// tokens itself; it only installs the returned Reader in the
	// cancellation gate and forwards Cancel to it.
	NewReader(sess Session) Reader

	// DescribeParameterEncryption drives the sp_describe_parameter_
	// encryption RPC to completion and decodes its three result sets into
	// the bit-exact column shapes of spec §6. Token decoding stays the
	// parser's concern; the Orchestrator only sees the decoded rows.
	DescribeParameterEncryption(ctx context.Context, cmd *Command, rpc *RPCRecord, sess Session, sync bool) (*DescribeParameterEncryptionResults, error)
}

// OutputSink receives decoded return-value and return-status tokens while
// TryRun pumps a result stream. Decoding the raw tokens stays the parser's
// concern; the engine's Output Parameter Binder is the only implementation
// (spec §4.6).
type OutputSink interface {
	OnReturnValue(ctx context.Context, tok ReturnValueToken) error
	OnReturnStatus(ctx context.Context, status int32)
}

// Reader consumes the token stream of one command's result into rows. It is
// owned by the public API wrapper; the engine only installs it and forwards
// cancellation to it.
type Reader interface {
	Cancel()
	Close() error
	// RowsAffected is the rows-affected count carried by the most recent
	// DONE token this reader has consumed. The Execution Driver returns it
	// for a non-batch execution; batch executions take their counts from
	// the RPC records instead (spec §4.7).
	RowsAffected() int64
}

// Session is the mutable per-connection I/O object the command borrows for
// the duration of one operation.
type Session interface {
	SendAttention() error
	IsBroken() bool
	// Diagnostics returns the session's accumulated error/warning buffer;
	// BatchAccounting slices into it with [start,end) ranges.
	Diagnostics() []Error
}

// ReconnectFuture is a pending reconnect the Execution Driver must await
// before writing (spec §4.4).
type ReconnectFuture interface {
	Wait(ctx context.Context) error
	Cancel()
}

// Connection is the owning collaborator: it owns the Session object, the
// async counter, and per-connection configuration the orchestrator and
// driver consult.
type Connection interface {
	ValidateAndReconnect(ctx context.Context, timeout time.Duration) (ReconnectFuture, error)
	GetOpenSession(ctx context.Context) (Session, error)

	IsColumnEncryptionSettingEnabled() bool
	EnclaveAttestationURL() string
	AttestationProtocol() string
	Database() string
	DataSource() string

	IncrementAsyncCount()
	DecrementAsyncCount()

	CloseCount() int64
	ReconnectCount() int64

	Logger() ContextLogger

	// RegisterWeak lets the connection notify the command on close without
	// keeping it alive; see spec §9 "Cyclic references".
	RegisterWeak(cmd *Command)
}

// KeyStoreProvider decrypts column encryption keys and verifies column
// master key signatures for one key-store (e.g. a certificate store, an
// HSM, a cloud KMS).
type KeyStoreProvider interface {
	DecryptColumnEncryptionKey(ctx context.Context, path, algorithm string, encryptedKey []byte) ([]byte, error)
	VerifyColumnMasterKeySignature(ctx context.Context, path string, allowEnclaveComputations bool, signature []byte) (bool, error)
}

// KeyStoreProviderRegistry resolves a provider by name; the global registry
// and a command-local registry (which may shadow it) both implement this.
type KeyStoreProviderRegistry interface {
	TryGetProvider(name string) (KeyStoreProvider, bool)
}

// RetryPolicy decides whether a classified failure should be retried. The
// engine itself enforces the "at most once" ceiling (spec §4.3, §8
// property 3); a RetryPolicy only ever gets to veto a retry, not extend it.
type RetryPolicy interface {
	ShouldRetry(ctx context.Context, err error, attempt int) bool
}

// EnclaveProtocol is the attestation-protocol collaborator (spec §6).
type EnclaveProtocol interface {
	GetSessionParameters() (sessionParameters []byte, err error)
	// GetSession decides, from connection-level configuration and
	// independently of anything the server has said yet, whether this round
	// trip should carry attestation parameters, and returns a previously
	// negotiated session to reuse when one is already valid. It runs before
	// the first describe-parameter-encryption RPC is built, not after (spec
	// §6 get_session).
	GetSession(ctx context.Context, protocol string, enclaveType string, sessionParameters []byte, generateAttestationParams bool, isRetry bool) (session *EnclaveSession, customData []byte, err error)
	GetAttestationParameters(ctx context.Context, attestationURL string, customData []byte) (*AttestationParams, error)
	SerializeAttestationParameters(p *AttestationParams) ([]byte, error)
	CreateSession(ctx context.Context, attestationInfo []byte, sessionParameters []byte) (*EnclaveSession, error)
	InvalidateSession(enclaveType string, sessionParameters []byte)
	GenerateEnclavePackage(ctx context.Context, keys []*CipherKeyEntry, text string, enclaveType string, sessionParameters []byte) (*EnclavePackage, error)
}
