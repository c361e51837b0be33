package mssql

import (
	"errors"
	"fmt"
)

// Error is a single TDS-protocol diagnostic, the shape carried inline in a
// DONE token's error slice and reconstructed by BatchAccounting.GetErrors.
type Error struct {
	Number     int32
	State      uint8
	Class      uint8
	Message    string
	ServerName string
	ProcName   string
	LineNumber int32
}

func (e Error) Error() string {
	return fmt.Sprintf("mssql: %s (number=%d, state=%d, class=%d, proc=%q, line=%d)",
		e.Message, e.Number, e.State, e.Class, e.ProcName, e.LineNumber)
}

// ServerError wraps a terminal, server-raised failure: a DONE token carrying
// the doneSrvError status bit.
type ServerError struct {
	Err Error
}

func (e ServerError) Error() string { return e.Err.Error() }
func (e ServerError) Unwrap() error { return e.Err }

// StreamError is a client-side stream or protocol violation: an unexpected
// token, a truncated buffer, a result shape the engine did not ask for.
type StreamError struct {
	InnerError error
}

func (e StreamError) Error() string {
	return fmt.Sprintf("mssql: invalid TDS stream: %v", e.InnerError)
}
func (e StreamError) Unwrap() error { return e.InnerError }

// Server-assigned diagnostic numbers for the two protocol-signalled
// retryable conditions named in spec §7. Both surface as a ServerError
// whose Err.Number matches one of these.
const (
	ErrorNumberConversionErrorClientRetry  int32 = 33542
	ErrorNumberEnclaveInvalidSessionHandle int32 = 33195
)

// Sentinel user-visible failures (spec §7 "User-visible failures").
var (
	ErrCancelled                           = errors.New("mssql: operation cancelled")
	ErrInvalidArgument                     = errors.New("mssql: invalid argument")
	ErrInvalidArgumentLength               = errors.New("mssql: invalid argument: exceeds maximum length")
	ErrNoStoredProcedure                   = errors.New("mssql: command has no associated stored procedure")
	ErrParameterEncryptionMetadataMissing  = errors.New("mssql: parameter encryption metadata missing for one or more parameters")
	ErrProcEncryptionMetadataMissing       = errors.New("mssql: procedure parameter encryption metadata missing")
	ErrMismatchedEndMethod                 = errors.New("mssql: end-method does not match the begin-method used to start the operation")
	ErrAsyncAlreadyInProgress              = errors.New("mssql: an asynchronous operation is already in progress on this command")
	ErrTransactionConnectionMismatch       = errors.New("mssql: command's transaction does not belong to the command's connection")
	ErrTCENotSupportedByServer             = errors.New("mssql: transparent column encryption is not supported by this server")
	ErrAttestationURLMissing               = errors.New("mssql: enclave attestation URL is required but was not configured")
	ErrColumnMasterKeySignatureInvalid     = errors.New("mssql: column master key signature verification failed")
	ErrReconnectTimeout                    = errors.New("mssql: timed out waiting for connection to finish reconnecting")
	ErrConnectionBroken                    = errors.New("mssql: connection is broken")
	ErrMutationWhileAsyncInFlight          = errors.New("mssql: command cannot be mutated while an asynchronous operation is in flight")
	ErrBatchEncryptionSettingMismatch      = errors.New("mssql: all commands in a batch must share the same column encryption setting")
	ErrReservedKeyStoreProviderName        = errors.New("mssql: key store provider names prefixed with the reserved system prefix cannot be registered locally")
	ErrEnclaveAttestationRowMissing        = errors.New("mssql: describe-parameter-encryption did not return the expected attestation info row")
)

// errorClass is the §7 failure taxonomy used to decide propagation and
// retry behavior.
type errorClass int

const (
	classUserVisible errorClass = iota
	classCancelled
	classProtocolRetryable
	classOrchestratorRetryable
	classBroken
	classFatal
)

// classify maps an error observed during execution to its §7 class. Fatal
// signals (out-of-memory and the like) are not representable as ordinary
// Go errors in this engine -- they are real Go panics -- so classify never
// returns classFatal: classifyPanic turns a recovered panic into an error
// wrapping ErrConnectionBroken, which classify reports as classBroken.
func classify(err error) errorClass {
	if err == nil {
		return classUserVisible
	}
	if errors.Is(err, ErrCancelled) {
		return classCancelled
	}
	if errors.Is(err, ErrConnectionBroken) {
		return classBroken
	}
	var se ServerError
	if errors.As(err, &se) {
		switch se.Err.Number {
		case ErrorNumberConversionErrorClientRetry, ErrorNumberEnclaveInvalidSessionHandle:
			return classProtocolRetryable
		}
	}
	if errors.Is(err, errOrchestratorRetry) {
		return classOrchestratorRetryable
	}
	return classUserVisible
}

// errOrchestratorRetry is the explicit enclave-query retry signal the
// orchestrator raises internally; it never reaches a caller.
var errOrchestratorRetry = errors.New("mssql: orchestrator-internal retry signal")

// classifyPanic folds a recovered fatal signal (out-of-memory, stack
// overflow and similar) into the generic panic path, per spec §9's note
// that a reimplementation without a distinct thread-abort primitive may
// do so.
func classifyPanic(r any) error {
	return fmt.Errorf("%w: %v", ErrConnectionBroken, r)
}
