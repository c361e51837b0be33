package mssql

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Command is the client-side aggregate named in spec §3: one SQL batch or
// stored-procedure invocation, its parameters, its prepare state, its
// in-flight async slot and everything the Parameter Encryption Orchestrator
// needs to carry across a describe round trip.
type Command struct {
	id uuid.UUID

	text string
	kind CommandKind

	timeoutSeconds          int
	columnEncryptionSetting ColumnEncryptionSetting
	behavior                CommandBehavior

	parameters *ParameterCollection
	connection Connection
	transaction *Transaction

	prepareState prepareStateMachine
	hiddenPrepare bool
	dirty         bool

	batchMode *BatchMode

	gate cancellationGate

	asyncMu   sync.Mutex
	asyncSlot *AsyncOperation

	orchestrator *ParameterEncryptionOrchestrator
	retryPolicy  RetryPolicy

	keyStoreProviders KeyStoreProviderRegistry
	udtFactory        func(raw any) any

	// Parameter Encryption Orchestrator workspace (spec §3, §4.3). These
	// fields only ever hold meaningful values while requiresEnclave is true
	// or a describe round trip is in flight.
	requiresEnclave     bool
	keysForEnclave      map[int32]*CipherKeyEntry
	keyEntriesByOrdinal map[int32]*CipherKeyEntry
	enclaveProtocol     EnclaveProtocol
	enclaveSession      *EnclaveSession
	enclavePackage      *EnclavePackage
	attestationParams   *AttestationParams
	customData          []byte
	cachingPostponed     bool
}

// Transaction is the narrow shape the Execution Driver needs from whatever
// transaction object the connection produced (spec §3: "command's
// transaction does not belong to the command's connection" is checked by
// comparing this against Connection).
type Transaction struct {
	Connection Connection
}

// NewCommand constructs a Command bound to one connection and one
// process-wide query metadata cache (spec §3, §9).
func NewCommand(conn Connection, cache *QueryMetadataCache, text string, kind CommandKind) *Command {
	cmd := &Command{
		id:           uuid.New(),
		text:         text,
		kind:         kind,
		connection:   conn,
		parameters:   newParameterCollection(),
		orchestrator: NewParameterEncryptionOrchestrator(cache),
		retryPolicy:  DefaultRetryPolicy(),
		keysForEnclave:      make(map[int32]*CipherKeyEntry),
		keyEntriesByOrdinal: make(map[int32]*CipherKeyEntry),
	}
	conn.RegisterWeak(cmd)
	return cmd
}

// ID is the command's correlation identifier, used for nothing the wire
// protocol cares about but handy in logs (spec §9 "identifiers").
func (c *Command) ID() uuid.UUID { return c.id }

func (c *Command) Parameters() *ParameterCollection { return c.parameters }

// SetText replaces the command's batch text or stored-procedure name,
// marking the prepare state dirty the way any text mutation must (spec §4.1
// "dirty" note).
func (c *Command) SetText(text string) error {
	if err := c.guardMutation(); err != nil {
		return err
	}
	c.text = text
	c.dirty = true
	c.prepareState.MarkDirty(false)
	return nil
}

func (c *Command) SetTimeout(d time.Duration) error {
	if err := c.guardMutation(); err != nil {
		return err
	}
	c.timeoutSeconds = int(d / time.Second)
	return nil
}

func (c *Command) SetColumnEncryptionSetting(setting ColumnEncryptionSetting) error {
	if err := c.guardMutation(); err != nil {
		return err
	}
	c.columnEncryptionSetting = setting
	c.dirty = true
	c.prepareState.MarkDirty(false)
	return nil
}

// SetTransaction attaches a transaction, rejecting one that does not belong
// to this command's connection (spec §7 classUserVisible example).
func (c *Command) SetTransaction(tx *Transaction) error {
	if tx != nil && tx.Connection != c.connection {
		return ErrTransactionConnectionMismatch
	}
	c.transaction = tx
	return nil
}

// SetEnclaveProtocol installs the attestation-protocol collaborator; a
// command with no enclave protocol never requires enclave computations.
func (c *Command) SetEnclaveProtocol(p EnclaveProtocol) { c.enclaveProtocol = p }

func (c *Command) SetKeyStoreProviders(r KeyStoreProviderRegistry) { c.keyStoreProviders = r }

func (c *Command) SetRetryPolicy(p RetryPolicy) {
	if p == nil {
		p = DefaultRetryPolicy()
	}
	c.retryPolicy = p
}

func (c *Command) SetUDTFactory(f func(raw any) any) { c.udtFactory = f }

// guardMutation enforces spec §4.2's "command cannot be mutated while an
// asynchronous operation is in flight" rule.
func (c *Command) guardMutation() error {
	c.asyncMu.Lock()
	defer c.asyncMu.Unlock()
	if c.asyncSlot != nil {
		return ErrMutationWhileAsyncInFlight
	}
	return nil
}

func (c *Command) effectiveColumnEncryptionSetting() ColumnEncryptionSetting {
	if c.columnEncryptionSetting != UseConnectionDefault {
		return c.columnEncryptionSetting
	}
	if c.connection != nil && c.connection.IsColumnEncryptionSettingEnabled() {
		return Enabled
	}
	return Disabled
}

func (c *Command) inBatchMode() bool { return c.batchMode != nil }

func (c *Command) isDirty() bool { return c.dirty || c.parameters.Dirty() }

func (c *Command) logger() ContextLogger {
	if c.connection == nil {
		return nopContextLogger{}
	}
	if l := c.connection.Logger(); l != nil {
		return l
	}
	return nopContextLogger{}
}

func (c *Command) attestationProtocolName() string {
	if c.connection == nil {
		return ""
	}
	return c.connection.AttestationProtocol()
}

func (c *Command) timeout() time.Duration {
	return time.Duration(c.timeoutSeconds) * time.Second
}

// Prepare drives the Prepare/Execute State Machine's Prepare transition
// (spec §4.1, §8 property 1: idempotent).
func (c *Command) Prepare() {
	c.prepareState.Prepare(c)
}

// Unprepare resets the plan handle so the next execution re-prepares (spec
// §4.1).
func (c *Command) Unprepare() {
	c.prepareState.Unprepare()
}

// Cancel is callable from any goroutine at any time and never returns an
// error (spec §4.2, §7).
func (c *Command) Cancel() { c.gate.Cancel() }

// Dispose releases the command's prepared handle and enclave session state.
// A disposed command must not be executed again.
func (c *Command) Dispose() {
	c.prepareState.reset()
	c.enclaveSession = nil
	c.enclavePackage = nil
	c.keysForEnclave = nil
	c.keyEntriesByOrdinal = nil
}

// AddBatchCommand folds cmd into this command's BatchMode, enforcing that
// every member shares one effective column-encryption setting (spec §3
// "Batch RPC mode").
func (c *Command) AddBatchCommand(rpc *RPCRecord) error {
	if c.batchMode == nil {
		c.batchMode = newBatchMode()
	}
	if err := c.batchMode.lockOrCheck(c.effectiveColumnEncryptionSetting()); err != nil {
		return err
	}
	c.batchMode.add(rpc)
	return nil
}

// sharedDriver is the executionDriver every Command.Execute* method shares;
// see driver.go for RPC shape dispatch and RunBehavior handling (spec §4.4).
var sharedDriver = &executionDriver{}

// ExecuteNonQuery runs the command and returns the cumulative rows-affected
// count (spec §4.4, §4.7).
func (c *Command) ExecuteNonQuery(ctx context.Context, parser Parser) (int64, error) {
	var rowsAffected int64
	err := c.runWithRetry(ctx, parser, func(sess Session) error {
		reader, n, execErr := sharedDriver.execute(ctx, c, parser, sess, RunBehaviorUntilDone)
		if reader != nil {
			_ = reader.Close()
		}
		rowsAffected = n
		return execErr
	})
	return rowsAffected, err
}

// ExecuteScalar runs the command and returns the first column of the first
// row, or nil if the result set is empty (spec §4.4).
func (c *Command) ExecuteScalar(ctx context.Context, parser Parser, scan func(Reader) (any, error)) (any, error) {
	var value any
	err := c.runWithRetry(ctx, parser, func(sess Session) error {
		reader, _, execErr := sharedDriver.execute(ctx, c, parser, sess, RunBehaviorUntilDone)
		if execErr != nil {
			return execErr
		}
		defer reader.Close()
		v, err := scan(reader)
		value = v
		return err
	})
	return value, err
}

// ExecuteReader runs the command and returns the live Reader the caller
// drives to completion (spec §4.4).
func (c *Command) ExecuteReader(ctx context.Context, parser Parser, behavior CommandBehavior) (Reader, error) {
	c.behavior = behavior
	var reader Reader
	err := c.runWithRetry(ctx, parser, func(sess Session) error {
		r, _, execErr := sharedDriver.execute(ctx, c, parser, sess, RunBehaviorReturnImmediately)
		reader = r
		return execErr
	})
	if err != nil {
		return nil, err
	}
	c.gate.setReader(reader)
	return reader, nil
}

// ExecuteXMLReader runs the command expecting exactly one column and
// returns the concatenated XML text (spec §4.4 "FOR XML" note).
func (c *Command) ExecuteXMLReader(ctx context.Context, parser Parser, scan func(Reader) (string, error)) (string, error) {
	var xml string
	err := c.runWithRetry(ctx, parser, func(sess Session) error {
		reader, _, execErr := sharedDriver.execute(ctx, c, parser, sess, RunBehaviorUntilDone)
		if execErr != nil {
			return execErr
		}
		defer reader.Close()
		s, err := scan(reader)
		xml = s
		return err
	})
	return xml, err
}

// runWithRetry wraps one full attempt (session acquisition, parameter
// encryption, RPC dispatch) with the engine's "at most one retry" ceiling
// (spec §4.3 "Retry classification", §8 property 3).
func (c *Command) runWithRetry(ctx context.Context, parser Parser, attempt func(sess Session) error) error {
	if err := c.guardMutation(); err != nil {
		return err
	}
	c.gate.reset()

	isRetry := false
	err := retryOnce(ctx, c.retryPolicy, func() {
		logTrace(ctx, c.logger(), "command %s: retrying after a classified-retryable failure", c.id)
		c.orchestrator.invalidateForRetry(c)
		isRetry = true
	}, func() error {
		sess, err := c.acquireSession(ctx)
		if err != nil {
			return err
		}
		if err := c.orchestrator.Run(ctx, c, parser, sess, isRetry); err != nil {
			return err
		}
		return attempt(sess)
	})
	if err != nil {
		logError(ctx, c.logger(), "command %s: execution failed: %v", c.id, err)
	}
	return err
}

// acquireSession waits out a pending reconnect before handing the command a
// session (spec §4.4 "Execution Driver"). timeout_seconds == 0 means "no
// timeout", not "skip the wait" -- ValidateAndReconnect always runs, and the
// wait is bounded only when the command carries an explicit timeout.
func (c *Command) acquireSession(ctx context.Context) (Session, error) {
	timeout := c.timeout()
	future, err := c.connection.ValidateAndReconnect(ctx, timeout)
	if err != nil {
		return nil, err
	}
	if future != nil {
		c.gate.setReconnectCancel(future.Cancel)
		waitCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		if err := future.Wait(waitCtx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrReconnectTimeout, err)
		}
	}
	return c.gate.Acquire(ctx, c.connection)
}
