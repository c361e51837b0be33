package mssql

// PrepareState is the Prepare/Execute State Machine's state (spec §3, §4.1).
type PrepareState int

const (
	StateUnprepared PrepareState = iota
	StatePreparePending
	StatePrepared
)

// PreparedHandle is the opaque server-side plan handle together with the
// connection generation it was prepared against (spec §3).
type PreparedHandle struct {
	Handle                  int32
	CloseCountAtPrepare     int64
	ReconnectCountAtPrepare int64
}

// prepareStateMachine implements spec §4.1 verbatim: Prepare is a no-op
// when already prepared-and-clean, when the command is a stored procedure,
// or when it is text with zero parameters; otherwise it promotes
// Unprepared -> PreparePending, and the handle survives a later dirty
// demotion back to PreparePending unless the connection's close or
// reconnect counters have advanced.
type prepareStateMachine struct {
	state         PrepareState
	handle        *PreparedHandle
	hiddenPrepare bool
}

// needsPrepare reports whether Prepare() has anything to do, per spec
// §4.1's three no-op conditions and §8 property 1 (prepare idempotence).
func (m *prepareStateMachine) needsPrepare(cmd *Command) bool {
	if m.state == StatePrepared && !cmd.isDirty() {
		return false
	}
	if cmd.kind == StoredProcedure {
		return false
	}
	if cmd.kind == TextBatch && cmd.parameters.Len() == 0 {
		return false
	}
	return true
}

// Prepare promotes Unprepared to PreparePending when there is something to
// prepare (spec §4.1).
func (m *prepareStateMachine) Prepare(cmd *Command) {
	if !m.needsPrepare(cmd) {
		return
	}
	if m.state == StateUnprepared {
		m.state = StatePreparePending
		m.hiddenPrepare = false
	}
}

// handleValid reports whether a previously obtained handle may still be
// reused: the connection must not have been closed or reconnected since
// the plan was prepared (spec §4.1).
func (m *prepareStateMachine) handleValid(conn Connection) bool {
	if m.handle == nil {
		return false
	}
	return conn.CloseCount() == m.handle.CloseCountAtPrepare &&
		conn.ReconnectCount() == m.handle.ReconnectCountAtPrepare
}

// OnHandleReceived records the handle the parser's return-value callback
// delivered and transitions to Prepared (spec §4.1).
func (m *prepareStateMachine) OnHandleReceived(handle int32, conn Connection) {
	m.handle = &PreparedHandle{
		Handle:                  handle,
		CloseCountAtPrepare:     conn.CloseCount(),
		ReconnectCountAtPrepare: conn.ReconnectCount(),
	}
	m.state = StatePrepared
	m.hiddenPrepare = false
}

// MarkDirty forces Prepared -> PreparePending. hidden distinguishes a
// driver-internal re-prepare from a user-initiated Prepare() call (spec
// §3 Command.hidden_prepare, §4.1, §8 property 2).
func (m *prepareStateMachine) MarkDirty(hidden bool) {
	if m.state == StatePrepared {
		m.state = StatePreparePending
		m.hiddenPrepare = hidden
	}
}

// Unprepare resets to PreparePending, preserving the handle under the same
// close/reconnect-count condition as a dirty demotion (spec §4.1).
func (m *prepareStateMachine) Unprepare() {
	if m.state == StateUnprepared {
		return
	}
	m.state = StatePreparePending
}

// reset clears all prepare state, used by Command.Dispose and by a
// connection change (spec §3 invariants).
func (m *prepareStateMachine) reset() {
	m.state = StateUnprepared
	m.handle = nil
	m.hiddenPrepare = false
}

// rpcShape names the RPC shape the Execution Driver uses for a non-batch
// command, per the table in spec §4.4: a raw batch, execute, prepexec or
// execute_sql for text, and a direct call by name for a stored procedure.
type rpcShape int

const (
	shapeRawBatch rpcShape = iota
	shapeExecute
	shapePrepExec
	shapeExecuteSQL
	shapeDirectProc
)

func (m *prepareStateMachine) chooseShape(cmd *Command) rpcShape {
	if cmd.kind == StoredProcedure {
		return shapeDirectProc
	}
	if cmd.parameters.Len() == 0 && !cmd.requiresEnclave {
		return shapeRawBatch
	}
	switch m.state {
	case StatePrepared:
		if m.handleValid(cmd.connection) {
			return shapeExecute
		}
		// handle invalidated by a close/reconnect: fall back to preparing
		// again rather than executing a stale handle.
		m.state = StatePreparePending
		return shapePrepExec
	case StatePreparePending:
		return shapePrepExec
	default:
		return shapeExecuteSQL
	}
}
