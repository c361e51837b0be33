package mssql

import "context"

// executionDriver implements spec §4.4: pick the RPC shape the prepare
// state machine names, dispatch it, and pump the result through the
// Output Parameter Binder. It holds no state of its own -- every method
// takes the Command, Parser and Session it needs -- so a single shared
// instance serves every command.
type executionDriver struct{}

// execute runs one attempt of cmd against parser over sess and returns the
// installed Reader together with the rows-affected total once runBehavior
// is satisfied (spec §4.4, §4.7). Every call here is one "attempt" as
// retryOnce understands the word; the caller (Command.runWithRetry) is
// responsible for the retry envelope.
func (d *executionDriver) execute(ctx context.Context, cmd *Command, parser Parser, sess Session, runBehavior RunBehavior) (Reader, int64, error) {
	if cmd.inBatchMode() {
		return d.executeBatch(ctx, cmd, parser, sess, runBehavior)
	}

	shape := cmd.prepareState.chooseShape(cmd)
	inSchema := cmd.behavior.wantsSchemaPreamble() && cmd.kind == StoredProcedure
	sync := runBehavior == RunBehaviorUntilDone
	logTrace(ctx, cmd.logger(), "dispatching command %s via rpc shape %d", cmd.id, shape)

	var task WriteTask
	var err error
	inPrepare := false

	switch shape {
	case shapeRawBatch:
		task, err = parser.ExecuteSQLBatch(ctx, cmd.text, cmd.timeout(), nil, sess, sync, cmd.enclavePackage)
	case shapeExecuteSQL:
		rec, buildErr := RPCBuilder{}.BuildExecuteSQLRPC(cmd)
		if buildErr != nil {
			return nil, 0, buildErr
		}
		task, err = parser.ExecuteRPC(ctx, cmd, []*RPCRecord{rec}, cmd.timeout(), inSchema, nil, sess, false, sync)
	case shapePrepExec:
		handle := int32(-1)
		if cmd.prepareState.handleValid(cmd.connection) {
			handle = cmd.prepareState.handle.Handle
		}
		rec, buildErr := RPCBuilder{}.BuildPrepExecRPC(cmd, handle)
		if buildErr != nil {
			return nil, 0, buildErr
		}
		inPrepare = true
		task, err = parser.ExecuteRPC(ctx, cmd, []*RPCRecord{rec}, cmd.timeout(), inSchema, nil, sess, false, sync)
	case shapeExecute:
		rec, buildErr := RPCBuilder{}.BuildExecuteRPC(cmd, cmd.prepareState.handle.Handle)
		if buildErr != nil {
			return nil, 0, buildErr
		}
		task, err = parser.ExecuteRPC(ctx, cmd, []*RPCRecord{rec}, cmd.timeout(), inSchema, nil, sess, false, sync)
	case shapeDirectProc:
		rec, buildErr := RPCBuilder{}.BuildDirectProcRPC(cmd)
		if buildErr != nil {
			return nil, 0, buildErr
		}
		task, err = parser.ExecuteRPC(ctx, cmd, []*RPCRecord{rec}, cmd.timeout(), inSchema, nil, sess, true, sync)
	}
	if err != nil {
		logError(ctx, cmd.logger(), "command %s: dispatch failed: %v", cmd.id, err)
		return nil, 0, err
	}
	if task != nil {
		if err := task.Wait(ctx); err != nil {
			logError(ctx, cmd.logger(), "command %s: write failed: %v", cmd.id, err)
			return nil, 0, err
		}
	}

	reader := parser.NewReader(sess)
	cmd.gate.setReader(reader)

	sink := newOutputParameterBinder(cmd, inPrepare)
	status, err := parser.TryRun(ctx, runBehavior, cmd, reader, sess, sink)
	if err != nil {
		logError(ctx, cmd.logger(), "command %s: token stream pump failed: %v", cmd.id, err)
		return reader, 0, err
	}
	logTrace(ctx, cmd.logger(), "command %s: pump returned status %d", cmd.id, status)

	cmd.dirty = false
	cmd.parameters.MarkClean()

	if runBehavior == RunBehaviorReturnImmediately {
		return reader, 0, nil
	}
	return reader, reader.RowsAffected(), nil
}

// executeBatch dispatches every queued RPCRecord as one wire batch and
// feeds BatchAccounting from the session's diagnostic buffer (spec §3
// "Batch RPC mode", §4.7).
func (d *executionDriver) executeBatch(ctx context.Context, cmd *Command, parser Parser, sess Session, runBehavior RunBehavior) (Reader, int64, error) {
	sync := runBehavior == RunBehaviorUntilDone
	logTrace(ctx, cmd.logger(), "dispatching command %s as a batch of %d rpcs", cmd.id, len(cmd.batchMode.rpcs))
	task, err := parser.ExecuteRPC(ctx, cmd, cmd.batchMode.rpcs, cmd.timeout(), false, nil, sess, false, sync)
	if err != nil {
		logError(ctx, cmd.logger(), "command %s: batch dispatch failed: %v", cmd.id, err)
		return nil, 0, err
	}
	if task != nil {
		if err := task.Wait(ctx); err != nil {
			return nil, 0, err
		}
	}

	reader := parser.NewReader(sess)
	cmd.gate.setReader(reader)

	sink := newOutputParameterBinder(cmd, false)
	if _, err := parser.TryRun(ctx, runBehavior, cmd, reader, sess, sink); err != nil {
		return reader, 0, err
	}

	accounting := newBatchAccounting(sess.Diagnostics)
	for _, rec := range cmd.batchMode.rpcs {
		accounting.RecordRPC(rec.CumulativeRowsAffected, rec.ErrorsRange, rec.WarningsRange)
	}
	return reader, accounting.TotalRowsAffected(), nil
}
