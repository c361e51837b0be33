package mssql

import "go.uber.org/multierr"

// BatchMode aggregates multiple commands into one round trip; the
// encryption setting is locked by the first AddBatchCommand call and every
// later call must match it (spec §3, glossary "Batch RPC mode").
type BatchMode struct {
	settingLocked bool
	setting       ColumnEncryptionSetting
	rpcs          []*RPCRecord
	currentIndex  int
}

func newBatchMode() *BatchMode { return &BatchMode{} }

// lockOrCheck records the encryption setting on the first call and
// enforces equality on every later one (spec §3 "Batch mode" invariant).
func (b *BatchMode) lockOrCheck(setting ColumnEncryptionSetting) error {
	if !b.settingLocked {
		b.setting = setting
		b.settingLocked = true
		return nil
	}
	if b.setting != setting {
		return ErrBatchEncryptionSettingMismatch
	}
	return nil
}

func (b *BatchMode) add(rec *RPCRecord) { b.rpcs = append(b.rpcs, rec) }

// BatchAccounting tracks per-RPC rows-affected and diagnostic ranges (spec
// §3 RpcRecord, §4.7).
type BatchAccounting struct {
	diagnostics func() []Error

	perRPCRows      []int64
	cumulativeRows  []int64
	errorRanges     [][2]int
	warningRanges   [][2]int
}

func newBatchAccounting(diagnostics func() []Error) *BatchAccounting {
	return &BatchAccounting{diagnostics: diagnostics}
}

// RecordRPC appends one RPC's accounting slot, carrying the running total
// of rows affected up to and including this RPC (spec §4.7).
func (b *BatchAccounting) RecordRPC(rowsAffected int64, errRange, warnRange [2]int) {
	cumulative := rowsAffected
	if n := len(b.cumulativeRows); n > 0 {
		cumulative += b.cumulativeRows[n-1]
	}
	b.perRPCRows = append(b.perRPCRows, rowsAffected)
	b.cumulativeRows = append(b.cumulativeRows, cumulative)
	b.errorRanges = append(b.errorRanges, errRange)
	b.warningRanges = append(b.warningRanges, warnRange)
}

func (b *BatchAccounting) Len() int { return len(b.perRPCRows) }

func (b *BatchAccounting) RowsAffected(i int) int64     { return b.perRPCRows[i] }
func (b *BatchAccounting) CumulativeRows(i int) int64   { return b.cumulativeRows[i] }

// TotalRowsAffected is the cumulative count across the whole batch, the
// value execute-non-query returns to the caller.
func (b *BatchAccounting) TotalRowsAffected() int64 {
	if n := len(b.cumulativeRows); n > 0 {
		return b.cumulativeRows[n-1]
	}
	return 0
}

// GetErrors reconstructs one combined fault for RPC i by slicing the
// session's diagnostic buffer with [errors_start, errors_end) and joining
// the results with go.uber.org/multierr, replacing a hand-rolled
// error-joining loop (spec §4.7, SPEC_FULL §10.2).
func (b *BatchAccounting) GetErrors(i int) error {
	rng := b.errorRanges[i]
	diag := b.diagnostics()
	if rng[0] < 0 || rng[1] > len(diag) || rng[0] > rng[1] {
		return nil
	}
	var err error
	for _, e := range diag[rng[0]:rng[1]] {
		err = multierr.Append(err, e)
	}
	return err
}

func (b *BatchAccounting) GetWarnings(i int) []Error {
	rng := b.warningRanges[i]
	diag := b.diagnostics()
	if rng[0] < 0 || rng[1] > len(diag) || rng[0] > rng[1] {
		return nil
	}
	return diag[rng[0]:rng[1]]
}
