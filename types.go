package mssql

// CommandKind distinguishes a raw SQL batch from a stored-procedure
// invocation (spec §3, Command.kind).
type CommandKind int

const (
	TextBatch CommandKind = iota
	StoredProcedure
)

// ColumnEncryptionSetting controls whether the Parameter Encryption
// Orchestrator runs for a given command (spec §3, §4.3).
type ColumnEncryptionSetting int

const (
	UseConnectionDefault ColumnEncryptionSetting = iota
	Enabled
	Disabled
	ResultSetOnly
)

// Direction is a parameter's calling convention (spec §3, Parameter).
type Direction int

const (
	DirectionInput Direction = iota
	DirectionOutput
	DirectionInputOutput
	DirectionReturnValue
)

// DataType is the closed enumeration of wire types a Parameter may declare.
type DataType int

const (
	TypeUnknown DataType = iota
	TypeBigInt
	TypeInt
	TypeSmallInt
	TypeTinyInt
	TypeBit
	TypeFloat
	TypeReal
	TypeDecimal
	TypeMoney
	TypeSmallMoney
	TypeDateTime
	TypeSmallDateTime
	TypeDate
	TypeTime
	TypeDateTime2
	TypeDateTimeOffset
	TypeChar
	TypeVarChar
	TypeText
	TypeNChar
	TypeNVarChar
	TypeNText
	TypeBinary
	TypeVarBinary
	TypeImage
	TypeUniqueIdentifier
	TypeXml
	TypeJson
	TypeUdt
	TypeStructured // table-valued parameter
)

// isPLP reports whether the type is a "partially length-prefixed" max type
// on the wire (spec §4.5: "(max) for PLP types except structured, Udt, Xml,
// Json").
func (t DataType) isPLP() bool {
	switch t {
	case TypeVarChar, TypeNVarChar, TypeVarBinary:
		return true
	}
	return false
}

func (t DataType) isANSI() bool {
	switch t {
	case TypeChar, TypeVarChar, TypeText:
		return true
	}
	return false
}

// RunBehavior mirrors the parser's run-behavior flag threaded through
// TryRun (spec §6).
type RunBehavior int

const (
	RunBehaviorReturnImmediately RunBehavior = iota
	RunBehaviorUntilDone
)

// OperationStatus is the parser's TdsOperationStatus (spec §6).
type OperationStatus int

const (
	StatusDone OperationStatus = iota
	StatusPending
)

// CommandBehavior requests extra schema-only preambles around a stored
// procedure call (spec §4.4).
type CommandBehavior int

const (
	BehaviorDefault CommandBehavior = 0
	BehaviorSchemaOnly CommandBehavior = 1 << iota
	BehaviorKeyInfo
)

func (b CommandBehavior) wantsSchemaPreamble() bool {
	return b&(BehaviorSchemaOnly|BehaviorKeyInfo) != 0
}
