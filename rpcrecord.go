package mssql

import (
	"fmt"
	"strings"
	"unicode/utf16"
)

// MaxRPCNameBytes is the wire cap on a stored-procedure name: 1046 bytes,
// i.e. 523 UTF-16 code units (spec §6).
const MaxRPCNameBytes = 1046

// ProcID identifies an RPC either by a well-known numeric id or by name.
type ProcID struct {
	ID   uint16
	Name string
}

func (p ProcID) byName() bool { return p.Name != "" }

// ParamOptionBits are the per-parameter option flags packed into an
// RPCRecord's option map (spec §3, §4.5).
type ParamOptionBits uint32

const (
	ParamOptionByRef ParamOptionBits = 1 << iota
	ParamOptionDefault
	ParamOptionEncrypted
)

// packParamOption packs (options, index) as "(options << 32) | index" per
// spec §3's RpcRecord.user_parameter option map encoding.
func packParamOption(opts ParamOptionBits, index int) uint64 {
	return (uint64(opts) << 32) | uint64(uint32(index))
}

func unpackParamOption(packed uint64) (opts ParamOptionBits, index int) {
	return ParamOptionBits(packed >> 32), int(uint32(packed))
}

// RPCRecord is the on-wire invocation descriptor assembled by the Builder
// for one of the four shapes named in spec §4.4 (spec §3).
type RPCRecord struct {
	Proc    ProcID
	Options uint16

	SystemParams []*Parameter

	UserParams   *ParameterCollection
	ParamOptions []uint64 // packed (options, index), one per UserParams entry

	CumulativeRowsAffected int64

	ErrorsRange   [2]int
	WarningsRange [2]int

	NeedsFetchParameterEncryptionMetadata bool
}

func newRPCRecord(proc ProcID, userParams *ParameterCollection) *RPCRecord {
	return &RPCRecord{Proc: proc, UserParams: userParams}
}

// optionsFor computes the per-parameter option bits (spec §4.5: "byref for
// InputOutput/Output; default when value is null and direction is not
// Output ... ; encrypted when cipher metadata is present").
func optionsFor(p *Parameter) ParamOptionBits {
	var opts ParamOptionBits
	if p.Direction == DirectionInputOutput || p.Direction == DirectionOutput {
		opts |= ParamOptionByRef
	}
	if p.Value == nil && p.Direction != DirectionOutput {
		opts |= ParamOptionDefault
	}
	if p.isEncrypted() {
		opts |= ParamOptionEncrypted
	}
	return opts
}

func buildParamOptions(params *ParameterCollection) []uint64 {
	packed := make([]uint64, params.Len())
	for i, p := range params.All() {
		packed[i] = packParamOption(optionsFor(p), i)
	}
	return packed
}

// validateRPCName enforces the 1046-byte / 523-UTF16-code-unit wire cap
// (spec §6, §8 property 9).
func validateRPCName(name string) error {
	units := utf16.Encode([]rune(name))
	if len(units)*2 > MaxRPCNameBytes {
		return fmt.Errorf("%w: procedure name %q is %d bytes, exceeds %d",
			ErrInvalidArgumentLength, name, len(units)*2, MaxRPCNameBytes)
	}
	return nil
}

// quoteIdentifierPart quotes a single multi-part-identifier component with
// '[' and ']', doubling any embedded ']' the usual T-SQL way.
func quoteIdentifierPart(part string) string {
	return "[" + strings.ReplaceAll(part, "]", "]]") + "]"
}

// quoteMultipartIdentifier splits on '.' and quotes each component,
// mirroring the multi-part identifier parser spec §4.5 references for
// parameter type-name quoting.
func quoteMultipartIdentifier(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = quoteIdentifierPart(p)
	}
	return strings.Join(parts, ".")
}

// typeModifiers renders the type-specific modifier suffix used by both the
// paramlist signature and general type-name rendering (spec §4.5).
func typeModifiers(p *Parameter) string {
	switch p.Type {
	case TypeDecimal:
		return fmt.Sprintf("(%d,%d)", p.Precision, p.Scale)
	case TypeTime, TypeDateTime2, TypeDateTimeOffset:
		return fmt.Sprintf("(%d)", p.Scale)
	case TypeStructured:
		return ""
	case TypeXml, TypeJson, TypeUdt:
		return ""
	case TypeVarChar, TypeNVarChar, TypeVarBinary:
		if p.Size < 0 {
			return "(max)"
		}
		return fmt.Sprintf("(%d)", p.Size)
	default:
		return ""
	}
}

func typeNameFor(p *Parameter) string {
	base := dataTypeNames[p.Type]
	if base == "" {
		base = "sql_variant"
	}
	return base + typeModifiers(p)
}

var dataTypeNames = map[DataType]string{
	TypeBigInt:           "bigint",
	TypeInt:              "int",
	TypeSmallInt:         "smallint",
	TypeTinyInt:          "tinyint",
	TypeBit:              "bit",
	TypeFloat:            "float",
	TypeReal:             "real",
	TypeDecimal:          "decimal",
	TypeMoney:            "money",
	TypeSmallMoney:       "smallmoney",
	TypeDateTime:         "datetime",
	TypeSmallDateTime:    "smalldatetime",
	TypeDate:             "date",
	TypeTime:             "time",
	TypeDateTime2:        "datetime2",
	TypeDateTimeOffset:   "datetimeoffset",
	TypeChar:             "char",
	TypeVarChar:          "varchar",
	TypeText:             "text",
	TypeNChar:            "nchar",
	TypeNVarChar:         "nvarchar",
	TypeNText:            "ntext",
	TypeBinary:           "binary",
	TypeVarBinary:        "varbinary",
	TypeImage:            "image",
	TypeUniqueIdentifier: "uniqueidentifier",
	TypeXml:              "xml",
	TypeJson:             "json",
	TypeUdt:              "udt",
	TypeStructured:       "table type",
}

// paramListSignature renders the comma-separated "@name type(modifiers)"
// list used as the paramlist argument to execute_sql/prepexec (spec §4.5).
func paramListSignature(params *ParameterCollection) string {
	var parts []string
	for _, p := range params.All() {
		s := "@" + p.Name + " " + typeNameFor(p)
		if p.Type == TypeStructured {
			s += " READONLY"
		} else if p.Direction != DirectionInput {
			s += " OUTPUT"
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, ", ")
}

// storedProcPreview renders the "EXEC [proc] @p1=@p1, ... [OUTPUT]" string
// used as a describe-parameter-encryption argument for stored procedures,
// prefixing "@return=" when a ReturnValue parameter is present (spec §4.3,
// §4.5).
func storedProcPreview(cmd *Command) string {
	var b strings.Builder
	b.WriteString("EXEC ")
	b.WriteString(quoteMultipartIdentifier(cmd.text))
	var assigns []string
	for _, p := range cmd.parameters.All() {
		if p.Direction == DirectionReturnValue {
			continue
		}
		a := "@" + p.Name + "=@" + p.Name
		if p.Direction != DirectionInput {
			a += " OUTPUT"
		}
		assigns = append(assigns, a)
	}
	if rv, ok := cmd.parameters.FirstReturnValue(); ok {
		b.WriteString(" @return=")
		b.WriteString("@" + rv.Name)
		if len(assigns) > 0 {
			b.WriteString(", ")
		}
	} else if len(assigns) > 0 {
		b.WriteByte(' ')
	}
	b.WriteString(strings.Join(assigns, ", "))
	return b.String()
}

// RPCBuilder assembles RPCRecord values for the four wire shapes of spec
// §4.4/§4.5. It is stateless; every method is a pure function of a Command
// snapshot.
type RPCBuilder struct{}

// systemParam is a convenience constructor for the Builder's fixed-size
// system-parameter slices (spec §4.5).
func systemParam(dt DataType, size int, value any) *Parameter {
	return &Parameter{Type: dt, Size: size, Value: value, Direction: DirectionInput}
}

func outSystemParam(dt DataType, size int) *Parameter {
	return &Parameter{Type: dt, Size: size, Direction: DirectionInputOutput}
}

// applyEffectiveSizes recomputes the declared Size of every ANSI char/
// varchar/text user parameter from its encoded value length, so a value
// wider than the caller declared still gets a correct wire size (spec
// §4.5). It runs once per RPC build, before the paramlist signature and
// param options are derived from cmd.parameters.
func applyEffectiveSizes(params *ParameterCollection) {
	for _, p := range params.All() {
		if !p.Type.isANSI() {
			continue
		}
		p.Size = p.effectiveSize(ansiEncodedLen(p.Value))
	}
}

func ansiEncodedLen(value any) int {
	switch v := value.(type) {
	case string:
		return len(v)
	case []byte:
		return len(v)
	default:
		return 0
	}
}

// BuildExecuteSQLRPC builds the execute_sql(text, paramlist, params...)
// shape used when the command is unprepared text with parameters (spec
// §4.4).
func (RPCBuilder) BuildExecuteSQLRPC(cmd *Command) (*RPCRecord, error) {
	applyEffectiveSizes(cmd.parameters)
	rec := newRPCRecord(ProcID{ID: procIDExecuteSQL}, cmd.parameters)
	rec.SystemParams = []*Parameter{
		systemParam(TypeNVarChar, -1, cmd.text),
		systemParam(TypeNVarChar, -1, paramListSignature(cmd.parameters)),
	}
	rec.ParamOptions = buildParamOptions(cmd.parameters)
	return rec, nil
}

// BuildPrepExecRPC builds prepexec(handle_in_out, paramlist, text,
// params...). handle is -1 the first time a plan is requested (spec §8 S1)
// and whenever no still-valid prior handle exists; otherwise the driver
// passes the prior handle so the server can reuse it.
func (RPCBuilder) BuildPrepExecRPC(cmd *Command, handle int32) (*RPCRecord, error) {
	applyEffectiveSizes(cmd.parameters)
	rec := newRPCRecord(ProcID{ID: procIDPrepExec}, cmd.parameters)
	rec.SystemParams = []*Parameter{
		outSystemParam(TypeInt, 4),
		systemParam(TypeNVarChar, -1, paramListSignature(cmd.parameters)),
		systemParam(TypeNVarChar, -1, cmd.text),
	}
	rec.SystemParams[0].Value = handle
	rec.ParamOptions = buildParamOptions(cmd.parameters)
	return rec, nil
}

// BuildExecuteRPC builds execute(handle, params...), used once a plan
// handle is known and clean (spec §4.4).
func (RPCBuilder) BuildExecuteRPC(cmd *Command, handle int32) (*RPCRecord, error) {
	applyEffectiveSizes(cmd.parameters)
	rec := newRPCRecord(ProcID{ID: procIDExecute}, cmd.parameters)
	rec.SystemParams = []*Parameter{
		systemParam(TypeInt, 4, handle),
	}
	rec.ParamOptions = buildParamOptions(cmd.parameters)
	return rec, nil
}

// BuildDirectProcRPC builds a direct-by-name RPC for a stored-procedure
// command (spec §4.4).
func (RPCBuilder) BuildDirectProcRPC(cmd *Command) (*RPCRecord, error) {
	if err := validateRPCName(cmd.text); err != nil {
		return nil, err
	}
	applyEffectiveSizes(cmd.parameters)
	rec := newRPCRecord(ProcID{Name: cmd.text}, cmd.parameters)
	rec.ParamOptions = buildParamOptions(cmd.parameters)
	return rec, nil
}

// BuildDescribeParameterEncryptionRPC builds the sp_describe_parameter_
// encryption call: SQL text (or reconstructed EXEC preview), the paramlist
// signature, and optionally a serialized attestation blob (spec §4.3).
func (RPCBuilder) BuildDescribeParameterEncryptionRPC(cmd *Command, attestationBlob []byte) (*RPCRecord, error) {
	applyEffectiveSizes(cmd.parameters)
	text := cmd.text
	if cmd.kind == StoredProcedure {
		text = storedProcPreview(cmd)
	}
	sysParams := []*Parameter{
		systemParam(TypeNVarChar, -1, text),
		systemParam(TypeNVarChar, -1, paramListSignature(cmd.parameters)),
	}
	if attestationBlob != nil {
		sysParams = append(sysParams, systemParam(TypeVarBinary, -1, attestationBlob))
	}
	rec := newRPCRecord(ProcID{Name: "sp_describe_parameter_encryption"}, nil)
	rec.SystemParams = sysParams
	return rec, nil
}

// Well-known procedure ids for the built-in shapes (spec §4.4). These are
// the numeric RPC ids TDS reserves for Sp_ExecuteSql/Sp_Prepexec/Sp_Execute.
const (
	procIDExecuteSQL uint16 = 10
	procIDPrepExec    uint16 = 13
	procIDExecute     uint16 = 12
)
