package mssql

import "strings"

// CipherMetadata is the per-parameter cipher descriptor stamped by the
// Parameter Encryption Orchestrator, either from a cache hit or from result
// set 2 of describe-parameter-encryption (spec §3, §4.3).
type CipherMetadata struct {
	EncryptionType           uint8
	AlgorithmID              uint8
	NormalizationRuleVersion uint8
	KeyEntryRef              *CipherKeyEntry
}

// Parameter is a single typed, directional argument to a Command (spec §3).
type Parameter struct {
	Name      string
	Direction Direction
	Type      DataType
	Size      int
	Precision uint8
	Scale     uint8
	Offset    int
	Value     any

	Cipher              *CipherMetadata
	HasReceivedMetadata bool
	IsDerivedTypeName   bool
}

// effectiveSize recomputes Size from the encoded byte length when an ANSI
// type's value exceeds the declared size (spec §4.5).
func (p *Parameter) effectiveSize(encodedLen int) int {
	if p.Type.isANSI() && encodedLen > p.Size {
		return encodedLen
	}
	return p.Size
}

func (p *Parameter) isEncrypted() bool { return p.Cipher != nil }

// ParameterCollection is the ordered, name-addressable collection of
// Parameter owned by a Command (spec §3).
type ParameterCollection struct {
	params []*Parameter
	dirty  bool
}

func newParameterCollection() *ParameterCollection {
	return &ParameterCollection{}
}

func (pc *ParameterCollection) Add(p *Parameter) {
	pc.params = append(pc.params, p)
	pc.dirty = true
}

func (pc *ParameterCollection) Len() int { return len(pc.params) }

func (pc *ParameterCollection) All() []*Parameter { return pc.params }

func (pc *ParameterCollection) ByOrdinal(i int) (*Parameter, bool) {
	if i < 0 || i >= len(pc.params) {
		return nil, false
	}
	return pc.params[i], true
}

// ByName looks up a parameter by case-insensitive name equality, the same
// rule the Output Parameter Binder uses for named return-value tokens
// (spec §4.6).
func (pc *ParameterCollection) ByName(name string) (*Parameter, bool) {
	for _, p := range pc.params {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return nil, false
}

// FirstReturnValue returns the first ReturnValue-direction parameter, used
// for unnamed return-value tokens and for return-status (spec §4.6).
func (pc *ParameterCollection) FirstReturnValue() (*Parameter, bool) {
	for _, p := range pc.params {
		if p.Direction == DirectionReturnValue {
			return p, true
		}
	}
	return nil, false
}

func (pc *ParameterCollection) Dirty() bool { return pc.dirty }
func (pc *ParameterCollection) MarkClean()  { pc.dirty = false }
func (pc *ParameterCollection) MarkDirty()  { pc.dirty = true }

// shapeKey renders the ordered (name, type, size, scale) shape used in the
// cache fingerprint (spec §4.3: "parameter shape (names, declared types,
// sizes, scales)").
func (pc *ParameterCollection) shapeKey() string {
	var b strings.Builder
	for _, p := range pc.params {
		b.WriteByte('|')
		b.WriteString(p.Name)
		b.WriteByte(':')
		writeInt(&b, int(p.Type))
		b.WriteByte(':')
		writeInt(&b, p.Size)
		b.WriteByte(':')
		b.WriteByte(p.Scale)
	}
	return b.String()
}

func writeInt(b *strings.Builder, v int) {
	if v == 0 {
		b.WriteByte('0')
		return
	}
	neg := v < 0
	if neg {
		v = -v
		b.WriteByte('-')
	}
	var digits [20]byte
	n := len(digits)
	for v > 0 {
		n--
		digits[n] = byte('0' + v%10)
		v /= 10
	}
	b.Write(digits[n:])
}
