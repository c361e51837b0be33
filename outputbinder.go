package mssql

import (
	"context"
	"fmt"
)

// ReturnValueToken is one decoded RETURNVALUE token (spec §4.6). Name is
// empty for an unnamed token, which binds to the first ReturnValue
// parameter rather than by name.
type ReturnValueToken struct {
	Name        string
	Type        DataType
	Precision   uint8
	Scale       uint8
	Collation   []byte
	Value       any
	IsEncrypted bool
	EncryptedCell []byte
}

// outputParameterBinder is the OutputSink the Execution Driver installs for
// every execution (spec §4.6). It captures a plan handle while a prepexec
// is still "in prepare", otherwise it locates the target Parameter by name
// or by return-value position, decrypts the value when cipher metadata
// says to, and special-cases Udt/Xml the way the wire types require.
type outputParameterBinder struct {
	cmd       *Command
	inPrepare bool
}

func newOutputParameterBinder(cmd *Command, inPrepare bool) *outputParameterBinder {
	return &outputParameterBinder{cmd: cmd, inPrepare: inPrepare}
}

// OnReturnValue implements OutputSink (spec §4.6).
func (b *outputParameterBinder) OnReturnValue(ctx context.Context, tok ReturnValueToken) error {
	if b.inPrepare {
		handle, ok := tok.Value.(int32)
		if !ok {
			return fmt.Errorf("%w: prepare handle return value was not an int32", ErrInvalidArgument)
		}
		b.cmd.prepareState.OnHandleReceived(handle, b.cmd.connection)
		b.inPrepare = false
		return nil
	}

	var p *Parameter
	var ok bool
	if tok.Name != "" {
		p, ok = b.cmd.parameters.ByName(tok.Name)
	} else {
		p, ok = b.cmd.parameters.FirstReturnValue()
	}
	if !ok {
		// No matching output parameter declared; the value is discarded,
		// the same way an unconsumed column would be.
		return nil
	}

	value := tok.Value
	if tok.IsEncrypted {
		v, err := b.decrypt(p, tok.EncryptedCell)
		if err != nil {
			return err
		}
		value = v
	}

	switch tok.Type {
	case TypeUdt:
		if b.cmd.udtFactory != nil {
			value = b.cmd.udtFactory(value)
		}
	case TypeXml:
		if raw, ok := value.([]byte); ok {
			value = string(raw)
		}
	}

	p.Value = value
	if tok.Type == TypeDecimal {
		p.Precision = tok.Precision
		p.Scale = tok.Scale
	}
	p.HasReceivedMetadata = true
	return nil
}

func (b *outputParameterBinder) decrypt(p *Parameter, cell []byte) (any, error) {
	if p.Cipher == nil || p.Cipher.KeyEntryRef == nil {
		return nil, ErrParameterEncryptionMetadataMissing
	}
	key := p.Cipher.KeyEntryRef.decryptedSymmetricKey
	if len(key) == 0 {
		return nil, fmt.Errorf("%w: no decrypted column encryption key available for %q", ErrInvalidArgument, p.Name)
	}
	plaintext, err := decryptValue(key, cell)
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

// OnReturnStatus implements OutputSink: a return-status token always binds
// to the first ReturnValue parameter (spec §4.6). If parameter encryption
// metadata caching was postponed until the procedure's success was known,
// this is also where that postponed Add finally happens.
func (b *outputParameterBinder) OnReturnStatus(ctx context.Context, status int32) {
	if rv, ok := b.cmd.parameters.FirstReturnValue(); ok {
		rv.Value = status
	}
	if b.cmd.cachingPostponed {
		b.cmd.cachingPostponed = false
		if !b.cmd.inBatchMode() {
			b.cmd.orchestrator.cache.Add(b.cmd, true)
		}
	}
}
