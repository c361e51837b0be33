package mssql

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandKeyStoreProviders_RejectsReservedPrefix(t *testing.T) {
	reg := NewCommandKeyStoreProviders()
	err := reg.Register("MSSQL_CERTIFICATE_STORE", &fakeKeyStoreProvider{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReservedKeyStoreProviderName)

	err = reg.Register("mssql_lowercase_also_rejected", &fakeKeyStoreProvider{})
	assert.ErrorIs(t, err, ErrReservedKeyStoreProviderName)
}

func TestCommandKeyStoreProviders_RegisterAndResolve(t *testing.T) {
	reg := NewCommandKeyStoreProviders()
	provider := &fakeKeyStoreProvider{signatureOK: true}
	require.NoError(t, reg.Register("my_hsm", provider))

	got, ok := reg.TryGetProvider("my_hsm")
	require.True(t, ok)
	assert.Same(t, provider, got.(*fakeKeyStoreProvider))
}

func TestResolveProvider_LocalShadowsGlobal(t *testing.T) {
	globalProvider := &fakeKeyStoreProvider{}
	RegisterGlobalKeyStoreProvider("shared_name", globalProvider)

	local := NewCommandKeyStoreProviders()
	localProvider := &fakeKeyStoreProvider{}
	require.NoError(t, local.Register("shared_name", localProvider))

	got, ok := resolveProvider(local, "shared_name")
	require.True(t, ok)
	assert.Same(t, localProvider, got.(*fakeKeyStoreProvider))
}

func TestOrchestrator_NoOpWhenEncryptionNotEnabled(t *testing.T) {
	cache := NewQueryMetadataCache()
	orch := NewParameterEncryptionOrchestrator(cache)
	cmd, _ := newTestCommand(TextBatch)
	cmd.columnEncryptionSetting = Disabled
	parser := newFakeParser()
	sess := &fakeSession{}

	err := orch.Run(context.Background(), cmd, parser, sess, false)
	require.NoError(t, err)
	assert.Equal(t, 0, parser.executeRPCCalls)
}

func TestOrchestrator_FastPathHitsCache(t *testing.T) {
	cache := NewQueryMetadataCache()
	orch := NewParameterEncryptionOrchestrator(cache)

	cmd, conn := newTestCommand(TextBatch)
	conn.columnEncryption = true
	cmd.text = "select @p1"
	p := &Parameter{Name: "p1", Type: TypeInt, Cipher: &CipherMetadata{AlgorithmID: 1}}
	cmd.parameters.Add(p)
	cache.Add(cmd, true)
	p.Cipher = nil

	parser := newFakeParser()
	err := orch.Run(context.Background(), cmd, parser, &fakeSession{}, false)
	require.NoError(t, err)
	require.NotNil(t, p.Cipher)
	assert.Equal(t, 0, parser.describeCalls)
}

func TestOrchestrator_SlowPath_ProcessesKeyAndParamRows(t *testing.T) {
	cache := NewQueryMetadataCache()
	orch := NewParameterEncryptionOrchestrator(cache)

	cmd, conn := newTestCommand(TextBatch)
	conn.columnEncryption = true
	cmd.text = "select @p1"
	cmd.parameters.Add(&Parameter{Name: "p1", Type: TypeInt, Direction: DirectionInput})
	cmd.keyStoreProviders = NewCommandKeyStoreProviders()
	provider := &fakeKeyStoreProvider{decryptedKey: []byte("symmetric-key-material"), signatureOK: true}
	require.NoError(t, cmd.keyStoreProviders.(*CommandKeyStoreProviders).Register("my_store", provider))

	parser := newFakeParser()
	parser.describeResults = &DescribeParameterEncryptionResults{
		Keys: []ColumnEncryptionKeyRow{
			{KeyOrdinal: 0, ProviderName: "my_store", KeyPath: "path", KeyEncryptionAlgorithm: "RSA_OAEP"},
		},
		ParamMeta: []ParameterCipherRow{
			{ParameterName: "p1", ColumnEncryptionAlgorithm: 2, ColumnEncryptionType: 1, ColumnEncryptionKeyOrdinal: 0},
		},
	}

	err := orch.Run(context.Background(), cmd, parser, &fakeSession{}, false)
	require.NoError(t, err)

	p, ok := cmd.parameters.ByName("p1")
	require.True(t, ok)
	require.NotNil(t, p.Cipher)
	assert.Equal(t, uint8(2), p.Cipher.AlgorithmID)
	assert.True(t, p.HasReceivedMetadata)
}

func TestOrchestrator_SlowPath_MissingMetadataErrors(t *testing.T) {
	cache := NewQueryMetadataCache()
	orch := NewParameterEncryptionOrchestrator(cache)

	cmd, conn := newTestCommand(TextBatch)
	conn.columnEncryption = true
	cmd.text = "select @p1, @p2"
	cmd.parameters.Add(&Parameter{Name: "p1", Type: TypeInt})
	cmd.parameters.Add(&Parameter{Name: "p2", Type: TypeInt})

	parser := newFakeParser()
	parser.describeResults = &DescribeParameterEncryptionResults{
		ParamMeta: []ParameterCipherRow{
			{ParameterName: "p1"},
		},
	}

	err := orch.Run(context.Background(), cmd, parser, &fakeSession{}, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrParameterEncryptionMetadataMissing)
}

func TestOrchestrator_SlowPath_SignatureFailureBlocksEnclaveKey(t *testing.T) {
	cache := NewQueryMetadataCache()
	orch := NewParameterEncryptionOrchestrator(cache)

	cmd, conn := newTestCommand(TextBatch)
	conn.columnEncryption = true
	cmd.text = "select @p1"
	cmd.parameters.Add(&Parameter{Name: "p1", Type: TypeInt})
	cmd.keyStoreProviders = NewCommandKeyStoreProviders()
	provider := &fakeKeyStoreProvider{signatureOK: false}
	require.NoError(t, cmd.keyStoreProviders.(*CommandKeyStoreProviders).Register("my_store", provider))

	parser := newFakeParser()
	parser.describeResults = &DescribeParameterEncryptionResults{
		Keys: []ColumnEncryptionKeyRow{
			{
				KeyOrdinal: 0, ProviderName: "my_store", KeyPath: "path",
				HasIsRequestedByEnclave: true, IsRequestedByEnclave: true,
				KeySignature: []byte("sig"),
			},
		},
	}

	err := orch.Run(context.Background(), cmd, parser, &fakeSession{}, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrColumnMasterKeySignatureInvalid)
}

func TestOrchestrator_SlowPath_EnclaveSessionCreatedOnceAndPackageSent(t *testing.T) {
	cache := NewQueryMetadataCache()
	orch := NewParameterEncryptionOrchestrator(cache)

	cmd, conn := newTestCommand(TextBatch)
	conn.columnEncryption = true
	conn.attestationURL = "https://attest.example/attest"
	cmd.text = "select @p1"
	cmd.parameters.Add(&Parameter{Name: "p1", Type: TypeInt})
	cmd.keyStoreProviders = NewCommandKeyStoreProviders()
	provider := &fakeKeyStoreProvider{decryptedKey: []byte("symmetric-key-material"), signatureOK: true}
	require.NoError(t, cmd.keyStoreProviders.(*CommandKeyStoreProviders).Register("my_store", provider))

	protocol := &fakeEnclaveProtocol{
		attestation: &AttestationParams{Nonce: []byte("nonce")},
		serialized:  []byte("attestation-blob"),
		session:     &EnclaveSession{ID: "session-1"},
		pkg:         &EnclavePackage{Bytes: []byte("enclave-package")},
	}
	cmd.SetEnclaveProtocol(protocol)

	parser := newFakeParser()
	parser.describeResults = &DescribeParameterEncryptionResults{
		Keys: []ColumnEncryptionKeyRow{
			{
				KeyOrdinal: 0, ProviderName: "my_store", KeyPath: "path",
				HasIsRequestedByEnclave: true, IsRequestedByEnclave: true,
				KeySignature: []byte("sig"),
			},
		},
		ParamMeta: []ParameterCipherRow{
			{ParameterName: "p1", ColumnEncryptionKeyOrdinal: 0},
		},
		AttestationInfo: []byte("attestation-info"),
	}

	err := orch.Run(context.Background(), cmd, parser, &fakeSession{}, false)
	require.NoError(t, err)

	assert.True(t, cmd.requiresEnclave)
	assert.Equal(t, 1, protocol.getSessionCalls)
	assert.Equal(t, 1, protocol.createSessionCalls)
	assert.Equal(t, 1, protocol.generatePackageCalls)
	require.NotNil(t, cmd.enclaveSession)
	assert.Equal(t, "session-1", cmd.enclaveSession.ID)
	require.NotNil(t, cmd.enclavePackage)
	assert.Equal(t, []byte("enclave-package"), cmd.enclavePackage.Bytes)
}

func TestOrchestrator_SlowPath_ReusesCachedEnclaveSessionWithoutReattesting(t *testing.T) {
	cache := NewQueryMetadataCache()
	orch := NewParameterEncryptionOrchestrator(cache)

	cmd, conn := newTestCommand(TextBatch)
	conn.columnEncryption = true
	conn.attestationURL = "https://attest.example/attest"
	cmd.text = "select @p1"
	cmd.parameters.Add(&Parameter{Name: "p1", Type: TypeInt})

	protocol := &fakeEnclaveProtocol{getSessionResult: &EnclaveSession{ID: "reused-session"}}
	cmd.SetEnclaveProtocol(protocol)
	cmd.keyStoreProviders = NewCommandKeyStoreProviders()
	provider := &fakeKeyStoreProvider{decryptedKey: []byte("symmetric-key-material"), signatureOK: true}
	require.NoError(t, cmd.keyStoreProviders.(*CommandKeyStoreProviders).Register("my_store", provider))

	parser := newFakeParser()
	parser.describeResults = &DescribeParameterEncryptionResults{
		Keys: []ColumnEncryptionKeyRow{
			{KeyOrdinal: 0, ProviderName: "my_store", KeyPath: "path", KeyEncryptionAlgorithm: "RSA_OAEP"},
		},
		ParamMeta: []ParameterCipherRow{
			{ParameterName: "p1", ColumnEncryptionKeyOrdinal: 0},
		},
	}

	err := orch.Run(context.Background(), cmd, parser, &fakeSession{}, false)
	require.NoError(t, err)

	assert.Equal(t, 1, protocol.getSessionCalls)
	assert.Equal(t, 0, protocol.createSessionCalls)
	require.NotNil(t, cmd.enclaveSession)
	assert.Equal(t, "reused-session", cmd.enclaveSession.ID)
}

func TestOrchestrator_InvalidateForRetry_InvalidatesEnclaveSession(t *testing.T) {
	cache := NewQueryMetadataCache()
	orch := NewParameterEncryptionOrchestrator(cache)

	cmd, _ := newTestCommand(TextBatch)
	protocol := &fakeEnclaveProtocol{}
	cmd.SetEnclaveProtocol(protocol)
	cmd.enclaveSession = &EnclaveSession{ID: "stale-session"}
	cmd.enclavePackage = &EnclavePackage{Bytes: []byte("stale-package")}

	orch.invalidateForRetry(cmd)

	assert.True(t, protocol.invalidated)
	assert.Nil(t, cmd.enclaveSession)
	assert.Nil(t, cmd.enclavePackage)
}

func TestOrchestrator_InvalidateForRetry_ClearsParameterCipherState(t *testing.T) {
	cache := NewQueryMetadataCache()
	orch := NewParameterEncryptionOrchestrator(cache)

	cmd, _ := newTestCommand(TextBatch)
	cmd.text = "select @p1"
	p := &Parameter{Name: "p1", Type: TypeInt, Cipher: &CipherMetadata{}, HasReceivedMetadata: true}
	cmd.parameters.Add(p)
	cache.Add(cmd, true)

	orch.invalidateForRetry(cmd)

	assert.Nil(t, p.Cipher)
	assert.False(t, p.HasReceivedMetadata)
	assert.False(t, cache.GetIfExists(cmd))
}
