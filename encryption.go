package mssql

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// ReservedProviderPrefix marks built-in key-store provider names; a
// command-local registry may not register a name carrying it, case-
// insensitively (spec §6).
const ReservedProviderPrefix = "MSSQL_"

// ColumnEncryptionKeyRow is one row of describe-parameter-encryption result
// set 1 (spec §6, bit-exact column order).
type ColumnEncryptionKeyRow struct {
	KeyOrdinal             int32
	DatabaseID             int32
	KeyID                  int32
	KeyVersion             int32
	KeyMetadataVersion     [8]byte
	EncryptedKey           []byte
	ProviderName           string
	KeyPath                string
	KeyEncryptionAlgorithm string
	// IsRequestedByEnclave and KeySignature are only populated on servers
	// that return them (spec §6: "on supporting servers").
	HasIsRequestedByEnclave bool
	IsRequestedByEnclave    bool
	KeySignature            []byte
}

// ParameterCipherRow is one row of describe-parameter-encryption result
// set 2 (spec §6).
type ParameterCipherRow struct {
	ParameterName              string
	ColumnEncryptionAlgorithm  uint8
	ColumnEncryptionType       uint8
	ColumnEncryptionKeyOrdinal int32
	NormalizationRuleVersion   uint8
}

// DescribeParameterEncryptionResults is the fully decoded three-result-set
// response (spec §6).
type DescribeParameterEncryptionResults struct {
	Keys      []ColumnEncryptionKeyRow
	ParamMeta []ParameterCipherRow
	// AttestationInfo is nil unless enclave computations were requested and
	// the server returned result set 3's single row.
	AttestationInfo []byte
}

// CommandKeyStoreProviders is a small local registry that may shadow the
// global one (spec §6). It rejects names carrying the reserved system
// prefix, case-insensitively, at register time rather than at first use
// (SPEC_FULL §12).
type CommandKeyStoreProviders struct {
	mu        sync.RWMutex
	providers map[string]KeyStoreProvider
}

func NewCommandKeyStoreProviders() *CommandKeyStoreProviders {
	return &CommandKeyStoreProviders{providers: make(map[string]KeyStoreProvider)}
}

func (r *CommandKeyStoreProviders) Register(name string, p KeyStoreProvider) error {
	if strings.HasPrefix(strings.ToUpper(name), ReservedProviderPrefix) {
		return ErrReservedKeyStoreProviderName
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
	return nil
}

func (r *CommandKeyStoreProviders) TryGetProvider(name string) (KeyStoreProvider, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// globalKeyStoreProviders is the process-wide provider registry (spec §9).
// It is permitted reserved-prefix names -- those are the built-ins a host
// application registers once at startup.
var globalKeyStoreProviders = NewCommandKeyStoreProviders()

// RegisterGlobalKeyStoreProvider installs a provider in the process-wide
// registry.
func RegisterGlobalKeyStoreProvider(name string, p KeyStoreProvider) {
	globalKeyStoreProviders.mu.Lock()
	defer globalKeyStoreProviders.mu.Unlock()
	globalKeyStoreProviders.providers[name] = p
}

// resolveProvider checks the command-local registry first, then the
// global one (spec §6: "A command-local registry may shadow the global
// one").
func resolveProvider(local KeyStoreProviderRegistry, name string) (KeyStoreProvider, bool) {
	if local != nil {
		if p, ok := local.TryGetProvider(name); ok {
			return p, true
		}
	}
	return globalKeyStoreProviders.TryGetProvider(name)
}

// ParameterEncryptionOrchestrator implements spec §4.3. It is invoked only
// when the command's effective column-encryption setting is Enabled.
type ParameterEncryptionOrchestrator struct {
	cache   *QueryMetadataCache
	builder RPCBuilder
}

func NewParameterEncryptionOrchestrator(cache *QueryMetadataCache) *ParameterEncryptionOrchestrator {
	return &ParameterEncryptionOrchestrator{cache: cache}
}

// Run drives either the fast (cache hit) or slow (describe round trip)
// path. isRetry must be true when this is the one permitted re-entry after
// a protocol-retryable failure (spec §4.3 "Fast path" excludes retries).
func (o *ParameterEncryptionOrchestrator) Run(ctx context.Context, cmd *Command, parser Parser, sess Session, isRetry bool) error {
	if cmd.effectiveColumnEncryptionSetting() != Enabled {
		return nil
	}

	if o.fastPathEligible(cmd, isRetry) && o.cache.GetIfExists(cmd) {
		logTrace(ctx, cmd.logger(), "parameter encryption cache hit for command")
		return nil
	}

	return o.slowPath(ctx, cmd, parser, sess, isRetry)
}

func (o *ParameterEncryptionOrchestrator) fastPathEligible(cmd *Command, isRetry bool) bool {
	return !cmd.inBatchMode() && !isRetry && cmd.parameters.Len() > 0
}

// slowPath implements spec §4.3's "Slow path". Whether this round trip
// requests attestation is decided upfront, from connection-level enclave
// configuration, via the enclave collaborator's GetSession call -- the
// server has not said anything about a particular key requiring enclave
// computation yet, so that decision cannot wait for processKeyRows.
func (o *ParameterEncryptionOrchestrator) slowPath(ctx context.Context, cmd *Command, parser Parser, sess Session, isRetry bool) error {
	cmd.attestationParams = nil
	var attestationBlob []byte

	enclaveConfigured := cmd.enclaveProtocol != nil && cmd.connection != nil && cmd.connection.EnclaveAttestationURL() != ""
	if enclaveConfigured {
		sessionParams, err := cmd.enclaveProtocol.GetSessionParameters()
		if err != nil {
			return err
		}
		enclaveType := cmd.attestationProtocolName()
		session, customData, err := cmd.enclaveProtocol.GetSession(ctx, cmd.attestationProtocolName(), enclaveType, sessionParams, true, isRetry)
		if err != nil {
			return err
		}
		cmd.requiresEnclave = true
		cmd.customData = customData

		if session != nil {
			cmd.enclaveSession = session
		} else {
			params, err := cmd.enclaveProtocol.GetAttestationParameters(ctx, cmd.connection.EnclaveAttestationURL(), customData)
			if err != nil {
				return err
			}
			cmd.attestationParams = params
			blob, err := cmd.enclaveProtocol.SerializeAttestationParameters(params)
			if err != nil {
				return err
			}
			attestationBlob = blob
		}
	}

	rpc, err := o.builder.BuildDescribeParameterEncryptionRPC(cmd, attestationBlob)
	if err != nil {
		return err
	}

	logTrace(ctx, cmd.logger(), "describing parameter encryption for command %s (enclave=%v)", cmd.id, enclaveConfigured)
	raw, err, shared := o.cache.coalesceDescribe(cmd, func() (any, error) {
		return parser.DescribeParameterEncryption(ctx, cmd, rpc, sess, true)
	})
	if err != nil {
		logError(ctx, cmd.logger(), "describe-parameter-encryption failed for command %s: %v", cmd.id, err)
		return err
	}
	if shared {
		logTrace(ctx, cmd.logger(), "command %s: joined an in-flight describe-parameter-encryption round trip", cmd.id)
	}
	results := raw.(*DescribeParameterEncryptionResults)

	if err := o.processKeyRows(ctx, cmd, results.Keys); err != nil {
		return err
	}
	if err := o.processParamMetaRows(ctx, cmd, results.ParamMeta); err != nil {
		return err
	}
	if cmd.requiresEnclave && cmd.attestationParams != nil {
		if err := o.processAttestation(ctx, cmd, results.AttestationInfo); err != nil {
			return err
		}
	}

	if !cmd.inBatchMode() && !cmd.cachingPostponed {
		o.cache.Add(cmd, true)
	}

	if rpc.NeedsFetchParameterEncryptionMetadata {
		return ErrProcEncryptionMetadataMissing
	}

	return nil
}

// processKeyRows groups rows by key_ordinal, verifies the column-master-key
// signature of every enclave-requested key, and stores the entries on the
// command (spec §4.3 step 1).
func (o *ParameterEncryptionOrchestrator) processKeyRows(ctx context.Context, cmd *Command, rows []ColumnEncryptionKeyRow) error {
	byOrdinal := map[int32]*CipherKeyEntry{}
	for _, row := range rows {
		entry, ok := byOrdinal[row.KeyOrdinal]
		if !ok {
			entry = &CipherKeyEntry{Ordinal: row.KeyOrdinal}
			byOrdinal[row.KeyOrdinal] = entry
		}
		entry.Tuples = append(entry.Tuples, CipherKeyTuple{
			EncryptedKeyBytes:    row.EncryptedKey,
			DatabaseID:           row.DatabaseID,
			KeyID:                row.KeyID,
			KeyVersion:           row.KeyVersion,
			MetadataVersion:      row.KeyMetadataVersion,
			KeyPath:              row.KeyPath,
			KeyStoreProviderName: row.ProviderName,
			AlgorithmName:        row.KeyEncryptionAlgorithm,
			KeySignature:         row.KeySignature,
		})
		if row.HasIsRequestedByEnclave && row.IsRequestedByEnclave {
			entry.IsRequestedByEnclave = true
		}
	}

	for _, entry := range byOrdinal {
		if !entry.IsRequestedByEnclave {
			continue
		}
		for _, t := range entry.Tuples {
			provider, ok := resolveProvider(cmd.keyStoreProviders, t.KeyStoreProviderName)
			if !ok {
				continue
			}
			ok, err := provider.VerifyColumnMasterKeySignature(ctx, t.KeyPath, true, t.KeySignature)
			if err != nil {
				logError(ctx, cmd.logger(), "command %s: column master key signature check errored for %q: %v", cmd.id, t.KeyPath, err)
				return fmt.Errorf("%w: %v", ErrColumnMasterKeySignatureInvalid, err)
			}
			if !ok {
				logError(ctx, cmd.logger(), "command %s: column master key signature invalid for %q", cmd.id, t.KeyPath)
				return ErrColumnMasterKeySignatureInvalid
			}
		}
		cmd.keysForEnclave[entry.Ordinal] = entry
		cmd.requiresEnclave = true
	}
	cmd.keyEntriesByOrdinal = byOrdinal
	return nil
}

// processParamMetaRows attaches CipherMetadata to each named parameter,
// decrypts its symmetric key, and enforces the "every non-ReturnValue
// parameter gets metadata" invariant (spec §4.3 step 2, §8 property 7).
func (o *ParameterEncryptionOrchestrator) processParamMetaRows(ctx context.Context, cmd *Command, rows []ParameterCipherRow) error {
	seen := map[string]bool{}
	for _, row := range rows {
		p, ok := cmd.parameters.ByName(row.ParameterName)
		if !ok {
			continue
		}
		entry, ok := cmd.keyEntriesByOrdinal[row.ColumnEncryptionKeyOrdinal]
		if !ok {
			continue
		}
		if len(entry.decryptedSymmetricKey) == 0 && len(entry.Tuples) > 0 {
			t := entry.Tuples[0]
			provider, ok := resolveProvider(cmd.keyStoreProviders, t.KeyStoreProviderName)
			if !ok {
				return fmt.Errorf("%w: no key store provider registered for %q", ErrInvalidArgument, t.KeyStoreProviderName)
			}
			key, err := provider.DecryptColumnEncryptionKey(ctx, t.KeyPath, t.AlgorithmName, t.EncryptedKeyBytes)
			if err != nil {
				return err
			}
			entry.decryptedSymmetricKey = key
		}
		p.Cipher = &CipherMetadata{
			EncryptionType:           row.ColumnEncryptionType,
			AlgorithmID:              row.ColumnEncryptionAlgorithm,
			NormalizationRuleVersion: row.NormalizationRuleVersion,
			KeyEntryRef:              entry,
		}
		p.HasReceivedMetadata = true
		seen[strings.ToUpper(row.ParameterName)] = true
	}

	for _, p := range cmd.parameters.All() {
		if p.Direction == DirectionReturnValue {
			continue
		}
		if !seen[strings.ToUpper(p.Name)] {
			if p.HasReceivedMetadata {
				continue
			}
			return ErrParameterEncryptionMetadataMissing
		}
	}
	return nil
}

// processAttestation derives the enclave session from result set 3, which
// must carry exactly one row (spec §4.3 step 3).
func (o *ParameterEncryptionOrchestrator) processAttestation(ctx context.Context, cmd *Command, info []byte) error {
	if info == nil {
		return ErrEnclaveAttestationRowMissing
	}
	sessionParams, err := cmd.enclaveProtocol.GetSessionParameters()
	if err != nil {
		return err
	}
	session, err := cmd.enclaveProtocol.CreateSession(ctx, info, sessionParams)
	if err != nil {
		return err
	}
	cmd.enclaveSession = session

	pkg, err := cmd.enclaveProtocol.GenerateEnclavePackage(ctx, enclaveEntries(cmd), cmd.text, cmd.attestationProtocolName(), sessionParams)
	if err != nil {
		return err
	}
	cmd.enclavePackage = pkg
	return nil
}

func enclaveEntries(cmd *Command) []*CipherKeyEntry {
	entries := make([]*CipherKeyEntry, 0, len(cmd.keysForEnclave))
	for _, e := range cmd.keysForEnclave {
		entries = append(entries, e)
	}
	return entries
}

// invalidateForRetry drops the cache entry and the enclave session before
// the engine re-enters execution from the top (spec §4.3 "Retry
// classification", §8 property 4).
func (o *ParameterEncryptionOrchestrator) invalidateForRetry(cmd *Command) {
	o.cache.Invalidate(cmd)
	if cmd.enclaveProtocol != nil && cmd.enclaveSession != nil {
		sessionParams, _ := cmd.enclaveProtocol.GetSessionParameters()
		cmd.enclaveProtocol.InvalidateSession(cmd.attestationProtocolName(), sessionParams)
	}
	cmd.enclaveSession = nil
	cmd.enclavePackage = nil
	for _, p := range cmd.parameters.All() {
		p.Cipher = nil
		p.HasReceivedMetadata = false
	}
}
