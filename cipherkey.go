package mssql

// CipherKeyTuple is one encrypted-key row returned for a given key_ordinal
// in describe-parameter-encryption result set 1 (spec §3, §6).
type CipherKeyTuple struct {
	EncryptedKeyBytes    []byte
	DatabaseID           int32
	KeyID                int32
	KeyVersion           int32
	MetadataVersion      [8]byte
	KeyPath              string
	KeyStoreProviderName string
	AlgorithmName        string
	// KeySignature is present only on servers that return it; nil otherwise.
	KeySignature []byte
}

// CipherKeyEntry groups every CipherKeyTuple sharing one key_ordinal (spec
// §3: "a single ordinal may accumulate multiple (encrypted_key, ...)
// tuples").
type CipherKeyEntry struct {
	Ordinal              int32
	Tuples               []CipherKeyTuple
	IsRequestedByEnclave bool

	// decryptedSymmetricKey is filled in by the orchestrator when the first
	// result-set-2 row referencing this entry is processed; one entry may
	// back many parameters so the decrypt happens at most once per entry per
	// describe round trip.
	decryptedSymmetricKey []byte
}

// AttestationParams is the client-generated nonce/challenge the enclave
// collaborator produces before the describe round trip and the server
// answers in result set 3 (spec §3, §6).
type AttestationParams struct {
	Nonce []byte
	Blob  []byte
}

// EnclaveSession is the negotiated session with the trusted enclave,
// derived from result set 3's AttestationInfo (spec §4.3).
type EnclaveSession struct {
	ID         string
	SessionKey []byte
	Counter    uint64
}

// EnclavePackage is the client-assembled blob carrying the keys the
// enclave needs to evaluate predicates over encrypted columns (spec
// glossary, §6 GenerateEnclavePackage).
type EnclavePackage struct {
	Bytes []byte
}
