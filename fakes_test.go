package mssql

import (
	"context"
	"sync"
	"time"
)

// fakeSession is a minimal Session used across the test files.
type fakeSession struct {
	mu          sync.Mutex
	broken      bool
	attnCount   int
	diagnostics []Error
}

func (s *fakeSession) SendAttention() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attnCount++
	return nil
}

func (s *fakeSession) IsBroken() bool { return s.broken }

func (s *fakeSession) Diagnostics() []Error { return s.diagnostics }

// fakeReconnectFuture is an already-resolved ReconnectFuture.
type fakeReconnectFuture struct {
	waitErr   error
	cancelled bool
	// onWait, if set, runs before Wait returns waitErr -- used to simulate a
	// cancel arriving while the reconnect is still in flight.
	onWait func()
}

func (f *fakeReconnectFuture) Wait(ctx context.Context) error {
	if f.onWait != nil {
		f.onWait()
	}
	return f.waitErr
}
func (f *fakeReconnectFuture) Cancel() { f.cancelled = true }

// fakeConnection is a minimal Connection.
type fakeConnection struct {
	mu sync.Mutex

	session            Session
	sessionErr         error
	reconnectFuture    ReconnectFuture
	reconnectErr       error
	columnEncryption   bool
	attestationURL     string
	attestationProto   string
	database, source   string
	closeCount         int64
	reconnectCount     int64
	asyncIncrements    int
	asyncDecrements    int
	logger             ContextLogger
	registered         []*Command
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{session: &fakeSession{}, logger: nopContextLogger{}}
}

func (c *fakeConnection) ValidateAndReconnect(ctx context.Context, timeout time.Duration) (ReconnectFuture, error) {
	return c.reconnectFuture, c.reconnectErr
}

func (c *fakeConnection) GetOpenSession(ctx context.Context) (Session, error) {
	return c.session, c.sessionErr
}

func (c *fakeConnection) IsColumnEncryptionSettingEnabled() bool { return c.columnEncryption }
func (c *fakeConnection) EnclaveAttestationURL() string          { return c.attestationURL }
func (c *fakeConnection) AttestationProtocol() string            { return c.attestationProto }
func (c *fakeConnection) Database() string                       { return c.database }
func (c *fakeConnection) DataSource() string                      { return c.source }

func (c *fakeConnection) IncrementAsyncCount() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.asyncIncrements++
}

func (c *fakeConnection) DecrementAsyncCount() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.asyncDecrements++
}

func (c *fakeConnection) CloseCount() int64     { return c.closeCount }
func (c *fakeConnection) ReconnectCount() int64 { return c.reconnectCount }
func (c *fakeConnection) Logger() ContextLogger { return c.logger }

func (c *fakeConnection) RegisterWeak(cmd *Command) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registered = append(c.registered, cmd)
}

// fakeWriteTask is an already-flushed WriteTask.
type fakeWriteTask struct{ err error }

func (t *fakeWriteTask) Wait(ctx context.Context) error { return t.err }

// fakeReader is a minimal Reader with a fixed rows-affected count.
type fakeReader struct {
	mu        sync.Mutex
	rows      int64
	cancelled bool
	closed    bool
}

func (r *fakeReader) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = true
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) RowsAffected() int64 { return r.rows }

// fakeParser is a scripted Parser: every call records its arguments and
// returns the next configured result.
type fakeParser struct {
	mu sync.Mutex

	executeSQLBatchCalls int
	executeRPCCalls      int
	tryRunCalls          int

	writeTaskErr error
	reader       *fakeReader
	tryRunStatus OperationStatus
	tryRunErr    error

	describeResults *DescribeParameterEncryptionResults
	describeErr     error
	describeCalls   int

	lastRPCs []*RPCRecord
}

func newFakeParser() *fakeParser {
	return &fakeParser{reader: &fakeReader{}, tryRunStatus: StatusDone}
}

func (p *fakeParser) ExecuteSQLBatch(ctx context.Context, text string, timeout time.Duration, notification []byte, sess Session, sync bool, enclavePackage *EnclavePackage) (WriteTask, error) {
	p.mu.Lock()
	p.executeSQLBatchCalls++
	p.mu.Unlock()
	return &fakeWriteTask{err: p.writeTaskErr}, nil
}

func (p *fakeParser) ExecuteRPC(ctx context.Context, cmd *Command, rpcs []*RPCRecord, timeout time.Duration, inSchema bool, notification []byte, sess Session, isProc bool, sync bool) (WriteTask, error) {
	p.mu.Lock()
	p.executeRPCCalls++
	p.lastRPCs = rpcs
	p.mu.Unlock()
	return &fakeWriteTask{err: p.writeTaskErr}, nil
}

func (p *fakeParser) TryRun(ctx context.Context, runBehavior RunBehavior, cmd *Command, reader Reader, sess Session, sink OutputSink) (OperationStatus, error) {
	p.mu.Lock()
	p.tryRunCalls++
	p.mu.Unlock()
	return p.tryRunStatus, p.tryRunErr
}

func (p *fakeParser) NewReader(sess Session) Reader { return p.reader }

func (p *fakeParser) DescribeParameterEncryption(ctx context.Context, cmd *Command, rpc *RPCRecord, sess Session, sync bool) (*DescribeParameterEncryptionResults, error) {
	p.mu.Lock()
	p.describeCalls++
	p.mu.Unlock()
	return p.describeResults, p.describeErr
}

// fakeKeyStoreProvider is a scripted KeyStoreProvider.
type fakeKeyStoreProvider struct {
	decryptedKey []byte
	decryptErr   error
	signatureOK  bool
	verifyErr    error
}

func (p *fakeKeyStoreProvider) DecryptColumnEncryptionKey(ctx context.Context, path, algorithm string, encryptedKey []byte) ([]byte, error) {
	return p.decryptedKey, p.decryptErr
}

func (p *fakeKeyStoreProvider) VerifyColumnMasterKeySignature(ctx context.Context, path string, allowEnclaveComputations bool, signature []byte) (bool, error) {
	return p.signatureOK, p.verifyErr
}

// fakeEnclaveProtocol is a scripted EnclaveProtocol.
type fakeEnclaveProtocol struct {
	sessionParams []byte
	attestation   *AttestationParams
	serialized    []byte
	session       *EnclaveSession
	pkg           *EnclavePackage
	invalidated   bool

	// getSessionResult, when non-nil, is returned by GetSession as the
	// reusable session (nil means "no cached session, generate attestation").
	getSessionResult *EnclaveSession
	getSessionData   []byte
	getSessionCalls  int
	getSessionErr    error

	createSessionCalls   int
	generatePackageCalls int
}

func (p *fakeEnclaveProtocol) GetSessionParameters() ([]byte, error) { return p.sessionParams, nil }

func (p *fakeEnclaveProtocol) GetSession(ctx context.Context, protocol, enclaveType string, sessionParameters []byte, generateAttestationParams bool, isRetry bool) (*EnclaveSession, []byte, error) {
	p.getSessionCalls++
	return p.getSessionResult, p.getSessionData, p.getSessionErr
}

func (p *fakeEnclaveProtocol) GetAttestationParameters(ctx context.Context, attestationURL string, customData []byte) (*AttestationParams, error) {
	return p.attestation, nil
}

func (p *fakeEnclaveProtocol) SerializeAttestationParameters(params *AttestationParams) ([]byte, error) {
	return p.serialized, nil
}

func (p *fakeEnclaveProtocol) CreateSession(ctx context.Context, attestationInfo []byte, sessionParameters []byte) (*EnclaveSession, error) {
	p.createSessionCalls++
	return p.session, nil
}

func (p *fakeEnclaveProtocol) InvalidateSession(enclaveType string, sessionParameters []byte) {
	p.invalidated = true
}

func (p *fakeEnclaveProtocol) GenerateEnclavePackage(ctx context.Context, keys []*CipherKeyEntry, text string, enclaveType string, sessionParameters []byte) (*EnclavePackage, error) {
	p.generatePackageCalls++
	return p.pkg, nil
}

// fakeRetryPolicy lets tests veto the engine's one retry.
type fakeRetryPolicy struct{ allow bool }

func (p fakeRetryPolicy) ShouldRetry(ctx context.Context, err error, attempt int) bool {
	return p.allow
}
