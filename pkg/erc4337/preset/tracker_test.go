package preset

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-userop/core/testutil"
	"github.com/AvaProtocol/ap-userop/metrics"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-userop/storage"
)

type fakeStatusSource struct {
	mu       sync.Mutex
	statuses map[string]bundler.Status
	fail     map[string]bool
}

func newFakeStatusSource() *fakeStatusSource {
	return &fakeStatusSource{statuses: map[string]bundler.Status{}, fail: map[string]bool{}}
}

func (s *fakeStatusSource) set(hash string, status bundler.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[hash] = status
}

func (s *fakeStatusSource) GetStatus(_ context.Context, hash string) (*bundler.UserOperationStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[hash] {
		return nil, errors.New("bundler unavailable")
	}
	status, ok := s.statuses[hash]
	if !ok {
		status = bundler.StatusNotFound
	}
	out := &bundler.UserOperationStatus{UserOpHash: hash, Status: status}
	if status == bundler.StatusIncluded || status.IsTerminal() {
		tx := "0x8c1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f9"
		out.TransactionHash = &tx
	}
	return out, nil
}

type countingRecorder struct {
	metrics.Noop
	mu     sync.Mutex
	final  map[string]int
	polled int
}

func (r *countingRecorder) IncFinalStatus(status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.final[status]++
}

func (r *countingRecorder) IncTrackerLoop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.polled++
}

func signedOp(t *testing.T, nonce int64) *userop.SignedUserOperation {
	t.Helper()
	op := userop.UserOperation{
		Sender:               common.HexToAddress("0x7c3a76086588230c7B3f4839A4c1F5BBafcd57C6"),
		Nonce:                big.NewInt(nonce),
		CallData:             []byte{0xb6, 0x1d, 0x27, 0xf6},
		CallGasLimit:         big.NewInt(100000),
		VerificationGasLimit: big.NewInt(100000),
		PreVerificationGas:   big.NewInt(50000),
		MaxFeePerGas:         big.NewInt(10),
		MaxPriorityFeePerGas: big.NewInt(1),
	}
	sig := make([]byte, userop.SignatureLength)
	sig[0], sig[64] = 0x11, 28
	signed, err := userop.NewSignedUserOperation(op, sig)
	require.NoError(t, err)
	return signed
}

type finalCall struct {
	hash   string
	status bundler.Status
}

func newTestTracker(t *testing.T, source StatusSource) (*Tracker, *storage.Journal, *[]finalCall) {
	t.Helper()
	journal := storage.NewJournal(testutil.TestMustDB(t))

	var (
		mu    sync.Mutex
		calls []finalCall
	)
	onFinal := func(entry *storage.JournalEntry, status *bundler.UserOperationStatus) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, finalCall{hash: entry.UserOpHash, status: status.Status})
	}

	tr, err := NewTracker(journal, source, testutil.ChainID, 10*time.Millisecond, onFinal, nil)
	require.NoError(t, err)
	return tr, journal, &calls
}

func TestNewTrackerRequiresDependencies(t *testing.T) {
	_, err := NewTracker(nil, newFakeStatusSource(), 1, 0, nil, nil)
	assert.Error(t, err)
}

func TestTrackerFinalCallbackFiresOnce(t *testing.T) {
	source := newFakeStatusSource()
	tr, journal, calls := newTestTracker(t, source)
	rec := &countingRecorder{final: map[string]int{}}
	tr.SetMetrics(rec)

	require.NoError(t, tr.Track(sentHash, signedOp(t, 0)))
	entry, err := journal.Get(sentHash)
	require.NoError(t, err)
	assert.Equal(t, string(bundler.StatusPending), entry.Status)
	assert.Equal(t, uint64(testutil.ChainID), entry.ChainID)
	assert.Equal(t, "0", entry.Nonce)

	ctx := context.Background()
	source.set(sentHash, bundler.StatusSubmitted)
	require.NoError(t, tr.Poll(ctx))
	entry, err = journal.Get(sentHash)
	require.NoError(t, err)
	assert.Equal(t, string(bundler.StatusSubmitted), entry.Status)
	assert.Empty(t, *calls)

	source.set(sentHash, bundler.StatusSucceeded)
	require.NoError(t, tr.Poll(ctx))
	require.NoError(t, tr.Poll(ctx))

	require.Len(t, *calls, 1)
	assert.Equal(t, finalCall{hash: sentHash, status: bundler.StatusSucceeded}, (*calls)[0])
	assert.Equal(t, 1, rec.final["succeeded"])
	assert.Equal(t, 3, rec.polled)

	entry, err = journal.Get(sentHash)
	require.NoError(t, err)
	assert.True(t, entry.Done)
	assert.NotEmpty(t, entry.TransactionHash)

	n, err := journal.CountPending()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTrackerIgnoresRegressions(t *testing.T) {
	source := newFakeStatusSource()
	tr, journal, calls := newTestTracker(t, source)

	require.NoError(t, tr.Track(sentHash, signedOp(t, 0)))
	source.set(sentHash, bundler.StatusIncluded)
	require.NoError(t, tr.Poll(context.Background()))

	// a lagging bundler node answering pending must not move the entry back
	source.set(sentHash, bundler.StatusPending)
	require.NoError(t, tr.Poll(context.Background()))

	entry, err := journal.Get(sentHash)
	require.NoError(t, err)
	assert.Equal(t, string(bundler.StatusIncluded), entry.Status)
	assert.Empty(t, *calls)
}

func TestTrackerSkipsFailedLookups(t *testing.T) {
	source := newFakeStatusSource()
	tr, journal, calls := newTestTracker(t, source)

	other := "0x2d2c2ff5b4b0bd0e0e35d9c9c6b5d0a3b0c2a1f8d5f0e9a8b7c6d5e4f3a2b1c0"
	require.NoError(t, tr.Track(sentHash, signedOp(t, 0)))
	require.NoError(t, tr.Track(other, signedOp(t, 1)))

	source.fail[sentHash] = true
	source.set(other, bundler.StatusReverted)
	require.NoError(t, tr.Poll(context.Background()))

	require.Len(t, *calls, 1)
	assert.Equal(t, bundler.StatusReverted, (*calls)[0].status)

	pending, err := journal.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, sentHash, pending[0].UserOpHash)
}

func TestTrackerStartPollsInBackground(t *testing.T) {
	source := newFakeStatusSource()
	tr, journal, _ := newTestTracker(t, source)

	require.NoError(t, tr.Track(sentHash, signedOp(t, 0)))
	source.set(sentHash, bundler.StatusFailed)

	require.NoError(t, tr.Start(context.Background()))
	defer tr.Stop()

	assert.Eventually(t, func() bool {
		n, err := journal.CountPending()
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestExecuteJournalsSubmission(t *testing.T) {
	f := newFixture(t, false, nil)
	journal := storage.NewJournal(testutil.TestMustDB(t))
	tr, err := NewTracker(journal, f.builder, testutil.ChainID, time.Second, nil, nil)
	require.NoError(t, err)
	f.builder.SetTracker(tr)

	hash, err := f.builder.Execute(context.Background(), f.account(t), transfer(), testutil.OwnerKey(), ExecuteOptions{})
	require.NoError(t, err)

	entry, err := journal.Get(hash)
	require.NoError(t, err)
	assert.False(t, entry.Done)
	assert.NotEmpty(t, entry.ID)

	f.bundler.Result("pimlico_getUserOperationStatus", map[string]any{
		"status":          "included",
		"transactionHash": "0x8c1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f9",
	})
	f.bundler.Result("eth_getUserOperationReceipt", nil)
	require.NoError(t, tr.Poll(context.Background()))
	entry, err = journal.Get(hash)
	require.NoError(t, err)
	assert.Equal(t, string(bundler.StatusIncluded), entry.Status)

	// the vendor keeps saying included, the receipt settles it
	f.bundler.Result("eth_getUserOperationReceipt", receipt(true))
	require.NoError(t, tr.Poll(context.Background()))
	entry, err = journal.Get(hash)
	require.NoError(t, err)
	assert.True(t, entry.Done)
	assert.Equal(t, string(bundler.StatusSucceeded), entry.Status)
}

type releasingSource struct {
	*fakeStatusSource
	released []*big.Int
	senders  []common.Address
}

func (s *releasingSource) ReleaseNonce(sender common.Address, nonce *big.Int) {
	s.senders = append(s.senders, sender)
	s.released = append(s.released, nonce)
}

func TestTrackerReleasesNonceOfFailedOperation(t *testing.T) {
	source := &releasingSource{fakeStatusSource: newFakeStatusSource()}
	tr, _, calls := newTestTracker(t, source)

	const other = "0x8c1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f9"
	require.NoError(t, tr.Track(sentHash, signedOp(t, 5)))
	require.NoError(t, tr.Track(other, signedOp(t, 6)))
	source.set(sentHash, bundler.StatusFailed)
	source.set(other, bundler.StatusSucceeded)

	require.NoError(t, tr.Poll(context.Background()))
	require.Len(t, *calls, 2)
	require.Len(t, source.released, 1, "only failed operations give their nonce back")
	assert.Equal(t, int64(5), source.released[0].Int64())
	assert.Equal(t, common.HexToAddress("0x7c3a76086588230c7B3f4839A4c1F5BBafcd57C6"), source.senders[0])
}

func TestDroppedOperationDoesNotLeaveNonceGap(t *testing.T) {
	f := newFixture(t, false, nil)
	journal := storage.NewJournal(testutil.TestMustDB(t))
	tr, err := NewTracker(journal, f.builder, testutil.ChainID, time.Second, nil, nil)
	require.NoError(t, err)
	f.builder.SetTracker(tr)

	acct := f.account(t)
	f.chain.Nonces[acct.Address] = big.NewInt(5)
	hash, err := f.builder.Execute(context.Background(), acct, transfer(), testutil.OwnerKey(), ExecuteOptions{})
	require.NoError(t, err)
	cached, ok := f.builder.nonces.Cached(acct.Address, nil)
	require.True(t, ok)
	assert.Equal(t, int64(6), cached.Int64())

	// the bundler accepted nonce 5 and then dropped it
	f.bundler.Result("pimlico_getUserOperationStatus", map[string]any{"status": "failed", "transactionHash": nil})
	require.NoError(t, tr.Poll(context.Background()))
	entry, err := journal.Get(hash)
	require.NoError(t, err)
	assert.True(t, entry.Done)

	op, err := f.builder.BuildUserOperation(context.Background(), acct, transfer(), BuildOptions{SkipEstimation: true})
	require.NoError(t, err)
	assert.Equal(t, int64(5), op.Nonce.Int64())
}
