package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"policygateway/internal/domain"
	"policygateway/internal/keys"
	"policygateway/internal/store"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, store.AutoMigrate(db))
	return db
}

func testKeyMgr(t *testing.T) *keys.Manager {
	t.Helper()
	mgr, err := keys.NewManager("", keys.EnvDevelopment, nil)
	require.NoError(t, err)
	return mgr
}

func TestCreatePendingThenApproveIssuesOverrideToken(t *testing.T) {
	db := testDB(t)
	s := NewStore(db, testKeyMgr(t), time.Hour, 5*time.Minute)

	action := domain.Action{Type: "wire", Tool: "bank", Params: map[string]any{"amount": 15000}}
	approval, err := s.CreatePending(context.Background(), "org1", "notifier", "agent1", action)
	require.NoError(t, err)
	require.Equal(t, domain.ApprovalPending, approval.Status)

	approved, token, err := s.Approve(context.Background(), approval.ApprovalID, "operator1")
	require.NoError(t, err)
	require.Equal(t, domain.ApprovalApproved, approved.Status)
	require.NotEmpty(t, token)
}

func TestApproveFailsIfNotPending(t *testing.T) {
	db := testDB(t)
	s := NewStore(db, testKeyMgr(t), time.Hour, 5*time.Minute)

	approval, err := s.CreatePending(context.Background(), "org1", "notifier", "agent1", domain.Action{Type: "x", Tool: "y"})
	require.NoError(t, err)

	_, _, err = s.Approve(context.Background(), approval.ApprovalID, "op1")
	require.NoError(t, err)

	_, _, err = s.Approve(context.Background(), approval.ApprovalID, "op1")
	require.ErrorIs(t, err, ErrNotPending)
}

func TestConsumeIfValidIsAtomicUnderConcurrency(t *testing.T) {
	db := testDB(t)
	s := NewStore(db, testKeyMgr(t), time.Hour, 5*time.Minute)

	approval, err := s.CreatePending(context.Background(), "org1", "notifier", "agent1", domain.Action{Type: "x", Tool: "y"})
	require.NoError(t, err)
	_, _, err = s.Approve(context.Background(), approval.ApprovalID, "op1")
	require.NoError(t, err)

	const n = 10
	var wg sync.WaitGroup
	results := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.ConsumeIfValid(context.Background(), approval.ApprovalID, "record-x")
			require.NoError(t, err)
			results[i] = ok
		}(i)
	}
	wg.Wait()

	successCount := 0
	for _, ok := range results {
		if ok {
			successCount++
		}
	}
	require.Equal(t, 1, successCount)
}

func TestConsumeIfValidRejectsExpired(t *testing.T) {
	db := testDB(t)
	frozen := time.Now().Add(-2 * time.Hour)
	s := NewStore(db, testKeyMgr(t), time.Hour, 5*time.Minute, WithClock(func() time.Time { return frozen }))

	approval, err := s.CreatePending(context.Background(), "org1", "notifier", "agent1", domain.Action{Type: "x", Tool: "y"})
	require.NoError(t, err)
	_, _, err = s.Approve(context.Background(), approval.ApprovalID, "op1")
	require.NoError(t, err)

	sLater := NewStore(db, testKeyMgr(t), time.Hour, 5*time.Minute)
	ok, err := sLater.ConsumeIfValid(context.Background(), approval.ApprovalID, "rec")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDenyTransitionsToDenied(t *testing.T) {
	db := testDB(t)
	s := NewStore(db, testKeyMgr(t), time.Hour, 5*time.Minute)
	approval, err := s.CreatePending(context.Background(), "org1", "notifier", "agent1", domain.Action{Type: "x", Tool: "y"})
	require.NoError(t, err)

	denied, err := s.Deny(context.Background(), approval.ApprovalID, "op1")
	require.NoError(t, err)
	require.Equal(t, domain.ApprovalDenied, denied.Status)
}

func TestListReapsExpiredPending(t *testing.T) {
	db := testDB(t)
	frozen := time.Now().Add(-2 * time.Hour)
	s := NewStore(db, testKeyMgr(t), time.Hour, 5*time.Minute, WithClock(func() time.Time { return frozen }))
	_, err := s.CreatePending(context.Background(), "org1", "notifier", "agent1", domain.Action{Type: "x", Tool: "y"})
	require.NoError(t, err)

	sLater := NewStore(db, testKeyMgr(t), time.Hour, 5*time.Minute)
	list, err := sLater.List(context.Background(), "org1", "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, domain.ApprovalExpired, list[0].Status)
}
