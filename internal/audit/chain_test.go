package audit

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
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

func testChain(t *testing.T) *Chain {
	t.Helper()
	mgr, err := keys.NewManager("", keys.EnvDevelopment, nil)
	require.NoError(t, err)
	return NewChain(testDB(t), mgr)
}

func TestAppendChainsPreviousHash(t *testing.T) {
	c := testChain(t)
	ctx := context.Background()

	r1, err := c.Append(ctx, uuid.NewString(), RecordDraft{
		OrgID: "org1", UAPKID: "notifier", AgentID: "agent1",
		Action: domain.Action{Type: "email", Tool: "send_email"},
		Decision: domain.Allow, Executed: true, CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	require.Equal(t, GenesisHash, r1.PreviousRecordHash)

	r2, err := c.Append(ctx, uuid.NewString(), RecordDraft{
		OrgID: "org1", UAPKID: "notifier", AgentID: "agent1",
		Action: domain.Action{Type: "email", Tool: "send_email"},
		Decision: domain.Allow, Executed: true, CreatedAt: time.Now().Add(time.Second),
	})
	require.NoError(t, err)
	require.Equal(t, r1.RecordHash, r2.PreviousRecordHash)
}

func TestVerifyChainDetectsValidChain(t *testing.T) {
	c := testChain(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := c.Append(ctx, uuid.NewString(), RecordDraft{
			OrgID: "org1", UAPKID: "notifier", AgentID: "agent1",
			Action: domain.Action{Type: "email", Tool: "send_email"},
			Decision: domain.Allow, Executed: true, CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}
	result, err := c.VerifyChain(ctx, "org1", "notifier")
	require.NoError(t, err)
	require.True(t, result.ChainValid)
	require.Equal(t, 3, result.RecordCount)
	require.Equal(t, 3, result.SignatureValidCount)
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	c := testChain(t)
	ctx := context.Background()
	_, err := c.Append(ctx, uuid.NewString(), RecordDraft{
		OrgID: "org1", UAPKID: "notifier", AgentID: "agent1",
		Action: domain.Action{Type: "email", Tool: "send_email"},
		Decision: domain.Allow, Executed: true, CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	require.NoError(t, c.db.Model(&store.InteractionRecordRow{}).
		Where("org_id = ?", "org1").Update("decision", "DENY").Error)

	result, err := c.VerifyChain(ctx, "org1", "notifier")
	require.NoError(t, err)
	require.False(t, result.ChainValid)
}

func TestExportProducesNonEmptyBundle(t *testing.T) {
	c := testChain(t)
	ctx := context.Background()
	_, err := c.Append(ctx, uuid.NewString(), RecordDraft{
		OrgID: "org1", UAPKID: "notifier", AgentID: "agent1",
		Action: domain.Action{Type: "email", Tool: "send_email"},
		Decision: domain.Allow, Executed: true, CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	bundle, err := c.Export(ctx, "org1", "notifier", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.NotEmpty(t, bundle)
}

func TestExportEmptyChainErrors(t *testing.T) {
	c := testChain(t)
	_, err := c.Export(context.Background(), "org1", "nope", time.Time{}, time.Time{})
	require.ErrorIs(t, err, ErrChainEmpty)
}
