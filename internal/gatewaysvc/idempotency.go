package gatewaysvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"gorm.io/gorm"

	"policygateway/internal/store"
)

// ErrIdempotencyConflict is returned when a client reuses an Idempotency-Key
// with a request whose canonical body hash differs from the one the key was
// first recorded against.
var ErrIdempotencyConflict = errors.New("gatewaysvc: idempotency key reused with a different request body")

// IdempotencyStore dedupes retried POST /gateway/execute calls keyed by
// (org_id, Idempotency-Key), grounded on the teacher's otc-gateway
// idempotency middleware table and Idempotency-Key header convention, but
// moved into the service layer so a replay compares the same canonical
// request hash Execute itself computes rather than a raw HTTP body.
type IdempotencyStore struct {
	db *gorm.DB
}

// NewIdempotencyStore builds an IdempotencyStore over db.
func NewIdempotencyStore(db *gorm.DB) *IdempotencyStore {
	return &IdempotencyStore{db: db}
}

// Lookup returns a previously stored ExecuteResponse for (orgID, key) if one
// exists and reqHash matches what it was stored under. A stored row whose
// RequestHash differs from reqHash is reported via ErrIdempotencyConflict
// rather than silently replaying a response for a different request.
func (s *IdempotencyStore) Lookup(ctx context.Context, orgID, key, reqHash string) (ExecuteResponse, bool, error) {
	var row store.IdempotencyKeyRow
	err := s.db.WithContext(ctx).Where("key = ? AND org_id = ?", key, orgID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ExecuteResponse{}, false, nil
	}
	if err != nil {
		return ExecuteResponse{}, false, fmt.Errorf("idempotency: lookup: %w", err)
	}
	if row.RequestHash != reqHash {
		return ExecuteResponse{}, false, ErrIdempotencyConflict
	}
	var resp ExecuteResponse
	if err := json.Unmarshal(row.ResponseBody, &resp); err != nil {
		return ExecuteResponse{}, false, fmt.Errorf("idempotency: decode cached response: %w", err)
	}
	return resp, true, nil
}

// Store records resp as the cached outcome for (orgID, key, reqHash). A
// concurrent duplicate insert (two requests racing on the same fresh key)
// is ignored: whichever inserted first wins, and the loser's caller will
// see that row on its own subsequent Lookup-before-execute race, by
// construction of how Execute calls Lookup then Store.
func (s *IdempotencyStore) Store(ctx context.Context, orgID, key, reqHash string, resp ExecuteResponse) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("idempotency: encode response: %w", err)
	}
	row := store.IdempotencyKeyRow{
		Key:          key,
		OrgID:        orgID,
		RequestHash:  reqHash,
		StatusCode:   http.StatusOK,
		ResponseBody: body,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Clauses(onConflictDoNothing()).Create(&row).Error; err != nil {
		return fmt.Errorf("idempotency: store: %w", err)
	}
	return nil
}
