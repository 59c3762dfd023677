// export.go builds the audit export bundle: a deterministic tar.gz
// containing records.jsonl, verification_proof.json and public_key.pem,
// following the fixed-entry-order/fixed-mtime determinism pattern used for
// evidence packs elsewhere in the pack, adapted to write into an in-memory
// buffer (the HTTP handler streams the response, it never touches disk).
package audit

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"time"

	"policygateway/internal/domain"
	"policygateway/internal/store"
)

// VerificationProof is the JSON document included in the export bundle.
type VerificationProof struct {
	ChainValid          bool   `json:"chain_valid"`
	SignatureValidCount int    `json:"signature_valid_count"`
	RecordCount         int    `json:"record_count"`
	MerkleRoot          string `json:"merkle_root"`
	PublicKeyB64        string `json:"public_key_b64"`
}

// Export builds the tar.gz bundle for (orgID, uapkID) restricted to
// [from, to); a zero from or to leaves that side of the window open.
func (c *Chain) Export(ctx context.Context, orgID, uapkID string, from, to time.Time) ([]byte, error) {
	q := c.db.WithContext(ctx).Where("org_id = ? AND uapk_id = ?", orgID, uapkID)
	if !from.IsZero() {
		q = q.Where("created_at >= ?", from)
	}
	if !to.IsZero() {
		q = q.Where("created_at < ?", to)
	}
	var rows []store.InteractionRecordRow
	if err := q.Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("audit: export query: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrChainEmpty
	}

	verify, err := c.VerifyChain(ctx, orgID, uapkID)
	if err != nil {
		return nil, err
	}

	leaves := make([]string, len(rows))
	var recordsJSONL bytes.Buffer
	for i, row := range rows {
		leaves[i] = row.RecordHash

		var action domain.Action
		json.Unmarshal([]byte(row.ActionJSON), &action)
		line := map[string]any{
			"record_id":            row.RecordID,
			"org_id":               row.OrgID,
			"uapk_id":              row.UAPKID,
			"agent_id":             row.AgentID,
			"action":               action,
			"request_hash":         row.RequestHash,
			"decision":             row.Decision,
			"executed":             row.Executed,
			"approval_id":          row.ApprovalID,
			"previous_record_hash": row.PreviousRecordHash,
			"record_hash":          row.RecordHash,
			"gateway_signature":    row.GatewaySignature,
			"policy_version":       row.PolicyVersion,
			"created_at":           row.CreatedAt.Format(time.RFC3339),
		}
		encoded, err := json.Marshal(line)
		if err != nil {
			return nil, fmt.Errorf("audit: encode export line %d: %w", i, err)
		}
		recordsJSONL.Write(encoded)
		recordsJSONL.WriteByte('\n')
	}

	root, err := MerkleRoot(leaves)
	if err != nil {
		return nil, fmt.Errorf("audit: merkle root: %w", err)
	}

	proof := VerificationProof{
		ChainValid:          verify.ChainValid,
		SignatureValidCount: verify.SignatureValidCount,
		RecordCount:         verify.RecordCount,
		MerkleRoot:          root,
		PublicKeyB64:        base64.StdEncoding.EncodeToString(c.keyMgr.PublicKey()),
	}
	proofJSON, err := json.MarshalIndent(proof, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("audit: encode verification proof: %w", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(c.keyMgr.PublicKey())
	if err != nil {
		return nil, fmt.Errorf("audit: marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubDER,
	})

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)

	entries := []struct {
		name string
		data []byte
	}{
		{"records.jsonl", recordsJSONL.Bytes()},
		{"verification_proof.json", proofJSON},
		{"public_key.pem", pubPEM},
	}
	for _, e := range entries {
		if err := writeTarEntry(tw, e.name, e.data); err != nil {
			return nil, fmt.Errorf("audit: write %s: %w", e.name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("audit: close tar writer: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("audit: close gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}

func writeTarEntry(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: time.Unix(0, 0),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := tw.Write(data)
	return err
}
