package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/klauspost/compress/zstd"

	"stockledger/internal/core/apperror"
	appctx "stockledger/internal/core/context"
	"stockledger/internal/core/id"
	"stockledger/internal/domain/stock"
)

// DefaultCompressThreshold is the payload size from which snapshots are zstd-compressed.
const DefaultCompressThreshold = 10 * 1024

var _ stock.Archiver = (*ArchiveStore)(nil)

// ArchiveRecord is a stored pre-rebuild snapshot.
type ArchiveRecord struct {
	ID            id.ID     `db:"id" json:"id"`
	Scope         string    `db:"scope" json:"scope"`
	TakenAt       time.Time `db:"taken_at" json:"takenAt"`
	BatchCount    int       `db:"batch_count" json:"batchCount"`
	MovementCount int       `db:"movement_count" json:"movementCount"`
	Payload       []byte    `db:"payload" json:"-"`
	Compressed    bool      `db:"compressed" json:"compressed"`
	CreatedBy     string    `db:"created_by" json:"createdBy"`
	CreatedAt     time.Time `db:"created_at" json:"createdAt"`
}

// ArchiveStore writes ledger snapshots to stock_rebuild_archive before a rebuild purges them.
type ArchiveStore struct {
	txManager         *TxManager
	encoder           *zstd.Encoder
	decoder           *zstd.Decoder
	compressThreshold int
}

// NewArchiveStore creates a new archive store.
func NewArchiveStore(txManager *TxManager) (*ArchiveStore, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &ArchiveStore{
		txManager:         txManager,
		encoder:           encoder,
		decoder:           decoder,
		compressThreshold: DefaultCompressThreshold,
	}, nil
}

// Archive stores the snapshot in the transaction carried by ctx.
func (s *ArchiveStore) Archive(ctx context.Context, snapshot *stock.Snapshot) (id.ID, error) {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return id.Nil(), fmt.Errorf("marshal snapshot: %w", err)
	}

	compressed := false
	if len(payload) > s.compressThreshold {
		payload = s.encoder.EncodeAll(payload, nil)
		compressed = true
	}

	rec := ArchiveRecord{
		ID:            id.New(),
		Scope:         snapshot.Scope.String(),
		TakenAt:       snapshot.TakenAt,
		BatchCount:    len(snapshot.Batches),
		MovementCount: len(snapshot.Movements),
		Payload:       payload,
		Compressed:    compressed,
		CreatedBy:     appctx.Actor(ctx),
		CreatedAt:     time.Now().UTC(),
	}

	_, err = s.txManager.GetQuerier(ctx).Exec(ctx, `
		INSERT INTO stock_rebuild_archive (
			id, scope, taken_at, batch_count, movement_count,
			payload, compressed, created_by, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rec.ID, rec.Scope, rec.TakenAt, rec.BatchCount, rec.MovementCount,
		rec.Payload, rec.Compressed, rec.CreatedBy, rec.CreatedAt)
	if err != nil {
		return id.Nil(), fmt.Errorf("insert archive: %w", err)
	}

	return rec.ID, nil
}

// Load returns a stored snapshot.
func (s *ArchiveStore) Load(ctx context.Context, archiveID id.ID) (*stock.Snapshot, error) {
	var rec ArchiveRecord
	err := s.txManager.GetQuerier(ctx).QueryRow(ctx, `
		SELECT id, payload, compressed FROM stock_rebuild_archive WHERE id = $1
	`, archiveID).Scan(&rec.ID, &rec.Payload, &rec.Compressed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NewNotFound("rebuild archive", archiveID)
	}
	if err != nil {
		return nil, fmt.Errorf("select archive: %w", err)
	}

	payload := rec.Payload
	if rec.Compressed {
		payload, err = s.decoder.DecodeAll(rec.Payload, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress archive: %w", err)
		}
	}

	var snapshot stock.Snapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return nil, fmt.Errorf("unmarshal archive: %w", err)
	}
	return &snapshot, nil
}

// List returns archive headers, newest first.
func (s *ArchiveStore) List(ctx context.Context, limit int) ([]ArchiveRecord, error) {
	rows, err := s.txManager.GetQuerier(ctx).Query(ctx, `
		SELECT id, scope, taken_at, batch_count, movement_count, compressed, created_by, created_at
		FROM stock_rebuild_archive
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query archives: %w", err)
	}
	defer rows.Close()

	var out []ArchiveRecord
	for rows.Next() {
		var r ArchiveRecord
		if err := rows.Scan(&r.ID, &r.Scope, &r.TakenAt, &r.BatchCount, &r.MovementCount,
			&r.Compressed, &r.CreatedBy, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan archive: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
