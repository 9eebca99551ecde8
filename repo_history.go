package auth

import (
	"context"

	goerrors "github.com/goliatone/go-errors"
	"github.com/uptrace/bun"
)

// HistoryStore is the append only store of history records.
type HistoryStore interface {
	AppendTx(ctx context.Context, tx bun.IDB, record *HistoryRecord) error
	ListByEntity(ctx context.Context, entityType, entityID string) ([]*HistoryRecord, error)
	ListByEntityTx(ctx context.Context, tx bun.IDB, entityType, entityID string) ([]*HistoryRecord, error)
}

type historyRecords struct {
	db *bun.DB
}

var _ HistoryStore = (*historyRecords)(nil)

func NewHistoryRepository(db *bun.DB) HistoryStore {
	return &historyRecords{db: db}
}

// AppendTx inserts the record. The unique (entity_type, entity_id, version)
// key rejects a second record for the same logical change.
func (h *historyRecords) AppendTx(ctx context.Context, tx bun.IDB, record *HistoryRecord) error {
	if _, err := tx.NewInsert().Model(record).Exec(ctx); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to insert history record")
	}
	return nil
}

func (h *historyRecords) ListByEntity(ctx context.Context, entityType, entityID string) ([]*HistoryRecord, error) {
	return h.ListByEntityTx(ctx, h.db, entityType, entityID)
}

func (h *historyRecords) ListByEntityTx(ctx context.Context, tx bun.IDB, entityType, entityID string) ([]*HistoryRecord, error) {
	records := []*HistoryRecord{}
	err := tx.NewSelect().
		Model(&records).
		Where("?TableAlias.entity_type = ?", entityType).
		Where("?TableAlias.entity_id = ?", entityID).
		Order("hst.version ASC").
		Scan(ctx)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to list history records")
	}
	return records, nil
}
