package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// GenerateTransferBatch builds the journals for a confirmed transfer:
// sender -> receiver for the amount, sender -> burn for the fee.
func GenerateTransferBatch(rec TransactionRecord) (*Batch, error) {
	if rec.Status != StatusConfirmed || rec.Block == nil {
		return nil, fmt.Errorf("transaction %s is not confirmed", rec.ID)
	}

	ts := rec.CreatedAt.UnixMicro()
	if rec.ConfirmedAt != nil {
		ts = rec.ConfirmedAt.UnixMicro()
	}

	batchID := uuid.New()
	batch := &Batch{
		BatchID:       batchID,
		TransactionID: rec.ID,
		BlockNumber:   rec.Block.Number,
		Timestamp:     ts,
		Journals:      make([]Journal, 0, 2),
	}

	sender := NewBalanceKey(rec.From, rec.Token).AccountPath()

	batch.Journals = append(batch.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       batchID,
		TransactionID: rec.ID,
		BlockNumber:   rec.Block.Number,
		DebitAccount:  NewBalanceKey(rec.To, rec.Token).AccountPath(),
		CreditAccount: sender,
		Token:         rec.Token,
		Amount:        rec.Amount,
		JournalType:   JournalTypeTransfer,
		Timestamp:     ts,
	})

	// Zero fees (rounded away on dust amounts) produce no entry
	if rec.Fee.IsPositive() {
		batch.Journals = append(batch.Journals, Journal{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			TransactionID: rec.ID,
			BlockNumber:   rec.Block.Number,
			DebitAccount:  BurnAccountPath(rec.Token),
			CreditAccount: sender,
			Token:         rec.Token,
			Amount:        rec.Fee,
			JournalType:   JournalTypeFeeBurn,
			Timestamp:     ts,
		})
	}

	if err := batch.Validate(); err != nil {
		return nil, err
	}
	return batch, nil
}
