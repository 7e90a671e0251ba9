package realtime

import (
	"time"

	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/feerouting"
)

// Emitter turns domain callbacks into hub events. Payloads are copied
// before they are queued because the hub serializes them later on its own
// goroutine.
type Emitter struct {
	hub *Hub
	now func() time.Time
}

// NewEmitter creates an emitter publishing to hub.
func NewEmitter(hub *Hub) *Emitter {
	return &Emitter{hub: hub, now: time.Now}
}

// EscrowMessagePayload is the data of an escrow_message event.
type EscrowMessagePayload struct {
	TransactionID string         `json:"transactionId"`
	Message       escrow.Message `json:"message"`
}

func (e *Emitter) EmitEscrowStatus(tx *escrow.Transaction) {
	snapshot := *tx
	snapshot.Messages = nil
	if tx.FundedAt != nil {
		v := *tx.FundedAt
		snapshot.FundedAt = &v
	}
	if tx.CompletedAt != nil {
		v := *tx.CompletedAt
		snapshot.CompletedAt = &v
	}
	e.hub.Broadcast(&Event{
		Type:      EventEscrowStatus,
		Timestamp: e.now(),
		Data:      snapshot,
		userIDs:   []string{tx.Buyer.ID, tx.Seller.ID},
		escrowID:  tx.ID,
	})
}

func (e *Emitter) EmitEscrowMessage(tx *escrow.Transaction, msg *escrow.Message) {
	e.hub.Broadcast(&Event{
		Type:      EventEscrowMessage,
		Timestamp: e.now(),
		Data:      EscrowMessagePayload{TransactionID: tx.ID, Message: *msg},
		userIDs:   []string{tx.Buyer.ID, tx.Seller.ID},
		escrowID:  tx.ID,
	})
}

func (e *Emitter) EmitFeeRouted(ft *feerouting.FeeTransaction) {
	e.emitFee(EventFeeRouted, ft)
}

func (e *Emitter) EmitFeeCompleted(ft *feerouting.FeeTransaction) {
	e.emitFee(EventFeeCompleted, ft)
}

func (e *Emitter) emitFee(t EventType, ft *feerouting.FeeTransaction) {
	snapshot := *ft
	if ft.CompletedAt != nil {
		v := *ft.CompletedAt
		snapshot.CompletedAt = &v
	}
	e.hub.Broadcast(&Event{
		Type:      t,
		Timestamp: e.now(),
		Data:      snapshot,
		vendorID:  ft.VendorID,
	})
}

var (
	_ escrow.EventEmitter     = (*Emitter)(nil)
	_ feerouting.EventEmitter = (*Emitter)(nil)
)
