// Package escrow holds buyer/seller funds for marketplace deals and keeps
// the chat thread attached to each deal.
//
// Lifecycle:
//
//	pending ──► funded ──► completed
//	   │           │
//	   │           └──► disputed ──► completed | cancelled
//	   └──► cancelled
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrTransactionNotFound = errors.New("escrow transaction not found")
	ErrValidation          = errors.New("validation failed")
	ErrInvalidTransition   = fmt.Errorf("%w: status transition not allowed", ErrValidation)
	ErrFeeSettingsNotFound = errors.New("no fee settings recorded")
)

// Status represents the state of an escrow transaction.
type Status string

const (
	StatusPending   Status = "pending"   // Created, awaiting buyer funds
	StatusFunded    Status = "funded"    // Buyer funds held in the escrow address
	StatusCompleted Status = "completed" // Funds released to the seller
	StatusDisputed  Status = "disputed"  // Buyer or seller raised a dispute
	StatusCancelled Status = "cancelled" // Deal abandoned, funds returned
)

var transitions = map[Status][]Status{
	StatusPending:  {StatusFunded, StatusCancelled},
	StatusFunded:   {StatusCompleted, StatusDisputed},
	StatusDisputed: {StatusCompleted, StatusCancelled},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusFunded, StatusCompleted, StatusDisputed, StatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether next is a permitted successor of s.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true if no further transition is possible.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// SystemUserID is the reserved author ID of platform-generated messages.
const SystemUserID = "system"

// Party identifies a buyer or a seller.
type Party struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Transaction is an escrow record mediating one buyer/seller deal. The three
// addresses are assigned at creation and never change afterwards.
type Transaction struct {
	ID            string     `json:"id"`
	ProductID     string     `json:"productId,omitempty"`
	ProductName   string     `json:"productName"`
	Buyer         Party      `json:"buyer"`
	Seller        Party      `json:"seller"`
	Amount        int64      `json:"amount"`
	Fee           int64      `json:"fee"`
	EliteFee      int64      `json:"eliteFee"`
	BuyerAddress  string     `json:"buyerAddress"`
	SellerAddress string     `json:"sellerAddress"`
	EscrowAddress string     `json:"escrowAddress"`
	Status        Status     `json:"status"`
	CreatedAt     time.Time  `json:"createdAt"`
	FundedAt      *time.Time `json:"fundedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	Messages      []*Message `json:"messages"`
}

// Involves reports whether userID is the buyer or the seller.
func (t *Transaction) Involves(userID string) bool {
	return t.Buyer.ID == userID || t.Seller.ID == userID
}

// clone copies t without its message thread.
func (t *Transaction) clone() *Transaction {
	cp := *t
	cp.Messages = nil
	if t.FundedAt != nil {
		v := *t.FundedAt
		cp.FundedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		cp.CompletedAt = &v
	}
	return &cp
}

// Author identifies who wrote a message.
type Author struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// SystemAuthor authors platform-generated messages.
var SystemAuthor = Author{UserID: SystemUserID, Username: SystemUserID}

// Message is one append-only entry of a transaction's chat thread.
type Message struct {
	ID             string    `json:"id"`
	TransactionID  string    `json:"transactionId"`
	AuthorID       string    `json:"userId"`
	AuthorUsername string    `json:"username"`
	Content        string    `json:"content"`
	IsSystem       bool      `json:"isSystem"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Store persists escrow transactions, their messages and the fee settings
// history.
type Store interface {
	Create(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	Update(ctx context.Context, tx *Transaction) error
	// List returns transactions where userID is buyer or seller, newest
	// first. An empty userID returns every transaction.
	List(ctx context.Context, userID string) ([]*Transaction, error)

	AddMessage(ctx context.Context, msg *Message) error
	// MessagesFor returns the threads of the given transactions keyed by
	// transaction ID, each ordered oldest first.
	MessagesFor(ctx context.Context, transactionIDs []string) (map[string][]*Message, error)

	LatestFeeSettings(ctx context.Context) (*FeeSettings, error)
	AddFeeSettings(ctx context.Context, fs *FeeSettings) error
}

// EventEmitter receives escrow activity for live subscribers.
type EventEmitter interface {
	EmitEscrowStatus(tx *Transaction)
	EmitEscrowMessage(tx *Transaction, msg *Message)
}

// CreateRequest contains the parameters for creating an escrow transaction.
type CreateRequest struct {
	ProductID      string `json:"productId"`
	ProductName    string `json:"productName"`
	BuyerID        string `json:"buyerId"`
	BuyerUsername  string `json:"buyerUsername"`
	SellerID       string `json:"sellerId"`
	SellerUsername string `json:"sellerUsername"`
	Amount         int64  `json:"amount"`
	Fee            int64  `json:"fee"`
	EliteFee       int64  `json:"empireEliteFee"`
}

// MessageRequest is the body of POST /escrow/message.
type MessageRequest struct {
	TransactionID string `json:"transactionId"`
	UserID        string `json:"userId"`
	Username      string `json:"username"`
	Content       string `json:"content"`
}

// StatusRequest is the body of PUT /escrow/status.
type StatusRequest struct {
	TransactionID string `json:"transactionId"`
	Status        Status `json:"status"`
}
