package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/escrowd/internal/address"
	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/syncutil"
	"github.com/mbd888/escrowd/internal/traces"
	"github.com/mbd888/escrowd/internal/validation"
)

// Service implements escrow business logic.
type Service struct {
	store  Store
	events EventEmitter
	logger *slog.Logger
	locks  syncutil.KeyedMutex // serializes status changes per transaction
	now    func() time.Time
}

// NewService creates a new escrow service.
func NewService(store Store) *Service {
	return &Service{
		store:  store,
		logger: logging.Discard(),
		now:    time.Now,
	}
}

// WithEvents attaches a live event sink.
func (s *Service) WithEvents(e EventEmitter) *Service {
	s.events = e
	return s
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

func (s *Service) log(ctx context.Context) *slog.Logger {
	return logging.Or(ctx, s.logger)
}

func validationError(errs validation.ValidationErrors) error {
	return fmt.Errorf("%w: %s", ErrValidation, errs.Error())
}

// Create opens a pending escrow transaction with three fresh addresses and
// posts the opening system message.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Transaction, error) {
	if errs := validation.Validate(
		validation.Required("buyerId", req.BuyerID),
		validation.Required("sellerId", req.SellerID),
		validation.OneOf("productName", req.ProductName, req.ProductID),
		validation.PositiveAmount("amount", req.Amount),
		validation.NonNegativeAmount("fee", req.Fee),
		validation.NonNegativeAmount("empireEliteFee", req.EliteFee),
		validation.NotEqual("sellerId", req.BuyerID, req.SellerID),
	); len(errs) > 0 {
		return nil, validationError(errs)
	}

	now := s.now()
	buyerAddr, sellerAddr, escrowAddr := distinctAddresses()
	tx := &Transaction{
		ID:            idgen.WithPrefix("esc_"),
		ProductID:     strings.TrimSpace(req.ProductID),
		ProductName:   strings.TrimSpace(req.ProductName),
		Buyer:         Party{ID: req.BuyerID, Username: req.BuyerUsername},
		Seller:        Party{ID: req.SellerID, Username: req.SellerUsername},
		Amount:        req.Amount,
		Fee:           req.Fee,
		EliteFee:      req.EliteFee,
		BuyerAddress:  buyerAddr,
		SellerAddress: sellerAddr,
		EscrowAddress: escrowAddr,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	ctx, span := traces.StartSpan(ctx, "escrow.Create", traces.EscrowID(tx.ID), traces.Amount(tx.Amount))
	defer span.End()

	if err := s.store.Create(ctx, tx); err != nil {
		return nil, traces.Fail(span, fmt.Errorf("failed to create escrow transaction: %w", err), "store create failed")
	}
	metrics.EscrowCreatedTotal.Inc()

	product := tx.ProductName
	if product == "" {
		product = tx.ProductID
	}
	opening := fmt.Sprintf("Escrow transaction created for %q. %d held at %s until the buyer confirms delivery.",
		product, tx.Amount, tx.EscrowAddress)
	tx.Messages = []*Message{}
	if msg, err := s.appendMessage(ctx, tx, SystemAuthor, opening, true); err != nil {
		// The transaction is already persisted; failing here would invite a
		// duplicate on retry.
		s.log(ctx).Warn("failed to post opening message", "escrowId", tx.ID, "error", err)
	} else {
		tx.Messages = []*Message{msg}
	}

	if s.events != nil {
		s.events.EmitEscrowStatus(tx)
	}
	s.log(ctx).Info("escrow created",
		"escrowId", tx.ID, "buyer", tx.Buyer.ID, "seller", tx.Seller.ID, "amount", tx.Amount)
	return tx, nil
}

// UpdateStatus moves a transaction along one permitted edge. Entering
// funded stamps FundedAt and entering completed stamps CompletedAt; neither
// is cleared afterwards.
func (s *Service) UpdateStatus(ctx context.Context, id string, next Status) (*Transaction, error) {
	if !next.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, next)
	}

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ctx, span := traces.StartSpan(ctx, "escrow.UpdateStatus", traces.EscrowID(id), traces.EscrowStatus(string(next)))
	defer span.End()

	tx, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, traces.Fail(span, err, "get failed")
	}

	prev := tx.Status
	if !prev.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev, next)
	}

	now := s.now()
	tx.Status = next
	tx.UpdatedAt = now
	switch next {
	case StatusFunded:
		if tx.FundedAt == nil {
			tx.FundedAt = &now
		}
	case StatusCompleted:
		if tx.CompletedAt == nil {
			tx.CompletedAt = &now
		}
	}

	if err := s.store.Update(ctx, tx); err != nil {
		return nil, traces.Fail(span, fmt.Errorf("failed to update escrow status: %w", err), "store update failed")
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(prev), string(next)).Inc()

	if _, err := s.appendMessage(ctx, tx, SystemAuthor, fmt.Sprintf("Status changed from %s to %s.", prev, next), true); err != nil {
		// The transition is already persisted; the notice is best effort.
		s.log(ctx).Warn("failed to post status message", "escrowId", id, "error", err)
	}

	if err := s.attachMessages(ctx, []*Transaction{tx}); err != nil {
		return nil, err
	}
	if s.events != nil {
		s.events.EmitEscrowStatus(tx)
	}
	s.log(ctx).Info("escrow status changed", "escrowId", id, "from", prev, "to", next)
	return tx, nil
}

// AddMessage appends a user message to a transaction's thread.
func (s *Service) AddMessage(ctx context.Context, id string, author Author, content string) (*Message, error) {
	content = validation.Clean(content)
	if errs := validation.Validate(
		validation.Required("transactionId", id),
		validation.Required("userId", author.UserID),
		validation.Required("content", content),
		validation.MaxLength("content", content, validation.MaxStringLength),
	); len(errs) > 0 {
		return nil, validationError(errs)
	}
	if author.UserID == SystemUserID {
		return nil, fmt.Errorf("%w: userId %q is reserved", ErrValidation, SystemUserID)
	}

	tx, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.appendMessage(ctx, tx, author, content, false)
}

func (s *Service) appendMessage(ctx context.Context, tx *Transaction, author Author, content string, system bool) (*Message, error) {
	msg := &Message{
		ID:             idgen.WithPrefix("msg_"),
		TransactionID:  tx.ID,
		AuthorID:       author.UserID,
		AuthorUsername: author.Username,
		Content:        content,
		IsSystem:       system,
		CreatedAt:      s.now(),
	}
	if err := s.store.AddMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to add escrow message: %w", err)
	}

	kind := "user"
	if system {
		kind = "system"
	}
	metrics.EscrowMessagesTotal.WithLabelValues(kind).Inc()
	if s.events != nil {
		s.events.EmitEscrowMessage(tx, msg)
	}
	return msg, nil
}

// Get returns one transaction with its message thread.
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	tx, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.attachMessages(ctx, []*Transaction{tx}); err != nil {
		return nil, err
	}
	return tx, nil
}

// ListTransactions returns the transactions userID takes part in (all of
// them when userID is empty), each joined with its full message thread.
func (s *Service) ListTransactions(ctx context.Context, userID string) ([]*Transaction, error) {
	txs, err := s.store.List(ctx, strings.TrimSpace(userID))
	if err != nil {
		return nil, err
	}
	if err := s.attachMessages(ctx, txs); err != nil {
		return nil, err
	}
	return txs, nil
}

func (s *Service) attachMessages(ctx context.Context, txs []*Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	ids := make([]string, len(txs))
	for i, tx := range txs {
		ids[i] = tx.ID
	}
	threads, err := s.store.MessagesFor(ctx, ids)
	if err != nil {
		return fmt.Errorf("failed to load escrow messages: %w", err)
	}
	for _, tx := range txs {
		tx.Messages = threads[tx.ID]
		if tx.Messages == nil {
			tx.Messages = []*Message{}
		}
	}
	return nil
}

// distinctAddresses returns three pairwise distinct synthetic addresses.
func distinctAddresses() (string, string, string) {
	a := address.Legacy()
	b := address.Legacy()
	for b == a {
		b = address.Legacy()
	}
	c := address.Legacy()
	for c == a || c == b {
		c = address.Legacy()
	}
	return a, b, c
}
