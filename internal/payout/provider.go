package payout

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ChuLiYu/fieldops/internal/errors"
	"github.com/ChuLiYu/fieldops/internal/logger"
	"github.com/ChuLiYu/fieldops/pkg/types"
)

// Provider is the external money-movement capability.
type Provider interface {
	HasPayoutMethod(ctx context.Context, payee types.PayeeID) (bool, error)
	// Transfer starts a disbursement and returns the provider's reference.
	// Settlement is reported later through Scheduler.Settle.
	Transfer(ctx context.Context, req TransferRequest) (string, error)
}

// TransferRequest is one disbursement. IdempotencyKey is the payout id: a
// provider that sees a key again must return the first reference and move
// no money.
type TransferRequest struct {
	IdempotencyKey string
	PayeeID        types.PayeeID
	Amount         types.Cents
	Description    string
}

// NoPayoutMethodError marks a payee with no payout destination on file.
type NoPayoutMethodError struct {
	PayeeID types.PayeeID
}

func (e *NoPayoutMethodError) Error() string {
	return fmt.Sprintf("payee %s has no payout method configured", e.PayeeID)
}

// Transfer is one call recorded by StaticProvider.
type Transfer struct {
	Reference      string
	IdempotencyKey string
	PayeeID        types.PayeeID
	Amount         types.Cents
	Description    string
}

// StaticProvider knows payout destinations from configuration and records
// transfers instead of moving money. The daemon uses it until a real rail is
// plugged in; tests use it directly.
type StaticProvider struct {
	mu        sync.Mutex
	methods   map[types.PayeeID]string
	failing   map[types.PayeeID]error
	transfers []Transfer
	byKey     map[string]string
	log       *zap.SugaredLogger
}

// NewStaticProvider takes a payee -> destination map, e.g. "ach:****6789".
func NewStaticProvider(methods map[types.PayeeID]string, log *zap.SugaredLogger) *StaticProvider {
	p := &StaticProvider{
		methods: make(map[types.PayeeID]string, len(methods)),
		failing: make(map[types.PayeeID]error),
		byKey:   make(map[string]string),
		log:     logger.OrDefault(log, "payout-provider"),
	}
	for k, v := range methods {
		p.methods[k] = v
	}
	return p
}

// SetMethod adds or replaces a payee's destination.
func (p *StaticProvider) SetMethod(payee types.PayeeID, destination string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.methods[payee] = destination
}

// FailTransfers makes every transfer to payee return err. nil clears it.
func (p *StaticProvider) FailTransfers(payee types.PayeeID, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failing, payee)
		return
	}
	p.failing[payee] = err
}

func (p *StaticProvider) HasPayoutMethod(_ context.Context, payee types.PayeeID) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.methods[payee]
	return ok, nil
}

func (p *StaticProvider) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	payee, amount := req.PayeeID, req.Amount
	if ref, seen := p.byKey[req.IdempotencyKey]; seen && req.IdempotencyKey != "" {
		return ref, nil
	}
	dest, ok := p.methods[payee]
	if !ok {
		return "", &NoPayoutMethodError{PayeeID: payee}
	}
	if err := p.failing[payee]; err != nil {
		return "", err
	}
	if amount <= 0 {
		return "", errors.Newf("transfer amount must be positive, got %s", amount)
	}

	ref := "tr_" + uuid.NewString()
	p.transfers = append(p.transfers, Transfer{
		Reference:      ref,
		IdempotencyKey: req.IdempotencyKey,
		PayeeID:        payee,
		Amount:         amount,
		Description:    req.Description,
	})
	if req.IdempotencyKey != "" {
		p.byKey[req.IdempotencyKey] = ref
	}
	p.log.Infow("transfer recorded", "payee_id", payee, "amount", amount.String(), "destination", dest, "reference", ref)
	return ref, nil
}

// Transfers returns what has been recorded so far.
func (p *StaticProvider) Transfers() []Transfer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Transfer(nil), p.transfers...)
}
