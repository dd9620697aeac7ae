package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"beautika/backend/internal/domain"
	"beautika/backend/internal/store"
)

// RequestReturn opens a return against a delivered order. Requested
// quantities are validated against what was ordered minus what earlier
// returns already claimed, and the return window runs from delivery.
func (s *Service) RequestReturn(ctx context.Context, req domain.RequestReturnRequest) (*domain.OrderReturn, error) {
	if req.OrderID == "" || len(req.Items) == 0 {
		return nil, store.ErrValidation
	}

	order, err := s.repo.FindOrderByID(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if order.DeliveredAt != nil && time.Since(*order.DeliveredAt) > s.opts.ReturnWindow {
		return nil, fmt.Errorf("%w: return window closed", store.ErrValidation)
	}

	items := make([]domain.ReturnItem, 0, len(req.Items))
	for _, line := range req.Items {
		sku := strings.ToUpper(strings.TrimSpace(line.SKU))
		if sku == "" || line.Qty < 1 {
			continue
		}
		items = append(items, domain.ReturnItem{
			SKU:          sku,
			QtyRequested: line.Qty,
			Restock:      line.Restock,
		})
	}
	if len(items) == 0 {
		return nil, store.ErrValidation
	}

	ret, err := s.repo.CreateReturn(ctx, domain.OrderReturn{
		OrderID: order.ID,
		Reason:  strings.TrimSpace(req.Reason),
		Items:   items,
	})
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "return_request", "return", ret.ID, map[string]any{
		"order_id": ret.OrderID,
		"items":    len(ret.Items),
		"reason":   ret.Reason,
	}, "audit:return_request:"+ret.ID)
	s.publish(ctx, "return.requested", "return", ret.ID, order.CustomerID)
	return ret, nil
}

func (s *Service) GetReturn(ctx context.Context, returnID string) (*domain.OrderReturn, error) {
	if returnID == "" {
		return nil, store.ErrValidation
	}
	return s.repo.GetReturnByID(ctx, returnID)
}

// ApproveReturn moves a requested return to approved. A nil approvedQty
// approves the requested quantities as-is; explicit entries cap per SKU.
func (s *Service) ApproveReturn(ctx context.Context, returnID string, approvedQty map[string]int) (*domain.OrderReturn, error) {
	if returnID == "" {
		return nil, store.ErrValidation
	}
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{ID: "system", Role: "system"}
	}

	ret, err := s.repo.ApproveReturn(ctx, returnID, actor.ID, approvedQty, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "return_approve", "return", ret.ID, map[string]any{
		"order_id": ret.OrderID,
	}, "audit:return_approve:"+ret.ID)
	return ret, nil
}

// MarkReturnReceived records goods arriving back at the warehouse along
// with their inspected condition. Once every line has a condition the
// return moves to inspected.
func (s *Service) MarkReturnReceived(ctx context.Context, returnID string, receipts []domain.ReturnReceiptLine) (*domain.OrderReturn, error) {
	if returnID == "" || len(receipts) == 0 {
		return nil, store.ErrValidation
	}
	for i := range receipts {
		receipts[i].SKU = strings.ToUpper(strings.TrimSpace(receipts[i].SKU))
		switch receipts[i].Condition {
		case domain.ReturnConditionUnopened, domain.ReturnConditionOpened, domain.ReturnConditionDamaged:
		default:
			return nil, fmt.Errorf("%w: unknown condition %q", store.ErrValidation, receipts[i].Condition)
		}
	}

	ret, err := s.repo.MarkReturnReceived(ctx, returnID, receipts, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "return_receive", "return", ret.ID, map[string]any{
		"order_id": ret.OrderID,
		"status":   ret.Status,
	}, "")
	return ret, nil
}

// CompleteReturn settles an inspected return: unopened restockable lines
// go back onto their original batches, earned points are reversed in
// proportion to the returned value, and the refund is entered on the
// payment ledger net of the restocking fee. Re-invoking a completed
// return returns the settled record without repeating any side effect.
func (s *Service) CompleteReturn(ctx context.Context, returnID string) (*domain.OrderReturn, error) {
	if returnID == "" {
		return nil, store.ErrValidation
	}

	current, err := s.repo.GetReturnByID(ctx, returnID)
	if err != nil {
		return nil, err
	}

	fee := decimal.Zero
	if s.opts.RestockingFeeRate.Sign() > 0 {
		value := decimal.Zero
		for _, item := range current.Items {
			value = value.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.QtyApproved))))
		}
		fee = value.Mul(s.opts.RestockingFeeRate).Round(2)
	}

	ret, err := s.repo.CompleteReturn(ctx, returnID, fee, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	order, err := s.repo.FindOrderByID(ctx, ret.OrderID)
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "return_complete", "return", ret.ID, map[string]any{
		"order_id":       ret.OrderID,
		"return_value":   ret.ReturnValue.String(),
		"restocking_fee": ret.RestockingFee.String(),
		"refund":         ret.RefundAmount.String(),
	}, "audit:return_complete:"+ret.ID)
	s.publish(ctx, "return.completed", "return", ret.ID, order.CustomerID)
	return ret, nil
}

func (s *Service) RejectReturn(ctx context.Context, returnID string, reason string) (*domain.OrderReturn, error) {
	if returnID == "" {
		return nil, store.ErrValidation
	}
	ret, err := s.repo.RejectReturn(ctx, returnID, strings.TrimSpace(reason), time.Now().UTC())
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "return_reject", "return", ret.ID, map[string]any{
		"order_id": ret.OrderID,
		"reason":   ret.RejectedReason,
	}, "audit:return_reject:"+ret.ID)
	return ret, nil
}
