package deltadefi

import (
	"context"
	"errors"
	"fmt"
)

// ErrOperationKeyNotLoaded is returned by signing operations before
// LoadOperationKey has succeeded.
var ErrOperationKeyNotLoaded = errors.New("deltadefi: operation key not loaded")

// OrderClient drives the order transaction endpoints. Orders are placed in
// two steps: the venue builds an unsigned transaction, the client signs it
// with the operation key and submits it back. Client.PostOrder and
// Client.CancelOrder wrap the full sequence.
type OrderClient struct {
	http *httpClient
}

func (o *OrderClient) BuildPlaceOrderTransaction(ctx context.Context, req *BuildPlaceOrderTransactionRequest) (*BuildPlaceOrderTransactionResponse, error) {
	if err := validatePlaceOrder(req); err != nil {
		return nil, err
	}
	var res BuildPlaceOrderTransactionResponse
	if err := o.http.post(ctx, "/order/build", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (o *OrderClient) SubmitPlaceOrderTransaction(ctx context.Context, req *SubmitPlaceOrderTransactionRequest) (*SubmitPlaceOrderTransactionResponse, error) {
	if req == nil || req.SignedTx == "" {
		return nil, fmt.Errorf("deltadefi: signed tx is required")
	}
	var res SubmitPlaceOrderTransactionResponse
	if err := o.http.post(ctx, "/order/submit", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (o *OrderClient) BuildCancelOrderTransaction(ctx context.Context, orderID string) (*BuildCancelOrderTransactionResponse, error) {
	if orderID == "" {
		return nil, fmt.Errorf("deltadefi: order id is empty")
	}
	var res BuildCancelOrderTransactionResponse
	if err := o.http.post(ctx, "/order/"+orderID+"/cancel/build", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (o *OrderClient) SubmitCancelOrderTransaction(ctx context.Context, req *SubmitCancelOrderTransactionRequest) (*SubmitCancelOrderTransactionResponse, error) {
	if req == nil || req.SignedTx == "" {
		return nil, fmt.Errorf("deltadefi: signed tx is required")
	}
	var res SubmitCancelOrderTransactionResponse
	if err := o.http.post(ctx, "/order/cancel/submit", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func validatePlaceOrder(req *BuildPlaceOrderTransactionRequest) error {
	if req == nil {
		return fmt.Errorf("deltadefi: place order request is nil")
	}
	if req.Symbol == "" {
		return fmt.Errorf("deltadefi: symbol is empty")
	}
	switch req.Side {
	case OrderSideBuy, OrderSideSell:
	default:
		return fmt.Errorf("deltadefi: invalid order side %q", req.Side)
	}
	switch req.Type {
	case OrderTypeLimit:
		if req.Price == nil || *req.Price <= 0 {
			return fmt.Errorf("deltadefi: limit order needs a positive price")
		}
	case OrderTypeMarket:
	default:
		return fmt.Errorf("deltadefi: invalid order type %q", req.Type)
	}
	if req.Quantity <= 0 {
		return fmt.Errorf("deltadefi: order quantity must be positive, got %v", req.Quantity)
	}
	return nil
}
