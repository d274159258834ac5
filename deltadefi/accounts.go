package deltadefi

import (
	"context"
	"fmt"
	"strconv"
)

// AccountsClient queries account state: balances, transfer records and
// order records.
type AccountsClient struct {
	http *httpClient
}

func (a *AccountsClient) GetAccountBalance(ctx context.Context) (*GetAccountBalanceResponse, error) {
	var res GetAccountBalanceResponse
	if err := a.http.get(ctx, "/accounts/balance", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (a *AccountsClient) GetDepositRecords(ctx context.Context) (*GetDepositRecordsResponse, error) {
	var res GetDepositRecordsResponse
	if err := a.http.get(ctx, "/accounts/deposit-records", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (a *AccountsClient) GetWithdrawalRecords(ctx context.Context) (*GetWithdrawalRecordsResponse, error) {
	var res GetWithdrawalRecordsResponse
	if err := a.http.get(ctx, "/accounts/withdrawal-records", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetOrderRecords returns one page of order records. req may be nil, which
// queries open orders with venue-default paging.
func (a *AccountsClient) GetOrderRecords(ctx context.Context, req *GetOrderRecordRequest) (*GetOrderRecordsResponse, error) {
	params := map[string]string{}
	status := OrderRecordStatusOpenOrder
	if req != nil {
		if req.Status != "" {
			status = req.Status
		}
		if req.Page > 0 {
			params["page"] = strconv.Itoa(req.Page)
		}
		if req.Limit > 0 {
			params["limit"] = strconv.Itoa(req.Limit)
		}
	}
	params["status"] = string(status)

	var res GetOrderRecordsResponse
	if err := a.http.get(ctx, "/accounts/order-records", params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetOrderRecord returns a single order by ID.
func (a *AccountsClient) GetOrderRecord(ctx context.Context, orderID string) (*OrderRecord, error) {
	if orderID == "" {
		return nil, fmt.Errorf("deltadefi: order id is empty")
	}
	var res OrderRecord
	if err := a.http.get(ctx, "/accounts/order/"+orderID, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetAllOpenOrders pages through open order records and flattens the
// result. The venue caps pages at 250 records.
func (a *AccountsClient) GetAllOpenOrders(ctx context.Context) ([]OrderRecord, error) {
	var all []OrderRecord
	page := 1
	for {
		res, err := a.GetOrderRecords(ctx, &GetOrderRecordRequest{
			Status: OrderRecordStatusOpenOrder,
			Page:   page,
			Limit:  250,
		})
		if err != nil {
			return nil, err
		}
		for _, group := range res.Data {
			all = append(all, group.Orders...)
		}
		if res.TotalPage <= page {
			return all, nil
		}
		page++
	}
}

// GetOperationKey fetches the encrypted operation key blob. The plaintext
// key never leaves the venue; decryption happens locally with the
// account passcode.
func (a *AccountsClient) GetOperationKey(ctx context.Context) (*GetOperationKeyResponse, error) {
	var res GetOperationKeyResponse
	if err := a.http.get(ctx, "/accounts/operation-key", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
