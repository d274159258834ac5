package deltadefi

// OrderSide is the side of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType is the execution type of an order.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// OrderStatus is the venue-reported lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusBuilding        OrderStatus = "building"
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusFailed          OrderStatus = "failed"
)

// OrderRecordStatus selects which order records to query.
type OrderRecordStatus string

const (
	OrderRecordStatusOpenOrder      OrderRecordStatus = "openOrder"
	OrderRecordStatusTradingHistory OrderRecordStatus = "tradingHistory"
)

// Interval is a candle aggregation interval.
type Interval string

const (
	Interval15m Interval = "15m"
	Interval30m Interval = "30m"
	Interval1h  Interval = "1h"
	Interval1d  Interval = "1d"
	Interval1w  Interval = "1w"
	Interval1M  Interval = "1M"
)

// AssetBalance is one asset row of the account balance.
type AssetBalance struct {
	Asset  string  `json:"asset"`
	Free   float64 `json:"free"`
	Locked float64 `json:"locked"`
}

// GetAccountBalanceResponse is the full account balance.
type GetAccountBalanceResponse []AssetBalance

// DepositRecord is a single on-chain deposit.
type DepositRecord struct {
	TxHash    string  `json:"tx_hash"`
	Asset     string  `json:"asset"`
	Amount    float64 `json:"amount"`
	Status    string  `json:"status"`
	CreatedAt int64   `json:"created_at"`
}

type GetDepositRecordsResponse []DepositRecord

// WithdrawalRecord is a single on-chain withdrawal.
type WithdrawalRecord struct {
	TxHash    string  `json:"tx_hash"`
	Asset     string  `json:"asset"`
	Amount    float64 `json:"amount"`
	Status    string  `json:"status"`
	CreatedAt int64   `json:"created_at"`
}

type GetWithdrawalRecordsResponse []WithdrawalRecord

// OrderRecord is a venue order, open or historical.
type OrderRecord struct {
	OrderID        string      `json:"order_id"`
	Symbol         string      `json:"symbol"`
	Side           OrderSide   `json:"side"`
	Type           OrderType   `json:"type"`
	Status         OrderStatus `json:"status"`
	Price          float64     `json:"price"`
	Quantity       float64     `json:"quantity"`
	FilledQuantity float64     `json:"filled_quantity"`
	AvgFillPrice   float64     `json:"avg_fill_price"`
	CreatedAt      int64       `json:"created_at"`
	UpdatedAt      int64       `json:"updated_at"`
}

// OrderRecordGroup groups the order records of one symbol.
type OrderRecordGroup struct {
	Symbol string        `json:"symbol"`
	Orders []OrderRecord `json:"orders"`
}

// GetOrderRecordRequest filters and pages an order record query.
type GetOrderRecordRequest struct {
	Status OrderRecordStatus
	Page   int // 1-based; 0 means first page
	Limit  int // records per page; 0 means venue default
}

type GetOrderRecordsResponse struct {
	Data      []OrderRecordGroup `json:"data"`
	Page      int                `json:"page"`
	TotalPage int                `json:"total_page"`
}

// GetOperationKeyResponse carries the encrypted operation key blob.
type GetOperationKeyResponse struct {
	EncryptedOperationKey string `json:"encrypted_operation_key"`
}

// DepthLevel is one price level of the order book.
type DepthLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

type GetDepthResponse struct {
	Bids []DepthLevel `json:"bids"`
	Asks []DepthLevel `json:"asks"`
}

type GetMarketPriceResponse struct {
	Price float64 `json:"price"`
}

// Candle is one aggregated price bar.
type Candle struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

type GetAggregatedPriceResponse []Candle

// GetAggregatedPriceRequest queries aggregated price bars over a range.
type GetAggregatedPriceRequest struct {
	Symbol   string
	Interval Interval
	Start    int64 // unix seconds
	End      int64 // unix seconds
}

// BuildPlaceOrderTransactionRequest asks the venue to build an unsigned
// place-order transaction.
type BuildPlaceOrderTransactionRequest struct {
	Symbol        string    `json:"symbol"`
	Side          OrderSide `json:"side"`
	Type          OrderType `json:"type"`
	Quantity      float64   `json:"quantity"`
	Price         *float64  `json:"price,omitempty"`          // required for limit orders
	LimitSlippage *bool     `json:"limit_slippage,omitempty"` // market orders only
}

type BuildPlaceOrderTransactionResponse struct {
	OrderID string `json:"order_id"`
	TxHex   string `json:"tx_hex"`
}

type SubmitPlaceOrderTransactionRequest struct {
	OrderID  string `json:"order_id"`
	SignedTx string `json:"signed_tx"`
}

type SubmitPlaceOrderTransactionResponse struct {
	Order  OrderRecord `json:"order"`
	TxHash string      `json:"tx_hash"`
}

// PostOrderResponse is the result of the build-sign-submit composite.
type PostOrderResponse = SubmitPlaceOrderTransactionResponse

type BuildCancelOrderTransactionResponse struct {
	TxHex string `json:"tx_hex"`
}

type SubmitCancelOrderTransactionRequest struct {
	SignedTx string `json:"signed_tx"`
}

type SubmitCancelOrderTransactionResponse struct {
	TxHash string `json:"tx_hash"`
}

// FloatPtr returns a pointer to v, for optional request fields.
func FloatPtr(v float64) *float64 { return &v }

// BoolPtr returns a pointer to v.
func BoolPtr(v bool) *bool { return &v }
