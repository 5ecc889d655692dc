package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TrustEventKind identifies a score-affecting business event.
type TrustEventKind string

const (
	EventOrderPaid      TrustEventKind = "ORDER_PAID"
	EventOrderShipped   TrustEventKind = "ORDER_SHIPPED"
	EventEscrowReleased TrustEventKind = "ESCROW_RELEASED"
	EventLoginFail      TrustEventKind = "LOGIN_FAIL"
	EventKYCApproved    TrustEventKind = "KYC_APPROVED"
)

// TrustScoreEvent is one immutable row of the append-only trust ledger.
// Uniqueness on (kind, source_event_id) makes replays no-ops.
type TrustScoreEvent struct {
	ID            int64          `db:"id" json:"id"`
	TargetUserID  int64          `db:"target_user_id" json:"target_user_id"`
	Kind          TrustEventKind `db:"kind" json:"kind"`
	SourceApp     string         `db:"source_app" json:"source_app"`
	SourceEventID string         `db:"source_event_id" json:"source_event_id"`
	DeltaBuyer    int            `db:"delta_buyer" json:"delta_buyer"`
	DeltaSeller   int            `db:"delta_seller" json:"delta_seller"`
	Meta          string         `db:"meta" json:"meta,omitempty"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
}

// KYC statuses
const (
	KYCNotStarted = "NOT_STARTED"
	KYCInReview   = "IN_REVIEW"
	KYCApproved   = "APPROVED"
	KYCRejected   = "REJECTED"
)

// Profile holds the buyer side of a user's trust state.
type Profile struct {
	UserID               int64      `db:"user_id" json:"user_id"`
	BuyerTrustScore      int        `db:"buyer_trust_score" json:"buyer_trust_score"`
	KYCStatus            string     `db:"kyc_status" json:"kyc_status"`
	KYCApprovedAt        *time.Time `db:"kyc_approved_at" json:"kyc_approved_at,omitempty"`
	IdentityBonusApplied bool       `db:"identity_bonus_applied" json:"-"`
	UpdatedAt            time.Time  `db:"updated_at" json:"updated_at"`
}

// Seller levels, ordered. A seller only ever moves forward through these.
const (
	LevelAmator = "AMATOR"
	LevelRising = "RISING"
	LevelTop    = "TOP"
	LevelVIP    = "VIP"
)

// LevelRank orders seller levels for upward-only comparisons.
func LevelRank(level string) int {
	switch level {
	case LevelRising:
		return 1
	case LevelTop:
		return 2
	case LevelVIP:
		return 3
	default:
		return 0
	}
}

// SellerProfile holds the seller side of a user's trust state plus tier data.
type SellerProfile struct {
	UserID               int64           `db:"user_id" json:"user_id"`
	SellerTrustScore     int             `db:"seller_trust_score" json:"seller_trust_score"`
	SellerLevel          string          `db:"seller_level" json:"seller_level"`
	CommissionRate       decimal.Decimal `db:"commission_rate" json:"commission_rate"`
	LifetimeSalesNet     decimal.Decimal `db:"lifetime_sales_net" json:"lifetime_sales_net"`
	IdentityBonusApplied bool            `db:"identity_bonus_applied" json:"-"`
	UpdatedAt            time.Time       `db:"updated_at" json:"updated_at"`
}

// Payment statuses
const (
	PaymentStatusPending   = "PENDING"
	PaymentStatusSucceeded = "SUCCEEDED"
	PaymentStatusFailed    = "FAILED"
)

// Order payment statuses
const (
	OrderPaymentPending = "PENDING"
	OrderPaymentPaid    = "PAID"
	OrderPaymentFailed  = "FAILED"
)

// Escrow statuses
const (
	EscrowHeld     = "HELD"
	EscrowDisputed = "DISPUTED"
	EscrowReleased = "RELEASED"
)

// Shipping statuses
const (
	ShippingNotShipped = "NOT_SHIPPED"
	ShippingShipped    = "SHIPPED"
	ShippingInTransit  = "IN_TRANSIT"
	ShippingDelivered  = "DELIVERED"
	ShippingReturned   = "RETURNED"
)

// Order represents a buyer order. payment_status is a one-way latch to PAID;
// escrow_status RELEASED is terminal.
type Order struct {
	ID             int64           `db:"id" json:"id"`
	BuyerID        int64           `db:"buyer_id" json:"buyer_id"`
	TotalAmount    decimal.Decimal `db:"total_amount" json:"total_amount"`
	PaymentStatus  string          `db:"payment_status" json:"payment_status"`
	EscrowStatus   string          `db:"escrow_status" json:"escrow_status"`
	ShippingStatus string          `db:"shipping_status" json:"shipping_status"`
	ShippedAt      *time.Time      `db:"shipped_at" json:"shipped_at,omitempty"`
	DeliveredAt    *time.Time      `db:"delivered_at" json:"delivered_at,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// OrderItem captures the product reference with price and seller at purchase
// time. Sellers can differ per line on a multi-seller order.
type OrderItem struct {
	ID        int64           `db:"id" json:"id"`
	OrderID   int64           `db:"order_id" json:"order_id"`
	ProductID int64           `db:"product_id" json:"product_id"`
	SellerID  int64           `db:"seller_id" json:"seller_id"`
	Quantity  int             `db:"quantity" json:"quantity"`
	UnitPrice decimal.Decimal `db:"unit_price" json:"unit_price"`
}

// LineTotal returns unit price times quantity.
func (i OrderItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Payment is one attempt (possibly of several across retries) to pay an order.
type Payment struct {
	ID         int64           `db:"id" json:"id"`
	OrderID    int64           `db:"order_id" json:"order_id"`
	Status     string          `db:"status" json:"status"`
	Amount     decimal.Decimal `db:"amount" json:"amount"`
	ExternalID string          `db:"external_id" json:"external_id,omitempty"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time       `db:"updated_at" json:"updated_at"`
}

// Wallet transaction types
const (
	TxTopup        = "topup"
	TxOrderPayment = "order_payment"
	TxRefund       = "refund"
	TxPayout       = "payout"
)

// Wallet holds a user's platform balance. Balance never goes negative and
// always equals the signed sum of its transactions.
type Wallet struct {
	ID        int64           `db:"id" json:"id"`
	UserID    int64           `db:"user_id" json:"user_id"`
	Balance   decimal.Decimal `db:"balance" json:"balance"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

// WalletTransaction is an append-only audit row. Amount is signed (credits
// positive, debits negative); BalanceAfter is the point-in-time snapshot.
type WalletTransaction struct {
	ID           int64           `db:"id" json:"id"`
	WalletID     int64           `db:"wallet_id" json:"wallet_id"`
	TxType       string          `db:"tx_type" json:"tx_type"`
	Amount       decimal.Decimal `db:"amount" json:"amount"`
	BalanceAfter decimal.Decimal `db:"balance_after" json:"balance_after"`
	ExternalID   string          `db:"external_id" json:"external_id,omitempty"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
}

// Refund statuses
const (
	RefundStatusPending   = "PENDING"
	RefundStatusSucceeded = "SUCCEEDED"
	RefundStatusFailed    = "FAILED"
)

// Refund is a (partial) reversal of a captured payment.
type Refund struct {
	ID        int64           `db:"id" json:"id"`
	PaymentID int64           `db:"payment_id" json:"payment_id"`
	OrderID   int64           `db:"order_id" json:"order_id"`
	Status    string          `db:"status" json:"status"`
	Amount    decimal.Decimal `db:"amount" json:"amount"`
	ToWallet  bool            `db:"to_wallet" json:"to_wallet"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

// TrustClass maps a bounded score to its class letter:
// A>=85, B>=70, C>=50, everything below is D.
func TrustClass(score int) string {
	switch {
	case score >= 85:
		return "A"
	case score >= 70:
		return "B"
	case score >= 50:
		return "C"
	default:
		return "D"
	}
}
