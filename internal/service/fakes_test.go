package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"trust-service/internal/models"
)

// In-memory fakes for the store boundaries. They mirror the transactional
// semantics of the Postgres store closely enough for the state-machine and
// ledger tests: conditional insert on (kind, source_event_id), clamped score
// application, marker-guarded bonuses, latched order transitions and
// non-negative wallet balances.

type memTrustStore struct {
	mu       sync.Mutex
	nextID   int64
	events   map[string]*models.TrustScoreEvent
	profiles map[int64]*models.Profile
	sellers  map[int64]*models.SellerProfile

	failInsert error
}

func newMemTrustStore() *memTrustStore {
	return &memTrustStore{
		events:   make(map[string]*models.TrustScoreEvent),
		profiles: make(map[int64]*models.Profile),
		sellers:  make(map[int64]*models.SellerProfile),
	}
}

func (m *memTrustStore) addProfile(userID, score int64) *models.Profile {
	p := &models.Profile{
		UserID:          userID,
		BuyerTrustScore: int(score),
		KYCStatus:       models.KYCNotStarted,
	}
	m.profiles[userID] = p
	return p
}

func (m *memTrustStore) addSeller(userID, score int64) *models.SellerProfile {
	p := &models.SellerProfile{
		UserID:           userID,
		SellerTrustScore: int(score),
		SellerLevel:      models.LevelAmator,
		CommissionRate:   decimal.RequireFromString("10"),
		LifetimeSalesNet: decimal.Zero,
	}
	m.sellers[userID] = p
	return p
}

func eventKey(kind models.TrustEventKind, sourceEventID string) string {
	return string(kind) + "|" + sourceEventID
}

func (m *memTrustStore) InsertTrustEvent(ctx context.Context, ev *models.TrustScoreEvent, scoreMin, scoreMax, buyerBonus, sellerBonus int) (*models.TrustScoreEvent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failInsert != nil {
		return nil, false, m.failInsert
	}

	key := eventKey(ev.Kind, ev.SourceEventID)
	if existing, ok := m.events[key]; ok {
		return existing, false, nil
	}

	if ev.DeltaBuyer != 0 || buyerBonus > 0 {
		profile, ok := m.profiles[ev.TargetUserID]
		if !ok {
			return nil, false, fmt.Errorf("profile not found: %d", ev.TargetUserID)
		}
		next := models.ClampScore(profile.BuyerTrustScore, ev.DeltaBuyer, scoreMin, scoreMax)
		if buyerBonus > 0 && !profile.IdentityBonusApplied {
			next = models.ClampScore(next, buyerBonus, scoreMin, scoreMax)
			profile.IdentityBonusApplied = true
		}
		profile.BuyerTrustScore = next
	}

	if ev.DeltaSeller != 0 || sellerBonus > 0 {
		seller, ok := m.sellers[ev.TargetUserID]
		if !ok && ev.DeltaSeller != 0 {
			return nil, false, fmt.Errorf("seller profile not found: %d", ev.TargetUserID)
		}
		if ok {
			next := models.ClampScore(seller.SellerTrustScore, ev.DeltaSeller, scoreMin, scoreMax)
			if sellerBonus > 0 && !seller.IdentityBonusApplied {
				next = models.ClampScore(next, sellerBonus, scoreMin, scoreMax)
				seller.IdentityBonusApplied = true
			}
			seller.SellerTrustScore = next
		}
	}

	m.nextID++
	stored := *ev
	stored.ID = m.nextID
	stored.CreatedAt = time.Now()
	m.events[key] = &stored
	return &stored, true, nil
}

func (m *memTrustStore) GrantBuyerIdentityBonus(ctx context.Context, userID int64, bonus, scoreMin, scoreMax int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	profile, ok := m.profiles[userID]
	if !ok {
		return false, fmt.Errorf("profile not found: %d", userID)
	}
	if profile.IdentityBonusApplied {
		return false, nil
	}
	profile.BuyerTrustScore = models.ClampScore(profile.BuyerTrustScore, bonus, scoreMin, scoreMax)
	profile.IdentityBonusApplied = true
	return true, nil
}

func (m *memTrustStore) GrantSellerIdentityBonus(ctx context.Context, userID int64, bonus, scoreMin, scoreMax int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seller, ok := m.sellers[userID]
	if !ok {
		return false, fmt.Errorf("seller profile not found: %d", userID)
	}
	if seller.IdentityBonusApplied {
		return false, nil
	}
	seller.SellerTrustScore = models.ClampScore(seller.SellerTrustScore, bonus, scoreMin, scoreMax)
	seller.IdentityBonusApplied = true
	return true, nil
}

func (m *memTrustStore) ApproveKYC(ctx context.Context, userID int64, approvedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	profile, ok := m.profiles[userID]
	if !ok {
		return false, fmt.Errorf("profile not found: %d", userID)
	}
	if profile.KYCStatus == models.KYCApproved {
		return false, nil
	}
	profile.KYCStatus = models.KYCApproved
	profile.KYCApprovedAt = &approvedAt
	return true, nil
}

func (m *memTrustStore) GetProfile(ctx context.Context, userID int64) (*models.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	profile, ok := m.profiles[userID]
	if !ok {
		return nil, fmt.Errorf("profile not found: %d", userID)
	}
	copied := *profile
	return &copied, nil
}

func (m *memTrustStore) GetSellerProfile(ctx context.Context, userID int64) (*models.SellerProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seller, ok := m.sellers[userID]
	if !ok {
		return nil, fmt.Errorf("seller profile not found: %d", userID)
	}
	copied := *seller
	return &copied, nil
}

func (m *memTrustStore) UpdateSellerProfileTx(ctx context.Context, userID int64, mutate func(*models.SellerProfile) error) (*models.SellerProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seller, ok := m.sellers[userID]
	if !ok {
		return nil, fmt.Errorf("seller profile not found: %d", userID)
	}
	working := *seller
	if err := mutate(&working); err != nil {
		return nil, err
	}
	*seller = working
	copied := working
	return &copied, nil
}

type memOrderStore struct {
	mu       sync.Mutex
	nextID   int64
	orders   map[int64]*models.Order
	items    map[int64][]models.OrderItem
	payments map[int64]*models.Payment
	refunds  map[int64]*models.Refund
}

func newMemOrderStore() *memOrderStore {
	return &memOrderStore{
		orders:   make(map[int64]*models.Order),
		items:    make(map[int64][]models.OrderItem),
		payments: make(map[int64]*models.Payment),
		refunds:  make(map[int64]*models.Refund),
	}
}

func (m *memOrderStore) addOrder(buyerID int64, total decimal.Decimal, createdAt time.Time) *models.Order {
	m.nextID++
	order := &models.Order{
		ID:             m.nextID,
		BuyerID:        buyerID,
		TotalAmount:    total,
		PaymentStatus:  models.OrderPaymentPending,
		EscrowStatus:   models.EscrowHeld,
		ShippingStatus: models.ShippingNotShipped,
		CreatedAt:      createdAt,
	}
	m.orders[order.ID] = order
	return order
}

func (m *memOrderStore) addItem(orderID, sellerID int64, qty int, unitPrice decimal.Decimal) {
	m.nextID++
	m.items[orderID] = append(m.items[orderID], models.OrderItem{
		ID:        m.nextID,
		OrderID:   orderID,
		SellerID:  sellerID,
		Quantity:  qty,
		UnitPrice: unitPrice,
	})
}

func (m *memOrderStore) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order not found: %d", orderID)
	}
	copied := *order
	return &copied, nil
}

func (m *memOrderStore) GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.OrderItem(nil), m.items[orderID]...), nil
}

func (m *memOrderStore) MarkOrderPaid(ctx context.Context, orderID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[orderID]
	if !ok {
		return false, fmt.Errorf("order not found: %d", orderID)
	}
	if order.PaymentStatus != models.OrderPaymentPending {
		return false, nil
	}
	order.PaymentStatus = models.OrderPaymentPaid
	order.EscrowStatus = models.EscrowHeld
	return true, nil
}

func (m *memOrderStore) MarkOrderPaymentFailed(ctx context.Context, orderID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[orderID]
	if !ok {
		return false, fmt.Errorf("order not found: %d", orderID)
	}
	if order.PaymentStatus != models.OrderPaymentPending {
		return false, nil
	}
	order.PaymentStatus = models.OrderPaymentFailed
	return true, nil
}

func (m *memOrderStore) MarkOrderShipped(ctx context.Context, orderID int64, shippedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[orderID]
	if !ok {
		return false, fmt.Errorf("order not found: %d", orderID)
	}
	if order.ShippedAt != nil {
		return false, nil
	}
	order.ShippingStatus = models.ShippingShipped
	order.ShippedAt = &shippedAt
	return true, nil
}

func (m *memOrderStore) MarkOrderDelivered(ctx context.Context, orderID int64, deliveredAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[orderID]
	if !ok {
		return false, fmt.Errorf("order not found: %d", orderID)
	}
	if order.DeliveredAt != nil {
		return false, nil
	}
	order.ShippingStatus = models.ShippingDelivered
	order.DeliveredAt = &deliveredAt
	return true, nil
}

func (m *memOrderStore) MarkEscrowDisputed(ctx context.Context, orderID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[orderID]
	if !ok {
		return false, fmt.Errorf("order not found: %d", orderID)
	}
	if order.EscrowStatus != models.EscrowHeld {
		return false, nil
	}
	order.EscrowStatus = models.EscrowDisputed
	return true, nil
}

func (m *memOrderStore) MarkEscrowHeld(ctx context.Context, orderID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[orderID]
	if !ok {
		return false, fmt.Errorf("order not found: %d", orderID)
	}
	if order.EscrowStatus != models.EscrowDisputed {
		return false, nil
	}
	order.EscrowStatus = models.EscrowHeld
	return true, nil
}

func (m *memOrderStore) ReleaseEscrow(ctx context.Context, orderID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[orderID]
	if !ok {
		return false, fmt.Errorf("order not found: %d", orderID)
	}
	if order.EscrowStatus == models.EscrowReleased {
		return false, nil
	}
	order.EscrowStatus = models.EscrowReleased
	return true, nil
}

func (m *memOrderStore) ListOrdersForAutoRelease(ctx context.Context, deliveredBefore time.Time, limit int) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []models.Order
	for _, order := range m.orders {
		if order.EscrowStatus == models.EscrowHeld &&
			order.PaymentStatus == models.OrderPaymentPaid &&
			order.DeliveredAt != nil &&
			order.DeliveredAt.Before(deliveredBefore) {
			due = append(due, *order)
		}
		if len(due) == limit {
			break
		}
	}
	return due, nil
}

func (m *memOrderStore) CreatePayment(ctx context.Context, payment *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	payment.ID = m.nextID
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now()
	}
	copied := *payment
	m.payments[payment.ID] = &copied
	return nil
}

func (m *memOrderStore) GetPayment(ctx context.Context, paymentID int64) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	payment, ok := m.payments[paymentID]
	if !ok {
		return nil, fmt.Errorf("payment not found: %d", paymentID)
	}
	copied := *payment
	return &copied, nil
}

func (m *memOrderStore) FirstSucceededPayment(ctx context.Context, orderID int64) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var first *models.Payment
	for _, payment := range m.payments {
		if payment.OrderID != orderID || payment.Status != models.PaymentStatusSucceeded {
			continue
		}
		if first == nil || payment.CreatedAt.Before(first.CreatedAt) {
			first = payment
		}
	}
	if first == nil {
		return nil, nil
	}
	copied := *first
	return &copied, nil
}

func (m *memOrderStore) UpdatePaymentStatus(ctx context.Context, paymentID int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	payment, ok := m.payments[paymentID]
	if !ok {
		return fmt.Errorf("payment not found: %d", paymentID)
	}
	payment.Status = status
	return nil
}

func (m *memOrderStore) ReserveRefund(ctx context.Context, refund *models.Refund, paymentAmount decimal.Decimal) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	taken := decimal.Zero
	for _, r := range m.refunds {
		if r.PaymentID == refund.PaymentID && r.Status != models.RefundStatusFailed {
			taken = taken.Add(r.Amount)
		}
	}
	if refund.Amount.GreaterThan(paymentAmount.Sub(taken)) {
		return false, nil
	}

	m.nextID++
	refund.ID = m.nextID
	refund.CreatedAt = time.Now()
	copied := *refund
	m.refunds[refund.ID] = &copied
	return true, nil
}

func (m *memOrderStore) UpdateRefundStatus(ctx context.Context, refundID int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	refund, ok := m.refunds[refundID]
	if !ok {
		return fmt.Errorf("refund not found: %d", refundID)
	}
	refund.Status = status
	return nil
}

type memWalletStore struct {
	mu      sync.Mutex
	nextID  int64
	wallets map[int64]*models.Wallet // by user id
	txs     []models.WalletTransaction
	orders  *memOrderStore
}

func newMemWalletStore(orders *memOrderStore) *memWalletStore {
	return &memWalletStore{
		wallets: make(map[int64]*models.Wallet),
		orders:  orders,
	}
}

func (m *memWalletStore) GetWalletByUserID(ctx context.Context, userID int64) (*models.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wallet, ok := m.wallets[userID]
	if !ok {
		m.nextID++
		wallet = &models.Wallet{ID: m.nextID, UserID: userID, Balance: decimal.Zero}
		m.wallets[userID] = wallet
	}
	copied := *wallet
	return &copied, nil
}

func (m *memWalletStore) walletByID(walletID int64) *models.Wallet {
	for _, wallet := range m.wallets {
		if wallet.ID == walletID {
			return wallet
		}
	}
	return nil
}

func (m *memWalletStore) FindWalletTransaction(ctx context.Context, walletID int64, txType, externalID string) (*models.WalletTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.txs {
		tx := m.txs[i]
		if tx.WalletID == walletID && tx.TxType == txType && tx.ExternalID == externalID && externalID != "" {
			copied := tx
			return &copied, nil
		}
	}
	return nil, nil
}

// applyLocked mirrors the store's transactional semantics: the duplicate
// check happens under the same lock as the balance move.
func (m *memWalletStore) applyLocked(walletID int64, txType string, amount decimal.Decimal, externalID string) (*models.WalletTransaction, bool, error) {
	wallet := m.walletByID(walletID)
	if wallet == nil {
		return nil, false, fmt.Errorf("wallet not found: %d", walletID)
	}

	if externalID != "" {
		for i := range m.txs {
			tx := m.txs[i]
			if tx.WalletID == walletID && tx.TxType == txType && tx.ExternalID == externalID {
				copied := tx
				return &copied, false, nil
			}
		}
	}

	newBalance := wallet.Balance.Add(amount)
	if newBalance.IsNegative() {
		return nil, false, fmt.Errorf("wallet %d: %w", walletID, models.ErrInsufficientFunds)
	}
	wallet.Balance = newBalance

	m.nextID++
	tx := models.WalletTransaction{
		ID:           m.nextID,
		WalletID:     walletID,
		TxType:       txType,
		Amount:       amount,
		BalanceAfter: newBalance,
		ExternalID:   externalID,
		CreatedAt:    time.Now(),
	}
	m.txs = append(m.txs, tx)
	copied := tx
	return &copied, true, nil
}

func (m *memWalletStore) ApplyWalletTransaction(ctx context.Context, walletID int64, txType string, amount decimal.Decimal, externalID string) (*models.WalletTransaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyLocked(walletID, txType, amount, externalID)
}

func (m *memWalletStore) ChargeOrderTx(ctx context.Context, walletID, orderID int64, amount decimal.Decimal, externalID string) (*models.WalletTransaction, *models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed, err := m.orders.MarkOrderPaid(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	if !changed {
		return nil, nil, fmt.Errorf("order %d is no longer pending payment", orderID)
	}

	tx, _, err := m.applyLocked(walletID, models.TxOrderPayment, amount.Neg(), externalID)
	if err != nil {
		// Roll the latch back, mimicking the single-transaction store.
		order := m.orders.orders[orderID]
		order.PaymentStatus = models.OrderPaymentPending
		return nil, nil, err
	}

	payment := &models.Payment{
		OrderID:    orderID,
		Status:     models.PaymentStatusSucceeded,
		Amount:     amount,
		ExternalID: externalID,
	}
	if err := m.orders.CreatePayment(ctx, payment); err != nil {
		return nil, nil, err
	}
	return tx, payment, nil
}

// sumTxAmounts returns the signed sum of all transactions for a wallet.
func (m *memWalletStore) sumTxAmounts(walletID int64) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := decimal.Zero
	for _, tx := range m.txs {
		if tx.WalletID == walletID {
			total = total.Add(tx.Amount)
		}
	}
	return total
}

type memEventSink struct {
	mu        sync.Mutex
	published []string
}

func (m *memEventSink) record(eventType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, eventType)
	return nil
}

func (m *memEventSink) PublishTrustScoreChanged(ctx context.Context, event *models.TrustScoreChangedEvent) error {
	return m.record(event.EventType)
}

func (m *memEventSink) PublishOrderPaid(ctx context.Context, event *models.OrderPaidEvent) error {
	return m.record(event.EventType)
}

func (m *memEventSink) PublishOrderShipped(ctx context.Context, event *models.OrderShippedEvent) error {
	return m.record(event.EventType)
}

func (m *memEventSink) PublishEscrowReleased(ctx context.Context, event *models.EscrowReleasedEvent) error {
	return m.record(event.EventType)
}

func (m *memEventSink) PublishEscrowDisputed(ctx context.Context, event *models.EscrowDisputedEvent) error {
	return m.record(event.EventType)
}

type memTrustCache struct {
	mu       sync.Mutex
	failures map[int64]int64
	windowID string
}

func newMemTrustCache(windowID string) *memTrustCache {
	return &memTrustCache{failures: make(map[int64]int64), windowID: windowID}
}

func (m *memTrustCache) GetTrustSnapshot(ctx context.Context, userID int64) (*TrustSnapshot, error) {
	return nil, nil
}

func (m *memTrustCache) SetTrustSnapshot(ctx context.Context, snap *TrustSnapshot) error {
	return nil
}

func (m *memTrustCache) InvalidateTrustSnapshot(ctx context.Context, userID int64) error {
	return nil
}

func (m *memTrustCache) RegisterLoginFailure(ctx context.Context, userID int64) (int64, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[userID]++
	return m.failures[userID], m.windowID, nil
}

type stubRefundProvider struct {
	err   error
	calls int
}

func (p *stubRefundProvider) RefundPayment(ctx context.Context, providerTxID string, amount decimal.Decimal) (string, error) {
	p.calls++
	if p.err != nil {
		return "", p.err
	}
	return "RFD-TEST", nil
}
