package credit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func mustAccountID(test *testing.T, raw string) AccountID {
	test.Helper()
	accountID, err := NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id %q: %v", raw, err)
	}
	return accountID
}

func mustGrantID(test *testing.T, raw string) GrantID {
	test.Helper()
	grantID, err := NewGrantID(raw)
	if err != nil {
		test.Fatalf("grant id %q: %v", raw, err)
	}
	return grantID
}

func mustPackageID(test *testing.T, raw string) PackageID {
	test.Helper()
	packageID, err := NewPackageID(raw)
	if err != nil {
		test.Fatalf("package id %q: %v", raw, err)
	}
	return packageID
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	key, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key %q: %v", raw, err)
	}
	return key
}

func mustDecimal(test *testing.T, raw string) Decimal2 {
	test.Helper()
	amount, err := NewDecimal2FromString(raw)
	if err != nil {
		test.Fatalf("decimal %q: %v", raw, err)
	}
	return amount
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 1700000000 }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

// stubStore is an in-memory Store with real transactional semantics: a
// global mutex serializes transactions and a state snapshot rolls back on
// error, so concurrency properties hold the same way they do against a
// locking database. Direct (non-transactional) reads take the same mutex.
type stubStore struct {
	mu    sync.Mutex
	state *stubState

	failCreateTransfer bool
}

type stubState struct {
	accounts      map[string]Account
	transactions  []Transaction
	byIdemKey     map[string]Transaction
	transfers     []Transfer
	packages      map[string]Package
	grants        map[string]MembershipGrant
	grantsByOrder map[string]string
}

func newStubState() *stubState {
	return &stubState{
		accounts:      map[string]Account{},
		byIdemKey:     map[string]Transaction{},
		packages:      map[string]Package{},
		grants:        map[string]MembershipGrant{},
		grantsByOrder: map[string]string{},
	}
}

func (state *stubState) clone() *stubState {
	copied := newStubState()
	for key, value := range state.accounts {
		copied.accounts[key] = value
	}
	copied.transactions = append([]Transaction(nil), state.transactions...)
	for key, value := range state.byIdemKey {
		copied.byIdemKey[key] = value
	}
	copied.transfers = append([]Transfer(nil), state.transfers...)
	for key, value := range state.packages {
		copied.packages[key] = value
	}
	for key, value := range state.grants {
		copied.grants[key] = value
	}
	for key, value := range state.grantsByOrder {
		copied.grantsByOrder[key] = value
	}
	return copied
}

func newStubStore() *stubStore {
	return &stubStore{state: newStubState()}
}

func (store *stubStore) seedAccount(test *testing.T, accountID AccountID, balance Decimal2) {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	store.state.accounts[accountID.String()] = Account{AccountID: accountID, Balance: balance, Version: 1}
}

func (store *stubStore) seedPackage(catalogPackage Package) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.state.packages[catalogPackage.PackageID.String()] = catalogPackage
}

func (store *stubStore) transactionCount(accountID AccountID) int {
	store.mu.Lock()
	defer store.mu.Unlock()
	count := 0
	for _, transaction := range store.state.transactions {
		if transaction.AccountID == accountID {
			count++
		}
	}
	return count
}

func (store *stubStore) transactionsFor(accountID AccountID) []Transaction {
	store.mu.Lock()
	defer store.mu.Unlock()
	matched := make([]Transaction, 0)
	for _, transaction := range store.state.transactions {
		if transaction.AccountID == accountID {
			matched = append(matched, transaction)
		}
	}
	return matched
}

// sumDeltas recomputes the balance an account should hold from its log.
func (store *stubStore) sumDeltas(accountID AccountID) Decimal2 {
	store.mu.Lock()
	defer store.mu.Unlock()
	total := Zero2
	for _, transaction := range store.state.transactions {
		if transaction.AccountID == accountID {
			total = total.Add(transaction.Delta)
		}
	}
	return total
}

func (store *stubStore) grantFor(test *testing.T, grantID GrantID) MembershipGrant {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	grant, ok := store.state.grants[grantID.String()]
	if !ok {
		test.Fatalf("grant %s not found", grantID)
	}
	return grant
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	saved := store.state.clone()
	err := fn(ctx, &stubTxStore{store: store})
	if err != nil {
		store.state = saved
	}
	return err
}

func (store *stubStore) GetAccount(ctx context.Context, accountID AccountID) (Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.getAccount(accountID)
}

func (store *stubStore) ListTransactions(ctx context.Context, accountID AccountID, filter StatementFilter, offset int, limit int) ([]Transaction, int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.listTransactions(accountID, filter, offset, limit)
}

func (store *stubStore) GetPackage(ctx context.Context, packageID PackageID) (Package, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.getPackage(packageID)
}

// The remaining Store methods are only exercised inside transactions; the
// direct receiver delegates so stubStore still satisfies the interface.

func (store *stubStore) CreateAccount(ctx context.Context, accountID AccountID, nowUnixUTC int64) (Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.createAccount(accountID, nowUnixUTC)
}

func (store *stubStore) GetAccountForUpdate(ctx context.Context, accountID AccountID) (Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.getAccount(accountID)
}

func (store *stubStore) UpdateAccountBalance(ctx context.Context, accountID AccountID, balance Decimal2, fromVersion int64, nowUnixUTC int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.updateAccountBalance(accountID, balance, fromVersion, nowUnixUTC)
}

func (store *stubStore) InsertTransaction(ctx context.Context, transaction Transaction) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.insertTransaction(transaction)
}

func (store *stubStore) FindTransactionByIdempotencyKey(ctx context.Context, accountID AccountID, key IdempotencyKey) (Transaction, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.findTransactionByIdempotencyKey(accountID, key)
}

func (store *stubStore) CreateTransfer(ctx context.Context, transfer Transfer) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.failCreateTransfer {
		return errors.New("injected transfer failure")
	}
	store.state.transfers = append(store.state.transfers, transfer)
	return nil
}

func (store *stubStore) CreateMembershipGrant(ctx context.Context, grant MembershipGrant) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.createMembershipGrant(grant)
}

func (store *stubStore) FindMembershipGrantByOrderID(ctx context.Context, orderID string) (MembershipGrant, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.findMembershipGrantByOrderID(orderID)
}

func (store *stubStore) GetMembershipGrantForUpdate(ctx context.Context, grantID GrantID) (MembershipGrant, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.getMembershipGrant(grantID)
}

func (store *stubStore) MarkMembershipGrantRefunded(ctx context.Context, grantID GrantID, refundAmount Decimal2) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.markMembershipGrantRefunded(grantID, refundAmount)
}

// stubTxStore runs inside WithTx while the store mutex is already held.
type stubTxStore struct {
	store *stubStore
}

func (tx *stubTxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, tx)
}

func (tx *stubTxStore) CreateAccount(ctx context.Context, accountID AccountID, nowUnixUTC int64) (Account, error) {
	return tx.store.state.createAccount(accountID, nowUnixUTC)
}

func (tx *stubTxStore) GetAccount(ctx context.Context, accountID AccountID) (Account, error) {
	return tx.store.state.getAccount(accountID)
}

func (tx *stubTxStore) GetAccountForUpdate(ctx context.Context, accountID AccountID) (Account, error) {
	return tx.store.state.getAccount(accountID)
}

func (tx *stubTxStore) UpdateAccountBalance(ctx context.Context, accountID AccountID, balance Decimal2, fromVersion int64, nowUnixUTC int64) error {
	return tx.store.state.updateAccountBalance(accountID, balance, fromVersion, nowUnixUTC)
}

func (tx *stubTxStore) InsertTransaction(ctx context.Context, transaction Transaction) error {
	return tx.store.state.insertTransaction(transaction)
}

func (tx *stubTxStore) FindTransactionByIdempotencyKey(ctx context.Context, accountID AccountID, key IdempotencyKey) (Transaction, bool, error) {
	return tx.store.state.findTransactionByIdempotencyKey(accountID, key)
}

func (tx *stubTxStore) ListTransactions(ctx context.Context, accountID AccountID, filter StatementFilter, offset int, limit int) ([]Transaction, int64, error) {
	return tx.store.state.listTransactions(accountID, filter, offset, limit)
}

func (tx *stubTxStore) CreateTransfer(ctx context.Context, transfer Transfer) error {
	if tx.store.failCreateTransfer {
		return errors.New("injected transfer failure")
	}
	tx.store.state.transfers = append(tx.store.state.transfers, transfer)
	return nil
}

func (tx *stubTxStore) GetPackage(ctx context.Context, packageID PackageID) (Package, error) {
	return tx.store.state.getPackage(packageID)
}

func (tx *stubTxStore) CreateMembershipGrant(ctx context.Context, grant MembershipGrant) error {
	return tx.store.state.createMembershipGrant(grant)
}

func (tx *stubTxStore) FindMembershipGrantByOrderID(ctx context.Context, orderID string) (MembershipGrant, bool, error) {
	return tx.store.state.findMembershipGrantByOrderID(orderID)
}

func (tx *stubTxStore) GetMembershipGrantForUpdate(ctx context.Context, grantID GrantID) (MembershipGrant, error) {
	return tx.store.state.getMembershipGrant(grantID)
}

func (tx *stubTxStore) MarkMembershipGrantRefunded(ctx context.Context, grantID GrantID, refundAmount Decimal2) error {
	return tx.store.state.markMembershipGrantRefunded(grantID, refundAmount)
}

func (state *stubState) createAccount(accountID AccountID, nowUnixUTC int64) (Account, error) {
	if existing, ok := state.accounts[accountID.String()]; ok {
		return existing, nil
	}
	account := Account{AccountID: accountID, Balance: Zero2, Version: 1, UpdatedUnixUTC: nowUnixUTC}
	state.accounts[accountID.String()] = account
	return account, nil
}

func (state *stubState) getAccount(accountID AccountID) (Account, error) {
	account, ok := state.accounts[accountID.String()]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}

func (state *stubState) updateAccountBalance(accountID AccountID, balance Decimal2, fromVersion int64, nowUnixUTC int64) error {
	account, ok := state.accounts[accountID.String()]
	if !ok {
		return ErrAccountNotFound
	}
	if account.Version != fromVersion {
		return ErrConcurrencyConflict
	}
	account.Balance = balance
	account.Version++
	account.UpdatedUnixUTC = nowUnixUTC
	state.accounts[accountID.String()] = account
	return nil
}

func (state *stubState) insertTransaction(transaction Transaction) error {
	if transaction.IdempotencyKey != nil {
		mapKey := idemMapKey(transaction.AccountID, *transaction.IdempotencyKey)
		if _, exists := state.byIdemKey[mapKey]; exists {
			return ErrDuplicateIdempotencyKey
		}
		state.byIdemKey[mapKey] = transaction
	}
	state.transactions = append(state.transactions, transaction)
	return nil
}

func (state *stubState) findTransactionByIdempotencyKey(accountID AccountID, key IdempotencyKey) (Transaction, bool, error) {
	transaction, found := state.byIdemKey[idemMapKey(accountID, key)]
	return transaction, found, nil
}

func (state *stubState) listTransactions(accountID AccountID, filter StatementFilter, offset int, limit int) ([]Transaction, int64, error) {
	matched := make([]Transaction, 0)
	for index := len(state.transactions) - 1; index >= 0; index-- {
		transaction := state.transactions[index]
		if transaction.AccountID != accountID {
			continue
		}
		if filter.Kind != nil && transaction.Kind != *filter.Kind {
			continue
		}
		if filter.SinceUnixUTC != 0 && transaction.CreatedUnixUTC < filter.SinceUnixUTC {
			continue
		}
		if filter.UntilUnixUTC != 0 && transaction.CreatedUnixUTC > filter.UntilUnixUTC {
			continue
		}
		matched = append(matched, transaction)
	}
	totalCount := int64(len(matched))
	if offset >= len(matched) {
		return nil, totalCount, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], totalCount, nil
}

func (state *stubState) getPackage(packageID PackageID) (Package, error) {
	catalogPackage, ok := state.packages[packageID.String()]
	if !ok {
		return Package{}, ErrUnknownPackage
	}
	return catalogPackage, nil
}

func (state *stubState) createMembershipGrant(grant MembershipGrant) error {
	state.grants[grant.GrantID.String()] = grant
	state.grantsByOrder[grant.OrderID] = grant.GrantID.String()
	return nil
}

func (state *stubState) findMembershipGrantByOrderID(orderID string) (MembershipGrant, bool, error) {
	grantKey, ok := state.grantsByOrder[orderID]
	if !ok {
		return MembershipGrant{}, false, nil
	}
	return state.grants[grantKey], true, nil
}

func (state *stubState) getMembershipGrant(grantID GrantID) (MembershipGrant, error) {
	grant, ok := state.grants[grantID.String()]
	if !ok {
		return MembershipGrant{}, ErrUnknownGrant
	}
	return grant, nil
}

func (state *stubState) markMembershipGrantRefunded(grantID GrantID, refundAmount Decimal2) error {
	grant, ok := state.grants[grantID.String()]
	if !ok {
		return ErrUnknownGrant
	}
	grant.IsRefunded = true
	grant.RefundAmount = refundAmount
	state.grants[grantID.String()] = grant
	return nil
}

func idemMapKey(accountID AccountID, key IdempotencyKey) string {
	return fmt.Sprintf("%s\x00%s", accountID, key)
}
