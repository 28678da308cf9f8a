package services

import (
	"testing"
	"time"

	"github.com/makersgate/creator_api/model"
	"github.com/makersgate/creator_api/shared"
)

func newTestSqlService(t *testing.T) *SqlService {
	t.Helper()
	ds := &SqlService{driver: "sqlite", database: ":memory:"}
	if err := ds.Start(); err != nil {
		t.Fatalf("start sql service: %v", err)
	}
	return ds
}

func seedAccount(t *testing.T, ds *SqlService, account *model.Account) *model.Account {
	t.Helper()
	if account.Entitlements == nil {
		account.Entitlements = model.EncodeSet(nil)
	}
	if account.Roles == nil {
		account.Roles = model.EncodeSet(nil)
	}
	account.CreatedAt = time.Now()
	account.UpdatedAt = time.Now()
	if err := ds.Db().Create(account).Error; err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return account
}

func entitlementSet(t *testing.T, ds *SqlService, accountID string) map[string]bool {
	t.Helper()
	account, err := ds.GetAccount(accountID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if account == nil {
		t.Fatalf("account %s not found", accountID)
	}
	out := make(map[string]bool)
	for _, id := range account.EntitlementSet() {
		out[id] = true
	}
	return out
}

func TestCreateOrGetAccountByEmail_Idempotent(t *testing.T) {
	ds := newTestSqlService(t)

	first, err := ds.CreateOrGetAccountByEmail("Buyer@Example.com")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.Email != "buyer@example.com" {
		t.Fatalf("expected lowercased email, got %q", first.Email)
	}

	second, err := ds.CreateOrGetAccountByEmail("buyer@example.com")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected same account on repeat create, got %s vs %s", second.ID, first.ID)
	}
}

func TestGetAccountByEmail_MissingReturnsNil(t *testing.T) {
	ds := newTestSqlService(t)

	account, err := ds.GetAccountByEmail("nobody@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if account != nil {
		t.Fatalf("expected nil for missing account, got %+v", account)
	}
}

func TestMergeEntitlements_UnionNeverDrops(t *testing.T) {
	ds := newTestSqlService(t)
	account := seedAccount(t, ds, &model.Account{
		ID:           "acc_1",
		Email:        "buyer@example.com",
		Entitlements: model.EncodeSet([]string{"asset_a"}),
	})

	if err := ds.MergeEntitlements(account.ID, "asset_b"); err != nil {
		t.Fatalf("merge: %v", err)
	}

	owned := entitlementSet(t, ds, account.ID)
	if !owned["asset_a"] || !owned["asset_b"] {
		t.Fatalf("expected {asset_a, asset_b}, got %v", owned)
	}
}

func TestMergeEntitlements_ReplayIsNoop(t *testing.T) {
	ds := newTestSqlService(t)
	account := seedAccount(t, ds, &model.Account{ID: "acc_1", Email: "buyer@example.com"})

	for i := 0; i < 3; i++ {
		if err := ds.MergeEntitlements(account.ID, "asset_a"); err != nil {
			t.Fatalf("merge %d: %v", i, err)
		}
	}

	owned := entitlementSet(t, ds, account.ID)
	if len(owned) != 1 || !owned["asset_a"] {
		t.Fatalf("expected exactly {asset_a}, got %v", owned)
	}
}

func TestReconcileRoles_AddAndRemove(t *testing.T) {
	ds := newTestSqlService(t)
	account := seedAccount(t, ds, &model.Account{
		ID:    "acc_1",
		Email: "fan@example.com",
		Roles: model.EncodeSet([]string{"supporter"}),
	})

	if err := ds.ReconcileRoles(account.ID, []string{"studio"}, []string{"supporter"}); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	reloaded, err := ds.GetAccount(account.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	roles := reloaded.RoleSet()
	if len(roles) != 1 || roles[0] != "studio" {
		t.Fatalf("expected [studio], got %v", roles)
	}
}

func TestHasEntitlement(t *testing.T) {
	ds := newTestSqlService(t)
	account := seedAccount(t, ds, &model.Account{
		ID:           "acc_1",
		Email:        "buyer@example.com",
		Entitlements: model.EncodeSet([]string{"asset_a"}),
	})

	owned, err := ds.HasEntitlement(account.ID, "asset_a")
	if err != nil || !owned {
		t.Fatalf("expected asset_a owned, got %v %v", owned, err)
	}

	owned, err = ds.HasEntitlement(account.ID, "asset_b")
	if err != nil || owned {
		t.Fatalf("expected asset_b not owned, got %v %v", owned, err)
	}

	owned, err = ds.HasEntitlement("acc_missing", "asset_a")
	if err != nil || owned {
		t.Fatalf("expected missing account to own nothing, got %v %v", owned, err)
	}
}

func TestMerchantStatusLifecycle(t *testing.T) {
	ds := newTestSqlService(t)
	account := seedAccount(t, ds, &model.Account{
		ID:         "acc_1",
		Email:      "creator@example.com",
		MerchantID: "acct_stripe_1",
	})

	found, err := ds.GetAccountByMerchantID("acct_stripe_1")
	if err != nil || found == nil || found.ID != account.ID {
		t.Fatalf("expected merchant lookup to resolve, got %+v %v", found, err)
	}

	if err := ds.SetMerchantStatus(account.ID, true); err != nil {
		t.Fatalf("set status: %v", err)
	}
	reloaded, _ := ds.GetAccount(account.ID)
	if !reloaded.MerchantEnabled {
		t.Fatalf("expected merchant enabled")
	}

	if err := ds.ClearMerchantAccount(account.ID); err != nil {
		t.Fatalf("clear merchant: %v", err)
	}
	reloaded, _ = ds.GetAccount(account.ID)
	if reloaded.MerchantEnabled || reloaded.MerchantID != "" {
		t.Fatalf("expected merchant link cleared, got %+v", reloaded)
	}

	found, err = ds.GetAccountByMerchantID("acct_stripe_1")
	if err != nil || found != nil {
		t.Fatalf("expected merchant lookup to miss after clear, got %+v %v", found, err)
	}
}

func TestGetAccountByMerchantID_EmptyIDIsMiss(t *testing.T) {
	ds := newTestSqlService(t)
	account := seedAccount(t, ds, &model.Account{
		ID:         "acc_1",
		Email:      "creator@example.com",
		MerchantID: "acct_stripe_1",
	})

	if err := ds.ClearMerchantAccount(account.ID); err != nil {
		t.Fatalf("clear merchant: %v", err)
	}

	// A cleared account stores an empty merchant id; an empty lookup
	// must not resolve to it.
	found, err := ds.GetAccountByMerchantID("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found != nil {
		t.Fatalf("expected empty merchant id to miss, got %+v", found)
	}
}

func TestRecordAndListAttempts(t *testing.T) {
	ds := newTestSqlService(t)

	for i := 0; i < 5; i++ {
		attempt := &model.FulfillmentAttempt{
			SessionID: "cs_1",
			AssetID:   "asset_a",
			Email:     "buyer@example.com",
			Status:    shared.AttemptStatusSuccess,
			CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
		}
		if err := ds.RecordAttempt(attempt); err != nil {
			t.Fatalf("record attempt %d: %v", i, err)
		}
		if attempt.ID == "" {
			t.Fatalf("expected generated attempt id")
		}
	}

	attempts, total, err := ds.ListAttempts(1, 3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 5 {
		t.Fatalf("expected total 5, got %d", total)
	}
	if len(attempts) != 3 {
		t.Fatalf("expected page of 3, got %d", len(attempts))
	}

	attempts, _, err = ds.ListAttempts(2, 3)
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("expected 2 on second page, got %d", len(attempts))
	}
}

func TestUnionSet(t *testing.T) {
	merged, changed := unionSet([]string{"a"}, []string{"b"}, nil)
	if !changed || len(merged) != 2 {
		t.Fatalf("expected {a,b} changed, got %v %v", merged, changed)
	}

	merged, changed = unionSet([]string{"a", "b"}, []string{"a"}, nil)
	if changed {
		t.Fatalf("expected no change re-adding existing value, got %v", merged)
	}

	merged, changed = unionSet([]string{"a", "b"}, nil, []string{"a"})
	if !changed || len(merged) != 1 || merged[0] != "b" {
		t.Fatalf("expected [b] after removal, got %v %v", merged, changed)
	}

	_, changed = unionSet([]string{"a"}, nil, []string{"missing"})
	if changed {
		t.Fatalf("expected removing absent value to be a no-op")
	}

	merged, changed = unionSet(nil, []string{"a", "a", ""}, nil)
	if !changed || len(merged) != 1 {
		t.Fatalf("expected deduped single value, got %v", merged)
	}
}
