package services

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alphabatem/common/context"
	"github.com/google/uuid"
	"github.com/makersgate/creator_api/model"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type SqlService struct {
	context.DefaultService
	db *gorm.DB

	driver   string
	database string
}

const SQL_SVC = "sql_svc"

// Id returns Service ID
func (ds SqlService) Id() string {
	return SQL_SVC
}

// Db Access to raw SqlService db
func (ds SqlService) Db() *gorm.DB {
	return ds.db
}

// Configure the service
func (ds *SqlService) Configure(ctx *context.Context) error {
	ds.driver = os.Getenv("DB_DRIVER")
	if ds.driver == "" {
		ds.driver = "sqlite"
	}

	ds.database = os.Getenv("DB_DATABASE")
	if ds.database == "" && ds.driver == "postgres" {
		ds.database = os.Getenv("DATABASE_URL")
	}

	return ds.DefaultService.Configure(ctx)
}

// Start the service and open connection to the database
// Migrate any tables that have changed since last runtime
func (ds *SqlService) Start() (err error) {
	ds.db, err = gorm.Open(ds.dialector(), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Error),
	})
	if err != nil {
		return err
	}

	models := []interface{}{
		&model.Account{},
		&model.FulfillmentAttempt{},
	}

	err = ds.db.AutoMigrate(models...)
	if err != nil {
		log.Printf("Failed to migrate database: %v", err)
		return err
	}

	log.Println("Database connected and migrated successfully")
	return nil
}

func (ds *SqlService) dialector() gorm.Dialector {
	if ds.driver == "postgres" {
		return postgres.Open(ds.database)
	}
	return sqlite.Open(ds.database)
}

func (ds *SqlService) Shutdown() {
}

// ==================== ACCOUNT LOOKUPS ====================

func (ds *SqlService) GetAccountByEmail(email string) (*model.Account, error) {
	var account model.Account
	err := ds.db.Where("email = ?", strings.ToLower(email)).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (ds *SqlService) GetAccountByCustomerID(customerID string) (*model.Account, error) {
	var account model.Account
	err := ds.db.Where("stripe_customer_id = ?", customerID).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (ds *SqlService) GetAccount(accountID string) (*model.Account, error) {
	var account model.Account
	err := ds.db.Where("id = ?", accountID).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (ds *SqlService) CreateOrGetAccountByEmail(email string) (*model.Account, error) {
	email = strings.ToLower(email)

	account, err := ds.GetAccountByEmail(email)
	if err != nil {
		return nil, err
	}
	if account != nil {
		return account, nil
	}

	id, _ := uuid.NewV7()
	account = &model.Account{
		ID:           id.String(),
		Email:        email,
		Entitlements: model.EncodeSet(nil),
		Roles:        model.EncodeSet(nil),
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}

	if err := ds.db.Create(account).Error; err != nil {
		// Lost a create race; the existing row wins.
		if existing, getErr := ds.GetAccountByEmail(email); getErr == nil && existing != nil {
			return existing, nil
		}
		return nil, err
	}

	return account, nil
}

func (ds *SqlService) SetStripeCustomerID(accountID, customerID string) error {
	return ds.db.Model(&model.Account{}).
		Where("id = ?", accountID).
		Updates(map[string]interface{}{
			"stripe_customer_id": customerID,
			"updated_at":         time.Now(),
		}).Error
}

func (ds *SqlService) GetAccountByMerchantID(merchantID string) (*model.Account, error) {
	// Deauthorized accounts store an empty merchant id; an empty lookup
	// must never resolve to one of them.
	if merchantID == "" {
		return nil, nil
	}

	var account model.Account
	err := ds.db.Where("merchant_id = ?", merchantID).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (ds *SqlService) SetMerchantStatus(accountID string, enabled bool) error {
	return ds.db.Model(&model.Account{}).
		Where("id = ?", accountID).
		Updates(map[string]interface{}{
			"merchant_enabled": enabled,
			"updated_at":       time.Now(),
		}).Error
}

func (ds *SqlService) ClearMerchantAccount(accountID string) error {
	return ds.db.Model(&model.Account{}).
		Where("id = ?", accountID).
		Updates(map[string]interface{}{
			"merchant_id":      "",
			"merchant_enabled": false,
			"updated_at":       time.Now(),
		}).Error
}

// ==================== ENTITLEMENT MERGES ====================

// MergeEntitlements unions assetIDs into the account's entitlement set.
// The read-union-write runs in one transaction so a concurrent merge on
// the same account is never torn. Re-applying the same asset is a no-op.
func (ds *SqlService) MergeEntitlements(accountID string, assetIDs ...string) error {
	return ds.mergeSet(accountID, "entitlements", func(a *model.Account) []string {
		return a.EntitlementSet()
	}, assetIDs, nil)
}

// MergeRoles unions roles into the account's role set.
func (ds *SqlService) MergeRoles(accountID string, roles ...string) error {
	return ds.mergeSet(accountID, "roles", func(a *model.Account) []string {
		return a.RoleSet()
	}, roles, nil)
}

// ReconcileRoles adds and removes roles in one transactional write,
// used when a subscription change recomputes the derived role set.
func (ds *SqlService) ReconcileRoles(accountID string, add, remove []string) error {
	return ds.mergeSet(accountID, "roles", func(a *model.Account) []string {
		return a.RoleSet()
	}, add, remove)
}

func (ds *SqlService) mergeSet(accountID, column string, current func(*model.Account) []string, add, remove []string) error {
	return ds.db.Transaction(func(tx *gorm.DB) error {
		var account model.Account
		if err := tx.Where("id = ?", accountID).First(&account).Error; err != nil {
			return err
		}

		merged, changed := unionSet(current(&account), add, remove)
		if !changed {
			return nil
		}

		return tx.Model(&model.Account{}).
			Where("id = ?", accountID).
			Updates(map[string]interface{}{
				column:       model.EncodeSet(merged),
				"updated_at": time.Now(),
			}).Error
	})
}

func unionSet(existing, add, remove []string) ([]string, bool) {
	seen := make(map[string]bool, len(existing)+len(add))
	out := make([]string, 0, len(existing)+len(add))
	for _, v := range existing {
		if v != "" && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}

	changed := false
	for _, v := range add {
		if v != "" && !seen[v] {
			seen[v] = true
			out = append(out, v)
			changed = true
		}
	}

	for _, v := range remove {
		if seen[v] {
			delete(seen, v)
			changed = true
		}
	}
	if len(remove) > 0 {
		filtered := out[:0]
		for _, v := range out {
			if seen[v] {
				filtered = append(filtered, v)
			}
		}
		out = filtered
	}

	return out, changed
}

func (ds *SqlService) HasEntitlement(accountID, assetID string) (bool, error) {
	account, err := ds.GetAccount(accountID)
	if err != nil {
		return false, err
	}
	if account == nil {
		return false, nil
	}
	for _, id := range account.EntitlementSet() {
		if id == assetID {
			return true, nil
		}
	}
	return false, nil
}

// ==================== FULFILLMENT ATTEMPTS ====================

func (ds *SqlService) RecordAttempt(attempt *model.FulfillmentAttempt) error {
	if attempt.ID == "" {
		id, _ := uuid.NewV7()
		attempt.ID = id.String()
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now()
	}
	return ds.db.Create(attempt).Error
}

func (ds *SqlService) ListAttempts(page, limit int) ([]model.FulfillmentAttempt, int64, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 200 {
		limit = 50
	}

	var total int64
	if err := ds.db.Model(&model.FulfillmentAttempt{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var attempts []model.FulfillmentAttempt
	err := ds.db.Order("created_at DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&attempts).Error
	if err != nil {
		return nil, 0, err
	}

	return attempts, total, nil
}

// ==================== ERROR MAPPING ====================

func (ds *SqlService) HandleError(err error) error {
	if err == nil {
		return nil
	}

	var statusCode int
	var errorType string

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		statusCode = http.StatusNotFound
		errorType = "NOT_FOUND"
	case errors.Is(err, gorm.ErrDuplicatedKey):
		statusCode = http.StatusConflict
		errorType = "CONFLICT"
	case errors.Is(err, gorm.ErrForeignKeyViolated):
		statusCode = http.StatusBadRequest
		errorType = "FOREIGN_KEY_VIOLATION"
	case errors.Is(err, gorm.ErrInvalidTransaction):
		statusCode = http.StatusInternalServerError
		errorType = "TRANSACTION_ERROR"
	default:
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			statusCode = http.StatusConflict
			errorType = "UNIQUE_CONSTRAINT"
		} else if strings.Contains(err.Error(), "no such table") {
			statusCode = http.StatusInternalServerError
			errorType = "SCHEMA_ERROR"
		} else {
			statusCode = http.StatusInternalServerError
			errorType = "INTERNAL_ERROR"
		}
	}

	logEntry := log.WithFields(log.Fields{
		"status_code": statusCode,
		"error_type":  errorType,
		"error":       err.Error(),
	})

	if statusCode >= 500 {
		logEntry.Error("Database error occurred")
	} else {
		logEntry.Warn("Database operation failed")
	}

	return fmt.Errorf("%s: %w", errorType, err)
}
