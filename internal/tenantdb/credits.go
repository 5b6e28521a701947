package tenantdb

import (
	"context"

	"gorm.io/gorm"

	"github.com/blipline/blipline/internal/domain"
)

// DebitCredit atomically deducts one credit from the tenant's balance. Returns
// InsufficientCreditError when the balance would go negative; the guard and
// the deduction happen in a single statement so concurrent workers cannot
// overdraw.
func (r *Router) DebitCredit(ctx context.Context, tenantID int64) error {
	result := r.master.WithContext(ctx).Model(&domain.Tenant{}).
		Where("id = ? AND credit_balance >= ?", tenantID, 1).
		UpdateColumn("credit_balance", gorm.Expr("credit_balance - ?", 1))
	if result.Error != nil {
		return domain.NewUnavailableError("credit debit", result.Error)
	}
	if result.RowsAffected == 0 {
		return &domain.InsufficientCreditError{TenantID: tenantID}
	}
	return nil
}

// RefundCredit returns one previously debited credit after a failed send.
func (r *Router) RefundCredit(ctx context.Context, tenantID int64) error {
	result := r.master.WithContext(ctx).Model(&domain.Tenant{}).
		Where("id = ?", tenantID).
		UpdateColumn("credit_balance", gorm.Expr("credit_balance + ?", 1))
	if result.Error != nil {
		return domain.NewUnavailableError("credit refund", result.Error)
	}
	return nil
}

// SetTenantConnected records the tenant's live connection state in the master
// catalog so the scheduler can skip tenants without a session.
func (r *Router) SetTenantConnected(ctx context.Context, tenantID int64, connected bool) error {
	return r.master.WithContext(ctx).Model(&domain.Tenant{}).
		Where("id = ?", tenantID).
		Updates(map[string]interface{}{"connected": connected}).Error
}

// MarkInfraReady flags the tenant once its database has been provisioned and
// migrated. Unready tenants are skipped by the dispatch scheduler.
func (r *Router) MarkInfraReady(ctx context.Context, tenantID int64) error {
	return r.master.WithContext(ctx).Model(&domain.Tenant{}).
		Where("id = ?", tenantID).
		Updates(map[string]interface{}{"infra_ready": true}).Error
}
