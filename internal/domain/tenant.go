package domain

import "time"

// Tenant is one business account: the unit of data isolation and billing.
// Lives in the master database; all other entities live in the tenant's own
// database resolved through the tenant router.
type Tenant struct {
	ID             int64     `json:"id,string" form:"id"`           // Primary key ID
	Name           string    `gorm:"index" json:"name" form:"name"` // Account name
	DatabaseDriver string    `json:"database_driver" form:"database_driver"` // postgres / sqlite
	DatabaseDSN    string    `json:"database_dsn" form:"database_dsn"`       // Tenant database connection descriptor
	CreditBalance  int64     `json:"credit_balance"`                // Mutated only through atomic debit/refund
	InfraReady     bool      `json:"infra_ready" form:"infra_ready"` // Gates queue eligibility and session restore
	Connected      bool      `json:"connected"`                     // Mirror of the live session state
	Remark         string    `json:"remark" form:"remark"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TableName Specify table name
func (Tenant) TableName() string {
	return "tenants"
}

// Setting is a master-database key/value configuration entry.
type Setting struct {
	ID        int64     `json:"id,string" form:"id"`
	Sort      int       `json:"sort" form:"sort"`
	Type      string    `gorm:"index" json:"type" form:"type"`
	Name      string    `gorm:"index" json:"name" form:"name"`
	Value     string    `json:"value" form:"value"`
	Remark    string    `json:"remark" form:"remark"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName Specify table name
func (Setting) TableName() string {
	return "settings"
}
