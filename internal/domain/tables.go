package domain

// MasterTables live in the master database.
var MasterTables = []interface{}{
	&Tenant{},
	&Setting{},
}

// ScopedTables live in a tenant database under phone-scoped table names
// resolved by the tenant router. The map key is the base table name.
var ScopedTables = map[string]interface{}{
	"messages":      &Message{},
	"chats":         &Chat{},
	"contacts":      &Contact{},
	"campaigns":     &Campaign{},
	"campaign_jobs": &CampaignJob{},
}
