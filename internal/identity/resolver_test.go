package identity

import (
	"context"
	"fmt"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/blipline/blipline/internal/domain"
	"github.com/blipline/blipline/internal/protocol"
	"github.com/blipline/blipline/internal/tenantdb"
)

func testModels(t *testing.T) *tenantdb.ModelSet {
	t.Helper()
	dsn := fmt.Sprintf("file:ident_%s?mode=memory&cache=shared", t.Name())
	master, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open master: %v", err)
	}
	if err := master.AutoMigrate(domain.MasterTables...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	tenant := domain.Tenant{
		ID:             1,
		Name:           "t1",
		DatabaseDriver: "sqlite",
		DatabaseDSN:    fmt.Sprintf("file:ident_tenant_%s?mode=memory&cache=shared", t.Name()),
	}
	if err := master.Create(&tenant).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}
	router := tenantdb.NewRouter(master, time.Second)
	t.Cleanup(router.Close)
	models, err := router.Resolve(context.Background(), 1)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return models
}

func TestAnonymizedAndPhoneFormsShareOneKey(t *testing.T) {
	r := NewResolver()
	models := testModels(t)
	ctx := context.Background()

	anonymized := protocol.InboundMessage{
		MessageID:   "m1",
		ChatID:      "123456789@lid",
		SenderID:    "123456789@lid",
		SenderAltID: "919999@s.whatsapp.net",
		SenderName:  "Priya",
	}
	phoneLinked := protocol.InboundMessage{
		MessageID:  "m2",
		ChatID:     "919999@s.whatsapp.net",
		SenderID:   "919999@s.whatsapp.net",
		SenderName: "Priya",
	}

	first, err := r.Resolve(ctx, models, anonymized)
	if err != nil {
		t.Fatalf("resolve anonymized: %v", err)
	}
	second, err := r.Resolve(ctx, models, phoneLinked)
	if err != nil {
		t.Fatalf("resolve phone-linked: %v", err)
	}

	if first.ChatKey != second.ChatKey {
		t.Fatalf("forms diverged: %q vs %q", first.ChatKey, second.ChatKey)
	}
	if first.Anonymized {
		t.Fatal("resolvable anonymized id must be marked de-anonymized")
	}
	if first.PhoneNumber != "919999" {
		t.Fatalf("want phone extracted, got %q", first.PhoneNumber)
	}
}

func TestUnresolvableAnonymizedKeepsRawKey(t *testing.T) {
	r := NewResolver()
	models := testModels(t)

	msg := protocol.InboundMessage{
		MessageID: "m1",
		ChatID:    "123456789@lid",
		SenderID:  "123456789@lid",
	}
	res, err := r.Resolve(context.Background(), models, msg)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.ChatKey != "123456789@lid" {
		t.Fatalf("want raw anonymized key kept, got %q", res.ChatKey)
	}
	if !res.Anonymized {
		t.Fatal("must stay flagged anonymized")
	}
	if res.PhoneNumber != "" {
		t.Fatalf("anonymized id has no phone, got %q", res.PhoneNumber)
	}
	// With no stored name, no pushed name and no phone, the raw id is the name.
	if res.DisplayName != "123456789@lid" {
		t.Fatalf("want raw id fallback name, got %q", res.DisplayName)
	}
}

func TestResolutionIsIdempotent(t *testing.T) {
	r := NewResolver()
	models := testModels(t)
	ctx := context.Background()

	msg := protocol.InboundMessage{
		MessageID:   "m1",
		ChatID:      "123456789@lid",
		SenderID:    "123456789@lid",
		SenderAltID: "919999@s.whatsapp.net",
	}
	first, err := r.Resolve(ctx, models, msg)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	again := protocol.InboundMessage{
		MessageID: "m2",
		ChatID:    first.ChatKey,
		SenderID:  first.ChatKey,
	}
	second, err := r.Resolve(ctx, models, again)
	if err != nil {
		t.Fatalf("resolve canonical: %v", err)
	}
	if second.ChatKey != first.ChatKey {
		t.Fatalf("resolving a canonical key changed it: %q -> %q", first.ChatKey, second.ChatKey)
	}
}

func TestNamePrecedence(t *testing.T) {
	r := NewResolver()
	models := testModels(t)
	ctx := context.Background()

	msg := protocol.InboundMessage{
		MessageID:  "m1",
		ChatID:     "919999@s.whatsapp.net",
		SenderID:   "919999@s.whatsapp.net",
		SenderName: "pushed name",
	}

	res, err := r.Resolve(ctx, models, msg)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.DisplayName != "pushed name" {
		t.Fatalf("want pushed name, got %q", res.DisplayName)
	}

	// A stored roster name beats the pushed name.
	if err := r.UpsertContact(ctx, models, "919999@s.whatsapp.net", "Stored Name"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	res, err = r.Resolve(ctx, models, msg)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.DisplayName != "Stored Name" {
		t.Fatalf("want stored name, got %q", res.DisplayName)
	}

	// Without any name, the bare phone number serves.
	bare := protocol.InboundMessage{MessageID: "m2", ChatID: "918888@s.whatsapp.net", SenderID: "918888@s.whatsapp.net"}
	res, err = r.Resolve(ctx, models, bare)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.DisplayName != "918888" {
		t.Fatalf("want phone fallback, got %q", res.DisplayName)
	}
}

func TestPushedNameNeverOverwritesStoredName(t *testing.T) {
	r := NewResolver()
	models := testModels(t)
	ctx := context.Background()

	if err := r.UpsertContact(ctx, models, "919999@s.whatsapp.net", "Operator Set"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := r.UpsertContact(ctx, models, "919999@s.whatsapp.net", "Pushed Later"); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	var contact domain.Contact
	if err := models.Contacts().Where("identifier = ?", "919999@s.whatsapp.net").First(&contact).Error; err != nil {
		t.Fatalf("contact: %v", err)
	}
	if contact.DisplayName != "Operator Set" {
		t.Fatalf("pushed name overwrote stored name: %q", contact.DisplayName)
	}
}

func TestGroupChatsKeepGroupKey(t *testing.T) {
	r := NewResolver()
	models := testModels(t)

	msg := protocol.InboundMessage{
		MessageID:   "m1",
		ChatID:      "12036304@g.us",
		SenderID:    "123456789@lid",
		SenderAltID: "919999@s.whatsapp.net",
		IsGroup:     true,
	}
	res, err := r.Resolve(context.Background(), models, msg)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.ChatKey != "12036304@g.us" {
		t.Fatalf("group chat key must stay the group id, got %q", res.ChatKey)
	}
	if ChatCategoryFor(res.ChatKey) != domain.ChatCategoryGroup {
		t.Fatal("group key must classify as group category")
	}
}
