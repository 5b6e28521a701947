package campaign

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/blipline/blipline/internal/domain"
	"github.com/blipline/blipline/internal/protocol"
	"github.com/blipline/blipline/internal/tenantdb"
)

type fakeSender struct {
	mu       sync.Mutex
	sent     []string // rendered bodies in send order
	to       []string
	payloads []protocol.SendPayload
	fail     map[string]error // recipient phone -> error
	calls    int
}

func (f *fakeSender) Send(ctx context.Context, tenantID int64, chatKey string, payload protocol.SendPayload) (*protocol.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err, ok := f.fail[chatKey]; ok {
		return nil, err
	}
	f.sent = append(f.sent, payload.Body)
	f.to = append(f.to, chatKey)
	f.payloads = append(f.payloads, payload)
	return &protocol.SendResult{MessageID: fmt.Sprintf("prov-%d", f.calls), Timestamp: time.Now()}, nil
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeMailer) Send(to, subject, body string) error {
	f.mu.Lock()
	f.sent = append(f.sent, to)
	f.mu.Unlock()
	return nil
}

func testQueue(t *testing.T, credits int64, sender *fakeSender) (*Queue, *tenantdb.Router, *tenantdb.ModelSet) {
	t.Helper()
	dsn := fmt.Sprintf("file:camp_%s?mode=memory&cache=shared", t.Name())
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
		DatabaseDSN:    fmt.Sprintf("file:camp_tenant_%s?mode=memory&cache=shared", t.Name()),
		CreditBalance:  credits,
		InfraReady:     true,
		Connected:      true,
	}
	if err := master.Create(&tenant).Error; err != nil {
		t.Fatalf("seed tenant: %v", err)
	}

	router := tenantdb.NewRouter(master, time.Second)
	t.Cleanup(router.Close)
	models, err := router.Resolve(context.Background(), 1)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	q := NewQueue(router, sender, &fakeMailer{}, nil, Config{BatchSize: 5})
	q.sleep = func(time.Duration) {} // no pacing in tests
	return q, router, models
}

func seedCampaign(t *testing.T, models *tenantdb.ModelSet, status, channel, template string, recipients int) *domain.Campaign {
	t.Helper()
	c := domain.Campaign{
		ID:           100,
		Name:         "diwali-promo",
		Channel:      channel,
		Status:       status,
		BodyTemplate: template,
		StatsTotal:   int64(recipients),
	}
	if err := models.Campaigns().Create(&c).Error; err != nil {
		t.Fatalf("seed campaign: %v", err)
	}
	for i := 1; i <= recipients; i++ {
		job := domain.CampaignJob{
			ID:             int64(1000 + i),
			CampaignID:     c.ID,
			Status:         domain.JobPending,
			RecipientName:  fmt.Sprintf("Recipient %d", i),
			RecipientPhone: fmt.Sprintf("91000%d", i),
		}
		if err := models.CampaignJobs().Create(&job).Error; err != nil {
			t.Fatalf("seed job: %v", err)
		}
	}
	return &c
}

func jobStatuses(t *testing.T, models *tenantdb.ModelSet, campaignID int64) map[string]int {
	t.Helper()
	var jobs []domain.CampaignJob
	if err := models.CampaignJobs().Where("campaign_id = ?", campaignID).Find(&jobs).Error; err != nil {
		t.Fatalf("jobs: %v", err)
	}
	out := make(map[string]int)
	for _, j := range jobs {
		out[j.Status]++
	}
	return out
}

func TestCreditExhaustionMidBatch(t *testing.T) {
	sender := &fakeSender{}
	q, router, models := testQueue(t, 3, sender)
	seedCampaign(t, models, domain.CampaignRunning, domain.ChannelMessaging, "hi {name}", 5)

	q.Tick(context.Background())

	statuses := jobStatuses(t, models, 100)
	if statuses[domain.JobSent] != 3 || statuses[domain.JobFailed] != 2 {
		t.Fatalf("want 3 sent / 2 failed, got %v", statuses)
	}
	if len(sender.sent) != 3 {
		t.Fatalf("want exactly 3 provider sends, got %d", len(sender.sent))
	}

	var tenant domain.Tenant
	if err := router.Master().First(&tenant, 1).Error; err != nil {
		t.Fatalf("tenant: %v", err)
	}
	if tenant.CreditBalance != 0 {
		t.Fatalf("want balance 0 after exhaustion, got %d", tenant.CreditBalance)
	}

	var c domain.Campaign
	if err := models.Campaigns().First(&c, 100).Error; err != nil {
		t.Fatalf("campaign: %v", err)
	}
	if c.StatsSent != 3 || c.StatsFailed != 2 {
		t.Fatalf("want stats 3/2, got %d/%d", c.StatsSent, c.StatsFailed)
	}
	if c.Status != domain.CampaignCompleted {
		t.Fatalf("no pending jobs remain, want COMPLETED, got %s", c.Status)
	}

	var failed domain.CampaignJob
	if err := models.CampaignJobs().Where("campaign_id = ? AND status = ?", 100, domain.JobFailed).First(&failed).Error; err != nil {
		t.Fatalf("failed job: %v", err)
	}
	if failed.FailReason != "insufficient credits" {
		t.Fatalf("want insufficient credit reason, got %q", failed.FailReason)
	}
}

func TestSendFailureRefundsCredit(t *testing.T) {
	sender := &fakeSender{fail: map[string]error{"910001": fmt.Errorf("transport down")}}
	q, router, models := testQueue(t, 10, sender)
	seedCampaign(t, models, domain.CampaignRunning, domain.ChannelMessaging, "hi {name}", 1)

	q.Tick(context.Background())

	statuses := jobStatuses(t, models, 100)
	if statuses[domain.JobFailed] != 1 {
		t.Fatalf("want 1 failed job, got %v", statuses)
	}

	var tenant domain.Tenant
	if err := router.Master().First(&tenant, 1).Error; err != nil {
		t.Fatalf("tenant: %v", err)
	}
	if tenant.CreditBalance != 10 {
		t.Fatalf("failed send must refund, want balance 10, got %d", tenant.CreditBalance)
	}
}

func TestTemplateSubstitutionAndFIFO(t *testing.T) {
	sender := &fakeSender{}
	q, _, models := testQueue(t, 10, sender)
	seedCampaign(t, models, domain.CampaignRunning, domain.ChannelMessaging, "hi {name}, offer for {phone}", 3)

	q.Tick(context.Background())

	if len(sender.sent) != 3 {
		t.Fatalf("want 3 sends, got %d", len(sender.sent))
	}
	if sender.sent[0] != "hi Recipient 1, offer for 910001" {
		t.Fatalf("bad substitution: %q", sender.sent[0])
	}
	for i, to := range []string{"910001", "910002", "910003"} {
		if sender.to[i] != to {
			t.Fatalf("dispatch out of order at %d: %q", i, sender.to[i])
		}
	}
}

func TestDispatchFlagsPayloadAsCampaign(t *testing.T) {
	sender := &fakeSender{}
	q, _, models := testQueue(t, 10, sender)
	seedCampaign(t, models, domain.CampaignRunning, domain.ChannelMessaging, "hi", 1)

	q.Tick(context.Background())

	if len(sender.payloads) != 1 {
		t.Fatalf("want 1 send, got %d", len(sender.payloads))
	}
	if !sender.payloads[0].Campaign {
		t.Fatal("queue sends must carry the campaign flag")
	}
}

func TestBatchSizeLimitsOneTick(t *testing.T) {
	sender := &fakeSender{}
	q, _, models := testQueue(t, 100, sender)
	seedCampaign(t, models, domain.CampaignRunning, domain.ChannelMessaging, "hi", 8)

	q.Tick(context.Background())
	statuses := jobStatuses(t, models, 100)
	if statuses[domain.JobSent] != 5 || statuses[domain.JobPending] != 3 {
		t.Fatalf("one tick drains one batch, got %v", statuses)
	}

	var c domain.Campaign
	if err := models.Campaigns().First(&c, 100).Error; err != nil {
		t.Fatalf("campaign: %v", err)
	}
	if c.Status != domain.CampaignRunning {
		t.Fatalf("pending jobs remain, campaign must stay RUNNING, got %s", c.Status)
	}

	q.Tick(context.Background())
	statuses = jobStatuses(t, models, 100)
	if statuses[domain.JobSent] != 8 {
		t.Fatalf("second tick should drain the rest, got %v", statuses)
	}
	if err := models.Campaigns().First(&c, 100).Error; err != nil {
		t.Fatalf("campaign: %v", err)
	}
	if c.Status != domain.CampaignCompleted {
		t.Fatalf("want COMPLETED after final job, got %s", c.Status)
	}
}

func TestPausedCampaignUntouched(t *testing.T) {
	sender := &fakeSender{}
	q, _, models := testQueue(t, 10, sender)
	seedCampaign(t, models, domain.CampaignPaused, domain.ChannelMessaging, "hi", 2)

	q.Tick(context.Background())
	statuses := jobStatuses(t, models, 100)
	if statuses[domain.JobPending] != 2 {
		t.Fatalf("paused campaign must not dispatch, got %v", statuses)
	}
	if sender.calls != 0 {
		t.Fatalf("no sends expected, got %d", sender.calls)
	}
}

func TestScheduledCampaignPromotedWhenDue(t *testing.T) {
	sender := &fakeSender{}
	q, _, models := testQueue(t, 10, sender)
	c := seedCampaign(t, models, domain.CampaignScheduled, domain.ChannelMessaging, "hi", 1)
	due := time.Now().Add(-time.Minute)
	if err := models.Campaigns().Where("id = ?", c.ID).Updates(map[string]interface{}{"scheduled_at": due}).Error; err != nil {
		t.Fatalf("schedule: %v", err)
	}

	q.Tick(context.Background())
	// Promotion happens this tick; dispatch picks it up on the next sweep.
	q.Tick(context.Background())

	statuses := jobStatuses(t, models, 100)
	if statuses[domain.JobSent] != 1 {
		t.Fatalf("due scheduled campaign should dispatch, got %v", statuses)
	}
}

func TestDisconnectedTenantLeavesMessagingPending(t *testing.T) {
	sender := &fakeSender{}
	q, router, models := testQueue(t, 10, sender)
	seedCampaign(t, models, domain.CampaignRunning, domain.ChannelMessaging, "hi", 2)
	if err := router.Master().Model(&domain.Tenant{}).Where("id = ?", 1).
		Updates(map[string]interface{}{"connected": false}).Error; err != nil {
		t.Fatalf("disconnect tenant: %v", err)
	}

	q.Tick(context.Background())
	statuses := jobStatuses(t, models, 100)
	if statuses[domain.JobPending] != 2 {
		t.Fatalf("offline tenant must keep jobs pending, got %v", statuses)
	}
}

func TestOverlappingTickCollapses(t *testing.T) {
	sender := &fakeSender{}
	q, _, _ := testQueue(t, 10, sender)

	q.running.Store(true) // simulate a sweep still draining
	q.Tick(context.Background())
	if sender.calls != 0 {
		t.Fatal("overlapping tick must be a no-op")
	}
	q.running.Store(false)
}

func TestEmailChannelUsesMailer(t *testing.T) {
	sender := &fakeSender{}
	q, _, models := testQueue(t, 10, sender)
	mailer := &fakeMailer{}
	q.mailer = mailer

	c := seedCampaign(t, models, domain.CampaignRunning, domain.ChannelEmail, "hello {name}", 2)
	if err := models.CampaignJobs().Where("campaign_id = ?", c.ID).
		Updates(map[string]interface{}{"recipient_email": "user@example.com"}).Error; err != nil {
		t.Fatalf("emails: %v", err)
	}

	q.Tick(context.Background())
	if len(mailer.sent) != 2 {
		t.Fatalf("want 2 emails, got %d", len(mailer.sent))
	}
	if sender.calls != 0 {
		t.Fatal("email campaign must not touch the messaging sender")
	}
}

func TestSendDelayAppliesToMessagingOnly(t *testing.T) {
	sender := &fakeSender{}
	q, _, models := testQueue(t, 10, sender)
	q.cfg.SendDelayMax = time.Second
	var sleeps int
	q.sleep = func(time.Duration) { sleeps++ }

	seedCampaign(t, models, domain.CampaignRunning, domain.ChannelMessaging, "hi", 2)
	q.Tick(context.Background())
	if sleeps != 2 {
		t.Fatalf("want one pause per messaging send, got %d", sleeps)
	}

	sleeps = 0
	c := domain.Campaign{
		ID:           200,
		Name:         "newsletter",
		Channel:      domain.ChannelEmail,
		Status:       domain.CampaignRunning,
		BodyTemplate: "hello",
		StatsTotal:   1,
	}
	if err := models.Campaigns().Create(&c).Error; err != nil {
		t.Fatalf("seed campaign: %v", err)
	}
	job := domain.CampaignJob{
		ID:             2001,
		CampaignID:     c.ID,
		Status:         domain.JobPending,
		RecipientEmail: "user@example.com",
	}
	if err := models.CampaignJobs().Create(&job).Error; err != nil {
		t.Fatalf("seed job: %v", err)
	}

	q.Tick(context.Background())
	if sleeps != 0 {
		t.Fatalf("email sends must not pause, got %d sleeps", sleeps)
	}
}

func TestMissingRecipientFailsAndRefunds(t *testing.T) {
	sender := &fakeSender{}
	q, router, models := testQueue(t, 10, sender)
	seedCampaign(t, models, domain.CampaignRunning, domain.ChannelMessaging, "hi", 1)
	if err := models.CampaignJobs().Where("campaign_id = ?", 100).
		Updates(map[string]interface{}{"recipient_phone": ""}).Error; err != nil {
		t.Fatalf("blank phone: %v", err)
	}

	q.Tick(context.Background())

	var job domain.CampaignJob
	if err := models.CampaignJobs().Where("campaign_id = ?", 100).First(&job).Error; err != nil {
		t.Fatalf("job: %v", err)
	}
	if job.Status != domain.JobFailed || job.FailReason != "missing recipient phone" {
		t.Fatalf("want failed with missing-target reason, got %s %q", job.Status, job.FailReason)
	}
	if sender.calls != 0 {
		t.Fatal("no provider call expected without a target")
	}

	var tenant domain.Tenant
	if err := router.Master().First(&tenant, 1).Error; err != nil {
		t.Fatalf("tenant: %v", err)
	}
	if tenant.CreditBalance != 10 {
		t.Fatalf("missing target must refund the debit, got balance %d", tenant.CreditBalance)
	}
}
