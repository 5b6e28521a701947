package campaign

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/blipline/blipline/internal/domain"
	"github.com/blipline/blipline/internal/notify"
	"github.com/blipline/blipline/internal/protocol"
	"github.com/blipline/blipline/internal/tenantdb"
)

// MessageSender sends one message on a tenant's live protocol session.
// Satisfied by the session manager; tests inject fakes.
type MessageSender interface {
	Send(ctx context.Context, tenantID int64, chatKey string, payload protocol.SendPayload) (*protocol.SendResult, error)
}

// EmailSender delivers one email for the email campaign channel.
type EmailSender interface {
	Send(to, subject, body string) error
}

// Config tunes the dispatch loop.
type Config struct {
	Interval     time.Duration // time between ticks
	BatchSize    int           // pending jobs claimed per campaign per tick
	SendDelayMax time.Duration // upper bound of the randomized pre-send pause
}

// Queue drains campaign jobs across all tenants on a fixed tick. One credit
// buys one send attempt that reaches the provider; failed sends refund.
type Queue struct {
	router   *tenantdb.Router
	sender   MessageSender
	mailer   EmailSender
	notifier notify.Notifier
	cfg      Config

	cron    *cron.Cron
	running atomic.Bool
	sleep   func(time.Duration)
}

func NewQueue(router *tenantdb.Router, sender MessageSender, mailer EmailSender,
	notifier notify.Notifier, cfg Config) *Queue {
	if cfg.Interval <= 0 {
		cfg.Interval = 20 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Queue{
		router:   router,
		sender:   sender,
		mailer:   mailer,
		notifier: notifier,
		cfg:      cfg,
		sleep:    time.Sleep,
	}
}

// Start schedules the dispatch tick.
func (q *Queue) Start() error {
	q.cron = cron.New()
	spec := fmt.Sprintf("@every %ds", int(q.cfg.Interval.Seconds()))
	_, err := q.cron.AddFunc(spec, func() {
		defer func() {
			if r := recover(); r != nil {
				zap.L().Error("campaign tick panic", zap.Any("panic", r))
			}
		}()
		q.Tick(context.Background())
	})
	if err != nil {
		return err
	}
	q.cron.Start()
	zap.L().Info("campaign dispatch queue started", zap.Duration("interval", q.cfg.Interval))
	return nil
}

func (q *Queue) Stop() {
	if q.cron != nil {
		q.cron.Stop()
	}
}

// Tick runs one dispatch sweep. Overlapping ticks collapse: if the previous
// sweep is still draining, this one returns immediately.
func (q *Queue) Tick(ctx context.Context) {
	if !q.running.CompareAndSwap(false, true) {
		zap.L().Debug("campaign tick skipped, previous sweep still running")
		return
	}
	defer q.running.Store(false)

	var tenants []domain.Tenant
	if err := q.router.Master().WithContext(ctx).Where("infra_ready = ?", true).Find(&tenants).Error; err != nil {
		zap.L().Error("campaign tenant scan failed", zap.Error(err))
		return
	}

	for i := range tenants {
		q.tickTenant(ctx, &tenants[i])
	}
}

func (q *Queue) tickTenant(ctx context.Context, tenant *domain.Tenant) {
	models, err := q.modelsFor(ctx, tenant.ID)
	if err != nil {
		var cfgErr *domain.ConfigurationError
		if !errors.As(err, &cfgErr) {
			zap.L().Warn("campaign tenant resolve failed", zap.Int64("tenant_id", tenant.ID), zap.Error(err))
		}
		return
	}

	q.promoteScheduled(ctx, models)

	var campaigns []domain.Campaign
	err = models.Campaigns().WithContext(ctx).
		Where("status = ?", domain.CampaignRunning).
		Order("id asc").Find(&campaigns).Error
	if err != nil {
		zap.L().Warn("campaign scan failed", zap.Int64("tenant_id", tenant.ID), zap.Error(err))
		return
	}

	for i := range campaigns {
		c := &campaigns[i]
		if c.Channel == domain.ChannelMessaging && !tenant.Connected {
			// No live session; jobs stay PENDING for a later tick.
			continue
		}
		q.processCampaign(ctx, tenant.ID, models, c)
	}
}

// modelsFor resolves the tenant's campaign tables under the scope of the
// currently linked phone number, matching where the rest of the data lives.
func (q *Queue) modelsFor(ctx context.Context, tenantID int64) (*tenantdb.ModelSet, error) {
	models, err := q.router.Resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	var session domain.ProtocolSession
	err = models.Sessions().WithContext(ctx).Where("tenant_id = ?", tenantID).First(&session).Error
	if err != nil || session.PhoneNumber == "" {
		return models, nil
	}
	return q.router.ResolveScoped(ctx, tenantID, session.PhoneNumber)
}

// promoteScheduled moves due SCHEDULED campaigns into RUNNING.
func (q *Queue) promoteScheduled(ctx context.Context, models *tenantdb.ModelSet) {
	err := models.Campaigns().WithContext(ctx).
		Where("status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?",
			domain.CampaignScheduled, time.Now()).
		Updates(map[string]interface{}{"status": domain.CampaignRunning}).Error
	if err != nil {
		zap.L().Warn("campaign promotion failed", zap.Error(err))
	}
}

// processCampaign claims one FIFO batch of pending jobs and works through it
// sequentially, then checks for completion.
func (q *Queue) processCampaign(ctx context.Context, tenantID int64, models *tenantdb.ModelSet, c *domain.Campaign) {
	var jobs []domain.CampaignJob
	err := models.CampaignJobs().WithContext(ctx).
		Where("campaign_id = ? AND status = ?", c.ID, domain.JobPending).
		Order("id asc").Limit(q.cfg.BatchSize).Find(&jobs).Error
	if err != nil {
		zap.L().Warn("campaign job fetch failed", zap.Int64("campaign_id", c.ID), zap.Error(err))
		return
	}

	for i := range jobs {
		q.processJob(ctx, tenantID, models, c, &jobs[i])
	}

	q.checkCompletion(ctx, models, c)
}

func (q *Queue) processJob(ctx context.Context, tenantID int64, models *tenantdb.ModelSet, c *domain.Campaign, job *domain.CampaignJob) {
	claimed := models.CampaignJobs().
		Where("id = ? AND status = ?", job.ID, domain.JobPending).
		Updates(map[string]interface{}{"status": domain.JobProcessing})
	if claimed.Error != nil || claimed.RowsAffected == 0 {
		return // another sweep took it
	}

	if err := q.router.DebitCredit(ctx, tenantID); err != nil {
		var insErr *domain.InsufficientCreditError
		if errors.As(err, &insErr) {
			// Nothing was debited, so nothing refunds. Job-level failure
			// only; the campaign keeps draining in case credits arrive.
			q.failJob(models, c, job, "insufficient credits")
			return
		}
		// Infra failure: release the claim so the next tick retries.
		q.releaseJob(models, job)
		zap.L().Warn("credit debit failed", zap.Int64("tenant_id", tenantID), zap.Error(err))
		return
	}

	body := renderJob(c, job)

	// The randomized pause is throttling for the messaging provider; email
	// goes straight out.
	if q.cfg.SendDelayMax > 0 && c.Channel != domain.ChannelEmail {
		q.sleep(time.Duration(rand.Int63n(int64(q.cfg.SendDelayMax))))
	}

	providerID, err := q.deliver(ctx, tenantID, c, job, body)
	if err != nil {
		if rerr := q.router.RefundCredit(ctx, tenantID); rerr != nil {
			zap.L().Error("credit refund failed", zap.Int64("tenant_id", tenantID), zap.Error(rerr))
		}
		q.failJob(models, c, job, err.Error())
		return
	}

	now := time.Now()
	err = models.CampaignJobs().Where("id = ?", job.ID).
		Updates(map[string]interface{}{
			"status":              domain.JobSent,
			"provider_message_id": providerID,
			"sent_at":             now,
			"fail_reason":         "",
		}).Error
	if err != nil {
		zap.L().Error("job result persist failed", zap.Int64("job_id", job.ID), zap.Error(err))
	}
	q.bumpStat(models, c.ID, "stats_sent")
}

func (q *Queue) deliver(ctx context.Context, tenantID int64, c *domain.Campaign, job *domain.CampaignJob, body string) (string, error) {
	switch c.Channel {
	case domain.ChannelEmail:
		if q.mailer == nil {
			return "", fmt.Errorf("email channel not configured")
		}
		if job.RecipientEmail == "" {
			return "", fmt.Errorf("missing recipient email")
		}
		if err := q.mailer.Send(job.RecipientEmail, c.Subject, body); err != nil {
			return "", err
		}
		return "", nil
	default:
		if job.RecipientPhone == "" {
			return "", fmt.Errorf("missing recipient phone")
		}
		result, err := q.sender.Send(ctx, tenantID, job.RecipientPhone, protocol.SendPayload{Body: body, Campaign: true})
		if err != nil {
			return "", err
		}
		return result.MessageID, nil
	}
}

func (q *Queue) failJob(models *tenantdb.ModelSet, c *domain.Campaign, job *domain.CampaignJob, reason string) {
	err := models.CampaignJobs().Where("id = ?", job.ID).
		Updates(map[string]interface{}{
			"status":      domain.JobFailed,
			"fail_reason": reason,
		}).Error
	if err != nil {
		zap.L().Error("job failure persist failed", zap.Int64("job_id", job.ID), zap.Error(err))
	}
	q.bumpStat(models, c.ID, "stats_failed")
}

func (q *Queue) releaseJob(models *tenantdb.ModelSet, job *domain.CampaignJob) {
	err := models.CampaignJobs().Where("id = ?", job.ID).
		Updates(map[string]interface{}{"status": domain.JobPending}).Error
	if err != nil {
		zap.L().Error("job release failed", zap.Int64("job_id", job.ID), zap.Error(err))
	}
}

func (q *Queue) bumpStat(models *tenantdb.ModelSet, campaignID int64, column string) {
	err := models.Campaigns().Where("id = ?", campaignID).
		UpdateColumn(column, gorm.Expr(column+" + ?", 1)).Error
	if err != nil {
		zap.L().Error("campaign stat update failed", zap.Int64("campaign_id", campaignID), zap.Error(err))
	}
}

// checkCompletion closes the campaign once no job can still become SENT.
// PENDING or PROCESSING work keeps it open.
func (q *Queue) checkCompletion(ctx context.Context, models *tenantdb.ModelSet, c *domain.Campaign) {
	var open int64
	err := models.CampaignJobs().WithContext(ctx).
		Where("campaign_id = ? AND status IN ?", c.ID,
			[]string{domain.JobPending, domain.JobProcessing}).
		Count(&open).Error
	if err != nil || open > 0 {
		return
	}

	now := time.Now()
	result := models.Campaigns().
		Where("id = ? AND status = ?", c.ID, domain.CampaignRunning).
		Updates(map[string]interface{}{
			"status":       domain.CampaignCompleted,
			"completed_at": now,
		})
	if result.Error != nil || result.RowsAffected == 0 {
		return
	}
	q.notifier.Publish(notify.Event{
		Name:    notify.EventCampaignDone,
		Payload: map[string]interface{}{"campaign_id": c.ID, "name": c.Name},
	})
	zap.L().Info("campaign completed", zap.Int64("campaign_id", c.ID), zap.String("name", c.Name))
}
