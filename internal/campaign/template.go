package campaign

import (
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/blipline/blipline/internal/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RenderTemplate substitutes {placeholder} tokens. Unknown placeholders are
// left verbatim so a typo is visible in the delivered message rather than
// silently dropped.
func RenderTemplate(template string, data map[string]string) string {
	result := template
	for k, v := range data {
		result = strings.ReplaceAll(result, "{"+k+"}", v)
	}
	return result
}

// renderJob builds the personalized body for one recipient from the campaign
// template, the recipient columns and any extra attributes on the job row.
func renderJob(c *domain.Campaign, job *domain.CampaignJob) string {
	data := map[string]string{
		"name":  job.RecipientName,
		"phone": job.RecipientPhone,
		"email": job.RecipientEmail,
	}
	if job.Attributes != "" {
		var extra map[string]string
		if err := json.Unmarshal([]byte(job.Attributes), &extra); err == nil {
			for k, v := range extra {
				data[k] = v
			}
		}
	}
	return RenderTemplate(c.BodyTemplate, data)
}
