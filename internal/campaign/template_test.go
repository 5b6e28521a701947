package campaign

import (
	"testing"

	"github.com/blipline/blipline/internal/domain"
)

func TestRenderTemplate(t *testing.T) {
	out := RenderTemplate("hi {name}, {name} from {city}", map[string]string{
		"name": "Asha",
		"city": "Pune",
	})
	if out != "hi Asha, Asha from Pune" {
		t.Fatalf("got %q", out)
	}
}

func TestRenderTemplateKeepsUnknownPlaceholders(t *testing.T) {
	out := RenderTemplate("hi {name}, code {cuopon}", map[string]string{"name": "Asha"})
	if out != "hi Asha, code {cuopon}" {
		t.Fatalf("unknown placeholder must stay visible, got %q", out)
	}
}

func TestRenderJobMergesAttributes(t *testing.T) {
	c := &domain.Campaign{BodyTemplate: "hi {name}, {discount} off at {phone}"}
	job := &domain.CampaignJob{
		RecipientName:  "Asha",
		RecipientPhone: "910001",
		Attributes:     `{"discount":"20%"}`,
	}
	out := renderJob(c, job)
	if out != "hi Asha, 20% off at 910001" {
		t.Fatalf("got %q", out)
	}
}

func TestRenderJobIgnoresMalformedAttributes(t *testing.T) {
	c := &domain.Campaign{BodyTemplate: "hi {name}"}
	job := &domain.CampaignJob{RecipientName: "Asha", Attributes: "not-json"}
	if out := renderJob(c, job); out != "hi Asha" {
		t.Fatalf("got %q", out)
	}
}
