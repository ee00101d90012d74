// ABOUTME: Campaign creation and campaign revenue reporting against Klaviyo
// ABOUTME: Also adapts the client to the pipeline Publisher and HistorySource interfaces

package klaviyo

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/winatecommerce96/emailpilot/internal/store"
)

// CampaignRequest describes a campaign to create.
type CampaignRequest struct {
	Name       string
	Channel    store.Channel
	AudienceID string // Klaviyo list or segment id
	Subject    string
	SendAt     time.Time
}

type resource[A any] struct {
	Type       string `json:"type"`
	ID         string `json:"id,omitempty"`
	Attributes A      `json:"attributes"`
}

type document[A any] struct {
	Data resource[A] `json:"data"`
}

type campaignAttributes struct {
	Name             string              `json:"name"`
	Audiences        audiences           `json:"audiences"`
	SendStrategy     sendStrategy        `json:"send_strategy"`
	CampaignMessages *campaignMessageDoc `json:"campaign-messages,omitempty"`
}

type audiences struct {
	Included []string `json:"included"`
}

type sendStrategy struct {
	Method        string        `json:"method"`
	OptionsStatic optionsStatic `json:"options_static"`
}

type optionsStatic struct {
	Datetime string `json:"datetime"`
}

type campaignMessageDoc struct {
	Data []resource[campaignMessageAttributes] `json:"data"`
}

type campaignMessageAttributes struct {
	Channel string         `json:"channel"`
	Label   string         `json:"label"`
	Content messageContent `json:"content"`
}

type messageContent struct {
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body,omitempty"`
}

// CreateCampaign creates a scheduled draft campaign and returns its Klaviyo id.
// Only rate-limited attempts are retried so a lost response never creates a duplicate.
func (c *Client) CreateCampaign(ctx context.Context, req CampaignRequest) (string, error) {
	if req.Name == "" || req.AudienceID == "" {
		return "", fmt.Errorf("klaviyo: campaign name and audience are required")
	}
	channel := req.Channel
	if channel == "" {
		channel = store.ChannelEmail
	}
	content := messageContent{Subject: req.Subject}
	if channel == store.ChannelSMS {
		content = messageContent{Body: req.Subject}
	}

	body := document[campaignAttributes]{Data: resource[campaignAttributes]{
		Type: "campaign",
		Attributes: campaignAttributes{
			Name:      req.Name,
			Audiences: audiences{Included: []string{req.AudienceID}},
			SendStrategy: sendStrategy{
				Method:        "static",
				OptionsStatic: optionsStatic{Datetime: req.SendAt.UTC().Format(time.RFC3339)},
			},
			CampaignMessages: &campaignMessageDoc{Data: []resource[campaignMessageAttributes]{{
				Type: "campaign-message",
				Attributes: campaignMessageAttributes{
					Channel: string(channel),
					Label:   req.Name,
					Content: content,
				},
			}}},
		},
	}}

	var out document[struct{}]
	if err := c.do(ctx, retryRateLimited, http.MethodPost, "/api/campaigns/", body, &out); err != nil {
		return "", err
	}
	if out.Data.ID == "" {
		return "", fmt.Errorf("klaviyo: campaign created without id")
	}
	c.logger.Info("created campaign", "klaviyo_id", out.Data.ID, "name", req.Name, "channel", channel)
	return out.Data.ID, nil
}

// CampaignValue is one campaign's row from a campaign values report.
type CampaignValue struct {
	CampaignID string
	Channel    string
	Revenue    float64
	Recipients int
}

type valuesReportAttributes struct {
	Statistics         []string  `json:"statistics"`
	Timeframe          timeframe `json:"timeframe"`
	ConversionMetricID string    `json:"conversion_metric_id"`
}

type timeframe struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type valuesReportResult struct {
	Results []struct {
		Groupings struct {
			CampaignID  string `json:"campaign_id"`
			SendChannel string `json:"send_channel"`
		} `json:"groupings"`
		Statistics struct {
			ConversionValue float64 `json:"conversion_value"`
			Recipients      float64 `json:"recipients"`
		} `json:"statistics"`
	} `json:"results"`
}

// CampaignRevenue returns attributed revenue for campaigns sent in [since, until).
func (c *Client) CampaignRevenue(ctx context.Context, since, until time.Time) ([]CampaignValue, error) {
	if c.metricID == "" {
		return nil, fmt.Errorf("klaviyo: conversion metric id not configured")
	}
	body := document[valuesReportAttributes]{Data: resource[valuesReportAttributes]{
		Type: "campaign-values-report",
		Attributes: valuesReportAttributes{
			Statistics: []string{"conversion_value", "recipients"},
			Timeframe: timeframe{
				Start: since.UTC().Format(time.RFC3339),
				End:   until.UTC().Format(time.RFC3339),
			},
			ConversionMetricID: c.metricID,
		},
	}}

	var out document[valuesReportResult]
	if err := c.do(ctx, retryTemporary, http.MethodPost, "/api/campaign-values-reports/", body, &out); err != nil {
		return nil, err
	}

	values := make([]CampaignValue, 0, len(out.Data.Attributes.Results))
	for _, r := range out.Data.Attributes.Results {
		values = append(values, CampaignValue{
			CampaignID: r.Groupings.CampaignID,
			Channel:    r.Groupings.SendChannel,
			Revenue:    r.Statistics.ConversionValue,
			Recipients: int(r.Statistics.Recipients),
		})
	}
	return values, nil
}

// PublishCampaign creates c in Klaviyo. The campaign segment is used as the audience id.
func (c *Client) PublishCampaign(ctx context.Context, client *store.Client, campaign *store.Campaign) (string, error) {
	return c.CreateCampaign(ctx, CampaignRequest{
		Name:       fmt.Sprintf("%s: %s", client.Name, campaign.Name),
		Channel:    campaign.Channel,
		AudienceID: campaign.Segment,
		Subject:    campaign.Subject,
		SendAt:     campaign.SendAt,
	})
}

// AverageCampaignRevenue returns mean revenue per campaign in [since, until), or
// zero when no campaigns were sent or history is not configured.
func (c *Client) AverageCampaignRevenue(ctx context.Context, client *store.Client, since, until time.Time) (float64, error) {
	if c.metricID == "" {
		return 0, nil
	}
	values, err := c.CampaignRevenue(ctx, since, until)
	if err != nil {
		return 0, err
	}
	if len(values) == 0 {
		return 0, nil
	}
	var total float64
	for _, v := range values {
		total += v.Revenue
	}
	return total / float64(len(values)), nil
}
