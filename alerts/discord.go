package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/winder87-stack/-polymarket-copy-bot-sub001/models"
)

const (
	colorGreen  = 0x2ecc71
	colorOrange = 0xe67e22
	colorRed    = 0xe74c3c
)

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
	Timestamp   string `json:"timestamp,omitempty"`
}

type discordPayload struct {
	Username string         `json:"username,omitempty"`
	Embeds   []discordEmbed `json:"embeds"`
}

// Discord posts alerts to a webhook
type Discord struct {
	webhookURL string
	httpClient *http.Client
	now        func() time.Time
}

// NewDiscord creates a webhook notifier
func NewDiscord(webhookURL string, timeout time.Duration) *Discord {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Discord{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

func (d *Discord) post(ctx context.Context, embed discordEmbed) error {
	embed.Timestamp = d.now().UTC().Format(time.RFC3339)
	body, err := json.Marshal(discordPayload{Username: "copybot", Embeds: []discordEmbed{embed}})
	if err != nil {
		return errors.Wrap(err, "discord marshal")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "discord request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		// the webhook URL embeds its secret, keep it out of the error
		return errors.New("discord post: transport error")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 300 {
		return errors.Errorf("discord post: status %d", resp.StatusCode)
	}
	return nil
}

func (d *Discord) NotifyExecution(ctx context.Context, a ExecutionAlert) error {
	color := colorGreen
	if a.Status != models.StatusSuccess {
		color = colorOrange
	}
	title := "Copy trade"
	if a.Closing {
		title = "Position close"
	}
	return d.post(ctx, discordEmbed{Title: title, Description: FormatExecution(a), Color: color})
}

func (d *Discord) NotifyError(ctx context.Context, a ErrorAlert) error {
	return d.post(ctx, discordEmbed{Title: "Error", Description: FormatError(a), Color: colorOrange})
}

func (d *Discord) NotifyCritical(ctx context.Context, title, msg string) error {
	return d.post(ctx, discordEmbed{Title: "CRITICAL: " + title, Description: SanitizeText(msg), Color: colorRed})
}
