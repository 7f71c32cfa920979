// Package mattermost provides a webhook client for operator notifications.
package mattermost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aimd54/loyalty-ledger/internal/config"
	"github.com/aimd54/loyalty-ledger/pkg/logger"
)

// maxDigestLines caps how many clients are listed in one digest message.
const maxDigestLines = 20

// Client handles Mattermost webhook notifications.
type Client struct {
	webhookURL string
	channel    string
	username   string
	enabled    bool
	httpClient *http.Client
	log        *logger.Logger
}

// NewClient creates a new Mattermost client.
func NewClient(cfg *config.MattermostConfig, log *logger.Logger) *Client {
	return &Client{
		webhookURL: cfg.WebhookURL,
		channel:    cfg.Channel,
		username:   cfg.Username,
		enabled:    cfg.Enabled,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        log.Component("mattermost"),
	}
}

// Message represents a Mattermost message payload.
type Message struct {
	Channel     string       `json:"channel,omitempty"`
	Username    string       `json:"username,omitempty"`
	Text        string       `json:"text,omitempty"`
	IconURL     string       `json:"icon_url,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment represents a message attachment.
type Attachment struct {
	Fallback string  `json:"fallback,omitempty"`
	Color    string  `json:"color,omitempty"`
	Pretext  string  `json:"pretext,omitempty"`
	Title    string  `json:"title,omitempty"`
	Text     string  `json:"text,omitempty"`
	Fields   []Field `json:"fields,omitempty"`
	Footer   string  `json:"footer,omitempty"`
}

// Field represents a message field.
type Field struct {
	Short bool   `json:"short"`
	Title string `json:"title"`
	Value string `json:"value"`
}

// WinnerLine is one podium entry of a monthly announcement.
type WinnerLine struct {
	Rank     int
	FullName string
	Points   int64
}

// AtRiskClient is one entry of the outreach digest.
type AtRiskClient struct {
	UserID        string
	FullName      string
	LastVisitDays int
}

// SendMessage sends a message to Mattermost.
func (c *Client) SendMessage(msg *Message) error {
	if !c.enabled {
		c.log.Debug().Msg("Mattermost is disabled, skipping message")
		return nil
	}

	if msg.Channel == "" {
		msg.Channel = c.channel
	}
	if msg.Username == "" {
		msg.Username = c.username
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message to Mattermost: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mattermost returned status %d", resp.StatusCode)
	}

	c.log.Debug().
		Str("channel", msg.Channel).
		Msg("Sent message to Mattermost")

	return nil
}

// SendMonthlyWinners announces the archived podium of a closed month.
func (c *Client) SendMonthlyWinners(month string, winners []WinnerLine) error {
	if len(winners) == 0 {
		return c.SendMessage(&Message{
			Text: fmt.Sprintf("### 🏁 Monthly ranking closed for %s\n\nNobody earned points this month.", month),
		})
	}

	var b strings.Builder
	fmt.Fprintf(&b, "### 🏆 Monthly winners for %s\n\n", month)
	b.WriteString("| Rank | Client | Points |\n|:---:|:---|---:|\n")
	for _, w := range winners {
		fmt.Fprintf(&b, "| %s | %s | %d |\n", rankLabel(w.Rank), w.FullName, w.Points)
	}
	b.WriteString("\n_Monthly points have been reset. Good luck this month!_")

	return c.SendMessage(&Message{Text: b.String()})
}

// SendAtRiskDigest lists clients who have not visited for a while.
func (c *Client) SendAtRiskDigest(clients []AtRiskClient, total int) error {
	if total == 0 {
		c.log.Debug().Msg("No at-risk clients, skipping digest")
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "### 📉 At-risk clients\n\n**%d** clients have not visited recently:\n\n", total)
	for i, cl := range clients {
		if i == maxDigestLines {
			fmt.Fprintf(&b, "\n_…and %d more_\n", len(clients)-maxDigestLines)
			break
		}
		icon := "•"
		if cl.LastVisitDays > 60 {
			icon = "⚠️"
		}
		fmt.Fprintf(&b, "%s %s (last visit %d days ago)\n", icon, cl.FullName, cl.LastVisitDays)
	}
	b.WriteString("\n_Consider reaching out with a personal offer._")

	return c.SendMessage(&Message{Text: b.String()})
}

func rankLabel(rank int) string {
	switch rank {
	case 1:
		return "🥇"
	case 2:
		return "🥈"
	case 3:
		return "🥉"
	default:
		return fmt.Sprintf("%d", rank)
	}
}
