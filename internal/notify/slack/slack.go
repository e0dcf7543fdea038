// Package slack posts batch triage summaries to a Slack incoming webhook.
package slack

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/slack-go/slack"

	"github.com/lg1805/icss-web-app/internal/complaint"
	"github.com/lg1805/icss-web-app/internal/rank"
	"github.com/lg1805/icss-web-app/internal/triage"
)

const (
	httpTimeout       = 10 * time.Second
	maxUrgent         = 5
	maxObservationLen = 120
)

// Notifier sends triage results to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

var _ triage.Notifier = (*Notifier)(nil)

// New creates a new Slack notifier. If webhookURL is empty, Send is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// Send posts a summary of a finished batch.
func (n *Notifier) Send(ctx context.Context, result *triage.Result) error {
	if n.webhookURL == "" {
		return nil
	}

	msg := buildMessage(result)
	//nolint:gosec // webhookURL is from trusted config, not user input
	if err := slack.PostWebhookCustomHTTPContext(ctx, n.webhookURL, n.client, msg); err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	n.logger.Info(ctx, "slack notification sent", "batch_id", result.ID, "status", result.Status)
	return nil
}

func buildMessage(r *triage.Result) *slack.WebhookMessage {
	blocks := []slack.Block{headerBlock(r), slack.NewDividerBlock(), fieldsBlock(r)}
	if r.Report != nil {
		blocks = append(blocks, countsBlock(r.Report.Summary))
		if urgent := urgentBlock(r.Report); urgent != nil {
			blocks = append(blocks, slack.NewDividerBlock(), urgent)
		}
	} else if r.Error != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			mrkdwn(fmt.Sprintf("*Error*\n```%s```", r.Error)), nil, nil))
	}
	blocks = append(blocks, slack.NewDividerBlock(), contextBlock(r))

	return &slack.WebhookMessage{
		// fallback for notifications and clients without block support
		Text:   headline(r),
		Blocks: &slack.Blocks{BlockSet: blocks},
	}
}

func mrkdwn(text string) *slack.TextBlockObject {
	return slack.NewTextBlockObject(slack.MarkdownType, text, false, false)
}

func headline(r *triage.Result) string {
	if r.Status == triage.StatusFailed {
		return fmt.Sprintf("Triage failed for batch %s", r.ID)
	}
	high := 0
	if r.Report != nil {
		high = r.Report.Summary.ByTier[complaint.TierHigh]
	}
	return fmt.Sprintf("Batch %s triaged: %d records, %d high priority", r.ID, r.RecordCount, high)
}

func headerBlock(r *triage.Result) *slack.HeaderBlock {
	title := "Triage Complete"
	if r.Status == triage.StatusFailed {
		title = "Triage Failed"
	}
	text := fmt.Sprintf("%s %s: %d complaints", statusEmoji(r), title, r.RecordCount)
	return slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, text, true, false))
}

func fieldsBlock(r *triage.Result) *slack.SectionBlock {
	fields := []*slack.TextBlockObject{
		mrkdwn(fmt.Sprintf("*Status:* %s", r.Status)),
		mrkdwn(fmt.Sprintf("*Duration:* %.1fs", r.Duration)),
	}
	if r.Source != "" {
		fields = append(fields, mrkdwn(fmt.Sprintf("*Source:* %s", r.Source)))
	}
	if rep := r.Report; rep != nil {
		fields = append(fields,
			mrkdwn(fmt.Sprintf("*Strategy:* %s", rep.Strategy)),
			mrkdwn(fmt.Sprintf("*Escalation:* %s", rep.Policy)),
			mrkdwn(fmt.Sprintf("*SPN / other:* %d / %d", rep.Summary.Structural, rep.Summary.NonStructural)),
		)
	}
	return slack.NewSectionBlock(nil, fields, nil)
}

var (
	tierOrder = []complaint.Tier{complaint.TierHigh, complaint.TierModerate, complaint.TierLow}
	bandOrder = []complaint.Band{
		complaint.BandRed, complaint.BandYellow, complaint.BandBlue,
		complaint.BandCritical, complaint.BandHighWarning, complaint.BandWarning, complaint.BandEarly, complaint.BandNone,
		complaint.BandResolved, complaint.BandUnknown,
	}
)

func countsBlock(s triage.Summary) *slack.SectionBlock {
	var tiers, bands []string
	for _, t := range tierOrder {
		tiers = append(tiers, fmt.Sprintf("%s %d", t, s.ByTier[t]))
	}
	for _, b := range bandOrder {
		if n := s.ByBand[b]; n > 0 {
			bands = append(bands, fmt.Sprintf("%s %d", b, n))
		}
	}

	text := fmt.Sprintf("*Tiers:* %s\n*Escalation:* %s", strings.Join(tiers, " · "), strings.Join(bands, " · "))
	if s.Unresolved > 0 || s.ClassifierFallbacks > 0 || s.DateFailures > 0 {
		text += fmt.Sprintf("\n*Data issues:* %d unresolved, %d classifier fallbacks, %d bad dates",
			s.Unresolved, s.ClassifierFallbacks, s.DateFailures)
	}
	return slack.NewSectionBlock(mrkdwn(text), nil, nil)
}

// urgentBlock lists the first open High-tier records in ranked order, or
// returns nil when there are none.
func urgentBlock(rep *triage.Report) *slack.SectionBlock {
	open, _ := rank.SplitOpen(rep.Records())
	var lines []string
	for _, rec := range open {
		if rec.Tier != complaint.TierHigh {
			continue
		}
		lines = append(lines, fmt.Sprintf("• `%s` %s (%s, RPN %d, %s)",
			rec.ID, truncate(rec.Observation, maxObservationLen), rec.Component, rec.RPN, rec.Band))
		if len(lines) == maxUrgent {
			break
		}
	}
	if len(lines) == 0 {
		return nil
	}
	return slack.NewSectionBlock(mrkdwn("*Open high priority*\n"+strings.Join(lines, "\n")), nil, nil)
}

func contextBlock(r *triage.Result) *slack.ContextBlock {
	ts := r.CompletedAt
	if ts.IsZero() {
		ts = r.CreatedAt
	}
	return slack.NewContextBlock("",
		mrkdwn(fmt.Sprintf("icss • batch %s • %s", r.ID, ts.UTC().Format("2006-01-02 15:04 UTC"))),
	)
}

func statusEmoji(r *triage.Result) string {
	if r.Status == triage.StatusFailed || r.Report == nil {
		return "\U0001f534" // red circle
	}
	switch {
	case r.Report.Summary.ByTier[complaint.TierHigh] > 0:
		return "\U0001f534"
	case r.Report.Summary.ByTier[complaint.TierModerate] > 0:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-3]) + "..."
}
