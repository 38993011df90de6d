package alerting

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

type textObject struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type block struct {
	Type string     `json:"type"`
	Text textObject `json:"text"`
}

type webhookMessage struct {
	Text   string  `json:"text"`
	Blocks []block `json:"blocks"`
}

func section(text string) block {
	return block{Type: "section", Text: textObject{Type: "mrkdwn", Text: text}}
}

// formatMessage renders rec as a chat webhook message with a plain-text
// summary and three mrkdwn sections.
func formatMessage(rec Record) webhookMessage {
	severity := strings.ToUpper(string(rec.Severity))

	keys := make([]string, 0, len(rec.Context))
	for k := range rec.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("• %s: %v", k, rec.Context[k]))
	}
	if len(lines) == 0 {
		lines = []string{"• none"}
	}

	return webhookMessage{
		Text: fmt.Sprintf("[%s] %s: %s", severity, rec.Code, rec.Message),
		Blocks: []block{
			section(fmt.Sprintf("*%s* `%s`\n%s", severity, rec.Code, rec.Message)),
			section(fmt.Sprintf("*Service:* %s\n*Scope:* `%s`\n*Detected at:* %s",
				rec.Service, rec.Scope, rec.DetectedAt.UTC().Format(time.RFC3339))),
			section("*Context*\n" + strings.Join(lines, "\n")),
		},
	}
}
