package recovery

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const maxIssuesShown = 5

type HealthReport struct {
	GeneratedAt time.Time     `json:"generated_at"`
	Overall     Status        `json:"overall"`
	Checks      []CheckResult `json:"checks"`
}

func (m *Manager) GenerateHealthReport(ctx context.Context) *HealthReport {
	checks := m.RunChecks(ctx)
	return &HealthReport{
		GeneratedAt: m.now().UTC(),
		Overall:     Overall(checks),
		Checks:      checks,
	}
}

var checkTitles = map[string]string{
	CheckJSON:        "Entity files",
	CheckSchema:      "Entity contents",
	CheckMirror:      "Search database",
	CheckGraph:       "Links between entities",
	CheckState:       "World index",
	CheckBookkeeping: "History log",
}

var nextSteps = map[string]string{
	CheckJSON:        `Run "worldforge health repair" to restore damaged files from backups.`,
	CheckSchema:      "Open the listed entities and fill in or correct the fields mentioned.",
	CheckMirror:      `Run "worldforge health repair" or "worldforge mirror sync" to rebuild search.`,
	CheckGraph:       "Create the missing entities, or edit the listed fields to point at ones that exist.",
	CheckState:       `Run "worldforge health repair" to rebuild the world index from your files.`,
	CheckBookkeeping: `Run "worldforge ledger rebuild" to regenerate the history summaries.`,
}

// FormatForUser renders a report in plain language with one next step per
// check that is not healthy.
func FormatForUser(report *HealthReport) string {
	var b strings.Builder
	switch report.Overall {
	case StatusHealthy:
		b.WriteString("Your world is healthy. Nothing needs attention.\n")
		return b.String()
	case StatusDegraded:
		b.WriteString("Your world works, but a few things need attention.\n")
	default:
		b.WriteString("Your world has serious problems. Make a backup before changing anything else.\n")
	}

	for _, c := range report.Checks {
		if c.Status == StatusHealthy {
			continue
		}
		title := checkTitles[c.Name]
		if title == "" {
			title = c.Name
		}
		fmt.Fprintf(&b, "\n%s (%s)\n", title, c.Status)
		for i, issue := range c.Issues {
			if i == maxIssuesShown {
				fmt.Fprintf(&b, "  - and %d more\n", len(c.Issues)-maxIssuesShown)
				break
			}
			fmt.Fprintf(&b, "  - %s\n", issue)
		}
		if step := nextSteps[c.Name]; step != "" {
			fmt.Fprintf(&b, "  Next step: %s\n", step)
		}
	}
	return b.String()
}
