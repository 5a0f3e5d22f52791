package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/basket/chatdigest/internal/config"
	"github.com/basket/chatdigest/internal/digest"
	"github.com/basket/chatdigest/internal/gateway"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	busyStyle   = cellStyle.Foreground(lipgloss.Color("214"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// statusReport is what `status -json` prints.
type statusReport struct {
	Health        gateway.HealthResponse `json:"health"`
	Conversations []digest.Status        `json:"conversations"`
}

func runStatusCommand(ctx context.Context, args []string, out io.Writer) int {
	jsonOutput := false
	for _, arg := range args {
		switch arg {
		case "-json", "--json":
			jsonOutput = true
		default:
			fmt.Fprintln(os.Stderr, "usage: chatdigest status [-json]")
			return 2
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	client := newAPIClient(cfg)

	var report statusReport
	code, err := client.do(ctx, http.MethodGet, "/healthz", &report.Health)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	healthy := code == http.StatusOK
	code, err = client.do(ctx, http.MethodGet, "/api/conversations", &report.Conversations)
	if err != nil || code != http.StatusOK {
		fmt.Fprintf(os.Stderr, "status: list conversations: HTTP %d %v\n", code, err)
		return 1
	}

	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			fmt.Fprintf(os.Stderr, "encode json: %v\n", err)
			return 1
		}
	} else {
		fmt.Fprintln(out, renderStatus(report, time.Now()))
	}
	if !healthy {
		return 1
	}
	return 0
}

func renderStatus(r statusReport, now time.Time) string {
	state := "healthy"
	if !r.Health.Healthy {
		state = errStyle.Render("unhealthy (store failing)")
	}
	summary := fmt.Sprintf("chatdigest %s: %d conversations, %d summaries running",
		state, r.Health.Conversations, r.Health.InFlight)
	if len(r.Conversations) == 0 {
		return summary + "\n" + dimStyle.Render("no conversations yet")
	}

	rows := make([][]string, 0, len(r.Conversations))
	for _, st := range r.Conversations {
		running := "-"
		if st.InFlight {
			running = "yes"
		}
		rows = append(rows, []string{
			st.ConversationID,
			strconv.Itoa(st.Pending),
			strconv.Itoa(st.Buffered),
			ago(st.LastSummaryAt, now),
			ago(st.LastScheduledAt, now),
			running,
		})
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers("CONVERSATION", "PENDING", "BUFFERED", "LAST SUMMARY", "LAST DAILY", "RUNNING").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 5 && row >= 0 && row < len(r.Conversations) && r.Conversations[row].InFlight {
				return busyStyle
			}
			return cellStyle
		})
	return summary + "\n" + t.String()
}

// ago renders t relative to now, rounded for display.
func ago(t *time.Time, now time.Time) string {
	if t == nil || t.IsZero() {
		return "never"
	}
	d := now.Sub(*t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Local().Format("2006-01-02 15:04")
	}
}
