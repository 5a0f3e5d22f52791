package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/chatdigest/internal/config"
	"github.com/basket/chatdigest/internal/doctor"
)

var passStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))

func runDoctorCommand(ctx context.Context, args []string, out io.Writer) int {
	jsonOutput := false
	for _, arg := range args {
		switch arg {
		case "-json", "--json":
			jsonOutput = true
		default:
			fmt.Fprintln(os.Stderr, "usage: chatdigest doctor [-json]")
			return 2
		}
	}

	var diag doctor.Diagnosis
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		diag = doctor.Run(ctx, nil, Version)
	} else {
		diag = doctor.Run(ctx, &cfg, Version)
	}

	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			return 1
		}
	} else {
		renderDiagnosis(out, diag)
	}
	if diag.Failed() {
		return 1
	}
	return 0
}

func renderDiagnosis(out io.Writer, diag doctor.Diagnosis) {
	fmt.Fprintf(out, "chatdigest doctor %s (%s)\n", diag.System.Version, diag.Timestamp.Format(time.RFC3339))
	fmt.Fprintln(out, dimStyle.Render(fmt.Sprintf("%s/%s %s", diag.System.OS, diag.System.Arch, diag.System.Go)))
	for _, res := range diag.Results {
		var style lipgloss.Style
		switch res.Status {
		case doctor.StatusPass:
			style = passStyle
		case doctor.StatusFail:
			style = errStyle
		case doctor.StatusWarn:
			style = busyStyle
		default:
			style = dimStyle
		}
		fmt.Fprintf(out, "%s %-12s %s\n", style.Render(fmt.Sprintf("[%s]", res.Status)), res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintln(out, dimStyle.Render("    "+res.Detail))
		}
	}
}
