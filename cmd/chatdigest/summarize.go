package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/basket/chatdigest/internal/channels"
	"github.com/basket/chatdigest/internal/config"
	"github.com/basket/chatdigest/internal/gateway"
)

func runSummarizeCommand(ctx context.Context, args []string, out io.Writer) int {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		fmt.Fprintln(os.Stderr, "usage: chatdigest summarize <conversation-id>")
		return 2
	}
	id := strings.TrimSpace(args[0])
	if _, _, ok := channels.SplitConversationID(id); !ok {
		fmt.Fprintf(os.Stderr, "conversation id %q must look like <channel>:<id>, e.g. telegram:-1001234\n", id)
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	var resp gateway.TriggerResponse
	code, err := newAPIClient(cfg).do(ctx, http.MethodPost,
		"/api/conversations/"+url.PathEscape(id)+"/summarize", &resp)
	if err != nil {
		fmt.Fprintf(os.Stderr, "summarize: %v\n", err)
		return 1
	}
	switch code {
	case http.StatusAccepted:
		fmt.Fprintf(out, "summary requested for %s; it will be posted in the conversation\n", id)
		return 0
	case http.StatusConflict:
		fmt.Fprintf(out, "a summary is already running for %s\n", id)
	case http.StatusUnprocessableEntity:
		fmt.Fprintf(out, "nothing new to summarize in %s\n", id)
	case http.StatusTooManyRequests:
		fmt.Fprintln(out, "too many requests, try again shortly")
	default:
		msg := resp.Error
		if msg == "" {
			msg = http.StatusText(code)
		}
		fmt.Fprintf(out, "summary not started (HTTP %d): %s\n", code, msg)
	}
	return 1
}
