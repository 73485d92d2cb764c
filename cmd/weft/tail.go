package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/weft"
	"pkt.systems/weft/internal/appconfig"
	"pkt.systems/weft/internal/eventbus"
	"pkt.systems/weft/schema"
)

func newTailCmd() *cobra.Command {
	var cfgPath string
	var baseURL string
	var transport string
	cmd := &cobra.Command{
		Use:   "tail <attempt-id>",
		Short: "Follow the merged conversation timeline of an attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			attemptID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("attempt id: %w", err)
			}
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if baseURL != "" {
				cfg.Server.BaseURL = baseURL
			}
			if transport != "" {
				cfg.Server.Transport = transport
			}

			logger := pslog.Ctx(cmd.Context())
			session, err := weft.NewSession(weft.SessionConfig{
				BaseURL:    cfg.Server.BaseURL,
				AttemptID:  attemptID,
				Engine:     cfg.EngineConfigSchema(),
				Transport:  transportKind(cfg.Server.Transport),
				JournalDir: journalDir(cfg.Journal),
			}, weft.SessionDeps{Logger: logger})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			events, unsubscribe := session.Subscribe()
			defer unsubscribe()

			if err := session.Start(ctx); err != nil {
				return err
			}
			go func() {
				<-ctx.Done()
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = session.Stop(stopCtx)
			}()

			logger.Info("tailing attempt", "attempt", attemptID, "server", cfg.Server.BaseURL)
			printTimelineEvents(ctx, cmd.OutOrStdout(), events)
			return session.Wait()
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&baseURL, "server", "", "orchestrator base URL (overrides config)")
	cmd.Flags().StringVar(&transport, "transport", "", "websocket or poll (overrides config)")
	return cmd
}

// journalDir resolves the draft journal location, empty when journaling
// is turned off.
func journalDir(cfg appconfig.JournalConfig) string {
	if cfg.Disabled {
		return ""
	}
	return cfg.Dir
}

func transportKind(value string) weft.TransportKind {
	if value == "poll" {
		return weft.TransportPoll
	}
	return weft.TransportWebSocket
}

// printTimelineEvents renders only the tail of each update so already
// printed entries are not repeated.
func printTimelineEvents(ctx context.Context, out io.Writer, events <-chan eventbus.Event) {
	printed := 0
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			switch event.Type {
			case eventbus.EventTimeline:
				if len(event.Timeline) < printed {
					printed = 0
				}
				for _, entry := range event.Timeline[printed:] {
					fmt.Fprintln(out, renderEntry(entry))
				}
				printed = len(event.Timeline)
			case eventbus.EventStatus:
				fmt.Fprintf(out, "-- %s\n", event.Status)
			}
		}
	}
}

func renderEntry(entry schema.TimelineEntry) string {
	switch e := entry.Entry.(type) {
	case schema.NormalizedEntry:
		label := string(e.ItemKind)
		if e.ItemKind == schema.KindToolUse && e.ToolName != "" {
			label = "tool:" + e.ToolName
			if e.Status != "" {
				label += " (" + string(e.Status) + ")"
			}
		}
		return fmt.Sprintf("[%s] %s", label, firstLine(e.Content))
	case schema.RawLine:
		return fmt.Sprintf("[%s] %s", e.Channel, e.Line)
	case schema.DiffFragment:
		return fmt.Sprintf("[diff] %s", e.Path)
	default:
		return fmt.Sprintf("[%s]", entry.Entry.Kind())
	}
}

func firstLine(content string) string {
	if i := strings.IndexByte(content, '\n'); i >= 0 {
		return content[:i] + " ..."
	}
	return content
}
