package main

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/weft/client"
	"pkt.systems/weft/internal/appconfig"
	"pkt.systems/weft/schema"
)

func newDraftCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "draft",
		Short: "Inspect and edit attempt drafts",
	}
	cmd.AddCommand(newDraftGetCmd())
	cmd.AddCommand(newDraftSetCmd())
	cmd.AddCommand(newDraftQueueCmd(true))
	cmd.AddCommand(newDraftQueueCmd(false))
	return cmd
}

type draftTarget struct {
	api       *client.Client
	attemptID schema.AttemptID
	kind      schema.DraftKind
}

func resolveDraftTarget(cmd *cobra.Command, cfgPath, baseURL, kind, attemptArg string) (draftTarget, error) {
	attemptID, err := uuid.Parse(attemptArg)
	if err != nil {
		return draftTarget{}, fmt.Errorf("attempt id: %w", err)
	}
	draftKind := schema.DraftKind(kind)
	if !draftKind.Valid() {
		return draftTarget{}, fmt.Errorf("%w: %q", schema.ErrInvalidDraftKind, kind)
	}
	cfg, err := appconfig.Load(cfgPath)
	if err != nil {
		return draftTarget{}, err
	}
	if baseURL != "" {
		cfg.Server.BaseURL = baseURL
	}
	api := client.New(cfg.Server.BaseURL, client.WithLogger(pslog.Ctx(cmd.Context())))
	return draftTarget{api: api, attemptID: attemptID, kind: draftKind}, nil
}

func printDraft(cmd *cobra.Command, record schema.Draft) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}

func newDraftGetCmd() *cobra.Command {
	var cfgPath, baseURL, kind string
	cmd := &cobra.Command{
		Use:   "get <attempt-id>",
		Short: "Print the server-side draft record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := resolveDraftTarget(cmd, cfgPath, baseURL, kind, args[0])
			if err != nil {
				return err
			}
			record, err := target.api.GetDraft(cmd.Context(), target.attemptID, target.kind)
			if err != nil {
				return err
			}
			return printDraft(cmd, record)
		},
	}
	addDraftFlags(cmd, &cfgPath, &baseURL, &kind)
	return cmd
}

func newDraftSetCmd() *cobra.Command {
	var cfgPath, baseURL, kind string
	var prompt, variant string
	var clearVariant bool
	cmd := &cobra.Command{
		Use:   "set <attempt-id>",
		Short: "Apply a partial draft update",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := resolveDraftTarget(cmd, cfgPath, baseURL, kind, args[0])
			if err != nil {
				return err
			}
			var req schema.UpdateDraftRequest
			if cmd.Flags().Changed("prompt") {
				req.Prompt = &prompt
			}
			if clearVariant {
				var none *string
				req.Variant = &none
			} else if cmd.Flags().Changed("variant") {
				v := &variant
				req.Variant = &v
			}
			if req.Empty() {
				return fmt.Errorf("%w: nothing to update", schema.ErrInvalidPayload)
			}
			record, err := target.api.UpdateDraft(cmd.Context(), target.attemptID, target.kind, req)
			if err != nil {
				return err
			}
			return printDraft(cmd, record)
		},
	}
	addDraftFlags(cmd, &cfgPath, &baseURL, &kind)
	cmd.Flags().StringVar(&prompt, "prompt", "", "replace the draft prompt")
	cmd.Flags().StringVar(&variant, "variant", "", "set the draft variant")
	cmd.Flags().BoolVar(&clearVariant, "clear-variant", false, "clear the draft variant")
	return cmd
}

func newDraftQueueCmd(queued bool) *cobra.Command {
	use, short := "queue <attempt-id>", "Queue the draft for execution"
	if !queued {
		use, short = "unqueue <attempt-id>", "Remove the draft from the queue"
	}
	var cfgPath, baseURL, kind string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := resolveDraftTarget(cmd, cfgPath, baseURL, kind, args[0])
			if err != nil {
				return err
			}
			expected := !queued
			resp, err := target.api.SetQueue(cmd.Context(), target.attemptID, target.kind, schema.SetQueueRequest{
				Queued:         queued,
				ExpectedQueued: &expected,
			})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "queued=%t version=%d\n", resp.Queued, resp.Version)
			return err
		},
	}
	addDraftFlags(cmd, &cfgPath, &baseURL, &kind)
	return cmd
}

func addDraftFlags(cmd *cobra.Command, cfgPath, baseURL, kind *string) {
	cmd.Flags().StringVarP(cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(baseURL, "server", "", "orchestrator base URL (overrides config)")
	cmd.Flags().StringVar(kind, "kind", string(schema.DraftFollowUp), "draft kind (follow_up or retry)")
}
