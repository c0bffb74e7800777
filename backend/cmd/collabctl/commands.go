package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"collabcore/backend/internal/collab"
	"collabcore/backend/internal/ot"
	"collabcore/backend/internal/store"
)

var errVerifyFailed = errors.New("verification failed")

func init() {
	var upto int
	replayCmd := &cobra.Command{
		Use:   "replay DOC_ID",
		Short: "Print the content rebuilt from a document's history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			doc, err := st.GetDocument(ctx, args[0])
			if err != nil {
				return err
			}
			return runReplay(doc.Operations, upto, cmd.OutOrStdout())
		},
	}
	replayCmd.Flags().IntVar(&upto, "upto", 0, "Replay only the first N operations (0 = all)")
	rootCmd.AddCommand(replayCmd)

	verifyCmd := &cobra.Command{
		Use:   "verify DOC_ID...",
		Short: "Check that stored content equals the replay of the history",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			return runVerify(ctx, st, args, cmd.OutOrStdout())
		},
	}
	rootCmd.AddCommand(verifyCmd)

	locksCmd := &cobra.Command{
		Use:   "locks DOC_ID",
		Short: "List the unexpired locks of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			return runLocks(ctx, st, args[0], time.Now(), cmd.OutOrStdout())
		},
	}
	rootCmd.AddCommand(locksCmd)

	var limit int
	activitiesCmd := &cobra.Command{
		Use:   "activities DOC_ID",
		Short: "List recent collaboration activity, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			return runActivities(ctx, st, args[0], limit, cmd.OutOrStdout())
		},
	}
	activitiesCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of entries")
	rootCmd.AddCommand(activitiesCmd)

	var clientJSON, serverJSON string
	transformCmd := &cobra.Command{
		Use:   "transform",
		Short: "Transform two concurrent operations given as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransform(clientJSON, serverJSON, cmd.OutOrStdout())
		},
	}
	transformCmd.Flags().StringVar(&clientJSON, "client", "", "Client operation JSON (required)")
	transformCmd.Flags().StringVar(&serverJSON, "server", "", "Server operation JSON (required)")
	_ = transformCmd.MarkFlagRequired("client")
	_ = transformCmd.MarkFlagRequired("server")
	rootCmd.AddCommand(transformCmd)
}

func runReplay(ops []ot.Operation, upto int, w io.Writer) error {
	if upto > 0 && upto < len(ops) {
		ops = ops[:upto]
	}
	content, err := collab.Replay(ops)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(w, content)
	return nil
}

func runVerify(ctx context.Context, st store.DocumentRepo, ids []string, w io.Writer) error {
	failed := 0
	for _, id := range ids {
		doc, err := st.GetDocument(ctx, id)
		if err != nil {
			failed++
			_, _ = fmt.Fprintf(w, "%s\terror: %v\n", id, err)
			continue
		}
		if err := collab.Verify(doc); err != nil {
			failed++
			_, _ = fmt.Fprintf(w, "%s\tFAIL: %v\n", id, err)
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\tok (version %d, %d operations)\n", id, doc.Version, len(doc.Operations))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d documents: %w", failed, len(ids), errVerifyFailed)
	}
	return nil
}

func runLocks(ctx context.Context, st store.LockRepo, docID string, now time.Time, w io.Writer) error {
	locks, err := st.ActiveLocks(ctx, docID, now)
	if err != nil {
		return err
	}
	if len(locks) == 0 {
		_, _ = fmt.Fprintf(w, "no active locks on %s\n", docID)
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tTYPE\tSECTION\tOWNER\tEXPIRES IN\tREASON")
	for _, l := range locks {
		section := "-"
		if l.Section != nil {
			section = fmt.Sprintf("[%d,%d)", l.Section.Start, l.Section.End)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			l.ID, l.Type, section, l.UserID, l.ExpiresAt.Sub(now).Truncate(time.Second), l.Reason)
	}
	return tw.Flush()
}

func runActivities(ctx context.Context, st store.ActivityRepo, docID string, limit int, w io.Writer) error {
	acts, err := st.ListActivities(ctx, docID, limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tUSER\tACTION\tDETAILS")
	for _, a := range acts {
		details := ""
		if len(a.Details) > 0 {
			b, _ := json.Marshal(a.Details)
			details = string(b)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", a.Timestamp.Format(time.RFC3339), a.UserID, a.Action, details)
	}
	return tw.Flush()
}

func runTransform(clientJSON, serverJSON string, w io.Writer) error {
	var client, server ot.Operation
	if err := json.Unmarshal([]byte(clientJSON), &client); err != nil {
		return fmt.Errorf("decode client operation: %w", err)
	}
	if err := json.Unmarshal([]byte(serverJSON), &server); err != nil {
		return fmt.Errorf("decode server operation: %w", err)
	}
	if err := client.Validate(); err != nil {
		return fmt.Errorf("client operation: %w", err)
	}
	if err := server.Validate(); err != nil {
		return fmt.Errorf("server operation: %w", err)
	}
	res := ot.Transform(client, server)
	_, _ = fmt.Fprintf(w, "client after server: %s\n", res.Client)
	_, _ = fmt.Fprintf(w, "server after client: %s\n", res.Server)
	return nil
}
