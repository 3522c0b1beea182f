package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/fleetbus/internal/deadletter"
	"github.com/nerrad567/fleetbus/internal/stream"
)

// reasonWidth truncates reasons in list output.
const reasonWidth = 60

func newDeadLettersCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deadletters",
		Aliases: []string{"dlq"},
		Short:   "Inspect the dead-letter archive",
	}

	var (
		filter   deadletter.Filter
		streamID string
		since    time.Duration
		asJSON   bool
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List archived dead letters, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if streamID != "" {
				t, err := stream.ParseType(streamID)
				if err != nil {
					return err
				}
				filter.Stream = t
			}
			if filter.Category != "" && !slices.Contains(stream.Categories(), filter.Category) {
				return fmt.Errorf("unknown category %q", filter.Category)
			}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}
			return withArchive(cmd.Context(), a, func(repo deadletter.Repository) error {
				return listDeadLetters(cmd.Context(), repo, cmd.OutOrStdout(), filter, asJSON)
			})
		},
	}
	list.Flags().StringVar(&streamID, "stream", "", "only this stream type, e.g. realtime.location")
	list.Flags().StringVar(&filter.Category, "category", "", "only this category (control, realtime or report)")
	list.Flags().StringVar(&filter.EntityID, "entity", "", "only this vehicle")
	list.Flags().DurationVar(&since, "since", 0, "only records that failed within this window, e.g. 24h")
	list.Flags().IntVar(&filter.Limit, "limit", 0, "page size (default 50, max 500)")
	list.Flags().IntVar(&filter.Offset, "offset", 0, "records to skip")
	list.Flags().BoolVar(&asJSON, "json", false, "print the page as JSON")

	var showJSON bool
	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one archived dead letter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArchive(cmd.Context(), a, func(repo deadletter.Repository) error {
				return showDeadLetter(cmd.Context(), repo, cmd.OutOrStdout(), args[0], showJSON)
			})
		},
	}
	show.Flags().BoolVar(&showJSON, "json", false, "print the record as JSON")

	cmd.AddCommand(list, show)
	return cmd
}

// withArchive opens the archive database for the duration of fn.
func withArchive(ctx context.Context, a *app, fn func(repo deadletter.Repository) error) error {
	db, err := openDatabase(ctx, a.cfg, a.log)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			a.log.Error("error closing database", "error", closeErr)
		}
	}()
	return fn(deadletter.NewSQLiteRepository(db.DB))
}

func listDeadLetters(ctx context.Context, repo deadletter.Repository, out io.Writer, filter deadletter.Filter, asJSON bool) error {
	page, err := repo.List(ctx, filter)
	if err != nil {
		return err
	}
	if asJSON {
		return writeJSON(out, page)
	}

	if len(page.Records) == 0 {
		fmt.Fprintln(out, "no dead letters")
		return nil
	}

	t := newTable("ID", "FAILED AT", "STREAM", "ENTITY", "ATTEMPTS", "REASON")
	for _, rec := range page.Records {
		t.addRow(
			rec.ID,
			rec.FailedAt.Local().Format(time.DateTime),
			string(rec.Stream),
			rec.EntityID,
			strconv.Itoa(rec.Attempts),
			truncate(rec.Reason, reasonWidth),
		)
	}
	t.render(out)

	fmt.Fprintf(out, "\n%s\n", colorFaint(fmt.Sprintf("showing %d-%d of %d",
		page.Offset+1, page.Offset+len(page.Records), page.Total)))
	return nil
}

func showDeadLetter(ctx context.Context, repo deadletter.Repository, out io.Writer, id string, asJSON bool) error {
	rec, err := repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if asJSON {
		return writeJSON(out, rec)
	}

	keyValue(out, "id", rec.ID)
	keyValue(out, "stream", string(rec.Stream))
	keyValue(out, "entity", rec.EntityID)
	keyValue(out, "attempts", strconv.Itoa(rec.Attempts))
	keyValue(out, "reason", colorError(rec.Reason))
	keyValue(out, "failed at", rec.FailedAt.Local().Format(time.RFC3339))
	keyValue(out, "source queue", rec.SourceQueue)
	keyValue(out, "routing key", rec.Key)

	switch {
	case rec.Envelope != nil:
		keyValue(out, "message id", rec.Envelope.ID)
		keyValue(out, "published at", rec.Envelope.Timestamp.Local().Format(time.RFC3339))
		payload, err := json.MarshalIndent(rec.Envelope.Payload, "  ", "  ")
		if err != nil {
			return fmt.Errorf("formatting payload: %w", err)
		}
		fmt.Fprintf(out, "\n  %s\n  %s\n", colorBold("payload"), payload)
	case len(rec.Raw) > 0:
		fmt.Fprintf(out, "\n  %s\n  %s\n", colorBold("raw body"), strconv.Quote(string(rec.Raw)))
	}
	return nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
