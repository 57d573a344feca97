package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"nostr-publisher/internal/connect"
	"nostr-publisher/internal/nips"
	"nostr-publisher/internal/nostr"
	"nostr-publisher/internal/publish"
	"nostr-publisher/internal/relay"
	"nostr-publisher/internal/signer"
)

func publishCmd() *cobra.Command {
	var concurrency int

	cmd := &cobra.Command{
		Use:   "publish <batch-file>",
		Short: "Sign and publish every item of a batch not yet published",
		Long: `Items already checkpointed by an earlier run are skipped, so an interrupted
batch can be run again safely. Requires a session saved by "connect".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := interruptible(cmd.Context())
			defer cancel()

			items, err := publish.LoadItems(args[0])
			if err != nil {
				return err
			}

			rec, err := store.LoadSession(ctx)
			if err != nil {
				return fmt.Errorf("failed to load session: %w", err)
			}
			if rec == nil {
				return errors.New("no signer session; run `nostr-publisher connect` first")
			}
			session, err := connect.RestoreSession(rec, relayOptions()...)
			if err != nil {
				return err
			}
			defer session.Close()

			client := signer.NewClient(session, signer.ClientOptions{SignMethod: cfg.Signer.Method})
			defer client.Close()

			retries := cfg.Signer.Retries
			if retries == 0 {
				retries = -1
			}
			queue := signer.NewQueue(client, signer.Options{
				Delay:   cfg.Signer.Delay,
				Timeout: cfg.Signer.Timeout,
				Retries: retries,
				Backoff: cfg.Signer.Backoff,
				StopOn:  session.Done(),
			})
			defer queue.Close()

			pool := relay.NewPool(relayOptions()...)
			defer pool.Close()

			if concurrency == 0 {
				concurrency = cfg.Publish.Concurrency
			}
			pipeline, err := publish.NewPipeline(publish.Config{
				Queue:       queue,
				Publisher:   pool,
				Checkpoints: store,
				Relays:      cfg.Relays.Publish,
				Concurrency: concurrency,
			})
			if err != nil {
				return err
			}

			report, err := pipeline.Run(ctx, items)
			if err != nil {
				return err
			}
			printReport(report)

			if report.Errors > 0 {
				return fmt.Errorf("%d of %d items failed; run the batch again to retry them",
					report.Errors, len(report.Outcomes))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "parallel items (default from config)")
	return cmd
}

func printReport(r *publish.Report) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ITEM\tSTATE\tEVENT\tRELAYS\tERROR")
	for _, o := range r.Outcomes {
		errText := ""
		if o.Err != nil {
			errText = o.Err.Error()
		}
		event := nostr.ShortID(o.EventID)
		if o.State == publish.StateComplete {
			// Full note1 id so the event can be looked up on any client
			if note, err := nips.EncodeEventID(o.EventID); err == nil {
				event = note
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", o.ItemID, o.State, event, len(o.Accepted), errText)
	}
	w.Flush()

	fmt.Printf("\nbatch %s: %d complete, %d failed, %d skipped\n", r.BatchID, r.Complete, r.Errors, r.Skipped)
	slog.Debug("publish report", "batch_id", r.BatchID, "failed", r.Failed())
}
