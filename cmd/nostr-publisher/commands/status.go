package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"nostr-publisher/internal/nips"
	"nostr-publisher/internal/nostr"
	"nostr-publisher/internal/publish"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [batch-file]",
		Short: "Show the saved session, any pending handshake and batch progress",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rec, err := store.LoadSession(ctx)
			if err != nil {
				return fmt.Errorf("failed to load session: %w", err)
			}
			if rec == nil {
				fmt.Println("session: none")
			} else {
				who := rec.UserPubKey
				if who == "" {
					who = rec.RemotePubKey
				}
				if npub, err := nips.EncodePubkey(who); err == nil {
					who = npub
				}
				fmt.Printf("session: %s via %d relays (since %s)\n",
					who, len(rec.Relays), time.Unix(rec.CreatedAt, 0).Format(time.RFC3339))
			}

			pending, err := store.LoadPending(ctx)
			if err != nil {
				return fmt.Errorf("failed to load pending handshake: %w", err)
			}
			if pending != nil {
				fmt.Printf("pending handshake: client %s started %s\n",
					nostr.ShortID(pending.LocalPubKey), time.Unix(pending.CreatedAt, 0).Format(time.RFC3339))
			}

			if len(args) == 0 {
				return nil
			}

			items, err := publish.LoadItems(args[0])
			if err != nil {
				return err
			}
			done := 0
			fmt.Println()
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ITEM\tKIND\tPUBLISHED")
			for _, it := range items {
				published, err := store.IsPublished(ctx, it.ItemID())
				if err != nil {
					return fmt.Errorf("failed to read checkpoint: %w", err)
				}
				if published {
					done++
				}
				kind := it.Kind
				if kind == "" {
					kind = publish.KindNote
				}
				fmt.Fprintf(w, "%s\t%s\t%t\n", it.ItemID(), kind, published)
			}
			w.Flush()
			fmt.Printf("\n%d of %d items published\n", done, len(items))
			return nil
		},
	}
}
