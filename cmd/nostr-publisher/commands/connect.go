package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"nostr-publisher/internal/connect"
	"nostr-publisher/internal/nips"
	"nostr-publisher/internal/signer"
)

func newBroker() *connect.Broker {
	return connect.NewBroker(connect.Config{
		Relays:          cfg.Relays.Connect,
		AppName:         cfg.Handshake.AppName,
		Perms:           cfg.Handshake.Perms,
		Callback:        cfg.Handshake.Callback,
		LiveTimeout:     cfg.Handshake.LiveTimeout,
		RecoveryTimeout: cfg.Handshake.RecoveryTimeout,
		LookBack:        cfg.Handshake.LookBack,
		Store:           store,
		RelayOptions:    relayOptions(),
	})
}

// interruptible returns a context cancelled by Ctrl-C or SIGTERM
func interruptible(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func printURI(uri *connect.URI, qr bool) {
	if qr && term.IsTerminal(int(os.Stdout.Fd())) {
		code, err := connect.QRCodeTerminal(uri.QRString())
		if err != nil {
			slog.Warn("failed to render QR code", "error", err)
		} else {
			fmt.Println(code)
		}
	}
	fmt.Println("Scan the QR code or paste this into your signer app:")
	fmt.Println()
	fmt.Println("  " + uri.QRString())
	fmt.Println()
	if uri.Callback != "" {
		fmt.Println("Deep link: " + uri.DeepLink())
	}
}

func expectedKey(raw string) (string, error) {
	if raw == "" {
		return "", nil
	}
	return nips.DecodePubkey(raw)
}

func connectCmd() *cobra.Command {
	var (
		resume  bool
		bunker  string
		expect  string
		timeout time.Duration
		noQR    bool
	)

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Pair with a remote signer and save the session",
		Long: `Starts a nostrconnect:// handshake and waits for the signer to acknowledge it.
With --resume, picks up a handshake started by an earlier run (for example after
a crash or after "uri"). With --bunker, connects to a signer-issued bunker:// URL.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := interruptible(cmd.Context())
			defer cancel()

			expected, err := expectedKey(expect)
			if err != nil {
				return fmt.Errorf("invalid --expect key: %w", err)
			}

			var session *connect.Session
			if bunker != "" {
				session, err = connectBunker(ctx, bunker)
			} else {
				session, err = handshake(ctx, resume, expected, timeout, !noQR)
			}
			if err != nil {
				return err
			}
			defer session.Close()

			client := signer.NewClient(session, signer.ClientOptions{SignMethod: cfg.Signer.Method})
			defer client.Close()

			lookup, cancelLookup := context.WithTimeout(ctx, cfg.Signer.Timeout)
			defer cancelLookup()
			if _, err := client.GetPublicKey(lookup); err != nil {
				slog.Warn("signer did not report the user key", "error", err)
			}

			if err := store.SaveSession(ctx, session.Record()); err != nil {
				return fmt.Errorf("connected, but failed to save session: %w", err)
			}

			user := session.UserPubKey()
			if user == "" {
				user = session.RemotePubKey()
			}
			npub, err := nips.EncodePubkey(user)
			if err != nil {
				npub = user
			}
			fmt.Printf("status: %s\nuser: %s\n", connect.StatusConnected, npub)
			return nil
		},
	}

	cmd.Flags().BoolVar(&resume, "resume", false, "resume the pending handshake instead of starting a new one")
	cmd.Flags().StringVar(&bunker, "bunker", "", "bunker:// URL issued by the signer")
	cmd.Flags().StringVar(&expect, "expect", "", "only accept this signer (npub or hex)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "how long to wait (default from config)")
	cmd.Flags().BoolVar(&noQR, "no-qr", false, "do not draw a QR code")
	cmd.MarkFlagsMutuallyExclusive("resume", "bunker")
	return cmd
}

func handshake(ctx context.Context, resume bool, expected string, timeout time.Duration, qr bool) (*connect.Session, error) {
	broker := newBroker()
	defer broker.Close()

	opts := connect.AwaitOptions{Timeout: timeout, ExpectedPubKey: expected}

	var session *connect.Session
	var err error
	if resume {
		fmt.Println("Resuming pending handshake...")
		session, err = broker.Resume(ctx, opts)
	} else {
		var p *connect.Pending
		p, err = broker.Begin(ctx, connect.BeginOptions{ExpectedPubKey: expected})
		if err != nil {
			return nil, err
		}
		printURI(p.URI, qr)
		fmt.Println("Waiting for the signer...")
		session, err = broker.Await(ctx, p, opts)
	}
	if err != nil {
		fmt.Printf("status: %s\n", connect.Describe(err))
		if connect.Describe(err) == connect.StatusTimeout {
			fmt.Println("The handshake is saved; run `nostr-publisher connect --resume` to keep waiting.")
		}
		return nil, err
	}
	return session, nil
}

func connectBunker(ctx context.Context, raw string) (*connect.Session, error) {
	b, err := connect.ParseBunkerURI(raw)
	if err != nil {
		return nil, err
	}
	session, err := connect.NewBunkerSession(b, relayOptions()...)
	if err != nil {
		return nil, err
	}

	client := signer.NewClient(session, signer.ClientOptions{SignMethod: cfg.Signer.Method})
	defer client.Close()

	callCtx, cancel := context.WithTimeout(ctx, cfg.Handshake.LiveTimeout)
	defer cancel()
	if err := client.Connect(callCtx, b.Secret); err != nil {
		session.Close()
		return nil, fmt.Errorf("bunker connect failed: %w", err)
	}
	return session, nil
}

func uriCmd() *cobra.Command {
	var (
		expect string
		qr     bool
	)

	cmd := &cobra.Command{
		Use:   "uri",
		Short: "Start a handshake, print its nostrconnect:// URI and exit",
		Long: `Saves a pending handshake and prints the URI. Approve it in the signer, then run
"nostr-publisher connect --resume" to collect the acknowledgement.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			expected, err := expectedKey(expect)
			if err != nil {
				return fmt.Errorf("invalid --expect key: %w", err)
			}

			broker := newBroker()
			defer broker.Close()

			p, err := broker.Begin(cmd.Context(), connect.BeginOptions{ExpectedPubKey: expected})
			if err != nil {
				return err
			}
			printURI(p.URI, qr)
			return nil
		},
	}
	cmd.Flags().StringVar(&expect, "expect", "", "only accept this signer (npub or hex)")
	cmd.Flags().BoolVar(&qr, "qr", false, "also draw a QR code")
	return cmd
}
