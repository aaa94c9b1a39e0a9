package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/brandur/passdrop/internal/pdpasscode"
	"github.com/brandur/passdrop/internal/pdslot"
)

func main() {
	time.Local = time.UTC

	rootCmd := &cobra.Command{
		Use:   "passdrop",
		Short: "Passcode-addressed, self-expiring drop box for files and text",
		Long: strings.TrimSpace(`
Stores a single file or piece of text under a passcode of the uploader's
choosing. Anyone who knows the passcode can fetch the content until it expires,
after which it's deleted. Configuration is read from the environment and from a
.env file in the working directory if one exists.

Running with no arguments starts the server.
			`),
		Example: strings.TrimSpace(`
# start the server listening on $PORT
passdrop serve

# delete expired content once and exit
passdrop sweep

# suggest a random passcode
passdrop passcode --length 16
		`),
		Run: func(cmd *cobra.Command, args []string) {
			if err := runServe(cmd.Context()); err != nil {
				abortErr(err)
			}
		},
	}

	// passdrop passcode
	{
		var length int

		cmd := &cobra.Command{
			Use:   "passcode",
			Short: "Generate a random passcode",
			Long: strings.TrimSpace(`
Generates a random passcode that's easy to read aloud and type, grouped with
dashes. Any string works as a passcode, but a random one is much harder for
somebody else to guess.
			`),
			Run: func(cmd *cobra.Command, args []string) {
				if err := runPasscode(length); err != nil {
					abortErr(err)
				}
			},
		}
		cmd.Flags().IntVar(&length, "length", pdpasscode.DefaultLength, "number of characters, excluding dashes")
		rootCmd.AddCommand(cmd)
	}

	// passdrop serve
	{
		cmd := &cobra.Command{
			Use:   "serve",
			Short: "Start passdrop server",
			Long: strings.TrimSpace(fmt.Sprintf(`
Starts a passdrop server, binding to $PORT, or default to %d. Expired content
is swept in the background every $SWEEP_INTERVAL.
			`, defaultPort)),
			Run: func(cmd *cobra.Command, args []string) {
				if err := runServe(cmd.Context()); err != nil {
					abortErr(err)
				}
			},
		}
		rootCmd.AddCommand(cmd)
	}

	// passdrop sweep
	{
		cmd := &cobra.Command{
			Use:   "sweep",
			Short: "Delete all expired content once",
			Long: strings.TrimSpace(`
Enforces retention across every slot in the configured store one time, deleting
any content that's expired, then exits. Useful from cron for deployments that
don't run a long-lived server.
			`),
			Run: func(cmd *cobra.Command, args []string) {
				if err := runSweep(cmd.Context()); err != nil {
					abortErr(err)
				}
			},
		}
		rootCmd.AddCommand(cmd)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		abortErr(err)
	}
}

func abort(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}

func abortErr(err error) {
	abort("error: %v", err)
}

func runPasscode(length int) error {
	passcode, err := pdpasscode.Generate(length)
	if err != nil {
		return err //nolint:wrapcheck
	}

	fmt.Println(passcode)
	return nil
}

func runServe(ctx context.Context) error {
	config, err := parseConfig()
	if err != nil {
		return err
	}

	logger := newLogger(config)

	service, closeStore, err := newService(ctx, logger, config)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Errorf("Error closing store: %v", err)
		}
	}()

	denyList := NewMemoryDenyList(config.DeniedPasscodes...)
	server := NewServer(logger, service, denyList, config.Port, config.RequestTimeout)
	sweeper := pdslot.NewSweeper(logger, service, config.SweepInterval, config.SweepParallelism)

	logger.Infof("Using %s store with retention %v (%d denied passcode(s))",
		config.Store, config.Retention, denyList.Len())

	errGroup, ctx := errgroup.WithContext(ctx)

	errGroup.Go(func() error {
		return server.Start(ctx)
	})

	errGroup.Go(func() error {
		sweeper.SweepLoop(ctx)
		return nil
	})

	if err := errGroup.Wait(); err != nil {
		return xerrors.Errorf("error running server: %w", err)
	}

	logger.Infof("Server stopped")
	return nil
}

func runSweep(ctx context.Context) error {
	config, err := parseConfig()
	if err != nil {
		return err
	}

	logger := newLogger(config)

	service, closeStore, err := newService(ctx, logger, config)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Errorf("Error closing store: %v", err)
		}
	}()

	numSwept, err := pdslot.NewSweeper(logger, service, config.SweepInterval, config.SweepParallelism).Sweep(ctx)
	if err != nil {
		return err //nolint:wrapcheck
	}

	fmt.Printf("Swept %d expired slot(s)\n", numSwept)
	return nil
}
