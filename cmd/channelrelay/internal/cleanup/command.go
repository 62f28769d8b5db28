package cleanup

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/channelrelay/cmd/channelrelay/internal"
	"github.com/tinyland-inc/channelrelay/pkg/bulk"
	"github.com/tinyland-inc/channelrelay/pkg/channels"
	"github.com/tinyland-inc/channelrelay/pkg/commands"
)

type options struct {
	Days       int
	LedgerDays int
	LedgerOnly bool
}

func NewCleanupCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete relayed copies older than a number of days",
		Args:  cobra.NoArgs,
		Example: `  channelrelay cleanup --days 30
  channelrelay cleanup --days 30 --ledger-days 7
  channelrelay cleanup --ledger-only --ledger-days 7`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			return cleanupCmd(cmd.Context(), opts)
		},
	}

	cmd.Flags().IntVar(&opts.Days, "days", 0,
		"Delete copies older than this many days")
	cmd.Flags().IntVar(&opts.LedgerDays, "ledger-days", -1,
		"Prune delivery records older than this many days (default: retention.ledger_days)")
	cmd.Flags().BoolVar(&opts.LedgerOnly, "ledger-only", false,
		"Only prune delivery records, keep every copy")

	return cmd
}

func (o options) validate() error {
	if o.LedgerOnly {
		if o.Days != 0 {
			return errors.New("--days cannot be combined with --ledger-only")
		}
		return nil
	}
	if o.Days <= 0 {
		return errors.New("--days must be a positive number")
	}
	return nil
}

func cleanupCmd(ctx context.Context, opts options) error {
	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if opts.LedgerDays < 0 {
		opts.LedgerDays = cfg.Retention.LedgerDays
	}

	st, err := internal.OpenStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer st.Close(context.Background())

	telegram, err := channels.NewTelegramChannel(cfg.Telegram, nil)
	if err != nil {
		return err
	}
	cleaner := bulk.NewCleaner(st, st, telegram, cfg.Relay.SendDelay())

	if opts.LedgerOnly {
		if opts.LedgerDays <= 0 {
			return errors.New("--ledger-days must be positive with --ledger-only")
		}
		n, err := cleaner.PruneLedger(ctx, opts.LedgerDays)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Pruned %d delivery records older than %d days\n", n, opts.LedgerDays)
		return nil
	}

	rep, err := cleaner.CleanupOld(ctx, opts.Days, opts.LedgerDays)
	if err != nil {
		return errors.New(commands.DescribeError(err))
	}
	fmt.Println(commands.FormatCleanupReport(opts.Days, rep))
	return nil
}
