package approve

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

func NewApproveCommand() *cobra.Command {
	var quiet bool

	cmd := &cobra.Command{
		Use:   "approve <channel_id>",
		Short: "Approve every pending join request of a channel",
		Args:  cobra.ExactArgs(1),
		Example: `  channelrelay approve -1001234567890
  channelrelay approve @mychannel --quiet`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return approveCmd(cmd.Context(), args[0], quiet)
		},
	}

	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Only print the final report")

	return cmd
}

func approveCmd(ctx context.Context, channelID string, quiet bool) error {
	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
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

	approver := bulk.NewApprover(telegram, telegram, st, cfg.Approval.PageSize, cfg.Approval.Delay())
	rep, err := approver.ApproveAllPending(ctx, channelID, progressPrinter(quiet))
	if err != nil {
		return errors.New(commands.DescribeError(err))
	}

	fmt.Println(commands.FormatApprovalReport(rep))
	return nil
}

func progressPrinter(quiet bool) bulk.Progress {
	if quiet {
		return nil
	}
	return func(processed, total, approved int) {
		fmt.Printf("⏳ Processing %d/%d (approved: %d)\n", processed, total, approved)
	}
}
