// ChannelRelay - Telegram channel relay bot
// Mirrors posts from one source channel into many destination channels.
// License: MIT
//
// Copyright (c) 2026 ChannelRelay contributors

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/channelrelay/cmd/channelrelay/internal"
	"github.com/tinyland-inc/channelrelay/cmd/channelrelay/internal/approve"
	"github.com/tinyland-inc/channelrelay/cmd/channelrelay/internal/cleanup"
	"github.com/tinyland-inc/channelrelay/cmd/channelrelay/internal/gateway"
	"github.com/tinyland-inc/channelrelay/cmd/channelrelay/internal/version"
)

func NewChannelRelayCommand() *cobra.Command {
	short := fmt.Sprintf("%s channelrelay - Telegram channel relay bot v%s\n\n", internal.Logo, internal.GetVersion())

	cmd := &cobra.Command{
		Use:     "channelrelay",
		Short:   short,
		Example: "channelrelay gateway",
	}

	cmd.PersistentFlags().StringVarP(&internal.ConfigPath, "config", "c", "",
		"Config file path (default: ~/.channelrelay/config.json)")

	cmd.AddCommand(
		gateway.NewGatewayCommand(),
		approve.NewApproveCommand(),
		cleanup.NewCleanupCommand(),
		version.NewVersionCommand(),
	)

	return cmd
}

func main() {
	cmd := NewChannelRelayCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
