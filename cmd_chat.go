package main

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/fabfab/policy-agent/tui"
)

func newChatCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Ask questions in an interactive terminal session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			svc, closeSvc := a.newService(ctx, 0)
			defer closeSvc()

			title := fmt.Sprintf("Policy Assistant (%s)", a.cfg.Index.Collection)
			p := tea.NewProgram(tui.New(ctx, svc, title), tea.WithAltScreen(), tea.WithContext(ctx))
			if _, err := p.Run(); err != nil {
				return fmt.Errorf("run chat ui: %w", err)
			}
			return nil
		},
	}
}
