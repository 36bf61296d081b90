package main

import (
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"

	"marketpipe/pkg/types"
)

// ctlCmd issues control commands to a running pipeline through its status
// server's /control endpoint.
func ctlCmd() *cobra.Command {
	var addr string
	var mode string
	var reason string

	cmd := &cobra.Command{
		Use:       "ctl {pause|resume|status|set-mode|shutdown}",
		Short:     "Send a control command to a running pipeline",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"pause", "resume", "status", "set-mode", "shutdown"},
		RunE: func(cmd *cobra.Command, args []string) error {
			command := args[0]
			if command == "set-mode" {
				command = "set_mode"
				if mode == "" {
					return fmt.Errorf("set-mode requires --mode")
				}
			}

			client := resty.New().
				SetBaseURL(addr).
				SetTimeout(5 * time.Second)

			payload := types.ControlCommand{
				Command: command,
				Mode:    types.Mode(mode),
				Reason:  reason,
			}
			resp, err := client.R().
				SetHeader("Content-Type", "application/json").
				SetBody(payload).
				Post("/control")
			if err != nil {
				return fmt.Errorf("send command: %w", err)
			}
			if resp.IsError() {
				return fmt.Errorf("command rejected: status %d: %s", resp.StatusCode(), resp.String())
			}

			if command == "status" {
				status, err := client.R().Get("/status")
				if err != nil {
					return fmt.Errorf("fetch status: %w", err)
				}
				fmt.Println(status.String())
				return nil
			}
			fmt.Printf("%s accepted\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8085", "status server address")
	cmd.Flags().StringVar(&mode, "mode", "", "mode for set-mode: LIVE | PAPER | BACKTEST")
	cmd.Flags().StringVar(&reason, "reason", "", "optional command reason")
	return cmd
}
