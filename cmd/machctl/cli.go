package main

import (
	"bufio"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// TODO: Inject version at build time.
const version = "0.1.0"

type cli struct {
	client *client
}

func newCLI() *cli {
	return &cli{}
}

func (c *cli) rootCmd() *cobra.Command {
	var (
		server string
		token  string
	)

	command := &cobra.Command{
		Use:          "machctl",
		Short:        "CLI for controlling a machinist agent",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			c.client = newClient(server, token)
		},
	}

	command.AddCommand(
		c.runCmd(),
		c.listCmd(),
		c.statusCmd(),
		c.outputCmd(),
		c.cancelCmd(),
		c.pauseCmd(),
		c.resumeCmd(),
		c.watchCmd(),
		c.streamCmd(),
		c.tunnelCmd(),
	)

	command.CompletionOptions.HiddenDefaultCmd = true

	command.PersistentFlags().StringVar(
		&server,
		"server",
		"http://localhost:8080",
		"Agent base URL",
	)

	command.PersistentFlags().StringVar(
		&token,
		"token",
		"",
		"Bearer token for the agent API",
	)

	return command
}

func (c *cli) runCmd() *cobra.Command {
	var params []string

	command := &cobra.Command{
		Use:     "run [flags] SCRIPT_REF",
		Short:   "Submit a script for execution",
		Example: "  machctl run restock.sh --param SHELF=a3 --param SPEED=slow",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paramMap, err := parseParams(params)
			if err != nil {
				return err
			}

			var resp struct {
				ID string `json:"id"`
			}

			if err := c.client.call(
				cmd.Context(),
				"POST", "/api/v1/executions",
				map[string]any{"script_ref": args[0], "params": paramMap},
				&resp,
			); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), resp.ID)

			return nil
		},
	}

	command.Flags().StringArrayVar(
		&params, "param", nil, "Script parameter as KEY=VALUE (repeatable)",
	)

	return command
}

func parseParams(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	params := make(map[string]string, len(raw))

	for _, p := range raw {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: %q", errMissingParam, p)
		}

		params[key] = value
	}

	return params, nil
}

// executionView mirrors the agent's execution representation.
type executionView struct {
	ID         string            `json:"id"`
	ScriptRef  string            `json:"script_ref"`
	Params     map[string]string `json:"params,omitempty"`
	Status     string            `json:"status"`
	PID        int               `json:"pid,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	ExitInfo   string            `json:"exit_info,omitempty"`
}

func (c *cli) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List retained executions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var views []executionView

			if err := c.client.call(
				cmd.Context(), "GET", "/api/v1/executions", nil, &views,
			); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)

			fmt.Fprintf(w, "ID\tSCRIPT\tSTATUS\tEXIT INFO\t\n")

			for _, v := range views {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t\n", v.ID, v.ScriptRef, v.Status, v.ExitInfo)
			}

			return w.Flush()
		},
	}
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "status [flags] EXECUTION_ID",
		Short:   "Query the status of an execution",
		Example: "  machctl status 9302033c-f8f7-4b6e-9363-a7aa201cce1b",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var view executionView

			if err := c.client.call(
				cmd.Context(), "GET", "/api/v1/executions/"+args[0], nil, &view,
			); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)

			fmt.Fprintf(w, "SCRIPT\tSTATUS\tPID\tEXIT INFO\tSTARTED\t\n")
			fmt.Fprintf(
				w,
				"%s\t%s\t%d\t%s\t%s\t\n",
				view.ScriptRef,
				view.Status,
				view.PID,
				view.ExitInfo,
				formatTime(view.StartedAt),
			)

			return w.Flush()
		},
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}

	return t.Local().Format(time.DateTime)
}

func (c *cli) outputCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "output [flags] EXECUTION_ID",
		Short:   "Print the recorded output of an execution",
		Example: "  machctl output 9302033c-f8f7-4b6e-9363-a7aa201cce1b",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output, err := c.client.raw(
				cmd.Context(), "/api/v1/executions/"+args[0]+"/output",
			)
			if err != nil {
				return err
			}

			cmd.OutOrStdout().Write(output)

			return nil
		},
	}
}

func (c *cli) cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "cancel [flags] EXECUTION_ID",
		Short:   "Cancel an execution",
		Example: "  machctl cancel 9302033c-f8f7-4b6e-9363-a7aa201cce1b",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.client.call(
				cmd.Context(),
				"POST", "/api/v1/executions/"+args[0]+"/cancel",
				nil, nil,
			)
		},
	}
}

func (c *cli) pauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause [flags] EXECUTION_ID",
		Short: "Pause a running execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.client.call(
				cmd.Context(),
				"POST", "/api/v1/executions/"+args[0]+"/pause",
				nil, nil,
			)
		},
	}
}

func (c *cli) resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume [flags] EXECUTION_ID",
		Short: "Resume a paused execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.client.call(
				cmd.Context(),
				"POST", "/api/v1/executions/"+args[0]+"/resume",
				nil, nil,
			)
		},
	}
}

// watchCmd tails the agent's status event feed, one event per line.
func (c *cli) watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow execution status transitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := c.client.stream(cmd.Context(), "/api/v1/events")
			if err != nil {
				return err
			}
			defer body.Close()

			scanner := bufio.NewScanner(body)

			for scanner.Scan() {
				line := scanner.Text()
				if data, ok := strings.CutPrefix(line, "data: "); ok {
					fmt.Fprintln(cmd.OutOrStdout(), data)
				}
			}

			return scanner.Err()
		},
	}
}

func (c *cli) streamCmd() *cobra.Command {
	command := &cobra.Command{
		Use:   "stream",
		Short: "Control the live screen stream",
	}

	var (
		fps     int
		quality int
	)

	start := &cobra.Command{
		Use:     "start",
		Short:   "Start the screen stream",
		Example: "  machctl stream start --fps 15 --quality 75",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]int{}

			if fps > 0 {
				body["fps"] = fps
			}

			if quality > 0 {
				body["quality"] = quality
			}

			return c.client.call(
				cmd.Context(), "POST", "/api/v1/stream/start", body, nil,
			)
		},
	}

	start.Flags().IntVar(&fps, "fps", 0, "Frames per second (agent default when omitted)")
	start.Flags().IntVar(&quality, "quality", 0, "JPEG quality (agent default when omitted)")

	stop := &cobra.Command{
		Use:   "stop",
		Short: "Stop the screen stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.client.call(
				cmd.Context(), "POST", "/api/v1/stream/stop", nil, nil,
			)
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the screen stream session state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var session struct {
				State           string `json:"state"`
				FPS             int    `json:"fps"`
				Quality         int    `json:"quality"`
				SubscriberCount int    `json:"subscriber_count"`
			}

			if err := c.client.call(
				cmd.Context(), "GET", "/api/v1/stream/status", nil, &session,
			); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)

			fmt.Fprintf(w, "STATE\tFPS\tQUALITY\tSUBSCRIBERS\t\n")
			fmt.Fprintf(
				w,
				"%s\t%d\t%d\t%d\t\n",
				session.State, session.FPS, session.Quality, session.SubscriberCount,
			)

			return w.Flush()
		},
	}

	command.AddCommand(start, stop, status)

	return command
}

func (c *cli) tunnelCmd() *cobra.Command {
	command := &cobra.Command{
		Use:   "tunnel",
		Short: "Control the agent's tunnel client",
	}

	start := &cobra.Command{
		Use:   "start",
		Short: "Start the tunnel client with the agent's configured settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.client.call(
				cmd.Context(), "POST", "/api/v1/tunnel/start", nil, nil,
			)
		},
	}

	stop := &cobra.Command{
		Use:   "stop",
		Short: "Stop the tunnel client",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.client.call(
				cmd.Context(), "POST", "/api/v1/tunnel/stop", nil, nil,
			)
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the tunnel state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var state struct {
				Active   bool   `json:"active"`
				Hostname string `json:"hostname"`
				Port     int    `json:"port"`
			}

			if err := c.client.call(
				cmd.Context(), "GET", "/api/v1/tunnel/status", nil, &state,
			); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)

			fmt.Fprintf(w, "ACTIVE\tHOSTNAME\tPORT\t\n")
			fmt.Fprintf(w, "%t\t%s\t%d\t\n", state.Active, state.Hostname, state.Port)

			return w.Flush()
		},
	}

	command.AddCommand(start, stop, status)

	return command
}
