package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-ble/internal/api"
	"github.com/nerrad567/gray-logic-ble/internal/auth"
	"github.com/nerrad567/gray-logic-ble/internal/device"
)

func newDevicesCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List discovered devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			devices, err := c.Devices(cmd.Context())
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no devices discovered; run blectl scan")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), deviceTable(devices, -1))

			stats, err := c.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d devices, %d connected\n",
				stats.TotalDevices, stats.ByState[device.StateConnected])
			return nil
		},
	}
}

func newScanCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Run one discovery window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			res, err := c.Scan(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scan finished in %s: %d accepted, %d ignored\n",
				res.Duration.Round(time.Millisecond), res.Accepted, res.Ignored)
			return nil
		},
	}
}

type bulkFunc func(*Client, context.Context) (api.BulkResponse, error)

func newBulkCmd(flags *globalFlags, use, short string, run bulkFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			res, err := run(c, cmd.Context())
			if err != nil {
				return err
			}
			printBulk(cmd.OutOrStdout(), res)
			if res.Failed > 0 {
				return fmt.Errorf("%s: %d of %d devices failed", use, res.Failed, len(res.Outcomes))
			}
			return nil
		},
	}
}

func printBulk(w io.Writer, res api.BulkResponse) {
	for _, o := range res.Outcomes {
		name := o.Name
		if name == "" {
			name = o.DeviceID
		}
		switch {
		case o.Error != "":
			fmt.Fprintf(w, "  FAIL  %s: %s\n", name, o.Error)
		case o.Skipped:
			fmt.Fprintf(w, "  skip  %s\n", name)
		default:
			fmt.Fprintf(w, "  ok    %s", name)
			if o.Mode != "" {
				fmt.Fprintf(w, " (%s, %d attempt(s))", o.Mode, o.Attempts)
			}
			fmt.Fprintln(w)
		}
	}
	fmt.Fprintf(w, "%s: %d succeeded, %d failed\n", res.Op, res.Succeeded, res.Failed)
}

func newToggleCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "toggle <device-id>",
		Short: "Connect a disconnected device or disconnect a connected one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			state, err := c.Toggle(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", args[0], state)
			return nil
		},
	}
}

func newTokenCmd() *cobra.Command {
	var (
		secret  string
		issuer  string
		subject string
		role    string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API bearer token",
		Long: `Mint an HS256 token signed with the service's JWT secret.

The secret defaults to GRAYLOGIC_JWT_SECRET, so on the appliance:
  export GRAYLOGIC_API_TOKEN=$(blectl token --role operator)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := auth.ParseRole(role)
			if err != nil {
				return err
			}
			tok, err := auth.GenerateToken(subject, r, secret, issuer, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	cmd.Flags().StringVar(&secret, "secret", os.Getenv("GRAYLOGIC_JWT_SECRET"), "HS256 signing secret")
	cmd.Flags().StringVar(&issuer, "issuer", envOr("GRAYLOGIC_JWT_ISSUER", "graylogic-ble"), "token issuer")
	cmd.Flags().StringVar(&subject, "subject", envOr("USER", "blectl"), "token subject")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleOperator), "role: viewer or operator")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle     = lipgloss.NewStyle().Padding(0, 1)
	selectedStyle = cellStyle.Reverse(true)
	borderStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	stateColours = map[device.ConnectionState]lipgloss.Color{
		device.StateConnected:     lipgloss.Color("42"),
		device.StateConnecting:    lipgloss.Color("214"),
		device.StateDisconnecting: lipgloss.Color("214"),
		device.StateDisconnected:  lipgloss.Color("245"),
	}
)

// deviceTable renders devices as a bordered table. Row selected is
// highlighted; pass -1 for none.
func deviceTable(devices []device.Device, selected int) string {
	rows := make([][]string, 0, len(devices))
	for _, d := range devices {
		rssi := ""
		if d.RSSI != 0 {
			rssi = strconv.Itoa(d.RSSI)
		}
		services := ""
		if d.Services > 0 {
			services = fmt.Sprintf("%d/%d", d.Services, d.Characteristics)
		}
		rows = append(rows, []string{d.Name, d.ID, string(d.State), rssi, services, d.LastError})
	}

	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		Headers("NAME", "ID", "STATE", "RSSI", "SVC/CHR", "LAST ERROR").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case row == selected:
				return selectedStyle
			case col == 2 && row >= 0 && row < len(devices):
				return cellStyle.Foreground(stateColours[devices[row].State])
			}
			return cellStyle
		}).
		String()
}
