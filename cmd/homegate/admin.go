package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/joestump/homegate/internal/access"
	"github.com/joestump/homegate/internal/config"
)

func classifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify <command>",
		Short: "Show how a shell command would be classified",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			policy, err := access.Load(cfg.SandboxPaths, cfg.PolicyFile)
			if err != nil {
				return err
			}
			line := strings.Join(args, " ")
			class := policy.ClassifyCommand(line)
			paint := map[access.Classification]*color.Color{
				access.Safe:        color.New(color.FgGreen),
				access.Moderate:    color.New(color.FgYellow),
				access.Destructive: color.New(color.FgRed),
				access.Blocked:     color.New(color.FgRed, color.Bold),
			}[class]
			fmt.Printf("%s  %s\n", paint.Sprint(strings.ToUpper(class.String())), line)
			return nil
		},
	}
}

func devicesCmd() *cobra.Command {
	devices := &cobra.Command{
		Use:   "devices",
		Short: "List paired devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := openDB(config.Load())
			if err != nil {
				return err
			}
			defer database.Close() //nolint:errcheck

			list, err := database.ListDevices()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tADDR\tPAIRED\tLAST SEEN\tSTATUS")
			for _, d := range list {
				seen := "-"
				if d.LastSeenAt != nil {
					seen = *d.LastSeenAt
				}
				status := color.GreenString("active")
				if d.Revoked {
					status = color.RedString("revoked")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", d.ID, d.Name, d.ClientAddr, d.CreatedAt, seen, status)
			}
			return w.Flush()
		},
	}
	devices.AddCommand(&cobra.Command{
		Use:   "revoke <device-id>",
		Short: "Revoke a paired device's token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := openDB(config.Load())
			if err != nil {
				return err
			}
			defer database.Close() //nolint:errcheck

			if err := database.RevokeDevice(args[0]); err != nil {
				return err
			}
			fmt.Printf("revoked %s\n", args[0])
			return nil
		},
	})
	return devices
}

func auditCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent access decisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := openDB(config.Load())
			if err != nil {
				return err
			}
			defer database.Close() //nolint:errcheck

			entries, err := database.ListAuditEntries(limit, 0)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tCLIENT\tREQUEST\tREQUIRED\tRESULT\tDETAIL")
			for _, e := range entries {
				result := color.GreenString("granted")
				if !e.Granted {
					result = color.RedString("denied")
				}
				fmt.Fprintf(w, "%s\t%s\t%s %s\t%s\t%s\t%s\n", e.Timestamp, e.ClientAddr, e.Method, e.Path, e.Required, result, e.Detail)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "entries to show")
	return cmd
}
