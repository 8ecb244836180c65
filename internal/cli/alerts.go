package cli

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"pricewatch/internal/models"
	"pricewatch/internal/store"
	"pricewatch/pkg/utils"
)

func newAlertsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Manage price alerts in the record store",
		Long: `List, create and remove alerts directly in the record store.

A running server picks up the changes through change events (postgres)
or on its next periodic reload.`,
	}

	cmd.AddCommand(newAlertsListCmd(app))
	cmd.AddCommand(newAlertsAddCmd(app))
	cmd.AddCommand(newAlertsRmCmd(app))
	return cmd
}

func newAlertsListCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List alerts",
		Example: `  pricewatch alerts list
  pricewatch alerts list --user alice --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			user, _ := cmd.Flags().GetString("user")

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			s, err := store.Open(ctx, app.Config.Store, app.Logger)
			if err != nil {
				return err
			}
			defer s.Close()

			var alerts []models.Alert
			if user != "" {
				alerts, err = s.ListByOwner(ctx, user)
			} else {
				alerts, err = s.ListEnabled(ctx)
			}
			if err != nil {
				return err
			}

			if output.IsJSON() {
				if alerts == nil {
					alerts = []models.Alert{}
				}
				return output.JSON(alerts)
			}
			if len(alerts) == 0 {
				output.Dim("No alerts")
				return nil
			}
			renderAlerts(output, alerts, time.Now())
			return nil
		},
	}
	cmd.Flags().String("user", "", "only alerts of this owner, including disabled ones")
	return cmd
}

func renderAlerts(output *Output, alerts []models.Alert, now time.Time) {
	table := NewTable(output, "ID", "SYMBOL", "DIRECTION", "TARGET", "ENABLED", "LAST TRIGGERED", "OWNER")
	for _, a := range alerts {
		enabled := output.Green("yes")
		if !a.Enabled {
			enabled = output.DimText("no")
		}
		table.AddRow(
			ShortID(a.ID),
			a.Symbol,
			a.Direction.Label(),
			utils.FormatPrice(a.TargetPrice),
			enabled,
			FormatAge(a.LastTriggeredAt, now),
			a.UserID,
		)
	}
	table.Render()
}

func newAlertsAddCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add SYMBOL TARGET",
		Short: "Create an alert",
		Example: `  pricewatch alerts add BTC 70000 --user alice
  pricewatch alerts add AAPL 150 --direction below --user alice --notes "buy zone"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			target, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid target price %q: %w", args[1], err)
			}
			direction, _ := cmd.Flags().GetString("direction")
			user, _ := cmd.Flags().GetString("user")
			notes, _ := cmd.Flags().GetString("notes")
			disabled, _ := cmd.Flags().GetBool("disabled")

			alert := models.Alert{
				UserID:      user,
				Symbol:      args[0],
				TargetPrice: target,
				Direction:   models.Direction(direction),
				Enabled:     !disabled,
			}
			if notes != "" {
				alert.Notes = &notes
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			s, err := store.Open(ctx, app.Config.Store, app.Logger)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.Create(ctx, &alert); err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(alert)
			}
			output.Success("✓ Created alert %s: %s %s %s", alert.ID, alert.Symbol,
				alert.Direction.Label(), utils.FormatPrice(alert.TargetPrice))
			return nil
		},
	}
	cmd.Flags().String("direction", string(models.DirectionAbove), "above, below or either")
	cmd.Flags().String("user", "cli", "owner of the alert")
	cmd.Flags().String("notes", "", "free-form notes included in notifications")
	cmd.Flags().Bool("disabled", false, "create the alert disabled")
	return cmd
}

func newAlertsRmCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:     "rm ID",
		Aliases: []string{"remove", "delete"},
		Short:   "Delete an alert",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			s, err := store.Open(ctx, app.Config.Store, app.Logger)
			if err != nil {
				return err
			}
			defer s.Close()

			removed, err := s.Delete(ctx, args[0])
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(removed)
			}
			output.Success("✓ Deleted alert %s (%s)", removed.ID, removed.Symbol)
			return nil
		},
	}
}
