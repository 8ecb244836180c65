package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"pricewatch/internal/cache"
	"pricewatch/internal/models"
	"pricewatch/internal/monitor"
	"pricewatch/pkg/utils"
)

func newStatusCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			base := statusServer(cmd, app)

			st, err := fetchStatus(cmd.Context(), base)
			if err != nil {
				output.Error("Server at %s is not reachable: %v", base, err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(st)
			}
			renderStatus(output, st, time.Now())
			return nil
		},
	}
	cmd.Flags().String("server", "", "server base URL (default: from server.addr)")
	return cmd
}

func newPriceCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "price SYMBOL",
		Short: "Show the latest known price of a watched symbol",
		Long: `Show the latest price of a symbol. The Redis mirror is read when it is
enabled; otherwise the running server is asked.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			symbol := models.CanonicalSymbol(args[0])

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			sample, err := latestPrice(ctx, cmd, app, symbol)
			if err != nil {
				return err
			}
			if sample == nil {
				output.Warning("No price for %s (is it watched by an alert?)", symbol)
				return nil
			}
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{"symbol": symbol, "sample": sample})
			}
			renderPrice(output, symbol, sample, time.Now())
			return nil
		},
	}
	cmd.Flags().String("server", "", "server base URL (default: from server.addr)")
	return cmd
}

func latestPrice(ctx context.Context, cmd *cobra.Command, app *App, symbol string) (*models.PriceSample, error) {
	if app.Config.Redis.Enabled {
		mirror, err := cache.NewRedisMirror(ctx, app.Config.Redis, app.Logger)
		if err != nil {
			return nil, err
		}
		defer mirror.Close()
		return mirror.Latest(ctx, symbol)
	}

	st, err := fetchStatus(ctx, statusServer(cmd, app))
	if err != nil {
		return nil, err
	}
	sample, ok := st.Prices[symbol]
	if !ok {
		return nil, nil
	}
	return &sample, nil
}

func statusServer(cmd *cobra.Command, app *App) string {
	if s, _ := cmd.Flags().GetString("server"); s != "" {
		return serverURL(s)
	}
	return serverURL(app.Config.Server.Addr)
}

func fetchStatus(ctx context.Context, base string) (*monitor.Status, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var st monitor.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("decoding status: %w", err)
	}
	return &st, nil
}

func renderStatus(output *Output, st *monitor.Status, now time.Time) {
	running := output.Red("stopped")
	if st.Running {
		running = output.Green("running")
	}
	output.Bold("Monitor")
	output.Printf("  State:     %s\n", running)
	output.Printf("  Feed:      %s\n", formatFeedState(output, st.FeedState))
	output.Printf("  Alerts:    %d on %d symbols\n", st.AlertCount, len(st.Symbols))
	output.Printf("  Ticks:     %d processed, %d triggers\n", st.Stats.TicksProcessed, st.Stats.Triggers)
	output.Println()

	if len(st.Prices) == 0 {
		output.Dim("No prices received yet")
		return
	}

	symbols := make([]string, 0, len(st.Prices))
	for symbol := range st.Prices {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	table := NewTable(output, "SYMBOL", "PRICE", "CHANGE", "UPDATED")
	for _, symbol := range symbols {
		sample := st.Prices[symbol]
		change := "-"
		if c := sample.Change(); c != nil {
			change = output.SignedColor(*c, utils.FormatSignedChange(*c))
		}
		table.AddRow(symbol, utils.FormatPrice(sample.Price), change, FormatAge(&sample.UpdatedAt, now))
	}
	table.Render()
}

func renderPrice(output *Output, symbol string, sample *models.PriceSample, now time.Time) {
	output.Printf("%s  %s", symbol, utils.FormatPrice(sample.Price))
	if change := sample.Change(); change != nil {
		output.Printf("  %s", output.SignedColor(*change, utils.FormatSignedChange(*change)))
	}
	output.Println()
	output.Dim("Last trade %s UTC, updated %s", FormatDateTime(sample.Timestamp), FormatAge(&sample.UpdatedAt, now))
}
