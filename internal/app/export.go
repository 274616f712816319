package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	chart "github.com/wcharczuk/go-chart/v2"

	"github.com/maxphoton/PiggyBank/internal/registry"
)

// ExportOptions hold parameters for exporting registry data.
type ExportOptions struct {
	Dir    string
	Tables []string
	// ChartPath, when set, renders the top-subscribed assets as a PNG bar chart.
	ChartPath string
}

var defaultExportTables = []string{"users", "user_subscriptions"}

// Export dumps registry tables as CSV files and optionally renders the
// subscription ranking chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.Dir == "" {
		opts.Dir = a.Config.Export.Dir
	}
	if len(opts.Tables) == 0 {
		opts.Tables = defaultExportTables
	}

	store, closeStore, err := a.openRegistry(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}

	for _, table := range opts.Tables {
		path := filepath.Join(opts.Dir, table+".csv")
		if err := a.exportTable(ctx, store, table, path); err != nil {
			return err
		}
	}

	if opts.ChartPath != "" {
		stats, err := store.Statistics(ctx, a.Config.Export.TopLimit)
		if err != nil {
			return fmt.Errorf("load statistics: %w", err)
		}
		if err := writeTopAssetsPNG(opts.ChartPath, stats.TopAssets); err != nil {
			return err
		}
		a.Logger.Info().Str("path", opts.ChartPath).Int("assets", len(stats.TopAssets)).Msg("chart rendered")
	}

	return nil
}

func (a *App) exportTable(ctx context.Context, store *registry.Store, table, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer file.Close()

	rows, err := store.ExportTableCSV(ctx, table, file)
	if err != nil {
		return fmt.Errorf("export %s: %w", table, err)
	}

	a.Logger.Info().Str("table", table).Str("path", path).Int("rows", rows).Msg("table exported")
	return nil
}

func writeTopAssetsPNG(path string, top []registry.TopAsset) error {
	if len(top) == 0 {
		return errors.New("no subscriptions to chart")
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	bars := make([]chart.Value, 0, len(top))
	for _, asset := range top {
		bars = append(bars, chart.Value{
			Label: asset.Ticker,
			Value: float64(asset.Subscribers),
		})
	}

	graph := chart.BarChart{
		Title:    "Subscribers per asset",
		Width:    1280,
		Height:   720,
		BarWidth: 60,
		YAxis: chart.YAxis{
			ValueFormatter: chart.IntValueFormatter,
		},
		Bars: bars,
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}
