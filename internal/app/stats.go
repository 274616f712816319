package app

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
)

// Stats prints registry statistics to the given writer.
func (a *App) Stats(ctx context.Context, out io.Writer) error {
	store, closeStore, err := a.openRegistry(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	stats, err := store.Statistics(ctx, a.Config.Export.TopLimit)
	if err != nil {
		return fmt.Errorf("load statistics: %w", err)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Users\t%d\n", stats.TotalUsers)
	fmt.Fprintf(w, "Users with subscriptions\t%d\n", stats.UsersWithSubscriptions)
	fmt.Fprintf(w, "Subscriptions\t%d\n", stats.TotalSubscriptions)
	fmt.Fprintf(w, "Unique assets\t%d\n", stats.UniqueAssets)
	if err := w.Flush(); err != nil {
		return err
	}

	if len(stats.TopAssets) == 0 {
		return nil
	}

	fmt.Fprintln(out, "\nTop assets:")
	w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "#\tTICKER\tNAME\tSUBSCRIBERS\n")
	for i, asset := range stats.TopAssets {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\n", i+1, asset.Ticker, asset.Name, asset.Subscribers)
	}
	return w.Flush()
}
