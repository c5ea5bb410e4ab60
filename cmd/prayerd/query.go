package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"prayerd/internal/app"
	"prayerd/internal/config"
	"prayerd/internal/model"
)

var timesDays int

var nextCmd = &cobra.Command{
	Use:   "next",
	Short: "Print the next prayer and the time remaining",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			next, err := a.Next(ctx)
			if err != nil {
				return err
			}
			loc := a.Request().Location
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s at %s (in %s)\n",
				next.Event, next.FiresAt.In(loc).Format("15:04"), next.Remaining.Round(time.Minute))
			return err
		})
	},
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Print the triggers a rebuild would register, without registering them",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			plan, err := a.Preview(ctx)
			if err != nil {
				return err
			}
			loc := a.Request().Location
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FIRES AT\tKIND\tEVENT\tID")
			for _, e := range plan.Entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.FireAt.In(loc).Format("2006-01-02 15:04"), e.Kind, e.Event, e.ID)
			}
			for _, d := range plan.Failed {
				fmt.Fprintf(tw, "-\tfailed\t-\t%s\n", d)
			}
			return tw.Flush()
		})
	},
}

var timesCmd = &cobra.Command{
	Use:   "times",
	Short: "Print prayer times for today and the following days",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if timesDays < 1 || timesDays > 60 {
			return fmt.Errorf("--days must be between 1 and 60")
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			res, err := a.Times(ctx, timesDays)
			if err != nil {
				return err
			}
			return printTimes(cmd.OutOrStdout(), res.Sets, a.Request().Location)
		})
	},
}

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Print the display summary as JSON",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(a.Summary(ctx))
		})
	},
}

func init() {
	timesCmd.Flags().IntVarP(&timesDays, "days", "d", 1, "Number of days to print")
}

// withApp runs fn against an App whose trigger backend is forced to memory,
// so query commands never touch real alarms or the published feed.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	overrides := config.Overrides{LogLevel: logLevel}
	cfg, err := loadConfig(overrides)
	if err != nil {
		return err
	}
	cfg.Triggers.Backend = config.BackendMemory

	ctx := cmd.Context()
	a, err := app.New(ctx, configPath, cfg, app.WithOverrides(overrides))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printTimes(w io.Writer, sets []model.DailyEventSet, loc *time.Location) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprint(tw, "DATE")
	for _, e := range model.AllEvents {
		fmt.Fprintf(tw, "\t%s", e)
	}
	fmt.Fprintln(tw)
	for _, set := range sets {
		fmt.Fprint(tw, set.Date)
		for i := range model.AllEvents {
			fmt.Fprintf(tw, "\t%s", set.Times[i].In(loc).Format("15:04"))
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}
