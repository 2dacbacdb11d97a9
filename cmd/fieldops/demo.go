package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/fieldops/internal/app"
	"github.com/kimhsiao/fieldops/internal/backend"
	"github.com/kimhsiao/fieldops/internal/backend/backendtest"
	"github.com/kimhsiao/fieldops/internal/models"
	syncpkg "github.com/kimhsiao/fieldops/internal/sync"
)

func demoCmd() *cobra.Command {
	var keep bool

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Walk through an offline shift against an in-memory backend",
		Long: `demo opens a throwaway database, records a shift's worth of field
changes while the backend is unreachable, then reconnects and replays them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := os.MkdirTemp("", "fieldops-demo-")
			if err != nil {
				return err
			}
			if keep {
				fmt.Fprintf(cmd.OutOrStdout(), "database kept in %s\n", dir)
			} else {
				defer os.RemoveAll(dir)
			}
			return runDemo(cmd.Context(), cmd.OutOrStdout(), dir)
		},
	}

	cmd.Flags().BoolVar(&keep, "keep", false, "keep the demo database")
	return cmd
}

func runDemo(ctx context.Context, w io.Writer, dir string) error {
	demoCfg := *cfg
	demoCfg.DataDir = dir
	demoCfg.Connectivity.ProbeInterval = time.Hour
	demoCfg.Sync.SafetyNetInterval = -1

	fake := backendtest.New()
	fake.Seed(models.CollectionProjects, backend.Row{"id": "p-100", "company_id": "c-1", "name": "Harbor Tower", "job_number": "24-017"})
	fake.Seed(models.CollectionAreas,
		backend.Row{"id": "a-1", "project_id": "p-100", "name": "Level 1 deck", "group_name": "Tower", "sort_order": 1, "status": "working"},
		backend.Row{"id": "a-2", "project_id": "p-100", "name": "Level 2 deck", "group_name": "Tower", "sort_order": 2, "status": "not_started"},
	)

	a, err := app.Open(ctx, &demoCfg, app.WithRemote(app.Remote{
		Backend:    fake,
		Pinger:     fake,
		Subscriber: fake,
		Uploader:   fake,
	}))
	if err != nil {
		return err
	}
	defer a.Close()

	a.OnEvent(func(ev syncpkg.SyncEvent) {
		switch ev.Type {
		case syncpkg.EventSyncCompleted, syncpkg.EventSyncHalted, syncpkg.EventSyncActionFailed:
			fmt.Fprintf(w, "  %s %v\n", color.CyanString(ev.Type), ev.Data)
		}
	})

	step := func(s string) { fmt.Fprintln(w, color.New(color.Bold).Sprint(s)) }

	step("1. Online: warm the cache")
	areas, err := a.Client.GetAreas(ctx, "p-100")
	if err != nil {
		return err
	}
	for _, ar := range areas {
		fmt.Fprintf(w, "  %s  %s\n", ar.Name, ar.Status)
	}

	step("2. Signal lost: record the shift")
	fake.SetReachable(false)
	a.Monitor.Set(false)

	if _, err := a.Client.UpdateAreaStatus(ctx, "a-1", models.AreaStatusDone); err != nil {
		return err
	}
	if _, err := a.Client.SetAreaBlocker(ctx, "a-2", true, "Rebar inspection pending"); err != nil {
		return err
	}
	ticket, err := a.Client.CreateTMTicket(ctx, &models.TMTicket{
		ProjectID: "p-100",
		WorkDate:  time.Now().Format(time.DateOnly),
		Notes:     "Extra formwork at grid C4",
		Workers: []models.TMWorker{
			{Name: "R. Ortiz", Role: "Carpenter", Hours: 6},
			{Name: "D. Chen", Role: "Laborer", Hours: 6},
		},
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "  ticket saved locally as %s\n", ticket.ID)
	if _, err := a.Client.SendMessage(ctx, &models.Message{ProjectID: "p-100", SenderName: "Foreman", Body: "Pour moved to 7am"}); err != nil {
		return err
	}

	actions, err := a.Client.PendingActions(ctx)
	if err != nil {
		return err
	}
	printActions(w, actions)

	step("3. Signal back: replay")
	fake.SetReachable(true)
	a.Monitor.Set(true)
	result, err := a.Client.SyncNow(ctx)
	if err != nil {
		return err
	}
	a.Engine.Wait()
	n, err := a.Client.PendingCount(ctx)
	if err != nil {
		return err
	}
	printResult(w, result.Confirmed, result.Failed, result.Blocked, n, result.Halted)

	step("4. Backend now holds")
	for _, c := range []models.Collection{models.CollectionAreas, models.CollectionTMTickets, models.CollectionTMWorkers, models.CollectionMessages} {
		fmt.Fprintf(w, "  %-12s %d row(s)\n", c, len(fake.Rows(c)))
	}
	return nil
}
