package main

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"github.com/lazyplatypus/coord-substrate/pkg/hive"
	"github.com/lazyplatypus/coord-substrate/pkg/model"
)

func projectSlug(projectKey string) string {
	slug := projectKey
	if i := strings.LastIndexByte(slug, '/'); i >= 0 {
		slug = slug[i+1:]
	}
	slug = strings.ToLower(slug)
	if slug == "" {
		slug = "proj"
	}
	return slug
}

func (a *app) cmdCellCreate(args []string) int {
	flags := flag.NewFlagSet("cell-create", flag.ContinueOnError)
	description := flags.String("description", "", "cell description")
	issueType := flags.String("type", string(model.IssueTask), "bug|feature|task|epic|chore|message")
	priority := flags.Int("priority", 3, "priority (0=highest)")
	parentID := flags.String("parent", "", "parent cell ID")
	files := flags.String("files", "", "comma-separated file paths")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() < 1 {
		fmt.Println("usage: substrate cell-create <title> [--description D] [--type T] [--priority N] [--parent ID] [--files a,b]")
		return 1
	}

	cell, err := a.project.Hive.Create(context.Background(), projectSlug(a.projectKey), hive.CreateOptions{
		Title: flags.Arg(0), Description: *description, Type: model.IssueType(*issueType),
		Priority: *priority, ParentID: *parentID, Files: splitNonEmpty(*files),
	})
	if err != nil {
		return reportErr(err, *jsonOut)
	}

	if *jsonOut {
		printJSON(cell)
	} else {
		fmt.Printf("created %s %q\n", cell.ID, cell.Title)
	}
	return 0
}

func (a *app) cmdCellUpdate(args []string) int {
	flags := flag.NewFlagSet("cell-update", flag.ContinueOnError)
	title := flags.String("title", "", "new title")
	description := flags.String("description", "", "new description")
	priority := flags.Int("priority", -1, "new priority (-1 = unchanged)")
	assignee := flags.String("assignee", "", "new assignee")
	status := flags.String("status", "", "new status")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() < 1 {
		fmt.Println("usage: substrate cell-update <id> [--title T] [--description D] [--priority N] [--assignee A] [--status S]")
		return 1
	}

	o := hive.UpdateOptions{}
	if *title != "" {
		o.Title = title
	}
	if *description != "" {
		o.Description = description
	}
	if *priority >= 0 {
		o.Priority = priority
	}
	if *assignee != "" {
		o.Assignee = assignee
	}
	if *status != "" {
		s := model.CellStatus(*status)
		o.Status = &s
	}

	cell, err := a.project.Hive.Update(context.Background(), flags.Arg(0), o)
	if err != nil {
		return reportErr(err, *jsonOut)
	}

	if *jsonOut {
		printJSON(cell)
	} else {
		fmt.Printf("updated %s\n", cell.ID)
	}
	return 0
}

func (a *app) cmdCellClose(args []string) int {
	flags := flag.NewFlagSet("cell-close", flag.ContinueOnError)
	reason := flags.String("reason", "", "closing reason")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() < 1 {
		fmt.Println("usage: substrate cell-close <id> [--reason R]")
		return 1
	}
	cell, err := a.project.Hive.Close(context.Background(), flags.Arg(0), *reason)
	if err != nil {
		return reportErr(err, *jsonOut)
	}
	if *jsonOut {
		printJSON(cell)
	} else {
		fmt.Printf("closed %s\n", cell.ID)
	}
	return 0
}

func (a *app) cmdCellReopen(args []string) int {
	flags := flag.NewFlagSet("cell-reopen", flag.ContinueOnError)
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() < 1 {
		fmt.Println("usage: substrate cell-reopen <id>")
		return 1
	}
	cell, err := a.project.Hive.Reopen(context.Background(), flags.Arg(0))
	if err != nil {
		return reportErr(err, *jsonOut)
	}
	if *jsonOut {
		printJSON(cell)
	} else {
		fmt.Printf("reopened %s\n", cell.ID)
	}
	return 0
}

func (a *app) cmdCellDelete(args []string) int {
	flags := flag.NewFlagSet("cell-delete", flag.ContinueOnError)
	reason := flags.String("reason", "", "deletion reason")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() < 1 {
		fmt.Println("usage: substrate cell-delete <id> [--reason R]")
		return 1
	}
	if err := a.project.Hive.Delete(context.Background(), flags.Arg(0), *reason); err != nil {
		return reportErr(err, *jsonOut)
	}
	if *jsonOut {
		printJSON(map[string]interface{}{"deleted": flags.Arg(0)})
	} else {
		fmt.Printf("deleted %s\n", flags.Arg(0))
	}
	return 0
}

func (a *app) cmdCellGet(args []string) int {
	flags := flag.NewFlagSet("cell-get", flag.ContinueOnError)
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() < 1 {
		fmt.Println("usage: substrate cell-get <id>")
		return 1
	}
	cell, err := a.project.Hive.Get(context.Background(), flags.Arg(0))
	if err != nil {
		return reportErr(err, *jsonOut)
	}
	if *jsonOut {
		printJSON(cell)
	} else {
		fmt.Printf("%s [%s/%s] %q (priority=%d blocked=%v)\n",
			cell.ID, cell.Status, cell.IssueType, cell.Title, cell.Priority, cell.IsBlocked)
	}
	return 0
}

func (a *app) cmdCellQuery(args []string) int {
	flags := flag.NewFlagSet("cell-query", flag.ContinueOnError)
	status := flags.String("status", "", "filter by status")
	issueType := flags.String("type", "", "filter by issue type")
	parent := flags.String("parent", "", "filter by parent ID")
	limit := flags.Int("limit", 20, "max results")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	cells, err := a.project.Hive.Query(context.Background(), model.CellQuery{
		Status: model.CellStatus(*status), Type: model.IssueType(*issueType), ParentID: *parent, Limit: *limit,
	})
	if err != nil {
		return reportErr(err, *jsonOut)
	}
	return printCells(cells, *jsonOut)
}

func (a *app) cmdReady(args []string) int {
	flags := flag.NewFlagSet("ready", flag.ContinueOnError)
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	cells, err := a.project.Hive.Ready(context.Background(), func(files []string) bool {
		if len(files) == 0 {
			return false
		}
		conflicts, err := a.project.Mail.ConflictsFor(context.Background(), files)
		return err == nil && len(conflicts) > 0
	})
	if err != nil {
		return reportErr(err, *jsonOut)
	}
	return printCells(cells, *jsonOut)
}

func (a *app) cmdBlocked(args []string) int {
	flags := flag.NewFlagSet("blocked", flag.ContinueOnError)
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	blocked, err := a.project.Hive.Blocked(context.Background())
	if err != nil {
		return reportErr(err, *jsonOut)
	}
	if *jsonOut {
		printJSON(blocked)
	} else {
		for _, b := range blocked {
			var names []string
			for _, bl := range b.Blockers {
				names = append(names, bl.ID)
			}
			fmt.Printf("%s blocked by %s\n", b.Cell.ID, strings.Join(names, ","))
		}
	}
	return 0
}

func (a *app) cmdStale(args []string) int {
	flags := flag.NewFlagSet("stale", flag.ContinueOnError)
	days := flags.Int("days", 14, "days since update")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	cells, err := a.project.Hive.Stale(context.Background(), *days)
	if err != nil {
		return reportErr(err, *jsonOut)
	}
	return printCells(cells, *jsonOut)
}

func (a *app) cmdStatistics(args []string) int {
	flags := flag.NewFlagSet("statistics", flag.ContinueOnError)
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	stats, err := a.project.Hive.Statistics(context.Background())
	if err != nil {
		return reportErr(err, *jsonOut)
	}
	if *jsonOut {
		printJSON(stats)
	} else {
		fmt.Printf("total=%d avg_age_hr=%.1f max_blocker_depth=%d\n", stats.Total, stats.AverageAgeHr, stats.MaxBlockerDepth)
	}
	return 0
}

func printCells(cells []model.Cell, jsonOut bool) int {
	if jsonOut {
		printJSON(cells)
	} else {
		for _, c := range cells {
			fmt.Printf("%s [%s/%s] %q (priority=%d)\n", c.ID, c.Status, c.IssueType, c.Title, c.Priority)
		}
	}
	return 0
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
