package main

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/elee1766/immutability/pkg/journal"
	"github.com/jedib0t/go-pretty/v6/table"
)

func renderStatus(w io.Writer, reports []Report, now time.Time) {
	if len(reports) == 0 {
		fmt.Fprintln(w, "No managed subvolumes found")
		return
	}

	for i, r := range reports {
		if i > 0 {
			fmt.Fprintln(w)
		}

		t := table.NewWriter()
		t.SetOutputMirror(w)
		t.SetStyle(table.StyleRounded)
		t.SetTitle(fmt.Sprintf("%s (%s)", r.Name, r.State))
		t.AppendHeader(table.Row{"Generation", "Present", "RO", "Ready", "Gen", "Created", "UUID"})

		for _, g := range r.Generations {
			row := table.Row{g.Name, yesNo(g.Present), "", "", "", "", ""}
			if g.Name == "CURRENT" && g.Present {
				row[3] = yesNo(g.Ready)
			}
			if g.Info != nil {
				if g.Info.IsReadonly {
					row[2] = "ro"
				}
				row[4] = g.Info.Gen
				if !g.Info.CreatedAt.IsZero() {
					row[5] = humanize.RelTime(g.Info.CreatedAt, now, "ago", "from now")
				}
				row[6] = g.Info.UUID
			}
			t.AppendRow(row)
		}
		t.Render()

		if len(r.History) > 0 {
			renderHistory(w, r.History, now)
		}
	}
}

func renderHistory(w io.Writer, entries []*journal.Entry, now time.Time) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Started", "Mode", "Status", "Took", "Error"})

	for _, e := range entries {
		took := ""
		if !e.FinishedAt.IsZero() {
			took = e.FinishedAt.Sub(e.StartedAt).String()
		}
		t.AppendRow(table.Row{
			humanize.RelTime(e.StartedAt, now, "ago", "from now"),
			e.Mode,
			string(e.Status),
			took,
			e.Error,
		})
	}
	t.Render()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
