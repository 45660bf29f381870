package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/kataras/tablewriter"
	"github.com/lensesio/tableprinter"
	"github.com/nbd-wtf/go-nostr"

	"github.com/eljojo/relaycache/types"
	"github.com/eljojo/relaycache/utilities/keyring"
)

type timelineRow struct {
	When    string `header:"when"`
	Author  string `header:"author"`
	Kind    int    `header:"kind"`
	Content string `header:"content"`
	Claimed string `header:"claimed"`
}

type loaderRow struct {
	Source    string `header:"source"`
	Direction string `header:"direction"`
	Cursor    string `header:"cursor"`
	State     string `header:"state"`
}

func printTimelineForever(app *app, refreshRate int) {
	for {
		printTimeline(app)
		time.Sleep(time.Duration(refreshRate) * time.Second)
	}
}

func printTimeline(app *app) {
	filter := app.base
	filter.Limit = app.rows
	events := app.store.Query(filter)

	rows := make([]timelineRow, 0, len(events))
	for _, ev := range events {
		claimed := ""
		if app.store.IsClaimed(types.EventID(ev.ID)) {
			claimed = "📌"
		}
		rows = append(rows, timelineRow{
			When:    humanize.Time(ev.CreatedAt.Time()),
			Author:  app.keys.DisplayName(types.Pubkey(ev.PubKey)),
			Kind:    ev.Kind,
			Content: oneLine(ev.Content, 60),
			Claimed: claimed,
		})
	}

	states := app.loader.States()
	loaders := make([]loaderRow, 0, len(states))
	for _, st := range states {
		state := "idle"
		switch {
		case st.Exhausted:
			state = "exhausted"
		case st.Loading:
			state = "loading"
		}
		loaders = append(loaders, loaderRow{
			Source:    st.Source,
			Direction: st.Direction,
			Cursor:    humanize.Time(st.Cursor.Time()),
			State:     state,
		})
	}

	stats := app.store.Stats()
	ingest := app.ingestor.Stats()
	fmt.Printf("\n📚 %s events cached, %s claimed, %s expiring, %s accepted, window %s\n",
		humanize.Comma(int64(stats.Events)), humanize.Comma(int64(stats.Claimed)),
		humanize.Comma(int64(stats.Expiring)), humanize.Comma(int64(ingest.Accepted)),
		app.loader.Window())

	printTable(loaders)
	printTable(rows)
}

func printTable(rows any) {
	printer := tableprinter.New(os.Stdout)

	// Optionally, customize the table, import of the underline 'tablewriter' package is required for that.
	printer.BorderTop, printer.BorderBottom, printer.BorderLeft, printer.BorderRight = true, true, true, true
	printer.CenterSeparator = "│"
	printer.ColumnSeparator = "│"
	printer.RowSeparator = "─"
	printer.HeaderBgColor = tablewriter.BgBlackColor
	printer.HeaderFgColor = tablewriter.FgGreenColor

	printer.Print(rows)
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > max {
		return string(r[:max-1]) + "…"
	}
	return s
}

// authorLabel is used in log lines, where the table is not around.
func authorLabel(keys *keyring.Keyring, ev *nostr.Event) string {
	return keys.DisplayName(types.Pubkey(ev.PubKey))
}
