package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/gwillem/homecage/pkg/ledger"
	"github.com/gwillem/homecage/pkg/session"
)

type HistoryCommand struct {
	Tag   string `short:"t" long:"tag" description:"Only list sessions of this RFID tag"`
	Limit int    `short:"n" long:"limit" default:"20" description:"Number of sessions to list (0 for all)"`
}

func (c *HistoryCommand) Execute(args []string) error {
	cfg := loadConfig()

	store, err := ledger.Open(cfg.LedgerFile)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer store.Close()

	ctx := context.Background()
	records, err := store.Sessions(ctx, c.Tag, c.Limit)
	if err != nil {
		return err
	}

	if c.Tag != "" {
		totals, err := store.Counters(ctx, c.Tag)
		if err != nil {
			return err
		}
		fmt.Println(subHeaderStyle.Render(c.Tag))
		fmt.Printf("%d sessions, %d trials\n\n", totals.Sessions, totals.Trials)
	}

	if len(records) == 0 {
		fmt.Println(dimStyle.Render("No sessions recorded."))
		return nil
	}

	fmt.Println(renderHistory(records))
	return nil
}

func renderHistory(records []ledger.Record) string {
	tableHeaderStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Padding(0, 1)
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	faultStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Padding(0, 1)

	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, []string{
			r.Started.Format("2006-01-02 15:04:05"),
			r.Tag,
			strconv.Itoa(r.Cage),
			strconv.Itoa(r.Seq),
			r.Ended.Sub(r.Started).Round(time.Second).String(),
			strconv.Itoa(r.Trials),
			r.Reason,
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers("Started", "Tag", "Cage", "Seq", "Duration", "Trials", "Reason").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeaderStyle
			}
			if col == 6 && row >= 0 && row < len(records) && records[row].Reason == string(session.ReasonFault) {
				return faultStyle
			}
			return cellStyle
		})
	return t.Render()
}
