package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"

	"github.com/YuminosukeSato/flowfid/fid"
	"github.com/YuminosukeSato/flowfid/history"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(alignments ...lipgloss.Position) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row == lgtable.HeaderRow:
				return headerRowStyle
			case row%2 == 0:
				s = evenRowStyle
			default:
				s = oddRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			}
			return s.Align(alignment)
		})
}

// Render formats a result as a titled two-column table.
func Render(res *fid.Result) string {
	if res == nil {
		return ""
	}
	t := newPlainTable(lipgloss.Right, lipgloss.Left)
	t.Row("run", res.RunID)
	t.Row("FID", fmt.Sprintf("%.4f", res.FID))
	if res.KID != nil {
		t.Row("KID", fmt.Sprintf("%.6f", *res.KID))
	}
	t.Row("samples", humanize.Comma(int64(res.Samples)))
	if res.Real != nil {
		t.Row("features", humanize.Comma(int64(res.Real.Dim())))
	}
	if res.NaNPixels > 0 {
		t.Row("non-finite pixels", humanize.Comma(int64(res.NaNPixels)))
	}
	t.Row("reference", referenceSource(res.CachedReference))
	t.Row("duration", res.Duration.Round(time.Millisecond).String())

	var b strings.Builder
	b.WriteString(titleStyle.Render("Fréchet Inception Distance"))
	b.WriteString("\n")
	b.WriteString(t.String())
	b.WriteString("\n")
	return b.String()
}

func referenceSource(cached bool) string {
	if cached {
		return "cache"
	}
	return "extracted"
}

// RenderHistory formats past runs, newest first, with the best FID marked.
func RenderHistory(runs []history.Run) string {
	if len(runs) == 0 {
		return ""
	}
	best := 0
	for i, r := range runs {
		if r.FID < runs[best].FID {
			best = i
		}
	}
	t := newPlainTable(lipgloss.Left, lipgloss.Left, lipgloss.Right, lipgloss.Right, lipgloss.Right, lipgloss.Left)
	t.Headers("run", "when", "FID", "temp", "samples", "")
	for i, r := range runs {
		mark := ""
		if i == best {
			mark = "best"
		}
		t.Row(shortID(r.ID), humanize.Time(r.CreatedAt), fmt.Sprintf("%.4f", r.FID),
			fmt.Sprintf("%.2f", r.Temperature), humanize.Comma(int64(r.Samples)), mark)
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("History"))
	b.WriteString("\n")
	b.WriteString(t.String())
	b.WriteString("\n")
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
