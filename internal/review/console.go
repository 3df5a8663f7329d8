package review

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	cellStyle = lipgloss.NewStyle().
			Width(8).
			Align(lipgloss.Center).
			Border(lipgloss.NormalBorder())

	markedStyle = cellStyle.
			Foreground(lipgloss.Color("196")).
			Bold(true)

	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))
)

// Console reviews batches over a terminal: it prints the grid of entry ids
// and reads cell selections line by line. Intended for running without the
// image renderer attached.
type Console struct {
	in  *bufio.Scanner
	out io.Writer
}

// NewConsole returns a reviewer reading selections from in and writing the
// grid to out.
func NewConsole(in io.Reader, out io.Writer) *Console {
	return &Console{in: bufio.NewScanner(in), out: out}
}

// Review renders the batch and collects cell selections until the operator
// accepts with an empty line. "q" cancels the run.
func (c *Console) Review(b *Batch) ([]Cell, error) {
	fmt.Fprintln(c.out, headerStyle.Render(fmt.Sprintf("Reviewing %d entries (%d columns)", len(b.Entries), b.Columns)))
	fmt.Fprintln(c.out, c.renderGrid(b, nil))
	fmt.Fprintln(c.out, promptStyle.Render(`Select cells to cull as "row,col" (space separated), empty line to accept, q to quit:`))

	var selected []Cell
	for {
		if !c.in.Scan() {
			if err := c.in.Err(); err != nil {
				return nil, fmt.Errorf("failed to read selection: %w", err)
			}
			return nil, ErrCancelled
		}

		line := strings.TrimSpace(c.in.Text())
		if line == "" {
			return selected, nil
		}
		if strings.EqualFold(line, "q") {
			return nil, ErrCancelled
		}

		cells, err := parseCells(line)
		if err != nil {
			fmt.Fprintln(c.out, promptStyle.Render(err.Error()))
			continue
		}

		valid := true
		for _, cell := range cells {
			if _, err := b.At(cell); err != nil {
				fmt.Fprintln(c.out, promptStyle.Render(err.Error()))
				valid = false
				break
			}
		}
		if !valid {
			continue
		}

		selected = append(selected, cells...)
		fmt.Fprintln(c.out, c.renderGrid(b, selected))
	}
}

// Confirm asks a yes/no question, defaulting to no.
func (c *Console) Confirm(prompt string) (bool, error) {
	fmt.Fprintln(c.out, headerStyle.Render(prompt+" [y/N]"))
	if !c.in.Scan() {
		if err := c.in.Err(); err != nil {
			return false, fmt.Errorf("failed to read confirmation: %w", err)
		}
		return false, nil
	}
	answer := strings.ToLower(strings.TrimSpace(c.in.Text()))
	return answer == "y" || answer == "yes", nil
}

// renderGrid lays the entry ids out on the review grid, highlighting cells
// already selected this round.
func (c *Console) renderGrid(b *Batch, selected []Cell) string {
	marked := make(map[Cell]bool, len(selected))
	for _, cell := range selected {
		marked[cell] = true
	}

	var rows []string
	for row := 1; row <= b.Rows(); row++ {
		var cells []string
		for col := 1; col <= b.Columns; col++ {
			e, err := b.At(Cell{Row: row, Col: col})
			if err != nil {
				break
			}
			style := cellStyle
			if marked[Cell{Row: row, Col: col}] || e.MarkedCulled {
				style = markedStyle
			}
			cells = append(cells, style.Render(e.ID))
		}
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Top, cells...))
	}
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

// parseCells reads a whitespace-separated list of "row,col" pairs.
func parseCells(line string) ([]Cell, error) {
	var cells []Cell
	for _, token := range strings.Fields(line) {
		parts := strings.SplitN(token, ",", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf(`expected "row,col", got %q`, token)
		}
		row, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			return nil, fmt.Errorf("invalid row in %q: %w", token, err)
		}
		col, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, fmt.Errorf("invalid column in %q: %w", token, err)
		}
		cells = append(cells, Cell{Row: row, Col: col})
	}
	return cells, nil
}
