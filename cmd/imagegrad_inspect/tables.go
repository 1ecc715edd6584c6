package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/imagegrad/gradients"
	"github.com/gomlx/imagegrad/imagegrad"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	noGradientStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"}).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

// newPlainTable creates a table with alternating row styles. Rows whose index is in highlight are rendered
// with noGradientStyle.
func newPlainTable(highlight map[int]bool, alignments ...lipgloss.Position) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row < 0:
				return headerRowStyle
			case highlight[row]:
				s = noGradientStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			return s.Align(alignment)
		})
}

// gradientRows returns one row per input of each sample: op, input, input shape, gradient kernel, gradient
// shape and the gradient size in bytes (if its shape is fully defined).
// It also returns the indices of the rows without gradient.
func gradientRows(samples []sample, results [][]gradients.Gradient) (rows [][]string, noGradient map[int]bool) {
	noGradient = make(map[int]bool)
	for ii, s := range samples {
		node := s.request.Node
		for inputIdx, grad := range results[ii] {
			input := node.Inputs()[inputIdx]
			if grad.IsNone() {
				noGradient[len(rows)] = true
				rows = append(rows, []string{
					string(node.Type()), s.inputNames[inputIdx], input.Shape().String(), grad.String(), "", ""})
				continue
			}
			gradShape := grad.Node().Shape()
			bytes := "?"
			if gradShape.IsFullyDefined() {
				bytes = humanize.Bytes(uint64(gradShape.Memory()))
			}
			rows = append(rows, []string{
				string(node.Type()), s.inputNames[inputIdx], input.Shape().String(),
				string(grad.Node().Type()), gradShape.String(), bytes})
		}
	}
	return
}

func printGradients(samples []sample, results [][]gradients.Gradient) {
	fmt.Println(titleStyle.Render("Gradients"))
	rows, noGradient := gradientRows(samples, results)
	table := newPlainTable(noGradient, lipgloss.Left, lipgloss.Left, lipgloss.Right, lipgloss.Left, lipgloss.Right)
	table.Headers("Op", "Input", "Shape", "Gradient", "Gradient Shape", "Bytes")
	for _, row := range rows {
		table.Row(row...)
	}
	fmt.Println(table.Render())
}

func printEligibility(config *imagegrad.Config) {
	fmt.Println(titleStyle.Render("Eligible DTypes"))
	table := newPlainTable(nil, lipgloss.Right, lipgloss.Left)
	table.Headers("Op", "DTypes")
	for _, nodeType := range imagegrad.NodeTypes() {
		table.Row(string(nodeType), config.Eligibility(nodeType).String())
	}
	fmt.Println(table.Render())
}
