package utils

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))   // green
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))   // red
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))  // yellow
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))  // cyan
	detailStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("250")) // light grey
	barStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("69"))  // purple
)

func PrintSuccess(text string) {
	fmt.Println(successStyle.Render(text))
}
func PrintError(text string) {
	fmt.Println(errorStyle.Render(text))
}
func PrintWarning(text string) {
	fmt.Println(warningStyle.Render(text))
}
func PrintInfo(text string) {
	fmt.Println(infoStyle.Render(text))
}

const progressBarWidth = 30

// RenderProgressLine renders one task's progress for the terminal. A negative
// percentage (unknown length) renders an indeterminate bar.
func RenderProgressLine(filename string, percentage float64, downloaded, total, speed, eta string) string {
	name := filename
	if len(name) > 25 {
		name = "..." + name[len(name)-22:]
	}
	if percentage < 0 {
		bar := barStyle.Render("[" + strings.Repeat("~", progressBarWidth) + "]")
		return fmt.Sprintf("%s %s %s %s", name, bar, downloaded, detailStyle.Render(speed))
	}
	filled := min(int(percentage/100*progressBarWidth), progressBarWidth)
	bar := "[" + strings.Repeat("=", filled)
	if filled < progressBarWidth {
		bar += ">" + strings.Repeat(" ", progressBarWidth-filled-1)
	}
	bar += "]"
	return fmt.Sprintf("%s %s %.1f%% %s/%s %s ETA: %s",
		name, barStyle.Render(bar), percentage, downloaded, total, detailStyle.Render(speed), eta)
}

// ClearLines moves the cursor up n lines and clears them, for in-place
// progress redraws.
func ClearLines(n int) {
	if n > 0 {
		fmt.Printf("\033[%dA\033[J", n)
	}
}
