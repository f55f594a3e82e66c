package ui

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// UpdateConfirmation shows what an update does to device and asks the
// user to type the device name back before continuing. An empty device
// means the target is found by discovery; the user types "update".
func UpdateConfirmation(device string) bool {
	return confirmUpdate(os.Stdin, os.Stdout, device, GetTerminalWidth())
}

func confirmUpdate(in io.Reader, out io.Writer, device string, width int) bool {
	word := device
	if device == "" {
		device, word = "the discovered device", "update"
	}
	warn := lipgloss.NewStyle().Foreground(WarningColor).Bold(true)

	lines := []string{
		warn.Render("! Replace the firmware on " + device),
		"",
		"  1. The candidate slot is erased and rewritten row by row",
		"  2. The device verifies the signature before launching anything",
		"  3. A verified image starts straight away; keep the board powered",
		"",
		noteStyle.Render("An image signed with a key the device does not trust is rejected."),
	}
	_, _ = fmt.Fprintln(out, frame(lipgloss.NormalBorder(), WarningColor, width).Render(strings.Join(lines, "\n")))
	_, _ = fmt.Fprint(out, warn.Render(fmt.Sprintf("Type %q to continue: ", word)))

	answer, err := bufio.NewReader(in).ReadString('\n')
	_, _ = fmt.Fprintln(out)
	if err != nil && answer == "" {
		return false
	}
	if strings.TrimSpace(answer) == word {
		return true
	}
	_, _ = fmt.Fprintln(out, mutedStyle.Render("  Update cancelled."))
	return false
}
