// Package interactive provides interactive prompts for user confirmation.
package interactive

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/sparkyfit/updater/internal/update"
)

// ErrNotTerminal is returned when confirmation is needed but stdin is not
// a terminal.
var ErrNotTerminal = errors.New("confirmation required but stdin is not a terminal (use --yes)")

// Prompter handles interactive yes/no prompts.
type Prompter struct {
	out     io.Writer
	scanner *bufio.Scanner
}

// NewPrompter creates a prompter with stdin/stdout.
func NewPrompter() *Prompter {
	return NewPrompterWithIO(os.Stdin, os.Stdout)
}

// NewPrompterWithIO creates a prompter with custom input/output (for testing).
func NewPrompterWithIO(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{
		out:     out,
		scanner: bufio.NewScanner(in),
	}
}

// IsTerminal checks if stdin is a terminal (TTY).
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// Confirm asks a yes/no question. Anything but yes, including end of
// input, is a no.
func (p *Prompter) Confirm(format string, args ...interface{}) bool {
	_, _ = fmt.Fprintf(p.out, format, args...)
	_, _ = fmt.Fprint(p.out, " [y/N] ")

	if !p.scanner.Scan() {
		_, _ = fmt.Fprintln(p.out)
		return false
	}

	input := strings.ToLower(strings.TrimSpace(p.scanner.Text()))
	return input == "y" || input == "yes"
}

// ConfirmInstall shows what is about to be installed and asks to proceed.
func (p *Prompter) ConfirmInstall(current string, info *update.PackageInfo, backups bool) bool {
	_, _ = fmt.Fprintf(p.out, "Update %s -> %s\n", current, info.Version)
	if info.IsSecurityUpdate {
		_, _ = fmt.Fprintln(p.out, "  This is a security update.")
	}
	if info.IsCritical {
		_, _ = fmt.Fprintln(p.out, "  This update is marked critical.")
	}
	for _, note := range info.ChangeNotes {
		_, _ = fmt.Fprintf(p.out, "  - %s\n", note)
	}
	if !backups {
		_, _ = fmt.Fprintln(p.out, "  Backups are disabled: a failed install cannot be rolled back.")
	}
	_, _ = fmt.Fprintln(p.out)
	return p.Confirm("Proceed with install?")
}

// ConfirmRestore asks before replacing the live tree with a backup.
func (p *Prompter) ConfirmRestore(backupID, liveRoot string) bool {
	_, _ = fmt.Fprintf(p.out, "Restoring backup %s replaces the contents of %s.\n", backupID, liveRoot)
	return p.Confirm("Proceed with restore?")
}

// Require returns nil when the user confirmed through ask, ErrNotTerminal
// when no terminal is attached and an error naming the action otherwise.
// yes skips the question.
func Require(yes bool, action string, ask func(*Prompter) bool) error {
	if yes {
		return nil
	}
	if !IsTerminal() {
		return ErrNotTerminal
	}
	if !ask(NewPrompter()) {
		return fmt.Errorf("%s cancelled", action)
	}
	return nil
}
