// Package cli is the terminal front-end: a line-oriented prompt loop on
// stdin plus renderers for responses and notifications. Markdown tables
// (the collection navigator's overviews) are re-padded by display width so
// they align in a monospace terminal.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/druidia-bot/dotbot/internal/localagent"
)

// FrontEnd prints agent output to the terminal.
type FrontEnd struct {
	Out io.Writer
}

func NewFrontEnd() *FrontEnd { return &FrontEnd{Out: os.Stdout} }

func (f *FrontEnd) OnAcknowledged(ack, estimate string) {
	if ack != "" {
		fmt.Fprintf(f.Out, "· %s (%s)\n", ack, estimate)
	}
}

func (f *FrontEnd) OnResponse(text string) {
	fmt.Fprintln(f.Out, RenderMarkdown(text))
	fmt.Fprint(f.Out, "> ")
}

func (f *FrontEnd) OnNotification(message string) {
	fmt.Fprintf(f.Out, "\n[!] %s\n> ", message)
}

// Repl reads prompts from stdin until EOF or ctx cancellation. The lines
// /quit, /exit and /restart are local commands; any other line, including
// one that starts with "/", is submitted as a prompt.
func Repl(ctx context.Context, agent *localagent.Agent, onRestart func()) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	fmt.Print("> ")
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/restart":
			if onRestart != nil {
				onRestart()
			}
			return nil
		default:
			if err := agent.SubmitPrompt(line, "cli"); err != nil {
				fmt.Printf("! %v\n", err)
			}
		}
		fmt.Print("> ")
	}
	return scanner.Err()
}

// RenderMarkdown re-pads any markdown tables in text so columns line up
// under a monospace font; other lines pass through.
func RenderMarkdown(text string) string {
	lines := strings.Split(text, "\n")
	var out []string
	var table []string

	flush := func() {
		if len(table) > 0 {
			out = append(out, padTable(table)...)
			table = nil
		}
	}

	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "|") {
			table = append(table, line)
			continue
		}
		flush()
		out = append(out, line)
	}
	flush()
	return strings.Join(out, "\n")
}

func padTable(rows []string) []string {
	type cells []string
	var parsed []cells
	cols := 0
	for _, row := range rows {
		trimmed := strings.Trim(strings.TrimSpace(row), "|")
		cs := strings.Split(trimmed, "|")
		for i := range cs {
			cs[i] = strings.TrimSpace(cs[i])
		}
		if len(cs) > cols {
			cols = len(cs)
		}
		parsed = append(parsed, cs)
	}

	widths := make([]int, cols)
	for _, row := range parsed {
		if isSeparator(row) {
			continue
		}
		for i, c := range row {
			if w := runewidth.StringWidth(c); w > widths[i] {
				widths[i] = w
			}
		}
	}

	var out []string
	for _, row := range parsed {
		var b strings.Builder
		b.WriteString("|")
		for i := 0; i < cols; i++ {
			var c string
			if i < len(row) {
				c = row[i]
			}
			if isSeparator(row) {
				b.WriteString(strings.Repeat("-", widths[i]+2))
			} else {
				b.WriteString(" " + runewidth.FillRight(c, widths[i]) + " ")
			}
			b.WriteString("|")
		}
		out = append(out, b.String())
	}
	return out
}

func isSeparator(row []string) bool {
	for _, c := range row {
		if c == "" {
			continue
		}
		if strings.Trim(c, "-:") != "" {
			return false
		}
	}
	return true
}
