// Package cli provides interactive terminal prompts for the setup wizard
// and the pending-request commands.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// Prompter reads answers from In and writes questions to Out.
type Prompter struct {
	In      io.Reader
	Out     io.Writer
	scanner *bufio.Scanner
	eof     bool
}

// DefaultPrompter returns a Prompter connected to stdin/stdout.
func DefaultPrompter() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

func (p *Prompter) readLine() string {
	if p.scanner == nil {
		p.scanner = bufio.NewScanner(p.In)
	}
	if p.scanner.Scan() {
		return strings.TrimSpace(p.scanner.Text())
	}
	p.eof = true
	return ""
}

func (p *Prompter) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.Out, format, args...)
}

// Ask prints a question with a default value and reads one line.
// An empty answer returns the default.
func (p *Prompter) Ask(question, defaultVal string) string {
	if defaultVal != "" {
		p.printf("%s [%s]: ", question, defaultVal)
	} else {
		p.printf("%s: ", question)
	}
	if line := p.readLine(); line != "" {
		return line
	}
	return defaultVal
}

// AskValid repeats the question until validate accepts the answer. At end
// of input the last answer is returned together with its validation error.
func (p *Prompter) AskValid(question, defaultVal string, validate func(string) error) (string, error) {
	for {
		ans := p.Ask(question, defaultVal)
		err := validate(ans)
		if err == nil {
			return ans, nil
		}
		if p.eof {
			return ans, err
		}
		p.printf("  %v\n", err)
	}
}

// AskPassword reads a line without echo when In is a terminal.
func (p *Prompter) AskPassword(question string) string {
	p.printf("%s: ", question)

	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		p.printf("\n")
		if err == nil {
			return strings.TrimSpace(string(b))
		}
	}
	return p.readLine()
}

// AskInt asks for a positive integer.
func (p *Prompter) AskInt(question string, defaultVal int) int {
	var n int
	_, err := p.AskValid(question, strconv.Itoa(defaultVal), func(s string) error {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 {
			return fmt.Errorf("please enter a positive number")
		}
		n = v
		return nil
	})
	if err != nil {
		return defaultVal
	}
	return n
}

// ChooseIndex presents a numbered list and returns the index picked.
func (p *Prompter) ChooseIndex(question string, options []string, defaultIdx int) int {
	p.printf("%s\n", question)
	for i, opt := range options {
		marker := "  "
		if i == defaultIdx {
			marker = "> "
		}
		p.printf("%s%d) %s\n", marker, i+1, opt)
	}

	idx := defaultIdx
	_, err := p.AskValid("Choice", strconv.Itoa(defaultIdx+1), func(s string) error {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > len(options) {
			return fmt.Errorf("please enter a number between 1 and %d", len(options))
		}
		idx = n - 1
		return nil
	})
	if err != nil {
		return defaultIdx
	}
	return idx
}

// Choose is ChooseIndex returning the option text.
func (p *Prompter) Choose(question string, options []string, defaultIdx int) string {
	return options[p.ChooseIndex(question, options, defaultIdx)]
}

// Confirm asks a yes/no question.
func (p *Prompter) Confirm(question string, defaultYes bool) bool {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	ans := p.Ask(fmt.Sprintf("%s [%s]", question, hint), "")
	if ans == "" {
		return defaultYes
	}
	return strings.HasPrefix(strings.ToLower(ans), "y")
}
