// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// StatusPatterns lists the regular expressions (RE2 syntax) that
// classify a pane's visible text. A nil list selects the matching
// list from [DefaultStatusPatterns]; an empty non-nil list disables
// that status entirely.
type StatusPatterns struct {
	Waiting []string
	Idle    []string
	Running []string
}

// DefaultStatusPatterns matches Claude Code's terminal UI: its
// permission dialog, its input prompt, and its spinner and progress
// verbs.
func DefaultStatusPatterns() StatusPatterns {
	return StatusPatterns{
		Waiting: []string{
			`(?i)Do you want to proceed\?`,
			`(?i)allow|approve|deny|yes.*no`,
		},
		Idle: []string{
			`[❯>]\s*$`,
		},
		Running: []string{
			`[⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏●∙]`,
			`(?i)thinking|processing|reading|writing`,
		},
	}
}

// Classifier maps captured pane lines to a [Status]. It holds only
// compiled patterns and is safe for concurrent use.
type Classifier struct {
	waiting []*regexp.Regexp
	idle    []*regexp.Regexp
	running []*regexp.Regexp
}

// NewClassifier compiles patterns, substituting defaults for nil
// lists.
func NewClassifier(patterns StatusPatterns) (*Classifier, error) {
	defaults := DefaultStatusPatterns()
	waiting, err := compilePatterns("waiting", patterns.Waiting, defaults.Waiting)
	if err != nil {
		return nil, err
	}
	idle, err := compilePatterns("idle", patterns.Idle, defaults.Idle)
	if err != nil {
		return nil, err
	}
	running, err := compilePatterns("running", patterns.Running, defaults.Running)
	if err != nil {
		return nil, err
	}
	return &Classifier{waiting: waiting, idle: idle, running: running}, nil
}

func compilePatterns(name string, patterns, defaults []string) ([]*regexp.Regexp, error) {
	if patterns == nil {
		patterns = defaults
	}
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		expression, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("%s pattern %q: %w", name, pattern, err)
		}
		compiled = append(compiled, expression)
	}
	return compiled, nil
}

// Classify infers a status from the last lines of a pane. The lines
// are joined with newlines and stripped of escape sequences, so an
// anchored pattern like `>\s*$` tests the end of the whole capture.
//
// No visible text means the pane is gone: [StatusDead]. Otherwise the
// first group with a matching pattern wins, in the order waiting,
// idle, running; text that matches nothing counts as running.
func (c *Classifier) Classify(lines []string) Status {
	text := ansi.Strip(strings.Join(lines, "\n"))
	if strings.TrimSpace(text) == "" {
		return StatusDead
	}
	switch {
	case matchAny(c.waiting, text):
		return StatusWaiting
	case matchAny(c.idle, text):
		return StatusIdle
	case matchAny(c.running, text):
		return StatusRunning
	}
	return StatusRunning
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, pattern := range patterns {
		if pattern.MatchString(text) {
			return true
		}
	}
	return false
}

// shellPrompt matches the end of a line where a shell or agent is
// waiting for a command.
var shellPrompt = regexp.MustCompile(`[$%#❯>]\s*$`)

// atPrompt reports whether the last non-blank captured line ends in a
// prompt glyph.
func atPrompt(lines []string) bool {
	for i := len(lines) - 1; i >= 0; i-- {
		line := ansi.Strip(lines[i])
		if strings.TrimSpace(line) == "" {
			continue
		}
		return shellPrompt.MatchString(line)
	}
	return false
}
