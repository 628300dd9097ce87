// Package pr defines the structured pull-request body format: a Summary
// section rendered as a bullet list and a Test plan section rendered as a
// checklist. Bodies are built and validated here so the CLI and the service
// agree on the shape.
package pr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

const (
	summaryHeading  = "Summary"
	testPlanHeading = "Test plan"
)

var (
	ErrMissingSummary  = errors.New("body is missing a Summary bullet list")
	ErrMissingTestPlan = errors.New("body is missing a Test plan checklist")
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.TaskList))

// ChecklistItem is one entry of the Test plan checklist.
type ChecklistItem struct {
	Text    string
	Checked bool
}

// Body is the parsed form of a structured PR body.
type Body struct {
	Summary  []string
	TestPlan []ChecklistItem
}

// Build renders a structured PR body from its parts.
func Build(summary []string, testPlan []ChecklistItem) string {
	var b strings.Builder
	b.WriteString("## " + summaryHeading + "\n\n")
	for _, line := range summary {
		fmt.Fprintf(&b, "- %s\n", line)
	}
	b.WriteString("\n## " + testPlanHeading + "\n\n")
	for _, item := range testPlan {
		box := " "
		if item.Checked {
			box = "x"
		}
		fmt.Fprintf(&b, "- [%s] %s\n", box, item.Text)
	}
	return b.String()
}

// Parse extracts the Summary bullets and Test plan checklist from a markdown
// body. Content outside the two known sections is ignored.
func Parse(body string) (*Body, error) {
	source := []byte(body)
	doc := markdown.Parser().Parse(text.NewReader(source))

	parsed := &Body{}
	section := ""
	for node := doc.FirstChild(); node != nil; node = node.NextSibling() {
		switch n := node.(type) {
		case *ast.Heading:
			section = strings.TrimSpace(nodeText(n, source))
		case *ast.List:
			switch section {
			case summaryHeading:
				for item := n.FirstChild(); item != nil; item = item.NextSibling() {
					parsed.Summary = append(parsed.Summary, strings.TrimSpace(nodeText(item, source)))
				}
			case testPlanHeading:
				for item := n.FirstChild(); item != nil; item = item.NextSibling() {
					checked, ok := checkbox(item)
					if !ok {
						return nil, fmt.Errorf("%w: item %q is not a checklist entry", ErrMissingTestPlan, strings.TrimSpace(nodeText(item, source)))
					}
					parsed.TestPlan = append(parsed.TestPlan, ChecklistItem{
						Text:    strings.TrimSpace(nodeText(item, source)),
						Checked: checked,
					})
				}
			}
		}
	}
	return parsed, nil
}

// Validate checks that a body carries at least one Summary bullet and at
// least one Test plan checklist entry.
func Validate(body string) error {
	parsed, err := Parse(body)
	if err != nil {
		return err
	}
	if len(parsed.Summary) == 0 {
		return ErrMissingSummary
	}
	if len(parsed.TestPlan) == 0 {
		return ErrMissingTestPlan
	}
	return nil
}

func nodeText(n ast.Node, source []byte) string {
	var sb strings.Builder
	_ = ast.Walk(n, func(child ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if t, ok := child.(*ast.Text); ok {
			sb.Write(t.Segment.Value(source))
		}
		return ast.WalkContinue, nil
	})
	return sb.String()
}

func checkbox(item ast.Node) (checked, ok bool) {
	_ = ast.Walk(item, func(child ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if box, isBox := child.(*east.TaskCheckBox); isBox {
			checked = box.IsChecked
			ok = true
			return ast.WalkStop, nil
		}
		return ast.WalkContinue, nil
	})
	return checked, ok
}
