package tools

import (
	"fmt"
	"html"
	"io"

	"github.com/hgi/cookiemonster/core"

	md "github.com/russross/blackfriday/v2"
)

// RenderRulesHTML writes an HTML report of the given rules: id,
// priority, and the rule's markdown doc rendered with Blackfriday.
//
// Rules arrive in evaluation order, which is how they're listed.
func RenderRulesHTML(rules []*core.Rule, out io.Writer) error {
	f := func(format string, args ...interface{}) {
		fmt.Fprintf(out, format+"\n", args...)
	}

	f(`<div class="rules"><table>`)
	f(`<tr><th>rule</th><th>priority</th><th></th></tr>`)
	for _, r := range rules {
		f(`<tr class="rule"><td><span id="%s" class="ruleId">%s</span></td>`,
			html.EscapeString(r.Id), html.EscapeString(r.Id))
		f(`<td class="rulePriority">%d</td><td>`, r.Priority)
		if r.Doc != "" {
			f(`<div class="ruleDoc doc">%s</div>`, md.Run([]byte(r.Doc)))
		}
		f(`</td></tr>`)
	}
	f(`</table></div>`)

	return nil
}

// RulesHTMLPage wraps RenderRulesHTML in a minimal page.
func RulesHTMLPage(rules []*core.Rule, out io.Writer) error {
	fmt.Fprintf(out, "<!DOCTYPE html>\n<html><head><title>rules</title></head><body>\n")
	if err := RenderRulesHTML(rules, out); err != nil {
		return err
	}
	fmt.Fprintf(out, "</body></html>\n")
	return nil
}
