package compiler

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/typesetd/typesetd/internal/render"
)

// shortDiagPattern matches the compiler's short diagnostic format:
//
//	main.typ:3:7: error: unknown variable: foo
//	warning: layout did not converge within 5 attempts
var shortDiagPattern = regexp.MustCompile(`^(?:(\S+?):(\d+):(\d+):\s+)?(error|warning):\s+(.*)$`)

// ParseDiagnostics converts the compiler's stderr into structured
// diagnostics. Positions in the submitted document become byte spans into
// source; positions in other files (package sources) keep their message but
// get a zero span at the start of the document, since callers can only
// highlight the input they submitted.
func ParseDiagnostics(stderr, source string) []render.Diagnostic {
	var diags []render.Diagnostic
	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		m := shortDiagPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		severity := render.SeverityError
		if m[4] == "warning" {
			severity = render.SeverityWarning
		}

		d := render.Diagnostic{
			Severity: severity,
			Origin:   render.OriginCompile,
			Message:  m[5],
		}

		file := m[1]
		switch {
		case file == "":
			d.Span = render.Span{Line: 1, Column: 1}
		case strings.HasSuffix(file, mainFileName):
			line, _ := strconv.Atoi(m[2])
			col, _ := strconv.Atoi(m[3])
			d.Span = render.SpanFromLineCol(source, line, col)
		default:
			// A package file: point at the start of the input, keep the
			// original location in the message.
			d.Message = file + ":" + m[2] + ":" + m[3] + ": " + d.Message
			d.Span = render.Span{Line: 1, Column: 1}
		}

		diags = append(diags, d)
	}
	return diags
}
