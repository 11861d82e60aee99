package sandbox

import (
	"regexp"
	"strings"
)

const (
	noOutputText = "Code executed successfully."
	chartNote    = "SYSTEM NOTE: Chart generated successfully. STOP coding and summarize the findings for the user."
	exportedText = "File saved for download."
)

var delimitedChart = regexp.MustCompile(`(?s)(?:CHART_JSON_START|PLOTLY_JSON_START)(.*?)(?:CHART_JSON_END|PLOTLY_JSON_END)`)

// formatOutcome renders an outcome as tool result text. charts reports
// whether any chart payload was emitted.
func formatOutcome(o *ExecutionOutcome) (text string, charts bool) {
	if o.Error != nil {
		return "Runtime Error: " + o.Error.Name + ": " + o.Error.Value, false
	}

	var parts []string
	for _, res := range o.Results {
		switch {
		case res.Kind == ResultPNG && res.PNG != "":
			parts = append(parts, "![CHART_GENERATED](data:image/png;base64,"+res.PNG+")")
			charts = true
		case res.Kind == ResultText && res.Text != "":
			if wrapped, ok := rewrapCharts(res.Text); ok {
				parts = append(parts, wrapped)
				charts = true
				continue
			}
			parts = append(parts, "RESULT: "+res.Text)
		}
	}

	if len(o.Stdout) > 0 {
		joined := strings.Join(o.Stdout, "\n")
		if wrapped, ok := rewrapDelimited(joined); ok {
			joined = wrapped
			charts = true
		} else if wrapped, ok := rewrapLines(o.Stdout); ok {
			joined = wrapped
			charts = true
		}
		if strings.TrimSpace(joined) != "" {
			parts = append(parts, "STDOUT: "+joined)
		}
	}

	if len(parts) == 0 {
		return noOutputText, false
	}
	return strings.Join(parts, "\n"), charts
}

// rewrapCharts normalizes delimited chart JSON to the PLOTLY_JSON pair. A
// text without delimiters that is itself a Plotly figure is wrapped whole.
func rewrapCharts(text string) (string, bool) {
	if wrapped, ok := rewrapDelimited(text); ok {
		return wrapped, true
	}
	if looksLikeFigure(text) {
		return "PLOTLY_JSON_START" + strings.TrimSpace(text) + "PLOTLY_JSON_END", true
	}
	return text, false
}

func rewrapDelimited(text string) (string, bool) {
	if !delimitedChart.MatchString(text) {
		return text, false
	}
	return delimitedChart.ReplaceAllStringFunc(text, func(m string) string {
		inner := delimitedChart.FindStringSubmatch(m)[1]
		return "PLOTLY_JSON_START" + strings.TrimSpace(inner) + "PLOTLY_JSON_END"
	}), true
}

// rewrapLines applies the undelimited figure heuristic per stdout line.
func rewrapLines(lines []string) (string, bool) {
	found := false
	out := make([]string, len(lines))
	for i, line := range lines {
		if looksLikeFigure(line) {
			out[i] = "PLOTLY_JSON_START" + strings.TrimSpace(line) + "PLOTLY_JSON_END"
			found = true
			continue
		}
		out[i] = line
	}
	return strings.Join(out, "\n"), found
}

func looksLikeFigure(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "{") && strings.Contains(s, `"data":`) && strings.Contains(s, `"layout":`)
}
