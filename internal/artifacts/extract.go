package artifacts

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/haasonsaas/spectra/pkg/models"
)

// DownloadMarker is printed by generated code once ExportFileName is written.
const DownloadMarker = "DOWNLOAD_READY"

// PayloadFormat is the encoding of one chart payload.
type PayloadFormat string

const (
	FormatJSON PayloadFormat = "json"
	FormatPNG  PayloadFormat = "png"
)

// ChartPayload is one chart recovered from transcript text. Data is the
// figure JSON for FormatJSON and a data URI for FormatPNG.
type ChartPayload struct {
	Format PayloadFormat
	Data   string
}

var (
	plotlyPattern = regexp.MustCompile(`(?s)PLOTLY_JSON_START(.*?)PLOTLY_JSON_END`)
	imagePattern  = regexp.MustCompile(`!\[[^\]\n]*\]\((data:image/[A-Za-z0-9.+-]+;base64,[^)]*)\)`)
	blankRuns     = regexp.MustCompile(`\n{3,}`)
)

// Extract returns the charts embedded in text, in document order. Delimited
// Plotly JSON wins over images; the two kinds are never mixed. Payloads that
// fail to parse are skipped.
func Extract(text string) ([]ChartPayload, models.ChartType) {
	var payloads []ChartPayload
	for _, m := range plotlyPattern.FindAllStringSubmatch(text, -1) {
		body := strings.TrimSpace(m[1])
		if !json.Valid([]byte(body)) {
			continue
		}
		payloads = append(payloads, ChartPayload{Format: FormatJSON, Data: body})
	}
	if len(payloads) > 0 {
		return payloads, models.ChartPlotly
	}

	for _, m := range imagePattern.FindAllStringSubmatch(text, -1) {
		uri := strings.Join(strings.Fields(m[1]), "")
		if strings.HasSuffix(uri, ";base64,") {
			continue
		}
		payloads = append(payloads, ChartPayload{Format: FormatPNG, Data: uri})
	}
	if len(payloads) > 0 {
		return payloads, models.ChartPNG
	}
	return nil, models.ChartNone
}

// ExtractFromTranscript looks for charts in the last assistant message, then
// in tool results from newest to oldest. The first source yielding anything
// wins; charts from different messages are not merged.
func ExtractFromTranscript(messages []*models.Message) ([]ChartPayload, models.ChartType) {
	last := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i] != nil && messages[i].Role == models.RoleAssistant {
			last = i
			break
		}
	}
	if last >= 0 {
		if payloads, kind := Extract(messages[last].Content); len(payloads) > 0 {
			return payloads, kind
		}
	}

	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if msg == nil || msg.Role != models.RoleTool {
			continue
		}
		for j := len(msg.ToolResults) - 1; j >= 0; j-- {
			if payloads, kind := Extract(msg.ToolResults[j].Content); len(payloads) > 0 {
				return payloads, kind
			}
		}
	}
	return nil, models.ChartNone
}

// CleanResponse strips chart spans, image spans and the download marker
// from text. fileReady reports whether the marker was present.
func CleanResponse(text string) (clean string, fileReady bool) {
	fileReady = strings.Contains(text, DownloadMarker)
	clean = plotlyPattern.ReplaceAllString(text, "")
	clean = imagePattern.ReplaceAllString(clean, "")
	clean = strings.ReplaceAll(clean, DownloadMarker, "")
	clean = blankRuns.ReplaceAllString(clean, "\n\n")
	return strings.TrimSpace(clean), fileReady
}

// BuildResult assembles the caller-facing result of one turn. turn holds the
// messages appended during the turn, final included.
func BuildResult(final *models.Message, turn []*models.Message) *models.AnalysisResult {
	var content string
	if final != nil {
		content = final.Content
	}
	response, fileReady := CleanResponse(content)

	for _, msg := range turn {
		if fileReady {
			break
		}
		if msg == nil || msg.Role != models.RoleTool {
			continue
		}
		for _, res := range msg.ToolResults {
			if strings.Contains(res.Content, DownloadMarker) {
				fileReady = true
				break
			}
		}
	}

	messages := turn
	if final != nil && (len(turn) == 0 || turn[len(turn)-1] != final) {
		messages = append(append([]*models.Message(nil), turn...), final)
	}
	payloads, kind := ExtractFromTranscript(messages)

	charts := make([]string, 0, len(payloads))
	for _, p := range payloads {
		charts = append(charts, p.Data)
	}
	return &models.AnalysisResult{
		Response:  response,
		ChartData: charts,
		ChartType: kind,
		FileReady: fileReady,
	}
}
