package models

// ChartType tells the caller how to interpret AnalysisResult.ChartData.
type ChartType string

const (
	ChartNone   ChartType = ""
	ChartPlotly ChartType = "plotly"
	ChartPNG    ChartType = "png"
)

// AnalysisResult is the structured answer to a single analyze call.
//
// ChartData entries are raw Plotly figure JSON when ChartType is "plotly",
// and base64 PNG data URIs when ChartType is "png".
type AnalysisResult struct {
	Response  string    `json:"response"`
	ChartData []string  `json:"chart_data"`
	ChartType ChartType `json:"chart_type"`
	FileReady bool      `json:"file_ready"`
}

// Profile is the model-written characterization of the uploaded dataset.
type Profile struct {
	Summary     string   `json:"summary"`
	Suggestions []string `json:"suggestions"`
}
