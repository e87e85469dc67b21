package backtest

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"
)

const (
	colorBackground = "#060c1b"
	colorText       = "#eceff4"
	colorTextDim    = "#9ca3af"
	colorEquity     = "#3b82f6"
	colorDrawdown   = "#f87171"

	chartWidthPx  = 1400
	chartHeightPx = 420
)

// WriteReport renders the run's equity curve and drawdown to a
// self-contained HTML file.
func WriteReport(result *Result, path string) error {
	if result == nil || len(result.EquityCurve) == 0 {
		return fmt.Errorf("nothing to report")
	}

	xAxis := make([]string, len(result.EquityCurve))
	equity := make([]opts.LineData, len(result.EquityCurve))
	drawdown := make([]opts.LineData, len(result.EquityCurve))
	for i, p := range result.EquityCurve {
		xAxis[i] = time.UnixMilli(p.Timestamp).UTC().Format("01-02 15:04")
		equity[i] = opts.LineData{Value: round2(p.Equity)}
		drawdown[i] = opts.LineData{Value: round2(-p.Drawdown * 100)}
	}

	page := components.NewPage()
	page.SetLayout(components.PageFlexLayout)
	page.AddCharts(
		equityChart(result, xAxis, equity),
		drawdownChart(xAxis, drawdown),
	)

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return page.Render(f)
}

func equityChart(result *Result, xAxis []string, data []opts.LineData) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:           types.ThemeWesteros,
			Width:           fmt.Sprintf("%dpx", chartWidthPx),
			Height:          fmt.Sprintf("%dpx", chartHeightPx),
			BackgroundColor: colorBackground,
		}),
		charts.WithTitleOpts(opts.Title{
			Title: fmt.Sprintf("%s %s equity", result.Run.Symbol, result.Run.Timeframe),
			Subtitle: fmt.Sprintf("return %.2f%% | max DD %.2f%% | sharpe %.2f | %d trades",
				float64(result.Metrics.TotalReturnPct), float64(result.Metrics.MaxDrawdownPct),
				float64(result.Metrics.Sharpe), result.Metrics.TradesCount),
			Left:          "left",
			TitleStyle:    &opts.TextStyle{Color: colorText, FontSize: 18},
			SubtitleStyle: &opts.TextStyle{Color: colorTextDim},
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", XAxisIndex: []int{0}}),
		charts.WithXAxisOpts(opts.XAxis{AxisLabel: &opts.AxisLabel{Color: colorTextDim}}),
		charts.WithYAxisOpts(opts.YAxis{
			Scale:     opts.Bool(true),
			AxisLabel: &opts.AxisLabel{Color: colorTextDim},
		}),
	)
	line.SetXAxis(xAxis)
	line.AddSeries("Equity", data,
		charts.WithLineStyleOpts(opts.LineStyle{Color: colorEquity, Width: 2}),
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
	)
	return line
}

func drawdownChart(xAxis []string, data []opts.LineData) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:           types.ThemeWesteros,
			Width:           fmt.Sprintf("%dpx", chartWidthPx),
			Height:          fmt.Sprintf("%dpx", chartHeightPx/2),
			BackgroundColor: colorBackground,
		}),
		charts.WithTitleOpts(opts.Title{
			Title:      "Drawdown %",
			Left:       "left",
			TitleStyle: &opts.TextStyle{Color: colorText},
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{AxisLabel: &opts.AxisLabel{Show: opts.Bool(false)}}),
		charts.WithYAxisOpts(opts.YAxis{AxisLabel: &opts.AxisLabel{Color: colorTextDim}}),
	)
	line.SetXAxis(xAxis)
	line.AddSeries("Drawdown", data,
		charts.WithLineStyleOpts(opts.LineStyle{Color: colorDrawdown, Width: 2}),
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
	)
	return line
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
