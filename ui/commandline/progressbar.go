// Package commandline displays training progress of a pipeline driver on the
// terminal: a progress bar over steps plus a small table of metrics, drawn
// asynchronously so slow terminals never stall the training goroutines.
package commandline

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along
// the progress bar. It is called at each update of the display and should
// return a name and the current value.
type ExtraMetricFn func() (name, value string)

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version, if the terminal
// supports the graphical symbols.
var ProgressbarStyle = progressbar.ThemeASCII

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// maxUpdateFrequency is the minimum time between redraws of the stats display.
const maxUpdateFrequency = time.Millisecond * 200

type stepUpdate struct {
	amount  int
	metrics []string
}

// StepProgress is a terminal progress display for a fixed number of training
// steps. Create one with NewStepProgress, report each finished step with
// Update and finish with Done.
//
// Update is cheap and non-blocking (drawing happens on a background
// goroutine), so it is safe to call from the driver's hot loop.
type StepProgress struct {
	numSteps     int
	lastStep     int
	startTime    time.Time
	bar          *progressbar.ProgressBar
	metricNames  []string
	extraMetrics []ExtraMetricFn

	termenv       *termenv.Output
	statsStyle    lipgloss.Style
	statsTable    *lgtable.Table
	isFirstOutput bool
	updates       chan stepUpdate
	drawDone      sync.WaitGroup
}

// NewStepProgress creates a progress display for numSteps training steps.
// metricNames fixes the set and order of per-step metrics later passed to
// Update; extraMetrics are polled at every redraw.
func NewStepProgress(numSteps int, metricNames []string, extraMetrics ...ExtraMetricFn) *StepProgress {
	p := &StepProgress{
		numSteps:      numSteps,
		startTime:     time.Now(),
		metricNames:   metricNames,
		extraMetrics:  extraMetrics,
		isFirstOutput: true,
		termenv:       termenv.NewOutput(os.Stdout),
		statsStyle:    lipgloss.NewStyle().PaddingLeft(8),
		updates:       make(chan stepUpdate, 100), // Large buffer so training is not blocked.
	}
	p.bar = progressbar.NewOptions(numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
	)
	p.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	p.drawDone.Add(1)
	go p.drawLoop()
	return p
}

// Update reports that training has reached the given step (0-based, just
// finished), with the current values of the metrics declared at construction,
// in the same order.
func (p *StepProgress) Update(step int, metricValues ...string) {
	amount := step + 1 - p.lastStep
	if amount <= 0 {
		return
	}
	p.lastStep = step + 1
	update := stepUpdate{
		amount:  amount,
		metrics: make([]string, 0, len(metricValues)+1),
	}
	update.metrics = append(update.metrics, fmt.Sprintf("%s of %s", humanizeInt(step+1), humanizeInt(p.numSteps)))
	update.metrics = append(update.metrics, metricValues...)
	p.updates <- update
}

// Done stops the display, waits for the last redraw and restores the cursor.
func (p *StepProgress) Done() {
	close(p.updates)
	p.drawDone.Wait()
	p.termenv.ShowCursor()
	fmt.Println()
}

// drawLoop asynchronously draws updates: this is handy if the training is
// faster than the terminal, in particular when running over a relatively slow
// network connection.
func (p *StepProgress) drawLoop() {
	defer p.drawDone.Done()
	for update := range p.updates {
		// Exhaust the updates in the buffer, keeping only the latest.
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-p.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		p.statsTable.Data(lgtable.NewStringData())
		p.statsTable.Row("Step", update.metrics[0])
		p.statsTable.Row("Mean step duration", FormatDuration(p.meanStepDuration()))
		for ii, name := range p.metricNames {
			value := ""
			if ii+1 < len(update.metrics) {
				value = update.metrics[ii+1]
			}
			p.statsTable.Row(name, value)
		}
		for _, extraMetric := range p.extraMetrics {
			name, value := extraMetric()
			p.statsTable.Row(name, value)
		}

		// Clear the previous lines that will be overwritten.
		p.termenv.HideCursor()
		if !p.isFirstOutput {
			numLinesToBackup := len(p.metricNames) + len(p.extraMetrics) + 2 + 2 + 2
			p.termenv.CursorPrevLine(numLinesToBackup)
		}
		p.isFirstOutput = false

		fmt.Println(p.statsStyle.Render(p.statsTable.String()))
		_ = p.bar.Add(amount)
		fmt.Println()
		p.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

func (p *StepProgress) meanStepDuration() time.Duration {
	if p.lastStep == 0 {
		return 0
	}
	return time.Since(p.startTime) / time.Duration(p.lastStep)
}

// FormatDuration pretty-prints a duration with 3 significant digits.
func FormatDuration(d time.Duration) string {
	switch {
	case d >= time.Hour:
		return fmt.Sprintf("%.1fh", d.Hours())
	case d >= time.Minute:
		return fmt.Sprintf("%.1fm", d.Minutes())
	case d >= time.Second:
		return fmt.Sprintf("%.2fs", d.Seconds())
	case d >= time.Millisecond:
		return fmt.Sprintf("%.1fms", float64(d.Microseconds())/1000.0)
	default:
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
}

func humanizeInt[I interface {
	uint64 | uint32 | uint16 | uint8 | int64 | int32 | int16 | int8 | int
}](nI I) string {
	n := int(nI)
	str := fmt.Sprintf("%d", n)
	result := make([]byte, 0, len(str)+len(str)/3)
	strLen := len(str)
	for i := strLen - 1; i >= 0; i-- {
		if (strLen-i-1)%3 == 0 && i < strLen-1 {
			result = append([]byte{'_'}, result...)
		}
		result = append([]byte{str[i]}, result...)
	}
	return string(result)
}
