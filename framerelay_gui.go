package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/data/binding"
	"fyne.io/fyne/v2/layout"
	"fyne.io/fyne/v2/widget"
	"github.com/rs/zerolog/log"
	"go.dedis.ch/framerelay/relay"
)

// controlPanel shows the state of a controller and lets the user start and
// stop its sessions.
type controlPanel struct {
	ctl *controller

	statusLabel   *widget.Label
	countersLabel *widget.Label
	lastErrLabel  *widget.Label
	errorsData    binding.StringList

	startButton *widget.Button
	stopButton  *widget.Button

	content fyne.CanvasObject
}

func newControlPanel(ctl *controller) *controlPanel {
	p := &controlPanel{
		ctl:           ctl,
		statusLabel:   widget.NewLabel("idle"),
		countersLabel: widget.NewLabel(""),
		lastErrLabel:  widget.NewLabel(""),
		errorsData:    binding.NewStringList(),
	}

	p.startButton = widget.NewButton("Start", func() {
		err := ctl.start()
		if err != nil {
			log.Warn().Err(err).Msg("failed to start session")
		}
		p.refresh()
	})

	p.stopButton = widget.NewButton("Stop", func() {
		err := ctl.stop()
		if err != nil {
			log.Warn().Err(err).Msg("session stopped with an error")
		}
		p.refresh()
	})

	// - errors per kind
	errorsList := widget.NewListWithData(
		p.errorsData,
		func() fyne.CanvasObject {
			return widget.NewLabel("template")
		},
		func(item binding.DataItem, obj fyne.CanvasObject) {
			obj.(*widget.Label).Bind(item.(binding.String))
		},
	)

	p.content = container.NewBorder(
		container.New(
			layout.NewVBoxLayout(),
			container.NewHBox(
				widget.NewLabel("Status:"),
				p.statusLabel,
				p.startButton,
				p.stopButton,
			),
			p.countersLabel,
			container.NewHBox(
				widget.NewLabel("Last error:"),
				p.lastErrLabel,
			),
			widget.NewLabel("Errors:"),
		),
		nil,
		nil,
		nil,
		errorsList,
	)

	p.refresh()

	return p
}

func (p *controlPanel) refresh() {
	p.statusLabel.SetText(p.ctl.state().String())

	stats, ok := p.ctl.stats()
	if !ok {
		p.countersLabel.SetText("No session yet")
		return
	}

	p.countersLabel.SetText(getCountersString(stats))
	p.lastErrLabel.SetText(stats.LastError)

	err := p.errorsData.Set(getErrorLines(stats))
	if err != nil {
		log.Warn().Err(err).Msg("failed to refresh errors")
	}
}

// runControlWindow shows a control window for ctl and returns once it is
// closed or ctx is done. The running session is stopped on return.
func runControlWindow(ctx context.Context, a fyne.App, ctl *controller, title string) error {
	panel := newControlPanel(ctl)

	window := a.NewWindow(title)
	window.SetContent(panel.content)
	window.Resize(fyne.NewSize(500, 300))

	closed := make(chan struct{})
	defer close(closed)

	go func() {
		ticker := time.NewTicker(time.Millisecond * 500)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				panel.refresh()
			case <-ctx.Done():
				a.Quit()
				return
			case <-closed:
				return
			}
		}
	}()

	window.ShowAndRun()

	ctl.shutdown()

	return nil
}

func getCountersString(stats relay.Stats) string {
	return fmt.Sprintf("Produced %d, delivered %d, dropped %d, queued %d",
		stats.Produced, stats.Delivered, stats.Dropped, stats.Queued)
}

func getErrorLines(stats relay.Stats) []string {
	lines := make([]string, 0, len(stats.Errors))
	for kind, n := range stats.Errors {
		lines = append(lines, fmt.Sprintf("%s: %d", kind, n))
	}
	sort.Strings(lines)
	return lines
}
