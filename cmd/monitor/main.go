/*
Point d'entrée du moniteur TUI du service apibus.

Le moniteur suit le journal du service et le journal des messages consommés
désignés par la configuration, et affiche leur état jusqu'à 'q' ou Ctrl-C.
Construction: go build -o monitor ./cmd/monitor
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/agbruneau/apibus/internal/config"
	"github.com/agbruneau/apibus/internal/monitor"
	"github.com/agbruneau/apibus/pkg/models"
	ui "github.com/gizak/termui/v3"
)

func main() {
	configPath := flag.String("config", "config.yaml", "chemin du fichier de configuration YAML")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Erreur de configuration: %v\n", err)
		os.Exit(1)
	}

	if err := ui.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Erreur lors de l'initialisation de l'UI: %v\n", err)
		os.Exit(1)
	}
	defer ui.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mon := monitor.New(monitor.ConfigFrom(cfg))

	logChan := make(chan models.LogEntry, config.MonitorLogChannelBuffer)
	eventChan := make(chan models.EventEntry, config.MonitorEventChannelBuffer)
	go monitor.Tail(ctx, cfg.App.LogFile, monitor.SendLogs(logChan))
	go monitor.Tail(ctx, cfg.Subscriber.EventsFile, monitor.SendEvents(eventChan))

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case entry := <-logChan:
				mon.ProcessLog(entry)
			case entry := <-eventChan:
				mon.ProcessEvent(entry)
			}
		}
	}()

	dash := mon.NewDashboard()
	dash.Layout(ui.TerminalDimensions())
	ui.Render(dash.Drawables()...)

	refresh := time.Duration(cfg.Monitor.UIUpdateMs) * time.Millisecond
	if refresh <= 0 {
		refresh = config.MonitorUIUpdateInterval
	}
	ticker := time.NewTicker(refresh)
	defer ticker.Stop()

	uiEvents := ui.PollEvents()
	for {
		select {
		case e := <-uiEvents:
			switch e.ID {
			case "q", "<C-c>":
				return
			case "<Resize>":
				payload := e.Payload.(ui.Resize)
				dash.Layout(payload.Width, payload.Height)
				ui.Clear()
				ui.Render(dash.Drawables()...)
			}
		case <-ticker.C:
			mon.Tick()
			mon.UpdateUI(dash)
			ui.Render(dash.Drawables()...)
		}
	}
}
