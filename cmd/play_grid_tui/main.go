package main

import (
	"context"
	"log"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/cbegin/beatgrid-go"
	"github.com/cbegin/beatgrid-go/internal/config"
	"github.com/cbegin/beatgrid-go/internal/logging"
)

func main() {
	var (
		configPath  = flag.StringP("config", "c", "beatgrid.yaml", "path to the YAML config")
		patternPath = flag.StringP("pattern", "p", "", "pattern file (overrides the config)")
		logPath     = flag.String("log-file", "beatgrid-tui.log", "where logs go while the grid is on screen")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	if *patternPath != "" {
		cfg.PatternFile = *patternPath
	}
	if cfg.Log.File == "" {
		cfg.Log.File = *logPath
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	m, err := beatgrid.NewMachine(cfg, beatgrid.WithLogger(logger))
	if err != nil {
		log.Fatal(err)
	}
	defer m.Close()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := m.LoadSamples(ctx); err != nil {
			logger.Warn("some voices will be silent", zap.Error(err))
		}
	}()

	p := tea.NewProgram(newModel(m), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		log.Fatal(err)
	}
}
