/*
Point d'entrée du service apibus.

Le service attend que le courtier soit prêt, crée ses sujets, puis expose
l'API HTTP et consomme les sujets configurés jusqu'à SIGINT ou SIGTERM.
Construction: go build -o apibus ./cmd/server
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/agbruneau/apibus/internal/app"
	"github.com/agbruneau/apibus/internal/config"
	"github.com/agbruneau/apibus/internal/logging"
	"go.uber.org/zap"
)

func main() {
	os.Exit(run())
}

// run retourne le code de sortie du processus : 1 si le démarrage échoue
// ou si le service s'arrête sur une erreur.
func run() int {
	configPath := flag.String("config", "config.yaml", "chemin du fichier de configuration YAML")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Erreur de configuration: %v\n", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration invalide: %v\n", err)
		return 1
	}

	logger, err := logging.New(logging.Options{
		Service: cfg.App.ServiceName,
		Level:   cfg.App.LogLevel,
		File:    cfg.App.LogFile,
		Env:     cfg.App.Env,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Erreur lors de l'initialisation du logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	client, err := app.NewClient(cfg, logger)
	if err != nil {
		logger.Error("Broker client init failed", zap.String("driver", cfg.Bus.Driver), zap.Error(err))
		return 1
	}

	svc, err := app.New(cfg, client, logger)
	if err != nil {
		client.Close()
		logger.Error("Service init failed", zap.Error(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Service starting",
		zap.String("driver", cfg.Bus.Driver),
		zap.Strings("brokers", cfg.Bus.Brokers),
		zap.String("http_addr", cfg.HTTP.Addr))

	if err := svc.Run(ctx); err != nil {
		logger.Error("Service stopped on error", zap.Stringer("state", svc.State()), zap.Error(err))
		return 1
	}
	logger.Info("Service stopped")
	return 0
}
