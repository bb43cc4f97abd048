package monitor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"time"

	"github.com/agbruneau/apibus/internal/config"
	"github.com/agbruneau/apibus/pkg/models"
)

// Clés du format zap de internal/logging, hors métadonnées.
var logEnvelopeKeys = map[string]struct{}{
	"timestamp":  {},
	"level":      {},
	"message":    {},
	"service":    {},
	"error":      {},
	"caller":     {},
	"stacktrace": {},
	"metadata":   {},
}

// WaitForFile attend que filename existe et retourne un descripteur ouvert.
// Elle retourne ctx.Err() si le contexte est annulé avant.
func WaitForFile(ctx context.Context, filename string) (*os.File, error) {
	for {
		file, err := os.Open(filename)
		if err == nil {
			return file, nil
		}
		if err := sleep(ctx, config.MonitorFileCheckInterval); err != nil {
			return nil, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Tail suit filename à la manière de `tail -F` et appelle fn pour chaque
// ligne complète et non vide. Une ligne partielle est relue une fois
// terminée. Un fichier tronqué ou recréé est relu depuis le début.
// Tail retourne nil quand ctx est annulé.
func Tail(ctx context.Context, filename string, fn func(line []byte)) error {
	file, err := WaitForFile(ctx, filename)
	if err != nil {
		return nil
	}
	defer func() { file.Close() }()

	var pos int64
	for {
		stat, err := os.Stat(filename)
		switch {
		case err != nil || !sameFile(file, stat):
			file.Close()
			if file, err = WaitForFile(ctx, filename); err != nil {
				return nil
			}
			pos = 0
			continue
		case stat.Size() < pos:
			pos = 0
		}

		if pos < stat.Size() {
			if pos, err = readLines(file, pos, fn); err != nil {
				return err
			}
		}

		if sleep(ctx, config.MonitorFilePollInterval) != nil {
			return nil
		}
	}
}

func sameFile(file *os.File, stat os.FileInfo) bool {
	cur, err := file.Stat()
	if err != nil {
		return false
	}
	return os.SameFile(cur, stat)
}

// readLines lit les lignes terminées à partir de pos et retourne la position
// suivant la dernière d'entre elles.
func readLines(file *os.File, pos int64, fn func(line []byte)) (int64, error) {
	if _, err := file.Seek(pos, io.SeekStart); err != nil {
		return pos, err
	}
	r := bufio.NewReader(file)
	for {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			return pos, nil
		}
		if err != nil {
			return pos, err
		}
		pos += int64(len(line))
		if line = bytes.TrimSpace(line); len(line) > 0 {
			fn(line)
		}
	}
}

// ParseLogLine décode une ligne du journal du service. Les champs ajoutés
// par zap au niveau racine sont rangés dans Metadata.
func ParseLogLine(line []byte) (models.LogEntry, bool) {
	var entry models.LogEntry
	if err := json.Unmarshal(line, &entry); err != nil || entry.Message == "" {
		return models.LogEntry{}, false
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(line, &fields); err != nil {
		return entry, true
	}
	for k, v := range fields {
		if _, ok := logEnvelopeKeys[k]; ok {
			continue
		}
		if entry.Metadata == nil {
			entry.Metadata = make(map[string]interface{})
		}
		entry.Metadata[k] = v
	}
	return entry, true
}

// ParseEventLine décode un enregistrement du journal des messages consommés.
func ParseEventLine(line []byte) (models.EventEntry, bool) {
	var entry models.EventEntry
	if err := json.Unmarshal(line, &entry); err != nil || entry.EventType == "" {
		return models.EventEntry{}, false
	}
	return entry, true
}

// SendLogs retourne un callback de Tail qui transmet les entrées de journal
// à ch. Les entrées sont ignorées si ch est plein.
func SendLogs(ch chan<- models.LogEntry) func([]byte) {
	return func(line []byte) {
		entry, ok := ParseLogLine(line)
		if !ok {
			return
		}
		select {
		case ch <- entry:
		default:
		}
	}
}

// SendEvents est l'équivalent de SendLogs pour le journal des messages.
func SendEvents(ch chan<- models.EventEntry) func([]byte) {
	return func(line []byte) {
		entry, ok := ParseEventLine(line)
		if !ok {
			return
		}
		select {
		case ch <- entry:
		default:
		}
	}
}
