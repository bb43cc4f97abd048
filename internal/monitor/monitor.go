/*
Package monitor fournit le tableau de bord terminal du service apibus.

Le moniteur suit deux fichiers écrits par le service : le journal structuré
(zap, une ligne JSON par entrée) et le journal des messages consommés. Il en
dérive les compteurs du consommateur, l'état du démarrage et les derniers
LogEvent reçus, puis les affiche avec les widgets termui.
*/
package monitor

import (
	"strconv"
	"sync"
	"time"

	"github.com/agbruneau/apibus/internal/config"
	"github.com/agbruneau/apibus/pkg/models"
)

// HealthStatus définit les niveaux de santé pour les indicateurs du tableau de bord.
type HealthStatus int

const (
	HealthGood     HealthStatus = iota // Condition saine, affichée en vert.
	HealthWarning                      // Avertissement, affiché en jaune.
	HealthCritical                     // État critique, affiché en rouge.
)

// Messages du journal du service interprétés par le moniteur.
const (
	msgPeriodicMetrics = "Periodic consumer metrics"
	msgStateChanged    = "Bootstrap state changed"
)

// Config désigne les fichiers suivis et la profondeur des historiques.
type Config struct {
	LogFile         string
	EventsFile      string
	MaxRecentLogs   int
	MaxRecentEvents int
}

// ConfigFrom extrait la configuration du moniteur de celle du service.
func ConfigFrom(cfg *config.AppConfig) Config {
	return Config{
		LogFile:         cfg.App.LogFile,
		EventsFile:      cfg.Subscriber.EventsFile,
		MaxRecentLogs:   cfg.Monitor.MaxRecentLogs,
		MaxRecentEvents: cfg.Monitor.MaxRecentEvents,
	}
}

// Metrics agrège l'état observé. Les champs sont protégés par mu.
type Metrics struct {
	mu                    sync.RWMutex
	StartTime             time.Time
	MessagesReceived      int64
	MessagesProcessed     int64
	MessagesFailed        int64
	MessagesDeadLettered  int64
	LogEventsReceived     int64
	LastLogEvent          *models.LogEvent
	BootstrapState        string
	MessagesPerSecond     []float64
	SuccessRateHistory    []float64
	RecentLogs            []models.LogEntry
	RecentEvents          []models.EventEntry
	LastUpdateTime        time.Time
	Uptime                time.Duration
	CurrentMessagesPerSec float64
	CurrentSuccessRate    float64
	ErrorCount            int64
	LastErrorTime         time.Time
}

// Monitor encapsule l'état du tableau de bord.
type Monitor struct {
	Metrics *Metrics
	cfg     Config
}

// New crée un moniteur. Les profondeurs nulles prennent les valeurs par défaut.
func New(cfg Config) *Monitor {
	if cfg.MaxRecentLogs <= 0 {
		cfg.MaxRecentLogs = config.MonitorMaxRecentLogs
	}
	if cfg.MaxRecentEvents <= 0 {
		cfg.MaxRecentEvents = config.MonitorMaxRecentEvents
	}
	return &Monitor{
		cfg: cfg,
		Metrics: &Metrics{
			StartTime:          time.Now(),
			BootstrapState:     "-",
			RecentLogs:         make([]models.LogEntry, 0, cfg.MaxRecentLogs),
			RecentEvents:       make([]models.EventEntry, 0, cfg.MaxRecentEvents),
			MessagesPerSecond:  make([]float64, 0, config.MonitorMaxHistorySize),
			SuccessRateHistory: make([]float64, 0, config.MonitorMaxHistorySize),
		},
	}
}

// Config retourne la configuration du moniteur.
func (m *Monitor) Config() Config {
	return m.cfg
}

func appendBounded[T any](s []T, v T, max int) []T {
	s = append(s, v)
	if len(s) > max {
		s = s[len(s)-max:]
	}
	return s
}

// ProcessLog traite une ligne du journal du service.
func (m *Monitor) ProcessLog(entry models.LogEntry) {
	m.Metrics.mu.Lock()
	defer m.Metrics.mu.Unlock()

	m.Metrics.RecentLogs = appendBounded(m.Metrics.RecentLogs, entry, m.cfg.MaxRecentLogs)

	if entry.Level == models.LogLevelERROR {
		m.Metrics.ErrorCount++
		m.Metrics.LastErrorTime = time.Now()
	}

	switch entry.Message {
	case msgStateChanged:
		if to, ok := entry.Metadata["to"].(string); ok {
			m.Metrics.BootstrapState = to
		}
	case msgPeriodicMetrics:
		m.applyPeriodicMetrics(entry.Metadata)
	}

	m.Metrics.LastUpdateTime = time.Now()
}

// applyPeriodicMetrics reprend les compteurs publiés par le consommateur.
// Appelé avec mu verrouillé.
func (m *Monitor) applyPeriodicMetrics(md map[string]interface{}) {
	if md == nil {
		return
	}
	setCount := func(key string, dst *int64) {
		if v, ok := md[key].(float64); ok {
			*dst = int64(v)
		}
	}
	setCount("messages_received", &m.Metrics.MessagesReceived)
	setCount("messages_processed", &m.Metrics.MessagesProcessed)
	setCount("messages_failed", &m.Metrics.MessagesFailed)
	setCount("messages_dead_lettered", &m.Metrics.MessagesDeadLettered)

	if s, ok := md["messages_per_second"].(string); ok {
		if mps, err := strconv.ParseFloat(s, 64); err == nil {
			m.Metrics.MessagesPerSecond = appendBounded(m.Metrics.MessagesPerSecond, mps, config.MonitorMaxHistorySize)
			m.Metrics.CurrentMessagesPerSec = mps
		}
	}
	if s, ok := md["success_rate_percent"].(string); ok {
		if sr, err := strconv.ParseFloat(s, 64); err == nil {
			m.Metrics.SuccessRateHistory = appendBounded(m.Metrics.SuccessRateHistory, sr, config.MonitorMaxHistorySize)
			m.Metrics.CurrentSuccessRate = sr
		}
	}
}

// ProcessEvent traite un enregistrement du journal des messages consommés.
func (m *Monitor) ProcessEvent(entry models.EventEntry) {
	m.Metrics.mu.Lock()
	defer m.Metrics.mu.Unlock()

	m.Metrics.RecentEvents = appendBounded(m.Metrics.RecentEvents, entry, m.cfg.MaxRecentEvents)

	switch entry.EventType {
	case models.EventDeadLettered:
		m.Metrics.MessagesDeadLettered++
	case models.EventHandlerFailed:
		m.Metrics.MessagesReceived++
		m.Metrics.MessagesFailed++
		m.Metrics.ErrorCount++
		m.Metrics.LastErrorTime = time.Now()
	default:
		m.Metrics.MessagesReceived++
		m.Metrics.MessagesProcessed++
	}

	if len(entry.LogEvent) > 0 {
		if ev, ok := models.ParseLogEvent(entry.LogEvent); ok {
			m.Metrics.LogEventsReceived++
			m.Metrics.LastLogEvent = &ev
		}
	}

	uptime := time.Since(m.Metrics.StartTime)
	if uptime.Seconds() > 0 {
		m.Metrics.CurrentMessagesPerSec = float64(m.Metrics.MessagesReceived) / uptime.Seconds()
	}
	if m.Metrics.MessagesReceived > 0 {
		m.Metrics.CurrentSuccessRate = float64(m.Metrics.MessagesProcessed) / float64(m.Metrics.MessagesReceived) * 100
	}

	m.Metrics.LastUpdateTime = time.Now()
}

// Tick met à jour le temps d'activité.
func (m *Monitor) Tick() {
	m.Metrics.mu.Lock()
	defer m.Metrics.mu.Unlock()
	m.Metrics.Uptime = time.Since(m.Metrics.StartTime)
}
