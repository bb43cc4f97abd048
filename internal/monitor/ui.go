package monitor

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/agbruneau/apibus/internal/config"
	"github.com/agbruneau/apibus/pkg/models"
	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"
)

const (
	waitingLogs   = "En attente de logs..."
	waitingEvents = "En attente d'événements..."
)

// StatusThreshold définit un seuil pour l'évaluation de l'état.
type StatusThreshold struct {
	MinValue float64
	Status   HealthStatus
	Text     string
	Color    ui.Color
}

// evaluateStatus retourne le premier seuil atteint par value, ou le dernier.
func evaluateStatus(value float64, thresholds []StatusThreshold) (HealthStatus, string, ui.Color) {
	for _, t := range thresholds {
		if value >= t.MinValue {
			return t.Status, t.Text, t.Color
		}
	}
	if len(thresholds) > 0 {
		last := thresholds[len(thresholds)-1]
		return last.Status, last.Text, last.Color
	}
	return HealthCritical, "● INCONNU", ui.ColorRed
}

var (
	successThresholds = []StatusThreshold{
		{config.MonitorSuccessRateExcellent, HealthGood, "● EXCELLENT", ui.ColorGreen},
		{config.MonitorSuccessRateGood, HealthWarning, "● BON", ui.ColorYellow},
		{0, HealthCritical, "● CRITIQUE", ui.ColorRed},
	}

	throughputThresholds = []StatusThreshold{
		{config.MonitorThroughputNormal, HealthGood, "● NORMAL", ui.ColorGreen},
		{config.MonitorThroughputLow, HealthWarning, "● FAIBLE", ui.ColorYellow},
		{0, HealthCritical, "● ARRÊTÉ", ui.ColorRed},
	}
)

// GetSuccessStatus évalue le taux de succès du consommateur.
func GetSuccessStatus(successRate float64) (HealthStatus, string, ui.Color) {
	return evaluateStatus(successRate, successThresholds)
}

// GetThroughputStatus évalue le débit de messages.
func GetThroughputStatus(mps float64) (HealthStatus, string, ui.Color) {
	return evaluateStatus(mps, throughputThresholds)
}

// GetErrorStatus évalue l'ancienneté de la dernière erreur.
func GetErrorStatus(errorCount int64, lastErrorTime time.Time) (HealthStatus, string, ui.Color) {
	if errorCount == 0 {
		return HealthGood, "● AUCUNE", ui.ColorGreen
	}
	since := time.Since(lastErrorTime)
	switch {
	case since > config.MonitorErrorTimeoutWarning:
		return HealthGood, "● AUCUNE", ui.ColorGreen
	case since > config.MonitorErrorTimeoutCritical:
		return HealthWarning, "● RÉCENTE", ui.ColorYellow
	default:
		return HealthCritical, "● ACTIVE", ui.ColorRed
	}
}

// GetBootstrapStatus évalue l'état de démarrage publié par le service.
func GetBootstrapStatus(state string) (HealthStatus, string, ui.Color) {
	switch state {
	case "Ready":
		return HealthGood, "● " + state, ui.ColorGreen
	case "Failed":
		return HealthCritical, "● " + state, ui.ColorRed
	case "", "-":
		return HealthWarning, "● INCONNU", ui.ColorYellow
	default:
		return HealthWarning, "● " + state, ui.ColorYellow
	}
}

func worst(statuses ...HealthStatus) HealthStatus {
	w := HealthGood
	for _, s := range statuses {
		if s > w {
			w = s
		}
	}
	return w
}

func globalHealthText(s HealthStatus) (string, ui.Color) {
	switch s {
	case HealthWarning:
		return "● ATTENTION", ui.ColorYellow
	case HealthCritical:
		return "● CRITIQUE", ui.ColorRed
	default:
		return "● EXCELLENT", ui.ColorGreen
	}
}

func formatUptime(uptime time.Duration) string {
	switch {
	case uptime.Hours() >= 1:
		return fmt.Sprintf("%.1fh", uptime.Hours())
	case uptime.Minutes() >= 1:
		return fmt.Sprintf("%.0fm", uptime.Minutes())
	default:
		return fmt.Sprintf("%.0fs", uptime.Seconds())
	}
}

func truncate(row string) string {
	r := []rune(row)
	if len(r) <= config.MonitorMaxRowLength {
		return row
	}
	suffix := []rune(config.MonitorTruncateSuffix)
	return string(r[:config.MonitorMaxRowLength-len(suffix)]) + string(suffix)
}

// clock extrait HH:MM:SS d'un horodatage RFC3339.
func clock(ts string) string {
	if len(ts) >= 19 {
		return ts[11:19]
	}
	return ts
}

// CreateMetricsTable initialise le tableau des compteurs.
func CreateMetricsTable() *widgets.Table {
	table := widgets.NewTable()
	table.Rows = metricsRows(&Metrics{})
	table.TextStyle = ui.NewStyle(ui.ColorWhite)
	table.RowStyles[0] = ui.NewStyle(ui.ColorYellow, ui.ColorClear, ui.ModifierBold)
	table.SetRect(0, 0, 60, 12)
	table.ColumnWidths = []int{25, 35}
	return table
}

// CreateHealthDashboard initialise le tableau de santé.
func CreateHealthDashboard() *widgets.Table {
	table := widgets.NewTable()
	table.Rows = [][]string{
		{"Indicateur", "État"},
		{"Santé globale", "●"},
		{"Démarrage", "●"},
		{"Taux de succès", "●"},
		{"Débit", "●"},
		{"Erreurs", "●"},
		{"Temps d'activité", "-"},
	}
	table.TextStyle = ui.NewStyle(ui.ColorWhite)
	table.RowStyles[0] = ui.NewStyle(ui.ColorYellow, ui.ColorClear, ui.ModifierBold)
	table.SetRect(60, 0, 120, 12)
	table.ColumnWidths = []int{25, 35}
	return table
}

func newList(title, waiting string, x0, y0, x1, y1 int) *widgets.List {
	list := widgets.NewList()
	list.Title = title
	list.Rows = []string{waiting}
	list.TextStyle = ui.NewStyle(ui.ColorWhite)
	list.SelectedRowStyle = ui.NewStyle(ui.ColorBlack, ui.ColorWhite)
	list.WrapText = true
	list.SetRect(x0, y0, x1, y1)
	return list
}

// CreateLogList initialise la liste des logs récents de logFile.
func CreateLogList(logFile string) *widgets.List {
	return newList(fmt.Sprintf("Logs Récents (%s)", filepath.Base(logFile)), waitingLogs, 0, 12, 80, 22)
}

// CreateEventList initialise la liste des messages récents de eventsFile.
func CreateEventList(eventsFile string) *widgets.List {
	return newList(fmt.Sprintf("Messages Récents (%s)", filepath.Base(eventsFile)), waitingEvents, 80, 12, 160, 22)
}

func newPlot(title string, color ui.Color, x0, y0, x1, y1 int) *widgets.Plot {
	plot := widgets.NewPlot()
	plot.Title = title
	plot.Data = [][]float64{{}}
	plot.SetRect(x0, y0, x1, y1)
	plot.AxesColor = ui.ColorWhite
	plot.LineColors[0] = color
	plot.Marker = widgets.MarkerDot
	return plot
}

// CreateMessagesPerSecondChart initialise le graphique de débit.
func CreateMessagesPerSecondChart() *widgets.Plot {
	return newPlot("Débit de messages (msg/s)", ui.ColorGreen, 0, 22, 80, 32)
}

// CreateSuccessRateChart initialise le graphique du taux de succès.
func CreateSuccessRateChart() *widgets.Plot {
	return newPlot("Taux de succès (%)", ui.ColorBlue, 80, 22, 160, 32)
}

func metricsRows(m *Metrics) [][]string {
	lastRequest, lastUpdate := "-", "-"
	if m.LastLogEvent != nil {
		lastRequest = fmt.Sprintf("%s %s %d", m.LastLogEvent.Method, m.LastLogEvent.Path, m.LastLogEvent.StatusCode)
	}
	if !m.LastUpdateTime.IsZero() {
		lastUpdate = m.LastUpdateTime.Format("15:04:05")
	}
	return [][]string{
		{"Métrique", "Valeur"},
		{"Messages reçus", fmt.Sprintf("%d", m.MessagesReceived)},
		{"Messages traités", fmt.Sprintf("%d", m.MessagesProcessed)},
		{"Messages échoués", fmt.Sprintf("%d", m.MessagesFailed)},
		{"Lettres mortes", fmt.Sprintf("%d", m.MessagesDeadLettered)},
		{"LogEvents reçus", fmt.Sprintf("%d", m.LogEventsReceived)},
		{"Dernière requête", lastRequest},
		{"Débit (msg/s)", fmt.Sprintf("%.2f", m.CurrentMessagesPerSec)},
		{"Taux de succès", fmt.Sprintf("%.2f%%", m.CurrentSuccessRate)},
		{"Dernière màj", lastUpdate},
	}
}

// UpdateMetricsTable met à jour le tableau des compteurs.
func UpdateMetricsTable(table *widgets.Table, m *Metrics) {
	table.Rows = metricsRows(m)
}

// UpdateHealthDashboard met à jour le tableau de santé.
func UpdateHealthDashboard(dashboard *widgets.Table, m *Metrics) {
	bootStatus, bootText, bootColor := GetBootstrapStatus(m.BootstrapState)
	successStatus, successText, successColor := GetSuccessStatus(m.CurrentSuccessRate)
	throughputStatus, throughputText, throughputColor := GetThroughputStatus(m.CurrentMessagesPerSec)
	errorStatus, errorText, errorColor := GetErrorStatus(m.ErrorCount, m.LastErrorTime)
	globalText, globalColor := globalHealthText(worst(bootStatus, successStatus, throughputStatus, errorStatus))

	dashboard.Rows = [][]string{
		{"Indicateur", "État"},
		{"Santé globale", globalText},
		{"Démarrage", bootText},
		{"Taux de succès", successText},
		{"Débit", throughputText},
		{"Erreurs", errorText},
		{"Temps d'activité", formatUptime(m.Uptime)},
	}

	dashboard.RowStyles = map[int]ui.Style{
		0: ui.NewStyle(ui.ColorYellow, ui.ColorClear, ui.ModifierBold),
		1: ui.NewStyle(globalColor, ui.ColorClear, ui.ModifierBold),
		2: ui.NewStyle(bootColor, ui.ColorClear),
		3: ui.NewStyle(successColor, ui.ColorClear),
		4: ui.NewStyle(throughputColor, ui.ColorClear),
		5: ui.NewStyle(errorColor, ui.ColorClear),
		6: ui.NewStyle(ui.ColorCyan, ui.ColorClear),
	}
}

func formatLogRow(entry models.LogEntry) string {
	icon := "🟢"
	switch entry.Level {
	case models.LogLevelERROR:
		icon = "🔴"
	case models.LogLevelWARN:
		icon = "🟡"
	}
	return truncate(fmt.Sprintf("%s [%s] %s", icon, clock(entry.Timestamp), entry.Message))
}

func formatEventRow(entry models.EventEntry) string {
	status := "✅"
	switch {
	case entry.EventType == models.EventDeadLettered:
		status = "📭"
	case !entry.Succeeded():
		status = "❌"
	}

	summary := entry.RawMessage
	if ev, ok := models.ParseLogEvent(entry.LogEvent); ok {
		summary = fmt.Sprintf("%s %s %d", ev.Method, ev.Path, ev.StatusCode)
	}
	return truncate(fmt.Sprintf("%s [%s] %s@%d | %s", status, clock(entry.Timestamp), entry.Topic, entry.Offset, summary))
}

// UpdateLogList affiche les logs du plus récent au plus ancien.
func UpdateLogList(list *widgets.List, logs []models.LogEntry) {
	rows := make([]string, 0, len(logs))
	for i := len(logs) - 1; i >= 0; i-- {
		rows = append(rows, formatLogRow(logs[i]))
	}
	if len(rows) == 0 {
		rows = []string{waitingLogs}
	}
	list.Rows = rows
}

// UpdateEventList affiche les messages du plus récent au plus ancien.
func UpdateEventList(list *widgets.List, events []models.EventEntry) {
	rows := make([]string, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		rows = append(rows, formatEventRow(events[i]))
	}
	if len(rows) == 0 {
		rows = []string{waitingEvents}
	}
	list.Rows = rows
}

// UpdateCharts met à jour les graphiques de débit et de taux de succès.
// termui exige au moins un point par série.
func UpdateCharts(mpsChart, srChart *widgets.Plot, mps, sr []float64) {
	mpsChart.Data = [][]float64{series(mps)}
	srChart.Data = [][]float64{series(sr)}
}

func series(v []float64) []float64 {
	if len(v) == 0 {
		return []float64{0}
	}
	return append([]float64(nil), v...)
}

// Dashboard regroupe les widgets du moniteur.
type Dashboard struct {
	Metrics     *widgets.Table
	Health      *widgets.Table
	Logs        *widgets.List
	Events      *widgets.List
	Throughput  *widgets.Plot
	SuccessRate *widgets.Plot
}

// NewDashboard crée les widgets pour les fichiers suivis par m.
func (m *Monitor) NewDashboard() *Dashboard {
	return &Dashboard{
		Metrics:     CreateMetricsTable(),
		Health:      CreateHealthDashboard(),
		Logs:        CreateLogList(m.cfg.LogFile),
		Events:      CreateEventList(m.cfg.EventsFile),
		Throughput:  CreateMessagesPerSecondChart(),
		SuccessRate: CreateSuccessRateChart(),
	}
}

// Layout répartit les widgets sur un terminal de width x height : tableaux
// en haut, listes au milieu, graphiques en bas.
func (d *Dashboard) Layout(width, height int) {
	mid := width / 2
	d.Metrics.SetRect(0, 0, mid, 12)
	d.Health.SetRect(mid, 0, width, 12)
	d.Logs.SetRect(0, 12, mid, 22)
	d.Events.SetRect(mid, 12, width, 22)
	d.Throughput.SetRect(0, 22, mid, height)
	d.SuccessRate.SetRect(mid, 22, width, height)
}

// Drawables retourne les widgets dans l'ordre de rendu.
func (d *Dashboard) Drawables() []ui.Drawable {
	return []ui.Drawable{d.Metrics, d.Health, d.Logs, d.Events, d.Throughput, d.SuccessRate}
}

// UpdateUI rafraîchit tous les widgets avec les dernières métriques.
func (m *Monitor) UpdateUI(d *Dashboard) {
	m.Metrics.mu.RLock()
	defer m.Metrics.mu.RUnlock()

	UpdateMetricsTable(d.Metrics, m.Metrics)
	UpdateHealthDashboard(d.Health, m.Metrics)
	UpdateLogList(d.Logs, m.Metrics.RecentLogs)
	UpdateEventList(d.Events, m.Metrics.RecentEvents)
	UpdateCharts(d.Throughput, d.SuccessRate, m.Metrics.MessagesPerSecond, m.Metrics.SuccessRateHistory)
}
