package models

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LogEvent est l'enregistrement publié sur le sujet des journaux pour
// chaque requête HTTP observée. Les noms JSON sont figés : les consommateurs
// en aval les lisent tels quels.
type LogEvent struct {
	Timestamp    float64 `json:"timestamp"`    // Secondes depuis l'epoch, non décroissantes.
	Method       string  `json:"method"`       // Méthode HTTP.
	Path         string  `json:"path"`         // Chemin de la requête.
	ClientIP     string  `json:"clientIp"`     // Adresse du client.
	StatusCode   int     `json:"statusCode"`   // Code de la réponse.
	LatencyMs    float64 `json:"latencyMs"`    // Durée de traitement en millisecondes.
	RequestID    string  `json:"requestId"`    // UUIDv4 unique par événement.
	RequestBody  string  `json:"requestBody"`  // Corps de la requête.
	ResponseBody string  `json:"responseBody"` // Réponse, encodée en JSON.
}

// NewRequestID retourne un identifiant de requête (UUIDv4).
func NewRequestID() string {
	return uuid.NewString()
}

// ParseLogEvent décode data en LogEvent. Un message sans requestId n'est pas
// un LogEvent.
func ParseLogEvent(data []byte) (LogEvent, bool) {
	var ev LogEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.RequestID == "" {
		return LogEvent{}, false
	}
	return ev, true
}

// EventClock fournit des horodatages non décroissants, même si l'horloge
// murale recule. Le zéro est prêt à l'emploi.
type EventClock struct {
	mu   sync.Mutex
	last float64
	now  func() time.Time
}

// NewEventClock retourne une horloge lisant now ; nil signifie time.Now.
func NewEventClock(now func() time.Time) *EventClock {
	return &EventClock{now: now}
}

// Now retourne max(dernier horodatage, maintenant) en secondes depuis l'epoch.
func (c *EventClock) Now() float64 {
	now := time.Now
	if c.now != nil {
		now = c.now
	}
	ts := float64(now().UnixNano()) / float64(time.Second)

	c.mu.Lock()
	defer c.mu.Unlock()
	if ts < c.last {
		ts = c.last
	}
	c.last = ts
	return ts
}
