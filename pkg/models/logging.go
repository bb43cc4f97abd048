/*
Package models définit les structures de données partagées du service apibus.

Ce fichier contient les structures de la journalisation structurée et du journal
des messages consommés, lues par le moniteur.
*/
package models

import "encoding/json"

// LogLevel définit les niveaux de sévérité pour les journaux structurés.
type LogLevel string

const (
	// LogLevelINFO représente un niveau de journalisation informatif.
	LogLevelINFO LogLevel = "INFO"
	// LogLevelWARN représente un avertissement.
	LogLevelWARN LogLevel = "WARN"
	// LogLevelERROR représente un niveau de journalisation d'erreur.
	LogLevelERROR LogLevel = "ERROR"
)

// LogEntry est une ligne du journal du service (fichier `apibus.log`),
// telle qu'écrite par le logger zap configuré dans internal/logging.
// Les champs contextuels ajoutés par zap sont ignorés au décodage, sauf
// `error`.
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`          // Horodatage au format RFC3339.
	Level     LogLevel               `json:"level"`              // Niveau de sévérité (INFO, WARN, ERROR).
	Message   string                 `json:"message"`            // Message principal du journal.
	Service   string                 `json:"service"`            // Nom du service émetteur.
	Error     string                 `json:"error,omitempty"`    // Message d'erreur, le cas échéant.
	Metadata  map[string]interface{} `json:"metadata,omitempty"` // Données contextuelles supplémentaires.
}

// Types d'événements du journal des messages consommés.
const (
	EventMessageReceived = "message.received"
	EventHandlerFailed   = "handler.failed"
	EventDeadLettered    = "message.dead_lettered"
)

// EventEntry est un enregistrement du journal des messages consommés
// (fichier `apibus.events`, une ligne JSON par message).
//
// Il capture une copie fidèle de chaque message livré à un handler, avec son
// sujet, sa partition, son offset et l'issue du traitement. Ce journal sert
// à l'audit, à la relecture et au moniteur.
type EventEntry struct {
	Timestamp    string          `json:"timestamp"`               // Horodatage de réception au format RFC3339.
	EventType    string          `json:"event_type"`              // Voir les constantes Event*.
	Topic        string          `json:"topic"`                   // Sujet source.
	Partition    int32           `json:"partition"`               // Partition source.
	Offset       int64           `json:"offset"`                  // Position du message dans la partition.
	RawMessage   string          `json:"raw_message"`             // Contenu brut du message.
	MessageSize  int             `json:"message_size"`            // Taille du message en octets.
	Attempts     int             `json:"attempts"`                // Tentatives du handler.
	HandlerError string          `json:"handler_error,omitempty"` // Dernière erreur du handler, le cas échéant.
	LogEvent     json.RawMessage `json:"log_event,omitempty"`     // Le message, s'il décode en LogEvent.
}

// Succeeded indique si le handler a traité le message.
func (e EventEntry) Succeeded() bool {
	return e.HandlerError == ""
}
