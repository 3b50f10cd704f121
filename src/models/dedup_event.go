package models

import (
	"fmt"
	"time"
)

// DedupEventSource tells where a callback record originated.
type DedupEventSource string

const (
	DedupSourceWebhook   DedupEventSource = "webhook"
	DedupSourceReconcile DedupEventSource = "reconcile"
	DedupSourceSystem    DedupEventSource = "system"
)

// DedupEvent uniquely identifies an applied provider callback so that
// at-least-once webhook delivery collapses to exactly-once processing.
type DedupEvent struct {
	EventKey      string           `json:"eventKey"`
	TransactionID string           `json:"transactionId"`
	Source        DedupEventSource `json:"source"`
	EventType     string           `json:"eventType"`
	Payload       map[string]any   `json:"payload,omitempty"`
	ReceivedAt    time.Time        `json:"receivedAt"`
}

// BuildEventKey produces the stable dedup key for a callback. Empty provider
// IDs and result codes are pinned to fixed placeholders so replays with the
// same gaps still collide.
func BuildEventKey(kind, transactionID, providerID, resultCode string) string {
	if providerID == "" {
		providerID = "none"
	}
	if resultCode == "" {
		resultCode = "na"
	}
	return fmt.Sprintf("%s:%s:%s:%s", kind, transactionID, providerID, resultCode)
}
