package queue

import (
	"fmt"
	"strings"
	"time"
)

// Trigger records who asked for a run.
type Trigger string

const (
	TriggerAPI       Trigger = "api"
	TriggerScheduler Trigger = "scheduler"
)

func (t Trigger) IsValid() bool {
	return t == TriggerAPI || t == TriggerScheduler
}

type RunMessage struct {
	Account       string    `json:"account"`
	BatchID       string    `json:"batchId"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Trigger       Trigger   `json:"trigger"`
	RequestedAt   time.Time `json:"requestedAt"`
}

func (m RunMessage) Validate() error {
	if strings.TrimSpace(m.Account) == "" {
		return fmt.Errorf("account is required")
	}
	if strings.TrimSpace(m.BatchID) == "" {
		return fmt.Errorf("batchId is required")
	}
	if !m.Trigger.IsValid() {
		return fmt.Errorf("invalid trigger %q", m.Trigger)
	}
	return nil
}
