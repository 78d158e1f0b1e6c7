// Copyright (C) 2026 Pipewright
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
)

// StringList is a JSON-encoded list of strings stored in a text column.
type StringList []string

// Scan implements the sql.Scanner interface
func (l *StringList) Scan(value any) error {
	if value == nil {
		*l = []string{}
		return nil
	}

	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return errors.New("cannot scan StringList from non-string/[]byte value")
	}
}

// Value implements the driver.Valuer interface
func (l StringList) Value() (driver.Value, error) {
	if len(l) == 0 {
		return "[]", nil
	}
	return json.Marshal(l)
}

// Contains reports whether the list holds s.
func (l StringList) Contains(s string) bool {
	for _, item := range l {
		if item == s {
			return true
		}
	}
	return false
}

// TokenBreakdown tracks token counts per model tier, stored as JSON text.
type TokenBreakdown map[string]int64

// Scan implements the sql.Scanner interface
func (b *TokenBreakdown) Scan(value any) error {
	if value == nil {
		*b = TokenBreakdown{}
		return nil
	}

	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, b)
	case string:
		return json.Unmarshal([]byte(v), b)
	default:
		return errors.New("cannot scan TokenBreakdown from non-string/[]byte value")
	}
}

// Value implements the driver.Valuer interface
func (b TokenBreakdown) Value() (driver.Value, error) {
	if len(b) == 0 {
		return "{}", nil
	}
	return json.Marshal(b)
}

// PlanTaskItem is one entry of a plan's task breakdown, as emitted by the planner.
type PlanTaskItem struct {
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	AgentRole      string     `json:"agentRole"`
	Domain         string     `json:"domain"`
	DependsOn      []string   `json:"dependsOn"` // Titles; resolved to task IDs at split time
	CanParallelize bool       `json:"canParallelize"`
	Complexity     Complexity `json:"complexity"`
}

// PlanTaskItems is a JSON-serializable slice of PlanTaskItem.
type PlanTaskItems []PlanTaskItem

func (p *PlanTaskItems) Scan(value any) error {
	if value == nil {
		*p = []PlanTaskItem{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, p)
	case string:
		return json.Unmarshal([]byte(v), p)
	default:
		return errors.New("cannot scan PlanTaskItems from non-string/[]byte value")
	}
}

func (p PlanTaskItems) Value() (driver.Value, error) {
	if len(p) == 0 {
		return "[]", nil
	}
	return json.Marshal(p)
}
