// Copyright (c) 2025 Databracket. All rights reserved.
// Use of this source code is governed by the license that can be found
// in the LICENSE file.

package protocol

import "encoding/json"

// StatusMessage carries an optional host-telemetry heartbeat. It
// extends the feedback/action contract: an agent or backend that does
// not understand "status" simply never sends or reads one, and its
// absence never affects action/feedback delivery.
type StatusMessage struct {
	MID         string  `json:"mid"`
	CPUPercent  float64 `json:"cpu_percent"`
	MemPercent  float64 `json:"mem_percent"`
	DiskPercent float64 `json:"disk_percent"`
}

func (m *StatusMessage) MessageID() string { return m.MID }
func (m *StatusMessage) Type() string       { return "status" }

func parseStatus(data []byte, mid string) (*StatusMessage, error) {
	var raw struct {
		CPUPercent  float64 `json:"cpu_percent"`
		MemPercent  float64 `json:"mem_percent"`
		DiskPercent float64 `json:"disk_percent"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &MessageError{Reason: "invalid status fields: " + err.Error()}
	}
	return &StatusMessage{
		MID:         mid,
		CPUPercent:  raw.CPUPercent,
		MemPercent:  raw.MemPercent,
		DiskPercent: raw.DiskPercent,
	}, nil
}

// MarshalStatus encodes a StatusMessage to its wire form. Marshal in
// message.go delegates to it for *StatusMessage values.
func MarshalStatus(m *StatusMessage) ([]byte, error) {
	return json.Marshal(struct {
		Type        string  `json:"type"`
		MID         string  `json:"mid"`
		CPUPercent  float64 `json:"cpu_percent"`
		MemPercent  float64 `json:"mem_percent"`
		DiskPercent float64 `json:"disk_percent"`
	}{
		Type:        "status",
		MID:         m.MID,
		CPUPercent:  m.CPUPercent,
		MemPercent:  m.MemPercent,
		DiskPercent: m.DiskPercent,
	})
}
