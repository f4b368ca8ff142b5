package command

import (
	"fmt"
	"time"

	"github.com/sunnyfields/scada-core/internal/store"
)

// buildCommandLogPayload assembles the wire shape spec.md §6 names for
// "command_log", grounded line-for-line on
// command_log_payload.py's build_command_log_payload. username
// resolution is simplified to the user id (no users table is wired
// into internal/store per DESIGN.md) rather than a looked-up display
// name.
func buildCommandLogPayload(row store.CommandRow, eventStatus string, eventMessage *string) map[string]any {
	username := "System"
	if row.UserID != nil {
		username = fmt.Sprintf("user:%d", *row.UserID)
	}
	clientIP := "Unknown"
	if row.ClientIP != nil && *row.ClientIP != "" {
		clientIP = *row.ClientIP
	}
	equipmentLabel := stringField(row.Payload, "equipment_label", "Unknown")

	cmd := map[string]any{
		"command_id":      row.CommandID,
		"time":            row.CreatedAt.Format(time.RFC3339Nano),
		"plc":             row.PLCName,
		"container":       stringField(row.Payload, "equipment_label", row.PLCName),
		"equipment":       equipmentLabel,
		"data_point_label": stringField(row.Payload, "datapoint_label", row.DataPointRef),
		"bit_label":       row.Payload["bit_label"],
		"bit":             row.Payload["bit"],
		"value":           row.Payload["value"],
		"status":          row.Status,
		"attempts":        row.Attempts,
		"username":        username,
		"client_ip":       clientIP,
		"error_message":   row.Error,
	}

	payload := map[string]any{
		"type":    "command_log",
		"command": cmd,
	}
	if eventStatus != "" {
		payload["event"] = map[string]any{
			"ts":      time.Now().UTC().Format(time.RFC3339Nano),
			"status":  eventStatus,
			"message": eventMessage,
		}
	} else {
		payload["event"] = nil
	}
	return payload
}

func stringField(m map[string]any, key, fallback string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return fallback
}
