package server

import "encoding/json"

// protocolVersion is the frame version understood by this daemon.
const protocolVersion = 1

// Frame is the newline-delimited JSON envelope exchanged on the IPC socket.
// Types fall in four namespaces: event.* (probe-delivered facts), cmd.*
// (admin mutations), query.* (admin reads), and the daemon's own resp.* /
// stream.* messages.
type Frame struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ReqID   string          `json:"req_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Inbound frame types.
const (
	TypeEventScreenOn     = "event.screen_on"
	TypeEventScreenOff    = "event.screen_off"
	TypeEventNotification = "event.notification_post"
	TypeEventForeground   = "event.foreground"
	TypeEventDozeChanged  = "event.doze_state_changed"

	TypeCmdSetPolicy   = "cmd.set_policy"
	TypeCmdSetSettings = "cmd.set_settings"
	TypeCmdRestart     = "cmd.restart_daemon"
	TypeCmdClearStats  = "cmd.clear_stats"

	TypeQueryHealthCheck   = "query.health_check"
	TypeQueryAllPolicies   = "query.get_all_policies"
	TypeQueryLogs          = "query.get_logs"
	TypeQueryResourceStats = "query.get_resource_stats"
)

// Outbound frame types.
const (
	TypeStreamDashboard = "stream.dashboard_update"
)

// instancePayload identifies an app instance in probe events.
type instancePayload struct {
	PackageName string `json:"package_name"`
	UserID      int    `json:"user_id"`
}

// dozeHintPayload is the body of event.doze_state_changed.
type dozeHintPayload struct {
	State string `json:"state"`
	Debug string `json:"debug"`
}

// setPolicyPayload is the body of cmd.set_policy.
type setPolicyPayload struct {
	PackageName string `json:"package_name"`
	Policy      int    `json:"policy"`
}

// setSettingsPayload is the body of cmd.set_settings.
type setSettingsPayload struct {
	TimedUnfreezeEnabled     bool `json:"timed_unfreeze_enabled"`
	TimedUnfreezeIntervalSec int  `json:"timed_unfreeze_interval_sec"`
}

// logsQueryPayload is the body of query.get_logs.
type logsQueryPayload struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// cmdResult is the generic response payload for cmd.* frames.
type cmdResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}
