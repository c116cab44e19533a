package ws

import (
	"github.com/fallenmoon/supervisor/internal/monitor"
	"github.com/fallenmoon/supervisor/internal/session"
)

// Actions a control client may request.
const (
	ActionRefreshServers = "refresh_servers"
	ActionConnectServer  = "connect_server"
	ActionExecute        = "execute_command"
	ActionStopServer     = "stop_server"
	ActionStartServer    = "start_server"
)

type MessageType string

const (
	MsgServerList     MessageType = "server_list"
	MsgConnectSuccess MessageType = "connect_success"
	MsgCommandResult  MessageType = "command_result"
	MsgServerStarted  MessageType = "server_started"
	MsgServerStopped  MessageType = "server_stopped"
	MsgServerCrashed  MessageType = "server_crashed"
	MsgServerStatus   MessageType = "server_status"
	MsgServerLog      MessageType = "server_log"
	MsgHeartbeat      MessageType = "heartbeat"
	MsgError          MessageType = "error"
)

// Result texts of execute_command.
const (
	ResultNotRunning    = "No server is running"
	ResultNoPassword    = "RCON password not found"
	ResultConnectFailed = "Failed to connect to RCON server"
	ResultExecFailed    = "Failed to execute command"
)

const (
	invalidJSONText   = "Invalid JSON format"
	clientTakenReason = "Another client is already connected"
)

// Request is an inbound control message.
type Request struct {
	Action     string `json:"action"`
	ServerName string `json:"server_name,omitempty"`
	Command    string `json:"command,omitempty"`
}

type ServerEntry struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}

type ServerListMessage struct {
	Type    MessageType   `json:"type"`
	Servers []ServerEntry `json:"servers"`
}

type ConnectSuccessMessage struct {
	Type   MessageType        `json:"type"`
	Server session.Descriptor `json:"server"`
}

type CommandResultMessage struct {
	Type   MessageType `json:"type"`
	Result string      `json:"result"`
}

// LifecycleMessage reports server_started, server_stopped and
// server_crashed.
type LifecycleMessage struct {
	Type       MessageType `json:"type"`
	ServerName string      `json:"server_name"`
	Message    string      `json:"message,omitempty"`
}

type StatusMessage struct {
	Type MessageType `json:"type"`
	monitor.StatusUpdate
}

type LogMessage struct {
	Type MessageType `json:"type"`
	Log  string      `json:"log"`
}

type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

type HeartbeatMessage struct {
	Type MessageType `json:"type"`
}

// malformedReply answers input that is not JSON at all. It has no type.
type malformedReply struct {
	Error string `json:"error"`
}
