package session

import (
	"dockwatch/internal/stats"
	"dockwatch/internal/target"
)

// Action is an inbound client request. The set is closed: anything outside it
// is rejected with an error notice and causes no state change.
type Action string

const (
	ActionRestart Action = "restart"
	ActionUpgrade Action = "upgrade"
)

type actionRequest struct {
	Action Action `json:"action"`
}

// Outbound message kinds. Each kind has its own struct so the wire surface is
// a closed set rather than ad-hoc maps.
const (
	typeAppConfig     = "app_config"
	typeUserInfo      = "user_info"
	typeContainerInfo = "container_info"
	typeStats         = "stats"
	typeLog           = "log"
	typeStatus        = "status"
	typeError         = "error"
)

type appConfigMessage struct {
	Type  string `json:"type"`
	Title string `json:"title"`
}

type userInfoMessage struct {
	Type     string `json:"type"`
	Username string `json:"username"`
}

type containerInfoMessage struct {
	Type          string `json:"type"`
	ContainerName string `json:"containerName"`
	ContainerID   string `json:"containerId"`
	Image         string `json:"image"`
	Status        string `json:"status"`
	StartedAt     string `json:"startedAt,omitempty"`
	RestartCount  int    `json:"restartCount"`
}

type statsMessage struct {
	Type string `json:"type"`
	stats.Record
}

type logMessage struct {
	Type   string `json:"type"`
	Source string `json:"source"`
	Line   string `json:"line"`
}

type statusMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func newAppConfig(title string) appConfigMessage {
	return appConfigMessage{Type: typeAppConfig, Title: title}
}

func newUserInfo(username string) userInfoMessage {
	return userInfoMessage{Type: typeUserInfo, Username: username}
}

func newContainerInfo(info target.Info) containerInfoMessage {
	return containerInfoMessage{
		Type:          typeContainerInfo,
		ContainerName: info.Name,
		ContainerID:   info.ShortID,
		Image:         info.Image,
		Status:        info.Status,
		StartedAt:     info.StartedAt,
		RestartCount:  info.RestartCount,
	}
}

func newStats(rec stats.Record) statsMessage {
	return statsMessage{Type: typeStats, Record: rec}
}

func newLog(source, line string) logMessage {
	return logMessage{Type: typeLog, Source: source, Line: line}
}

func newStatus(msg string) statusMessage {
	return statusMessage{Type: typeStatus, Message: msg}
}

func newError(msg string) errorMessage {
	return errorMessage{Type: typeError, Message: msg}
}
