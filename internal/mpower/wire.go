package mpower

import (
	"github.com/kuretru/mPower-Gateway/entity"
)

const (
	DefaultWebSocketPort = 7681

	loginPath  = "/login.cgi"
	logoutPath = "/logout.cgi"
	sensorPath = "/sensors"

	sessionCookie        = "AIROS_SESSIONID"
	webSocketProtocol    = "mfi-protocol"
	webSocketReadLimit   = 64 * 1024
	invalidCredentials   = "Invalid credentials"
	commandStatusSuccess = "success"
)

type sensorsMessage struct {
	Sensors []*entity.SensorData `json:"sensors"`
}

type deltaMessage struct {
	Sensors []*entity.SensorDelta `json:"sensors"`
}

type commandMessage struct {
	Sensors []commandSensor `json:"sensors"`
}

type commandSensor struct {
	Port   int `json:"port"`
	Output int `json:"output"`
}

type keepaliveMessage struct {
	Time int `json:"time"`
}

type commandResult struct {
	Status string `json:"status"`
}
