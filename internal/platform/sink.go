package platform

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/am43/internal/blind"
)

// PositionState is the host's movement indicator
type PositionState int

const (
	PositionDecreasing PositionState = 0
	PositionIncreasing PositionState = 1
	PositionStopped    PositionState = 2
)

func (s PositionState) String() string {
	switch s {
	case PositionDecreasing:
		return "decreasing"
	case PositionIncreasing:
		return "increasing"
	default:
		return "stopped"
	}
}

// positionStateOf maps a native direction to the host indicator.
// Opening lowers the native value and raises the host one.
func positionStateOf(d blind.Direction) PositionState {
	switch d {
	case blind.Opening:
		return PositionIncreasing
	case blind.Closing:
		return PositionDecreasing
	default:
		return PositionStopped
	}
}

// AccessoryInfo describes a bound accessory to the host
type AccessoryInfo struct {
	Key          string `json:"key"`
	SerialNumber string `json:"serial_number"`
	Name         string `json:"name"`
	Address      string `json:"address,omitempty"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	Firmware     string `json:"firmware"`
}

// Sink is the home-automation host's accessory model.
// Positions are in host convention, 100 = fully open.
type Sink interface {
	Register(info AccessoryInfo)
	UpdateReachability(key string, reachable bool)
	UpdateCurrentPosition(key string, position int)
	UpdateTargetPosition(key string, position int)
	UpdatePositionState(key string, state PositionState)
	UpdateBattery(key string, percentage int, low bool)
	UpdateLightLevel(key string, level int)
}

// LogSink reports accessory updates through the logger
type LogSink struct {
	Logger *logrus.Logger
}

func (s LogSink) entry(key string) *logrus.Entry {
	return s.Logger.WithField("accessory", key)
}

func (s LogSink) Register(info AccessoryInfo) {
	s.entry(info.Key).WithFields(logrus.Fields{
		"name":   info.Name,
		"serial": info.SerialNumber,
	}).Info("Accessory registered")
}

func (s LogSink) UpdateReachability(key string, reachable bool) {
	s.entry(key).WithField("reachable", reachable).Info("Reachability changed")
}

func (s LogSink) UpdateCurrentPosition(key string, position int) {
	s.entry(key).WithField("position", position).Info("Current position")
}

func (s LogSink) UpdateTargetPosition(key string, position int) {
	s.entry(key).WithField("target", position).Info("Target position")
}

func (s LogSink) UpdatePositionState(key string, state PositionState) {
	s.entry(key).WithField("state", state.String()).Info("Position state")
}

func (s LogSink) UpdateBattery(key string, percentage int, low bool) {
	s.entry(key).WithFields(logrus.Fields{"battery": percentage, "low": low}).Info("Battery level")
}

func (s LogSink) UpdateLightLevel(key string, level int) {
	s.entry(key).WithField("light", level).Info("Light level")
}
