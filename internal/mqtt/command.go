package mqtt

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"nefit-easy-connector/internal/model"
)

// ErrInvalidCommand marks inbound commands that are dropped without reaching the thermostat.
var ErrInvalidCommand = errors.New("invalid command")

// Command kinds, matching the last topic segment.
const (
	CommandMode     = "mode"
	CommandSetpoint = "setpoint"
)

// Command is a validated inbound command.
type Command struct {
	Kind     string
	Mode     string
	Setpoint float64
}

func (c Command) String() string {
	if c.Kind == CommandSetpoint {
		return strconv.FormatFloat(c.Setpoint, 'f', -1, 64)
	}
	return c.Mode
}

// ParseCommand validates a message received on <base>/set/<kind>. Modes are matched case
// insensitively and normalized to lower case.
func ParseCommand(baseTopic, topic string, payload []byte) (Command, error) {
	prefix := strings.TrimRight(baseTopic, "/") + "/set/"
	if !strings.HasPrefix(topic, prefix) {
		return Command{}, fmt.Errorf("%w: unexpected topic %q", ErrInvalidCommand, topic)
	}
	value := strings.TrimSpace(string(payload))

	switch kind := strings.TrimPrefix(topic, prefix); kind {
	case CommandMode:
		mode := strings.ToLower(value)
		if mode != model.ModeManual && mode != model.ModeClock {
			return Command{}, fmt.Errorf("%w: mode %q", ErrInvalidCommand, value)
		}
		return Command{Kind: CommandMode, Mode: mode}, nil
	case CommandSetpoint:
		v, err := strconv.ParseFloat(value, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return Command{}, fmt.Errorf("%w: setpoint %q", ErrInvalidCommand, value)
		}
		return Command{Kind: CommandSetpoint, Setpoint: v}, nil
	default:
		return Command{}, fmt.Errorf("%w: unknown command %q", ErrInvalidCommand, kind)
	}
}
