// internal/data/command.go
package data

import (
	"encoding/json"
	"fmt"
)

// CommandType names an outbound control command.
type CommandType string

const (
	CmdStartFire  CommandType = "start_fire"
	CmdClearFires CommandType = "clear_fires"
	CmdPlay       CommandType = "play"
	CmdPause      CommandType = "pause"
	CmdReset      CommandType = "reset"
	CmdSetStep    CommandType = "set_step"
	CmdSetSpeed   CommandType = "set_speed"
)

// Command is a control frame sent from the dashboard to the feed server.
// Only the fields relevant to Type are encoded.
type Command struct {
	Type      CommandType `json:"type"`
	Lat       *float64    `json:"lat,omitempty"`
	Lon       *float64    `json:"lon,omitempty"`
	Intensity *float64    `json:"intensity,omitempty"`
	Step      *int        `json:"step,omitempty"`
	Speed     *float64    `json:"speed,omitempty"`
}

func StartFire(lat, lon, intensity float64) Command {
	return Command{Type: CmdStartFire, Lat: &lat, Lon: &lon, Intensity: &intensity}
}

func ClearFires() Command { return Command{Type: CmdClearFires} }
func Play() Command       { return Command{Type: CmdPlay} }
func Pause() Command      { return Command{Type: CmdPause} }
func Reset() Command      { return Command{Type: CmdReset} }

func SetStep(step int) Command {
	return Command{Type: CmdSetStep, Step: &step}
}

func SetSpeed(speed float64) Command {
	return Command{Type: CmdSetSpeed, Speed: &speed}
}

// PlaybackCommand maps a playback action name to its command.
func PlaybackCommand(action string) (Command, bool) {
	switch CommandType(action) {
	case CmdPlay:
		return Play(), true
	case CmdPause:
		return Pause(), true
	case CmdReset:
		return Reset(), true
	}
	return Command{}, false
}

// ParseCommand decodes a command frame, filling defaults for start_fire the
// way the fire servers do.
func ParseCommand(raw []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}
	switch cmd.Type {
	case CmdStartFire:
		if cmd.Lat == nil || cmd.Lon == nil {
			return Command{}, &ValidationError{Type: MessageType(cmd.Type), Fields: []string{"lat", "lon"}}
		}
		if cmd.Intensity == nil {
			one := 1.0
			cmd.Intensity = &one
		}
	case CmdSetStep:
		if cmd.Step == nil || *cmd.Step < 0 {
			return Command{}, &ValidationError{Type: MessageType(cmd.Type), Fields: []string{"step"}}
		}
	case CmdSetSpeed:
		if cmd.Speed == nil {
			return Command{}, &ValidationError{Type: MessageType(cmd.Type), Fields: []string{"speed"}}
		}
	case CmdClearFires, CmdPlay, CmdPause, CmdReset:
	default:
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownType, cmd.Type)
	}
	return cmd, nil
}
