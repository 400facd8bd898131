package ratelimit

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Channel names a rate-limited activity.
type Channel string

const (
	ChannelTileAction     Channel = "tile_action"
	ChannelPrivateMessage Channel = "private_message"
)

// Window bounds the number of events within a rolling duration.
type Window struct {
	Duration time.Duration
	Limit    int
}

// Millis returns the window length in milliseconds.
func (w Window) Millis() int64 { return w.Duration.Milliseconds() }

// Windows is an ordered list of windows. Its text form is
// "<durationMs>:<limit>[,<durationMs>:<limit>...]", e.g. "1000:5,2000:10".
type Windows []Window

// UnmarshalText implements encoding.TextUnmarshaler for env parsing.
func (ws *Windows) UnmarshalText(text []byte) error {
	parsed, err := ParseWindows(string(text))
	if err != nil {
		return err
	}
	*ws = parsed
	return nil
}

// String renders the text form.
func (ws Windows) String() string {
	parts := make([]string, len(ws))
	for i, w := range ws {
		parts[i] = fmt.Sprintf("%d:%d", w.Millis(), w.Limit)
	}
	return strings.Join(parts, ",")
}

// ParseWindows parses the text form of Windows.
func ParseWindows(s string) (Windows, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty window list")
	}
	var out Windows
	for _, part := range strings.Split(s, ",") {
		durStr, limitStr, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			return nil, fmt.Errorf("window %q: expected <durationMs>:<limit>", part)
		}
		ms, err := strconv.ParseInt(strings.TrimSpace(durStr), 10, 64)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("window %q: invalid duration", part)
		}
		limit, err := strconv.Atoi(strings.TrimSpace(limitStr))
		if err != nil || limit <= 0 {
			return nil, fmt.Errorf("window %q: invalid limit", part)
		}
		out = append(out, Window{Duration: time.Duration(ms) * time.Millisecond, Limit: limit})
	}
	return out, nil
}

// Config maps channels to their windows.
type Config map[Channel]Windows

// DefaultConfig returns the standard channel limits.
func DefaultConfig() Config {
	return Config{
		ChannelTileAction: {
			{Duration: time.Second, Limit: 5},
			{Duration: 2 * time.Second, Limit: 10},
		},
		ChannelPrivateMessage: {
			{Duration: 10 * time.Second, Limit: 10},
		},
	}
}
