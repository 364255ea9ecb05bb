// Package proxyconfig holds the Proxy's shared, mutable fault-injection
// configuration and implements the GET/SET control-channel grammar that
// mutates it live.
package proxyconfig

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/hqnet/reliagram/internal/validate"
)

// Direction identifies which way a datagram is travelling through the Proxy.
type Direction int

const (
	// ClientToServer is traffic originating at the Client, bound for the Server.
	ClientToServer Direction = iota
	// ServerToClient is traffic originating at the Server, bound for the Client.
	ServerToClient
)

// Range is an inclusive [min, max] millisecond delay window.
type Range struct {
	Min int
	Max int
}

// Config is the shared fault-injection configuration. All fields must be
// accessed through Snapshot, Get, SetField, or Set; never read or written
// directly. The zero value is ready for concurrent use; New returns it.
type Config struct {
	mutex sync.RWMutex

	clientDrop      float64
	serverDrop      float64
	clientDelay     float64
	serverDelay     float64
	clientDelayTime Range
	serverDelayTime Range
}

// New constructs a Config with all chances at zero and delay-time windows at [0, 0].
func New() *Config {
	return &Config{}
}

// Snapshot is an immutable copy of Config taken under RLock, used by the
// forwarding engine so a single drop/delay decision observes one
// consistent view of the configuration rather than a torn read across
// fields (§5).
type Snapshot struct {
	ClientDrop      float64
	ServerDrop      float64
	ClientDelay     float64
	ServerDelay     float64
	ClientDelayTime Range
	ServerDelayTime Range
}

// Snapshot takes a consistent copy of the current configuration.
func (c *Config) Snapshot() Snapshot {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return Snapshot{
		ClientDrop:      c.clientDrop,
		ServerDrop:      c.serverDrop,
		ClientDelay:     c.clientDelay,
		ServerDelay:     c.serverDelay,
		ClientDelayTime: c.clientDelayTime,
		ServerDelayTime: c.serverDelayTime,
	}
}

// DropChance returns the drop probability for the given direction.
func (s Snapshot) DropChance(dir Direction) float64 {
	if dir == ClientToServer {
		return s.ClientDrop
	}
	return s.ServerDrop
}

// DelayChance returns the delay probability for the given direction.
func (s Snapshot) DelayChance(dir Direction) float64 {
	if dir == ClientToServer {
		return s.ClientDelay
	}
	return s.ServerDelay
}

// DelayRange returns the delay-time window for the given direction.
func (s Snapshot) DelayRange(dir Direction) Range {
	if dir == ClientToServer {
		return s.ClientDelayTime
	}
	return s.ServerDelayTime
}

// fieldSpec names one configuration key and how to get/set/validate it.
type fieldSpec struct {
	key      string
	get      func(c *Config) string
	validate func(v string) error
	apply    func(c *Config, v string)
}

func (c *Config) fields() []fieldSpec {
	return []fieldSpec{
		{
			key:      "client-drop",
			get:      func(c *Config) string { return formatFloat(c.clientDrop) },
			validate: func(v string) error { _, err := validate.Chance(v); return err },
			apply:    func(c *Config, v string) { c.clientDrop, _ = validate.Chance(v) },
		},
		{
			key:      "server-drop",
			get:      func(c *Config) string { return formatFloat(c.serverDrop) },
			validate: func(v string) error { _, err := validate.Chance(v); return err },
			apply:    func(c *Config, v string) { c.serverDrop, _ = validate.Chance(v) },
		},
		{
			key:      "client-delay",
			get:      func(c *Config) string { return formatFloat(c.clientDelay) },
			validate: func(v string) error { _, err := validate.Chance(v); return err },
			apply:    func(c *Config, v string) { c.clientDelay, _ = validate.Chance(v) },
		},
		{
			key:      "server-delay",
			get:      func(c *Config) string { return formatFloat(c.serverDelay) },
			validate: func(v string) error { _, err := validate.Chance(v); return err },
			apply:    func(c *Config, v string) { c.serverDelay, _ = validate.Chance(v) },
		},
		{
			key:      "client-delay-time",
			get:      func(c *Config) string { return formatRange(c.clientDelayTime) },
			validate: func(v string) error { _, _, err := validate.DelayTime(v); return err },
			apply: func(c *Config, v string) {
				lo, hi, _ := validate.DelayTime(v)
				c.clientDelayTime = Range{Min: lo, Max: hi}
			},
		},
		{
			key:      "server-delay-time",
			get:      func(c *Config) string { return formatRange(c.serverDelayTime) },
			validate: func(v string) error { _, _, err := validate.DelayTime(v); return err },
			apply: func(c *Config, v string) {
				lo, hi, _ := validate.DelayTime(v)
				c.serverDelayTime = Range{Min: lo, Max: hi}
			},
		},
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func formatRange(r Range) string {
	return fmt.Sprintf("%d-%d", r.Min, r.Max)
}

// SetField validates and applies a single key=value entry, protected by the
// config's write lock. It returns the human-readable outcome string used by
// the SET response, per-entry as required by §4.5.
func (c *Config) SetField(key, value string) string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for _, f := range c.fields() {
		if f.key != key {
			continue
		}
		if err := f.validate(value); err != nil {
			return fmt.Sprintf("error: %s: %v", key, err)
		}
		old := f.get(c)
		f.apply(c, value)
		return fmt.Sprintf("Updated %s from %s to %s", key, old, f.get(c))
	}
	return fmt.Sprintf("error: unknown key %q", key)
}

// Set applies a "SET k1=v1 k2=v2 ..." command body (without the leading
// "SET " keyword) one entry at a time, and returns the newline-joined
// summary of per-entry outcomes.
func (c *Config) Set(body string) string {
	entries := strings.Fields(body)
	if len(entries) == 0 {
		return "error: SET requires at least one key=value entry"
	}
	results := make([]string, 0, len(entries))
	for _, entry := range entries {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			results = append(results, fmt.Sprintf("error: malformed entry %q, expected key=value", entry))
			continue
		}
		results = append(results, c.SetField(key, value))
	}
	return strings.Join(results, "\n")
}

// getJSON is the JSON shape returned by Get, matching §4.5/§6 exactly.
type getJSON struct {
	ClientDrop      float64 `json:"client-drop"`
	ServerDrop      float64 `json:"server-drop"`
	ClientDelay     float64 `json:"client-delay"`
	ServerDelay     float64 `json:"server-delay"`
	ClientDelayTime [2]int  `json:"client-delay-time"`
	ServerDelayTime [2]int  `json:"server-delay-time"`
}

// Get renders the current configuration as the JSON object required by §4.5.
func (c *Config) Get() string {
	s := c.Snapshot()
	body, err := json.Marshal(getJSON{
		ClientDrop:      s.ClientDrop,
		ServerDrop:      s.ServerDrop,
		ClientDelay:     s.ClientDelay,
		ServerDelay:     s.ServerDelay,
		ClientDelayTime: [2]int{s.ClientDelayTime.Min, s.ClientDelayTime.Max},
		ServerDelayTime: [2]int{s.ServerDelayTime.Min, s.ServerDelayTime.Max},
	})
	if err != nil {
		// json.Marshal on a struct of floats/ints/arrays cannot fail.
		return "error: failed to encode configuration"
	}
	return string(body)
}

// HandleCommand dispatches an ASCII control-channel command ("GET" or
// "SET ...") and returns the ASCII response, per §4.5. Anything else
// produces an error string.
func (c *Config) HandleCommand(cmd string) string {
	cmd = strings.TrimSpace(cmd)
	if cmd == "GET" {
		return c.Get()
	}
	if rest, ok := strings.CutPrefix(cmd, "SET "); ok {
		return c.Set(rest)
	}
	return fmt.Sprintf("error: unrecognised command %q", cmd)
}
