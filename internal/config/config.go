// Package config handles hub and edge configuration loading and validation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// Duration wraps time.Duration for human-readable JSON ("20s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalJSON accepts either a duration string or nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value)
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		d.Duration = parsed
	default:
		return fmt.Errorf("invalid duration type %T", v)
	}
	return nil
}

// MarshalJSON writes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

// TurnServer is one TURN entry in the ICE server list.
type TurnServer struct {
	URLs     []string `json:"urls"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`
}

// SIP is the SIP account and transport configuration. It doubles as the
// payload of REQUEST_SIP_INIT, so field names are wire names.
type SIP struct {
	URI                 string            `json:"uri"`
	Password            string            `json:"password,omitempty"`
	WSServers           []string          `json:"wsServers"`
	DisplayName         string            `json:"displayName,omitempty"`
	RegisterExpires     int               `json:"registerExpires,omitempty"`     // seconds, default 3600
	ICEGatheringTimeout int               `json:"iceGatheringTimeout,omitempty"` // ms, default 5000
	ConnectionTimeout   int               `json:"connectionTimeout,omitempty"`   // ms, default 20000
	StunServers         []string          `json:"stunServers,omitempty"`
	TurnServers         []TurnServer      `json:"turnServers,omitempty"`
	ExtraHeaders        map[string]string `json:"extraHeaders,omitempty"`
	AutoReconnect       bool              `json:"autoReconnect,omitempty"`
	Logs                bool              `json:"logs,omitempty"`
	LogLevel            string            `json:"logLevel,omitempty"`
}

// SIP defaults.
const (
	DefaultRegisterExpires     = 3600
	DefaultICEGatheringTimeout = 5000  // ms
	DefaultConnectionTimeout   = 20000 // ms
)

// ApplyDefaults fills unset SIP fields.
func (s *SIP) ApplyDefaults() {
	if s.RegisterExpires == 0 {
		s.RegisterExpires = DefaultRegisterExpires
	}
	if s.ICEGatheringTimeout == 0 {
		s.ICEGatheringTimeout = DefaultICEGatheringTimeout
	}
	if s.ConnectionTimeout == 0 {
		s.ConnectionTimeout = DefaultConnectionTimeout
	}
}

// Validate checks the fields a SIP init cannot proceed without.
func (s *SIP) Validate() error {
	if s.URI == "" {
		return fmt.Errorf("sip: uri is required")
	}
	if !strings.HasPrefix(s.URI, "sip:") && !strings.HasPrefix(s.URI, "sips:") {
		return fmt.Errorf("sip: uri must be a sip: or sips: URI")
	}
	if len(s.WSServers) == 0 {
		return fmt.Errorf("sip: at least one signaling server is required")
	}
	return nil
}

// Hub configures the hub daemon.
type Hub struct {
	ListenAddr     string   `json:"listen_addr"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	LogLevel       string   `json:"log_level,omitempty"`
	LogFormat      string   `json:"log_format,omitempty"` // "json" or "text"
	SIP            *SIP     `json:"sip,omitempty"`        // optional pre-provisioned account
}

// ApplyDefaults fills unset hub fields.
func (h *Hub) ApplyDefaults() {
	if h.ListenAddr == "" {
		h.ListenAddr = "127.0.0.1:8059"
	}
	if h.LogLevel == "" {
		h.LogLevel = "info"
	}
	if h.LogFormat == "" {
		h.LogFormat = "text"
	}
}

// Edge configures an edge client.
type Edge struct {
	HubURL            string   `json:"hub_url"`
	InitializeTimeout Duration `json:"initialize_timeout,omitempty"` // default 5s
	RequestTimeout    Duration `json:"request_timeout,omitempty"`    // default 5s
	ConnectTimeout    Duration `json:"connect_timeout,omitempty"`    // default 20s
	LogLevel          string   `json:"log_level,omitempty"`
	LogFormat         string   `json:"log_format,omitempty"`
}

// ApplyDefaults fills unset edge fields.
func (e *Edge) ApplyDefaults() {
	if e.HubURL == "" {
		e.HubURL = "ws://127.0.0.1:8059/ws"
	}
	if e.InitializeTimeout.Duration == 0 {
		e.InitializeTimeout.Duration = 5 * time.Second
	}
	if e.RequestTimeout.Duration == 0 {
		e.RequestTimeout.Duration = 5 * time.Second
	}
	if e.ConnectTimeout.Duration == 0 {
		e.ConnectTimeout.Duration = 20 * time.Second
	}
	if e.LogLevel == "" {
		e.LogLevel = "info"
	}
	if e.LogFormat == "" {
		e.LogFormat = "text"
	}
}

// LoadHub reads a hub config file and applies defaults.
func LoadHub(path string) (*Hub, error) {
	var cfg Hub
	if err := loadJSON(path, &cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if cfg.SIP != nil {
		cfg.SIP.ApplyDefaults()
	}
	return &cfg, nil
}

// LoadEdge reads an edge config file and applies defaults.
func LoadEdge(path string) (*Edge, error) {
	var cfg Edge
	if err := loadJSON(path, &cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

func loadJSON(path string, dst any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}
