package viewerproto

import "encoding/json"

// Version is the playback stream protocol version (separate from the REST API).
const Version = "1.0"

// Message types.
const (
	TypeSubscribe = "SUBSCRIBE"
	TypePlay      = "PLAY"
	TypePause     = "PAUSE"
	TypeToggle    = "TOGGLE"
	TypeScrub     = "SCRUB"
	TypeHover     = "HOVER"
	TypeDismiss   = "DISMISS"

	TypeReady       = "READY"
	TypeTimeline    = "TIMELINE"
	TypeFrame       = "FRAME"
	TypeUnavailable = "UNAVAILABLE"
	TypeNotice      = "NOTICE"
)

// Frame encodings.
const (
	// RGBA8_B64: base64 of W*H*4 bytes, rows top to bottom, 4 bytes per pixel (R,G,B,A).
	EncodingRGBA8 = "RGBA8_B64"
	// PNG_B64: base64 of a PNG image of the same pixels.
	EncodingPNG = "PNG_B64"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

// Client -> Server. First message on the connection; re-sending it switches tile or simulation.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	TileID          string `json:"tile_id"`
	SimulationID    string `json:"simulation_id"`
	Encoding        string `json:"encoding,omitempty"`
}

// Client -> Server. PLAY, PAUSE, TOGGLE, SCRUB, HOVER and DISMISS.
type ControlMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Step            int    `json:"step,omitempty"`
	Hovered         bool   `json:"hovered,omitempty"`
	NoticeID        string `json:"notice_id,omitempty"`
}

// Server -> Client. Sent after every accepted SUBSCRIBE.
type ReadyMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	SessionID       string   `json:"session_id"`
	Tile            TileInfo `json:"tile"`
	SimulationID    string   `json:"simulation_id"`

	Steps         []float64 `json:"steps"`
	Species       []string  `json:"species"`
	EpisodeLength int       `json:"episode_length"`
	Shape         [4]int    `json:"shape"`
}

type TileInfo struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Address     string        `json:"address"`
	Coordinates [4][2]float64 `json:"coordinates"`
	Outline     [][2]float64  `json:"outline"`
}

// Server -> Client. Sent on every playback state change.
type TimelineMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	CurrentStep     int    `json:"current_step"`
	MaxStep         int    `json:"max_step"`
	Playing         bool   `json:"playing"`
}

// Server -> Client. The overlay for the current step.
type FrameMsg struct {
	Type            string        `json:"type"`
	ProtocolVersion string        `json:"protocol_version"`
	Step            int           `json:"step"`
	Frame           int           `json:"frame"`
	Width           int           `json:"width"`
	Height          int           `json:"height"`
	Coordinates     [4][2]float64 `json:"coordinates"`
	Opacity         float64       `json:"opacity"`
	Resampling      string        `json:"resampling"`
	Encoding        string        `json:"encoding"`
	Data            string        `json:"data"`
}

// Server -> Client. The subscribed result cannot be shown; the client renders a neutral state.
type UnavailableMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Reason          string `json:"reason"`
}

// Server -> Client. A dismissable, transient problem. Playback continues.
type NoticeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ID              string `json:"id"`
	Message         string `json:"message"`
}
