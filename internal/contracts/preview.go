package contracts

const (
	// MessageTypeReady is sent by the bridge once the document is DOM-ready.
	MessageTypeReady = "ready"
	// MessageTypeSync reports a click together with its source line address.
	MessageTypeSync = "sync"
	// MessageTypeSplit reports the element picked while split mode is armed.
	MessageTypeSplit = "split"
	// MessageTypeScroll reports the document scroll offset.
	MessageTypeScroll = "scroll"
)

const (
	// MessageTypeNavigate asks the preview shell to load a document.
	MessageTypeNavigate = "navigate"
	// MessageTypeReload asks the preview shell to reload the current document.
	MessageTypeReload = "reload"
	// MessageTypeStop asks the preview shell to stop loading.
	MessageTypeStop = "stop"
	// MessageTypeEval asks the preview shell to evaluate JavaScript in the document.
	MessageTypeEval = "eval"
	// MessageTypeLoadStart is sent by the shell when a document starts loading.
	MessageTypeLoadStart = "load_start"
	// MessageTypeLoad is sent by the shell when a document finished loading.
	MessageTypeLoad = "load"
	// MessageTypeBridge wraps a bridge payload relayed by the shell.
	MessageTypeBridge = "bridge"
)

// IncomingMessage is the minimal envelope used to route messages.
type IncomingMessage struct {
	Type string `json:"type"`
}

// SourceLineAddress locates a DOM element by the source line of its start
// tag and the tag names from the document root down to the element.
type SourceLineAddress struct {
	Line int      `json:"line"`
	Tags []string `json:"tags"`
}

// ReadyMessage announces that the document for Name reached DOMContentLoaded.
type ReadyMessage struct {
	Type  string `json:"type"`
	Name  string `json:"name"`
	Lines int    `json:"lines"`
}

// SyncMessage reports a click. Href is nil unless the click hit an anchor.
type SyncMessage struct {
	Type string  `json:"type"`
	Name string  `json:"name"`
	Tag  string  `json:"tag"`
	Href *string `json:"href"`
	SourceLineAddress
}

// SplitMessage carries the child-index path of the element picked in split
// mode and the child count at each level.
type SplitMessage struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	Location []int  `json:"location"`
	Totals   []int  `json:"totals"`
}

// ScrollMessage carries the current scroll offset of the document.
type ScrollMessage struct {
	Type string  `json:"type"`
	Name string  `json:"name"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
}

// CommandMessage is sent from the host to the preview shell.
type CommandMessage struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
	JS   string `json:"js,omitempty"`
}

// LoadMessage is sent from the preview shell when a load starts or ends.
type LoadMessage struct {
	Type string `json:"type"`
	URL  string `json:"url"`
	OK   bool   `json:"ok"`
}

// BridgeMessage relays a raw bridge payload through the preview shell.
type BridgeMessage struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
}
