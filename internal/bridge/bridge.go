// Package bridge is the host half of the JavaScript bridge injected into
// every previewed document. It builds the injection script, the command
// snippets evaluated in the document and decodes the messages the document
// sends back.
package bridge

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"go-live-book/internal/contracts"
	"go-live-book/internal/parse"
)

// SplitAttribute is set on <body> while split mode is armed.
const SplitAttribute = "data-in-split-mode"

const namePrefix = "__bookbridge_"

//go:embed bridge.js
var libraryJS string

// ErrUnknownMessage is returned by Decode for payloads of an unknown type.
var ErrUnknownMessage = errors.New("bridge: unknown message type")

// NewName returns a fresh window property name for the host binding. It is
// derived from a random UUID so page scripts cannot guess it.
func NewName() string {
	return namePrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Bridge builds scripts for one host binding name.
type Bridge struct {
	name string
}

func New(name string) *Bridge {
	return &Bridge{name: name}
}

// Name is the window property under which the host callback is registered.
func (b *Bridge) Name() string {
	return b.name
}

// Library is the window property under which the injected library lives.
func (b *Bridge) Library() string {
	return b.name + "_lib"
}

type scriptConfig struct {
	Name      string   `json:"name"`
	Lib       string   `json:"lib"`
	LineAttr  string   `json:"lineAttr"`
	SplitAttr string   `json:"splitAttr"`
	Root      string   `json:"root"`
	CSS       string   `json:"css"`
	Blocks    []string `json:"blocks"`
}

// InitScript returns the library source to run in every new document.
// root is the URL path prefix under which the view serves logical names;
// css is the user stylesheet installed into each document.
func (b *Bridge) InitScript(root, css string) string {
	cfg, _ := json.Marshal(scriptConfig{
		Name:      b.name,
		Lib:       b.Library(),
		LineAttr:  parse.LineAttribute,
		SplitAttr: SplitAttribute,
		Root:      root,
		CSS:       css,
		Blocks:    BlockTags,
	})
	return strings.TrimSpace(libraryJS) + "(" + string(cfg) + ");"
}

// call builds a statement invoking method on the library. It is a no-op in
// documents where the library is missing or was replaced by page scripts.
func (b *Bridge) call(method string, args ...any) string {
	encoded := make([]string, len(args))
	for i, arg := range args {
		data, _ := json.Marshal(arg)
		encoded[i] = string(data)
	}
	lib, _ := json.Marshal(b.Library())
	id, _ := json.Marshal(b.name)
	return fmt.Sprintf("(function () { var b = window[%s]; if (b && b.id === %s) { b.%s(%s); } })();",
		lib, id, method, strings.Join(encoded, ", "))
}

// GoToLine scrolls to the largest annotated line not after line.
func (b *Bridge) GoToLine(line int) string {
	return b.call("go_to_line", line)
}

// GoToSourceLineAddress is GoToLine preferring an element whose tag matches
// the innermost tag of addr.
func (b *Bridge) GoToSourceLineAddress(addr contracts.SourceLineAddress) string {
	tags := addr.Tags
	if tags == nil {
		tags = []string{}
	}
	return b.call("go_to_sourceline_address", addr.Line, tags)
}

// GoToAnchor scrolls to the element with the given id or name, or to hint
// when there is none.
func (b *Bridge) GoToAnchor(fragment string, hint int) string {
	return b.call("go_to_anchor", fragment, hint)
}

// SplitMode arms or disarms split mode.
func (b *Bridge) SplitMode(enabled bool) string {
	return b.call("split_mode", enabled)
}

// SetUserCSS replaces the user stylesheet of the current document.
func (b *Bridge) SetUserCSS(css string) string {
	return b.call("set_user_css", css)
}

// RestoreScroll scrolls the document to the given offset.
func (b *Bridge) RestoreScroll(x, y float64) string {
	return b.call("restore_scroll", x, y)
}

// Decode parses a payload sent by the library into one of the contracts
// message types.
func Decode(payload string) (any, error) {
	var envelope contracts.IncomingMessage
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		return nil, fmt.Errorf("bridge: decode: %w", err)
	}

	var (
		msg any
		err error
	)
	switch envelope.Type {
	case contracts.MessageTypeReady:
		var m contracts.ReadyMessage
		err = json.Unmarshal([]byte(payload), &m)
		msg = m
	case contracts.MessageTypeSync:
		var m contracts.SyncMessage
		err = json.Unmarshal([]byte(payload), &m)
		msg = m
	case contracts.MessageTypeSplit:
		var m contracts.SplitMessage
		err = json.Unmarshal([]byte(payload), &m)
		msg = m
	case contracts.MessageTypeScroll:
		var m contracts.ScrollMessage
		err = json.Unmarshal([]byte(payload), &m)
		msg = m
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, envelope.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("bridge: decode %s: %w", envelope.Type, err)
	}
	return msg, nil
}
