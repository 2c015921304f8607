// Package message defines the closed set of messages exchanged with the
// serving worker (discriminated by "type") and with the load worker
// (discriminated by "msg_type").
package message

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnknownType is returned when decoding a message whose tag is not
	// part of the protocol.
	ErrUnknownType = errors.New("unknown message type")

	// ErrMalformed is returned when a message is missing required fields.
	ErrMalformed = errors.New("malformed message")
)

// Type tags a serve-channel message.
type Type string

const (
	TypeRegisterArchive   Type = "REGISTER_ARCHIVE"
	TypeUnregisterArchive Type = "UNREGISTER_ARCHIVE"
	TypePing              Type = "PING"
	TypePong              Type = "PONG"
	TypeReply             Type = "REPLY"
)

// PongMessage is the text carried by every PONG.
const PongMessage = "Service worker is active"

// Message is a serve-channel message. The set of implementations is closed.
type Message interface {
	MessageType() Type
	// RequestID correlates a request with its reply.
	RequestID() string
	sealed()
}

// RegisterArchive asks the worker to upsert an archive into its registry.
type RegisterArchive struct {
	ID        string
	ArchiveID string
	URL       string
	Size      int64
}

// UnregisterArchive asks the worker to drop an archive.
type UnregisterArchive struct {
	ID        string
	ArchiveID string
}

// Ping is a liveness probe.
type Ping struct {
	ID string
}

// Pong answers a Ping.
type Pong struct {
	ID      string
	Message string
}

// Reply acknowledges RegisterArchive and UnregisterArchive.
type Reply struct {
	ID        string
	Success   bool
	ArchiveID string
	Error     string
}

func (RegisterArchive) MessageType() Type   { return TypeRegisterArchive }
func (UnregisterArchive) MessageType() Type { return TypeUnregisterArchive }
func (Ping) MessageType() Type              { return TypePing }
func (Pong) MessageType() Type              { return TypePong }
func (Reply) MessageType() Type             { return TypeReply }

func (m RegisterArchive) RequestID() string   { return m.ID }
func (m UnregisterArchive) RequestID() string { return m.ID }
func (m Ping) RequestID() string              { return m.ID }
func (m Pong) RequestID() string              { return m.ID }
func (m Reply) RequestID() string             { return m.ID }

func (RegisterArchive) sealed()   {}
func (UnregisterArchive) sealed() {}
func (Ping) sealed()              {}
func (Pong) sealed()              {}
func (Reply) sealed()             {}

// serveWire is the JSON shape shared by every serve-channel message.
type serveWire struct {
	Type      Type   `json:"type"`
	ID        string `json:"id,omitempty"`
	ArchiveID string `json:"archiveId,omitempty"`
	URL       string `json:"url,omitempty"`
	Size      *int64 `json:"size,omitempty"`
	Success   *bool  `json:"success,omitempty"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Encode marshals m to JSON with its type tag.
func Encode(m Message) ([]byte, error) {
	w := serveWire{Type: m.MessageType(), ID: m.RequestID()}
	switch v := m.(type) {
	case RegisterArchive:
		w.ArchiveID, w.URL, w.Size = v.ArchiveID, v.URL, &v.Size
	case UnregisterArchive:
		w.ArchiveID = v.ArchiveID
	case Ping:
	case Pong:
		w.Message = v.Message
	case Reply:
		w.ArchiveID, w.Success, w.Error = v.ArchiveID, &v.Success, v.Error
	}
	return json.Marshal(w)
}

// Decode unmarshals a serve-channel message. Unknown tags return an error
// wrapping ErrUnknownType.
func Decode(data []byte) (Message, error) {
	var w serveWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch w.Type {
	case TypeRegisterArchive:
		if w.ArchiveID == "" {
			return nil, fmt.Errorf("%w: %s without archiveId", ErrMalformed, w.Type)
		}
		m := RegisterArchive{ID: w.ID, ArchiveID: w.ArchiveID, URL: w.URL}
		if w.Size != nil {
			m.Size = *w.Size
		}
		return m, nil
	case TypeUnregisterArchive:
		if w.ArchiveID == "" {
			return nil, fmt.Errorf("%w: %s without archiveId", ErrMalformed, w.Type)
		}
		return UnregisterArchive{ID: w.ID, ArchiveID: w.ArchiveID}, nil
	case TypePing:
		return Ping{ID: w.ID}, nil
	case TypePong:
		return Pong{ID: w.ID, Message: w.Message}, nil
	case TypeReply:
		m := Reply{ID: w.ID, ArchiveID: w.ArchiveID, Error: w.Error}
		if w.Success != nil {
			m.Success = *w.Success
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, w.Type)
	}
}
