package message

import (
	"context"
	"encoding/json"
	"fmt"
)

// LoadType tags a load-channel message.
type LoadType string

const (
	LoadAddColl      LoadType = "addColl"
	LoadCancel       LoadType = "cancelLoad"
	LoadPing         LoadType = "ping"
	LoadCollProgress LoadType = "collProgress"
	LoadCollAdded    LoadType = "collAdded"
)

// Load channel error strings with special handling.
const (
	ErrorMissingLocalFile = "missing_local_file"
	ErrorPermissionNeeded = "permission_needed"
)

// FileHandle is a platform handle to a local file. Reading it may require
// consent from the user.
type FileHandle interface {
	Path() string
	// RequestPermission asks for read access and reports whether it was granted.
	RequestPermission(ctx context.Context) (bool, error)
}

// LoadMessage is a load-channel message. The set of implementations is closed.
type LoadMessage interface {
	LoadType() LoadType
	// Coll names the collection a message refers to; empty for KeepAlive.
	Coll() string
	loadSealed()
}

// FileSource describes where the load worker reads an archive from.
type FileSource struct {
	SourceURL string            `json:"sourceUrl"`
	LoadURL   string            `json:"loadUrl,omitempty"`
	Name      string            `json:"name,omitempty"`
	Size      int64             `json:"size,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	NoCache   bool              `json:"noCache,omitempty"`

	// FileHandle is only carried over in-process channels.
	FileHandle FileHandle `json:"-"`
}

// AddColl asks the load worker to load a collection.
type AddColl struct {
	Name         string         `json:"name"`
	ExtraConfig  map[string]any `json:"extraConfig,omitempty"`
	Type         string         `json:"type,omitempty"`
	SkipExisting bool           `json:"skipExisting"`
	File         FileSource     `json:"file"`
}

// CancelLoad asks the load worker to stop loading a collection. No reply.
type CancelLoad struct {
	Name string `json:"name"`
}

// KeepAlive keeps a shared load worker alive. No reply.
type KeepAlive struct{}

// CollProgress reports progress or failure loading a collection.
type CollProgress struct {
	Name        string `json:"name"`
	Percent     int    `json:"percent"`
	Error       string `json:"error,omitempty"`
	CurrentSize int64  `json:"currentSize,omitempty"`
	TotalSize   int64  `json:"totalSize,omitempty"`
	ExtraMsg    string `json:"extraMsg,omitempty"`

	FileHandle FileHandle `json:"-"`
}

// CollAdded reports that a collection finished loading.
type CollAdded struct {
	Name string `json:"name"`
}

func (AddColl) LoadType() LoadType      { return LoadAddColl }
func (CancelLoad) LoadType() LoadType   { return LoadCancel }
func (KeepAlive) LoadType() LoadType    { return LoadPing }
func (CollProgress) LoadType() LoadType { return LoadCollProgress }
func (CollAdded) LoadType() LoadType    { return LoadCollAdded }

func (m AddColl) Coll() string      { return m.Name }
func (m CancelLoad) Coll() string   { return m.Name }
func (KeepAlive) Coll() string      { return "" }
func (m CollProgress) Coll() string { return m.Name }
func (m CollAdded) Coll() string    { return m.Name }

func (AddColl) loadSealed()      {}
func (CancelLoad) loadSealed()   {}
func (KeepAlive) loadSealed()    {}
func (CollProgress) loadSealed() {}
func (CollAdded) loadSealed()    {}

// EncodeLoad marshals m to JSON with its msg_type tag.
func EncodeLoad(m LoadMessage) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	tag, _ := json.Marshal(m.LoadType())
	fields["msg_type"] = tag
	return json.Marshal(fields)
}

// DecodeLoad unmarshals a load-channel message. Unknown tags return an
// error wrapping ErrUnknownType.
func DecodeLoad(data []byte) (LoadMessage, error) {
	var head struct {
		MsgType LoadType `json:"msg_type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var (
		m   LoadMessage
		err error
	)
	switch head.MsgType {
	case LoadAddColl:
		var v AddColl
		err = json.Unmarshal(data, &v)
		m = v
	case LoadCancel:
		var v CancelLoad
		err = json.Unmarshal(data, &v)
		m = v
	case LoadPing:
		m = KeepAlive{}
	case LoadCollProgress:
		var v CollProgress
		err = json.Unmarshal(data, &v)
		m = v
	case LoadCollAdded:
		var v CollAdded
		err = json.Unmarshal(data, &v)
		m = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.MsgType)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if head.MsgType != LoadPing && m.Coll() == "" {
		return nil, fmt.Errorf("%w: %s without name", ErrMalformed, head.MsgType)
	}
	return m, nil
}
