// Package task implements the task lifecycle: the task store, the state machine
// guarding status transitions, and the subscription registry that fans out
// committed snapshots to streaming readers.
package task

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// Role identifies the author of a message.
type Role string

// Message roles.
const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// IsValid reports whether the role is one of the known roles.
func (r Role) IsValid() bool {
	return r == RoleUser || r == RoleAgent
}

// PartKind is the discriminator of a content part.
type PartKind string

// Content part kinds.
const (
	PartText PartKind = "text"
	PartFile PartKind = "file"
	PartData PartKind = "data"
)

// FileContent describes a file carried by a file part. Either URI or Bytes
// holds the content; Bytes is base64 encoded.
type FileContent struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	URI      string `json:"uri,omitempty"`
	Bytes    string `json:"bytes,omitempty"`
}

// Part is one typed piece of message or artifact content. Exactly one of
// Text, File or Data is meaningful, selected by Kind.
type Part struct {
	Kind PartKind
	Text string
	File *FileContent
	Data map[string]any
}

// TextPart returns a text content part.
func TextPart(text string) Part {
	return Part{Kind: PartText, Text: text}
}

// FilePart returns a file content part.
func FilePart(file FileContent) Part {
	return Part{Kind: PartFile, File: &file}
}

// DataPart returns a structured data content part.
func DataPart(data map[string]any) Part {
	return Part{Kind: PartData, Data: data}
}

type partJSON struct {
	Type PartKind       `json:"type"`
	Text *string        `json:"text,omitempty"`
	File *FileContent   `json:"file,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// MarshalJSON encodes the part with a "type" discriminator.
func (p Part) MarshalJSON() ([]byte, error) {
	out := partJSON{Type: p.Kind}
	switch p.Kind {
	case PartText:
		text := p.Text
		out.Text = &text
	case PartFile:
		if p.File == nil {
			return nil, fmt.Errorf("file part without file content")
		}
		out.File = p.File
	case PartData:
		out.Data = p.Data
		if out.Data == nil {
			out.Data = map[string]any{}
		}
	default:
		return nil, fmt.Errorf("unknown part type %q", p.Kind)
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a part, rejecting unknown types and parts missing
// the payload their type requires.
func (p *Part) UnmarshalJSON(data []byte) error {
	var in partJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	switch in.Type {
	case PartText:
		if in.Text == nil {
			return fmt.Errorf("text part missing text")
		}
		*p = TextPart(*in.Text)
	case PartFile:
		if in.File == nil {
			return fmt.Errorf("file part missing file")
		}
		*p = FilePart(*in.File)
	case PartData:
		if in.Data == nil {
			return fmt.Errorf("data part missing data")
		}
		*p = DataPart(in.Data)
	default:
		return fmt.Errorf("unknown part type %q", in.Type)
	}
	return nil
}

// Message is one entry of a task conversation.
type Message struct {
	Role     Role           `json:"role"`
	Parts    []Part         `json:"parts"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewAgentMessage returns an agent message with a single text part.
func NewAgentMessage(text string) *Message {
	return &Message{Role: RoleAgent, Parts: []Part{TextPart(text)}}
}

// NewUserMessage returns a user message with the given parts.
func NewUserMessage(parts ...Part) Message {
	return Message{Role: RoleUser, Parts: parts}
}

// Validate checks the role. A message with no parts is valid here; the
// JSON-RPC surface is stricter about what it accepts from clients.
func (m Message) Validate() error {
	if !m.Role.IsValid() {
		return fmt.Errorf("invalid message role %q", m.Role)
	}
	return nil
}

// Text concatenates the text parts of the message.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Kind != PartText {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += p.Text
	}
	return out
}

// Status is the current state of a task plus the message that accompanied
// the transition into it.
type Status struct {
	State     State     `json:"state"`
	Message   *Message  `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Artifact is a named output attached to a task. Index is assigned by the
// store when the artifact is appended.
type Artifact struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parts       []Part         `json:"parts"`
	Index       int            `json:"index"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Task is one document-analysis job tracked through the state machine.
type Task struct {
	ID        string         `json:"id"`
	Status    Status         `json:"status"`
	Artifacts []Artifact     `json:"artifacts"`
	History   []Message      `json:"history"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Snapshot is an immutable point-in-time view of a task as delivered to
// subscribers. History is not part of a snapshot.
type Snapshot struct {
	ID        string         `json:"id"`
	Status    Status         `json:"status"`
	Artifacts []Artifact     `json:"artifacts"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Final reports whether the snapshot is in a terminal state.
func (s Snapshot) Final() bool {
	return s.Status.State.IsTerminal()
}

// Snapshot returns a deep copy of the task without its history.
func (t *Task) Snapshot() Snapshot {
	c := t.Clone()
	return Snapshot{
		ID:        c.ID,
		Status:    c.Status,
		Artifacts: c.Artifacts,
		Metadata:  c.Metadata,
	}
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	out := &Task{
		ID:        t.ID,
		Status:    cloneStatus(t.Status),
		Artifacts: make([]Artifact, len(t.Artifacts)),
		History:   make([]Message, len(t.History)),
		Metadata:  cloneMap(t.Metadata),
	}
	for i, a := range t.Artifacts {
		out.Artifacts[i] = cloneArtifact(a)
	}
	for i, m := range t.History {
		out.History[i] = cloneMessage(m)
	}
	return out
}

func cloneStatus(s Status) Status {
	out := s
	if s.Message != nil {
		m := cloneMessage(*s.Message)
		out.Message = &m
	}
	return out
}

func cloneMessage(m Message) Message {
	return Message{
		Role:     m.Role,
		Parts:    cloneParts(m.Parts),
		Metadata: cloneMap(m.Metadata),
	}
}

func cloneArtifact(a Artifact) Artifact {
	out := a
	out.Parts = cloneParts(a.Parts)
	out.Metadata = cloneMap(a.Metadata)
	return out
}

func cloneParts(parts []Part) []Part {
	if parts == nil {
		return nil
	}
	out := make([]Part, len(parts))
	for i, p := range parts {
		out[i] = p
		if p.File != nil {
			f := *p.File
			out[i].File = &f
		}
		out[i].Data = cloneMap(p.Data)
	}
	return out
}

// cloneMap copies the top level of a metadata bag. Values are treated as
// immutable once stored.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return maps.Clone(m)
}
