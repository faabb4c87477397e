package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"agenda/api/internal/rbac"
	"agenda/api/internal/util"
)

// Repository is the persistent store: whole-document load and replace, plus
// Update which runs load, mutate and save under a single writer. If the
// mutation returns an error nothing is written.
type Repository interface {
	Load(ctx context.Context) (Document, error)
	Save(ctx context.Context, doc Document) error
	Update(ctx context.Context, fn func(*Document) error) error
	Ping(ctx context.Context) error
	Close() error
}

var ErrMalformedDocument = errors.New("malformed store document")

type rawDocument struct {
	Users  []json.RawMessage `json:"users"`
	Events []json.RawMessage `json:"events"`
}

// DecodeDocument parses a persisted document. Structural failures return
// ErrMalformedDocument; individual records are normalized rather than rejected.
// Events stored without an id get a fresh one on every decode; the id is only
// stable once the document has been written back.
func DecodeDocument(data []byte) (Document, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Document{}, ErrMalformedDocument
	}
	var raw rawDocument
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}

	doc := EmptyDocument()
	for _, item := range raw.Users {
		doc.Users = append(doc.Users, normalizeUser(item))
	}
	for _, item := range raw.Events {
		event, ok := normalizeEvent(item)
		if !ok {
			continue
		}
		doc.Events = append(doc.Events, event)
	}
	return doc, nil
}

func EncodeDocument(doc Document) ([]byte, error) {
	if doc.Users == nil {
		doc.Users = []User{}
	}
	if doc.Events == nil {
		doc.Events = []Event{}
	}
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	encoder.SetIndent("", "    ")
	if err := encoder.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return buf.Bytes(), nil
}

func normalizeUser(raw json.RawMessage) User {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		var value any
		_ = json.Unmarshal(raw, &value)
		return User{Username: bestEffortString(value), Role: string(rbac.RoleUser)}
	}
	user := User{
		Username: bestEffortString(fields["username"]),
		Role:     string(rbac.RoleUser),
	}
	if password, ok := fields["password"].(string); ok {
		user.Password = password
	}
	if role, ok := fields["role"].(string); ok {
		user.Role = string(rbac.Normalize(role))
	}
	return user
}

func normalizeEvent(raw json.RawMessage) (Event, bool) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return Event{}, false
	}
	event := Event{
		ID:          bestEffortString(fields["id"]),
		Title:       bestEffortString(fields["title"]),
		Description: bestEffortString(fields["description"]),
		Date:        bestEffortString(fields["date"]),
		Owner:       bestEffortString(fields["user"]),
	}
	if event.ID == "" {
		event.ID = util.NewID("evt")
	}
	return event, true
}

func bestEffortString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(encoded)
	}
}
