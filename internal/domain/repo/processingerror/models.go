package processingerror

import "time"

// Record is the archived form of a rejected or dead-lettered stream entry.
type Record struct {
	Component  Component `json:"component"`
	Host       string    `json:"host"`
	ArchivedAt time.Time `json:"archivedAt"`

	// Entry is nil for failures not bound to a stream entry.
	Entry  *Entry  `json:"entry,omitempty"`
	Inputs []Input `json:"inputs,omitempty"`

	Category string `json:"category"`
	Outcome  string `json:"outcome"`
	Error    string `json:"error"`
}

type Component struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Revision string `json:"revision"`
}

type Entry struct {
	Stream string            `json:"stream"`
	ID     string            `json:"id"`
	Type   string            `json:"type,omitempty"`
	Fields map[string]string `json:"fields"`
}

// Input values are kept as text, they are headers, titles or urls.
type Input struct {
	Source string `json:"source"`
	Key    string `json:"key"`
	Value  string `json:"value"`
}
