// Package background holds the durable queue of filesystem mutations raised
// by virtualization callbacks and the single worker that applies them while
// holding the engine side of the git lock.
package background

import (
	"errors"
	"fmt"
	"time"
)

// OpType identifies what a queued operation does. Values are persisted in
// the opType column and must not be renumbered.
type OpType int

const (
	FileDeleted OpType = iota + 1
	DirectoryDeleted
	FileRenamed
	DirectoryRenamed
	FileCreated
	DirectoryMaterialized
	TombstoneCleanup
)

var opTypeNames = map[OpType]string{
	FileDeleted:           "FileDeleted",
	DirectoryDeleted:      "DirectoryDeleted",
	FileRenamed:           "FileRenamed",
	DirectoryRenamed:      "DirectoryRenamed",
	FileCreated:           "FileCreated",
	DirectoryMaterialized: "DirectoryMaterialized",
	TombstoneCleanup:      "TombstoneCleanup",
}

func (t OpType) String() string {
	if name, ok := opTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("OpType(%d)", int(t))
}

func (t OpType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *OpType) UnmarshalText(text []byte) error {
	for op, name := range opTypeNames {
		if name == string(text) {
			*t = op
			return nil
		}
	}
	// Unknown values round-trip through their String form.
	var n int
	if _, err := fmt.Sscanf(string(text), "OpType(%d)", &n); err == nil {
		*t = OpType(n)
		return nil
	}
	return fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, text)
}

func (t OpType) Valid() bool {
	_, ok := opTypeNames[t]
	return ok
}

// IsRename reports whether the operation carries an OldPath.
func (t OpType) IsRename() bool {
	return t == FileRenamed || t == DirectoryRenamed
}

var (
	ErrInvalidOperation = errors.New("invalid background operation")
)

// Operation is one queued mutation. SequenceID is assigned by the durable
// store and fixes the apply order.
type Operation struct {
	SequenceID int64     `json:"sequenceId"`
	Type       OpType    `json:"type"`
	Path       string    `json:"path"`
	OldPath    string    `json:"oldPath,omitempty"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	Attempts   int       `json:"attempts"`
}

func (o Operation) String() string {
	if o.Type.IsRename() {
		return fmt.Sprintf("#%d %s %s -> %s", o.SequenceID, o.Type, o.OldPath, o.Path)
	}
	return fmt.Sprintf("#%d %s %s", o.SequenceID, o.Type, o.Path)
}

func (o Operation) validate() error {
	if !o.Type.Valid() {
		return fmt.Errorf("%w: type %d", ErrInvalidOperation, int(o.Type))
	}
	if o.Path == "" {
		return fmt.Errorf("%w: %s without path", ErrInvalidOperation, o.Type)
	}
	if o.Type.IsRename() && o.OldPath == "" {
		return fmt.Errorf("%w: %s without old path", ErrInvalidOperation, o.Type)
	}
	return nil
}
