package placeholders

import (
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/text/cases"
)

// Kind is the projection state of a placeholder. Values match the
// pathType column and must not be renumbered.
type Kind int

const (
	File Kind = iota
	PartialFolder
	FullFolder
	TombstoneFolder
	TombstoneFile
)

var kindNames = map[Kind]string{
	File:            "File",
	PartialFolder:   "PartialFolder",
	FullFolder:      "FullFolder",
	TombstoneFolder: "TombstoneFolder",
	TombstoneFile:   "TombstoneFile",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

func (k Kind) IsFolder() bool {
	return k == PartialFolder || k == FullFolder || k == TombstoneFolder
}

func (k Kind) IsTombstone() bool {
	return k == TombstoneFolder || k == TombstoneFile
}

// Entry is one path the engine has placed on disk.
type Entry struct {
	Path string `json:"path"`
	Kind Kind   `json:"kind"`
	// ContentID is the blob SHA for File entries, empty otherwise.
	ContentID string `json:"contentId,omitempty"`
}

// IsProjected reports whether the entry is visible on disk. Tombstones are not.
func (e Entry) IsProjected() bool {
	return !e.Kind.IsTombstone()
}

// NormalizePath converts p to the repo-relative, OS-separator form used as
// the table's display path. The repository root normalizes to "".
func NormalizePath(p string) string {
	p = filepath.Clean(filepath.FromSlash(p))
	p = strings.TrimLeft(p, string(filepath.Separator))
	if p == "." {
		return ""
	}
	return p
}

// Key returns the case-insensitive lookup key for p.
func Key(p string) string {
	// Casers carry state and are not safe for concurrent use.
	return cases.Fold().String(NormalizePath(p))
}

// ValidContentID reports whether id looks like a 40 character hex SHA-1.
func ValidContentID(id string) bool {
	if len(id) != 40 {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil
}

// Ancestors returns the parent folders of p, outermost first.
func Ancestors(p string) []string {
	p = NormalizePath(p)
	var out []string
	for dir := filepath.Dir(p); dir != "." && dir != string(filepath.Separator) && dir != ""; dir = filepath.Dir(dir) {
		out = append([]string{dir}, out...)
	}
	return out
}
