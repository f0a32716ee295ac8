package placeholders

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/afero"
)

// Sentinels stored in the sha field of the flat-file placeholder list used
// before placeholders moved to SQLite. Right-aligned to the width of a sha.
var (
	LegacyPartialFolderValue   = fmt.Sprintf("%40s", "PARTIAL FOLDER")
	LegacyExpandedFolderValue  = fmt.Sprintf("%40s", "EXPANDED FOLDER")
	LegacyTombstoneFolderValue = fmt.Sprintf("%40s", "POSSIBLE TOMBSTONE FOLDER")
)

const legacyDelimiter = "\x00"

// ReadLegacyList parses the flat-file placeholder list at path.
// Lines are "A <path>\0<sha-or-sentinel>\0" or "D <path>\0"; later lines
// win. Entries are returned in first-insertion order.
func ReadLegacyList(fs afero.Fs, path string) ([]Entry, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open legacy placeholder list: %w", err)
	}
	defer f.Close()

	var order []string
	entries := make(map[string]Entry)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		if len(line) < 2 || line[1] != ' ' {
			return nil, fmt.Errorf("legacy placeholder list line %d: malformed record", lineNo)
		}

		fields := strings.Split(line[2:], legacyDelimiter)
		entryPath := NormalizePath(fields[0])
		if entryPath == "" {
			return nil, fmt.Errorf("legacy placeholder list line %d: empty path", lineNo)
		}
		key := Key(entryPath)

		switch line[0] {
		case 'A':
			if len(fields) < 2 {
				return nil, fmt.Errorf("legacy placeholder list line %d: missing value", lineNo)
			}
			e, err := legacyEntry(entryPath, fields[1])
			if err != nil {
				return nil, fmt.Errorf("legacy placeholder list line %d: %w", lineNo, err)
			}
			if _, seen := entries[key]; !seen {
				order = append(order, key)
			}
			entries[key] = e
		case 'D':
			delete(entries, key)
		default:
			return nil, fmt.Errorf("legacy placeholder list line %d: unknown operation %q", lineNo, line[0])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read legacy placeholder list: %w", err)
	}

	out := make([]Entry, 0, len(entries))
	for _, key := range order {
		if e, ok := entries[key]; ok {
			out = append(out, e)
			// A key deleted and re-added appears in order twice.
			delete(entries, key)
		}
	}
	return out, nil
}

func legacyEntry(path, value string) (Entry, error) {
	switch value {
	case LegacyPartialFolderValue:
		return Entry{Path: path, Kind: PartialFolder}, nil
	case LegacyExpandedFolderValue:
		return Entry{Path: path, Kind: FullFolder}, nil
	case LegacyTombstoneFolderValue:
		return Entry{Path: path, Kind: TombstoneFolder}, nil
	}
	if !ValidContentID(value) {
		return Entry{}, fmt.Errorf("%s: %w", path, ErrInvalidContentID)
	}
	return Entry{Path: path, Kind: File, ContentID: value}, nil
}

// FormatLegacyAdd renders one "A" line of the legacy list.
func FormatLegacyAdd(e Entry) string {
	value := e.ContentID
	switch e.Kind {
	case PartialFolder:
		value = LegacyPartialFolderValue
	case FullFolder:
		value = LegacyExpandedFolderValue
	case TombstoneFolder:
		value = LegacyTombstoneFolderValue
	}
	return "A " + e.Path + legacyDelimiter + value + legacyDelimiter + "\r\n"
}
