package multireader

import (
	"bytes"
	"strings"
)

// mergedHeaderText composes the virtual header of the merged stream: the
// first reader's header text verbatim, with the @RG lines of every other
// reader appended. Read groups whose ID is already present are dropped.
// Anything beyond read groups is taken from the first reader alone.
func mergedHeaderText(items []*mergeItem) (string, error) {
	if len(items) == 0 {
		return "", nil
	}
	text, err := items[0].reader.Header().MarshalText()
	if err != nil {
		return "", err
	}
	seen := map[string]bool{}
	for _, line := range strings.Split(string(text), "\n") {
		if strings.HasPrefix(line, "@RG") {
			seen[readGroupID(line)] = true
		}
	}
	buf := bytes.NewBuffer(text)
	for _, item := range items[1:] {
		text, err := item.reader.Header().MarshalText()
		if err != nil {
			return "", err
		}
		for _, line := range strings.Split(string(text), "\n") {
			if !strings.HasPrefix(line, "@RG") {
				continue
			}
			if id := readGroupID(line); id != "" && !seen[id] {
				seen[id] = true
				buf.WriteString(line)
				buf.WriteByte('\n')
			}
		}
	}
	return buf.String(), nil
}

func readGroupID(line string) string {
	for _, field := range strings.Split(line, "\t") {
		if strings.HasPrefix(field, "ID:") {
			return field[len("ID:"):]
		}
	}
	return ""
}
