package sync

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/net/html"
)

// BodyPath returns the on-disk location of a message's rendered body.
// Bodies live outside the database so large HTML does not bloat it.
func BodyPath(dir string, id int64) string {
	return filepath.Join(dir, fmt.Sprintf("%d.body", id))
}

// WriteBody stores the rendered body of a message.
func WriteBody(dir string, id int64, body string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating body directory: %w", err)
	}
	if err := os.WriteFile(BodyPath(dir, id), []byte(body), 0o600); err != nil {
		return fmt.Errorf("writing body %d: %w", id, err)
	}
	return nil
}

// ReadBody loads the rendered body of a message. A missing file is not
// an error; it means the body was never downloaded.
func ReadBody(dir string, id int64) (string, bool, error) {
	data, err := os.ReadFile(BodyPath(dir, id))
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading body %d: %w", id, err)
	}
	return string(data), true, nil
}

// ExtractText strips markup from a rendered body, returning the
// visible text. Plain-text bodies pass through unchanged.
func ExtractText(body string) string {
	if !strings.Contains(body, "<") {
		return body
	}

	var sb strings.Builder
	z := html.NewTokenizer(strings.NewReader(body))
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return sb.String()
		case html.StartTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style":
				skip++
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style":
				if skip > 0 {
					skip--
				}
			}
		case html.TextToken:
			if skip == 0 {
				text := strings.TrimSpace(string(z.Text()))
				if text != "" {
					if sb.Len() > 0 {
						sb.WriteByte(' ')
					}
					sb.WriteString(text)
				}
			}
		}
	}
}
