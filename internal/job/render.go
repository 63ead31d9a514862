package job

import (
	"html"
	"strings"

	"pewcast/internal/transport"
)

// Render builds the transport payload: a bold title line followed by the
// body, escaped for the job's parse mode.
func Render(j *Job) transport.Content {
	title, body := strings.TrimSpace(j.Title), strings.TrimSpace(j.Body)

	var b strings.Builder
	switch j.ParseMode {
	case ParseHTML:
		if title != "" {
			b.WriteString("<b>" + html.EscapeString(title) + "</b>")
		}
		if body != "" {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(html.EscapeString(body))
		}
	case ParseMarkdown:
		if title != "" {
			b.WriteString("*" + strings.ReplaceAll(title, "*", "") + "*")
		}
		if body != "" {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(body)
		}
	default:
		b.WriteString(strings.TrimSpace(title + "\n" + body))
	}

	images := j.ImageURLs
	if len(images) > MaxImages {
		images = images[:MaxImages]
	}
	return transport.Content{
		Text:           b.String(),
		ImageURLs:      images,
		ParseMode:      string(j.ParseMode),
		DisablePreview: j.DisablePreview,
	}
}
