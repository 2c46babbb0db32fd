package answer

import (
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/docqa/internal/citation"
)

const SystemInstruction = "You are a document question answering assistant for uploaded material, including its page images. " +
	"Prefer the uploaded material when answering. " +
	"If nothing in the material matches the question, answer from general knowledge and say explicitly that no matching passages were found."

const withContextTemplate = "Question:\n%s\n\nContext:\n%s\n\n" +
	"Answer in Markdown. Refer to passages by their [rank] where you use them. " +
	"Put any code in fenced code blocks with a language tag."

const noContextTemplate = "No passages related to the material were found; answering from general knowledge.\nQuestion:\n%s"

func withContextPrompt(question, contextText string) string {
	return fmt.Sprintf(withContextTemplate, question, contextText)
}

func noContextPrompt(question string) string {
	return fmt.Sprintf(noContextTemplate, question)
}

// PreviewTail renders Markdown image links to the pages of the first limit
// citations. It returns "" when there is nothing to link.
func PreviewTail(cites []citation.Citation, limit int) string {
	var imgs []string
	for _, c := range cites {
		if len(imgs) >= limit {
			break
		}
		if c.PreviewURL == "" {
			continue
		}
		imgs = append(imgs, fmt.Sprintf("![Reference page %d](%s)", c.Rank, c.PreviewURL))
	}
	if len(imgs) == 0 {
		return ""
	}
	return "\n\n---\n**Related page previews**\n\n" + strings.Join(imgs, "\n\n")
}
