package composer

import (
	"strings"

	"github.com/khetsense/khetsense/internal/session"
)

// Persona is the fixed instruction text that opens every generation request.
const Persona = "You are KhetSense AI, a friendly and knowledgeable AI-powered assistant for Indian farmers. " +
	"You are provided context based on kisan call center data - use this context to answer the user's questions " +
	"and give genuine chat responses for valid questions. Always detect the language of the user's latest question " +
	"(English, Hindi, or Hinglish) and reply in that same language. Keep your answers short, practical, and under " +
	"3 sentences. Use simple words. If the user uploads an image, briefly describe it and give one clear suggestion. " +
	"If unsure, ask one clarifying question OR suggest calling the Kisan Call Centre at 1800 180 1551. Avoid bullet " +
	"points, lists, or markdown formatting unless absolutely necessary."

// DefaultImageMIME is used when an uploaded image has no content type.
const DefaultImageMIME = "image/png"

// BlockRole is the speaker of a block as the generation backend sees it.
type BlockRole string

const (
	BlockUser  BlockRole = "user"
	BlockModel BlockRole = "model"
)

// Part is one piece of block content: text, or inline binary data such as
// an image when Data is set.
type Part struct {
	Text     string
	Data     []byte
	MIMEType string
}

// Block is one role-tagged message in a generation request.
type Block struct {
	Role  BlockRole
	Parts []Part
}

// TextBlock returns a single-part text block.
func TextBlock(role BlockRole, text string) Block {
	return Block{Role: role, Parts: []Part{{Text: text}}}
}

// Text concatenates the text parts of b.
func (b Block) Text() string {
	var sb strings.Builder
	for _, p := range b.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String()
}

// roleMap maps history roles to block roles. Roles without an entry are
// not sent to the backend.
var roleMap = map[session.Role]BlockRole{
	session.RoleUser:  BlockUser,
	session.RoleAgent: BlockModel,
}

// MapRole returns the block role for a history role, and false when entries
// with that role are dropped.
func MapRole(r session.Role) (BlockRole, bool) {
	br, ok := roleMap[r]
	return br, ok
}

// LatestUserMessage returns the content of the most recent user entry, or
// "" when there is none.
func LatestUserMessage(history []session.Entry) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == session.RoleUser {
			return history[i].Content
		}
	}
	return ""
}

// PersonaBlock returns the opening block. When withContext is set the
// retrieved texts are attached below the persona, one per line.
func PersonaBlock(context []string, withContext bool) Block {
	if !withContext {
		return TextBlock(BlockUser, Persona)
	}
	return TextBlock(BlockUser, Persona+"\n\nUse this context:\n"+strings.Join(context, "\n"))
}

// Conversation builds the multi-turn request for a text turn: the persona
// block followed by every non-system history entry in order, content
// verbatim.
func Conversation(history []session.Entry, context []string, withContext bool) []Block {
	blocks := make([]Block, 0, len(history)+1)
	blocks = append(blocks, PersonaBlock(context, withContext))
	for _, e := range history {
		role, ok := MapRole(e.Role)
		if !ok {
			continue
		}
		blocks = append(blocks, TextBlock(role, e.Content))
	}
	return blocks
}

// ImageDescriptionRequest builds the first call of an image turn: one block
// asking the model to describe the image with regard to message. The image
// part is omitted when image is empty.
func ImageDescriptionRequest(image []byte, mimeType, message string) []Block {
	b := TextBlock(BlockUser, Persona+"\n\nDescribe this image and respond to: "+message)
	if len(image) > 0 {
		if mimeType == "" {
			mimeType = DefaultImageMIME
		}
		b.Parts = append(b.Parts, Part{Data: image, MIMEType: mimeType})
	}
	return []Block{b}
}

// CombineImageAnswer joins the image description with the user's question.
func CombineImageAnswer(description, message string) string {
	return "Based on the image analysis: " + description + "\n\nUser's question: " + message
}

// ImageAnswerRequest builds the second call of an image turn from the
// combined description/question text, optionally with retrieved context.
func ImageAnswerRequest(combined string, context []string, withContext bool) []Block {
	if !withContext {
		return []Block{TextBlock(BlockUser, Persona+"\n\n"+combined)}
	}
	text := Persona + "\n\nRelevant farming information:\n" + strings.Join(context, "\n") + "\n\n" + combined
	return []Block{TextBlock(BlockUser, text)}
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(blocks []Block) int {
	n := 0
	for _, b := range blocks {
		n += (len(b.Text()) + 3) / 4
	}
	return n
}
