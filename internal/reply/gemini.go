package reply

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/Sunbridger/wechat-app/internal/protocol"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel   = "gemini-2.5-flash"

	// Persona sender id inside group histories.
	groupPersonaSenderID = "gemini_ai"

	systemInstruction = "你是一个在聊天软件中的乐于助人、随和且友好的助手。你的回复应该简洁自然，像日常发短信一样。偶尔使用表情符号。请全程使用简体中文与用户交流。"

	emptyReply = "抱歉，我没想好怎么回。"
)

var dataURIRe = regexp.MustCompile(`^data:([^;]+);`)

// Gemini calls the Gemini generateContent REST endpoint.
type Gemini struct {
	APIKey  string
	Model   string
	BaseURL string
	HTTP    *http.Client
}

func NewGemini(apiKey string) *Gemini {
	return &Gemini{
		APIKey:  apiKey,
		Model:   defaultModel,
		BaseURL: defaultBaseURL,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

func (g *Gemini) GenerateReply(ctx context.Context, history []protocol.ChatMessage, participantName string, isGroup bool) (string, error) {
	if len(history) == 0 {
		return "", errors.New("empty message history")
	}
	if g.APIKey == "" {
		return "", errors.New("no API key configured")
	}

	instruction := systemInstruction + " 你现在正在模仿 " + participantName + "。"
	if isGroup {
		instruction = systemInstruction + ` 你现在在一个名为 "` + participantName + `" 的群聊中。群成员的消息会带有名字前缀。你需要根据上下文积极参与群聊互动。`
	}

	req := geminiRequest{
		SystemInstruction: &geminiContent{Parts: []geminiPart{{Text: instruction}}},
		Contents:          buildContents(history, isGroup),
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.BaseURL, g.Model, g.APIKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.HTTP.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("call generate endpoint: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("generate endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var parsed geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	if len(parsed.Candidates) == 0 {
		return emptyReply, nil
	}
	var sb strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	if sb.Len() == 0 {
		return emptyReply, nil
	}
	return sb.String(), nil
}

// buildContents maps the conversation to API turns. In a private chat
// the contact plays the model role; in a group the persona sender
// does and everyone else is a named user. Consecutive same-role turns
// are merged to satisfy the API's alternation requirement.
func buildContents(history []protocol.ChatMessage, isGroup bool) []geminiContent {
	var contents []geminiContent

	for _, msg := range history {
		role := "user"
		if isGroup {
			if msg.SenderID == groupPersonaSenderID {
				role = "model"
			}
		} else if msg.SenderID != "me" {
			role = "model"
		}

		part := formatPart(msg)
		if isGroup && role == "user" && msg.SenderID != "me" && part.Text != "" {
			name := msg.SenderName
			if name == "" {
				name = "Group Member"
			}
			part = geminiPart{Text: name + ": " + part.Text}
		}

		if len(contents) > 0 && contents[len(contents)-1].Role == role {
			last := &contents[len(contents)-1]
			last.Parts = append(last.Parts, part)
		} else {
			contents = append(contents, geminiContent{Role: role, Parts: []geminiPart{part}})
		}
	}

	return contents
}

// formatPart renders one message as an API part. Audio and image
// messages carry data URIs in content and become inline data; files
// become a text placeholder.
func formatPart(msg protocol.ChatMessage) geminiPart {
	switch {
	case msg.Type == protocol.TypeAudio && strings.HasPrefix(msg.Content, "data:"):
		return inlinePart(msg.Content, "audio/webm")
	case msg.Type == protocol.TypeImage && strings.HasPrefix(msg.Content, "data:"):
		return inlinePart(msg.Content, "image/jpeg")
	case msg.Type == protocol.TypeFile:
		name := msg.FileName
		if name == "" {
			name = "未知文件"
		}
		return geminiPart{Text: "[发送了文件: " + name + "]"}
	case msg.Content == "":
		return geminiPart{Text: "[Empty Message]"}
	default:
		return geminiPart{Text: msg.Content}
	}
}

func inlinePart(dataURI, fallbackMime string) geminiPart {
	mime := fallbackMime
	if m := dataURIRe.FindStringSubmatch(dataURI); m != nil {
		mime = m[1]
	}

	data := dataURI
	if idx := strings.Index(dataURI, ","); idx >= 0 {
		data = dataURI[idx+1:]
	}

	return geminiPart{InlineData: &geminiInlineData{MimeType: mime, Data: data}}
}
