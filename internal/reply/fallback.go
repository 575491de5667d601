package reply

import (
	"context"
	"fmt"
	"strings"

	"github.com/Sunbridger/wechat-app/internal/protocol"
)

// Canned is the offline reply generator: keyword-matched responses in
// the persona's voice. It never fails.
type Canned struct{}

func NewCanned() *Canned {
	return &Canned{}
}

func (c *Canned) GenerateReply(_ context.Context, history []protocol.ChatMessage, participantName string, _ bool) (string, error) {
	if len(history) == 0 {
		return "Could not process empty message history.", nil
	}

	last := history[len(history)-1]
	content := strings.ToLower(last.Content)

	switch {
	case strings.Contains(content, "你好"), strings.Contains(content, "hi"), strings.Contains(content, "hello"):
		return fmt.Sprintf("你好！我是%s。很高兴和你聊天！", participantName), nil
	case strings.Contains(content, "天气"):
		return "今天天气看起来不错呢！", nil
	case strings.Contains(content, "吃饭"), strings.Contains(content, "吃什么"):
		return "我也不知道吃什么，不如试试附近的餐厅？", nil
	case strings.Contains(content, "再见"), strings.Contains(content, "拜拜"):
		return "再见！下次再聊！", nil
	}

	return fmt.Sprintf("我是%s，你刚才说：%s", participantName, last.Content), nil
}
