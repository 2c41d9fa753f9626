package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"senpai/pkg/senpai/llm"
)

// Classifier answers yes/no questions about conversation flow via model
// function calling. Any failure, including the model not calling the
// function, resolves to false so a flaky model can never force an
// unwanted engagement change.
type Classifier struct {
	model  LanguageModel
	logger *slog.Logger
}

// NewClassifier creates a classifier on the given model.
func NewClassifier(model LanguageModel, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{
		model:  model,
		logger: logger.With("component", "classifier"),
	}
}

// ShouldRespond decides whether a non-mention message during the
// monitoring window is directed at the bot and deserves a reply.
func (c *Classifier) ShouldRespond(ctx context.Context, history []llm.Message, message string, opts llm.Options) bool {
	return c.classify(ctx, "should_respond", "shouldRespond",
		"直前までボットと会話していたユーザーの新しいメッセージが、ボットに向けられた"+
			"会話の続きかどうかを判定してください。他の人への発言や独り言なら false です。",
		history, message, opts)
}

// ConversationEnded decides whether the latest exchange closes out the
// conversation (goodbyes, thanks, clear wrap-ups).
func (c *Classifier) ConversationEnded(ctx context.Context, history []llm.Message, exchange string, opts llm.Options) bool {
	return c.classify(ctx, "is_conversation_end", "shouldEnd",
		"直近のやり取りが会話の終了（お別れの挨拶、お礼で締める、明確な切り上げ）を"+
			"意味するかどうかを判定してください。",
		history, exchange, opts)
}

// classify runs one boolean function-calling round. Fails closed.
func (c *Classifier) classify(ctx context.Context, name, field, instruction string, history []llm.Message, message string, opts llm.Options) bool {
	fn := llm.FunctionDef{
		Name:        name,
		Description: "判定結果を報告する",
		Parameters: json.RawMessage(fmt.Sprintf(`{
			"type": "object",
			"properties": {
				"%s": {"type": "boolean"},
				"reason": {"type": "string"}
			},
			"required": ["%s"]
		}`, field, field)),
	}

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: "system", Content: instruction +
		fmt.Sprintf(" 必ず %s 関数を呼び出して回答してください。", name)})
	messages = append(messages, history...)
	messages = append(messages, llm.Message{Role: "user", Content: message})

	resp, err := c.model.CallFunctions(ctx, messages, []llm.FunctionDef{fn}, opts)
	if err != nil {
		c.logger.Warn("classifier call failed, defaulting to false",
			"classifier", name, "error", err)
		return false
	}
	if len(resp.ToolCalls) == 0 {
		c.logger.Warn("classifier returned no function call, defaulting to false",
			"classifier", name)
		return false
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(resp.ToolCalls[0].Function.Arguments), &args); err != nil {
		c.logger.Warn("classifier returned unparseable arguments, defaulting to false",
			"classifier", name, "error", err)
		return false
	}
	verdict, _ := args[field].(bool)
	if reason, ok := args["reason"].(string); ok && reason != "" {
		c.logger.Debug("classifier verdict",
			"classifier", name, "verdict", verdict, "reason", reason)
	}
	return verdict
}
