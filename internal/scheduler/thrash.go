package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicThrashJudge asks a Claude model whether a loop's recent emitted
// payloads look like unproductive repetition, rather than relying on a
// fixed counter threshold.
//
// Grounded on the teacher's internal/ai.Supervisor.DetectLoop: a single
// Messages.New call with a system+user prompt folded together, a strict
// JSON response contract, and "only recommend halt above high confidence"
// stated in the prompt and also enforced in code: IsThrashing reports true
// only when the verdict says halt with confidence above 0.8.
type AnthropicThrashJudge struct {
	client *anthropic.Client
	model  string
}

// NewAnthropicThrashJudge builds a judge using apiKey, or ANTHROPIC_API_KEY
// from the environment when apiKey is empty. model defaults to
// claude-sonnet-4-5-20250929 when empty.
func NewAnthropicThrashJudge(apiKey, model string) (*AnthropicThrashJudge, error) {
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("thrash judge: no API key provided and ANTHROPIC_API_KEY is unset")
		}
	}
	if model == "" {
		model = "claude-sonnet-4-5-20250929"
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicThrashJudge{client: &client, model: model}, nil
}

type thrashVerdict struct {
	ShouldHalt bool    `json:"should_halt"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

const thrashSystemPrompt = `You are an expert at spotting unproductive repetition in a single automated agent's recent emitted event payloads.

An unproductive loop is the agent repeating the same action or conclusion with no forward progress, not merely working steadily on a long task.

Respond with only a JSON object of this shape:
{"should_halt": true/false, "confidence": 0.0-1.0, "reasoning": "one or two sentences"}

Only set should_halt true when confidence exceeds 0.8. Err toward should_halt false: a false positive stops a loop that was actually making progress.`

// IsThrashing sends recentPayloads to the model and reports whether it
// judges the loop thrashing with high confidence. API or parse failures
// return (false, err) — callers treat a judge error as "don't halt",
// never as "halt".
func (j *AnthropicThrashJudge) IsThrashing(ctx context.Context, recentPayloads []string) (bool, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Recent emitted payloads, oldest first (%d total):\n\n", len(recentPayloads))
	for i, p := range recentPayloads {
		fmt.Fprintf(&b, "%d. %s\n", i+1, p)
	}

	fullPrompt := fmt.Sprintf("%s\n\n---\n\n%s", thrashSystemPrompt, b.String())

	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	resp, err := j.client.Messages.New(reqCtx, anthropic.MessageNewParams{
		Model:     anthropic.Model(j.model),
		MaxTokens: 500,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(fullPrompt)),
		},
	})
	if err != nil {
		return false, fmt.Errorf("thrash judge API call: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	verdict, err := parseThrashVerdict(text.String())
	if err != nil {
		return false, fmt.Errorf("thrash judge response: %w", err)
	}

	return verdict.ShouldHalt && verdict.Confidence > 0.8, nil
}

// parseThrashVerdict tolerates a response wrapped in a markdown code fence,
// matching the teacher's "models sometimes fence JSON despite instructions
// not to" allowance in its own resilient parser.
func parseThrashVerdict(raw string) (thrashVerdict, error) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var v thrashVerdict
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return thrashVerdict{}, fmt.Errorf("decode verdict JSON: %w", err)
	}
	return v, nil
}
