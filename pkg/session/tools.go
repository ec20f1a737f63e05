package session

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/silviot/live_classroom_go/pkg/live"
)

// Tool names declared to the model.
const (
	ToolGrantXP  = "grantXP"
	ToolSetTopic = "setTopic"
)

// ToolUsageSuffix is appended to every system prompt so the model knows it
// can drive the app.
const ToolUsageSuffix = " You have control over the app. If the student does well, call `grantXP`. When you want to teach a new phrase, call `setTopic` to update their screen."

// ToolInvocation is one model-issued request inside a tool call batch.
type ToolInvocation struct {
	ID   string
	Name string
	Args map[string]any
}

// Tool is the closed set of operations the model may invoke.
type Tool interface {
	toolName() string
}

// GrantXP awards experience points to the student.
type GrantXP struct {
	Amount int
}

// SetTopic replaces the practice phrase on screen.
type SetTopic struct {
	Topic Topic
}

// UnsupportedTool is any name outside the declared set.
type UnsupportedTool struct {
	Name string
}

func (GrantXP) toolName() string           { return ToolGrantXP }
func (SetTopic) toolName() string          { return ToolSetTopic }
func (t UnsupportedTool) toolName() string { return t.Name }

// Topic is the current practice phrase.
type Topic struct {
	Chinese string `json:"chinese"`
	English string `json:"english"`
	Pinyin  string `json:"pinyin"`
}

// DefaultTopic is shown before the teacher picks one.
var DefaultTopic = Topic{
	Chinese: "你好！我叫...",
	English: "Hello! My name is...",
	Pinyin:  "Nǐ hǎo! Wǒ jiào...",
}

// ToolHandler applies tool side effects to the classroom.
type ToolHandler interface {
	GrantXP(amount int)
	SetTopic(topic Topic)
}

// ParseTool maps an invocation onto the closed tool set. Known tools with
// malformed arguments return an error.
func ParseTool(inv ToolInvocation) (Tool, error) {
	switch inv.Name {
	case ToolGrantXP:
		amount, ok := number(inv.Args["amount"])
		if !ok {
			return nil, fmt.Errorf("grantXP: amount must be a number, got %v", inv.Args["amount"])
		}
		if amount < 0 {
			return nil, fmt.Errorf("grantXP: amount must not be negative, got %d", amount)
		}
		return GrantXP{Amount: amount}, nil
	case ToolSetTopic:
		var topic Topic
		var missing []string
		for key, dst := range map[string]*string{"chinese": &topic.Chinese, "english": &topic.English, "pinyin": &topic.Pinyin} {
			s, ok := inv.Args[key].(string)
			if !ok {
				missing = append(missing, key)
				continue
			}
			*dst = s
		}
		if len(missing) > 0 {
			slices.Sort(missing)
			return nil, fmt.Errorf("setTopic: missing %s", strings.Join(missing, ", "))
		}
		return SetTopic{Topic: topic}, nil
	default:
		return UnsupportedTool{Name: inv.Name}, nil
	}
}

func number(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int(math.Round(n)), true
	case int:
		return n, true
	case int64:
		return int(n), true
	default:
		return 0, false
	}
}

// ToolDeclarations describes the tool set to the live endpoint.
func ToolDeclarations() []live.FunctionDeclaration {
	return []live.FunctionDeclaration{
		{
			Name:        ToolGrantXP,
			Description: "Award XP to the student. Use this when they pronounce correctly, answer a question right, or complete a task.",
			Parameters: &live.Schema{
				Type: "OBJECT",
				Properties: map[string]*live.Schema{
					"amount": {Type: "NUMBER", Description: "Amount of XP (e.g. 10 for simple, 50 for hard)"},
				},
				Required: []string{"amount"},
			},
		},
		{
			Name:        ToolSetTopic,
			Description: "Change the current practice phrase on the screen. Use this to move to the next exercise.",
			Parameters: &live.Schema{
				Type: "OBJECT",
				Properties: map[string]*live.Schema{
					"chinese": {Type: "STRING", Description: "The Chinese characters to display"},
					"english": {Type: "STRING", Description: "English translation"},
					"pinyin":  {Type: "STRING", Description: "Pinyin pronunciation guide"},
				},
				Required: []string{"chinese", "english", "pinyin"},
			},
		},
	}
}
