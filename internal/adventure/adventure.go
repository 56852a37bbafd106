// Package adventure runs a short text adventure narrated by an LLM, choosing
// each next action with host randomness.
package adventure

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/jkaninda/hpcbridge/internal/hpc"
	"github.com/jkaninda/hpcbridge/internal/llm"
	"github.com/jkaninda/hpcbridge/internal/rng"
	"github.com/jkaninda/hpcbridge/internal/rpc"
)

// DefaultRolls is the number of turns played when Game.Rolls is zero.
const DefaultRolls = 3

const (
	systemPrompt  = "You will run a fun, fantasy adventure text game for me.  You respond in JSON without any markdown, backticks, or anything that might interfere with parsing your response as JSON. Each response will have a JSON key for 'text' and another JSON key for 'actions' (an array of strings: the next possible actions)."
	openingPrompt = "Set the scene (at JSON key 'text'), and then give me a choice of actions (at JSON key 'actions'), which is an array of strings."

	turnSchemaURL = "https://hpcbridge.local/adventure/turn.schema.json"
)

// actions are bounded by what one random byte can choose between.
var turnSchema = fmt.Sprintf(`{
  "type": "object",
  "required": ["text", "actions"],
  "properties": {
    "text": {"type": "string"},
    "actions": {
      "type": "array",
      "minItems": 1,
      "maxItems": %d,
      "items": {"type": "string"}
    }
  }
}`, rng.MaxBound)

var compiledTurnSchema = mustCompile(turnSchemaURL, turnSchema)

func mustCompile(url, schema string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		panic(fmt.Sprintf("adventure: loading schema: %v", err))
	}
	return c.MustCompile(url)
}

// Chooser picks a value in [0, n). *rng.Helper implements it.
type Chooser interface {
	UniformBelow(ctx context.Context, n int) (int, error)
}

// Game holds the collaborators of one play-through.
type Game struct {
	LLM     llm.Completer
	Chooser Chooser
	Rolls   int
	// RPCs is reported in the result. It is usually the log of the RPC
	// client backing LLM.
	RPCs   *rpc.Log
	Logger *slog.Logger
}

// Roll is one turn: the raw narration and the action taken.
type Roll struct {
	Prompt string `json:"prompt"`
	Action string `json:"action"`
}

// Result is the document a play-through prints.
type Result struct {
	Rolls []Roll   `json:"rolls"`
	RPCs  *rpc.Log `json:"rpcs"`
}

// Turn is a validated LLM reply.
type Turn struct {
	Text    string   `json:"text"`
	Actions []string `json:"actions"`
}

// ParseTurn decodes and validates one narration.
func ParseTurn(raw string) (Turn, error) {
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return Turn{}, hpc.SchemaError("parse turn", "narration is not JSON: %v", err)
	}
	if err := compiledTurnSchema.Validate(doc); err != nil {
		return Turn{}, hpc.SchemaError("parse turn", "%v", err)
	}
	var t Turn
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return Turn{}, hpc.SchemaError("parse turn", "%v", err)
	}
	return t, nil
}

// Play runs the game. On error the rolls completed so far are still returned.
func (g *Game) Play(ctx context.Context) (*Result, error) {
	logger := g.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	rolls := g.Rolls
	if rolls <= 0 {
		rolls = DefaultRolls
	}

	result := &Result{Rolls: make([]Roll, 0, rolls), RPCs: g.RPCs}
	if result.RPCs == nil {
		result.RPCs = rpc.NewLog()
	}

	input := []llm.Message{llm.System(systemPrompt), llm.User(openingPrompt)}
	for i := 1; i <= rolls; i++ {
		narration, err := g.LLM.Complete(ctx, input)
		if err != nil {
			return result, fmt.Errorf("turn %d: %w", i, err)
		}
		turn, err := ParseTurn(narration)
		if err != nil {
			return result, fmt.Errorf("turn %d: %w", i, err)
		}
		n, err := g.Chooser.UniformBelow(ctx, len(turn.Actions))
		if err != nil {
			return result, fmt.Errorf("turn %d: choosing action: %w", i, err)
		}
		action := turn.Actions[n]
		result.Rolls = append(result.Rolls, Roll{Prompt: narration, Action: action})

		logger.InfoContext(ctx, "adventure turn",
			slog.Int("turn", i),
			slog.Int("actions", len(turn.Actions)),
			slog.String("action", action),
		)
		input = append(input, llm.User("My action: "+action+". What happens next?"))
	}
	return result, nil
}
