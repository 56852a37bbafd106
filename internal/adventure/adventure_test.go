package adventure

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/jkaninda/hpcbridge/internal/hpc"
	"github.com/jkaninda/hpcbridge/internal/llm"
	"github.com/jkaninda/hpcbridge/internal/llm/openai"
	"github.com/jkaninda/hpcbridge/internal/rng"
	"github.com/jkaninda/hpcbridge/internal/router"
	"github.com/jkaninda/hpcbridge/internal/rpc"
)

// scriptedLLM returns its replies in order and records each conversation.
type scriptedLLM struct {
	replies []string
	seen    [][]llm.Message
}

func (s *scriptedLLM) Complete(_ context.Context, input []llm.Message) (string, error) {
	s.seen = append(s.seen, append([]llm.Message(nil), input...))
	if len(s.replies) == 0 {
		return "", errors.New("script exhausted")
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r, nil
}

type fixedChooser struct {
	pick int
	got  []int
}

func (f *fixedChooser) UniformBelow(_ context.Context, n int) (int, error) {
	f.got = append(f.got, n)
	return f.pick % n, nil
}

func TestParseTurn(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"valid", `{"text":"A cave.","actions":["enter","leave"]}`, false},
		{"extra keys allowed", `{"text":"x","actions":["a"],"mood":"grim"}`, false},
		{"markdown fenced", "```json\n{\"text\":\"x\",\"actions\":[\"a\"]}\n```", true},
		{"missing actions", `{"text":"x"}`, true},
		{"empty actions", `{"text":"x","actions":[]}`, true},
		{"non-string action", `{"text":"x","actions":[1]}`, true},
		{"text not string", `{"text":3,"actions":["a"]}`, true},
		{"not an object", `["a"]`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTurn(tt.raw)
			if tt.wantErr {
				if !errors.Is(err, hpc.ErrSchema) {
					t.Fatalf("expected ErrSchema, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestParseTurn_TooManyActions(t *testing.T) {
	actions := make([]string, rng.MaxBound+1)
	for i := range actions {
		actions[i] = "go"
	}
	raw, _ := json.Marshal(Turn{Text: "x", Actions: actions})
	if _, err := ParseTurn(string(raw)); !errors.Is(err, hpc.ErrSchema) {
		t.Fatalf("expected ErrSchema, got %v", err)
	}
}

func TestPlay_Conversation(t *testing.T) {
	model := &scriptedLLM{replies: []string{
		`{"text":"A gate.","actions":["open","knock"]}`,
		`{"text":"A hall.","actions":["left","right","up"]}`,
	}}
	chooser := &fixedChooser{pick: 1}
	g := &Game{LLM: model, Chooser: chooser, Rolls: 2}

	res, err := g.Play(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Rolls) != 2 {
		t.Fatalf("rolls = %d, want 2", len(res.Rolls))
	}
	if res.Rolls[0].Action != "knock" || res.Rolls[1].Action != "right" {
		t.Errorf("actions = %q, %q", res.Rolls[0].Action, res.Rolls[1].Action)
	}
	if res.Rolls[0].Prompt != `{"text":"A gate.","actions":["open","knock"]}` {
		t.Errorf("prompt should be the raw narration, got %q", res.Rolls[0].Prompt)
	}
	if chooser.got[0] != 2 || chooser.got[1] != 3 {
		t.Errorf("chooser bounds = %v, want [2 3]", chooser.got)
	}

	if len(model.seen[0]) != 2 || model.seen[0][0].Role != llm.RoleSystem || model.seen[0][1].Role != llm.RoleUser {
		t.Errorf("opening conversation = %+v", model.seen[0])
	}
	second := model.seen[1]
	if len(second) != 3 || second[2].Content != "My action: knock. What happens next?" {
		t.Errorf("second conversation = %+v", second)
	}
}

func TestPlay_DefaultRolls(t *testing.T) {
	reply := `{"text":"x","actions":["a"]}`
	model := &scriptedLLM{replies: []string{reply, reply, reply, reply}}
	g := &Game{LLM: model, Chooser: &fixedChooser{}}

	res, err := g.Play(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Rolls) != DefaultRolls {
		t.Errorf("rolls = %d, want %d", len(res.Rolls), DefaultRolls)
	}
}

func TestPlay_InvalidNarrationKeepsPartialRolls(t *testing.T) {
	model := &scriptedLLM{replies: []string{
		`{"text":"x","actions":["a"]}`,
		`Sure! Here is your adventure...`,
	}}
	g := &Game{LLM: model, Chooser: &fixedChooser{}, Rolls: 3}

	res, err := g.Play(context.Background())
	if !errors.Is(err, hpc.ErrSchema) {
		t.Fatalf("expected ErrSchema, got %v", err)
	}
	if !strings.Contains(err.Error(), "turn 2") {
		t.Errorf("error should name the turn: %v", err)
	}
	if len(res.Rolls) != 1 {
		t.Errorf("rolls = %d, want 1", len(res.Rolls))
	}
}

// TestPlay_ThroughHost drives the game over a real router: the LLM call goes
// through tlsp with a receipt, the choice through rng without one.
func TestPlay_ThroughHost(t *testing.T) {
	narration := `{"text":"A fork in the road.","actions":["north","south","east","west"]}`
	upstream, _ := json.Marshal(map[string]any{
		"output": []any{map[string]any{"content": []any{map[string]any{"text": narration}}}},
	})

	r := router.New()
	r.Register(hpc.CapabilityRNG, router.HandlerFunc(func(context.Context, json.RawMessage) (any, error) {
		return hpc.RNGResponse{Bytes: []int{130}}, nil
	}))
	r.Register(hpc.CapabilityTLSP, router.HandlerFunc(func(context.Context, json.RawMessage) (any, error) {
		body := string(upstream)
		return hpc.TLSPResponse{Status: 200, Body: &body}, nil
	}))
	client := hpc.NewClient(hpc.NewFuncTransport(func(ctx context.Context, req []byte) ([]byte, error) {
		return r.Dispatch(ctx, req), nil
	}), nil)

	log := rpc.NewLog()
	rpcClient := rpc.NewClient(client, log, nil)
	g := &Game{
		LLM:     openai.NewClient(rpcClient, "sk-test", nil),
		Chooser: rng.New(client),
		Rolls:   1,
		RPCs:    log,
	}

	res, err := g.Play(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 130 % 4 == 2
	if res.Rolls[0].Action != "east" {
		t.Errorf("action = %q, want east", res.Rolls[0].Action)
	}
	if log.Len() != 1 {
		t.Errorf("receipts = %d, want 1 (rng keeps none)", log.Len())
	}

	out, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	var doc struct {
		Rolls []Roll            `json:"rolls"`
		RPCs  []json.RawMessage `json:"rpcs"`
	}
	if err := json.Unmarshal(out, &doc); err != nil {
		t.Fatalf("result is not JSON: %v", err)
	}
	if len(doc.Rolls) != 1 || len(doc.RPCs) != 1 {
		t.Errorf("result document = %s", out)
	}
	if !strings.Contains(string(doc.RPCs[0]), `"tlsp"`) || !strings.Contains(string(doc.RPCs[0]), `"response"`) {
		t.Errorf("receipt should carry the request and response: %s", doc.RPCs[0])
	}
}
