package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/spectra/internal/observability"
	"github.com/haasonsaas/spectra/internal/sessions"
	"github.com/haasonsaas/spectra/pkg/models"
)

// loopTestProvider replays scripted responses, one per Complete call.
type loopTestProvider struct {
	responses    [][]CompletionChunk
	currentCall  int32
	completeFunc func(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	mu       sync.Mutex
	requests []*CompletionRequest
}

func (p *loopTestProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	if p.completeFunc != nil {
		return p.completeFunc(ctx, req)
	}

	call := int(atomic.AddInt32(&p.currentCall, 1)) - 1
	ch := make(chan *CompletionChunk, 10)

	go func() {
		defer close(ch)
		if call < len(p.responses) {
			for _, chunk := range p.responses[call] {
				chunk := chunk
				select {
				case ch <- &chunk:
				case <-ctx.Done():
					ch <- &CompletionChunk{Error: ctx.Err()}
					return
				}
			}
		}
	}()

	return ch, nil
}

func (p *loopTestProvider) Name() string        { return "loop-test" }
func (p *loopTestProvider) Models() []Model     { return nil }
func (p *loopTestProvider) SupportsTools() bool { return true }

func (p *loopTestProvider) request(i int) *CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

// loopTestTool is a scripted tool.
type loopTestTool struct {
	name    models.ToolName
	execute func(ctx context.Context, params json.RawMessage) (*ToolResult, error)

	mu    sync.Mutex
	calls []string
}

func (t *loopTestTool) Name() models.ToolName   { return t.name }
func (t *loopTestTool) Description() string     { return "test tool" }
func (t *loopTestTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (t *loopTestTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	t.mu.Lock()
	t.calls = append(t.calls, string(params))
	t.mu.Unlock()
	if t.execute != nil {
		return t.execute(ctx, params)
	}
	return &ToolResult{Content: "ok"}, nil
}

func toolCallChunk(id string, name models.ToolName, input string) CompletionChunk {
	return CompletionChunk{ToolCall: &models.ToolCall{ID: id, Name: name, Input: json.RawMessage(input)}}
}

func textResponse(text string) []CompletionChunk {
	return []CompletionChunk{{Text: text}, {Done: true}}
}

func newTestController(t *testing.T, provider LLMProvider, tools ...Tool) (*TurnController, *sessions.MemoryStore) {
	t.Helper()
	registry := NewToolRegistry()
	for _, tool := range tools {
		if err := registry.Register(tool); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}
	store := sessions.NewMemoryStore()
	return NewTurnController(provider, registry, store, nil), store
}

func sessionHistory(t *testing.T, store *sessions.MemoryStore, key string) []*models.Message {
	t.Helper()
	session, err := store.GetOrCreate(context.Background(), key)
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	history, err := store.GetHistory(context.Background(), session.ID, 0)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	return history
}

func TestDefaultLoopConfig(t *testing.T) {
	config := DefaultLoopConfig()
	if config.MaxIterations != 8 {
		t.Errorf("MaxIterations = %d, want 8", config.MaxIterations)
	}
	if config.MaxWallTime != 0 {
		t.Errorf("MaxWallTime = %v, want 0", config.MaxWallTime)
	}
	if config.SystemDirective != SystemDirective {
		t.Error("SystemDirective should default to the built-in directive")
	}
	if config.ExecutorConfig == nil {
		t.Error("ExecutorConfig should not be nil")
	}
}

func TestSanitizeLoopConfig(t *testing.T) {
	cfg := sanitizeLoopConfig(&LoopConfig{MaxIterations: -1, MaxWallTime: -time.Second, SystemDirective: "  "})
	if cfg.MaxIterations != 8 {
		t.Errorf("MaxIterations = %d, want 8", cfg.MaxIterations)
	}
	if cfg.MaxWallTime != 0 {
		t.Errorf("MaxWallTime = %v, want 0", cfg.MaxWallTime)
	}
	if cfg.SystemDirective != SystemDirective {
		t.Error("blank directive should fall back to the default")
	}
}

func TestDirectiveConventions(t *testing.T) {
	for _, want := range []string{
		"execute_code",
		"web_search",
		"pd.read_csv('dataset.csv')",
		"PLOTLY_JSON_START",
		"PLOTLY_JSON_END",
		"cleaned_data.csv",
		"DOWNLOAD_READY",
	} {
		if !strings.Contains(SystemDirective, want) {
			t.Errorf("directive missing %q", want)
		}
	}
}

func TestRunTurn_EmptyQuery(t *testing.T) {
	controller, _ := newTestController(t, &loopTestProvider{})
	for _, query := range []string{"", "   \n"} {
		if _, err := controller.RunTurn(context.Background(), "default", query); !errors.Is(err, ErrEmptyQuery) {
			t.Errorf("RunTurn(%q) error = %v, want ErrEmptyQuery", query, err)
		}
	}
}

func TestRunTurn_NoProvider(t *testing.T) {
	controller := NewTurnController(nil, nil, sessions.NewMemoryStore(), nil)
	if _, err := controller.RunTurn(context.Background(), "default", "hi"); !errors.Is(err, ErrNoProvider) {
		t.Fatalf("RunTurn() error = %v, want ErrNoProvider", err)
	}
}

func TestRunTurn_DirectAnswer(t *testing.T) {
	provider := &loopTestProvider{responses: [][]CompletionChunk{
		{{Text: "The dataset "}, {Text: "has 3 columns."}, {Done: true, InputTokens: 10, OutputTokens: 5}},
	}}
	controller, store := newTestController(t, provider)
	var logs bytes.Buffer
	controller.SetObservability(nil, nil, slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})))

	outcome, err := controller.RunTurn(context.Background(), "default", "describe the data")
	if err != nil {
		t.Fatalf("RunTurn() error = %v", err)
	}
	if outcome.Final == nil || outcome.Final.Content != "The dataset has 3 columns." {
		t.Fatalf("Final = %+v", outcome.Final)
	}
	if outcome.Iterations != 0 {
		t.Errorf("Iterations = %d, want 0", outcome.Iterations)
	}
	if len(outcome.TurnMessages) != 2 {
		t.Fatalf("TurnMessages = %d, want 2", len(outcome.TurnMessages))
	}

	history := sessionHistory(t, store, "default")
	roles := []models.Role{models.RoleSystem, models.RoleUser, models.RoleAssistant}
	if len(history) != len(roles) {
		t.Fatalf("history length = %d, want %d", len(history), len(roles))
	}
	for i, role := range roles {
		if history[i].Role != role {
			t.Errorf("history[%d].Role = %s, want %s", i, history[i].Role, role)
		}
	}

	req := provider.request(0)
	if req.System != SystemDirective {
		t.Error("directive should be sent as the system prompt")
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
		t.Fatalf("request messages = %+v", req.Messages)
	}
	if !strings.Contains(logs.String(), `"phase":"complete"`) {
		t.Errorf("turn completion not logged: %s", logs.String())
	}
}

func TestRunTurn_ToolCallsRunInOrder(t *testing.T) {
	var order []string
	var mu sync.Mutex
	record := func(name string) func(context.Context, json.RawMessage) (*ToolResult, error) {
		return func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			mu.Lock()
			order = append(order, name+string(params))
			mu.Unlock()
			return &ToolResult{Content: name + " done"}, nil
		}
	}
	code := &loopTestTool{name: models.ToolExecuteCode}
	code.execute = record("code")
	search := &loopTestTool{name: models.ToolWebSearch}
	search.execute = record("search")

	provider := &loopTestProvider{responses: [][]CompletionChunk{
		{
			toolCallChunk("call_1", models.ToolWebSearch, `{"query":"a"}`),
			toolCallChunk("call_2", models.ToolExecuteCode, `{"code":"b"}`),
			toolCallChunk("call_3", models.ToolWebSearch, `{"query":"c"}`),
			{Done: true},
		},
		textResponse("done"),
	}}
	controller, _ := newTestController(t, provider, code, search)

	outcome, err := controller.RunTurn(context.Background(), "default", "go")
	if err != nil {
		t.Fatalf("RunTurn() error = %v", err)
	}
	want := []string{`search{"query":"a"}`, `code{"code":"b"}`, `search{"query":"c"}`}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Fatalf("execution order = %v, want %v", order, want)
	}

	results := outcome.ToolResults()
	if len(results) != 3 {
		t.Fatalf("tool results = %d, want 3", len(results))
	}
	for i, id := range []string{"call_1", "call_2", "call_3"} {
		if results[i].ToolCallID != id {
			t.Errorf("results[%d].ToolCallID = %s, want %s", i, results[i].ToolCallID, id)
		}
	}
	if outcome.Iterations != 1 {
		t.Errorf("Iterations = %d, want 1", outcome.Iterations)
	}

	second := provider.request(1)
	last := second.Messages[len(second.Messages)-1]
	if last.Role != "tool" || len(last.ToolResults) != 3 {
		t.Fatalf("second request should end with the tool results, got %+v", last)
	}
}

func TestRunTurn_SearchBeforeFinalAnswer(t *testing.T) {
	search := &loopTestTool{
		name: models.ToolWebSearch,
		execute: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			return &ToolResult{Content: "Source: News\nContent: Policy change in March\nURL: https://example.com"}, nil
		},
	}
	provider := &loopTestProvider{responses: [][]CompletionChunk{
		{toolCallChunk("call_1", models.ToolWebSearch, `{"query":"march spike"}`), {Done: true}},
		textResponse("Sales spiked after a policy change in March."),
	}}
	controller, store := newTestController(t, provider, search)

	outcome, err := controller.RunTurn(context.Background(), "default", "Why did sales spike?")
	if err != nil {
		t.Fatalf("RunTurn() error = %v", err)
	}

	history := sessionHistory(t, store, "default")
	searchIdx, finalIdx := -1, -1
	for i, msg := range history {
		if msg.Role == models.RoleTool {
			for _, tr := range msg.ToolResults {
				if tr.ToolName == models.ToolWebSearch {
					searchIdx = i
				}
			}
		}
		if msg.ID == outcome.Final.ID {
			finalIdx = i
		}
	}
	if searchIdx < 0 || finalIdx < 0 || searchIdx > finalIdx {
		t.Fatalf("expected web_search result before final answer (search=%d final=%d)", searchIdx, finalIdx)
	}
}

func TestRunTurn_RuntimeErrorContinues(t *testing.T) {
	code := &loopTestTool{
		name: models.ToolExecuteCode,
		execute: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			return &ToolResult{Content: "Runtime Error: KeyError: 'revenue'"}, nil
		},
	}
	provider := &loopTestProvider{responses: [][]CompletionChunk{
		{toolCallChunk("call_1", models.ToolExecuteCode, `{"code":"df['revenue']"}`), {Done: true}},
		textResponse("The dataset has no revenue column."),
	}}
	controller, _ := newTestController(t, provider, code)

	outcome, err := controller.RunTurn(context.Background(), "default", "total revenue?")
	if err != nil {
		t.Fatalf("RunTurn() error = %v", err)
	}
	results := outcome.ToolResults()
	if len(results) != 1 || !strings.HasPrefix(results[0].Content, "Runtime Error:") {
		t.Fatalf("tool results = %+v", results)
	}
	if outcome.Final.Content != "The dataset has no revenue column." {
		t.Fatalf("Final = %q", outcome.Final.Content)
	}
}

func TestRunTurn_UnknownToolBecomesResult(t *testing.T) {
	provider := &loopTestProvider{responses: [][]CompletionChunk{
		{toolCallChunk("call_1", models.ToolName("execute_python"), `{}`), {Done: true}},
		textResponse("Sorry."),
	}}
	controller, _ := newTestController(t, provider, &loopTestTool{name: models.ToolExecuteCode})

	outcome, err := controller.RunTurn(context.Background(), "default", "run it")
	if err != nil {
		t.Fatalf("RunTurn() error = %v", err)
	}
	results := outcome.ToolResults()
	if len(results) != 1 {
		t.Fatalf("tool results = %d, want 1", len(results))
	}
	if !results[0].IsError || !strings.Contains(results[0].Content, "unknown tool: execute_python") {
		t.Fatalf("unexpected result: %+v", results[0])
	}
}

func TestRunTurn_ToolFailuresDoNotAbort(t *testing.T) {
	tests := []struct {
		name    string
		execute func(ctx context.Context, params json.RawMessage) (*ToolResult, error)
		want    string
	}{
		{
			name: "error",
			execute: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
				return nil, errors.New("sandbox unavailable")
			},
			want: "Tool Error: sandbox unavailable",
		},
		{
			name: "panic",
			execute: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
				panic("boom")
			},
			want: "tool panicked: boom",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tool := &loopTestTool{name: models.ToolExecuteCode, execute: tt.execute}
			provider := &loopTestProvider{responses: [][]CompletionChunk{
				{toolCallChunk("call_1", models.ToolExecuteCode, `{"code":"x"}`), {Done: true}},
				textResponse("recovered"),
			}}
			controller, _ := newTestController(t, provider, tool)

			outcome, err := controller.RunTurn(context.Background(), "default", "go")
			if err != nil {
				t.Fatalf("RunTurn() error = %v", err)
			}
			results := outcome.ToolResults()
			if len(results) != 1 || !results[0].IsError || !strings.Contains(results[0].Content, tt.want) {
				t.Fatalf("results = %+v, want content containing %q", results, tt.want)
			}
			if outcome.Final.Content != "recovered" {
				t.Fatalf("Final = %q", outcome.Final.Content)
			}
		})
	}
}

func TestRunTurn_ToolCallLimitReleasesStream(t *testing.T) {
	sent := make(chan struct{})
	provider := &loopTestProvider{completeFunc: func(context.Context, *CompletionRequest) (<-chan *CompletionChunk, error) {
		ch := make(chan *CompletionChunk)
		go func() {
			defer close(sent)
			defer close(ch)
			for i := 0; i < MaxToolCallsPerIteration+8; i++ {
				ch <- &CompletionChunk{ToolCall: &models.ToolCall{
					ID:    fmt.Sprintf("call_%d", i),
					Name:  models.ToolExecuteCode,
					Input: json.RawMessage(`{"code":"1"}`),
				}}
			}
		}()
		return ch, nil
	}}
	controller, _ := newTestController(t, provider)

	_, err := controller.RunTurn(context.Background(), "default", "plot everything")
	if err == nil || !strings.Contains(err.Error(), "tool calls exceed maximum") {
		t.Fatalf("RunTurn() error = %v", err)
	}
	select {
	case <-sent:
	case <-time.After(2 * time.Second):
		t.Fatal("provider stream left blocked after the tool call limit was hit")
	}
}

func TestRunTurn_MaxIterations(t *testing.T) {
	provider := &loopTestProvider{
		completeFunc: func(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
			ch := make(chan *CompletionChunk, 2)
			chunk := toolCallChunk("", models.ToolExecuteCode, `{"code":"print(1)"}`)
			ch <- &chunk
			ch <- &CompletionChunk{Done: true}
			close(ch)
			return ch, nil
		},
	}
	tool := &loopTestTool{name: models.ToolExecuteCode}
	registry := NewToolRegistry()
	_ = registry.Register(tool)
	store := sessions.NewMemoryStore()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	controller := NewTurnController(provider, registry, store, &LoopConfig{MaxIterations: 3})
	controller.SetObservability(metrics, nil, nil)

	outcome, err := controller.RunTurn(context.Background(), "default", "loop forever")
	if !errors.Is(err, ErrMaxIterations) {
		t.Fatalf("RunTurn() error = %v, want ErrMaxIterations", err)
	}
	var loopErr *LoopError
	if !errors.As(err, &loopErr) || loopErr.Phase != PhaseExecuteTools {
		t.Fatalf("expected LoopError in execute_tools phase, got %v", err)
	}
	if outcome == nil || outcome.Iterations != 3 {
		t.Fatalf("outcome = %+v, want 3 iterations", outcome)
	}
	if len(tool.calls) != 3 {
		t.Fatalf("tool executed %d times, want 3", len(tool.calls))
	}
	if got := len(provider.requests); got != 4 {
		t.Fatalf("model invoked %d times, want 4", got)
	}

	history := sessionHistory(t, store, "default")
	last := history[len(history)-1]
	if last.Role != models.RoleTool || !strings.Contains(last.ToolResults[0].Content, "skipped") {
		t.Fatalf("expected skipped tool results to close the transcript, got %+v", last)
	}
	if last.ToolResults[0].ToolCallID == "" {
		t.Fatal("tool call ids should be generated when the provider omits them")
	}
	if got := testutil.ToFloat64(metrics.TurnCounter.WithLabelValues("max_iterations")); got != 1 {
		t.Errorf("max_iterations turns = %v, want 1", got)
	}
}

func TestRunTurn_ModelErrorIsFatal(t *testing.T) {
	tests := []struct {
		name     string
		provider *loopTestProvider
	}{
		{
			name: "complete error",
			provider: &loopTestProvider{completeFunc: func(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
				return nil, errors.New("401 unauthorized")
			}},
		},
		{
			name: "stream error",
			provider: &loopTestProvider{responses: [][]CompletionChunk{
				{{Text: "partial"}, {Error: errors.New("stream reset")}},
			}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			controller, store := newTestController(t, tt.provider)
			_, err := controller.RunTurn(context.Background(), "default", "hello")
			var modelErr *ModelError
			if !errors.As(err, &modelErr) {
				t.Fatalf("expected ModelError, got %v", err)
			}
			if modelErr.Provider != "loop-test" {
				t.Errorf("Provider = %q", modelErr.Provider)
			}
			var loopErr *LoopError
			if !errors.As(err, &loopErr) || loopErr.Phase != PhaseModel {
				t.Fatalf("expected LoopError in model phase, got %v", err)
			}

			// the user message stays in the transcript
			history := sessionHistory(t, store, "default")
			if history[len(history)-1].Role != models.RoleUser {
				t.Fatalf("last message role = %s, want user", history[len(history)-1].Role)
			}
		})
	}
}

func TestRunTurn_SessionContinuity(t *testing.T) {
	provider := &loopTestProvider{responses: [][]CompletionChunk{
		textResponse("first answer"),
		textResponse("second answer"),
	}}
	controller, store := newTestController(t, provider)
	ctx := context.Background()

	if _, err := controller.RunTurn(ctx, "s1", "first question"); err != nil {
		t.Fatalf("first RunTurn() error = %v", err)
	}
	before := sessionHistory(t, store, "s1")

	if _, err := controller.RunTurn(ctx, "s1", "second question"); err != nil {
		t.Fatalf("second RunTurn() error = %v", err)
	}
	after := sessionHistory(t, store, "s1")

	if len(after) <= len(before) {
		t.Fatalf("history did not grow: %d -> %d", len(before), len(after))
	}
	for i := range before {
		if before[i].ID != after[i].ID || before[i].Content != after[i].Content || before[i].Role != after[i].Role {
			t.Fatalf("message %d changed between turns", i)
		}
	}
	directives := 0
	for _, msg := range after {
		if msg.Role == models.RoleSystem {
			directives++
		}
	}
	if directives != 1 {
		t.Fatalf("expected exactly one directive, got %d", directives)
	}

	second := provider.request(1)
	if len(second.Messages) != 3 {
		t.Fatalf("second request should carry prior turn, got %d messages", len(second.Messages))
	}

	// a different session key starts fresh
	if other := sessionHistory(t, store, "s2"); len(other) != 0 {
		t.Fatalf("new session should be empty, got %d messages", len(other))
	}
}

func TestRunTurn_MaxWallTime(t *testing.T) {
	provider := &loopTestProvider{
		completeFunc: func(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
			ch := make(chan *CompletionChunk, 1)
			go func() {
				defer close(ch)
				<-ctx.Done()
				ch <- &CompletionChunk{Error: ctx.Err()}
			}()
			return ch, nil
		},
	}
	controller := NewTurnController(provider, nil, sessions.NewMemoryStore(), &LoopConfig{MaxWallTime: 20 * time.Millisecond})

	_, err := controller.RunTurn(context.Background(), "default", "slow")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("RunTurn() error = %v, want deadline exceeded", err)
	}
}

func TestRunTurn_SerializesSameSession(t *testing.T) {
	var active, maxActive int32
	provider := &loopTestProvider{
		completeFunc: func(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			ch := make(chan *CompletionChunk, 1)
			ch <- &CompletionChunk{Text: "ok"}
			close(ch)
			return ch, nil
		},
	}
	controller, store := newTestController(t, provider)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := controller.RunTurn(context.Background(), "shared", "q"); err != nil {
				t.Errorf("RunTurn() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Fatalf("concurrent turns on one session overlapped (max %d)", maxActive)
	}
	if history := sessionHistory(t, store, "shared"); len(history) != 9 {
		t.Fatalf("history length = %d, want 9", len(history))
	}
}

func TestBuildRequest_SplitsSystemMessages(t *testing.T) {
	temp := 0.0
	controller := NewTurnController(&loopTestProvider{}, nil, sessions.NewMemoryStore(), &LoopConfig{Model: "gpt-4o", Temperature: &temp})
	req := controller.buildRequest([]*models.Message{
		{Role: models.RoleSystem, Content: "one"},
		{Role: models.RoleSystem, Content: "two"},
		{Role: models.RoleUser, Content: "hi"},
	})
	if req.System != "one\n\ntwo" {
		t.Errorf("System = %q", req.System)
	}
	if len(req.Messages) != 1 || req.Messages[0].Content != "hi" {
		t.Errorf("Messages = %+v", req.Messages)
	}
	if req.Model != "gpt-4o" || req.Temperature == nil || *req.Temperature != 0 {
		t.Errorf("model settings not propagated: %+v", req)
	}
}
