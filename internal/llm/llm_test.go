package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"sifter/internal/config"
	"sifter/internal/domain"
)

func testConfig(url string) config.LLM {
	return config.LLM{BaseURL: url, Model: "m", Timeout: 5 * time.Second, MaxRetries: 2}
}

func chatResponse(content string) string {
	data, _ := json.Marshal(map[string]any{
		"choices": []any{map[string]any{"message": map[string]any{"role": "assistant", "content": content}}},
	})
	return string(data)
}

func records(ids ...int64) []domain.Record {
	out := make([]domain.Record, len(ids))
	for i, id := range ids {
		out[i] = domain.Record{ID: id, Name: "agent-" + string(rune('a'+i)), Data: json.RawMessage(`{"id":` + jsonInt(id) + `}`)}
	}
	return out
}

func jsonInt(v int64) string {
	data, _ := json.Marshal(v)
	return string(data)
}

func TestClientComplete(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		body, _ = io.ReadAll(r.Body)
		_, _ = io.WriteString(w, chatResponse("hello"))
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL+"/"), "secret", nil)
	out, err := c.Complete(context.Background(), ChatRequest{Model: "m", Messages: []Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)
	require.Equal(t, "hello", out)
	require.Equal(t, "m", gjson.GetBytes(body, "model").String())
	require.Equal(t, "hi", gjson.GetBytes(body, "messages.0.content").String())
	require.False(t, gjson.GetBytes(body, "reasoning_effort").Exists())
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, chatResponse("ok"))
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), "", nil)
	c.HTTP.RetryWaitMin = time.Millisecond
	c.HTTP.RetryWaitMax = time.Millisecond
	out, err := c.Complete(context.Background(), ChatRequest{Model: "m"})
	require.NoError(t, err)
	require.Equal(t, "ok", out)
	require.EqualValues(t, 2, calls.Load())
}

func TestClientReturnsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"bad model"}`)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), "", nil)
	_, err := c.Complete(context.Background(), ChatRequest{Model: "m"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	require.Contains(t, apiErr.Body, "bad model")
}

type fakeCompleter struct {
	reply string
	reqs  []ChatRequest
}

func (f *fakeCompleter) Complete(_ context.Context, req ChatRequest) (string, error) {
	f.reqs = append(f.reqs, req)
	return f.reply, nil
}

func TestAnalyzerBuildsPromptAndStripsThinking(t *testing.T) {
	fc := &fakeCompleter{reply: "<think>pondering</think>\n\n# Result"}
	a := Analyzer{LLM: fc, Model: "o3-mini", Prompt: "Find gems.", OutputPrompt: "Be brief.", Context: "market is down", ReasoningEffort: "high"}

	out, err := a.Analyze(context.Background(), records(1, 2))
	require.NoError(t, err)
	require.Equal(t, "# Result", out)

	require.Len(t, fc.reqs, 1)
	req := fc.reqs[0]
	require.Equal(t, "o3-mini", req.Model)
	require.Equal(t, "high", req.ReasoningEffort)
	msg := req.Messages[0].Content
	require.Contains(t, msg, "<purpose>")
	require.Contains(t, msg, "Find gems.")
	require.Contains(t, msg, "<output>\nBe brief.\n</output>")
	require.Contains(t, msg, "\"id\": 2")
	require.True(t, strings.HasSuffix(msg, "<context>\nmarket is down\n</context>"))
}

func TestAnalyzerOmitsEmptyContext(t *testing.T) {
	fc := &fakeCompleter{reply: "plain"}
	out, err := Analyzer{LLM: fc}.Analyze(context.Background(), records(1))
	require.NoError(t, err)
	require.Equal(t, "plain", out)
	require.NotContains(t, fc.reqs[0].Messages[0].Content, "<context>")
}

func TestSelectorParsesTopIDs(t *testing.T) {
	fc := &fakeCompleter{reply: "```json\n{\"top_ids\": [3, 1]}\n```"}
	ids, err := Selector{LLM: fc, Model: "gpt-4o-mini"}.SelectTop(context.Background(), records(1, 2, 3), "# analysis")
	require.NoError(t, err)
	require.Equal(t, []int64{3, 1}, ids)
	require.Equal(t, "json_object", fc.reqs[0].ResponseFormat.Type)
	require.Contains(t, fc.reqs[0].Messages[0].Content, "    # analysis")
}

func TestParseTopIDs(t *testing.T) {
	ids, err := ParseTopIDs(`{"top_ids": []}`)
	require.NoError(t, err)
	require.Empty(t, ids)

	_, err = ParseTopIDs(`not json`)
	require.Error(t, err)
	_, err = ParseTopIDs(`{"ids": [1]}`)
	require.Error(t, err)
	_, err = ParseTopIDs(`{"top_ids": ["x"]}`)
	require.Error(t, err)
}

func TestStaticProvider(t *testing.T) {
	batch := records(5, 2, 9)
	analysis, err := Static{}.Analyze(context.Background(), batch)
	require.NoError(t, err)
	require.Contains(t, analysis, "Batch of 3 records")

	ids, err := Static{}.SelectTop(context.Background(), batch, analysis)
	require.NoError(t, err)
	require.Equal(t, []int64{2, 5}, ids)
}
