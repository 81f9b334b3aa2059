package summarizer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func sampleRequest() Request {
	return Request{
		ScopeType: "region",
		ScopeKey:  "NE",
		Window:    "week 2024-W10",
		Rows: []Row{
			{StoreId: "S01", RegionCode: "NE", Mood: "negative", MissTotal: 300, Themes: "Produce, staffing"},
			{StoreId: "S02", RegionCode: "NE", Mood: "positive", MissTotal: 100, EstimatedImpact: 50, Themes: "produce"},
		},
		TotalRows: 5,
		Truncated: true,
	}
}

func TestParseAnalysis(t *testing.T) {
	cases := []struct {
		name string
		in   string
	}{
		{"bare", `{"summary":"ok","opportunities":["a"],"actions":[],"risks":[" "]}`},
		{"fenced", "```json\n{\"summary\":\"ok\",\"opportunities\":[\"a\"]}\n```"},
		{"prose around", "Here you go: {\"summary\":\" ok \",\"opportunities\":[\"a\",\"\"]} thanks"},
	}
	for _, tc := range cases {
		a, err := parseAnalysis(tc.in)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if a.Summary != "ok" || len(a.Opportunities) != 1 || len(a.Risks) != 0 || a.Fallback {
			t.Fatalf("%s: analysis = %+v", tc.name, a)
		}
	}

	for _, in := range []string{"not json", `{"summary":""}`, `[]`} {
		if _, err := parseAnalysis(in); KindOf(err) != KindBadResponse {
			t.Fatalf("parseAnalysis(%q) kind = %q, want bad_response", in, KindOf(err))
		}
	}
}

func TestKindOf(t *testing.T) {
	if KindOf(nil) != "" {
		t.Fatalf("nil error should have no kind")
	}
	if KindOf(context.DeadlineExceeded) != KindTimeout {
		t.Fatalf("deadline should be a timeout")
	}
	wrapped := errors.Join(errors.New("ctx"), newError(KindConfig, errors.New("missing key")))
	if KindOf(wrapped) != KindConfig {
		t.Fatalf("wrapped kind = %q", KindOf(wrapped))
	}
	if KindOf(errors.New("socket closed")) != KindHTTP {
		t.Fatalf("plain errors default to http")
	}
}

func TestTimeoutFromEnv(t *testing.T) {
	t.Setenv("SUMMARIZER_TIMEOUT_SECONDS", "7")
	if Timeout() != 7*time.Second {
		t.Fatalf("Timeout() = %s", Timeout())
	}
	t.Setenv("SUMMARIZER_TIMEOUT_SECONDS", "-1")
	if Timeout() != 60*time.Second {
		t.Fatalf("Timeout() with bad value = %s", Timeout())
	}
}

func TestNewSelectsProvider(t *testing.T) {
	t.Setenv("SUMMARIZER_PROVIDER", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")
	s, err := New(context.Background(), nil)
	if err != nil || s.Model() != PlaceholderModel {
		t.Fatalf("New() without keys = %v, %v", s, err)
	}

	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("OPENAI_MODEL", "gpt-test")
	s, err = New(context.Background(), nil)
	if err != nil || s.Model() != "gpt-test" {
		t.Fatalf("New() with openai key = %v, %v", s, err)
	}

	t.Setenv("SUMMARIZER_PROVIDER", "claude-on-a-napkin")
	if _, err := New(context.Background(), nil); KindOf(err) != KindConfig {
		t.Fatalf("unknown provider kind = %q", KindOf(err))
	}
}

func TestFallbackAnalysis(t *testing.T) {
	a := FallbackAnalysis(sampleRequest())
	if !a.Fallback {
		t.Fatalf("fallback flag not set")
	}
	if !strings.Contains(a.Summary, "2 submissions from 2 stores") || !strings.Contains(a.Summary, "$450") {
		t.Fatalf("summary = %q", a.Summary)
	}
	if len(a.Opportunities) != 2 || !strings.Contains(a.Opportunities[0], `"produce"`) {
		t.Fatalf("opportunities = %v", a.Opportunities)
	}
	if len(a.Risks) != 2 {
		t.Fatalf("risks = %v", a.Risks)
	}

	empty := FallbackAnalysis(Request{})
	if !empty.Fallback || empty.Opportunities == nil || len(empty.Actions) != 1 {
		t.Fatalf("empty fallback = %+v", empty)
	}

	res, err := Placeholder{}.Summarize(context.Background(), sampleRequest())
	if err != nil || res.Model != PlaceholderModel || !res.Analysis.Fallback {
		t.Fatalf("placeholder = %+v, %v", res, err)
	}
}

func chatServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(handler))
	t.Cleanup(srv.Close)
	return srv
}

func writeChat(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"model": "gpt-served",
		"choices": []map[string]any{
			{"message": map[string]string{"role": "assistant", "content": content}},
		},
	})
}

func TestOpenAISummarize(t *testing.T) {
	var got chatRequest
	srv := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" || r.Header.Get("Authorization") != "Bearer sk-test" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeChat(w, `{"summary":"Produce is the top miss.","opportunities":["Fix produce"],"actions":["Call S01"],"risks":[]}`)
	})

	c := NewOpenAI(srv.URL+"/", "sk-test", "gpt-test", srv.Client())
	res, err := c.Summarize(context.Background(), sampleRequest())
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if res.Model != "gpt-served" || res.Analysis.Summary != "Produce is the top miss." || len(res.Analysis.Actions) != 1 {
		t.Fatalf("result = %+v", res)
	}
	if got.Model != "gpt-test" || len(got.Messages) != 2 || got.Messages[0].Role != "system" {
		t.Fatalf("request = %+v", got)
	}
	if !strings.Contains(got.Messages[1].Content, "Rows (2 of 5)") || got.ResponseFormat["type"] != "json_object" {
		t.Fatalf("user prompt = %q", got.Messages[1].Content)
	}
}

func TestOpenAIRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		writeChat(w, `{"summary":"second time"}`)
	})
	c := NewOpenAI(srv.URL, "sk-test", "gpt-test", srv.Client())
	c.maxRetries = 1
	res, err := c.Summarize(context.Background(), sampleRequest())
	if err != nil || res.Analysis.Summary != "second time" || calls.Load() != 2 {
		t.Fatalf("Summarize = %+v, %v after %d calls", res, err, calls.Load())
	}
}

func TestOpenAIErrorKinds(t *testing.T) {
	t.Run("client error is not retried", func(t *testing.T) {
		var calls atomic.Int32
		srv := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			http.Error(w, "invalid key", http.StatusUnauthorized)
		})
		c := NewOpenAI(srv.URL, "sk-bad", "gpt-test", srv.Client())
		c.maxRetries = 3
		_, err := c.Summarize(context.Background(), sampleRequest())
		if KindOf(err) != KindHTTP || calls.Load() != 1 {
			t.Fatalf("err = %v (kind %q) after %d calls", err, KindOf(err), calls.Load())
		}
	})

	t.Run("bad content", func(t *testing.T) {
		srv := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
			writeChat(w, "I cannot help with that.")
		})
		_, err := NewOpenAI(srv.URL, "sk", "gpt-test", srv.Client()).Summarize(context.Background(), sampleRequest())
		if KindOf(err) != KindBadResponse {
			t.Fatalf("kind = %q", KindOf(err))
		}
	})

	t.Run("timeout", func(t *testing.T) {
		srv := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		})
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := NewOpenAI(srv.URL, "sk", "gpt-test", srv.Client()).Summarize(ctx, sampleRequest())
		if KindOf(err) != KindTimeout {
			t.Fatalf("kind = %q (%v)", KindOf(err), err)
		}
	})
}
