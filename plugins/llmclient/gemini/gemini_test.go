package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	genai "google.golang.org/genai"

	"reposumm/pkg/contract"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	raw, _ := json.Marshal(Options{BaseURL: srv.URL, APIKey: "g-test", Model: "gemini-test"})
	c, err := New(raw)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return c
}

func TestCompleteOK(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "models/gemini-test:generateContent") {
			t.Errorf("路径错误: %s", r.URL.Path)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if _, ok := body["systemInstruction"]; !ok {
			t.Errorf("system 应映射为 systemInstruction: %v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"part one "},{"text":"and two"}]}}],"usageMetadata":{"promptTokenCount":9,"candidatesTokenCount":4}}`))
	})
	resp, err := c.Complete(context.Background(), contract.Request{Messages: []contract.Message{
		{Role: "system", Content: "sys"}, {Role: "user", Content: "code"},
	}})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.Text != "part one and two" || resp.PromptTokens != 9 || resp.OutputTokens != 4 {
		t.Fatalf("响应错误: %+v", resp)
	}
}

func TestSplitMessages(t *testing.T) {
	sys, contents := splitMessages([]contract.Message{
		{Role: "system", Content: "a"}, {Role: "System", Content: "b"},
		{Role: "user", Content: "u"}, {Role: "assistant", Content: "m"},
	})
	if sys == nil || sys.Parts[0].Text != "a\n\nb" {
		t.Fatalf("system 合并错误: %+v", sys)
	}
	if len(contents) != 2 || contents[0].Role != "user" || contents[1].Role != "model" {
		t.Fatalf("角色映射错误: %+v", contents)
	}
	if s, _ := splitMessages([]contract.Message{{Role: "user", Content: "u"}}); s != nil {
		t.Fatalf("无 system 时应为 nil")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		kind contract.Kind
		rate bool
	}{
		{genai.APIError{Code: 401, Message: "bad key"}, contract.KindConfiguration, false},
		{genai.APIError{Code: 404, Message: "no model"}, contract.KindConfiguration, false},
		{&genai.APIError{Code: 400, Message: "bad"}, contract.KindConfiguration, false},
		{genai.APIError{Code: 429, Message: "slow"}, contract.KindTransient, true},
		{genai.APIError{Code: 503, Message: "down"}, contract.KindTransient, false},
		{errors.New("connection reset"), contract.KindTransient, false},
	}
	for _, tc := range cases {
		err := classify(tc.err)
		if contract.KindOf(err) != tc.kind {
			t.Fatalf("%v: kind=%q want %q", tc.err, contract.KindOf(err), tc.kind)
		}
		if errors.Is(err, contract.ErrRateLimited) != tc.rate {
			t.Fatalf("%v: 限流判定错误", tc.err)
		}
	}
}

func TestNewMissingKey(t *testing.T) {
	t.Setenv("REPOSUMM_TEST_GEMINI_EMPTY", "")
	_, err := New(json.RawMessage(`{"api_key_env":"REPOSUMM_TEST_GEMINI_EMPTY"}`))
	if !errors.Is(err, contract.ErrConfiguration) {
		t.Fatalf("缺少密钥应为配置错误: %v", err)
	}
}

func TestCompleteRejectsSystemOnly(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("不应发出请求")
	})
	_, err := c.Complete(context.Background(), contract.Request{Messages: []contract.Message{{Role: "system", Content: "s"}}})
	if contract.KindOf(err) != contract.KindConfiguration {
		t.Fatalf("仅 system 消息应为配置错误: %v", err)
	}
}
