package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	cfgpkg "reposumm/internal/config"
	"reposumm/internal/pipeline"
	"reposumm/pkg/contract"
)

// writeRepo 按相对路径写出仓库文件。
func writeRepo(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, body := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	return root
}

// scenarioRepo: a.py 单块；b.md 为 1500+1000 字符两段（2000 上限下分两块）；.hidden.py 被排除。
func scenarioRepo(t *testing.T) string {
	return writeRepo(t, map[string]string{
		"a.py":       "def a():\n    return 1\n",
		"b.md":       strings.Repeat("x", 1500) + "\n\n" + strings.Repeat("y", 1000) + "\n",
		".hidden.py": "secret = 1\n",
	})
}

func baseConfig(root, outDir string) cfgpkg.Config {
	cfg := cfgpkg.DefaultTemplateConfig()
	cfg.Root = root
	cfg.ChunkSize = 2000
	cfg.Logging.Level = "error"
	cfg.Checkpoint = filepath.Join(outDir, "checkpoint.jsonl")
	cfg.Backoff = cfgpkg.Backoff{BaseMS: 1, MaxMS: 5}
	cfg.Options.Writer = json.RawMessage(fmt.Sprintf(`{"output_dir":%q,"atomic":true}`, outDir))
	return cfg
}

func useProvider(cfg *cfgpkg.Config, client, opts string) {
	cfg.LLM = client
	cfg.Provider[client] = cfgpkg.Provider{Client: client, Options: json.RawMessage(opts)}
}

// runPipeline 装配并执行完整流水线；成功时渲染并写出报告，返回报告字节。
func runPipeline(t *testing.T, cfg cfgpkg.Config) (contract.Report, []byte, error) {
	t.Helper()
	rt, err := cfgpkg.Assemble(cfg, nil)
	if err != nil {
		return contract.Report{}, nil, err
	}
	rep, err := pipeline.Run(context.Background(), rt.Components, rt.Settings, nil)
	if err != nil {
		return contract.Report{}, nil, err
	}
	var buf bytes.Buffer
	rd, err := rt.Renderer.Render(context.Background(), rep)
	if err != nil {
		return rep, nil, err
	}
	if err := rt.Writer.Write(context.Background(), rt.Output, io.TeeReader(rd, &buf)); err != nil {
		return rep, nil, err
	}
	return rep, buf.Bytes(), nil
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	return strings.Split(strings.TrimSpace(string(b)), "\n")
}

func TestE2EScenario(t *testing.T) {
	outDir := t.TempDir()
	cfg := baseConfig(scenarioRepo(t), outDir)
	rep, md, err := runPipeline(t, cfg)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	if len(rep.Files) != 2 || rep.Files[0].FileID != "a.py" || rep.Files[1].FileID != "b.md" {
		t.Fatalf("report files: %+v", rep.Files)
	}
	if len(rep.Files[0].Parts) != 1 || len(rep.Files[1].Parts) != 2 {
		t.Fatalf("分块数错误: %d %d", len(rep.Files[0].Parts), len(rep.Files[1].Parts))
	}
	for _, f := range rep.Files {
		if f.HasErrors() {
			t.Fatalf("%s 不应含错误: %+v", f.FileID, f.Parts)
		}
	}
	got, err := os.ReadFile(filepath.Join(outDir, "repo_summary.md"))
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !bytes.Equal(got, md) {
		t.Fatalf("写出内容与渲染不一致")
	}
	if strings.Contains(string(got), ".hidden.py") {
		t.Fatalf("隐藏文件不应出现")
	}
}

func TestE2EStructured(t *testing.T) {
	outDir := t.TempDir()
	cfg := baseConfig(scenarioRepo(t), outDir)
	cfg.Format = "structured"
	if _, _, err := runPipeline(t, cfg); err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(outDir, "repo_summary.json"))
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	var recs []struct {
		FilePath string            `json:"file_path"`
		Summary  string            `json:"summary"`
		Errors   []json.RawMessage `json:"errors"`
	}
	if err := json.Unmarshal(b, &recs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(recs) != 2 || recs[1].FilePath != "b.md" || strings.Count(recs[1].Summary, "MOCK") != 2 || recs[1].Errors != nil {
		t.Fatalf("records: %+v", recs)
	}
}

// 续跑幂等：已完成运行再以 resume 执行，不发请求且输出字节一致
func TestE2EResumeIdempotent(t *testing.T) {
	outDir := t.TempDir()
	logPath := filepath.Join(outDir, "flaky.log")
	cfg := baseConfig(scenarioRepo(t), outDir)
	useProvider(&cfg, "flaky", fmt.Sprintf(`{"fail_times":0,"log_path":%q}`, logPath))
	_, first, err := runPipeline(t, cfg)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	calls := len(readLines(t, logPath))
	if calls != 3 {
		t.Fatalf("首次调用次数期望 3 实得 %d", calls)
	}

	cfg.Resume = true
	_, second, err := runPipeline(t, cfg)
	if err != nil {
		t.Fatalf("resume run: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("续跑输出不一致\nfirst:\n%s\nsecond:\n%s", first, second)
	}
	if n := len(readLines(t, logPath)); n != calls {
		t.Fatalf("续跑不应发请求: %d -> %d", calls, n)
	}
}

// 有界重试：失败次数不超过重试上限时成功
func TestE2ERetry(t *testing.T) {
	outDir := t.TempDir()
	logPath := filepath.Join(outDir, "flaky.log")
	cfg := baseConfig(writeRepo(t, map[string]string{"a.py": "print(1)\n"}), outDir)
	cfg.MaxRetries = 2
	useProvider(&cfg, "flaky", fmt.Sprintf(`{"fail_times":2,"retry_after_ms":1,"log_path":%q}`, logPath))
	rep, _, err := runPipeline(t, cfg)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	if rep.Files[0].HasErrors() {
		t.Fatalf("重试后应成功: %+v", rep.Files[0].Parts)
	}
	lines := readLines(t, logPath)
	if strings.Join(lines, ",") != "rate_limited,rate_limited,ok" {
		t.Fatalf("unexpected log: %v", lines)
	}
}

// 重试耗尽：记录块级错误，运行继续
func TestE2ERetryExhausted(t *testing.T) {
	outDir := t.TempDir()
	cfg := baseConfig(writeRepo(t, map[string]string{"a.py": "print(1)\n", "b.py": "print(2)\n"}), outDir)
	cfg.MaxRetries = 1
	useProvider(&cfg, "flaky", `{"fail_times":2,"mode":"upstream"}`)
	rep, md, err := runPipeline(t, cfg)
	if err != nil {
		t.Fatalf("单块失败不应中止运行: %v", err)
	}
	if len(rep.Files) != 2 {
		t.Fatalf("report files: %+v", rep.Files)
	}
	for _, f := range rep.Files {
		if !f.HasKind(contract.KindTransient) || f.Parts[0].Err.Attempts != 2 {
			t.Fatalf("%s 期望重试耗尽错误: %+v", f.FileID, f.Parts)
		}
	}
	if !strings.Contains(string(md), "[error: transient_request]") || !strings.Contains(string(md), "(after 2 attempts)") {
		t.Fatalf("markdown 缺少错误标记:\n%s", md)
	}
}

// 凭据无效：配置错误中止，不产出报告
func TestE2EInvalidCredentials(t *testing.T) {
	outDir := t.TempDir()
	cfg := baseConfig(scenarioRepo(t), outDir)
	useProvider(&cfg, "mock", `{"reject_auth":true}`)
	_, _, err := runPipeline(t, cfg)
	if !errors.Is(err, contract.ErrConfiguration) {
		t.Fatalf("expect configuration error, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(outDir, "repo_summary.md")); !os.IsNotExist(err) {
		t.Fatalf("output file should not exist")
	}
}

func TestE2EPathNotFound(t *testing.T) {
	outDir := t.TempDir()
	cfg := baseConfig(filepath.Join(outDir, "missing"), outDir)
	_, _, err := runPipeline(t, cfg)
	if !errors.Is(err, contract.ErrPathNotFound) {
		t.Fatalf("expect path not found, got %v", err)
	}
}

// 非文本文件记为文件级解码错误，其余文件照常
func TestE2EDecodeError(t *testing.T) {
	outDir := t.TempDir()
	cfg := baseConfig(writeRepo(t, map[string]string{
		"a.json": "{\"k\": 1}\n",
		"b.c":    "int main() {\x00}\n",
	}), outDir)
	rep, md, err := runPipeline(t, cfg)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	if len(rep.Files) != 2 || rep.Files[0].HasErrors() || !rep.Files[1].HasKind(contract.KindDecode) {
		t.Fatalf("report: %+v", rep.Files)
	}
	if rep.Files[1].Parts[0].Index != contract.FileLevel {
		t.Fatalf("解码错误应为文件级: %+v", rep.Files[1].Parts)
	}
	if !strings.Contains(string(md), "file: ") {
		t.Fatalf("markdown 缺少文件级错误:\n%s", md)
	}
}
