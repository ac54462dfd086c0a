package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	cfgpkg "reposumm/internal/config"
	"reposumm/internal/diag"
	"reposumm/internal/pipeline"
	"reposumm/internal/rate"
	"reposumm/pkg/contract"
)

var pipelineRun = pipeline.Run

// 退出码。
const (
	exitOK           = 0
	exitRuntime      = 1
	exitPathNotFound = 2
	exitConfig       = 3
)

// CLI：reposumm [flags] [root]
// 优先级：CLI > ENV(.env) > JSON > 默认。
func main() {
	os.Exit(run())
}

func run() int {
	start := time.Now()
	corrID := genCorrID()
	// 在任何 ENV 读取前加载工作目录下的 .env（不覆盖已有 ENV）。
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		fprintf(os.Stderr, "提示：.env 读取失败（已跳过）：%v\n", err)
	}
	logLevel := "info"
	// 先占位默认，稍后在解析/合并配置后重建 logger 以使用最终 level
	logger := diag.NewLogger(corrID, logLevel, "")
	defer func() { _ = logger.Close() }()

	var (
		flagConfig      string
		flagOutput      string
		flagFormat      string
		flagLLM         string
		flagModel       string
		flagAPIKey      string
		flagConcurrency int
		flagChunkSize   int
		flagMaxTokens   int
		flagMaxRetries  int
		flagTemperature float64
		flagResume      bool
		flagCheckpoint  string
		flagExcludeDirs string
		flagExts        string
		flagLogLevel    string
		flagInitDir     string
		flagStatus      bool
	)
	flag.StringVar(&flagConfig, "config", "", "配置文件路径（JSON）；缺省读取 ./config.json（若存在）")
	flag.StringVar(&flagOutput, "output", "", "报告输出路径；\"-\" 为标准输出")
	flag.StringVar(&flagFormat, "format", "", "报告格式：markdown | json | structured")
	flag.StringVar(&flagLLM, "llm", "", "provider 名称（覆盖配置）")
	flag.StringVar(&flagModel, "model", "", "模型标识（覆盖 provider 默认）")
	flag.StringVar(&flagAPIKey, "api-key", "", "API Key（写入所选 provider 的 api_key；建议改用环境变量）")
	flag.IntVar(&flagConcurrency, "concurrency", 0, "并发度（覆盖配置；默认 1）")
	flag.IntVar(&flagChunkSize, "chunk-size", 0, "单块最大字符数（覆盖配置）")
	flag.IntVar(&flagMaxTokens, "max-tokens", 0, "单次摘要最大输出 token（覆盖配置）")
	// max-retries 允许显式设置为 0；默认 -1 表示“未覆盖”。
	flag.IntVar(&flagMaxRetries, "max-retries", -1, "单块最大重试次数（覆盖配置；0 表示不重试）")
	flag.Float64Var(&flagTemperature, "temperature", -1, "采样温度 [0,2]（覆盖配置）")
	flag.BoolVar(&flagResume, "resume", false, "从检查点续跑：复用内容未变的文件")
	flag.StringVar(&flagCheckpoint, "checkpoint", "", "检查点路径；\"off\" 关闭")
	flag.StringVar(&flagExcludeDirs, "exclude-dirs", "", "排除目录名（逗号分隔，覆盖配置）")
	flag.StringVar(&flagExts, "exts", "", "扩展名白名单（逗号分隔，覆盖配置）")
	flag.StringVar(&flagLogLevel, "log-level", "", "日志等级 debug|info|warn|error")
	flag.StringVar(&flagInitDir, "init-config", "", "在指定目录生成默认配置 config.json 和 .env 模板（若已存在则跳过，不覆盖）；不带值时默认当前目录")
	flag.BoolVar(&flagStatus, "status", true, "终端状态提示（stderr）。TTY 动态刷新；非 TTY 打点输出")
	normalizeInitArg()
	if err := flag.CommandLine.Parse(os.Args[1:]); err != nil {
		return exitConfig
	}

	// --init-config: 生成模板并退出
	if initDir := strings.TrimSpace(flagInitDir); initDir != "" {
		if err := os.MkdirAll(initDir, 0o755); err != nil {
			fprintf(os.Stderr, "生成默认配置失败: %v\n", err)
			logger.Error("cli", string(diag.Classify(err)), "init config", &start)
			return exitConfig
		}
		if err := writeConfig(filepath.Join(initDir, "config.json"), cfgpkg.DefaultTemplateConfig()); err != nil {
			fprintf(os.Stderr, "生成默认配置失败: %v\n", err)
			logger.Error("cli", string(diag.Classify(err)), "init config", &start)
			return exitConfig
		}
		if err := writeDotEnv(filepath.Join(initDir, ".env")); err != nil {
			fprintf(os.Stderr, "提示：.env 生成失败（已跳过）：%v\n", err)
		}
		return exitOK
	}

	args := flag.Args()
	if len(args) > 1 {
		fprintf(os.Stderr, "只接受一个扫描根目录，实得 %d 个\n", len(args))
		return exitConfig
	}

	// JSON 配置（文件或 ENV: REPOSUMM_CONFIG_JSON）
	var cfgJSON []byte
	if s := os.Getenv("REPOSUMM_CONFIG_JSON"); s != "" {
		cfgJSON = []byte(s)
	}
	if flagConfig == "" {
		flagConfig = os.Getenv("REPOSUMM_CONFIG_FILE")
	}
	// 默认读取工作目录下 config.json（若存在）
	if flagConfig == "" {
		if _, err := os.Stat("config.json"); err == nil {
			flagConfig = "config.json"
		}
	}

	cfg := cfgpkg.Defaults()
	if flagConfig != "" || len(cfgJSON) > 0 {
		base, err := cfgpkg.LoadJSON(flagConfig, cfgJSON)
		if err != nil {
			fprintf(os.Stderr, "配置解析失败: %v\n", err)
			logger.Error("cli", string(diag.CodeConfig), "load config", &start)
			return exitConfig
		}
		cfg = cfgpkg.Merge(cfg, base)
	}

	overEnv, err := cfgpkg.EnvOverlay(os.Environ())
	if err != nil {
		fprintf(os.Stderr, "环境变量解析失败: %v\n", err)
		logger.Error("cli", string(diag.CodeConfig), "env overlay", &start)
		return exitConfig
	}
	cfg = cfgpkg.Merge(cfg, overEnv)

	// CLI 覆盖
	overCLI := cfgpkg.Config{
		Output:          flagOutput,
		Format:          flagFormat,
		LLM:             flagLLM,
		Model:           flagModel,
		Concurrency:     flagConcurrency,
		ChunkSize:       flagChunkSize,
		MaxOutputTokens: flagMaxTokens,
		MaxRetries:      flagMaxRetries,
		Resume:          flagResume,
		Checkpoint:      flagCheckpoint,
		Logging:         cfgpkg.Logging{Level: flagLogLevel},
	}
	if len(args) == 1 {
		overCLI.Root = args[0]
	}
	if flagTemperature >= 0 {
		overCLI.Temperature = &flagTemperature
	}
	if strings.TrimSpace(flagExcludeDirs) != "" {
		overCLI.ExcludeDirs = splitList(flagExcludeDirs)
	}
	if strings.TrimSpace(flagExts) != "" {
		overCLI.AllowExts = splitList(flagExts)
	}
	cfg = cfgpkg.Merge(cfg, overCLI)
	if strings.TrimSpace(flagAPIKey) != "" {
		if cfg, err = withAPIKey(cfg, strings.TrimSpace(flagAPIKey)); err != nil {
			fprintf(os.Stderr, "配置校验失败: %v\n", err)
			return exitConfig
		}
	}

	if err := cfgpkg.Validate(cfg); err != nil {
		fprintf(os.Stderr, "配置校验失败: %v\n", err)
		_ = dumpConfig(cfg)
		logger.Error("cli", string(diag.CodeConfig), "validate", &start)
		return exitConfig
	}

	// 使用最终配置中的日志级别重建 logger
	if lv := strings.TrimSpace(cfg.Logging.Level); lv != "" && lv != logLevel {
		_ = logger.Close()
		logger = diag.NewLogger(corrID, lv, "")
	}

	// 预检：fs Writer 的输出目录须可写（避免摘要完成后才失败）
	if err := preflightCheckOutputDir(cfg); err != nil {
		fprintf(os.Stderr, "输出目录不可写或无法创建: %v\n", err)
		logger.Error("cli", string(diag.Classify(err)), "preflight", &start)
		return exitConfig
	}

	rt, err := cfgpkg.Assemble(cfg, logger)
	if err != nil {
		fprintf(os.Stderr, "装配失败: %v\n", err)
		logger.Error("cli", string(diag.CodeConfig), "assemble", &start)
		return exitConfig
	}

	term := diag.NewTerminal(os.Stderr, flagStatus)
	term.RunStart(cfg.Concurrency, cfg.LLM)
	rt.Components.Observer = term

	logger.DebugStart("config", "effective", "", "", effectiveKV(cfg))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tm := logger.Start("cli", "run")
	rep, err := pipelineRun(ctx, rt.Components, rt.Settings, logger)
	if err != nil {
		code := diag.Classify(err)
		logger.Error("cli", string(code), "run: "+err.Error(), &start)
		diag.IncOp("cli", "run", "error")
		if code != diag.CodeUnknown {
			diag.IncError("cli", string(code))
		}
		return exitCode(err)
	}

	// 仅在成功时渲染与写出
	wt := logger.StartWith("report", "write", string(rt.Output), "")
	rd, err := rt.Renderer.Render(ctx, rep)
	if err == nil {
		err = rt.Writer.Write(ctx, rt.Output, rd)
	}
	if err != nil {
		fprintf(os.Stderr, "报告写出失败: %v\n", err)
		logger.ErrorWith("report", string(diag.Classify(err)), err.Error(), wt.Since(), string(rt.Output), "")
		return exitRuntime
	}
	wt.Finish("written", int64(len(rep.Files)))
	tm.Finish("run", int64(len(rep.Files)))
	diag.IncOp("cli", "run", "success")
	diag.ObserveDuration("cli", "run", time.Since(start).Milliseconds())
	logger.InfoKV("metrics", "snapshot", diag.SnapshotKV())
	logQuota(logger, rt)
	if rt.Output != "-" && flagStatus {
		fprintf(os.Stderr, "报告已写出: %s\n", describeOutput(cfg, rt.Output))
	}
	return exitOK
}

// logQuota 记录运行结束时限流分组的剩余额度。
func logQuota(logger *diag.Logger, rt cfgpkg.Runtime) {
	snap, ok := rt.Gate.(rate.Snapshoter)
	if !ok {
		return
	}
	rpm, tpm := snap.Snapshot(rt.GateKey)
	logger.InfoKV("rate", "quota", map[string]string{
		"rpm_avail": strconv.Itoa(rpm),
		"tpm_avail": strconv.Itoa(tpm),
	})
}

// exitCode 将运行期错误映射为退出码。
func exitCode(err error) int {
	switch contract.KindOf(err) {
	case contract.KindPathNotFound:
		fprintf(os.Stderr, "扫描根不存在: %v\n", err)
		return exitPathNotFound
	case contract.KindConfiguration:
		fprintf(os.Stderr, "配置错误（已中止）: %v\n", err)
		return exitConfig
	}
	if errors.Is(err, context.Canceled) {
		fprintf(os.Stderr, "已取消；检查点已保存，可用 --resume 续跑\n")
	} else {
		fprintf(os.Stderr, "运行失败: %v\n", err)
	}
	return exitRuntime
}

func fprintf(w *os.File, format string, a ...any) { _, _ = fmt.Fprintf(w, format, a...) }

func dumpConfig(c cfgpkg.Config) error {
	c = redact(c)
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	_, _ = os.Stderr.Write(append([]byte("有效配置:\n"), b...))
	_, _ = os.Stderr.Write([]byte("\n"))
	return nil
}

// redact 去除 provider options 中的明文密钥。
func redact(c cfgpkg.Config) cfgpkg.Config {
	if len(c.Provider) == 0 {
		return c
	}
	prov := make(map[string]cfgpkg.Provider, len(c.Provider))
	for name, p := range c.Provider {
		var obj map[string]json.RawMessage
		if json.Unmarshal(p.Options, &obj) == nil {
			if _, ok := obj["api_key"]; ok {
				obj["api_key"] = json.RawMessage(`"***"`)
				p.Options, _ = json.Marshal(obj)
			}
		}
		prov[name] = p
	}
	c.Provider = prov
	return c
}

// withAPIKey 将密钥写入所选 provider 的 options.api_key。
func withAPIKey(c cfgpkg.Config, key string) (cfgpkg.Config, error) {
	p, ok := c.Provider[c.LLM]
	if !ok {
		return c, fmt.Errorf("provider %q not found", c.LLM)
	}
	raw, err := cfgpkg.SetKey(p.Options, "api_key", key)
	if err != nil {
		return c, err
	}
	p.Options = raw
	prov := make(map[string]cfgpkg.Provider, len(c.Provider))
	for k, v := range c.Provider {
		prov[k] = v
	}
	prov[c.LLM] = p
	c.Provider = prov
	return c, nil
}

// effectiveKV: 运行时配置摘要（已脱敏）。
func effectiveKV(cfg cfgpkg.Config) map[string]string {
	kv := map[string]string{
		"root":        cfg.Root,
		"format":      cfg.Format,
		"output":      cfg.Output,
		"concurrency": strconv.Itoa(cfg.Concurrency),
		"chunk_size":  strconv.Itoa(cfg.ChunkSize),
		"max_retries": strconv.Itoa(cfg.MaxRetries),
		"resume":      strconv.FormatBool(cfg.Resume),
		"llm":         cfg.LLM,
		"model":       cfg.Model,
		"selector":    cfg.Components.Selector,
		"chunker":     cfg.Components.Chunker,
		"writer":      cfg.Components.Writer,
	}
	if p, ok := cfg.Provider[cfg.LLM]; ok {
		kv["provider_client"] = p.Client
		var s struct {
			BaseURL string `json:"base_url"`
			Model   string `json:"model"`
		}
		_ = json.Unmarshal(p.Options, &s)
		if s.BaseURL != "" {
			kv["base_url"] = s.BaseURL
		}
		if s.Model != "" && cfg.Model == "" {
			kv["model"] = s.Model
		}
	}
	return kv
}

func describeOutput(cfg cfgpkg.Config, id contract.ArtifactID) string {
	if o := strings.TrimSpace(cfg.Output); o != "" && filepath.IsAbs(o) {
		return o
	}
	return path.Clean(string(id))
}

func splitList(s string) []string {
	out := []string{}
	for _, p := range strings.Split(s, ",") {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func writeConfig(path string, c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if path == "-" {
		_, err = os.Stdout.Write(append(b, '\n'))
		return err
	}
	// 不覆盖已存在文件
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return err
	}
	return nil
}

func genCorrID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return ""
	}
	return hex.EncodeToString(b[:])
}

// normalizeInitArg: 允许 --init-config 在未提供路径值时采用默认值当前目录 "."。
//
//	--init-config                => 等价于 --init-config .
//	--init-config=out
//	--init-config out
func normalizeInitArg() {
	args := os.Args
	if len(args) <= 1 {
		return
	}
	out := make([]string, 0, len(args)+1)
	out = append(out, args[0])
	for i := 1; i < len(args); i++ {
		a := args[i]
		out = append(out, a)
		if a == "--init-config" || a == "-init-config" {
			if i == len(args)-1 || strings.HasPrefix(args[i+1], "-") {
				out = append(out, ".")
			}
		}
	}
	os.Args = out
}

// dotEnvKeys: .env 模板中列出的覆盖项与常见 Provider 密钥。
var dotEnvKeys = []string{
	"REPOSUMM_CONFIG_FILE",
	"REPOSUMM_CONFIG_JSON",
	"REPOSUMM_ROOT",
	"REPOSUMM_OUTPUT",
	"REPOSUMM_FORMAT",
	"REPOSUMM_CONCURRENCY",
	"REPOSUMM_CHUNK_SIZE",
	"REPOSUMM_MAX_RETRIES",
	"REPOSUMM_RESUME",
	"REPOSUMM_CHECKPOINT",
	"REPOSUMM_MODEL",
	"REPOSUMM_TEMPERATURE",
	"REPOSUMM_MAX_OUTPUT_TOKENS",
	"REPOSUMM_EXCLUDE_DIRS",
	"REPOSUMM_ALLOW_EXTS",
	"REPOSUMM_LOG_LEVEL",
	"REPOSUMM_LLM",
	"REPOSUMM_PROVIDER__openai__OPTIONS_JSON",
	"REPOSUMM_PROVIDER__gemini__OPTIONS_JSON",
	"REPOSUMM_S3_ACCESS_KEY",
	"REPOSUMM_S3_SECRET_KEY",
	"OPENAI_API_KEY",
	"GOOGLE_API_KEY",
	"CEREBRAS_API_KEY",
}

// writeDotEnv 生成 .env 模板（若文件已存在则跳过）。
func writeDotEnv(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	env := make(map[string]string, len(dotEnvKeys))
	for _, k := range dotEnvKeys {
		env[k] = ""
	}
	content, err := godotenv.Marshal(env)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	header := "# reposumm .env 模板（由 --init-config 生成）\n# 优先级：CLI > ENV(.env) > JSON；空值表示未设置。\n"
	_, err = f.WriteString(header + content + "\n")
	return err
}

// preflightCheckOutputDir: 当 Writer 使用文件系统实现(fs)时，启动前检查输出目录可写性。
// - 目录已存在：尝试创建并删除临时文件；
// - 目录不存在：检查最近的已存在祖先目录可写。
// 其他 writer 与标准输出跳过。
func preflightCheckOutputDir(cfg cfgpkg.Config) error {
	name := strings.TrimSpace(cfg.Components.Writer)
	if name == "" {
		name = cfgpkg.Defaults().Components.Writer
	}
	out := strings.TrimSpace(cfg.Output)
	if name != "fs" || out == "-" {
		return nil
	}
	var wopts struct {
		OutputDir string `json:"output_dir"`
	}
	if len(cfg.Options.Writer) > 0 {
		_ = json.Unmarshal(cfg.Options.Writer, &wopts)
	}
	dir := strings.TrimSpace(wopts.OutputDir)
	if dir == "" {
		dir = "."
	}
	switch {
	case out == "":
	case filepath.IsAbs(out):
		dir = filepath.Dir(out)
	default:
		dir = filepath.Join(dir, filepath.Dir(filepath.FromSlash(out)))
	}
	for {
		st, err := os.Stat(dir)
		if err == nil {
			if !st.IsDir() {
				return fmt.Errorf("路径存在但不是目录: %s", dir)
			}
			break
		}
		if !os.IsNotExist(err) {
			return err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return fmt.Errorf("无法确定父目录: %s", dir)
		}
		dir = parent
	}
	f, err := os.CreateTemp(dir, ".wcheck-*")
	if err != nil {
		return err
	}
	name = f.Name()
	_ = f.Close()
	return os.Remove(name)
}
