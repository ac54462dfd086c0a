package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	gitignore "github.com/denormal/go-gitignore"

	"reposumm/pkg/contract"
)

// DefaultAllowExts / DefaultExcludeDirNames: 未配置时的缺省规则。
var (
	DefaultAllowExts       = []string{".py", ".js", ".ts", ".c", ".cpp", ".md", ".yaml", ".json"}
	DefaultExcludeDirNames = []string{".git", "__pycache__", "node_modules", "venv", "env"}
)

// Options 为文件系统 Selector 的配置。
// 切片字段为 nil 时使用缺省值；显式空数组表示不限制。
type Options struct {
	// AllowExts: 扩展名白名单（含点，大小写不敏感）。空数组表示接受任意扩展名。
	AllowExts []string `json:"allow_exts"`
	// ExcludeDirNames: 目录名黑名单（基名完全匹配，大小写不敏感），命中即剪枝。
	ExcludeDirNames []string `json:"exclude_dir_names"`
	// ExcludeDotfiles: 排除以 '.' 开头的文件与目录。默认 true。
	ExcludeDotfiles *bool `json:"exclude_dotfiles,omitempty"`
	// IncludeGlobs / ExcludeGlobs: 针对相对路径（'/' 分隔）的 doublestar 模式。
	// IncludeGlobs 非空时文件须至少命中一个；ExcludeGlobs 同时作用于目录（剪枝）与文件。
	IncludeGlobs []string `json:"include_globs"`
	ExcludeGlobs []string `json:"exclude_globs"`
	// RespectGitignore: 读取根目录 .gitignore 并遵循其规则。
	RespectGitignore bool `json:"respect_gitignore"`
	// MaxFileBytes: 超过该大小的文件跳过并记诊断；0 表示不限。
	MaxFileBytes int64 `json:"max_file_bytes"`
}

// FileSystem 实现基于本地文件系统的 Selector。
type FileSystem struct {
	allow      map[string]struct{} // 为空表示不限
	excludeDir map[string]struct{}
	dotfiles   bool // true 表示排除
	include    []string
	exclude    []string
	gitignore  bool
	maxBytes   int64
}

var _ contract.Selector = (*FileSystem)(nil)

// New 创建 FileSystem Selector；非法 glob 模式返回错误。
func New(opts *Options) (*FileSystem, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	if o.AllowExts == nil {
		o.AllowExts = DefaultAllowExts
	}
	if o.ExcludeDirNames == nil {
		o.ExcludeDirNames = DefaultExcludeDirNames
	}
	s := &FileSystem{
		allow:      make(map[string]struct{}, len(o.AllowExts)),
		excludeDir: make(map[string]struct{}, len(o.ExcludeDirNames)),
		dotfiles:   true,
		gitignore:  o.RespectGitignore,
		maxBytes:   o.MaxFileBytes,
	}
	if o.ExcludeDotfiles != nil {
		s.dotfiles = *o.ExcludeDotfiles
	}
	for _, e := range o.AllowExts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		s.allow[e] = struct{}{}
	}
	for _, name := range o.ExcludeDirNames {
		name = strings.Trim(strings.TrimSpace(name), "/\\")
		if name == "" {
			continue
		}
		s.excludeDir[strings.ToLower(name)] = struct{}{}
	}
	var err error
	if s.include, err = cleanGlobs(o.IncludeGlobs); err != nil {
		return nil, err
	}
	if s.exclude, err = cleanGlobs(o.ExcludeGlobs); err != nil {
		return nil, err
	}
	return s, nil
}

func cleanGlobs(in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	for _, p := range in {
		p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
		if p == "" {
			continue
		}
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("selector: %w: invalid glob pattern %q", contract.ErrInvalidInput, p)
		}
		out = append(out, p)
	}
	return out, nil
}

// walk 为单次遍历的状态。
type walk struct {
	s     *FileSystem
	root  string
	gi    gitignore.GitIgnore
	yield func(contract.FileTask) error
	skip  contract.SkipFunc
}

// Select 以确定顺序遍历 root，对每个候选文件调用 yield。
func (s *FileSystem) Select(ctx context.Context, root string, yield func(contract.FileTask) error, skip contract.SkipFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return contract.E(contract.KindPathNotFound, "select", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return contract.E(contract.KindPathNotFound, "select", root, err)
	}
	if !info.IsDir() {
		return contract.E(contract.KindPathNotFound, "select", root, errors.New("not a directory"))
	}
	w := &walk{s: s, root: abs, yield: yield, skip: skip}
	if s.gitignore {
		w.gi = loadGitignore(abs)
	}
	return w.dir(ctx, abs, "")
}

func loadGitignore(root string) gitignore.GitIgnore {
	f, err := os.Open(filepath.Join(root, ".gitignore"))
	if err != nil {
		return nil
	}
	defer f.Close()
	return gitignore.New(f, root, nil)
}

func (w *walk) skipped(rel string, err error) {
	if w.skip == nil {
		return
	}
	if rel == "" {
		rel = "."
	}
	w.skip(contract.NormalizeFileID(rel), contract.E(contract.KindSkippedEntry, "select", rel, err))
}

// dir 深度优先遍历：同一目录内按名称字典序，目录在其名次位置下探。
func (w *walk) dir(ctx context.Context, abs, rel string) error {
	entries, err := os.ReadDir(abs)
	if err != nil {
		w.skipped(rel, err)
		if len(entries) == 0 {
			return nil
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := e.Name()
		if w.s.dotfiles && strings.HasPrefix(name, ".") {
			continue
		}
		childAbs := filepath.Join(abs, name)
		childRel := name
		if rel != "" {
			childRel = rel + "/" + name
		}

		mode := e.Type()
		if mode&fs.ModeSymlink != 0 {
			// 仅跟随到常规文件；目录符号链接不跟随
			t, err := os.Stat(childAbs)
			if err != nil {
				w.skipped(childRel, err)
				continue
			}
			if !t.Mode().IsRegular() {
				continue
			}
			if err := w.file(childAbs, childRel, name, t); err != nil {
				return err
			}
			continue
		}
		if e.IsDir() {
			if w.pruneDir(name, childRel) {
				continue
			}
			if err := w.dir(ctx, childAbs, childRel); err != nil {
				return err
			}
			continue
		}
		if !mode.IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			w.skipped(childRel, err)
			continue
		}
		if err := w.file(childAbs, childRel, name, info); err != nil {
			return err
		}
	}
	return nil
}

func (w *walk) pruneDir(name, rel string) bool {
	if _, ok := w.s.excludeDir[strings.ToLower(name)]; ok {
		return true
	}
	if matchAny(w.s.exclude, rel) {
		return true
	}
	if w.gi != nil {
		if m := w.gi.Relative(rel, true); m != nil && m.Ignore() {
			return true
		}
	}
	return false
}

func (w *walk) file(abs, rel, name string, info fs.FileInfo) error {
	ext := strings.ToLower(filepath.Ext(name))
	if len(w.s.allow) > 0 {
		if _, ok := w.s.allow[ext]; !ok {
			return nil
		}
	}
	if len(w.s.include) > 0 && !matchAny(w.s.include, rel) {
		return nil
	}
	if matchAny(w.s.exclude, rel) {
		return nil
	}
	if w.gi != nil {
		if m := w.gi.Relative(rel, false); m != nil && m.Ignore() {
			return nil
		}
	}
	if w.s.maxBytes > 0 && info.Size() > w.s.maxBytes {
		w.skipped(rel, fmt.Errorf("file too large: %d > %d bytes", info.Size(), w.s.maxBytes))
		return nil
	}
	return w.yield(contract.FileTask{
		RelPath: contract.NormalizeFileID(rel),
		AbsPath: abs,
		Ext:     ext,
		Size:    info.Size(),
	})
}

func matchAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, rel); err == nil && ok {
			return true
		}
	}
	return false
}
