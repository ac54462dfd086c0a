package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reposumm/pkg/contract"
)

var fp = Fingerprint{Root: "/repo", Model: "m", ChunkSize: 2000}

func summary(id, hash string, parts ...contract.Part) contract.FileSummary {
	return contract.FileSummary{FileID: contract.FileID(id), ContentHash: hash, Parts: parts}
}

func TestLoadMissing(t *testing.T) {
	got, err := Load(filepath.Join(t.TempDir(), "nope.jsonl"), fp)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStartAppendLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "cp.jsonl")
	st, err := Start(path, fp, nil)
	require.NoError(t, err)
	assert.Equal(t, path, st.Path())

	a := summary("a.py", "h1", contract.Part{Index: 0, Summary: "A"})
	b := summary("b.md", "h2", contract.Part{Index: 0, Err: &contract.ErrorDescriptor{Kind: contract.KindTransient, Message: "503", Attempts: 3}})
	require.NoError(t, st.Append(a))
	require.NoError(t, st.Append(b))
	b2 := summary("b.md", "h2", contract.Part{Index: 0, Summary: "B"})
	require.NoError(t, st.Append(b2))
	require.NoError(t, st.Close())
	require.NoError(t, st.Close(), "重复关闭应无害")
	assert.ErrorIs(t, st.Append(a), os.ErrClosed)

	got, err := Load(path, fp)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, a, got["a.py"])
	assert.Equal(t, b2, got["b.md"], "同一文件以最后一行为准")
}

func TestStartResetsAndKeeps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.jsonl")
	st, err := Start(path, fp, nil)
	require.NoError(t, err)
	require.NoError(t, st.Append(summary("old.py", "x")))
	require.NoError(t, st.Close())

	keep := summary("keep.py", "k", contract.Part{Index: 0, Summary: "K"})
	st, err = Start(path, fp, []contract.FileSummary{keep})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	got, err := Load(path, fp)
	require.NoError(t, err)
	assert.Equal(t, map[contract.FileID]contract.FileSummary{"keep.py": keep}, got)

	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(path), ".checkpoint-*"))
	assert.Empty(t, matches, "不应残留临时文件")
}

func TestLoadFingerprintMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.jsonl")
	st, err := Start(path, fp, nil)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	other := fp
	other.Model = "other"
	_, err = Load(path, other)
	assert.ErrorIs(t, err, ErrFingerprintMismatch)

	require.NoError(t, os.WriteFile(path, []byte("garbage\n"), 0o644))
	_, err = Load(path, fp)
	assert.ErrorIs(t, err, ErrFingerprintMismatch)
}

func TestLoadIgnoresTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.jsonl")
	st, err := Start(path, fp, nil)
	require.NoError(t, err)
	require.NoError(t, st.Append(summary("a.py", "h1")))
	require.NoError(t, st.Close())

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"file_id":"b.py","parts":[{"ind`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got, err := Load(path, fp)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Contains(t, got, contract.FileID("a.py"))
}

func TestLoadEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.jsonl")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	got, err := Load(path, fp)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReusable(t *testing.T) {
	ok := summary("a", "h", contract.Part{Index: 0, Summary: "s"})
	decode := summary("a", "h", contract.Part{Index: contract.FileLevel, Err: &contract.ErrorDescriptor{Kind: contract.KindDecode}})
	trans := summary("a", "h", contract.Part{Index: 0, Err: &contract.ErrorDescriptor{Kind: contract.KindTransient}})

	assert.True(t, Reusable(ok, "h"))
	assert.False(t, Reusable(ok, "changed"))
	assert.True(t, Reusable(decode, "h"), "解码失败由内容决定，内容未变即可复用")
	assert.False(t, Reusable(trans, "h"), "可重试失败需要重跑")
	assert.False(t, Reusable(summary("a", ""), ""))
}
