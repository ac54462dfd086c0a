//go:build !windows

package filesystem

import "os"

// replaceFile 依赖同目录 rename 的原子性。
func replaceFile(tmpPath, dest string) error { return os.Rename(tmpPath, dest) }

// syncDir 刷新目录项，使 rename 在崩溃后仍可见。
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	err = d.Sync()
	if cerr := d.Close(); err == nil {
		err = cerr
	}
	return err
}
