//go:build windows

package filesystem

import "golang.org/x/sys/windows"

// replaceFile 覆盖已存在的目标并在返回前落盘。
func replaceFile(tmpPath, dest string) error {
	from, err := windows.UTF16PtrFromString(tmpPath)
	if err != nil {
		return err
	}
	to, err := windows.UTF16PtrFromString(dest)
	if err != nil {
		return err
	}
	return windows.MoveFileEx(from, to, windows.MOVEFILE_REPLACE_EXISTING|windows.MOVEFILE_WRITE_THROUGH)
}

// syncDir 在 Windows 上无对应操作。
func syncDir(string) error { return nil }
