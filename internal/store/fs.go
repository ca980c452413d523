package store

import "os"

func mkdirAll(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

func statPath(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
