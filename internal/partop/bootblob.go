package partop

import "os"

// defaultReadFile is the real file-reading backend for readBootBlob;
// tests substitute readFile/readBootBlob with fakes.
func defaultReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}
