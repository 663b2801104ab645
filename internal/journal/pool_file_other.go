//go:build !unix

package journal

import "os"

type filePool struct {
	file *os.File
	data []byte
}

func mapPool(f *os.File) (poolStorage, error) {
	data := make([]byte, poolSize)
	if _, err := f.ReadAt(data, 0); err != nil {
		return nil, err
	}
	return &filePool{file: f, data: data}, nil
}

func (p *filePool) bytes() []byte { return p.data }

func (p *filePool) flush() error {
	if _, err := p.file.WriteAt(p.data, 0); err != nil {
		return err
	}
	return p.file.Sync()
}

func (p *filePool) close() error { return p.file.Close() }
