package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrUnsupportedSource is returned by OpenSource for inputs it cannot read
// frames from, such as compressed video containers.
var ErrUnsupportedSource = errors.New("unsupported frame source")

// FrameSource yields encoded frames. Next returns io.EOF when exhausted.
type FrameSource interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

var imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".gif": true}

// OpenSource picks a source for path: a directory of images, an MJPEG
// stream file (.mjpeg, .mjpg) or a single image.
func OpenSource(path string) (FrameSource, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	if info.IsDir() {
		return NewDirSource(path)
	}
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case ext == ".mjpeg" || ext == ".mjpg":
		return NewMJPEGSource(path)
	case imageExts[ext]:
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("open source: %w", err)
		}
		return NewSliceSource(data), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedSource, ext)
}

// SliceSource replays in-memory frames.
type SliceSource struct {
	frames [][]byte
	pos    int
}

// NewSliceSource returns a source over frames.
func NewSliceSource(frames ...[]byte) *SliceSource {
	return &SliceSource{frames: frames}
}

func (s *SliceSource) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.frames) {
		return nil, io.EOF
	}
	f := s.frames[s.pos]
	s.pos++
	return f, nil
}

func (s *SliceSource) Close() error { return nil }

// DirSource reads image files from a directory in lexical order.
type DirSource struct {
	paths []string
	pos   int
}

// NewDirSource lists the images in dir.
func NewDirSource(dir string) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read frame dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return &DirSource{paths: paths}, nil
}

// Len returns the number of frames in the directory.
func (d *DirSource) Len() int { return len(d.paths) }

func (d *DirSource) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.pos >= len(d.paths) {
		return nil, io.EOF
	}
	p := d.paths[d.pos]
	d.pos++
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read frame %s: %w", filepath.Base(p), err)
	}
	return data, nil
}

func (d *DirSource) Close() error { return nil }

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// MJPEGSource splits a file of concatenated JPEG images (as written by
// most MJPEG recorders) into frames. Bytes between images are skipped.
type MJPEGSource struct {
	f  *os.File
	br *bufio.Reader
}

// NewMJPEGSource opens path for reading.
func NewMJPEGSource(path string) (*MJPEGSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mjpeg: %w", err)
	}
	return &MJPEGSource{f: f, br: bufio.NewReaderSize(f, 1<<16)}, nil
}

// NewMJPEGReader reads MJPEG frames from r.
func NewMJPEGReader(r io.Reader) *MJPEGSource {
	return &MJPEGSource{br: bufio.NewReaderSize(r, 1<<16)}
}

func (m *MJPEGSource) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.skipToSOI(); err != nil {
		return nil, err
	}
	frame := append([]byte{}, jpegSOI...)
	for {
		b, err := m.br.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		frame = append(frame, b)
		if bytes.HasSuffix(frame, jpegEOI) {
			return frame, nil
		}
	}
}

func (m *MJPEGSource) skipToSOI() error {
	prev := byte(0)
	for {
		b, err := m.br.ReadByte()
		if err != nil {
			return err
		}
		if prev == jpegSOI[0] && b == jpegSOI[1] {
			return nil
		}
		prev = b
	}
}

func (m *MJPEGSource) Close() error {
	if m.f == nil {
		return nil
	}
	return m.f.Close()
}
