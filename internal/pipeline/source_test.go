package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/remi71350-droid/perception-lab/internal/testutil"
)

func drain(t *testing.T, src FrameSource) [][]byte {
	t.Helper()
	var out [][]byte
	for {
		f, err := src.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		out = append(out, f)
	}
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestSliceSource(t *testing.T) {
	src := NewSliceSource([]byte("a"), []byte("b"))
	if diff := cmp.Diff([][]byte{[]byte("a"), []byte("b")}, drain(t, src)); diff != "" {
		t.Errorf("frames (-want +got):\n%s", diff)
	}
	if err := src.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewSliceSource([]byte("a")).Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Next(cancelled) error = %v, want context.Canceled", err)
	}
}

func TestDirSourceOrdersImages(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"frame_002.jpg", "frame_001.JPG", "notes.txt", "frame_003.png"} {
		writeFile(t, filepath.Join(dir, name), []byte(name))
	}
	if err := os.Mkdir(filepath.Join(dir, "sub.jpg"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	src, err := NewDirSource(dir)
	if err != nil {
		t.Fatalf("NewDirSource() error = %v", err)
	}
	if src.Len() != 3 {
		t.Errorf("Len() = %d, want 3", src.Len())
	}
	var names []string
	for _, f := range drain(t, src) {
		names = append(names, string(f))
	}
	if diff := cmp.Diff([]string{"frame_001.JPG", "frame_002.jpg", "frame_003.png"}, names); diff != "" {
		t.Errorf("frame order (-want +got):\n%s", diff)
	}
}

func TestMJPEGReaderSplitsFrames(t *testing.T) {
	a := testutil.JPEGFrame(t, 8, 8)
	b := testutil.JPEGFrame(t, 16, 8)
	var stream bytes.Buffer
	stream.WriteString("--boundary\r\nContent-Type: image/jpeg\r\n\r\n")
	stream.Write(a)
	stream.WriteString("\r\n--boundary\r\n\r\n")
	stream.Write(b)

	frames := drain(t, NewMJPEGReader(&stream))
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if !bytes.Equal(frames[0], a) || !bytes.Equal(frames[1], b) {
		t.Error("frames do not match the JPEGs in the stream")
	}
}

func TestMJPEGReaderTruncatedFrame(t *testing.T) {
	a := testutil.JPEGFrame(t, 8, 8)
	src := NewMJPEGReader(bytes.NewReader(a[:len(a)-10]))
	if _, err := src.Next(context.Background()); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Next() error = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestOpenSource(t *testing.T) {
	dir := t.TempDir()
	frame := testutil.JPEGFrame(t, 8, 8)

	img := filepath.Join(dir, "one.jpg")
	writeFile(t, img, frame)
	src, err := OpenSource(img)
	if err != nil {
		t.Fatalf("OpenSource(image) error = %v", err)
	}
	if n := len(drain(t, src)); n != 1 {
		t.Errorf("single image yielded %d frames", n)
	}

	mjpeg := filepath.Join(dir, "clip.mjpeg")
	writeFile(t, mjpeg, append(append([]byte{}, frame...), frame...))
	src, err = OpenSource(mjpeg)
	if err != nil {
		t.Fatalf("OpenSource(mjpeg) error = %v", err)
	}
	if n := len(drain(t, src)); n != 2 {
		t.Errorf("mjpeg yielded %d frames, want 2", n)
	}
	if err := src.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}

	src, err = OpenSource(dir)
	if err != nil {
		t.Fatalf("OpenSource(dir) error = %v", err)
	}
	if _, ok := src.(*DirSource); !ok {
		t.Errorf("OpenSource(dir) = %T, want *DirSource", src)
	}

	mp4 := filepath.Join(dir, "clip.mp4")
	writeFile(t, mp4, []byte("ftyp"))
	if _, err := OpenSource(mp4); !errors.Is(err, ErrUnsupportedSource) {
		t.Errorf("OpenSource(mp4) error = %v, want ErrUnsupportedSource", err)
	}
	if _, err := OpenSource(filepath.Join(dir, "missing.jpg")); err == nil {
		t.Error("OpenSource(missing) succeeded")
	}
}
