package providers

import (
	"bytes"
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/textract"
	"github.com/aws/aws-sdk-go/service/textract/textractiface"

	"github.com/remi71350-droid/perception-lab/internal/testutil"
)

type fakeTextract struct {
	textractiface.TextractAPI
	out   *textract.DetectDocumentTextOutput
	err   error
	input *textract.DetectDocumentTextInput
}

func (f *fakeTextract) DetectDocumentTextWithContext(_ aws.Context, in *textract.DetectDocumentTextInput, _ ...request.Option) (*textract.DetectDocumentTextOutput, error) {
	f.input = in
	return f.out, f.err
}

func lineBlock(text string, left, top, w, h float64) *textract.Block {
	return &textract.Block{
		BlockType: aws.String(textract.BlockTypeLine),
		Text:      aws.String(text),
		Geometry: &textract.Geometry{BoundingBox: &textract.BoundingBox{
			Left: aws.Float64(left), Top: aws.Float64(top), Width: aws.Float64(w), Height: aws.Float64(h),
		}},
	}
}

func TestTextractReader(t *testing.T) {
	api := &fakeTextract{out: &textract.DetectDocumentTextOutput{Blocks: []*textract.Block{
		{BlockType: aws.String(textract.BlockTypePage)},
		lineBlock("SPEED LIMIT 25", 0.1, 0.25, 0.5, 0.25),
		{BlockType: aws.String(textract.BlockTypeLine), Text: aws.String("no geometry")},
		{BlockType: aws.String(textract.BlockTypeWord), Text: aws.String("SPEED")},
	}}}
	r := NewTextractReaderWithAPI(api, "us-west-2", Options{})
	img := testutil.JPEGFrame(t, 200, 100)

	items, err := r.Read(context.Background(), img)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1: %+v", len(items), items)
	}
	if items[0].Text != "SPEED LIMIT 25" {
		t.Errorf("text = %q", items[0].Text)
	}
	want := [4]float64{20, 25, 120, 50}
	for i := range want {
		if math.Abs(items[0].Box[i]-want[i]) > 1e-9 {
			t.Errorf("box = %v, want %v", items[0].Box, want)
			break
		}
	}
	if !bytes.Equal(api.input.Document.Bytes, img) {
		t.Error("Textract did not receive the frame bytes")
	}
	if got := r.Provenance(); got != "textract:us-west-2" {
		t.Errorf("Provenance() = %q", got)
	}
}

func TestTextractReaderErrors(t *testing.T) {
	api := &fakeTextract{err: errors.New("AccessDenied")}
	r := NewTextractReaderWithAPI(api, "us-west-2", Options{})

	items, err := r.Read(context.Background(), []byte("not an image"))
	if err == nil || !strings.Contains(err.Error(), "decode image header") {
		t.Errorf("Read(garbage) error = %v", err)
	}
	if items == nil || len(items) != 0 {
		t.Errorf("Read(garbage) items = %#v, want empty slice", items)
	}

	if _, err := r.Read(context.Background(), testutil.JPEGFrame(t, 8, 8)); err == nil || !strings.Contains(err.Error(), "AccessDenied") {
		t.Errorf("Read() error = %v, want AccessDenied", err)
	}
}

func TestNewTextractReaderRequiresRegion(t *testing.T) {
	if _, err := NewTextractReader("", Options{}); !errors.Is(err, ErrUnavailable) {
		t.Errorf("NewTextractReader(\"\") error = %v, want ErrUnavailable", err)
	}
}
