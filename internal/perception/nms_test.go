package perception

import "testing"

func TestFilterByScore(t *testing.T) {
	boxes := []BoundingBox{{Score: 0.1}, {Score: 0.5}, {Score: 0.9}}
	if got := FilterByScore(boxes, 0.5); len(got) != 2 {
		t.Errorf("FilterByScore(0.5) kept %d boxes, want 2", len(got))
	}
	got := FilterByScore(nil, 0.1)
	if got == nil || len(got) != 0 {
		t.Errorf("FilterByScore(nil) = %#v, want empty non-nil slice", got)
	}
}

func TestFilterByClass(t *testing.T) {
	boxes := []BoundingBox{{ClassLabel: "car"}, {ClassLabel: "person"}, {ClassLabel: "car"}}
	tests := []struct {
		name    string
		classes []string
		want    int
	}{
		{"match", []string{"car"}, 2},
		{"no filter", nil, 3},
		{"no match", []string{"dog"}, 0},
	}
	for _, tt := range tests {
		if got := FilterByClass(boxes, tt.classes); len(got) != tt.want {
			t.Errorf("%s: FilterByClass() kept %d, want %d", tt.name, len(got), tt.want)
		}
	}
}

func TestNMS(t *testing.T) {
	boxes := []BoundingBox{
		{X1: 0, Y1: 0, X2: 10, Y2: 10, Score: 0.6, ClassLabel: "car"},
		{X1: 1, Y1: 1, X2: 11, Y2: 11, Score: 0.9, ClassLabel: "car"},
		{X1: 1, Y1: 1, X2: 11, Y2: 11, Score: 0.8, ClassLabel: "person"},
		{X1: 50, Y1: 50, X2: 60, Y2: 60, Score: 0.3, ClassLabel: "car"},
	}
	got := NMS(boxes, 0.5)
	if len(got) != 3 {
		t.Fatalf("NMS() kept %d boxes, want 3", len(got))
	}
	if got[0].Score != 0.9 || got[1].ClassLabel != "person" || got[2].Score != 0.3 {
		t.Errorf("NMS() = %+v, want car 0.9, person, car 0.3", got)
	}

	if got := NMS(boxes, 0); len(got) != 4 {
		t.Errorf("threshold 0 should disable suppression, kept %d", len(got))
	}
}
