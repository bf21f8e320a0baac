package jobs

import "testing"

func TestValidTransition(t *testing.T) {
	all := []Status{StatusUploaded, StatusProcessing, StatusCompleted, StatusFailed}
	allowed := map[[2]Status]bool{
		{StatusUploaded, StatusProcessing}:  true,
		{StatusProcessing, StatusCompleted}: true,
		{StatusProcessing, StatusFailed}:    true,
	}
	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]Status{from, to}]
			if got := ValidTransition(from, to); got != want {
				t.Fatalf("ValidTransition(%s, %s): got %v want %v", from, to, got, want)
			}
		}
	}
}

func TestParseKind(t *testing.T) {
	cases := map[string]Kind{
		"lidar":             KindLidar,
		"multispectral":     KindMultispectral,
		"tree-detection":    KindTreeDetection,
		"tree_detection":    KindTreeDetection,
		"carbon-estimation": KindCarbonEstimation,
		" Lidar ":           KindLidar,
	}
	for in, want := range cases {
		got, err := ParseKind(in)
		if err != nil || got != want {
			t.Fatalf("ParseKind(%q): got %q, %v want %q", in, got, err, want)
		}
	}
	if _, err := ParseKind("hyperspectral"); err == nil {
		t.Fatalf("unknown kind should error")
	}
}
