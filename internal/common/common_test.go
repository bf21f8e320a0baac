package common

import "testing"

func TestConstantsValues(t *testing.T) {
	if ContentTypeJSON != "application/json" || ContentTypeSSE != "text/event-stream" {
		t.Fatalf("content types mismatch: %q, %q", ContentTypeJSON, ContentTypeSSE)
	}
	if HeaderAPIKey != "X-API-Key" {
		t.Fatalf("HeaderAPIKey = %q", HeaderAPIKey)
	}
	if PathHealthz != "/healthz" || PathOutputs != "/outputs" {
		t.Fatalf("paths mismatch: %q, %q", PathHealthz, PathOutputs)
	}
	if DefaultQueueCapacity <= 0 || DefaultWorkerCount <= 0 {
		t.Fatalf("defaults should be positive")
	}
	if JobsDirName == "" || InputDirName == "" || OutputDirName == "" {
		t.Fatalf("dir names should be non-empty")
	}
	if EventStarted != "started" || EventCompleted != "completed" || EventError != "error" {
		t.Fatalf("event status constants mismatch")
	}
	if len(PointCloudExts) == 0 || len(RasterExts) == 0 {
		t.Fatalf("extension lists should be non-empty")
	}
}
