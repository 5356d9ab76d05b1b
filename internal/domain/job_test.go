package domain

import (
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"
)

func TestValidateSubmission(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G'}

	if err := ValidateSubmission("a red circle", nil); err != nil {
		t.Fatalf("expected prompt-only submission to be valid, got error: %v", err)
	}
	mixed := []Input{
		{Data: png, MIMEType: "image/png"},
		{URL: "https://cdn.example.com/a.png"},
	}
	if err := ValidateSubmission("blend", mixed); err != nil {
		t.Fatalf("expected byte and url inputs to be valid, got error: %v", err)
	}

	cases := map[string]struct {
		prompt string
		inputs []Input
	}{
		"empty prompt":       {prompt: "   "},
		"too many inputs":    {prompt: "x", inputs: []Input{{URL: "https://a/1"}, {URL: "https://a/2"}, {URL: "https://a/3"}}},
		"empty input":        {prompt: "x", inputs: []Input{{}}},
		"data and url":       {prompt: "x", inputs: []Input{{Data: png, MIMEType: "image/png", URL: "https://a/1"}}},
		"non image mime":     {prompt: "x", inputs: []Input{{Data: png, MIMEType: "text/plain"}}},
		"relative url":       {prompt: "x", inputs: []Input{{URL: "/uploads/a.png"}}},
		"unsupported scheme": {prompt: "x", inputs: []Input{{URL: "ftp://host/a.png"}}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := ValidateSubmission(tc.prompt, tc.inputs)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestJobLifecycle(t *testing.T) {
	now := time.Now().UTC()
	job := NewJob("job-1", "owner", "  a red circle ", nil, now)
	if job.Status != JobStatusPending || job.Progress != 0 {
		t.Fatalf("expected pending at progress 0, got %s at %d", job.Status, job.Progress)
	}
	if job.Prompt != "a red circle" {
		t.Fatalf("expected trimmed prompt, got %q", job.Prompt)
	}

	if job.StartProcessing(nil, now) {
		t.Fatal("expected pending job not to skip uploading")
	}
	if !job.Begin(now) || job.Progress != ProgressUploading {
		t.Fatalf("expected uploading at %d, got %s at %d", ProgressUploading, job.Status, job.Progress)
	}
	if !job.StartProcessing([]string{"https://store/in.png"}, now) {
		t.Fatal("expected uploading -> processing")
	}
	if !slices.Equal(job.InputRefs, []string{"https://store/in.png"}) {
		t.Fatalf("unexpected input refs: %v", job.InputRefs)
	}
	if !job.Complete(Result{ImageURL: "https://store/out.png"}, now) {
		t.Fatal("expected processing -> completed")
	}
	if job.Progress != 100 || job.Result == nil || job.Error != "" {
		t.Fatalf("unexpected completed job: progress=%d result=%v error=%q", job.Progress, job.Result, job.Error)
	}

	if job.Reset(now) {
		t.Fatal("expected completed job not to be retryable")
	}
	if job.Fail(errors.New("late"), now) {
		t.Fatal("expected completed job not to fail")
	}
}

func TestJobFailRecordsRefusal(t *testing.T) {
	now := time.Now().UTC()
	job := NewJob("job-1", "owner", "prompt", nil, now)
	job.Begin(now)
	job.StartProcessing(nil, now)

	refusal := &RefusalError{Reason: RefusalSoft, Message: "I can't create that image."}
	if !job.Fail(fmt.Errorf("generate: %w", refusal), now) {
		t.Fatal("expected processing -> failed")
	}
	if job.Status != JobStatusFailed || job.Progress != 0 || job.Result != nil {
		t.Fatalf("unexpected failed job: status=%s progress=%d result=%v", job.Status, job.Progress, job.Result)
	}
	if job.Error != "I can't create that image." {
		t.Fatalf("expected refusal message, got %q", job.Error)
	}
	if job.ErrorReason != RefusalSoft {
		t.Fatalf("expected reason %s, got %q", RefusalSoft, job.ErrorReason)
	}

	if !job.Reset(now) {
		t.Fatal("expected failed job to be retryable")
	}
	if job.Status != JobStatusPending || job.Error != "" || job.ErrorReason != "" {
		t.Fatalf("expected clean pending job, got status=%s error=%q reason=%q", job.Status, job.Error, job.ErrorReason)
	}
}

func TestJobInterrupt(t *testing.T) {
	now := time.Now().UTC()
	for _, status := range []Status{JobStatusPending, JobStatusUploading, JobStatusProcessing} {
		job := Job{ID: "x", Status: status, Progress: 40}
		if !job.Interrupt(now) {
			t.Fatalf("expected %s job to be interrupted", status)
		}
		if job.Status != JobStatusFailed || job.Error != InterruptedMessage || job.Progress != 0 {
			t.Fatalf("unexpected interrupted job from %s: status=%s error=%q progress=%d", status, job.Status, job.Error, job.Progress)
		}
	}

	done := Job{ID: "y", Status: JobStatusCompleted, Progress: 100}
	if done.Interrupt(now) || done.Status != JobStatusCompleted {
		t.Fatalf("expected completed job to be left alone, got %s", done.Status)
	}
}

func TestSourceRefsPreference(t *testing.T) {
	job := Job{
		Inputs:    []Input{{URL: "https://origin/a.png"}},
		Result:    &Result{InputURLs: []string{"https://store/result-in.png"}},
		InputRefs: []string{"https://store/in.png"},
	}
	if got := job.SourceRefs(); !slices.Equal(got, []string{"https://store/in.png"}) {
		t.Fatalf("expected stored input refs first, got %v", got)
	}

	job.InputRefs = nil
	if got := job.SourceRefs(); !slices.Equal(got, []string{"https://store/result-in.png"}) {
		t.Fatalf("expected result input urls second, got %v", got)
	}

	job.Result = nil
	if got := job.SourceRefs(); !slices.Equal(got, []string{"https://origin/a.png"}) {
		t.Fatalf("expected original urls last, got %v", got)
	}
}

func TestComputeStats(t *testing.T) {
	stats := ComputeStats([]Job{
		{Status: JobStatusPending},
		{Status: JobStatusUploading},
		{Status: JobStatusProcessing},
		{Status: JobStatusCompleted},
		{Status: JobStatusCompleted},
		{Status: JobStatusFailed},
	})
	want := Stats{Pending: 1, Uploading: 1, Processing: 1, Completed: 2, Failed: 1, Active: 3, Total: 6}
	if stats != want {
		t.Fatalf("expected %+v, got %+v", want, stats)
	}
}

func TestCloneIsDeep(t *testing.T) {
	job := Job{
		Inputs: []Input{{Data: []byte{1, 2}, MIMEType: "image/png"}},
		Result: &Result{InputURLs: []string{"a"}},
	}
	clone := job.Clone()
	clone.Inputs[0].Data[0] = 9
	clone.Result.InputURLs[0] = "b"
	if job.Inputs[0].Data[0] != 1 {
		t.Fatal("clone shares input bytes")
	}
	if job.Result.InputURLs[0] != "a" {
		t.Fatal("clone shares result input urls")
	}
}
