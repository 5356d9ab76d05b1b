package domain

import (
	"net/url"
	"strconv"
	"strings"
	"time"
)

type Status string

const (
	JobStatusPending    Status = "pending"
	JobStatusUploading  Status = "uploading"
	JobStatusProcessing Status = "processing"
	JobStatusCompleted  Status = "completed"
	JobStatusFailed     Status = "failed"
)

const (
	ProgressUploading  = 10
	ProgressProcessing = 40
	ProgressCompleted  = 100

	MaxInputs = 2

	// InterruptedMessage is recorded on jobs found mid-flight when the queue is loaded.
	InterruptedMessage = "generation interrupted before completion"
)

var transitions = map[Status][]Status{
	JobStatusPending:    {JobStatusUploading},
	JobStatusUploading:  {JobStatusProcessing, JobStatusFailed},
	JobStatusProcessing: {JobStatusCompleted, JobStatusFailed},
	JobStatusFailed:     {JobStatusPending},
}

// Active reports whether the status belongs to a job that is still being driven.
func (s Status) Active() bool {
	switch s {
	case JobStatusPending, JobStatusUploading, JobStatusProcessing:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

func (s Status) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusUploading, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

func ParseStatus(raw string) (Status, bool) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	return s, s.Valid()
}

// CanTransition reports whether the drive lifecycle allows moving from one status to another.
// Load-time coercion of in-flight jobs goes through Interrupt instead.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Input is a reference image: raw bytes held in memory, or a remote URL.
type Input struct {
	URL      string `json:"url,omitempty"`
	MIMEType string `json:"mime_type,omitempty"`
	Data     []byte `json:"-"`
}

func (in Input) HasData() bool {
	return len(in.Data) > 0
}

type Result struct {
	ImageURL  string   `json:"image_url"`
	MIMEType  string   `json:"mime_type,omitempty"`
	Model     string   `json:"model,omitempty"`
	Prompt    string   `json:"prompt"`
	InputURLs []string `json:"input_urls,omitempty"`
	Text      string   `json:"text,omitempty"`
}

// Thumbnail describes a preview image owned by the job that created it.
type Thumbnail struct {
	Path   string `json:"-"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type Job struct {
	ID          string      `json:"id"`
	OwnerID     string      `json:"owner_id"`
	Status      Status      `json:"status"`
	Prompt      string      `json:"prompt"`
	Inputs      []Input     `json:"inputs,omitempty"`
	InputRefs   []string    `json:"input_refs,omitempty"`
	Thumbnails  []Thumbnail `json:"-"`
	Progress    int         `json:"progress"`
	Result      *Result     `json:"result,omitempty"`
	Error       string      `json:"error,omitempty"`
	ErrorReason string      `json:"error_reason,omitempty"`
	CreatedAt   time.Time   `json:"timestamp"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Clone returns a copy that shares no slices or pointers with j.
func (j Job) Clone() Job {
	out := j
	if j.Inputs != nil {
		out.Inputs = make([]Input, len(j.Inputs))
		for i, in := range j.Inputs {
			out.Inputs[i] = in
			if in.Data != nil {
				out.Inputs[i].Data = append([]byte(nil), in.Data...)
			}
		}
	}
	if j.InputRefs != nil {
		out.InputRefs = append([]string(nil), j.InputRefs...)
	}
	if j.Thumbnails != nil {
		out.Thumbnails = append([]Thumbnail(nil), j.Thumbnails...)
	}
	if j.Result != nil {
		r := *j.Result
		if r.InputURLs != nil {
			r.InputURLs = append([]string(nil), r.InputURLs...)
		}
		out.Result = &r
	}
	return out
}

func NewJob(id, ownerID, prompt string, inputs []Input, now time.Time) Job {
	return Job{
		ID:        id,
		OwnerID:   ownerID,
		Status:    JobStatusPending,
		Prompt:    strings.TrimSpace(prompt),
		Inputs:    inputs,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Begin moves a pending job into uploading.
func (j *Job) Begin(now time.Time) bool {
	if !CanTransition(j.Status, JobStatusUploading) {
		return false
	}
	j.Status = JobStatusUploading
	j.Progress = ProgressUploading
	j.UpdatedAt = now
	return true
}

func (j *Job) StartProcessing(refs []string, now time.Time) bool {
	if !CanTransition(j.Status, JobStatusProcessing) {
		return false
	}
	j.Status = JobStatusProcessing
	j.Progress = ProgressProcessing
	if len(refs) > 0 {
		j.InputRefs = refs
	}
	j.UpdatedAt = now
	return true
}

func (j *Job) Complete(result Result, now time.Time) bool {
	if !CanTransition(j.Status, JobStatusCompleted) {
		return false
	}
	j.Status = JobStatusCompleted
	j.Progress = ProgressCompleted
	j.Result = &result
	j.Error = ""
	j.ErrorReason = ""
	j.UpdatedAt = now
	return true
}

// Fail records err on the job. Refusals keep their message verbatim and their reason code.
func (j *Job) Fail(err error, now time.Time) bool {
	if !CanTransition(j.Status, JobStatusFailed) {
		return false
	}
	j.Status = JobStatusFailed
	j.Progress = 0
	j.Result = nil
	j.Error, j.ErrorReason = describeFailure(err)
	j.UpdatedAt = now
	return true
}

// Reset moves a failed job back to pending for a retry.
func (j *Job) Reset(now time.Time) bool {
	if j.Status != JobStatusFailed {
		return false
	}
	j.Status = JobStatusPending
	j.Progress = 0
	j.Error = ""
	j.ErrorReason = ""
	j.Result = nil
	j.UpdatedAt = now
	return true
}

// Interrupt coerces an in-flight job to failed. It returns false for jobs that were not in flight.
func (j *Job) Interrupt(now time.Time) bool {
	if !j.Status.Active() {
		return false
	}
	j.Status = JobStatusFailed
	j.Progress = 0
	j.Result = nil
	j.Error = InterruptedMessage
	j.ErrorReason = ""
	j.UpdatedAt = now
	return true
}

// SourceRefs returns the best known remote references for the job inputs.
func (j Job) SourceRefs() []string {
	if len(j.InputRefs) > 0 {
		return append([]string(nil), j.InputRefs...)
	}
	if j.Result != nil && len(j.Result.InputURLs) > 0 {
		return append([]string(nil), j.Result.InputURLs...)
	}
	refs := make([]string, 0, len(j.Inputs))
	for _, in := range j.Inputs {
		if in.URL != "" {
			refs = append(refs, in.URL)
		}
	}
	return refs
}

// ValidateSubmission checks a prompt and its inputs before a job is created.
func ValidateSubmission(prompt string, inputs []Input) error {
	if strings.TrimSpace(prompt) == "" {
		return &ValidationError{Field: "prompt", Message: "prompt is required"}
	}
	if len(inputs) > MaxInputs {
		return &ValidationError{Field: "inputs", Message: "at most 2 input images are supported"}
	}
	for i, in := range inputs {
		field := "inputs[" + strconv.Itoa(i) + "]"
		hasURL := strings.TrimSpace(in.URL) != ""
		switch {
		case in.HasData() && hasURL:
			return &ValidationError{Field: field, Message: "provide either data or url, not both"}
		case !in.HasData() && !hasURL:
			return &ValidationError{Field: field, Message: "data or url is required"}
		case in.HasData():
			if !strings.HasPrefix(strings.ToLower(in.MIMEType), "image/") {
				return &ValidationError{Field: field + ".mime_type", Message: "an image mime type is required"}
			}
		default:
			u, err := url.Parse(strings.TrimSpace(in.URL))
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return &ValidationError{Field: field + ".url", Message: "url must be an absolute http(s) url"}
			}
		}
	}
	return nil
}

type Stats struct {
	Pending    int `json:"pending"`
	Uploading  int `json:"uploading"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Active     int `json:"active"`
	Total      int `json:"total"`
}

func ComputeStats(jobs []Job) Stats {
	var s Stats
	for _, job := range jobs {
		switch job.Status {
		case JobStatusPending:
			s.Pending++
		case JobStatusUploading:
			s.Uploading++
		case JobStatusProcessing:
			s.Processing++
		case JobStatusCompleted:
			s.Completed++
		case JobStatusFailed:
			s.Failed++
		}
	}
	s.Active = s.Pending + s.Uploading + s.Processing
	s.Total = len(jobs)
	return s
}
