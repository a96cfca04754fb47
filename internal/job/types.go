package job

import (
	"encoding/json"
	"fmt"
	"reconstructor/internal/status"
	"reconstructor/internal/workspace"
	"time"
)

// Request is the trigger payload for one reconstruction job.
type Request struct {
	InputObjectRef string `json:"inputObjectRef"`
	StatusDocID    string `json:"statusDocId"`
	OwnerRef       string `json:"ownerRef,omitempty"`
}

// requestJSON accepts both the current field names and the names used by
// existing mobile clients.
type requestJSON struct {
	InputObjectRef   string `json:"inputObjectRef"`
	StatusDocID      string `json:"statusDocId"`
	OwnerRef         string `json:"ownerRef"`
	VideoStoragePath string `json:"videoStoragePath"`
	FirestoreDocID   string `json:"firestoreDocId"`
	UserID           string `json:"userId"`
}

// UnmarshalJSON implements custom unmarshaling for Request. Current field
// names win over their aliases.
func (r *Request) UnmarshalJSON(data []byte) error {
	var raw requestJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	r.InputObjectRef = firstNonEmpty(raw.InputObjectRef, raw.VideoStoragePath)
	r.StatusDocID = firstNonEmpty(raw.StatusDocID, raw.FirestoreDocID)
	r.OwnerRef = firstNonEmpty(raw.OwnerRef, raw.UserID)
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Result is returned when a job completes.
type Result struct {
	Status      string `json:"status"` // always "complete"
	ArtifactURL string `json:"artifactUrl"`
	JobID       string `json:"jobId"`
}

// State is a step of the job state machine.
type State string

// States in the order a successful job passes through them.
const (
	StateCreated       State = "created"
	StateDownloading   State = "downloading"
	StatePreprocessing State = "preprocessing"
	StateFitting       State = "fitting"
	StateLocating      State = "locating"
	StateExporting     State = "exporting"
	StateVerifying     State = "verifying"
	StateUploading     State = "uploading"
	StateReporting     State = "reporting"
	StateCleaningUp    State = "cleaning_up"
	StateComplete      State = "complete"
	StateFailed        State = "failed"
)

// IsTerminal reports whether s ends the job.
func (s State) IsTerminal() bool {
	return s == StateComplete || s == StateFailed
}

// Job is one end-to-end execution of the pipeline. Only the pipeline mutates it.
type Job struct {
	ID          string
	InputRef    string
	StatusDocID string
	OwnerRef    string
	Workspace   workspace.Workspace
	State       State
	Status      status.Status
	StartedAt   time.Time

	history []State
}

// NewJob creates a job in the created state.
func NewJob(id string, req *Request) *Job {
	return &Job{
		ID:          id,
		InputRef:    req.InputObjectRef,
		StatusDocID: req.StatusDocID,
		OwnerRef:    req.OwnerRef,
		State:       StateCreated,
		Status:      status.Pending,
		StartedAt:   time.Now(),
		history:     []State{StateCreated},
	}
}

// History returns the states the job has entered, oldest first.
func (j *Job) History() []State {
	return append([]State(nil), j.history...)
}

// advance moves the job to the next state. Terminal jobs never move.
func (j *Job) advance(to State) error {
	if j.State.IsTerminal() {
		return fmt.Errorf("job %s is already %s, cannot enter %s", j.ID, j.State, to)
	}
	j.State = to
	j.history = append(j.history, to)
	return nil
}

// settle sets the job's status once. Complete and failed are final.
func (j *Job) settle(s status.Status) error {
	if j.Status.IsTerminal() {
		return fmt.Errorf("job %s status is already %s", j.ID, j.Status)
	}
	j.Status = s
	return nil
}
