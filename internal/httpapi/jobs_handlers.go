package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/bustesoul/varmanager/internal/apierr"
	"github.com/bustesoul/varmanager/internal/jobs"
)

type startJobRequest struct {
	Kind string          `json:"kind"`
	Args json.RawMessage `json:"args,omitempty"`
}

type startJobResponse struct {
	ID     int64       `json:"id"`
	Status jobs.Status `json:"status"`
}

func (a *api) postJob(w http.ResponseWriter, r *http.Request) {
	var req startJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	id, err := a.deps.Jobs.Start(req.Kind, req.Args)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, startJobResponse{ID: id, Status: jobs.Queued})
}

func jobIDFromPath(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, apierr.New(apierr.BadRequest, "job id must be an integer")
	}
	return id, nil
}

type jobResponse struct {
	ID        int64           `json:"id"`
	Kind      string          `json:"kind"`
	Status    jobs.Status     `json:"status"`
	Progress  uint8           `json:"progress"`
	Message   string          `json:"message,omitempty"`
	Error     string          `json:"error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	CreatedAt string          `json:"createdAt"`
	UpdatedAt string          `json:"updatedAt"`
}

func jobToResponse(j jobs.Job) jobResponse {
	return jobResponse{
		ID:        j.ID,
		Kind:      j.Kind,
		Status:    j.Status,
		Progress:  j.Progress,
		Message:   j.Message,
		Error:     j.Error,
		Result:    j.Result,
		CreatedAt: j.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		UpdatedAt: j.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}

func (a *api) getJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobIDFromPath(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	j, ok := a.deps.Jobs.Get(id)
	if !ok {
		writeAPIError(w, apierr.New(apierr.NotFound, "job not found"))
		return
	}
	writeJSON(w, http.StatusOK, jobToResponse(j))
}

type logEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

type jobLogsResponse struct {
	ID      int64      `json:"id"`
	From    int64      `json:"from"`
	Next    int64      `json:"next"`
	Dropped int64      `json:"dropped"`
	Entries []logEntry `json:"entries"`
}

// getJobLogs serves the bounded log ring from offset "from" onward. Entries
// the ring has already evicted are reported as Dropped rather than skipped
// silently.
func (a *api) getJobLogs(w http.ResponseWriter, r *http.Request) {
	id, err := jobIDFromPath(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	j, ok := a.deps.Jobs.Get(id)
	if !ok {
		writeAPIError(w, apierr.New(apierr.NotFound, "job not found"))
		return
	}

	from := j.LogOffset
	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			writeAPIError(w, apierr.New(apierr.BadRequest, "from must be an integer"))
			return
		}
		from = parsed
	}

	dropped := int64(0)
	if from < j.LogOffset {
		dropped = j.LogOffset - from
		from = j.LogOffset
	}

	skip := int(from - j.LogOffset)
	entries := make([]logEntry, 0, len(j.Logs)-skip)
	for _, e := range j.Logs[skip:] {
		entries = append(entries, logEntry{
			Timestamp: e.Timestamp.Format("2006-01-02T15:04:05Z07:00"),
			Level:     e.Level,
			Message:   e.Message,
		})
	}

	writeJSON(w, http.StatusOK, jobLogsResponse{
		ID:      id,
		From:    from,
		Next:    j.LogOffset + int64(len(j.Logs)),
		Dropped: dropped,
		Entries: entries,
	})
}

// getJobResult returns the job's result once it has finished; 409 while
// still queued or running.
func (a *api) getJobResult(w http.ResponseWriter, r *http.Request) {
	id, err := jobIDFromPath(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	j, ok := a.deps.Jobs.Get(id)
	if !ok {
		writeAPIError(w, apierr.New(apierr.NotFound, "job not found"))
		return
	}
	if j.Status != jobs.Succeeded && j.Status != jobs.Failed {
		writeAPIError(w, apierr.New(apierr.Conflict, "job has not finished"))
		return
	}
	if j.Status == jobs.Failed {
		writeAPIError(w, apierr.New(apierr.Internal, j.Error))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if len(j.Result) == 0 {
		_, _ = w.Write([]byte("null"))
		return
	}
	_, _ = w.Write(j.Result)
}
