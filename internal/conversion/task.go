package conversion

// Task is the process-local projection of an in-flight conversion. It is
// never persisted.
type Task struct {
	ID       string     `json:"id"`
	RecordID string     `json:"record_id,omitempty"`
	Name     string     `json:"name"`
	Kind     SourceKind `json:"kind"`
	Status   Status     `json:"status"`
	Progress float64    `json:"progress"`
	Preview  string     `json:"preview,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// Active reports whether the task still counts as running in the UI.
func (t Task) Active() bool {
	return !t.Status.IsTerminal()
}
