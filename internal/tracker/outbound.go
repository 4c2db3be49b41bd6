package tracker

import "github.com/sitelinehq/siteline/internal/types"

// Outbound-log operation names for mirror writes that could not reach
// the tracker and await replay.
const (
	OpUpsertProject = "upsert_project"
	OpUpsertTask    = "upsert_task"
	OpActivity      = "activity"
)

// ProjectMirrorPayload is the queued form of UpsertProjectMirror.
type ProjectMirrorPayload struct {
	ExternalID string              `json:"external_id"`
	Mirror     types.ProjectMirror `json:"mirror"`
}

// TaskMirrorPayload is the queued form of UpsertTaskMirror.
type TaskMirrorPayload struct {
	ExternalID string           `json:"external_id"`
	Mirror     types.TaskMirror `json:"mirror"`
}

// ActivityPayload is the queued form of CreateActivityUpdate.
type ActivityPayload struct {
	ExternalID string `json:"external_id"`
	Message    string `json:"message"`
}
