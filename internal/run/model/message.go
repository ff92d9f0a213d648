package model

import (
	"encoding/json"

	pkgerrors "runbox/pkg/errors"
)

// JobMessage is the queue payload for one run. Unknown fields are ignored on decode.
type JobMessage struct {
	RunID      string   `json:"run_id"`
	ProjectID  string   `json:"project_id"`
	Language   Language `json:"language"`
	Entrypoint string   `json:"entrypoint"`
	SnapKey    string   `json:"snap_key"`
	TimeLimit  int      `json:"time_limit"` // seconds
}

// DecodeJobMessage parses and validates a payload. Every error carries the MalformedJob code.
func DecodeJobMessage(payload []byte) (JobMessage, error) {
	var msg JobMessage
	if len(payload) == 0 {
		return msg, pkgerrors.New(pkgerrors.MalformedJob).WithMessage("empty job payload")
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, pkgerrors.Wrapf(err, pkgerrors.MalformedJob, "decode job: %v", err)
	}
	if err := msg.Validate(); err != nil {
		return msg, err
	}
	return msg, nil
}

// Validate checks that every field is present.
func (m JobMessage) Validate() error {
	missing := ""
	switch {
	case m.RunID == "":
		missing = "run_id"
	case m.ProjectID == "":
		missing = "project_id"
	case m.Language == "":
		missing = "language"
	case m.Entrypoint == "":
		missing = "entrypoint"
	case m.SnapKey == "":
		missing = "snap_key"
	case m.TimeLimit <= 0:
		missing = "time_limit"
	}
	if missing != "" {
		return pkgerrors.Newf(pkgerrors.MalformedJob, "job field %s is missing or invalid", missing).
			WithDetail("field", missing)
	}
	return nil
}

// KillRequest asks whichever worker holds the run to terminate it.
type KillRequest struct {
	RunID string `json:"run_id"`
}
