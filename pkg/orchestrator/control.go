package orchestrator

import (
	"encoding/json"

	"github.com/odvcencio/bigtest/pkg/bus"
	bterrors "github.com/odvcencio/bigtest/pkg/errors"
	"github.com/odvcencio/bigtest/pkg/task"
)

// ControlReply answers a run request sent on bus.SubjectRunRequest.
type ControlReply struct {
	TestRunID string `json:"testRunId,omitempty"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
}

// serveControl lets processes on the message bus start test runs. Requests
// carry a RunRequest and are answered with a ControlReply.
func (o *Orchestrator) serveControl(t *task.Task) error {
	sub, err := o.bus.Subscribe(t.Context(), bus.SubjectRunRequest, o.handleControl)
	if err != nil {
		return bterrors.Wrap(err, bterrors.ErrCodeInternal, "subscribe to run requests").
			WithContext("subject", bus.SubjectRunRequest)
	}
	<-t.Context().Done()
	_ = sub.Unsubscribe()
	return nil
}

func (o *Orchestrator) handleControl(msg *bus.Message) []byte {
	var reply ControlReply
	var req RunRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		reply.Code = string(bterrors.ErrCodeInvalidInput)
		reply.Error = "invalid run request: " + err.Error()
	} else if id, err := o.StartRun(req); err != nil {
		reply.Code = string(bterrors.GetCode(err))
		reply.Error = err.Error()
	} else {
		reply.TestRunID = id
	}
	if reply.Error != "" {
		o.log.Warn("run request rejected", "subject", msg.Subject, "error", reply.Error)
	}
	data, err := json.Marshal(reply)
	if err != nil {
		return nil
	}
	return data
}
