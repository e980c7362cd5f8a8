package ipc

import (
	"encoding/json"

	"github.com/aosanya/apc/internal/coordinator"
	"github.com/aosanya/apc/internal/registry"
	"github.com/aosanya/apc/internal/signalbus"
)

// dispatch routes one validated Request to the coordinator and builds the
// correlated Response.
func (s *Server) dispatch(req *Request) Response {
	if err := validatePayload(req); err != nil {
		return s.fail(req, ErrCodeValidation, err.Error())
	}

	switch req.Type {
	case ReqStatus:
		return s.ok(req, map[string]interface{}{
			"sessions": s.coord.ListSessions(),
			"pool":     s.pool.Status(),
		})

	case ReqSessionList:
		return s.ok(req, s.coord.ListSessions())

	case ReqSessionGet, ReqExecStatus:
		var p sessionPayload
		mustDecode(req.Payload, &p)
		return s.ok(req, s.coord.GetSessionState(p.SessionID))

	case ReqSessionPause, ReqExecPause:
		var p sessionPayload
		mustDecode(req.Payload, &p)
		s.coord.PauseSession(p.SessionID)
		return s.ok(req, nil)

	case ReqSessionResume, ReqExecResume:
		var p sessionPayload
		mustDecode(req.Payload, &p)
		s.coord.ResumeSession(p.SessionID)
		return s.ok(req, nil)

	case ReqSessionStop, ReqExecStop:
		var p sessionPayload
		mustDecode(req.Payload, &p)
		s.coord.StopSession(p.SessionID)
		return s.ok(req, nil)

	case ReqSessionRemove:
		var p sessionPayload
		mustDecode(req.Payload, &p)
		if err := s.coord.RemoveSession(p.SessionID); err != nil {
			return s.fail(req, ErrCodeConflict, err.Error())
		}
		return s.ok(req, nil)

	case ReqPlanCreate, ReqPlanRestart:
		var p planCreatePayload
		mustDecode(req.Payload, &p)
		id, err := s.coord.DispatchWorkflow(p.SessionID, registry.TypePlanningNew,
			map[string]interface{}{"prompt": p.Requirement}, coordinator.DispatchOptions{})
		if err != nil {
			return s.fail(req, ErrCodeInternal, err.Error())
		}
		return s.ok(req, map[string]string{"workflowId": id})

	case ReqPlanApprove:
		var p planApprovePayload
		mustDecode(req.Payload, &p)
		tasks, err := s.coord.ApprovePlan(p.SessionID, p.PlanContent)
		if err != nil {
			return s.fail(req, ErrCodeValidation, err.Error())
		}
		return s.ok(req, map[string]int{"taskCount": tasks})

	case ReqPlanRevise:
		var p planRevisePayload
		mustDecode(req.Payload, &p)
		id, err := s.coord.DispatchWorkflow(p.SessionID, registry.TypePlanningRevision,
			map[string]interface{}{"sessionId": p.SessionID, "revisionText": p.RevisionText},
			coordinator.DispatchOptions{Blocking: true})
		if err != nil {
			return s.fail(req, ErrCodeInternal, err.Error())
		}
		return s.ok(req, map[string]string{"workflowId": id})

	case ReqPlanCancel:
		var p sessionPayload
		mustDecode(req.Payload, &p)
		s.coord.CancelSession(p.SessionID)
		return s.ok(req, nil)

	case ReqPoolStatus:
		return s.ok(req, s.pool.Status())

	case ReqPoolResize:
		var p poolResizePayload
		mustDecode(req.Payload, &p)
		if err := s.pool.Resize(p.Size); err != nil {
			return s.fail(req, ErrCodeValidation, err.Error())
		}
		return s.ok(req, s.pool.Status())

	case ReqExecStart:
		var p execStartPayload
		mustDecode(req.Payload, &p)
		ids, err := s.coord.StartExecution(p.SessionID, p.PlanContent)
		if err != nil {
			return s.fail(req, ErrCodeValidation, err.Error())
		}
		return s.ok(req, map[string]interface{}{"workflowIds": ids})

	case ReqWorkflowRetry:
		var p workflowRetryPayload
		mustDecode(req.Payload, &p)
		id, err := s.coord.RetryWorkflow(p.WorkflowID)
		if err != nil {
			return s.fail(req, ErrCodeConflict, err.Error())
		}
		return s.ok(req, map[string]string{"workflowId": id})

	case ReqCoordinatorEvaluate:
		s.coord.Evaluate()
		return s.ok(req, nil)

	case ReqAgentComplete:
		var p agentCompletePayload
		mustDecode(req.Payload, &p)
		var data interface{}
		if len(p.Data) > 0 {
			if err := json.Unmarshal(p.Data, &data); err != nil {
				return s.fail(req, ErrCodeValidation, "data is not valid JSON: "+err.Error())
			}
		}
		s.coord.DeliverCompletion(&signalbus.Signal{
			SessionID:  p.SessionID,
			WorkflowID: p.WorkflowID,
			Stage:      signalbus.Stage(p.Stage),
			TaskID:     p.TaskID,
			ResultCode: p.Result,
			Payload:    data,
		})
		return s.ok(req, nil)
	}

	return s.fail(req, ErrCodeNotFound, "unknown request type "+req.Type)
}

func (s *Server) ok(req *Request, data interface{}) Response {
	return Response{ID: req.ID, Type: req.Type, Success: true, Data: data}
}

func (s *Server) fail(req *Request, code, message string) Response {
	return Response{ID: req.ID, Type: req.Type, Success: false, Error: &ErrorInfo{Code: code, Message: message}}
}

// mustDecode decodes a payload that has already passed schema validation;
// a decode failure here is a programmer error in the schema table.
func mustDecode(raw json.RawMessage, out interface{}) {
	if err := json.Unmarshal(raw, out); err != nil {
		panic("ipc: schema-validated payload failed to decode: " + err.Error())
	}
}
