package repository

import (
	"fmt"
	"reflect"
	"time"

	"github.com/pkg/errors"

	"github.com/open-edge-platform/geti-sub016/internal/common/jobserrors"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/model"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/session"
)

// Field names a job document field. The names double as Postgres column names.
type Field string

const (
	FieldID                Field = "id"
	FieldOrganizationID    Field = "organization_id"
	FieldWorkspaceID       Field = "workspace_id"
	FieldSessionSource     Field = "session_source"
	FieldSessionUserID     Field = "session_user_id"
	FieldType              Field = "type"
	FieldPriority          Field = "priority"
	FieldName              Field = "job_name"
	FieldKey               Field = "key"
	FieldState             Field = "state"
	FieldStateGroup        Field = "state_group"
	FieldStepDetails       Field = "step_details"
	FieldPayload           Field = "payload"
	FieldMetadata          Field = "metadata"
	FieldCreationTime      Field = "creation_time"
	FieldStartTime         Field = "start_time"
	FieldEndTime           Field = "end_time"
	FieldAuthor            Field = "author"
	FieldProjectID         Field = "project_id"
	FieldCancellationInfo  Field = "cancellation_info"
	FieldExecutions        Field = "executions"
	FieldTelemetry         Field = "telemetry"
	FieldGPU               Field = "gpu"
	FieldCost              Field = "cost"
	FieldMarkedForDeletion Field = "marked_for_deletion"
	FieldLeaseOwner        Field = "lease_owner"
	FieldLeaseExpiry       Field = "lease_expiry"
)

type fieldSpec struct {
	// Stored as a JSON document rather than a scalar. Such fields cannot be filtered on.
	json bool
	get  func(job *model.Job) any
	set  func(job *model.Job, value any) error
}

// allFields is in column order of the jobs table.
var allFields = []Field{
	FieldID, FieldOrganizationID, FieldWorkspaceID, FieldSessionSource, FieldSessionUserID,
	FieldType, FieldPriority, FieldName, FieldKey, FieldState, FieldStateGroup, FieldStepDetails,
	FieldPayload, FieldMetadata, FieldCreationTime, FieldStartTime, FieldEndTime, FieldAuthor,
	FieldProjectID, FieldCancellationInfo, FieldExecutions, FieldTelemetry, FieldGPU, FieldCost,
	FieldMarkedForDeletion, FieldLeaseOwner, FieldLeaseExpiry,
}

// tenantFields can never be changed by an update: a job keeps its tenant for life.
var tenantFields = map[Field]bool{
	FieldOrganizationID: true,
	FieldWorkspaceID:    true,
	FieldID:             true,
}

var fields = map[Field]fieldSpec{
	FieldID: {
		get: func(job *model.Job) any { return job.ID },
		set: stringSetter(func(job *model.Job, v string) { job.ID = v }),
	},
	FieldOrganizationID: {
		get: func(job *model.Job) any { return job.Session.OrganizationID },
		set: stringSetter(func(job *model.Job, v string) { job.Session.OrganizationID = v }),
	},
	FieldWorkspaceID: {
		get: func(job *model.Job) any { return job.Session.WorkspaceID },
		set: stringSetter(func(job *model.Job, v string) { job.Session.WorkspaceID = v }),
	},
	FieldSessionSource: {
		get: func(job *model.Job) any { return string(job.Session.Source) },
		set: stringSetter(func(job *model.Job, v string) { job.Session.Source = session.Source(v) }),
	},
	FieldSessionUserID: {
		get: func(job *model.Job) any { return job.Session.UserID },
		set: stringSetter(func(job *model.Job, v string) { job.Session.UserID = v }),
	},
	FieldType: {
		get: func(job *model.Job) any { return job.Type },
		set: stringSetter(func(job *model.Job, v string) { job.Type = v }),
	},
	FieldPriority: {
		get: func(job *model.Job) any { return int64(job.Priority) },
		set: intSetter(func(job *model.Job, v int64) { job.Priority = int(v) }),
	},
	FieldName: {
		get: func(job *model.Job) any { return job.Name },
		set: stringSetter(func(job *model.Job, v string) { job.Name = v }),
	},
	FieldKey: {
		get: func(job *model.Job) any { return job.Key },
		set: stringSetter(func(job *model.Job, v string) { job.Key = v }),
	},
	FieldState: {
		get: func(job *model.Job) any { return int64(job.State) },
		set: intSetter(func(job *model.Job, v int64) { job.SetState(model.JobState(v)) }),
	},
	FieldStateGroup: {
		get: func(job *model.Job) any { return string(job.StateGroup) },
		set: stringSetter(func(job *model.Job, v string) { job.StateGroup = model.StateGroup(v) }),
	},
	FieldStepDetails: {
		json: true,
		get:  func(job *model.Job) any { return job.StepDetails },
		set: func(job *model.Job, value any) error {
			steps, ok := value.([]model.StepDetail)
			if !ok {
				return invalidFieldValue(FieldStepDetails, value)
			}
			job.StepDetails = append([]model.StepDetail(nil), steps...)
			return nil
		},
	},
	FieldPayload: {
		json: true,
		get:  func(job *model.Job) any { return job.Payload },
		set:  payloadSetter(func(job *model.Job, p model.Payload) { job.Payload = p }),
	},
	FieldMetadata: {
		json: true,
		get:  func(job *model.Job) any { return job.Metadata },
		set:  payloadSetter(func(job *model.Job, p model.Payload) { job.Metadata = p }),
	},
	FieldCreationTime: {
		get: func(job *model.Job) any { return job.CreationTime },
		set: timeSetter(FieldCreationTime, func(job *model.Job, v *time.Time) error {
			if v == nil {
				return invalidFieldValue(FieldCreationTime, v)
			}
			job.CreationTime = *v
			return nil
		}),
	},
	FieldStartTime: {
		get: func(job *model.Job) any { return job.StartTime },
		set: timeSetter(FieldStartTime, func(job *model.Job, v *time.Time) error { job.StartTime = v; return nil }),
	},
	FieldEndTime: {
		get: func(job *model.Job) any { return job.EndTime },
		set: timeSetter(FieldEndTime, func(job *model.Job, v *time.Time) error { job.EndTime = v; return nil }),
	},
	FieldAuthor: {
		get: func(job *model.Job) any { return job.Author },
		set: stringSetter(func(job *model.Job, v string) { job.Author = v }),
	},
	FieldProjectID: {
		get: func(job *model.Job) any { return job.ProjectID },
		set: stringSetter(func(job *model.Job, v string) { job.ProjectID = v }),
	},
	FieldCancellationInfo: {
		json: true,
		get:  func(job *model.Job) any { return job.CancellationInfo },
		set: func(job *model.Job, value any) error {
			switch v := value.(type) {
			case nil:
				job.CancellationInfo = nil
			case *model.CancellationInfo:
				if v == nil {
					job.CancellationInfo = nil
					return nil
				}
				info := *v
				job.CancellationInfo = &info
			case model.CancellationInfo:
				job.CancellationInfo = &v
			default:
				return invalidFieldValue(FieldCancellationInfo, value)
			}
			return nil
		},
	},
	FieldExecutions: {
		json: true,
		get:  func(job *model.Job) any { return job.Executions },
		set: func(job *model.Job, value any) error {
			executions, ok := value.([]model.Execution)
			if !ok {
				return invalidFieldValue(FieldExecutions, value)
			}
			job.Executions = append([]model.Execution(nil), executions...)
			return nil
		},
	},
	FieldTelemetry: {
		get: func(job *model.Job) any { return job.Telemetry },
		set: stringSetter(func(job *model.Job, v string) { job.Telemetry = v }),
	},
	FieldGPU: {
		get: func(job *model.Job) any { return int64(job.GPU) },
		set: intSetter(func(job *model.Job, v int64) { job.GPU = int(v) }),
	},
	FieldCost: {
		get: func(job *model.Job) any { return int64(job.Cost) },
		set: intSetter(func(job *model.Job, v int64) { job.Cost = int(v) }),
	},
	FieldMarkedForDeletion: {
		get: func(job *model.Job) any { return job.MarkedForDeletion },
		set: func(job *model.Job, value any) error {
			v, ok := value.(bool)
			if !ok {
				return invalidFieldValue(FieldMarkedForDeletion, value)
			}
			job.MarkedForDeletion = v
			return nil
		},
	},
	FieldLeaseOwner: {
		get: func(job *model.Job) any { return job.LeaseOwner },
		set: stringSetter(func(job *model.Job, v string) { job.LeaseOwner = v }),
	},
	FieldLeaseExpiry: {
		get: func(job *model.Job) any { return job.LeaseExpiry },
		set: timeSetter(FieldLeaseExpiry, func(job *model.Job, v *time.Time) error { job.LeaseExpiry = v; return nil }),
	},
}

func lookupField(field Field) (fieldSpec, error) {
	spec, ok := fields[field]
	if !ok {
		return fieldSpec{}, errors.WithStack(&jobserrors.ErrInvalidArgument{
			Name:    "field",
			Value:   string(field),
			Message: "unknown job field",
		})
	}
	return spec, nil
}

// scalar normalises values so that they can be compared with each other: integer kinds become
// int64, string kinds become string, *time.Time is dereferenced and nil pointers become nil.
func scalar(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case time.Time:
		return v
	case *time.Time:
		if v == nil {
			return nil
		}
		return *v
	case bool:
		return v
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint())
	case reflect.String:
		return rv.String()
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	case reflect.Pointer:
		if rv.IsNil() {
			return nil
		}
		return scalar(rv.Elem().Interface())
	}
	return value
}

func invalidFieldValue(field Field, value any) error {
	return errors.WithStack(&jobserrors.ErrInvalidArgument{
		Name:    string(field),
		Value:   fmt.Sprintf("%v", value),
		Message: fmt.Sprintf("unsupported value of type %T", value),
	})
}

func stringSetter(set func(job *model.Job, v string)) func(*model.Job, any) error {
	return func(job *model.Job, value any) error {
		v, ok := scalar(value).(string)
		if !ok {
			return invalidFieldValue("string field", value)
		}
		set(job, v)
		return nil
	}
}

func intSetter(set func(job *model.Job, v int64)) func(*model.Job, any) error {
	return func(job *model.Job, value any) error {
		v, ok := scalar(value).(int64)
		if !ok {
			return invalidFieldValue("integer field", value)
		}
		set(job, v)
		return nil
	}
}

func timeSetter(field Field, set func(job *model.Job, v *time.Time) error) func(*model.Job, any) error {
	return func(job *model.Job, value any) error {
		switch v := scalar(value).(type) {
		case nil:
			return set(job, nil)
		case time.Time:
			return set(job, &v)
		}
		return invalidFieldValue(field, value)
	}
}

func payloadSetter(set func(job *model.Job, p model.Payload)) func(*model.Job, any) error {
	return func(job *model.Job, value any) error {
		switch v := value.(type) {
		case nil:
			set(job, nil)
			return nil
		case model.Payload:
			set(job, v.DeepCopy())
			return nil
		case map[string]any:
			p, err := model.NewPayload(v)
			if err != nil {
				return err
			}
			set(job, p)
			return nil
		}
		return invalidFieldValue("payload field", value)
	}
}
