package repository

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/doug-martin/goqu/v9"
	"github.com/pkg/errors"

	"github.com/open-edge-platform/geti-sub016/internal/jobs/model"
)

type assignment struct {
	field Field
	value any
}

// Update is an ordered list of field assignments applied to every matched document.
type Update struct {
	assignments []assignment
}

func NewUpdate() *Update {
	return &Update{}
}

// Set assigns value to field. Setting the state also sets the matching state group.
func (u *Update) Set(field Field, value any) *Update {
	u.assignments = append(u.assignments, assignment{field: field, value: value})
	if field == FieldState {
		if state, ok := scalar(value).(int64); ok {
			u.assignments = append(u.assignments, assignment{field: FieldStateGroup, value: string(model.JobState(state).Group())})
		}
	}
	return u
}

func (u *Update) IsEmpty() bool {
	return u == nil || len(u.assignments) == 0
}

func (u *Update) touches(field Field) bool {
	if u == nil {
		return false
	}
	for _, a := range u.assignments {
		if a.field == field {
			return true
		}
	}
	return false
}

// Apply performs the assignments on job.
func (u *Update) Apply(job *model.Job) error {
	if u == nil {
		return nil
	}
	for _, a := range u.assignments {
		spec, err := lookupField(a.field)
		if err != nil {
			return err
		}
		if err := spec.set(job, a.value); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks every assignment against a scratch job so that a bad update fails before it
// reaches storage.
func (u *Update) Validate() error {
	return u.Apply(&model.Job{})
}

// Record renders the assignments as a goqu record keyed by column.
func (u *Update) Record() (goqu.Record, error) {
	record := goqu.Record{}
	if u == nil {
		return record, nil
	}
	for _, a := range u.assignments {
		spec, err := lookupField(a.field)
		if err != nil {
			return nil, err
		}
		if spec.json {
			encoded, err := json.Marshal(a.value)
			if err != nil {
				return nil, errors.Wrapf(err, "encoding %s", a.field)
			}
			record[string(a.field)] = string(encoded)
			continue
		}
		record[string(a.field)] = scalar(a.value)
	}
	return record, nil
}

func (u *Update) String() string {
	if u == nil {
		return ""
	}
	parts := make([]string, len(u.assignments))
	for i, a := range u.assignments {
		if fields[a.field].json {
			parts[i] = fmt.Sprintf("%s = <document>", a.field)
			continue
		}
		parts[i] = fmt.Sprintf("%s = %s", a.field, formatValue(a.value))
	}
	return strings.Join(parts, ", ")
}
