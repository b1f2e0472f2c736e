package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-edge-platform/geti-sub016/internal/jobs/templates"
)

func TestPrintKey(t *testing.T) {
	tests := map[string]struct {
		stdin    string
		document string
		expected string
	}{
		"from flag": {
			document: `{"b": 1, "a": {"y": [1, "x"], "x": null}}`,
			expected: `{"a":{"x":null,"y":[1,"x"]},"b":1}` + "\n",
		},
		"from stdin": {
			stdin:    `{"project_id": "p1", "dataset": "cats"}`,
			expected: `{"dataset":"cats","project_id":"p1"}` + "\n",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			var out bytes.Buffer
			var err error
			if tc.document != "" {
				err = printKey(&out, nil, tc.document)
			} else {
				err = printKey(&out, strings.NewReader(tc.stdin), "")
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, out.String())
		})
	}
}

func TestPrintKey_RejectsNonObjects(t *testing.T) {
	var out bytes.Buffer
	assert.Error(t, printKey(&out, nil, `[1, 2]`))
	assert.Empty(t, out.String())
}

func TestPrintTemplates(t *testing.T) {
	notInterruptible := false
	jobsTemplates, err := templates.New(map[string][]templates.Step{
		"train":  {{Name: "model training", TaskID: "train-model"}, {Name: "model registration", TaskID: "register-model", Interruptible: &notInterruptible}},
		"export": {{Name: "dataset export", TaskID: "export-dataset"}},
	})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, printTemplates(&out, jobsTemplates))
	assert.Equal(t, "export\n"+
		"  1. dataset export [export-dataset]\n"+
		"train\n"+
		"  1. model training [train-model]\n"+
		"  2. model registration [register-model] (not interruptible)\n", out.String())
}

func TestPrintTemplatesYaml(t *testing.T) {
	notInterruptible := false
	jobsTemplates, err := templates.New(map[string][]templates.Step{
		"import": {{Name: "dataset upload", TaskID: "upload-dataset"}, {Name: "dataset import", TaskID: "import-dataset", Interruptible: &notInterruptible}},
	})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, printTemplatesYaml(&out, jobsTemplates))
	assert.Equal(t, `templates:
  import:
  - name: dataset upload
    taskId: upload-dataset
  - interruptible: false
    name: dataset import
    taskId: import-dataset
`, out.String())
}
