package schemavalidation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validReport = `{
  "version": 1,
  "session_id": "6f1c1b9e-1111-4c3a-9d5e-000000000001",
  "exam_id": "exam-1",
  "student_id": "stu-1",
  "status": "COMPLETED",
  "violations": [
    {"type": "NO_FACE", "timestamp": "2026-01-02T03:04:05Z", "description": "no face", "severity": "HIGH"}
  ],
  "exit_attempts": 1,
  "time_outside_app_ns": 0,
  "score": 85,
  "generated_at": "2026-01-02T03:10:00Z",
  "breakdown": {"HIGH": 1}
}`

func TestValidReport(t *testing.T) {
	assert.NoError(t, Validate(Report, []byte(validReport)))
}

func TestReportRejections(t *testing.T) {
	cases := map[string]string{
		"score above 100":  `{"version":1,"session_id":"s","status":"ACTIVE","violations":[],"exit_attempts":0,"time_outside_app_ns":0,"score":101,"generated_at":"2026-01-02T03:10:00Z","breakdown":{}}`,
		"unknown status":   `{"version":1,"session_id":"s","status":"DONE","violations":[],"exit_attempts":0,"time_outside_app_ns":0,"score":1,"generated_at":"2026-01-02T03:10:00Z","breakdown":{}}`,
		"bad severity key": `{"version":1,"session_id":"s","status":"ACTIVE","violations":[],"exit_attempts":0,"time_outside_app_ns":0,"score":1,"generated_at":"2026-01-02T03:10:00Z","breakdown":{"SEVERE":1}}`,
		"missing session":  `{"version":1,"status":"ACTIVE","violations":[],"exit_attempts":0,"time_outside_app_ns":0,"score":1,"generated_at":"2026-01-02T03:10:00Z","breakdown":{}}`,
		"bad timestamp":    `{"version":1,"session_id":"s","status":"ACTIVE","violations":[],"exit_attempts":0,"time_outside_app_ns":0,"score":1,"generated_at":"yesterday","breakdown":{}}`,
		"not json":         `{`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, Validate(Report, []byte(doc)), ErrInvalid)
		})
	}
}

func TestSubmissionReferencesReportSchema(t *testing.T) {
	sub := `{"exam_id":"exam-1","student_id":"stu-1","session_id":"s","report":` + validReport +
		`,"media":[{"id":"m1","filename":"snap.jpg","size":12,"timestamp":"2026-01-02T03:04:05Z","media_type":"image/jpeg","bytes":"AAEC"}]}`
	require.NoError(t, Validate(Submission, []byte(sub)))

	broken := `{"exam_id":"exam-1","student_id":"stu-1","session_id":"s","report":{"version":2},"media":[]}`
	assert.ErrorIs(t, Validate(Submission, []byte(broken)), ErrInvalid)
}

func TestUnknownSchema(t *testing.T) {
	err := Validate("nope.json", []byte(`{}`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalid)
}

func TestRaw(t *testing.T) {
	data, err := Raw(Report)
	require.NoError(t, err)
	assert.Contains(t, string(data), "examguard security report")
}
