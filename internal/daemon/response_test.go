package daemon

import (
	"encoding/json"
	"testing"
)

func TestResponseFailed(t *testing.T) {
	var r Response
	if r.Failed() {
		t.Error("Empty response must not fail")
	}
	r.AddMessage("careful", StatusWarn)
	if r.Failed() {
		t.Error("Warnings are not failures")
	}
	r.AddMessage("broken", StatusError)
	if !r.Failed() {
		t.Error("Expected failure after an error message")
	}
}

func TestResponseRoundTripData(t *testing.T) {
	var r Response
	r.AddMessage("OK", StatusInfo)
	r.AddData(JobData{JobID: "abc", State: "running"})

	var decoded Response
	if err := json.Unmarshal([]byte(r.ToJSON()), &decoded); err != nil {
		t.Fatal(err)
	}
	var data JobData
	if err := decoded.DecodeData(&data); err != nil {
		t.Fatalf("DecodeData failed: %v", err)
	}
	if data.JobID != "abc" || data.State != "running" {
		t.Errorf("Unexpected data %+v", data)
	}
}

func TestResponseOmitsEmptyData(t *testing.T) {
	var r Response
	r.AddMessage("OK", StatusInfo)
	if got := r.ToJSON(); got != `{"messages":[{"message":"OK","status":"INFO"}]}` {
		t.Errorf("Unexpected JSON %s", got)
	}
}
